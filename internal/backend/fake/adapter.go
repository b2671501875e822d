package fake

import (
	"encoding/json"
	"strings"

	"github.com/harunnryd/kura/internal/backend"
	kuraErrors "github.com/harunnryd/kura/internal/errors"
	"github.com/harunnryd/kura/internal/sandbox"
)

type Adapter struct{}

func (b *Backend) Adapter() *Adapter {
	return &Adapter{}
}

func cmd(args ...string) backend.Command {
	return backend.Command{Binary: Binary, Args: args}
}

func (a *Adapter) Kind() string {
	return "fake"
}

func (a *Adapter) ListCommand() backend.Command {
	return cmd("list")
}

func (a *Adapter) ParseList(stdout string) ([]backend.Observed, error) {
	var entries []listEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &entries); err != nil {
		return nil, kuraErrors.BackendExecution("parse fake listing: %v", err)
	}
	observed := make([]backend.Observed, 0, len(entries))
	for _, e := range entries {
		observed = append(observed, backend.Observed{Name: e.Name, State: e.State, Healthy: e.Healthy, Detail: string(e.State)})
	}
	return observed, nil
}

func (a *Adapter) CreateCommands(spec backend.CreateSpec) ([]backend.Command, string, error) {
	return []backend.Command{cmd("create", spec.Name, spec.Image)}, "fake://" + spec.Name, nil
}

func (a *Adapter) LifecycleCommands(op sandbox.Operation, ref backend.Ref) ([]backend.Command, error) {
	switch op {
	case sandbox.OpStart:
		c := cmd("start", ref.Name)
		c.Detach = true
		return []backend.Command{c}, nil
	case sandbox.OpRestore:
		c := cmd("restore", ref.Name)
		c.Detach = true
		return []backend.Command{c}, nil
	case sandbox.OpStop:
		return []backend.Command{cmd("stop", ref.Name)}, nil
	case sandbox.OpPause:
		return []backend.Command{cmd("pause", ref.Name)}, nil
	case sandbox.OpResume:
		return []backend.Command{cmd("resume", ref.Name)}, nil
	case sandbox.OpSave:
		return []backend.Command{cmd("save", ref.Name)}, nil
	case sandbox.OpRemove:
		return []backend.Command{cmd("remove", ref.Name)}, nil
	default:
		return nil, kuraErrors.InvalidInput("operation %q is not supported by the fake backend", op)
	}
}

func (a *Adapter) BaseCommands(ref backend.Ref, baseName string) (backend.BasePlan, error) {
	check := cmd("inspect", ref.Name)
	return backend.BasePlan{
		Prepare:    []backend.Command{cmd("snapshot", ref.Name)},
		Check:      &check,
		BackendRef: ref.Name,
	}, nil
}

func (a *Adapter) CheckBase(stdout string) error {
	if !strings.Contains(stdout, `"cow"`) {
		return kuraErrors.InvalidState("snapshot is not clone-capable")
	}
	return nil
}

func (a *Adapter) CloneCommands(req backend.CloneRequest) ([]backend.Command, string, error) {
	return []backend.Command{cmd("clone", req.Base.BackendRef, req.Name)}, "fake://" + req.Name, nil
}

func (a *Adapter) RemoveBaseCommands(base sandbox.BaseImage) []backend.Command {
	c := cmd("rmbase", base.BackendRef)
	c.IgnoreFailure = true
	return []backend.Command{c}
}

func (a *Adapter) ExecCommand(ref backend.Ref, argv []string, stdin string) backend.Command {
	c := cmd(append([]string{"exec", ref.Name}, argv...)...)
	c.Stdin = stdin
	return c
}
