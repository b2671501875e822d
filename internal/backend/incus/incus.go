// Package incus drives system containers and VMs through the incus (or lxc) client.
// Base images are instance snapshots; clones are `copy` operations that the storage
// pool serves copy-on-write from that snapshot.
package incus

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harunnryd/kura/internal/backend"
	kuraErrors "github.com/harunnryd/kura/internal/errors"
	"github.com/harunnryd/kura/internal/sandbox"
)

const BaseSnapshot = "kura-base"

func init() {
	backend.Register("incus", func(opts backend.Options) (backend.Driver, error) {
		return backend.Driver{Adapter: New(opts)}, nil
	})
}

type Adapter struct {
	bin     string
	network string
}

func New(opts backend.Options) *Adapter {
	bin := opts.Binary
	if bin == "" {
		bin = "incus"
	}
	return &Adapter{bin: bin, network: opts.Network}
}

func (a *Adapter) Kind() string {
	return "incus"
}

func (a *Adapter) cmd(args ...string) backend.Command {
	return backend.Command{Binary: a.bin, Args: args}
}

func (a *Adapter) ListCommand() backend.Command {
	return a.cmd("list", "--format", "json")
}

type listEntry struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	StatusCode int    `json:"status_code"`
	Stateful   bool   `json:"stateful"`
	Type       string `json:"type"`
}

func (a *Adapter) ParseList(stdout string) ([]backend.Observed, error) {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return nil, nil
	}

	var entries []listEntry
	if err := json.Unmarshal([]byte(trimmed), &entries); err != nil {
		return nil, kuraErrors.BackendExecution("parse incus listing: %v", err)
	}

	observed := make([]backend.Observed, 0, len(entries))
	for _, e := range entries {
		state, healthy := mapState(e.Status, e.Stateful)
		observed = append(observed, backend.Observed{
			Name:    e.Name,
			State:   state,
			Healthy: healthy,
			Detail:  e.Status,
		})
	}
	return observed, nil
}

func mapState(status string, stateful bool) (sandbox.Status, bool) {
	switch strings.ToLower(status) {
	case "running":
		return sandbox.StatusRunning, true
	case "frozen", "freezing":
		return sandbox.StatusPaused, true
	case "stopped":
		if stateful {
			return sandbox.StatusSaved, true
		}
		return sandbox.StatusStopped, true
	case "starting", "thawed":
		return sandbox.StatusStarting, true
	case "stopping", "aborting":
		return sandbox.StatusStopping, true
	default:
		return sandbox.StatusFailed, false
	}
}

func configArgs(res sandbox.ResourceSpec) []string {
	var args []string
	if res.MemoryLimit > 0 {
		args = append(args, "-c", fmt.Sprintf("limits.memory=%dMiB", backend.MiB(res.MemoryLimit)))
	}
	if res.CPULimit > 0 {
		args = append(args, "-c", fmt.Sprintf("limits.cpu=%d", backend.WholeCPUs(res.CPULimit)))
	}
	for _, kv := range backend.SortedEnv(res.Env) {
		args = append(args, "-c", "environment."+kv)
	}
	if res.Privileged {
		args = append(args, "-c", "security.privileged=true")
	}
	return args
}

func (a *Adapter) deviceCommands(name string, res sandbox.ResourceSpec) []backend.Command {
	var cmds []backend.Command
	for i, v := range res.Volumes {
		args := []string{"config", "device", "add", name, fmt.Sprintf("kura-vol%d", i), "disk", "source=" + v.Host, "path=" + v.Guest}
		if v.ReadOnly {
			args = append(args, "readonly=true")
		}
		cmds = append(cmds, a.cmd(args...))
	}
	return cmds
}

func (a *Adapter) CreateCommands(spec backend.CreateSpec) ([]backend.Command, string, error) {
	if spec.Image == "" {
		return nil, "", kuraErrors.InvalidInput("image is required for the incus backend")
	}

	args := []string{"init", spec.Image, spec.Name}
	args = append(args, configArgs(spec.Resources)...)
	network := spec.Resources.Network
	if network == "" {
		network = a.network
	}
	if network != "" {
		args = append(args, "--network", network)
	}

	cmds := []backend.Command{a.cmd(args...)}
	cmds = append(cmds, a.deviceCommands(spec.Name, spec.Resources)...)
	return cmds, spec.Name, nil
}

func (a *Adapter) LifecycleCommands(op sandbox.Operation, ref backend.Ref) ([]backend.Command, error) {
	name := ref.Name
	switch op {
	case sandbox.OpStart, sandbox.OpRestore:
		c := a.cmd("start", name)
		c.Detach = true
		return []backend.Command{c}, nil
	case sandbox.OpStop:
		return []backend.Command{a.cmd("stop", name, "--force")}, nil
	case sandbox.OpPause:
		return []backend.Command{a.cmd("pause", name)}, nil
	case sandbox.OpResume:
		return []backend.Command{a.cmd("start", name)}, nil
	case sandbox.OpSave:
		return []backend.Command{a.cmd("stop", name, "--stateful")}, nil
	case sandbox.OpRemove:
		return []backend.Command{a.cmd("delete", name, "--force")}, nil
	default:
		return nil, kuraErrors.InvalidInput("operation %q is not supported by the incus backend", op)
	}
}

func (a *Adapter) BaseCommands(ref backend.Ref, baseName string) (backend.BasePlan, error) {
	check := a.cmd("query", fmt.Sprintf("/1.0/instances/%s/snapshots/%s", ref.Name, BaseSnapshot))
	return backend.BasePlan{
		Prepare:    []backend.Command{a.cmd("snapshot", "create", ref.Name, BaseSnapshot, "--reuse")},
		Check:      &check,
		BackendRef: ref.Name + "/" + BaseSnapshot,
	}, nil
}

// CheckBase accepts any snapshot record the daemon returns for the base snapshot.
func (a *Adapter) CheckBase(stdout string) error {
	var snap struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &snap); err != nil {
		return kuraErrors.BackendExecution("parse snapshot record: %v", err)
	}
	if snap.Name != BaseSnapshot {
		return kuraErrors.InvalidState("snapshot %q missing from instance", BaseSnapshot)
	}
	return nil
}

func (a *Adapter) CloneCommands(req backend.CloneRequest) ([]backend.Command, string, error) {
	if req.Base.BackendRef == "" {
		return nil, "", kuraErrors.InvalidState("base image %q has no snapshot reference", req.Base.Name)
	}

	args := []string{"copy", req.Base.BackendRef, req.Name}
	args = append(args, configArgs(req.Resources)...)

	cmds := []backend.Command{a.cmd(args...)}
	cmds = append(cmds, a.deviceCommands(req.Name, req.Resources)...)
	return cmds, req.Name, nil
}

func (a *Adapter) RemoveBaseCommands(base sandbox.BaseImage) []backend.Command {
	instance, snapshot, ok := strings.Cut(base.BackendRef, "/")
	if !ok {
		return nil
	}
	c := a.cmd("snapshot", "delete", instance, snapshot)
	c.IgnoreFailure = true
	return []backend.Command{c}
}

func (a *Adapter) ExecCommand(ref backend.Ref, argv []string, stdin string) backend.Command {
	args := append([]string{"exec", ref.Name, "--"}, argv...)
	c := a.cmd(args...)
	c.Stdin = stdin
	return c
}
