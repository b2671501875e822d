// Package docker drives a docker or podman compatible container runtime. Base images
// are committed container images; clones are new containers whose writable layer sits
// copy-on-write over that image.
package docker

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/harunnryd/kura/internal/backend"
	kuraErrors "github.com/harunnryd/kura/internal/errors"
	"github.com/harunnryd/kura/internal/sandbox"
)

const (
	ManagedLabel    = "kura.managed=true"
	ClonedFromLabel = "kura.cloned_from"
	CheckpointName  = "kura-saved"
	BaseRepository  = "kura-base"
	defaultStopWait = "10"
)

func init() {
	factory := func(opts backend.Options) (backend.Driver, error) {
		return backend.Driver{Adapter: New(opts)}, nil
	}
	backend.Register("docker", factory)
	backend.Register("podman", func(opts backend.Options) (backend.Driver, error) {
		if opts.Binary == "" {
			opts.Binary = "podman"
		}
		return factory(opts)
	})
}

type Adapter struct {
	bin     string
	network string
}

func New(opts backend.Options) *Adapter {
	bin := opts.Binary
	if bin == "" {
		bin = findBinary("docker")
	}
	return &Adapter{bin: bin, network: opts.Network}
}

func findBinary(name string) string {
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	return name
}

func (a *Adapter) Kind() string {
	return "docker"
}

func (a *Adapter) cmd(args ...string) backend.Command {
	return backend.Command{Binary: a.bin, Args: args}
}

func (a *Adapter) ListCommand() backend.Command {
	return a.cmd("ps", "-a", "--no-trunc", "--filter", "label="+ManagedLabel, "--format", "{{json .}}")
}

type psEntry struct {
	Names  string `json:"Names"`
	State  string `json:"State"`
	Status string `json:"Status"`
	Image  string `json:"Image"`
}

// ParseList reads the JSON-lines output of `ps --format '{{json .}}'`.
func (a *Adapter) ParseList(stdout string) ([]backend.Observed, error) {
	var observed []backend.Observed
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var entry psEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, kuraErrors.BackendExecution("parse container listing: %v", err)
		}

		state, healthy := mapState(entry.State, entry.Status)
		for _, name := range strings.Split(entry.Names, ",") {
			name = strings.TrimPrefix(strings.TrimSpace(name), "/")
			if name == "" {
				continue
			}
			observed = append(observed, backend.Observed{
				Name:    name,
				State:   state,
				Healthy: healthy,
				Detail:  entry.Status,
			})
		}
	}
	return observed, nil
}

func mapState(state, status string) (sandbox.Status, bool) {
	healthy := !strings.Contains(strings.ToLower(status), "unhealthy")
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "running":
		return sandbox.StatusRunning, healthy
	case "paused":
		return sandbox.StatusPaused, healthy
	case "created":
		return sandbox.StatusCreated, true
	case "restarting":
		return sandbox.StatusStarting, healthy
	case "removing":
		return sandbox.StatusRemoving, true
	case "exited":
		return sandbox.StatusStopped, true
	case "dead":
		return sandbox.StatusFailed, false
	default:
		return sandbox.StatusFailed, false
	}
}

func resourceArgs(res sandbox.ResourceSpec, defaultNetwork string) []string {
	var args []string
	if res.MemoryLimit > 0 {
		args = append(args, "--memory", fmt.Sprintf("%db", res.MemoryLimit))
	}
	if res.CPULimit > 0 {
		args = append(args, "--cpus", backend.CPUString(res.CPULimit))
	}
	for _, v := range res.Volumes {
		mount := v.Host + ":" + v.Guest
		if v.ReadOnly {
			mount += ":ro"
		}
		args = append(args, "-v", mount)
	}
	for _, kv := range backend.SortedEnv(res.Env) {
		args = append(args, "-e", kv)
	}
	network := res.Network
	if network == "" {
		network = defaultNetwork
	}
	if network != "" {
		args = append(args, "--network", network)
	}
	if res.Privileged {
		args = append(args, "--privileged")
	}
	return args
}

func (a *Adapter) CreateCommands(spec backend.CreateSpec) ([]backend.Command, string, error) {
	if spec.Image == "" {
		return nil, "", kuraErrors.InvalidInput("image is required for the %s backend", a.Kind())
	}

	args := []string{"create", "--name", spec.Name, "--label", ManagedLabel}
	args = append(args, resourceArgs(spec.Resources, a.network)...)
	args = append(args, spec.Image)
	args = append(args, spec.Command...)

	return []backend.Command{a.cmd(args...)}, spec.Name, nil
}

func (a *Adapter) LifecycleCommands(op sandbox.Operation, ref backend.Ref) ([]backend.Command, error) {
	name := ref.Name
	switch op {
	case sandbox.OpStart:
		c := a.cmd("start", name)
		c.Detach = true
		return []backend.Command{c}, nil
	case sandbox.OpStop:
		return []backend.Command{a.cmd("stop", "-t", defaultStopWait, name)}, nil
	case sandbox.OpPause:
		return []backend.Command{a.cmd("pause", name)}, nil
	case sandbox.OpResume:
		return []backend.Command{a.cmd("unpause", name)}, nil
	case sandbox.OpSave:
		return []backend.Command{a.cmd("checkpoint", "create", name, CheckpointName)}, nil
	case sandbox.OpRestore:
		c := a.cmd("start", "--checkpoint", CheckpointName, name)
		c.Detach = true
		return []backend.Command{c}, nil
	case sandbox.OpRemove:
		return []backend.Command{a.cmd("rm", "-f", name)}, nil
	default:
		return nil, kuraErrors.InvalidInput("operation %q is not supported by the %s backend", op, a.Kind())
	}
}

func baseImageRef(baseName string) string {
	return BaseRepository + "/" + strings.ToLower(baseName) + ":latest"
}

func (a *Adapter) BaseCommands(ref backend.Ref, baseName string) (backend.BasePlan, error) {
	image := baseImageRef(baseName)
	check := a.cmd("image", "inspect", "--format", "{{json .RootFS}}", image)
	return backend.BasePlan{
		Prepare:    []backend.Command{a.cmd("commit", ref.Name, image)},
		Check:      &check,
		BackendRef: image,
	}, nil
}

// CheckBase accepts a committed image whose root filesystem is a layer stack.
func (a *Adapter) CheckBase(stdout string) error {
	var rootfs struct {
		Type   string   `json:"Type"`
		Layers []string `json:"Layers"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &rootfs); err != nil {
		return kuraErrors.BackendExecution("inspect base image: %v", err)
	}
	if rootfs.Type != "layers" || len(rootfs.Layers) == 0 {
		return kuraErrors.InvalidState("base image root filesystem %q is not a layer stack", rootfs.Type)
	}
	return nil
}

func (a *Adapter) CloneCommands(req backend.CloneRequest) ([]backend.Command, string, error) {
	if req.Base.BackendRef == "" {
		return nil, "", kuraErrors.InvalidState("base image %q has no image reference", req.Base.Name)
	}

	args := []string{"create", "--name", req.Name, "--label", ManagedLabel, "--label", ClonedFromLabel + "=" + req.Base.Name}
	args = append(args, resourceArgs(req.Resources, a.network)...)
	args = append(args, req.Base.BackendRef)

	return []backend.Command{a.cmd(args...)}, req.Name, nil
}

func (a *Adapter) RemoveBaseCommands(base sandbox.BaseImage) []backend.Command {
	if base.BackendRef == "" {
		return nil
	}
	c := a.cmd("image", "rm", base.BackendRef)
	c.IgnoreFailure = true
	return []backend.Command{c}
}

func (a *Adapter) ExecCommand(ref backend.Ref, argv []string, stdin string) backend.Command {
	args := []string{"exec"}
	if stdin != "" {
		args = append(args, "-i")
	}
	args = append(args, ref.Name)
	args = append(args, argv...)
	c := a.cmd(args...)
	c.Stdin = stdin
	return c
}
