// Package qemu drives libvirt-managed KVM guests through virsh and qemu-img. Base
// images are flattened copies of stopped guests' qcow2 disks; clones are qcow2
// overlays that name the base copy as their backing file.
package qemu

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/kura/internal/backend"
	kuraErrors "github.com/harunnryd/kura/internal/errors"
	"github.com/harunnryd/kura/internal/sandbox"
)

const (
	defaultVirsh   = "virsh"
	defaultQemuImg = "qemu-img"
	defaultSSHUser = "root"
)

func init() {
	backend.Register("qemu", func(opts backend.Options) (backend.Driver, error) {
		if opts.WorkDir != "" {
			if err := os.MkdirAll(opts.WorkDir, 0o755); err != nil {
				return backend.Driver{}, fmt.Errorf("create work dir: %w", err)
			}
		}
		return backend.Driver{Adapter: New(opts)}, nil
	})
}

type Adapter struct {
	virsh      string
	qemuImg    string
	connectURI string
	workDir    string
	network    string
	sshUser    string
}

func New(opts backend.Options) *Adapter {
	a := &Adapter{
		virsh:      opts.Binary,
		qemuImg:    opts.ImageBinary,
		connectURI: opts.ConnectURI,
		workDir:    opts.WorkDir,
		network:    opts.Network,
		sshUser:    defaultSSHUser,
	}
	if a.virsh == "" {
		a.virsh = defaultVirsh
	}
	if a.qemuImg == "" {
		a.qemuImg = defaultQemuImg
	}
	if a.workDir == "" {
		a.workDir = os.TempDir()
	}
	return a
}

func (a *Adapter) Kind() string {
	return "qemu"
}

func (a *Adapter) virshCmd(args ...string) backend.Command {
	if a.connectURI != "" {
		args = append([]string{"-c", a.connectURI}, args...)
	}
	return backend.Command{Binary: a.virsh, Args: args}
}

func (a *Adapter) imgCmd(args ...string) backend.Command {
	return backend.Command{Binary: a.qemuImg, Args: args}
}

func (a *Adapter) diskPath(name string) string {
	return filepath.Join(a.workDir, name+".qcow2")
}

func (a *Adapter) baseDir() string {
	return filepath.Join(a.workDir, "bases")
}

func (a *Adapter) basePath(name string) string {
	return filepath.Join(a.baseDir(), name+".qcow2")
}

func (a *Adapter) ListCommand() backend.Command {
	return a.virshCmd("list", "--all", "--with-managed-save")
}

// ParseList reads the `virsh list --all --with-managed-save` table:
//
//	Id   Name   State
//	--------------------
//	1    web    running
//	-    db     shut off
//	-    job    saved
func (a *Adapter) ParseList(stdout string) ([]backend.Observed, error) {
	var observed []backend.Observed
	for _, line := range strings.Split(stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if fields[0] == "Id" || strings.HasPrefix(fields[0], "---") {
			continue
		}

		raw := strings.Join(fields[2:], " ")
		state, healthy := mapState(raw)
		observed = append(observed, backend.Observed{
			Name:    fields[1],
			State:   state,
			Healthy: healthy,
			Detail:  raw,
		})
	}
	return observed, nil
}

func mapState(raw string) (sandbox.Status, bool) {
	switch strings.ToLower(raw) {
	case "running", "idle", "blocked":
		return sandbox.StatusRunning, true
	case "paused", "pmsuspended":
		return sandbox.StatusPaused, true
	case "in shutdown":
		return sandbox.StatusStopping, true
	case "shut off":
		return sandbox.StatusStopped, true
	case "saved":
		return sandbox.StatusSaved, true
	case "crashed", "dying":
		return sandbox.StatusFailed, false
	default:
		return sandbox.StatusFailed, false
	}
}

// CreateCommands layers a fresh overlay over the source image so the image itself is
// never written by the guest.
func (a *Adapter) CreateCommands(spec backend.CreateSpec) ([]backend.Command, string, error) {
	if spec.Image == "" {
		return nil, "", kuraErrors.InvalidInput("image (path to a qcow2 disk) is required for the qemu backend")
	}

	disk := a.diskPath(spec.Name)
	xmlDoc, err := domainXML(spec.Name, disk, a.network, spec.Resources)
	if err != nil {
		return nil, "", kuraErrors.Internal("render domain xml: %v", err)
	}

	define := a.virshCmd("define", "/dev/stdin")
	define.Stdin = xmlDoc

	return []backend.Command{
		a.imgCmd("create", "-f", "qcow2", "-F", "qcow2", "-b", spec.Image, disk),
		define,
	}, disk, nil
}

func (a *Adapter) LifecycleCommands(op sandbox.Operation, ref backend.Ref) ([]backend.Command, error) {
	name := ref.Name
	switch op {
	case sandbox.OpStart, sandbox.OpRestore:
		// start resumes from a managed save image when one exists.
		c := a.virshCmd("start", name)
		c.Detach = true
		return []backend.Command{c}, nil
	case sandbox.OpStop:
		return []backend.Command{a.virshCmd("destroy", name)}, nil
	case sandbox.OpPause:
		return []backend.Command{a.virshCmd("suspend", name)}, nil
	case sandbox.OpResume:
		return []backend.Command{a.virshCmd("resume", name)}, nil
	case sandbox.OpSave:
		return []backend.Command{a.virshCmd("managedsave", name)}, nil
	case sandbox.OpRemove:
		destroy := a.virshCmd("destroy", name)
		destroy.IgnoreFailure = true
		cmds := []backend.Command{destroy, a.virshCmd("undefine", name, "--managed-save")}
		if ref.BackendRef != "" {
			rm := backend.Command{Binary: "rm", Args: []string{"-f", ref.BackendRef}, IgnoreFailure: true}
			cmds = append(cmds, rm)
		}
		return cmds, nil
	default:
		return nil, kuraErrors.InvalidInput("operation %q is not supported by the qemu backend", op)
	}
}

// BaseCommands flattens the stopped guest's disk into a template file of its own, so
// neither the source guest nor its original image is ever read through by clones.
func (a *Adapter) BaseCommands(ref backend.Ref, baseName string) (backend.BasePlan, error) {
	disk := ref.BackendRef
	if disk == "" {
		disk = a.diskPath(ref.Name)
	}
	template := a.basePath(baseName)
	check := a.imgCmd("info", "--output=json", template)
	return backend.BasePlan{
		Prepare: []backend.Command{
			{Binary: "mkdir", Args: []string{"-p", a.baseDir()}},
			a.imgCmd("convert", "-O", "qcow2", disk, template),
		},
		Check:      &check,
		BackendRef: template,
	}, nil
}

func (a *Adapter) CheckBase(stdout string) error {
	var info struct {
		Format      string `json:"format"`
		VirtualSize int64  `json:"virtual-size"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &info); err != nil {
		return kuraErrors.BackendExecution("parse qemu-img info: %v", err)
	}
	if info.Format != "qcow2" {
		return kuraErrors.InvalidState("disk format %q cannot back copy-on-write clones, need qcow2", info.Format)
	}
	return nil
}

func (a *Adapter) CloneCommands(req backend.CloneRequest) ([]backend.Command, string, error) {
	if req.Base.BackendRef == "" {
		return nil, "", kuraErrors.InvalidState("base image %q has no disk path", req.Base.Name)
	}

	disk := a.diskPath(req.Name)
	xmlDoc, err := domainXML(req.Name, disk, a.network, req.Resources)
	if err != nil {
		return nil, "", kuraErrors.Internal("render domain xml: %v", err)
	}

	define := a.virshCmd("define", "/dev/stdin")
	define.Stdin = xmlDoc

	return []backend.Command{
		a.imgCmd("create", "-f", "qcow2", "-F", "qcow2", "-b", req.Base.BackendRef, disk),
		define,
	}, disk, nil
}

// RemoveBaseCommands keeps the template file: existing clones still read through it.
func (a *Adapter) RemoveBaseCommands(base sandbox.BaseImage) []backend.Command {
	return nil
}

// ExecCommand reaches the guest over ssh, relying on libvirt NSS to resolve the domain
// name.
func (a *Adapter) ExecCommand(ref backend.Ref, argv []string, stdin string) backend.Command {
	args := []string{"-o", "BatchMode=yes", "-o", "StrictHostKeyChecking=accept-new", a.sshUser + "@" + ref.Name, "--"}
	args = append(args, argv...)
	return backend.Command{Binary: "ssh", Args: args, Stdin: stdin}
}
