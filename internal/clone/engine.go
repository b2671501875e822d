package clone

import (
	"context"
	"log/slog"
	"time"

	"github.com/harunnryd/kura/internal/backend"
	kuraErrors "github.com/harunnryd/kura/internal/errors"
	"github.com/harunnryd/kura/internal/executor"
	"github.com/harunnryd/kura/internal/lifecycle"
	"github.com/harunnryd/kura/internal/sandbox"
)

// Engine promotes stopped instances to base images and creates new instances from
// them with the backend's copy-on-write primitive.
type Engine struct {
	adapter   backend.Adapter
	exec      executor.Executor
	instances *sandbox.Registry
	bases     *sandbox.BaseRegistry
	lifecycle *lifecycle.Controller
	timeout   time.Duration
}

func NewEngine(
	adapter backend.Adapter,
	exec executor.Executor,
	instances *sandbox.Registry,
	bases *sandbox.BaseRegistry,
	ctrl *lifecycle.Controller,
) *Engine {
	ctrl.ProtectBases(bases)
	return &Engine{
		adapter:   adapter,
		exec:      exec,
		instances: instances,
		bases:     bases,
		lifecycle: ctrl,
		timeout:   ctrl.Config().CommandTimeout,
	}
}

type RegisterOptions struct {
	Metadata map[string]string
	// Stop stops a running source instance first instead of rejecting it.
	Stop bool
}

// RegisterBase promotes the named instance to a base image of the same name. The
// instance must be stopped so its on-disk state is consistent.
func (e *Engine) RegisterBase(ctx context.Context, name string, opts RegisterOptions) (sandbox.BaseImage, error) {
	inst, err := e.instances.Get(name)
	if err != nil {
		return sandbox.BaseImage{}, err
	}

	if inst.Status != sandbox.StatusStopped {
		if !opts.Stop {
			return sandbox.BaseImage{}, kuraErrors.InvalidState("instance %q must be stopped to register as a base image (status %s)", name, inst.Status)
		}
		if _, err := e.lifecycle.StopIfRunning(ctx, name); err != nil {
			return sandbox.BaseImage{}, err
		}
		if inst, err = e.instances.Get(name); err != nil {
			return sandbox.BaseImage{}, err
		}
		if inst.Status != sandbox.StatusStopped {
			return sandbox.BaseImage{}, kuraErrors.InvalidState("instance %q must be stopped to register as a base image (status %s)", name, inst.Status)
		}
	}

	if err := e.bases.Insert(sandbox.BaseImage{
		Name:       name,
		Status:     sandbox.BaseRegistering,
		Metadata:   opts.Metadata,
		Registered: time.Now().UTC(),
	}); err != nil {
		return sandbox.BaseImage{}, err
	}

	fail := func(err error) (sandbox.BaseImage, error) {
		e.bases.Delete(name)
		slog.Warn("Base image registration failed", "base", name, "error", err)
		return sandbox.BaseImage{}, err
	}

	// the entry above freezes the instance; re-read in case a transition got in first
	if inst, err = e.instances.Get(name); err != nil {
		return fail(err)
	}
	if inst.Status != sandbox.StatusStopped {
		return fail(kuraErrors.InvalidState("instance %q must be stopped to register as a base image (status %s)", name, inst.Status))
	}

	plan, err := e.adapter.BaseCommands(backend.RefOf(inst), name)
	if err != nil {
		return fail(err)
	}
	if _, err := backend.RunAll(ctx, e.exec, plan.Prepare, e.timeout); err != nil {
		return fail(err)
	}
	if plan.Check != nil {
		result, err := e.exec.Run(ctx, plan.Check.Request(e.timeout))
		if err != nil {
			return fail(err)
		}
		if err := e.adapter.CheckBase(result.Stdout); err != nil {
			return fail(err)
		}
	}

	base, err := e.bases.Update(name, func(b *sandbox.BaseImage) error {
		b.Status = sandbox.BaseReady
		b.BackendRef = plan.BackendRef
		return nil
	})
	if err != nil {
		return fail(err)
	}

	slog.Info("Base image registered", "base", name, "ref", base.BackendRef)
	return base, nil
}

// CloneFromBase creates a stopped instance backed by a ready base image. The record
// is only added once the backend has made the clone.
func (e *Engine) CloneFromBase(ctx context.Context, baseName, name string, res sandbox.ResourceSpec) (sandbox.Instance, error) {
	if err := lifecycle.ValidateName(name); err != nil {
		return sandbox.Instance{}, err
	}

	base, err := e.bases.Get(baseName)
	if err != nil {
		return sandbox.Instance{}, err
	}
	if base.Status != sandbox.BaseReady {
		return sandbox.Instance{}, kuraErrors.NotFound("base image %q is not ready (status %s)", baseName, base.Status)
	}
	if e.instances.Exists(name) {
		return sandbox.Instance{}, kuraErrors.Conflict("instance %q already exists", name)
	}

	start := time.Now()
	cmds, ref, err := e.adapter.CloneCommands(backend.CloneRequest{Base: base, Name: name, Resources: res})
	if err != nil {
		return sandbox.Instance{}, err
	}
	if _, err := backend.RunAll(ctx, e.exec, cmds, e.timeout); err != nil {
		e.cleanup(ctx, name, ref)
		return sandbox.Instance{}, err
	}

	inst := sandbox.Instance{
		Name:       name,
		BackendRef: ref,
		Image:      base.BackendRef,
		Status:     sandbox.StatusStopped,
		Resources:  res,
		ClonedFrom: baseName,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.instances.Insert(inst); err != nil {
		e.cleanup(ctx, name, ref)
		return sandbox.Instance{}, err
	}

	slog.Info("Instance cloned", "instance", name, "base", baseName, "elapsed", time.Since(start))
	return inst, nil
}

// cleanup removes whatever a failed clone left in the backend, ignoring errors.
func (e *Engine) cleanup(ctx context.Context, name, ref string) {
	cmds, err := e.adapter.LifecycleCommands(sandbox.OpRemove, backend.Ref{Name: name, BackendRef: ref})
	if err != nil {
		return
	}
	for i := range cmds {
		cmds[i].IgnoreFailure = true
	}
	_, _ = backend.RunAll(ctx, e.exec, cmds, e.timeout)
}

// RemoveBase drops a base image. Instances cloned from it keep their provenance.
func (e *Engine) RemoveBase(ctx context.Context, name string) (sandbox.BaseImage, error) {
	base, err := e.bases.Get(name)
	if err != nil {
		return sandbox.BaseImage{}, err
	}
	if _, err := backend.RunAll(ctx, e.exec, e.adapter.RemoveBaseCommands(base), e.timeout); err != nil {
		return sandbox.BaseImage{}, err
	}
	e.bases.Delete(name)
	slog.Info("Base image removed", "base", name)
	return base, nil
}

func (e *Engine) ListBases() []sandbox.BaseImage {
	return e.bases.List()
}
