package lifecycle

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/harunnryd/kura/internal/backend"
	"github.com/harunnryd/kura/internal/concurrency"
	kuraErrors "github.com/harunnryd/kura/internal/errors"
	"github.com/harunnryd/kura/internal/executor"
	"github.com/harunnryd/kura/internal/sandbox"
)

const (
	DefaultPollInterval   = time.Second
	DefaultMaxWait        = 60 * time.Second
	DefaultCommandTimeout = 30 * time.Second
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,62}$`)

// ValidateName rejects names a backend tool could read as a flag or path.
func ValidateName(name string) error {
	if name == "" {
		return kuraErrors.InvalidInput("name is required")
	}
	if !namePattern.MatchString(name) {
		return kuraErrors.InvalidInput("invalid name %q: use letters, digits, '.', '_' or '-'", name)
	}
	return nil
}

type Config struct {
	PollInterval       time.Duration
	MaxWait            time.Duration
	CommandTimeout     time.Duration
	SerializeInstances bool
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	return c
}

// Outcome is what a lifecycle call reports back to the dispatcher.
type Outcome struct {
	Instance sandbox.Instance
	Previous sandbox.Status
	Skipped  bool
	Output   string
	Elapsed  time.Duration
}

// Controller is the only writer of Instance.Status. Operations whose backend command
// may block forever are launched detached and confirmed by polling the listing.
type Controller struct {
	adapter  backend.Adapter
	exec     executor.Executor
	registry *sandbox.Registry
	cfg      Config
	locks    *concurrency.KeyedLocker
	bases    *sandbox.BaseRegistry
}

func NewController(adapter backend.Adapter, exec executor.Executor, registry *sandbox.Registry, cfg Config) *Controller {
	c := &Controller{
		adapter:  adapter,
		exec:     exec,
		registry: registry,
		cfg:      cfg.withDefaults(),
	}
	if c.cfg.SerializeInstances {
		c.locks = concurrency.NewKeyedLocker()
	}
	return c
}

func (c *Controller) Config() Config {
	return c.cfg
}

// ProtectBases freezes every instance that backs an entry in bases: lifecycle
// operations on it fail with InvalidState until the base image is unregistered.
func (c *Controller) ProtectBases(bases *sandbox.BaseRegistry) {
	c.bases = bases
}

func (c *Controller) backsBase(name string) bool {
	if c.bases == nil {
		return false
	}
	_, err := c.bases.Get(name)
	return err == nil
}

func (c *Controller) lock(name string) func() {
	if c.locks == nil {
		return func() {}
	}
	c.locks.Lock(name)
	return func() { c.locks.Unlock(name) }
}

// Create registers the instance as creating, runs the backend create commands and
// waits until the listing shows it. Any failure removes the record again.
func (c *Controller) Create(ctx context.Context, spec backend.CreateSpec, autoRestart bool) (Outcome, error) {
	if err := ValidateName(spec.Name); err != nil {
		return Outcome{}, err
	}
	defer c.lock(spec.Name)()

	start := time.Now()
	if err := c.registry.Insert(sandbox.Instance{
		Name:        spec.Name,
		Image:       spec.Image,
		Status:      sandbox.StatusCreating,
		Resources:   spec.Resources,
		AutoRestart: autoRestart,
		CreatedAt:   start.UTC(),
	}); err != nil {
		return Outcome{}, err
	}

	fail := func(err error) (Outcome, error) {
		c.registry.Delete(spec.Name)
		slog.Warn("Create failed", "instance", spec.Name, "error", err)
		return Outcome{}, err
	}

	cmds, ref, err := c.adapter.CreateCommands(spec)
	if err != nil {
		return fail(err)
	}

	output, err := backend.RunAll(ctx, c.exec, cmds, c.cfg.CommandTimeout)
	if err != nil {
		return fail(err)
	}

	observed, err := c.waitFor(ctx, spec.Name, "")
	if err != nil {
		return fail(err)
	}

	landed := sandbox.StatusCreated
	switch observed.State {
	case sandbox.StatusStopped, sandbox.StatusRunning:
		landed = observed.State
	}

	inst, err := c.registry.Update(spec.Name, func(inst *sandbox.Instance) error {
		inst.Status = landed
		inst.BackendRef = ref
		if landed == sandbox.StatusRunning {
			now := time.Now().UTC()
			inst.StartedAt = &now
		}
		return nil
	})
	if err != nil {
		return fail(err)
	}

	slog.Info("Instance created", "instance", spec.Name, "status", landed, "elapsed", time.Since(start))
	return Outcome{Instance: inst, Previous: sandbox.StatusAbsent, Output: output, Elapsed: time.Since(start)}, nil
}

// Transition applies a lifecycle operation to an existing instance.
func (c *Controller) Transition(ctx context.Context, name string, op sandbox.Operation) (Outcome, error) {
	defer c.lock(name)()
	return c.transition(ctx, name, op)
}

func (c *Controller) transition(ctx context.Context, name string, op sandbox.Operation) (Outcome, error) {
	r, ok := rules[op]
	if !ok {
		return Outcome{}, kuraErrors.InvalidInput("unknown lifecycle operation %q", op)
	}

	start := time.Now()
	var previous sandbox.Status
	inst, err := c.registry.Update(name, func(inst *sandbox.Instance) error {
		if c.backsBase(name) {
			return kuraErrors.InvalidState("cannot %s instance %q: it backs a registered base image, unregister_base first", op, name)
		}
		if !r.allows(inst.Status) {
			return kuraErrors.InvalidState("cannot %s instance %q in status %s", op, name, inst.Status)
		}
		previous = inst.Status
		inst.Status = r.via
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	revert := func(cause error) (Outcome, error) {
		c.setStatus(name, previous)
		slog.Warn("Lifecycle operation failed", "instance", name, "operation", op, "error", cause)
		return Outcome{}, cause
	}

	cmds, err := c.adapter.LifecycleCommands(op, backend.RefOf(inst))
	if err != nil {
		return revert(err)
	}

	output, err := backend.RunAll(ctx, c.exec, cmds, c.cfg.CommandTimeout)
	if err != nil {
		return revert(err)
	}

	if r.polled {
		if _, err := c.waitFor(ctx, name, r.to); err != nil {
			// the detached launch may still complete after we stop tracking it
			c.setStatus(name, sandbox.StatusFailed)
			slog.Warn("Lifecycle operation did not settle", "instance", name, "operation", op, "error", err)
			return Outcome{}, err
		}
	}

	if op == sandbox.OpRemove {
		c.registry.Delete(name)
		inst.Status = sandbox.StatusAbsent
		slog.Info("Instance removed", "instance", name)
		return Outcome{Instance: inst, Previous: previous, Output: output, Elapsed: time.Since(start)}, nil
	}

	inst, err = c.registry.Update(name, func(inst *sandbox.Instance) error {
		inst.Status = r.to
		now := time.Now().UTC()
		switch r.to {
		case sandbox.StatusRunning:
			inst.StartedAt = &now
			inst.StoppedAt = nil
		case sandbox.StatusStopped, sandbox.StatusSaved:
			inst.StoppedAt = &now
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	slog.Info("Lifecycle transition", "instance", name, "operation", op, "from", previous, "to", r.to, "elapsed", time.Since(start))
	return Outcome{Instance: inst, Previous: previous, Output: output, Elapsed: time.Since(start)}, nil
}

func (c *Controller) setStatus(name string, status sandbox.Status) {
	if _, err := c.registry.Update(name, func(inst *sandbox.Instance) error {
		inst.Status = status
		return nil
	}); err != nil {
		slog.Debug("Status update skipped", "instance", name, "status", status, "error", err)
	}
}

// StartIfStopped starts the instance unless it is already running, in which case no
// backend command is issued.
func (c *Controller) StartIfStopped(ctx context.Context, name string) (Outcome, error) {
	defer c.lock(name)()

	inst, err := c.registry.Get(name)
	if err != nil {
		return Outcome{}, err
	}
	if inst.Status == sandbox.StatusRunning {
		return Outcome{Instance: inst, Previous: inst.Status, Skipped: true}, nil
	}
	return c.transition(ctx, name, sandbox.OpStart)
}

// StopIfRunning stops the instance unless it is already at rest.
func (c *Controller) StopIfRunning(ctx context.Context, name string) (Outcome, error) {
	defer c.lock(name)()
	return c.stopIfRunning(ctx, name)
}

func (c *Controller) stopIfRunning(ctx context.Context, name string) (Outcome, error) {
	inst, err := c.registry.Get(name)
	if err != nil {
		return Outcome{}, err
	}
	switch inst.Status {
	case sandbox.StatusStopped, sandbox.StatusCreated, sandbox.StatusSaved:
		return Outcome{Instance: inst, Previous: inst.Status, Skipped: true}, nil
	}
	return c.transition(ctx, name, sandbox.OpStop)
}

// Restart stops the instance if needed and starts it again.
func (c *Controller) Restart(ctx context.Context, name string) (Outcome, error) {
	defer c.lock(name)()

	stopped, err := c.stopIfRunning(ctx, name)
	if err != nil {
		return Outcome{}, err
	}
	started, err := c.transition(ctx, name, sandbox.OpStart)
	if err != nil {
		return Outcome{}, err
	}
	started.Previous = stopped.Previous
	return started, nil
}

// Observe lists the backend once.
func (c *Controller) Observe(ctx context.Context) (map[string]backend.Observed, error) {
	observed, err := backend.List(ctx, c.adapter, c.exec, c.cfg.CommandTimeout)
	if err != nil {
		return nil, err
	}
	return backend.Index(observed), nil
}

// MarkAgentDeployed records that the in-instance script runtime is installed.
func (c *Controller) MarkAgentDeployed(name string) (sandbox.Instance, error) {
	return c.registry.Update(name, func(inst *sandbox.Instance) error {
		inst.ScriptRuntimeDeployed = true
		return nil
	})
}
