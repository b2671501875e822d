package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/harunnryd/kura/internal/backend"
	"github.com/harunnryd/kura/internal/checkpoint"
	"github.com/harunnryd/kura/internal/clone"
	"github.com/harunnryd/kura/internal/config"
	kuraErrors "github.com/harunnryd/kura/internal/errors"
	"github.com/harunnryd/kura/internal/executor"
	"github.com/harunnryd/kura/internal/lifecycle"
	"github.com/harunnryd/kura/internal/logger"
	"github.com/harunnryd/kura/internal/monitor"
	"github.com/harunnryd/kura/internal/orchestrator/command"
	"github.com/harunnryd/kura/internal/policy"
	"github.com/harunnryd/kura/internal/sandbox"
)

// AgentConfig controls the in-instance script runtime.
type AgentConfig struct {
	InstallCommand []string
	Command        []string
	RequireAgent   bool
	ExecTimeout    time.Duration
	MaxPollWait    time.Duration
}

type MonitorDefaults struct {
	Interval    time.Duration
	AutoRestart bool
}

// Deps are the collaborators an Orchestrator is assembled from.
type Deps struct {
	Driver    backend.Driver
	Instances *sandbox.Registry
	Bases     *sandbox.BaseRegistry
	Policy    *policy.Engine
	Tracker   *checkpoint.Tracker
	Lifecycle lifecycle.Config
	Agent     AgentConfig
	Monitor   MonitorDefaults
}

type reply struct {
	output string
	fields map[string]any
}

type handler func(ctx context.Context, p params) (reply, error)

// Orchestrator is the single entry point for commands. It is built once per process
// and owns every registry, so nothing about the sandbox table lives in package state.
type Orchestrator struct {
	adapter   backend.Adapter
	exec      executor.Executor
	instances *sandbox.Registry
	bases     *sandbox.BaseRegistry
	lifecycle *lifecycle.Controller
	clone     *clone.Engine
	tracker   *checkpoint.Tracker
	policy    *policy.Engine
	monitor   *monitor.Monitor
	agent     AgentConfig
	monitorDf MonitorDefaults
	mapper    kuraErrors.ErrorMapper
	startedAt time.Time

	handlers   map[string]handler
	background sync.WaitGroup
}

func New(d Deps) (*Orchestrator, error) {
	if d.Driver.Adapter == nil {
		return nil, fmt.Errorf("backend adapter is required")
	}
	if d.Driver.Executor == nil {
		d.Driver.Executor = executor.NewCommandExecutor(d.Lifecycle.CommandTimeout)
	}
	if d.Instances == nil {
		d.Instances = sandbox.NewRegistry()
	}
	if d.Bases == nil {
		d.Bases = sandbox.NewBaseRegistry()
	}
	if d.Policy == nil {
		audit, err := policy.NewAuditLog(policy.DefaultAuditRetention, "", nil)
		if err != nil {
			return nil, err
		}
		d.Policy = policy.NewEngine(policy.Policy{}, audit)
	}
	if d.Tracker == nil {
		d.Tracker = checkpoint.NewTracker(checkpoint.NewCodec(""), 0)
	}
	if len(d.Agent.Command) == 0 {
		d.Agent.Command = config.DefaultAgentCommand
	}
	if len(d.Agent.InstallCommand) == 0 {
		d.Agent.InstallCommand = config.DefaultAgentInstallCommand
	}
	if d.Agent.ExecTimeout <= 0 {
		d.Agent.ExecTimeout = 30 * time.Minute
	}
	if d.Agent.MaxPollWait <= 0 {
		d.Agent.MaxPollWait = 25 * time.Second
	}
	if d.Monitor.Interval <= 0 {
		d.Monitor.Interval = 30 * time.Second
	}

	ctrl := lifecycle.NewController(d.Driver.Adapter, d.Driver.Executor, d.Instances, d.Lifecycle)
	o := &Orchestrator{
		adapter:   d.Driver.Adapter,
		exec:      d.Driver.Executor,
		instances: d.Instances,
		bases:     d.Bases,
		lifecycle: ctrl,
		clone:     clone.NewEngine(d.Driver.Adapter, d.Driver.Executor, d.Instances, d.Bases, ctrl),
		tracker:   d.Tracker,
		policy:    d.Policy,
		monitor:   monitor.New(ctrl, d.Instances, d.Policy.Audit()),
		agent:     d.Agent,
		monitorDf: d.Monitor,
		mapper:    kuraErrors.NewDefaultErrorMapper(),
		startedAt: time.Now(),
	}
	o.handlers = o.routes()
	return o, nil
}

// Build assembles an Orchestrator from configuration. A nil engine is built from the
// security section.
func Build(cfg *config.Config, instances *sandbox.Registry, bases *sandbox.BaseRegistry, engine *policy.Engine) (*Orchestrator, error) {
	lc, err := LifecycleConfigFrom(cfg.Lifecycle)
	if err != nil {
		return nil, err
	}

	driver, err := backend.New(cfg.Backend.Kind, backend.Options{
		Binary:      cfg.Backend.Binary,
		ImageBinary: cfg.Backend.ImageBinary,
		WorkDir:     cfg.Backend.WorkDir,
		Network:     cfg.Backend.Network,
		ConnectURI:  cfg.Backend.ConnectURI,
	})
	if err != nil {
		return nil, err
	}

	if engine == nil {
		if engine, err = policy.Build(cfg.Security); err != nil {
			return nil, err
		}
	}

	retention, err := config.DurationOrDefault(cfg.Checkpoint.Retention, config.DefaultCheckpointRetention)
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint retention: %w", err)
	}
	pollWait, err := config.DurationOrDefault(cfg.Checkpoint.PollWait, config.DefaultCheckpointPollWait)
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint poll wait: %w", err)
	}
	execTimeout, err := config.DurationOrDefault(cfg.Checkpoint.ExecTimeout, config.DefaultCheckpointExecTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint exec timeout: %w", err)
	}
	monitorInterval, err := config.DurationOrDefault(cfg.Monitor.Interval, config.DefaultMonitorInterval)
	if err != nil {
		return nil, fmt.Errorf("parse monitor interval: %w", err)
	}

	return New(Deps{
		Driver:    driver,
		Instances: instances,
		Bases:     bases,
		Policy:    engine,
		Tracker:   checkpoint.NewTracker(checkpoint.NewCodec(cfg.Checkpoint.MarkerPrefix), retention),
		Lifecycle: lc,
		Agent: AgentConfig{
			InstallCommand: cfg.Checkpoint.AgentInstallCommand,
			Command:        cfg.Checkpoint.AgentCommand,
			RequireAgent:   cfg.Checkpoint.RequireAgent,
			ExecTimeout:    execTimeout,
			MaxPollWait:    pollWait,
		},
		Monitor: MonitorDefaults{Interval: monitorInterval, AutoRestart: cfg.Monitor.AutoRestart},
	})
}

func LifecycleConfigFrom(cfg config.LifecycleConfig) (lifecycle.Config, error) {
	pollInterval, err := config.DurationOrDefault(cfg.PollInterval, config.DefaultLifecyclePollInterval)
	if err != nil {
		return lifecycle.Config{}, fmt.Errorf("parse lifecycle poll interval: %w", err)
	}
	maxWait, err := config.DurationOrDefault(cfg.MaxWait, config.DefaultLifecycleMaxWait)
	if err != nil {
		return lifecycle.Config{}, fmt.Errorf("parse lifecycle max wait: %w", err)
	}
	commandTimeout, err := config.DurationOrDefault(cfg.CommandTimeout, config.DefaultLifecycleCommandTimeout)
	if err != nil {
		return lifecycle.Config{}, fmt.Errorf("parse lifecycle command timeout: %w", err)
	}
	return lifecycle.Config{
		PollInterval:       pollInterval,
		MaxWait:            maxWait,
		CommandTimeout:     commandTimeout,
		SerializeInstances: cfg.SerializeInstances,
	}, nil
}

func (o *Orchestrator) routes() map[string]handler {
	return map[string]handler{
		"create":              o.opCreate,
		"start":               o.opStart,
		"stop":                o.opStop,
		"restart":             o.opRestart,
		"pause":               o.transitionOp(sandbox.OpPause),
		"resume":              o.transitionOp(sandbox.OpResume),
		"save_state":          o.transitionOp(sandbox.OpSave),
		"restore_state":       o.transitionOp(sandbox.OpRestore),
		"remove":              o.transitionOp(sandbox.OpRemove),
		"register_base":       o.opRegisterBase,
		"unregister_base":     o.opUnregisterBase,
		"clone_from_base":     o.opClone,
		"clone":               o.opClone,
		"copy":                o.opClone,
		"list":                o.opList,
		"list_bases":          o.opListBases,
		"status":              o.opStatus,
		"execute":             o.opExecute,
		"deploy_rexx":         o.opDeployAgent,
		"execute_rexx":        o.opExecuteScript,
		"poll_checkpoint":     o.opPollCheckpoint,
		"complete_checkpoint": o.opCompleteCheckpoint,
		"security_audit":      o.opSecurityAudit,
		"process_stats":       o.opProcessStats,
		"start_monitoring":    o.opStartMonitoring,
		"stop_monitoring":     o.opStopMonitoring,
		"check_all":           o.opCheckAll,
	}
}

// Operations lists every recognized operation name.
func (o *Orchestrator) Operations() []string {
	ops := make([]string, 0, len(o.handlers))
	for op := range o.handlers {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Execute parses and runs one command line.
func (o *Orchestrator) Execute(ctx context.Context, line string) Result {
	cmd, err := command.Parse(line)
	if err != nil {
		return o.failure("", err)
	}
	return o.Run(ctx, cmd)
}

// Run dispatches a parsed command. It is the only place errors and panics turn into
// a failed Result.
func (o *Orchestrator) Run(ctx context.Context, cmd command.Command) (result Result) {
	ctx = logger.EnsureTraceID(ctx)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic in command dispatch", "operation", cmd.Operation, "panic", r, "stack", string(debug.Stack()))
			result = o.failure(cmd.Operation, kuraErrors.Internal("operation %s panicked: %v", cmd.Operation, r))
		}
	}()

	h, ok := o.handlers[cmd.Operation]
	if !ok {
		return o.failure(cmd.Operation, kuraErrors.InvalidInput("unknown operation %q", cmd.Operation))
	}

	slog.Debug("Executing command", "operation", cmd.Operation, "trace_id", logger.GetTraceID(ctx))
	rep, err := h(ctx, params(cmd.Params))
	if err != nil {
		result = o.failure(cmd.Operation, err)
		slog.Warn("Command failed", "operation", cmd.Operation, "error_kind", result.ErrorKind, "error", result.Error, "elapsed", time.Since(start))
		return result
	}

	slog.Info("Command completed", "operation", cmd.Operation, "elapsed", time.Since(start))
	return Result{Success: true, Operation: cmd.Operation, Output: rep.output, Fields: rep.fields}
}

func (o *Orchestrator) failure(op string, err error) Result {
	err = o.mapper.MapError(err)
	return Result{
		Success:   false,
		Operation: op,
		Output:    err.Error(),
		Error:     err.Error(),
		ErrorKind: o.mapper.Category(err),
	}
}

// Drain waits for background script runs to finish or ctx to end.
func (o *Orchestrator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("background scripts still running: %w", ctx.Err())
	}
}

func (o *Orchestrator) Instances() *sandbox.Registry {
	return o.instances
}

func (o *Orchestrator) Bases() *sandbox.BaseRegistry {
	return o.bases
}

func (o *Orchestrator) Tracker() *checkpoint.Tracker {
	return o.tracker
}

func (o *Orchestrator) Monitor() *monitor.Monitor {
	return o.monitor
}

func (o *Orchestrator) Policy() *policy.Engine {
	return o.policy
}

func (o *Orchestrator) MonitorDefaults() MonitorDefaults {
	return o.monitorDf
}

func (o *Orchestrator) BackendKind() string {
	return o.adapter.Kind()
}
