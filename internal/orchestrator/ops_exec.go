package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harunnryd/kura/internal/backend"
	"github.com/harunnryd/kura/internal/checkpoint"
	"github.com/harunnryd/kura/internal/concurrency"
	kuraErrors "github.com/harunnryd/kura/internal/errors"
	"github.com/harunnryd/kura/internal/logger"
	"github.com/harunnryd/kura/internal/policy"
	"github.com/harunnryd/kura/internal/sandbox"
)

func (o *Orchestrator) runningInstance(name string) (sandbox.Instance, error) {
	inst, err := o.instances.Get(name)
	if err != nil {
		return sandbox.Instance{}, err
	}
	if inst.Status != sandbox.StatusRunning {
		return sandbox.Instance{}, kuraErrors.InvalidState("instance %q is %s, not running", name, inst.Status)
	}
	return inst, nil
}

func (o *Orchestrator) opExecute(ctx context.Context, p params) (reply, error) {
	name, err := p.required("name")
	if err != nil {
		return reply{}, err
	}
	raw, err := p.required("command")
	if err != nil {
		return reply{}, err
	}
	argv, err := p.argv("command")
	if err != nil {
		return reply{}, err
	}
	timeout, err := p.duration("timeout", o.lifecycle.Config().CommandTimeout)
	if err != nil {
		return reply{}, err
	}

	if err := o.policy.Enforce(ctx, policy.Params{Operation: "execute", Instance: name, Command: raw}); err != nil {
		return reply{}, err
	}
	inst, err := o.runningInstance(name)
	if err != nil {
		return reply{}, err
	}

	cmd := o.adapter.ExecCommand(backend.RefOf(inst), argv, p.str("stdin"))
	res, err := o.exec.Run(ctx, cmd.Request(timeout))
	if err != nil {
		return reply{}, err
	}
	return reply{
		output: strings.TrimRight(res.Stdout, "\n"),
		fields: map[string]any{
			"name":        name,
			"stdout":      res.Stdout,
			"stderr":      res.Stderr,
			"exit_code":   res.ExitCode,
			"duration_ms": res.Duration.Milliseconds(),
		},
	}, nil
}

// opDeployAgent installs the script runtime inside a running instance.
func (o *Orchestrator) opDeployAgent(ctx context.Context, p params) (reply, error) {
	name, err := p.required("name")
	if err != nil {
		return reply{}, err
	}
	force, err := p.boolean("force", false)
	if err != nil {
		return reply{}, err
	}
	timeout, err := p.duration("timeout", o.agent.ExecTimeout)
	if err != nil {
		return reply{}, err
	}

	inst, err := o.runningInstance(name)
	if err != nil {
		return reply{}, err
	}
	if inst.ScriptRuntimeDeployed && !force {
		return reply{
			output: fmt.Sprintf("script runtime already deployed on %s", name),
			fields: map[string]any{"name": name, "skipped": true},
		}, nil
	}

	cmd := o.adapter.ExecCommand(backend.RefOf(inst), o.agent.InstallCommand, "")
	res, err := o.exec.Run(ctx, cmd.Request(timeout))
	if err != nil {
		return reply{}, kuraErrors.Wrap(err, "deploy script runtime")
	}
	if _, err := o.lifecycle.MarkAgentDeployed(name); err != nil {
		return reply{}, err
	}
	return reply{
		output: fmt.Sprintf("script runtime deployed on %s", name),
		fields: map[string]any{
			"name":        name,
			"skipped":     false,
			"duration_ms": res.Duration.Milliseconds(),
		},
	}, nil
}

// opExecuteScript runs a script in the background and returns its checkpoint id.
func (o *Orchestrator) opExecuteScript(ctx context.Context, p params) (reply, error) {
	name, err := p.required("name")
	if err != nil {
		return reply{}, err
	}
	script, err := p.required("script")
	if err != nil {
		return reply{}, err
	}
	timeout, err := p.duration("timeout", o.agent.ExecTimeout)
	if err != nil {
		return reply{}, err
	}

	if err := o.policy.Enforce(ctx, policy.Params{Operation: "execute_rexx", Instance: name, Command: script}); err != nil {
		return reply{}, err
	}
	inst, err := o.runningInstance(name)
	if err != nil {
		return reply{}, err
	}
	if o.agent.RequireAgent && !inst.ScriptRuntimeDeployed {
		return reply{}, kuraErrors.InvalidState("script runtime is not deployed on %q (run deploy_rexx first)", name)
	}

	id, err := o.tracker.StartTracking(name, "execute_rexx", p.str("request_id"))
	if err != nil {
		return reply{}, err
	}

	req := o.adapter.ExecCommand(backend.RefOf(inst), o.agent.Command, script).Request(timeout)
	traceID := logger.GetTraceID(ctx)

	o.background.Add(1)
	concurrency.SafeGo("execute_rexx "+id, func() {
		defer o.background.Done()
		runCtx, cancel := context.WithTimeout(logger.WithTraceID(context.Background(), traceID), timeout)
		defer cancel()
		o.tracker.Run(runCtx, id, o.exec, req)
	}, func(r any) {
		o.tracker.Finish(id, -1, kuraErrors.Internal("script runner panicked: %v", r))
	})

	return reply{
		output: fmt.Sprintf("checkpoint %s started", id),
		fields: map[string]any{"name": name, "checkpoint_id": id},
	}, nil
}

func (o *Orchestrator) opPollCheckpoint(ctx context.Context, p params) (reply, error) {
	id, err := p.required("id")
	if err != nil {
		return reply{}, err
	}
	wait, err := p.duration("wait", 0)
	if err != nil {
		return reply{}, err
	}
	if wait > o.agent.MaxPollWait {
		wait = o.agent.MaxPollWait
	}

	cp, done, err := o.tracker.Poll(ctx, id, wait)
	if err != nil {
		return reply{}, err
	}
	return checkpointReply(cp, done), nil
}

func (o *Orchestrator) opCompleteCheckpoint(ctx context.Context, p params) (reply, error) {
	id, err := p.required("id")
	if err != nil {
		return reply{}, err
	}

	var result json.RawMessage
	if v := p.str("result"); v != "" {
		if json.Valid([]byte(v)) {
			result = json.RawMessage(v)
		} else if result, err = json.Marshal(v); err != nil {
			return reply{}, kuraErrors.InvalidInput("result: %v", err)
		}
	}

	cp, err := o.tracker.Complete(id, result, p.str("error"))
	if err != nil {
		return reply{}, err
	}
	return checkpointReply(cp, cp.Done()), nil
}

func checkpointReply(cp checkpoint.Checkpoint, done bool) reply {
	text := fmt.Sprintf("checkpoint %s %s (%.0f%%)", cp.ID, cp.Status, cp.Progress.Percentage)
	if cp.Progress.Message != "" {
		text += ": " + cp.Progress.Message
	}
	if cp.Error != "" {
		text += ": " + cp.Error
	}
	return reply{
		output: text,
		fields: map[string]any{
			"checkpoint_id": cp.ID,
			"checkpoint":    cp,
			"done":          done,
		},
	}
}
