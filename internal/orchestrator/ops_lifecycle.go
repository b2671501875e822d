package orchestrator

import (
	"context"
	"fmt"

	"github.com/harunnryd/kura/internal/backend"
	"github.com/harunnryd/kura/internal/lifecycle"
	"github.com/harunnryd/kura/internal/policy"
	"github.com/harunnryd/kura/internal/sandbox"
)

var pastTense = map[sandbox.Operation]string{
	sandbox.OpCreate:  "created",
	sandbox.OpStart:   "started",
	sandbox.OpStop:    "stopped",
	sandbox.OpRestart: "restarted",
	sandbox.OpPause:   "paused",
	sandbox.OpResume:  "resumed",
	sandbox.OpSave:    "saved",
	sandbox.OpRestore: "restored",
	sandbox.OpRemove:  "removed",
}

func outcomeReply(op sandbox.Operation, out lifecycle.Outcome) reply {
	name := out.Instance.Name
	text := fmt.Sprintf("instance %s %s (%s)", name, pastTense[op], out.Instance.Status)
	if out.Skipped {
		text = fmt.Sprintf("instance %s already %s", name, out.Instance.Status)
	}
	return reply{
		output: text,
		fields: map[string]any{
			"name":       name,
			"status":     out.Instance.Status,
			"previous":   out.Previous,
			"skipped":    out.Skipped,
			"instance":   out.Instance,
			"elapsed_ms": out.Elapsed.Milliseconds(),
		},
	}
}

func (o *Orchestrator) opCreate(ctx context.Context, p params) (reply, error) {
	name, err := p.required("name")
	if err != nil {
		return reply{}, err
	}
	if err := lifecycle.ValidateName(name); err != nil {
		return reply{}, err
	}
	image, err := p.required("image")
	if err != nil {
		return reply{}, err
	}
	res, err := p.resources()
	if err != nil {
		return reply{}, err
	}
	argv, err := p.argv("command")
	if err != nil {
		return reply{}, err
	}
	autoRestart, err := p.boolean("auto_restart", false)
	if err != nil {
		return reply{}, err
	}

	err = o.policy.Enforce(ctx, policy.Params{
		Operation:  "create",
		Instance:   name,
		Memory:     res.MemoryLimit,
		CPUs:       res.CPULimit,
		Volumes:    res.Volumes,
		Command:    p.str("command"),
		Privileged: res.Privileged,
	})
	if err != nil {
		return reply{}, err
	}

	out, err := o.lifecycle.Create(ctx, backend.CreateSpec{
		Name:      name,
		Image:     image,
		Resources: res,
		Command:   argv,
	}, autoRestart)
	if err != nil {
		return reply{}, err
	}
	return outcomeReply(sandbox.OpCreate, out), nil
}

func (o *Orchestrator) opStart(ctx context.Context, p params) (reply, error) {
	name, err := p.required("name")
	if err != nil {
		return reply{}, err
	}
	ifStopped, err := p.boolean("if_stopped", false)
	if err != nil {
		return reply{}, err
	}

	var out lifecycle.Outcome
	if ifStopped {
		out, err = o.lifecycle.StartIfStopped(ctx, name)
	} else {
		out, err = o.lifecycle.Transition(ctx, name, sandbox.OpStart)
	}
	if err != nil {
		return reply{}, err
	}
	return outcomeReply(sandbox.OpStart, out), nil
}

func (o *Orchestrator) opStop(ctx context.Context, p params) (reply, error) {
	name, err := p.required("name")
	if err != nil {
		return reply{}, err
	}
	ifRunning, err := p.boolean("if_running", false)
	if err != nil {
		return reply{}, err
	}

	var out lifecycle.Outcome
	if ifRunning {
		out, err = o.lifecycle.StopIfRunning(ctx, name)
	} else {
		out, err = o.lifecycle.Transition(ctx, name, sandbox.OpStop)
	}
	if err != nil {
		return reply{}, err
	}
	return outcomeReply(sandbox.OpStop, out), nil
}

func (o *Orchestrator) opRestart(ctx context.Context, p params) (reply, error) {
	name, err := p.required("name")
	if err != nil {
		return reply{}, err
	}
	out, err := o.lifecycle.Restart(ctx, name)
	if err != nil {
		return reply{}, err
	}
	return outcomeReply(sandbox.OpRestart, out), nil
}

func (o *Orchestrator) transitionOp(op sandbox.Operation) handler {
	return func(ctx context.Context, p params) (reply, error) {
		name, err := p.required("name")
		if err != nil {
			return reply{}, err
		}
		out, err := o.lifecycle.Transition(ctx, name, op)
		if err != nil {
			return reply{}, err
		}
		return outcomeReply(op, out), nil
	}
}
