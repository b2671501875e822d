package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/kura/internal/clone"
	kuraErrors "github.com/harunnryd/kura/internal/errors"
	"github.com/harunnryd/kura/internal/lifecycle"
	"github.com/harunnryd/kura/internal/policy"
	"github.com/harunnryd/kura/internal/sandbox"
)

func (o *Orchestrator) opRegisterBase(ctx context.Context, p params) (reply, error) {
	name, err := p.required("name")
	if err != nil {
		return reply{}, err
	}
	stop, err := p.boolean("stop", false)
	if err != nil {
		return reply{}, err
	}

	base, err := o.clone.RegisterBase(ctx, name, clone.RegisterOptions{
		Metadata: p.rest("name", "stop"),
		Stop:     stop,
	})
	if err != nil {
		return reply{}, err
	}
	return reply{
		output: fmt.Sprintf("base image %s registered", base.Name),
		fields: map[string]any{"name": base.Name, "base": base},
	}, nil
}

func (o *Orchestrator) opUnregisterBase(ctx context.Context, p params) (reply, error) {
	name := p.str("name")
	if name == "" {
		name = p.str("base")
	}
	if name == "" {
		return reply{}, kuraErrors.InvalidInput("name is required")
	}

	base, err := o.clone.RemoveBase(ctx, name)
	if err != nil {
		return reply{}, err
	}
	return reply{
		output: fmt.Sprintf("base image %s unregistered", base.Name),
		fields: map[string]any{"name": base.Name, "base": base},
	}, nil
}

func (o *Orchestrator) opClone(ctx context.Context, p params) (reply, error) {
	baseName, err := p.required("base")
	if err != nil {
		return reply{}, err
	}
	name, err := p.required("name")
	if err != nil {
		return reply{}, err
	}
	if err := lifecycle.ValidateName(name); err != nil {
		return reply{}, err
	}
	res, err := p.resources()
	if err != nil {
		return reply{}, err
	}

	err = o.policy.Enforce(ctx, policy.Params{
		Operation:  "clone_from_base",
		Instance:   name,
		Memory:     res.MemoryLimit,
		CPUs:       res.CPULimit,
		Volumes:    res.Volumes,
		Privileged: res.Privileged,
	})
	if err != nil {
		return reply{}, err
	}

	start := time.Now()
	inst, err := o.clone.CloneFromBase(ctx, baseName, name, res)
	if err != nil {
		return reply{}, err
	}
	return reply{
		output: fmt.Sprintf("instance %s cloned from %s (%s)", inst.Name, baseName, inst.Status),
		fields: map[string]any{
			"name":        inst.Name,
			"status":      inst.Status,
			"cloned_from": inst.ClonedFrom,
			"instance":    inst,
			"elapsed_ms":  time.Since(start).Milliseconds(),
		},
	}, nil
}

func (o *Orchestrator) opListBases(ctx context.Context, p params) (reply, error) {
	bases := o.clone.ListBases()

	lines := make([]string, 0, len(bases))
	for _, b := range bases {
		lines = append(lines, fmt.Sprintf("%s\t%s", b.Name, b.Status))
	}
	return reply{
		output: strings.Join(lines, "\n"),
		fields: map[string]any{"bases": nonNilBases(bases), "count": len(bases)},
	}, nil
}

func nonNilBases(b []sandbox.BaseImage) []sandbox.BaseImage {
	if b == nil {
		return []sandbox.BaseImage{}
	}
	return b
}
