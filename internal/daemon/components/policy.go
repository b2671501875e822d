package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/kura/internal/config"
	"github.com/harunnryd/kura/internal/daemon"
	"github.com/harunnryd/kura/internal/policy"

	"github.com/dustin/go-humanize"
)

type PolicyEngineComponent struct {
	cfg         *config.SecurityConfig
	engine      *policy.Engine
	initialized bool
	started     bool
	mu          sync.RWMutex
}

func NewPolicyEngineComponent(cfg *config.SecurityConfig) *PolicyEngineComponent {
	return &PolicyEngineComponent{cfg: cfg}
}

func (p *PolicyEngineComponent) Name() string {
	return "PolicyEngine"
}

func (p *PolicyEngineComponent) Dependencies() []string {
	return []string{}
}

func (p *PolicyEngineComponent) Init(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-ctx.Done():
		return fmt.Errorf("PolicyEngine init cancelled: %w", ctx.Err())
	default:
	}
	if p.cfg == nil {
		return fmt.Errorf("security config not provided")
	}

	engine, err := policy.Build(*p.cfg)
	if err != nil {
		return err
	}

	pol := engine.Policy()
	p.engine = engine
	p.initialized = true
	slog.Info("PolicyEngine initialized",
		"component", p.Name(),
		"max_memory", humanize.IBytes(uint64(pol.MaxMemory)),
		"max_cpus", pol.MaxCPUs,
		"volume_roots", len(pol.AllowedVolumePaths),
		"banned_substrings", len(pol.BannedCommandSubstrings))
	return nil
}

func (p *PolicyEngineComponent) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return fmt.Errorf("PolicyEngine not initialized")
	}
	p.started = true
	return nil
}

func (p *PolicyEngineComponent) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = false
	return nil
}

func (p *PolicyEngineComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.initialized {
		return &daemon.ComponentHealth{Name: p.Name(), Error: fmt.Errorf("not initialized")}, nil
	}
	if !p.started {
		return &daemon.ComponentHealth{Name: p.Name(), Error: fmt.Errorf("not started")}, nil
	}
	return &daemon.ComponentHealth{Name: p.Name(), Healthy: true}, nil
}

func (p *PolicyEngineComponent) GetEngine() *policy.Engine {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.engine
}
