package components

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/harunnryd/kura/internal/config"
	"github.com/harunnryd/kura/internal/daemon"
	"github.com/harunnryd/kura/internal/orchestrator"
)

type OrchestratorComponent struct {
	orch             *orchestrator.Orchestrator
	cfg              *config.Config
	storeComp        *StoreComponent
	policyEngineComp *PolicyEngineComponent
}

func NewOrchestratorComponent(cfg *config.Config, storeComp *StoreComponent, policyComp *PolicyEngineComponent) *OrchestratorComponent {
	return &OrchestratorComponent{
		cfg:              cfg,
		storeComp:        storeComp,
		policyEngineComp: policyComp,
	}
}

func (o *OrchestratorComponent) Name() string {
	return "Orchestrator"
}

func (o *OrchestratorComponent) Dependencies() []string {
	return []string{"Store", "PolicyEngine"}
}

func (o *OrchestratorComponent) Init(ctx context.Context) error {
	if o.storeComp == nil || o.policyEngineComp == nil {
		return fmt.Errorf("required component dependencies not provided")
	}
	engine := o.policyEngineComp.GetEngine()
	if engine == nil {
		return fmt.Errorf("policy engine not initialized")
	}

	orch, err := orchestrator.Build(o.cfg, o.storeComp.Instances(), o.storeComp.Bases(), engine)
	if err != nil {
		return fmt.Errorf("failed to build orchestrator: %w", err)
	}
	o.orch = orch

	slog.Info("Orchestrator initialized", "component", o.Name(), "backend", orch.BackendKind(), "operations", len(orch.Operations()))
	return nil
}

func (o *OrchestratorComponent) Start(ctx context.Context) error {
	if o.orch == nil {
		return fmt.Errorf("orchestrator not initialized")
	}
	slog.Info("Orchestrator started", "component", o.Name())
	return nil
}

// Stop waits for background scripts so their checkpoints settle before the store
// writes its final snapshot.
func (o *OrchestratorComponent) Stop(ctx context.Context) error {
	if o.orch == nil {
		return nil
	}
	if err := o.orch.Drain(ctx); err != nil {
		slog.Warn("Orchestrator stopped with scripts still running", "component", o.Name(), "error", err)
		return err
	}
	slog.Info("Orchestrator stopped", "component", o.Name())
	return nil
}

func (o *OrchestratorComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	if o.orch == nil {
		return &daemon.ComponentHealth{Name: o.Name(), Error: fmt.Errorf("not initialized")}, nil
	}
	return &daemon.ComponentHealth{Name: o.Name(), Healthy: true}, nil
}

func (o *OrchestratorComponent) GetOrchestrator() *orchestrator.Orchestrator {
	return o.orch
}
