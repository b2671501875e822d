package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/kura/internal/config"
	"github.com/harunnryd/kura/internal/daemon"
	"github.com/harunnryd/kura/internal/monitor"
)

// MonitorComponent starts health monitoring at boot when monitor.enabled is set.
// Monitoring can still be switched on and off at runtime through the command surface.
type MonitorComponent struct {
	cfg              *config.MonitorConfig
	orchestratorComp *OrchestratorComponent
	monitor          *monitor.Monitor
	mu               sync.RWMutex
}

func NewMonitorComponent(cfg *config.MonitorConfig, orchComp *OrchestratorComponent) *MonitorComponent {
	return &MonitorComponent{cfg: cfg, orchestratorComp: orchComp}
}

func (m *MonitorComponent) Name() string {
	return "Monitor"
}

func (m *MonitorComponent) Dependencies() []string {
	return []string{"Orchestrator"}
}

func (m *MonitorComponent) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.orchestratorComp == nil || m.orchestratorComp.GetOrchestrator() == nil {
		return fmt.Errorf("orchestrator not initialized")
	}
	m.monitor = m.orchestratorComp.GetOrchestrator().Monitor()
	return nil
}

func (m *MonitorComponent) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.monitor == nil {
		return fmt.Errorf("Monitor not initialized")
	}
	if m.cfg == nil || !m.cfg.Enabled {
		slog.Info("Monitoring disabled at boot", "component", m.Name())
		return nil
	}

	defaults := m.orchestratorComp.GetOrchestrator().MonitorDefaults()
	interval, err := m.monitor.Start(defaults.Interval, defaults.AutoRestart)
	if err != nil {
		return fmt.Errorf("failed to start monitoring: %w", err)
	}
	slog.Info("Monitoring started", "component", m.Name(), "interval", interval, "auto_restart", defaults.AutoRestart)
	return nil
}

func (m *MonitorComponent) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.monitor != nil && m.monitor.Stop() {
		slog.Info("Monitoring stopped", "component", m.Name())
	}
	return nil
}

func (m *MonitorComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.monitor == nil {
		return &daemon.ComponentHealth{Name: m.Name(), Error: fmt.Errorf("not initialized")}, nil
	}
	if m.cfg != nil && m.cfg.Enabled && !m.monitor.Running() {
		return &daemon.ComponentHealth{Name: m.Name(), Error: fmt.Errorf("monitoring enabled but not running")}, nil
	}
	return &daemon.ComponentHealth{
		Name:    m.Name(),
		Healthy: true,
		Detail:  map[string]any{"running": m.monitor.Running(), "interval": m.monitor.Interval().String()},
	}, nil
}
