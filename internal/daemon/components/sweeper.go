package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/kura/internal/checkpoint"
	"github.com/harunnryd/kura/internal/config"
	"github.com/harunnryd/kura/internal/daemon"

	"github.com/robfig/cron/v3"
)

// CheckpointSweeperComponent evicts finished checkpoints nobody polled once they
// are older than the retention window.
type CheckpointSweeperComponent struct {
	cfg              *config.CheckpointConfig
	orchestratorComp *OrchestratorComponent
	tracker          *checkpoint.Tracker
	interval         time.Duration
	cron             *cron.Cron
	lastSweep        time.Time
	swept            int
	mu               sync.RWMutex
}

func NewCheckpointSweeperComponent(cfg *config.CheckpointConfig, orchComp *OrchestratorComponent) *CheckpointSweeperComponent {
	return &CheckpointSweeperComponent{cfg: cfg, orchestratorComp: orchComp}
}

func (s *CheckpointSweeperComponent) Name() string {
	return "CheckpointSweeper"
}

func (s *CheckpointSweeperComponent) Dependencies() []string {
	return []string{"Orchestrator"}
}

func (s *CheckpointSweeperComponent) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.orchestratorComp == nil || s.orchestratorComp.GetOrchestrator() == nil {
		return fmt.Errorf("orchestrator not initialized")
	}

	value := ""
	if s.cfg != nil {
		value = s.cfg.SweepInterval
	}
	interval, err := config.DurationOrDefault(value, config.DefaultCheckpointSweepInterval)
	if err != nil {
		return fmt.Errorf("parse checkpoint sweep interval: %w", err)
	}
	if interval < time.Second {
		interval = time.Second
	}

	s.tracker = s.orchestratorComp.GetOrchestrator().Tracker()
	s.interval = interval
	return nil
}

func (s *CheckpointSweeperComponent) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tracker == nil {
		return fmt.Errorf("CheckpointSweeper not initialized")
	}

	l := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn))
	c := cron.New(cron.WithChain(cron.Recover(l)))
	if _, err := c.AddFunc("@every "+s.interval.String(), s.sweep); err != nil {
		return fmt.Errorf("schedule checkpoint sweep: %w", err)
	}
	c.Start()
	s.cron = c

	slog.Info("CheckpointSweeper started", "component", s.Name(), "interval", s.interval)
	return nil
}

func (s *CheckpointSweeperComponent) sweep() {
	n := s.tracker.Sweep(time.Now())

	s.mu.Lock()
	s.lastSweep = time.Now()
	s.swept += n
	s.mu.Unlock()

	if n > 0 {
		slog.Info("Expired checkpoints swept", "component", s.Name(), "count", n, "remaining", s.tracker.Len())
	}
}

func (s *CheckpointSweeperComponent) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		return fmt.Errorf("checkpoint sweep still running: %w", ctx.Err())
	}
	slog.Info("CheckpointSweeper stopped", "component", s.Name())
	return nil
}

func (s *CheckpointSweeperComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.tracker == nil {
		return &daemon.ComponentHealth{Name: s.Name(), Error: fmt.Errorf("not initialized")}, nil
	}
	if s.cron == nil {
		return &daemon.ComponentHealth{Name: s.Name(), Error: fmt.Errorf("not started")}, nil
	}
	return &daemon.ComponentHealth{
		Name:    s.Name(),
		Healthy: true,
		Detail:  map[string]any{"swept": s.swept, "tracked": s.tracker.Len()},
	}, nil
}

// Swept reports how many checkpoints have been evicted so far.
func (s *CheckpointSweeperComponent) Swept() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.swept
}
