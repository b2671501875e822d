package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/kura/internal/config"
	"github.com/harunnryd/kura/internal/daemon"
	"github.com/harunnryd/kura/internal/sandbox"
	"github.com/harunnryd/kura/internal/store"
)

// StoreComponent owns the instance and base registries. With persistence enabled it
// also holds the state directory lock and keeps state.json current.
type StoreComponent struct {
	stateDir  string
	storeCfg  *config.StoreConfig
	instances *sandbox.Registry
	bases     *sandbox.BaseRegistry
	store     *store.Store

	initialized bool
	started     bool
	mu          sync.RWMutex
	startTime   time.Time
}

func NewStoreComponent(stateDir string, storeCfg *config.StoreConfig) *StoreComponent {
	return &StoreComponent{
		stateDir:  stateDir,
		storeCfg:  storeCfg,
		instances: sandbox.NewRegistry(),
		bases:     sandbox.NewBaseRegistry(),
	}
}

func (s *StoreComponent) Name() string {
	return "Store"
}

func (s *StoreComponent) Dependencies() []string {
	return []string{}
}

func (s *StoreComponent) persist() bool {
	return s.storeCfg != nil && s.storeCfg.Persist
}

func (s *StoreComponent) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-ctx.Done():
		return fmt.Errorf("Store init cancelled: %w", ctx.Err())
	default:
	}

	if !s.persist() {
		s.initialized = true
		slog.Info("Store initialized without persistence", "component", s.Name())
		return nil
	}

	lockCfg, err := store.FileLockConfigFrom(*s.storeCfg)
	if err != nil {
		return err
	}
	st, err := store.Open(s.stateDir, lockCfg, s.instances, s.bases)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	nInst, nBases, err := st.Load()
	if err != nil {
		st.Close()
		return fmt.Errorf("failed to load state: %w", err)
	}

	s.store = st
	s.initialized = true
	slog.Info("Store initialized", "component", s.Name(), "state_dir", st.StateDir(), "instances", nInst, "bases", nBases)
	return nil
}

func (s *StoreComponent) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return fmt.Errorf("Store not initialized")
	}
	if s.store != nil {
		s.store.Start()
	}
	s.started = true
	s.startTime = time.Now()
	slog.Info("Store started", "component", s.Name(), "persist", s.store != nil)
	return nil
}

func (s *StoreComponent) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store == nil {
		s.started = false
		return nil
	}

	slog.Info("Stopping Store...", "component", s.Name())
	err := s.store.Close()
	s.store = nil
	s.started = false
	if err != nil {
		return fmt.Errorf("final state save: %w", err)
	}
	slog.Info("Store stopped", "component", s.Name())
	return nil
}

func (s *StoreComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	health := &daemon.ComponentHealth{
		Name: s.Name(),
		Detail: map[string]any{
			"instances": len(s.instances.List()),
			"bases":     len(s.bases.List()),
			"persist":   s.persist(),
		},
	}
	switch {
	case !s.initialized:
		health.Error = fmt.Errorf("not initialized")
	case !s.started:
		health.Error = fmt.Errorf("not started")
	case s.store != nil:
		health.Detail["saves"] = s.store.Saves()
		health.Error = s.store.Health()
		health.Healthy = health.Error == nil
	default:
		health.Healthy = true
	}
	return health, nil
}

func (s *StoreComponent) Instances() *sandbox.Registry {
	return s.instances
}

func (s *StoreComponent) Bases() *sandbox.BaseRegistry {
	return s.bases
}
