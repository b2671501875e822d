package store

import (
	"fmt"
	"log/slog"
	"sync"
	stdatomic "sync/atomic"
	"time"

	kuraErrors "github.com/harunnryd/kura/internal/errors"
	"github.com/harunnryd/kura/internal/sandbox"
)

// Store owns the state directory: it holds the lock and keeps state.json in step with
// the registries. Mutations only mark the state dirty; a single writer goroutine
// coalesces them into snapshot writes.
type Store struct {
	stateDir  string
	lock      *FileLock
	instances *sandbox.Registry
	bases     *sandbox.BaseRegistry

	dirty   chan struct{}
	quit    chan struct{}
	wg      sync.WaitGroup
	running stdatomic.Bool

	mu        sync.Mutex
	saves     int64
	lastSaved time.Time
	lastErr   error
}

// Open acquires the state directory lock. The registries are left untouched until Load.
func Open(stateDir string, lockCfg *FileLockConfig, instances *sandbox.Registry, bases *sandbox.BaseRegistry) (*Store, error) {
	dir, err := ResolveStateDir(stateDir)
	if err != nil {
		return nil, fmt.Errorf("resolve state dir: %w", err)
	}

	lock, err := NewFileLock(dir, lockCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	return &Store{
		stateDir:  dir,
		lock:      lock,
		instances: instances,
		bases:     bases,
		dirty:     make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}, nil
}

func (s *Store) StateDir() string {
	return s.stateDir
}

// Load restores both registries from state.json.
func (s *Store) Load() (int, int, error) {
	st, err := ReadState(StatePath(s.stateDir))
	if err != nil {
		return 0, 0, err
	}
	settle(&st)

	s.instances.Restore(st.Instances)
	s.bases.Restore(st.Bases)
	slog.Info("State loaded", "path", StatePath(s.stateDir), "instances", len(st.Instances), "bases", len(st.Bases))
	return len(st.Instances), len(st.Bases), nil
}

// Save writes a snapshot now.
func (s *Store) Save() error {
	err := WriteState(StatePath(s.stateDir), State{
		Instances: s.instances.List(),
		Bases:     s.bases.List(),
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
	if err == nil {
		s.saves++
		s.lastSaved = time.Now().UTC()
	}
	return err
}

// Start hooks the registries and runs the writer.
func (s *Store) Start() {
	if s.running.Swap(true) {
		return
	}
	s.instances.OnChange(s.markDirty)
	s.bases.OnChange(s.markDirty)

	s.wg.Add(1)
	go s.loop()
}

func (s *Store) markDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

func (s *Store) loop() {
	defer s.wg.Done()
	slog.Info("State writer started", "state_dir", s.stateDir)

	for {
		select {
		case <-s.dirty:
			if err := s.Save(); err != nil {
				slog.Error("Failed to save state", "error", err)
			}
		case <-s.quit:
			slog.Info("State writer stopping")
			return
		}
	}
}

// Close stops the writer, writes a final snapshot and releases the lock.
func (s *Store) Close() error {
	if s.running.Swap(false) {
		s.instances.OnChange(nil)
		s.bases.OnChange(nil)
		close(s.quit)
		s.wg.Wait()
	}
	if !s.lock.IsLocked() {
		return nil
	}
	saveErr := s.Save()
	s.lock.Unlock()
	return saveErr
}

func (s *Store) Health() error {
	if !s.lock.IsLocked() {
		return kuraErrors.Internal("state lock not held")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastErr != nil {
		return kuraErrors.Wrap(s.lastErr, "last state save failed")
	}
	return nil
}

func (s *Store) Saves() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
