package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/kura/internal/config"

	_ "github.com/harunnryd/kura/internal/backend/fake"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) joined() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.events, ",")
}

type mockComponent struct {
	name         string
	dependencies []string
	rec          *recorder
	initError    error
	startError   error
	stopError    error
	healthError  error
	healthResult *ComponentHealth
}

func newMockComponent(name string, rec *recorder, dependencies ...string) *mockComponent {
	return &mockComponent{
		name:         name,
		dependencies: dependencies,
		rec:          rec,
		healthResult: &ComponentHealth{Name: name, Healthy: true},
	}
}

func (m *mockComponent) Name() string           { return m.name }
func (m *mockComponent) Dependencies() []string { return m.dependencies }

func (m *mockComponent) Init(ctx context.Context) error {
	m.rec.add("init:" + m.name)
	return m.initError
}

func (m *mockComponent) Start(ctx context.Context) error {
	m.rec.add("start:" + m.name)
	return m.startError
}

func (m *mockComponent) Stop(ctx context.Context) error {
	m.rec.add("stop:" + m.name)
	return m.stopError
}

func (m *mockComponent) Health(ctx context.Context) (*ComponentHealth, error) {
	return m.healthResult, m.healthError
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server:  config.ServerConfig{Port: 8088},
		Backend: config.BackendConfig{Kind: "fake"},
		Store:   config.StoreConfig{StateDir: t.TempDir()},
	}
}

func TestNewDaemon(t *testing.T) {
	if _, err := NewDaemon(nil); err == nil {
		t.Fatal("expected error for nil config")
	}

	cfg := testConfig(t)
	d, err := NewDaemon(cfg)
	if err != nil {
		t.Fatalf("NewDaemon() failed: %v", err)
	}
	if d.StateDir() != cfg.Store.StateDir {
		t.Fatalf("state dir = %s, want %s", d.StateDir(), cfg.Store.StateDir)
	}
	if d.Health() != StatusStarting {
		t.Fatalf("health = %s, want starting", d.Health())
	}
}

func TestValidateConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.StateDir = filepath.Join(cfg.Store.StateDir, "nested", "state")
	d, _ := NewDaemon(cfg)

	if err := d.validateConfig(); err != nil {
		t.Fatalf("validateConfig() failed: %v", err)
	}
	if _, err := os.Stat(cfg.Store.StateDir); err != nil {
		t.Fatalf("expected state dir to be created: %v", err)
	}

	cfg.Backend.Kind = "vmware"
	if err := d.validateConfig(); err == nil {
		t.Fatal("expected unknown backend kind to be rejected")
	}

	cfg.Backend.Kind = "fake"
	cfg.Server.Port = 70000
	if err := d.validateConfig(); err == nil {
		t.Fatal("expected invalid port to be rejected")
	}
}

func TestDependencyOrder(t *testing.T) {
	rec := &recorder{}
	d, _ := NewDaemon(testConfig(t))

	d.AddComponent(newMockComponent("HTTP", rec, "Orchestrator"))
	d.AddComponent(newMockComponent("Orchestrator", rec, "Store"))
	d.AddComponent(newMockComponent("Store", rec))

	ctx := context.Background()
	if err := d.initializeComponents(ctx); err != nil {
		t.Fatalf("initializeComponents() failed: %v", err)
	}
	if err := d.startComponents(ctx); err != nil {
		t.Fatalf("startComponents() failed: %v", err)
	}
	if err := d.shutdownComponents(ctx); err != nil {
		t.Fatalf("shutdownComponents() failed: %v", err)
	}

	want := "init:Store,init:Orchestrator,init:HTTP," +
		"start:Store,start:Orchestrator,start:HTTP," +
		"stop:HTTP,stop:Orchestrator,stop:Store"
	if got := rec.joined(); got != want {
		t.Fatalf("events:\n got %s\nwant %s", got, want)
	}
	if d.Health() != StatusStopped {
		t.Fatalf("health = %s, want stopped", d.Health())
	}
}

func TestInitializeComponentsRejectsBadGraphs(t *testing.T) {
	tests := []struct {
		name  string
		comps func(rec *recorder) []Component
	}{
		{
			name: "circular",
			comps: func(rec *recorder) []Component {
				return []Component{newMockComponent("A", rec, "B"), newMockComponent("B", rec, "A")}
			},
		},
		{
			name: "missing",
			comps: func(rec *recorder) []Component {
				return []Component{newMockComponent("A", rec, "Ghost")}
			},
		},
		{
			name: "duplicate",
			comps: func(rec *recorder) []Component {
				return []Component{newMockComponent("A", rec), newMockComponent("A", rec)}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			d, _ := NewDaemon(testConfig(t))
			for _, c := range tt.comps(rec) {
				d.AddComponent(c)
			}
			if err := d.initializeComponents(context.Background()); err == nil {
				t.Fatal("expected error")
			}
			if rec.joined() != "" {
				t.Fatalf("no component should be initialized, got %s", rec.joined())
			}
		})
	}
}

func TestShutdownJoinsStopErrors(t *testing.T) {
	rec := &recorder{}
	d, _ := NewDaemon(testConfig(t))

	a := newMockComponent("A", rec)
	b := newMockComponent("B", rec, "A")
	b.stopError = fmt.Errorf("boom")
	d.AddComponent(a)
	d.AddComponent(b)

	if err := d.initializeComponents(context.Background()); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	err := d.shutdownComponents(context.Background())
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected joined stop error, got %v", err)
	}
	if !strings.Contains(rec.joined(), "stop:A") {
		t.Fatal("A must still be stopped after B fails")
	}
}

func TestComponentHealth(t *testing.T) {
	rec := &recorder{}
	d, _ := NewDaemon(testConfig(t))

	ok := newMockComponent("Ok", rec)
	bad := newMockComponent("Bad", rec)
	bad.healthResult = nil
	bad.healthError = fmt.Errorf("probe failed")
	d.AddComponent(ok)
	d.AddComponent(bad)

	healths := d.ComponentHealth()
	if len(healths) != 2 {
		t.Fatalf("got %d healths, want 2", len(healths))
	}
	if !healths["Ok"].Healthy {
		t.Fatal("Ok should be healthy")
	}
	if healths["Bad"].Healthy || healths["Bad"].Error == nil {
		t.Fatalf("Bad should be unhealthy with an error, got %+v", healths["Bad"])
	}
}

func TestRollbackBeforeInit(t *testing.T) {
	rec := &recorder{}
	d, _ := NewDaemon(testConfig(t))
	d.AddComponent(newMockComponent("A", rec))
	d.AddComponent(newMockComponent("B", rec))

	d.rollback(context.Background())

	if got := rec.joined(); got != "stop:B,stop:A" {
		t.Fatalf("rollback events = %s", got)
	}
	if d.Health() != StatusStopped {
		t.Fatalf("health = %s, want stopped", d.Health())
	}
}

func TestStartRunsUntilCancelled(t *testing.T) {
	rec := &recorder{}
	d, _ := NewDaemon(testConfig(t))
	d.AddComponent(newMockComponent("A", rec))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	select {
	case <-d.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("daemon never became ready")
	}
	if d.Health() != StatusRunning {
		t.Fatalf("health = %s, want running", d.Health())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	if got := rec.joined(); got != "init:A,start:A,stop:A" {
		t.Fatalf("events = %s", got)
	}
}

func TestStartFailureStopsStartedComponents(t *testing.T) {
	rec := &recorder{}
	d, _ := NewDaemon(testConfig(t))
	d.AddComponent(newMockComponent("A", rec))
	b := newMockComponent("B", rec, "A")
	b.startError = fmt.Errorf("port in use")
	d.AddComponent(b)

	err := d.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "port in use") {
		t.Fatalf("expected startup error, got %v", err)
	}
	if !strings.Contains(rec.joined(), "stop:A") {
		t.Fatalf("A should be stopped after failed startup, events %s", rec.joined())
	}
}
