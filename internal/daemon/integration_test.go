package daemon_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/kura/internal/config"
	"github.com/harunnryd/kura/internal/daemon"
	"github.com/harunnryd/kura/internal/daemon/components"
	"github.com/harunnryd/kura/internal/store"

	_ "github.com/harunnryd/kura/internal/backend/fake"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func buildDaemon(t *testing.T, cfg *config.Config) *daemon.Daemon {
	t.Helper()
	d, err := daemon.NewDaemon(cfg)
	if err != nil {
		t.Fatalf("failed to create daemon: %v", err)
	}

	storeComp := components.NewStoreComponent(d.StateDir(), &cfg.Store)
	policyComp := components.NewPolicyEngineComponent(&cfg.Security)
	orchComp := components.NewOrchestratorComponent(cfg, storeComp, policyComp)

	d.AddComponent(components.NewHTTPServerComponent(d, &cfg.Server, orchComp))
	d.AddComponent(components.NewCheckpointSweeperComponent(&cfg.Checkpoint, orchComp))
	d.AddComponent(components.NewMonitorComponent(&cfg.Monitor, orchComp))
	d.AddComponent(orchComp)
	d.AddComponent(policyComp)
	d.AddComponent(storeComp)
	return d
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{Port: freePort(t)},
		Backend:  config.BackendConfig{Kind: "fake"},
		Security: config.SecurityConfig{MaxMemory: "1GiB", MaxCPUs: 2},
		Lifecycle: config.LifecycleConfig{
			PollInterval: "5ms",
			MaxWait:      "500ms",
		},
		Monitor: config.MonitorConfig{Enabled: true, Interval: "1s"},
		Store:   config.StoreConfig{StateDir: t.TempDir(), Persist: true},
	}
}

func postCommand(t *testing.T, port int, line string) map[string]any {
	t.Helper()
	body := fmt.Sprintf(`{"command":%q}`, line)
	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/v1/commands", port), "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", line, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func runDaemon(t *testing.T, d *daemon.Daemon) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	select {
	case <-d.Ready():
	case err := <-done:
		t.Fatalf("daemon exited during startup: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon never became ready")
	}
	return cancel, done
}

func TestDaemonFullLifecycle(t *testing.T) {
	cfg := testConfig(t)
	d := buildDaemon(t, cfg)
	cancel, done := runDaemon(t, d)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port))
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	var health map[string]any
	json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health["status"] != "ok" {
		t.Fatalf("unexpected health %v", health)
	}
	comps, _ := health["components"].(map[string]any)
	storeHealth, _ := comps["Store"].(map[string]any)
	if detail, _ := storeHealth["detail"].(map[string]any); detail["persist"] != true {
		t.Fatalf("store health detail missing: %v", storeHealth)
	}

	if out := postCommand(t, cfg.Server.Port, "create name=web image=alpine memory=256"); out["success"] != true {
		t.Fatalf("create failed: %v", out)
	}
	if out := postCommand(t, cfg.Server.Port, "create name=huge image=alpine memory=8192"); out["error_kind"] != "SecurityViolation" {
		t.Fatalf("expected security violation, got %v", out)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down")
	}
	if d.Health() != daemon.StatusStopped {
		t.Fatalf("health after shutdown = %s", d.Health())
	}

	st, err := store.ReadState(store.StatePath(cfg.Store.StateDir))
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	if len(st.Instances) != 1 || st.Instances[0].Name != "web" {
		t.Fatalf("expected persisted web instance, got %+v", st.Instances)
	}
}

func TestDaemonRefusesLockedStateDir(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.LockTimeout = "100ms"
	cfg.Store.LockRetry = "10ms"

	lock, err := store.NewFileLock(cfg.Store.StateDir, nil)
	if err != nil {
		t.Fatalf("failed to take lock: %v", err)
	}
	defer lock.Unlock()

	d := buildDaemon(t, cfg)
	err = d.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "locked") {
		t.Fatalf("expected lock error, got %v", err)
	}
}
