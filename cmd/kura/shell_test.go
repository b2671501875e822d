package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/harunnryd/kura/internal/config"
	"github.com/harunnryd/kura/internal/formatter"
	"github.com/harunnryd/kura/internal/orchestrator"
	"github.com/harunnryd/kura/internal/orchestrator/command"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Backend:   config.BackendConfig{Kind: "fake"},
		Security:  config.SecurityConfig{MaxMemory: "1GiB", MaxCPUs: 2},
		Lifecycle: config.LifecycleConfig{PollInterval: "5ms", MaxWait: "500ms"},
		Store:     config.StoreConfig{StateDir: t.TempDir()},
	}
}

func newTestRunner(t *testing.T) *localRunner {
	t.Helper()
	r, err := newLocalRunner(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("newLocalRunner() failed: %v", err)
	}
	t.Cleanup(func() { r.Close(context.Background()) })
	return r
}

func TestREPLRunsCommands(t *testing.T) {
	r := newTestRunner(t)

	in := strings.NewReader("create name=web image=alpine\nstart web\n\nbogus-op\nstart\nlist\nexit\nlist\n")
	var out bytes.Buffer
	if err := NewREPL(r, in, &out, false).Start(context.Background()); err != nil {
		t.Fatalf("REPL failed: %v", err)
	}

	text := out.String()
	for _, want := range []string{"web\trunning", "bogus_op failed (ValidationError)", "start failed (ValidationError)"} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
	if strings.Count(text, "web\trunning") != 1 {
		t.Fatalf("commands after exit must not run:\n%s", text)
	}
}

func TestREPLHelpAndEOF(t *testing.T) {
	r := newTestRunner(t)

	var out bytes.Buffer
	if err := NewREPL(r, strings.NewReader("help"), &out, false).Start(context.Background()); err != nil {
		t.Fatalf("REPL failed: %v", err)
	}
	if !strings.Contains(out.String(), "clone_from_base") {
		t.Fatalf("help should list operations:\n%s", out.String())
	}
}

func TestREPLJSONOutput(t *testing.T) {
	r := newTestRunner(t)

	var out bytes.Buffer
	if err := NewREPL(r, strings.NewReader("status ghost\n"), &out, true).Start(context.Background()); err != nil {
		t.Fatalf("REPL failed: %v", err)
	}
	start := strings.Index(out.String(), "{")
	if start < 0 {
		t.Fatalf("no JSON in output:\n%s", out.String())
	}
	var res map[string]any
	if err := json.NewDecoder(strings.NewReader(out.String()[start:])).Decode(&res); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if res["error_kind"] != "NotFoundError" {
		t.Fatalf("unexpected result %v", res)
	}
}

func TestLocalRunnerFreesStateLock(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Persist = true
	cfg.Store.LockTimeout = "100ms"
	cfg.Store.LockRetry = "10ms"

	first, err := newLocalRunner(context.Background(), cfg)
	if err != nil {
		t.Fatalf("first runner failed: %v", err)
	}
	if res := first.Run(context.Background(), command.Command{Operation: "create", Params: map[string]string{"name": "db", "image": "alpine"}}); !res.Success {
		t.Fatalf("create failed: %s", res.String())
	}

	if _, err := newLocalRunner(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "--remote") {
		t.Fatalf("expected lock error with --remote hint, got %v", err)
	}

	if err := first.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	second, err := newLocalRunner(context.Background(), cfg)
	if err != nil {
		t.Fatalf("second runner failed after close: %v", err)
	}
	defer second.Close(context.Background())

	res := second.Run(context.Background(), command.Command{Operation: "status", Params: map[string]string{"name": "db"}})
	if !res.Success {
		t.Fatalf("persisted instance missing: %s", res.String())
	}
}

func TestRenderInstancesAndBases(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()
	r.Run(ctx, command.Command{Operation: "create", Params: map[string]string{"name": "web", "image": "alpine", "memory": "256"}})

	f, _ := formatter.Create(formatter.OutputFormatJSON)
	out, err := renderInstances(ctx, r, f)
	if err != nil {
		t.Fatalf("renderInstances() failed: %v", err)
	}
	if !strings.Contains(out, `"name": "web"`) {
		t.Fatalf("unexpected instances:\n%s", out)
	}

	out, err = renderBases(ctx, r, f)
	if err != nil {
		t.Fatalf("renderBases() failed: %v", err)
	}
	if out != "[]" {
		t.Fatalf("expected no bases, got %s", out)
	}
}

func TestPrintResult(t *testing.T) {
	var out bytes.Buffer
	ok := orchestrator.Result{Success: true, Operation: "start", Output: "instance web started"}
	if err := printResult(&out, ok, false); err != nil {
		t.Fatal(err)
	}
	if out.String() != "instance web started\n" {
		t.Fatalf("text output = %q", out.String())
	}

	out.Reset()
	failed := orchestrator.Result{Operation: "start", Error: "boom", ErrorKind: "InternalError"}
	if err := printResult(&out, failed, true); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), `"error_kind": "InternalError"`) {
		t.Fatalf("json output = %s", out.String())
	}
}
