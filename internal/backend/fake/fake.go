// Package fake is an in-memory backend. Its adapter emits commands for binary "fake"
// and its executor interprets them against a simulated instance table, so the rest of
// the orchestrator runs unchanged without a hypervisor.
package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/kura/internal/backend"
	kuraErrors "github.com/harunnryd/kura/internal/errors"
	"github.com/harunnryd/kura/internal/executor"
	"github.com/harunnryd/kura/internal/sandbox"
)

const Binary = "fake"

func init() {
	backend.Register("fake", func(opts backend.Options) (backend.Driver, error) {
		b := New()
		return backend.Driver{Adapter: b.Adapter(), Executor: b}, nil
	})
}

// ExecHandler simulates a process inside an instance. Lines passed to emit are
// delivered as stdout; the return value is the exit code.
type ExecHandler func(name string, argv []string, stdin string, emit func(string)) int

type instance struct {
	name    string
	image   string
	state   sandbox.Status
	healthy bool
	size    int64
	backing string
}

type Backend struct {
	mu         sync.Mutex
	instances  map[string]*instance
	snapshots  map[string]int64
	calls      map[string]int
	failures   map[string]string
	hang       map[string]bool
	startDelay time.Duration
	listAbsent bool
	exec       ExecHandler

	runs     int64
	detached int64
}

func New() *Backend {
	return &Backend{
		instances: make(map[string]*instance),
		snapshots: make(map[string]int64),
		calls:     make(map[string]int),
		failures:  make(map[string]string),
		hang:      make(map[string]bool),
		exec: func(name string, argv []string, stdin string, emit func(string)) int {
			emit(strings.TrimSpace(strings.Join(argv, " ") + " " + stdin))
			return 0
		},
	}
}

// Seed places an instance directly into the simulated table.
func (b *Backend) Seed(name string, state sandbox.Status, size int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.instances[name] = &instance{name: name, state: state, healthy: true, size: size}
}

// SetState changes an instance behind the orchestrator's back.
func (b *Backend) SetState(name string, state sandbox.Status, healthy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if inst, ok := b.instances[name]; ok {
		inst.state = state
		inst.healthy = healthy
	}
}

func (b *Backend) Drop(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.instances, name)
}

// Fail makes every command with the given verb exit 1 with msg on stderr.
func (b *Backend) Fail(verb, msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if msg == "" {
		delete(b.failures, verb)
		return
	}
	b.failures[verb] = msg
}

// Hang makes detached starts of name never take effect.
func (b *Backend) Hang(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hang[name] = true
}

func (b *Backend) SetStartDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startDelay = d
}

// SetListAbsent makes the listing report no instances at all.
func (b *Backend) SetListAbsent(absent bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listAbsent = absent
}

func (b *Backend) SetExecHandler(h ExecHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exec = h
}

func (b *Backend) Calls(verb string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[verb]
}

func (b *Backend) TotalCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, n := range b.calls {
		total += n
	}
	return total
}

func (b *Backend) State(name string) (sandbox.Status, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.instances[name]
	if !ok {
		return sandbox.StatusAbsent, false
	}
	return inst.state, true
}

// Backing reports the base an instance was cloned from, if any.
func (b *Backend) Backing(name string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if inst, ok := b.instances[name]; ok {
		return inst.backing
	}
	return ""
}

func (b *Backend) Size(name string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if inst, ok := b.instances[name]; ok {
		return inst.size
	}
	return 0
}

type listEntry struct {
	Name    string         `json:"name"`
	State   sandbox.Status `json:"state"`
	Healthy bool           `json:"healthy"`
}

func (b *Backend) Run(ctx context.Context, req executor.Request) (executor.Result, error) {
	start := time.Now()
	b.mu.Lock()
	b.runs++
	b.mu.Unlock()

	out, code, errText := b.dispatch(req, nil)
	result := executor.Result{Stdout: out, Stderr: errText, ExitCode: code, Duration: time.Since(start)}
	if code != 0 {
		return result, kuraErrors.BackendExecution("%s exited with code %d: %s", req.Binary, code, errText)
	}
	return result, nil
}

func (b *Backend) Stream(ctx context.Context, req executor.Request, onLine func(executor.Line)) (executor.Result, error) {
	start := time.Now()
	out, code, errText := b.dispatch(req, onLine)
	result := executor.Result{Stdout: out, Stderr: errText, ExitCode: code, Duration: time.Since(start)}
	if code != 0 {
		return result, kuraErrors.BackendExecution("%s exited with code %d: %s", req.Binary, code, errText)
	}
	return result, nil
}

// Spawn applies start-like verbs after the configured delay, or never for names
// marked with Hang.
func (b *Backend) Spawn(ctx context.Context, req executor.Request) error {
	b.mu.Lock()
	b.detached++
	verb, name := verbOf(req)
	b.calls[verb]++
	if msg, failing := b.failures[verb]; failing {
		b.mu.Unlock()
		return kuraErrors.BackendExecution("failed to launch %s: %s", req.Binary, msg)
	}
	hung := b.hang[name]
	delay := b.startDelay
	b.mu.Unlock()

	if hung {
		return nil
	}

	apply := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if inst, ok := b.instances[name]; ok {
			inst.state = sandbox.StatusRunning
			inst.healthy = true
		}
	}
	if delay <= 0 {
		apply()
		return nil
	}
	time.AfterFunc(delay, apply)
	return nil
}

func (b *Backend) Stats() executor.Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return executor.Stats{Runs: b.runs, Detached: b.detached}
}

func verbOf(req executor.Request) (string, string) {
	if len(req.Args) == 0 {
		return "", ""
	}
	if len(req.Args) == 1 {
		return req.Args[0], ""
	}
	return req.Args[0], req.Args[1]
}

func (b *Backend) dispatch(req executor.Request, onLine func(executor.Line)) (string, int, string) {
	if req.Binary != Binary {
		return "", 127, fmt.Sprintf("fake backend cannot run %q", req.Binary)
	}

	b.mu.Lock()
	verb, name := verbOf(req)
	b.calls[verb]++
	if msg, failing := b.failures[verb]; failing {
		b.mu.Unlock()
		return "", 1, msg
	}

	if verb == "exec" {
		_, ok := b.instances[name]
		handler := b.exec
		b.mu.Unlock()
		if !ok {
			return "", 1, fmt.Sprintf("instance %s does not exist", name)
		}
		var out strings.Builder
		code := handler(name, req.Args[2:], req.Stdin, func(line string) {
			out.WriteString(line + "\n")
			if onLine != nil {
				onLine(executor.Line{Stream: executor.StreamStdout, Text: line})
			}
		})
		if code != 0 {
			return out.String(), code, fmt.Sprintf("process exited with code %d", code)
		}
		return out.String(), 0, ""
	}
	defer b.mu.Unlock()

	inst, exists := b.instances[name]
	missing := func() (string, int, string) {
		return "", 1, fmt.Sprintf("instance %s does not exist", name)
	}

	switch verb {
	case "list":
		entries := []listEntry{}
		if !b.listAbsent {
			for _, i := range b.instances {
				entries = append(entries, listEntry{Name: i.name, State: i.state, Healthy: i.healthy})
			}
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
		raw, _ := json.Marshal(entries)
		return string(raw), 0, ""
	case "create":
		if exists {
			return "", 1, fmt.Sprintf("instance %s already exists", name)
		}
		image := ""
		if len(req.Args) > 2 {
			image = req.Args[2]
		}
		b.instances[name] = &instance{name: name, image: image, state: sandbox.StatusStopped, healthy: true}
		return name + "\n", 0, ""
	case "start", "restore":
		if !exists {
			return missing()
		}
		inst.state = sandbox.StatusRunning
	case "stop":
		if !exists {
			return missing()
		}
		inst.state = sandbox.StatusStopped
	case "pause":
		if !exists {
			return missing()
		}
		if inst.state != sandbox.StatusRunning {
			return "", 1, fmt.Sprintf("instance %s is not running", name)
		}
		inst.state = sandbox.StatusPaused
	case "resume":
		if !exists {
			return missing()
		}
		inst.state = sandbox.StatusRunning
	case "save":
		if !exists {
			return missing()
		}
		inst.state = sandbox.StatusSaved
	case "remove":
		if !exists {
			return missing()
		}
		delete(b.instances, name)
	case "snapshot":
		if !exists {
			return missing()
		}
		b.snapshots[name] = inst.size
	case "inspect":
		if _, ok := b.snapshots[name]; !ok {
			return "", 1, fmt.Sprintf("snapshot %s does not exist", name)
		}
		return `{"format":"cow"}`, 0, ""
	case "clone":
		if len(req.Args) < 3 {
			return "", 2, "usage: clone <base> <name>"
		}
		target := req.Args[2]
		if _, ok := b.snapshots[name]; !ok {
			return "", 1, fmt.Sprintf("snapshot %s does not exist", name)
		}
		if _, taken := b.instances[target]; taken {
			return "", 1, fmt.Sprintf("instance %s already exists", target)
		}
		b.instances[target] = &instance{name: target, state: sandbox.StatusStopped, healthy: true, backing: name}
	case "rmbase":
		delete(b.snapshots, name)
	default:
		return "", 2, fmt.Sprintf("unknown verb %q", verb)
	}
	return "", 0, ""
}
