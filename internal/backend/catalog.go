package backend

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/harunnryd/kura/internal/executor"
)

// Options carries the backend section of the configuration to adapter factories.
type Options struct {
	Binary      string
	ImageBinary string
	WorkDir     string
	Network     string
	ConnectURI  string
}

// Driver is what a factory builds. A nil Executor means the caller supplies the real
// subprocess executor.
type Driver struct {
	Adapter  Adapter
	Executor executor.Executor
}

type Factory func(opts Options) (Driver, error)

var catalog = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

// Register adds a backend factory under kind. Intended to be called in init() from
// adapter packages.
func Register(kind string, factory Factory) {
	normalized := strings.ToLower(strings.TrimSpace(kind))
	if normalized == "" {
		panic("backend: kind cannot be empty")
	}
	if factory == nil {
		panic(fmt.Sprintf("backend: factory cannot be nil (%s)", normalized))
	}

	catalog.mu.Lock()
	defer catalog.mu.Unlock()

	if _, exists := catalog.factories[normalized]; exists {
		panic(fmt.Sprintf("backend: already registered: %s", normalized))
	}
	catalog.factories[normalized] = factory
}

// Kinds returns all registered backend kinds in deterministic order.
func Kinds() []string {
	catalog.mu.RLock()
	defer catalog.mu.RUnlock()

	kinds := make([]string, 0, len(catalog.factories))
	for kind := range catalog.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

func New(kind string, opts Options) (Driver, error) {
	normalized := strings.ToLower(strings.TrimSpace(kind))

	catalog.mu.RLock()
	factory, ok := catalog.factories[normalized]
	catalog.mu.RUnlock()

	if !ok {
		return Driver{}, fmt.Errorf("unknown backend kind %q (registered: %s)", kind, strings.Join(Kinds(), ", "))
	}

	driver, err := factory(opts)
	if err != nil {
		return Driver{}, fmt.Errorf("instantiate backend %q: %w", normalized, err)
	}
	return driver, nil
}
