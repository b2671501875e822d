package backend

import (
	"time"

	"github.com/harunnryd/kura/internal/executor"
	"github.com/harunnryd/kura/internal/sandbox"
)

// Command is one argv the orchestrator hands to the executor. Detached commands are
// launched without waiting; readiness is then established by polling the listing.
type Command struct {
	Binary        string
	Args          []string
	Stdin         string
	Detach        bool
	IgnoreFailure bool
}

func (c Command) Request(timeout time.Duration) executor.Request {
	return executor.Request{
		Binary:  c.Binary,
		Args:    append([]string(nil), c.Args...),
		Stdin:   c.Stdin,
		Timeout: timeout,
	}
}

// Observed is the backend's own view of one instance, as parsed from its listing.
type Observed struct {
	Name    string
	State   sandbox.Status
	Healthy bool
	Detail  string
}

// Ref identifies an instance to an adapter.
type Ref struct {
	Name       string
	BackendRef string
}

func RefOf(inst sandbox.Instance) Ref {
	return Ref{Name: inst.Name, BackendRef: inst.BackendRef}
}

type CreateSpec struct {
	Name      string
	Image     string
	Resources sandbox.ResourceSpec
	Command   []string
}

type CloneRequest struct {
	Base      sandbox.BaseImage
	Name      string
	Resources sandbox.ResourceSpec
}

// BasePlan promotes a stopped instance to a clone template. Prepare runs first; the
// output of Check is handed to Adapter.CheckBase to confirm the on-disk format can be
// cloned copy-on-write.
type BasePlan struct {
	Prepare    []Command
	Check      *Command
	BackendRef string
}

// Adapter translates orchestrator intent into one backend tool's command syntax. It
// never runs anything itself.
type Adapter interface {
	Kind() string
	ListCommand() Command
	ParseList(stdout string) ([]Observed, error)
	CreateCommands(spec CreateSpec) ([]Command, string, error)
	LifecycleCommands(op sandbox.Operation, ref Ref) ([]Command, error)
	BaseCommands(ref Ref, baseName string) (BasePlan, error)
	CheckBase(stdout string) error
	CloneCommands(req CloneRequest) ([]Command, string, error)
	RemoveBaseCommands(base sandbox.BaseImage) []Command
	ExecCommand(ref Ref, argv []string, stdin string) Command
}

// Index maps a listing by instance name.
func Index(observed []Observed) map[string]Observed {
	out := make(map[string]Observed, len(observed))
	for _, o := range observed {
		out[o.Name] = o
	}
	return out
}
