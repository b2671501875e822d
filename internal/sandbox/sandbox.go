package sandbox

import (
	"time"
)

type Status string

const (
	StatusAbsent    Status = "absent"
	StatusCreating  Status = "creating"
	StatusCreated   Status = "created"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusPausing   Status = "pausing"
	StatusPaused    Status = "paused"
	StatusStopping  Status = "stopping"
	StatusStopped   Status = "stopped"
	StatusSaving    Status = "saving"
	StatusSaved     Status = "saved"
	StatusRestoring Status = "restoring"
	StatusRemoving  Status = "removing"
	StatusFailed    Status = "failed"
)

// Transient reports whether the status is an in-flight transition.
func (s Status) Transient() bool {
	switch s {
	case StatusCreating, StatusStarting, StatusPausing, StatusStopping, StatusSaving, StatusRestoring, StatusRemoving:
		return true
	}
	return false
}

type Operation string

const (
	OpCreate  Operation = "create"
	OpStart   Operation = "start"
	OpStop    Operation = "stop"
	OpRestart Operation = "restart"
	OpPause   Operation = "pause"
	OpResume  Operation = "resume"
	OpSave    Operation = "save_state"
	OpRestore Operation = "restore_state"
	OpRemove  Operation = "remove"
)

type Volume struct {
	Host     string `json:"host"`
	Guest    string `json:"guest"`
	ReadOnly bool   `json:"read_only,omitempty"`
}

type ResourceSpec struct {
	MemoryLimit int64             `json:"memory_limit,omitempty"`
	CPULimit    float64           `json:"cpu_limit,omitempty"`
	Volumes     []Volume          `json:"volumes,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Network     string            `json:"network,omitempty"`
	Privileged  bool              `json:"privileged,omitempty"`
}

// Instance is one sandbox as the orchestrator believes it exists.
type Instance struct {
	Name                  string       `json:"name"`
	BackendRef            string       `json:"backend_ref,omitempty"`
	Image                 string       `json:"image,omitempty"`
	Status                Status       `json:"status"`
	Resources             ResourceSpec `json:"resources"`
	ClonedFrom            string       `json:"cloned_from,omitempty"`
	ScriptRuntimeDeployed bool         `json:"script_runtime_deployed"`
	AutoRestart           bool         `json:"auto_restart,omitempty"`
	CreatedAt             time.Time    `json:"created_at"`
	StartedAt             *time.Time   `json:"started_at,omitempty"`
	StoppedAt             *time.Time   `json:"stopped_at,omitempty"`
}

func (i Instance) clone() Instance {
	out := i
	out.Resources.Volumes = append([]Volume(nil), i.Resources.Volumes...)
	if i.Resources.Env != nil {
		out.Resources.Env = make(map[string]string, len(i.Resources.Env))
		for k, v := range i.Resources.Env {
			out.Resources.Env[k] = v
		}
	}
	if i.StartedAt != nil {
		t := *i.StartedAt
		out.StartedAt = &t
	}
	if i.StoppedAt != nil {
		t := *i.StoppedAt
		out.StoppedAt = &t
	}
	return out
}

type BaseStatus string

const (
	BaseRegistering BaseStatus = "registering"
	BaseReady       BaseStatus = "ready"
	BaseFailed      BaseStatus = "failed"
)

// BaseImage is an instance promoted to a reusable clone template.
type BaseImage struct {
	Name       string            `json:"name"`
	BackendRef string            `json:"backend_ref,omitempty"`
	Status     BaseStatus        `json:"status"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Registered time.Time         `json:"registered"`
}

func (b BaseImage) clone() BaseImage {
	out := b
	if b.Metadata != nil {
		out.Metadata = make(map[string]string, len(b.Metadata))
		for k, v := range b.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
