package daemon

import (
	"context"
)

type HealthStatus string

const (
	StatusStarting HealthStatus = "starting"
	StatusRunning  HealthStatus = "running"
	StatusStopping HealthStatus = "stopping"
	StatusStopped  HealthStatus = "stopped"
)

// ComponentHealth is one component's probe result. Detail carries small counters
// that /health reports next to the verdict.
type ComponentHealth struct {
	Name    string
	Healthy bool
	Error   error
	Detail  map[string]any
}

// Component is a unit the Daemon drives. Init and Start run in dependency order,
// Stop in reverse.
type Component interface {
	Name() string
	Dependencies() []string
	Init(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) (*ComponentHealth, error)
}
