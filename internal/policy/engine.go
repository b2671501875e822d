package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/harunnryd/kura/internal/config"
	kuraErrors "github.com/harunnryd/kura/internal/errors"
	"github.com/harunnryd/kura/internal/sandbox"

	"github.com/dustin/go-humanize"
)

// Policy is fixed at start-up and only read afterwards.
type Policy struct {
	MaxMemory               int64
	MaxCPUs                 float64
	AllowedVolumePaths      []string
	BannedCommandSubstrings []string
	AllowPrivileged         bool
}

// Params is the part of a request the policy looks at.
type Params struct {
	Operation  string           `json:"operation"`
	Instance   string           `json:"instance,omitempty"`
	Memory     int64            `json:"memory,omitempty"`
	CPUs       float64          `json:"cpus,omitempty"`
	Volumes    []sandbox.Volume `json:"volumes,omitempty"`
	Command    string           `json:"command,omitempty"`
	Privileged bool             `json:"privileged,omitempty"`
}

func PolicyFromConfig(cfg config.SecurityConfig) (Policy, error) {
	maxMemory, err := config.ParseSize(cfg.MaxMemory)
	if err != nil {
		return Policy{}, fmt.Errorf("security.max_memory: %w", err)
	}

	p := Policy{
		MaxMemory:       maxMemory,
		MaxCPUs:         cfg.MaxCPUs,
		AllowPrivileged: cfg.AllowPrivileged,
	}
	for _, path := range cfg.AllowedVolumePaths {
		if path = strings.TrimSpace(path); path != "" {
			p.AllowedVolumePaths = append(p.AllowedVolumePaths, filepath.Clean(path))
		}
	}
	for _, banned := range cfg.BannedCommandSubstrings {
		if banned = strings.TrimSpace(banned); banned != "" {
			p.BannedCommandSubstrings = append(p.BannedCommandSubstrings, strings.ToLower(banned))
		}
	}
	return p, nil
}

type Engine struct {
	policy Policy
	audit  *AuditLog
}

func NewEngine(policy Policy, audit *AuditLog) *Engine {
	return &Engine{policy: policy, audit: audit}
}

// Build reads the policy and opens the audit log the security section describes.
func Build(cfg config.SecurityConfig) (*Engine, error) {
	p, err := PolicyFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	audit, err := NewAuditLog(cfg.AuditRetention, cfg.AuditLogPath, cfg.RedactPatterns)
	if err != nil {
		return nil, err
	}
	return NewEngine(p, audit), nil
}

func (e *Engine) Policy() Policy {
	return e.policy
}

func (e *Engine) Audit() *AuditLog {
	return e.audit
}

// Validate checks params against the policy. Each check is independent, so every
// violation is reported, not just the first. Zero limits disable their check.
func (e *Engine) Validate(params Params) []string {
	var violations []string

	if e.policy.MaxMemory > 0 && params.Memory > e.policy.MaxMemory {
		violations = append(violations, fmt.Sprintf("memory %s exceeds limit %s",
			humanize.IBytes(uint64(params.Memory)), humanize.IBytes(uint64(e.policy.MaxMemory))))
	}

	if e.policy.MaxCPUs > 0 && params.CPUs > e.policy.MaxCPUs {
		violations = append(violations, fmt.Sprintf("cpus %g exceeds limit %g", params.CPUs, e.policy.MaxCPUs))
	}

	for _, v := range params.Volumes {
		if !e.volumeAllowed(v.Host) {
			violations = append(violations, fmt.Sprintf("volume host path %q is not under an allowed path", v.Host))
		}
	}

	if params.Command != "" {
		lowered := strings.ToLower(params.Command)
		for _, banned := range e.policy.BannedCommandSubstrings {
			if strings.Contains(lowered, banned) {
				violations = append(violations, fmt.Sprintf("command contains banned substring %q", banned))
			}
		}
	}

	if params.Privileged && !e.policy.AllowPrivileged {
		violations = append(violations, "privileged mode is not allowed")
	}

	return violations
}

// volumeAllowed matches on whole path components, so /data does not admit /database.
func (e *Engine) volumeAllowed(host string) bool {
	if host == "" || !filepath.IsAbs(host) {
		return false
	}
	clean := filepath.Clean(host)
	for _, allowed := range e.policy.AllowedVolumePaths {
		if clean == allowed {
			return true
		}
		prefix := allowed
		if !strings.HasSuffix(prefix, string(filepath.Separator)) {
			prefix += string(filepath.Separator)
		}
		if strings.HasPrefix(clean, prefix) {
			return true
		}
	}
	return false
}

// Enforce validates params and, on any violation, records an audit entry and
// returns a SecurityViolation error.
func (e *Engine) Enforce(ctx context.Context, params Params) error {
	violations := e.Validate(params)
	if len(violations) == 0 {
		return nil
	}

	if e.audit != nil {
		raw, _ := json.Marshal(params)
		e.audit.Log(ctx, AuditEntry{
			Kind:       EventSecurityViolation,
			Operation:  params.Operation,
			Instance:   params.Instance,
			Violations: violations,
			Params:     raw,
		})
	}

	slog.Warn("Security policy rejected request", "operation", params.Operation, "instance", params.Instance, "violations", violations)
	return kuraErrors.SecurityViolation("%s rejected: %s", params.Operation, strings.Join(violations, "; "))
}
