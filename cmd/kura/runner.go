package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/kura/internal/config"
	"github.com/harunnryd/kura/internal/daemon"
	"github.com/harunnryd/kura/internal/daemon/components"
	"github.com/harunnryd/kura/internal/orchestrator"
	"github.com/harunnryd/kura/internal/orchestrator/command"
	"github.com/harunnryd/kura/internal/store"

	"github.com/spf13/cobra"
)

// runner executes commands against either an in-process orchestrator or a daemon.
type runner interface {
	Run(ctx context.Context, cmd command.Command) orchestrator.Result
	Operations(ctx context.Context) ([]string, error)
	Close(ctx context.Context) error
}

func openRunner(cmd *cobra.Command, cfg *config.Config) (runner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	remote, _ := cmd.Flags().GetString("remote")
	if remote = strings.TrimSpace(remote); remote != "" {
		return newRemoteRunner(remote), nil
	}
	return newLocalRunner(cmd.Context(), cfg)
}

// localRunner brings up the same store, policy and orchestrator components the
// daemon runs, without the HTTP server or background loops.
type localRunner struct {
	components []daemon.Component
	started    int
	orch       *components.OrchestratorComponent
}

func newLocalRunner(ctx context.Context, cfg *config.Config) (*localRunner, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	stateDir, err := store.ResolveStateDir(cfg.Store.StateDir)
	if err != nil {
		return nil, err
	}

	storeComp := components.NewStoreComponent(stateDir, &cfg.Store)
	policyComp := components.NewPolicyEngineComponent(&cfg.Security)
	orchComp := components.NewOrchestratorComponent(cfg, storeComp, policyComp)

	r := &localRunner{
		components: []daemon.Component{storeComp, policyComp, orchComp},
		orch:       orchComp,
	}
	for _, c := range r.components {
		if err := c.Init(ctx); err != nil {
			r.Close(ctx)
			if strings.Contains(err.Error(), "locked by another orchestrator") {
				return nil, fmt.Errorf("%w (is a daemon running? use --remote)", err)
			}
			return nil, fmt.Errorf("failed to initialize %s: %w", c.Name(), err)
		}
		// Store holds the state lock after Init, so it must be stopped on any later failure.
		r.started++
		if err := c.Start(ctx); err != nil {
			r.Close(ctx)
			return nil, fmt.Errorf("failed to start %s: %w", c.Name(), err)
		}
	}
	return r, nil
}

func (r *localRunner) Run(ctx context.Context, cmd command.Command) orchestrator.Result {
	return r.orch.GetOrchestrator().Run(ctx, cmd)
}

func (r *localRunner) Operations(ctx context.Context) ([]string, error) {
	return r.orch.GetOrchestrator().Operations(), nil
}

func (r *localRunner) Close(ctx context.Context) error {
	var firstErr error
	for i := r.started - 1; i >= 0; i-- {
		if err := r.components[i].Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.started = 0
	return firstErr
}

type remoteRunner struct {
	baseURL string
	client  *http.Client
}

func newRemoteRunner(baseURL string) *remoteRunner {
	return &remoteRunner{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 2 * time.Minute},
	}
}

func (r *remoteRunner) Run(ctx context.Context, cmd command.Command) orchestrator.Result {
	body, err := json.Marshal(map[string]any{"operation": cmd.Operation, "params": cmd.Params})
	if err != nil {
		return transportFailure(cmd.Operation, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/commands", bytes.NewReader(body))
	if err != nil {
		return transportFailure(cmd.Operation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return transportFailure(cmd.Operation, err)
	}
	defer resp.Body.Close()

	var res orchestrator.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return transportFailure(cmd.Operation, fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err))
	}
	return res
}

func (r *remoteRunner) Operations(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/v1/operations", nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Operations []string `json:"operations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode operations: %w", err)
	}
	return out.Operations, nil
}

func (r *remoteRunner) Close(ctx context.Context) error {
	r.client.CloseIdleConnections()
	return nil
}

func transportFailure(op string, err error) orchestrator.Result {
	msg := fmt.Sprintf("daemon request failed: %v", err)
	return orchestrator.Result{
		Operation: op,
		Output:    msg,
		Error:     msg,
		ErrorKind: "InternalError",
	}
}

// withRunner opens a runner for the command and always closes it, draining any
// background script runs on the local path.
func withRunner(cmd *cobra.Command, fn func(ctx context.Context, r runner) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	r, err := openRunner(cmd, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		r.Close(closeCtx)
	}()
	return fn(ctx, r)
}
