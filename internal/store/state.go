package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/harunnryd/kura/internal/sandbox"

	"github.com/natefinch/atomic"
)

const stateVersion = 1

// State is the on-disk snapshot of both registries.
type State struct {
	Version   int                 `json:"version"`
	SavedAt   time.Time           `json:"saved_at"`
	Instances []sandbox.Instance  `json:"instances"`
	Bases     []sandbox.BaseImage `json:"bases"`
}

// ReadState loads a snapshot. A missing file is an empty state.
func ReadState(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{Version: stateVersion}, nil
		}
		return State{}, fmt.Errorf("read state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("parse state %s: %w", path, err)
	}
	if st.Version > stateVersion {
		return State{}, fmt.Errorf("state %s has version %d, newer than supported %d", path, st.Version, stateVersion)
	}
	return st, nil
}

// WriteState replaces the snapshot file atomically.
func WriteState(path string, st State) error {
	st.Version = stateVersion
	if st.SavedAt.IsZero() {
		st.SavedAt = time.Now().UTC()
	}
	if st.Instances == nil {
		st.Instances = []sandbox.Instance{}
	}
	if st.Bases == nil {
		st.Bases = []sandbox.BaseImage{}
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// settle rewrites records captured mid-operation. The owning call died with the
// previous process, so nothing will ever move them out of a transient status.
func settle(st *State) {
	for i := range st.Instances {
		inst := &st.Instances[i]
		if inst.Status.Transient() {
			slog.Warn("Instance was mid-operation at last shutdown", "instance", inst.Name, "status", inst.Status)
			inst.Status = sandbox.StatusFailed
		}
	}

	kept := st.Bases[:0]
	for _, base := range st.Bases {
		if base.Status != sandbox.BaseReady {
			slog.Warn("Dropping base image that never became ready", "base", base.Name, "status", base.Status)
			continue
		}
		kept = append(kept, base)
	}
	st.Bases = kept
}
