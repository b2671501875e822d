// Package idempotency remembers the results of keyed requests so a retried request
// replays the original answer instead of running again.
package idempotency

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/natefinch/atomic"
)

const DefaultTTL = 10 * time.Minute

type Entry struct {
	Expiry int64           `json:"expiry"` // Unix timestamp
	Result json.RawMessage `json:"result"`
}

type ProcessedKeys struct {
	Keys map[string]Entry `json:"keys"`
}

type Store struct {
	path  string
	ttl   time.Duration
	state ProcessedKeys
	now   func() time.Time
	mu    sync.RWMutex
}

// NewStore loads keys from path. An empty path keeps keys in memory only.
func NewStore(path string, ttl time.Duration) (*Store, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		path: path,
		ttl:  ttl,
		state: ProcessedKeys{
			Keys: make(map[string]Entry),
		},
		now: time.Now,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, &s.state); err != nil {
		return fmt.Errorf("decode %s: %w", s.path, err)
	}
	if s.state.Keys == nil {
		s.state.Keys = make(map[string]Entry)
	}
	s.pruneLocked()
	return nil
}

func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(s.path, bytes.NewReader(data))
}

func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

// Lookup returns the remembered result for key if it has not expired.
func (s *Store) Lookup(key string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.state.Keys[key]
	if !ok || e.Expiry <= s.now().Unix() {
		return nil, false
	}
	return e.Result, true
}

// Remember stores result under key for the store TTL and writes the file through.
func (s *Store) Remember(key string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked()
	s.state.Keys[key] = Entry{
		Expiry: s.now().Add(s.ttl).Unix(),
		Result: append(json.RawMessage(nil), result...),
	}
	return s.save()
}

func (s *Store) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked()
}

func (s *Store) pruneLocked() int {
	now := s.now().Unix()
	count := 0
	for k, e := range s.state.Keys {
		if e.Expiry <= now {
			delete(s.state.Keys, k)
			count++
		}
	}
	return count
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.Keys)
}

func (s *Store) TTL() time.Duration {
	return s.ttl
}
