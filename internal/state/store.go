package state

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Store is the persistent key-value state collaborator. Test states are
// keyed by node path; shared data holds opaque blobs under well-known keys
// (shutdown continuation, run id, device data, ...).
type Store interface {
	// TestState returns the state recorded for path. An unknown path reads
	// as UNTESTED.
	TestState(path string) TestState
	// UpdateTestState applies a partial update and returns the new state.
	UpdateTestState(path string, u Update) TestState
	// TestStates returns a snapshot of all recorded test states.
	TestStates() map[string]TestState

	SetSharedData(key string, v any) error
	// SharedData unmarshals the blob under key into out; it reports whether
	// the key existed.
	SharedData(key string, out any) (bool, error)
	DeleteSharedData(key string) error

	Close() error
}

// Well-known shared data keys.
const (
	KeyTestsAfterShutdown = "tests_after_shutdown"
	KeyShutdownTime       = "shutdown_time"
	KeyRunID              = "run_id"
	KeyScheduledTests     = "scheduled_tests"
	KeyEngineeringMode    = "engineering_mode"
	KeyDeviceData         = "device_data"
)

// KeyPostShutdown is the shared data key marking a shutdown test's
// post-reboot continuation.
func KeyPostShutdown(path string) string {
	return fmt.Sprintf("post_shutdown.%s", path)
}

// ChangeCallback is invoked after every test state update.
type ChangeCallback func(path string, ts TestState)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory Store. It is safe for concurrent use.
type MemStore struct {
	mu       sync.RWMutex
	tests    map[string]TestState
	shared   map[string]json.RawMessage
	onChange ChangeCallback
}

type MemOption func(*MemStore)

// WithChangeCallback registers a callback fired after every test state
// update, outside the store lock.
func WithChangeCallback(cb ChangeCallback) MemOption {
	return func(s *MemStore) { s.onChange = cb }
}

func NewMemStore(opts ...MemOption) *MemStore {
	s := &MemStore{
		tests:  make(map[string]TestState),
		shared: make(map[string]json.RawMessage),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemStore) TestState(path string) TestState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ts, ok := s.tests[path]; ok {
		return ts
	}
	return TestState{Status: StatusUntested}
}

func (s *MemStore) UpdateTestState(path string, u Update) TestState {
	s.mu.Lock()
	ts, ok := s.tests[path]
	if !ok {
		ts = TestState{Status: StatusUntested}
	}
	ts = u.apply(ts)
	s.tests[path] = ts
	cb := s.onChange
	s.mu.Unlock()

	if cb != nil {
		cb(path, ts)
	}
	return ts
}

func (s *MemStore) TestStates() map[string]TestState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]TestState, len(s.tests))
	for k, v := range s.tests {
		out[k] = v
	}
	return out
}

func (s *MemStore) SetSharedData(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal shared data %q: %w", key, err)
	}
	s.mu.Lock()
	s.shared[key] = raw
	s.mu.Unlock()
	return nil
}

func (s *MemStore) SharedData(key string, out any) (bool, error) {
	s.mu.RLock()
	raw, ok := s.shared[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("failed to unmarshal shared data %q: %w", key, err)
	}
	return true, nil
}

func (s *MemStore) DeleteSharedData(key string) error {
	s.mu.Lock()
	delete(s.shared, key)
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Close() error { return nil }

// snapshot returns a copy of the full store content for persistence.
func (s *MemStore) snapshot() document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc := document{
		Tests:  make(map[string]TestState, len(s.tests)),
		Shared: make(map[string]json.RawMessage, len(s.shared)),
	}
	for k, v := range s.tests {
		doc.Tests[k] = v
	}
	for k, v := range s.shared {
		doc.Shared[k] = v
	}
	return doc
}

// restore replaces the store content with the given document.
func (s *MemStore) restore(doc document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tests = doc.Tests
	s.shared = doc.Shared
	if s.tests == nil {
		s.tests = make(map[string]TestState)
	}
	if s.shared == nil {
		s.shared = make(map[string]json.RawMessage)
	}
}

// document is the on-disk representation used by FileStore.
type document struct {
	Tests  map[string]TestState       `json:"tests"`
	Shared map[string]json.RawMessage `json:"shared"`
}
