// Package device holds the mutable per-device values shared by a device's actors.
package device

import (
	"bytes"
	"encoding/json"
	"sync"
)

// State is a versioned key/value snapshot guarded by a mutex.
// Every effective write bumps the version and raises the changed flag.
type State struct {
	mu      sync.RWMutex
	values  map[string]interface{}
	version uint64
	changed bool
}

// NewState creates a state holding a shallow copy of initial.
// A non-empty initial state starts out changed.
func NewState(initial map[string]interface{}) *State {
	s := &State{values: make(map[string]interface{}, len(initial))}
	for k, v := range initial {
		s.values[k] = v
	}
	if len(initial) > 0 {
		s.version = 1
		s.changed = true
	}
	return s
}

// Get returns the value stored under key.
func (s *State) Get(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Has reports whether key is present.
func (s *State) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Bool returns the value under key when it is a bool, or def otherwise.
func (s *State) Bool(key string, def bool) bool {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

// Set stores value under key. With compareBeforeWrite the write, and the changed
// flag, are skipped when value serializes identically to the current value.
// Reports whether the state was modified.
func (s *State) Set(key string, value interface{}, compareBeforeWrite bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(key, value, compareBeforeWrite)
}

// SetAll stores every entry of values under one lock with Set semantics.
// Reports whether the state was modified.
func (s *State) SetAll(values map[string]interface{}, compareBeforeWrite bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	modified := false
	for k, v := range values {
		if s.set(k, v, compareBeforeWrite) {
			modified = true
		}
	}
	return modified
}

func (s *State) set(key string, value interface{}, compareBeforeWrite bool) bool {
	if compareBeforeWrite {
		if current, ok := s.values[key]; ok && sameJSON(current, value) {
			return false
		}
	}
	s.values[key] = value
	s.version++
	s.changed = true
	return true
}

// Update runs fn with exclusive access to the values map.
// fn reports whether it modified the map; if so the version and changed flag move.
func (s *State) Update(fn func(values map[string]interface{}) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn(s.values) {
		s.version++
		s.changed = true
	}
}

// Snapshot returns a shallow copy of the values.
func (s *State) Snapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyValues()
}

// SnapshotAndReset returns a shallow copy of the values and clears the changed
// flag in the same critical section, so no write can land between the two.
func (s *State) SnapshotAndReset() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changed = false
	return s.copyValues()
}

func (s *State) copyValues() map[string]interface{} {
	out := make(map[string]interface{}, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Changed reports whether the state was modified since the last ResetChangedFlag.
func (s *State) Changed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changed
}

// ResetChangedFlag clears the changed flag.
func (s *State) ResetChangedFlag() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changed = false
}

// MarkChanged raises the changed flag without modifying values.
func (s *State) MarkChanged() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changed = true
}

// Version returns the number of effective writes so far.
func (s *State) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func sameJSON(a, b interface{}) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
