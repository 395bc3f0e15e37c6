package store

import (
	"context"
	"sync"
)

// MemoryStore is the in-process replica store backend. It keeps every record
// as a document tree guarded by a RWMutex and fans changes out through the
// shared notifier. It is the default backend and the substitute used when a
// replicated deployment is unavailable or unwanted.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]interface{}
	notifier *notifier
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]interface{}),
		notifier: newNotifier(),
	}
}

// Get reads the value at path.
func (s *MemoryStore) Get(_ context.Context, path string) (interface{}, bool, error) {
	key, fields, err := recordPath(path)
	if err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[key]
	if !ok {
		return nil, false, nil
	}
	v, ok := getField(record, fields)
	if !ok {
		return nil, false, nil
	}
	return cloneValue(v), true, nil
}

// Set replaces the value at path.
func (s *MemoryStore) Set(_ context.Context, path string, value interface{}) error {
	key, fields, err := recordPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := cloneValue(s.records[key])
	s.records[key] = setField(s.records[key], fields, cloneValue(value))
	updated := cloneValue(s.records[key])
	s.mu.Unlock()

	s.notifier.notify(key, old, updated)
	return nil
}

// UpdateChildren applies sibling-field writes under path in one call. Field
// keys may be slash-nested; nil values delete fields.
func (s *MemoryStore) UpdateChildren(_ context.Context, path string, fields map[string]interface{}) error {
	key, base, err := recordPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := cloneValue(s.records[key])
	record := s.records[key]
	for field, value := range fields {
		segs := append(append([]string{}, base...), splitPath(field)...)
		record = setField(record, segs, cloneValue(value))
	}
	s.records[key] = record
	updated := cloneValue(record)
	s.mu.Unlock()

	s.notifier.notify(key, old, updated)
	return nil
}

// Push returns a fresh child id for path.
func (s *MemoryStore) Push(_ context.Context, _ string) (string, error) {
	return NewPushID(), nil
}

// Remove deletes the value at path.
func (s *MemoryStore) Remove(_ context.Context, path string) error {
	key, fields, err := recordPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := cloneValue(s.records[key])
	if len(fields) == 0 {
		delete(s.records, key)
	} else {
		s.records[key] = setField(s.records[key], fields, nil)
	}
	updated := cloneValue(s.records[key])
	s.mu.Unlock()

	s.notifier.notify(key, old, updated)
	return nil
}

// Observe watches the value at path.
func (s *MemoryStore) Observe(path string) (*Subscription, error) {
	key, fields, err := recordPath(path)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	current, exists := s.records[key]
	current = cloneValue(current)
	s.mu.RUnlock()

	return s.notifier.subscribeValue(key, fields, current, exists), nil
}

// ObserveChildren watches child events for the record at path.
func (s *MemoryStore) ObserveChildren(path string, limit int) (*ChildSubscription, error) {
	key, fields, err := recordPath(path)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	current, _ := getField(s.records[key], fields)
	current = cloneValue(current)
	s.mu.RUnlock()

	return s.notifier.subscribeChildren(key, fields, current, limit), nil
}

// Close cancels all open subscriptions.
func (s *MemoryStore) Close() error {
	s.notifier.closeAll()
	return nil
}
