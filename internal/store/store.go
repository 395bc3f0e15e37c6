// Package store defines the replica store contract the jam coordinator is
// written against: an eventually-consistent key-value tree with point reads,
// partial-field writes, server-assigned child ids, and change subscriptions.
// Any backend with those semantics can sit behind it; this package ships a
// memory backend, a durable sqlite backend, and a replicated valkey backend.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store is the replica store contract.
//
// Paths are slash-separated. The first two segments name the record, the
// unit of atomicity ("jam_sessions/<id>", "jam_codes/<code>"); deeper
// segments address fields inside the record document. Updates within one
// record apply atomically; nothing across records does.
type Store interface {
	// Get reads the value at path. The second return is false when nothing
	// exists there.
	Get(ctx context.Context, path string) (interface{}, bool, error)

	// Set replaces the value at path.
	Set(ctx context.Context, path string, value interface{}) error

	// UpdateChildren applies several sibling-field writes under path in one
	// call without supplying the whole record. Field keys may themselves be
	// slash-nested ("participants/<uid>"). A nil field value deletes that
	// field.
	UpdateChildren(ctx context.Context, path string, fields map[string]interface{}) error

	// Push returns a fresh store-assigned child id for path. Ids order
	// lexicographically by creation time.
	Push(ctx context.Context, path string) (string, error)

	// Remove deletes the value at path.
	Remove(ctx context.Context, path string) error

	// Observe delivers the full value at path on every change to its
	// record, starting with the current value if one exists. A removed
	// record is delivered as nil.
	Observe(path string) (*Subscription, error)

	// ObserveChildren delivers incremental child events for the record at
	// path. Existing children are replayed as ChildAdded, capped to the
	// last limit by child key (limit <= 0 means no cap).
	ObserveChildren(path string, limit int) (*ChildSubscription, error)

	Close() error
}

// ChildEventKind discriminates ChildEvent.
type ChildEventKind int

const (
	ChildAdded ChildEventKind = iota
	ChildChanged
	ChildRemoved
)

// ChildEvent is one incremental change under an observed record.
type ChildEvent struct {
	Kind  ChildEventKind
	Key   string
	Value map[string]interface{} // nil for ChildRemoved
}

// Subscription is a long-lived full-value watch. Cancel deregisters the
// watch; after it returns nothing further is delivered. Cancelling twice is
// harmless, and a subscription never re-registers itself.
type Subscription struct {
	C      <-chan interface{}
	cancel func()
}

// Cancel stops delivery and releases the watch.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// ChildSubscription is a long-lived child-event watch.
type ChildSubscription struct {
	C      <-chan ChildEvent
	cancel func()
}

func (s *ChildSubscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewPushID generates a store-assigned child id: a zero-padded millisecond
// prefix so lexicographic order matches insertion order, and a uuid suffix
// so concurrent pushes never collide.
func NewPushID() string {
	return fmt.Sprintf("%013d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// splitPath breaks a slash-separated path into its non-empty segments.
func splitPath(path string) []string {
	var segs []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// recordPath resolves a path to its record key (first two segments) and the
// field segments below it.
func recordPath(path string) (string, []string, error) {
	segs := splitPath(path)
	if len(segs) < 2 {
		return "", nil, fmt.Errorf("path %q does not name a record", path)
	}
	return segs[0] + "/" + segs[1], segs[2:], nil
}

// getField walks value down the given field segments.
func getField(value interface{}, fields []string) (interface{}, bool) {
	cur := value
	for _, f := range fields {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[f]
		if !ok {
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// setField writes value into doc at the given field segments, creating
// intermediate maps as needed. A nil value deletes the field. With no
// fields the value replaces the document. The returned document may differ
// from doc when the root had the wrong shape.
func setField(doc interface{}, fields []string, value interface{}) interface{} {
	if len(fields) == 0 {
		return value
	}
	root, ok := doc.(map[string]interface{})
	if !ok {
		root = map[string]interface{}{}
	}
	cur := root
	for _, f := range fields[:len(fields)-1] {
		next, ok := cur[f].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cur[f] = next
		}
		cur = next
	}
	last := fields[len(fields)-1]
	if value == nil {
		delete(cur, last)
	} else {
		cur[last] = value
	}
	return root
}

// cloneValue deep-copies a document tree so snapshots handed to observers
// never alias store internals.
func cloneValue(v interface{}) interface{} {
	m, ok := v.(map[string]interface{})
	if !ok {
		return v
	}
	out := make(map[string]interface{}, len(m))
	for k, val := range m {
		out[k] = cloneValue(val)
	}
	return out
}

// sendLatest enqueues v without blocking, evicting the oldest queued
// element when the buffer is full. A watcher that stops draining loses the
// oldest updates and still eventually sees the newest. Deliveries to one
// watcher are serialized by its backend, so the freed slot cannot be stolen.
func sendLatest[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

// childKeys returns the child keys of a record document in sorted order,
// optionally capped to the last limit.
func childKeys(doc interface{}, limit int) []string {
	m, ok := doc.(map[string]interface{})
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}
	return keys
}
