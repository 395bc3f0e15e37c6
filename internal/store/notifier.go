package store

import (
	"reflect"
	"sync"
)

// notifier fans record changes out to value and child watchers. It is shared
// by the backends whose change feed is in-process (memory, sqlite). Sends
// never block: a watcher that stops draining loses updates rather than
// wedging writers, which is acceptable for a full-snapshot feed where the
// next change re-delivers everything.
const watchBuffer = 32

type valueWatcher struct {
	fields []string
	ch     chan interface{}
}

type childWatcher struct {
	fields []string
	ch     chan ChildEvent
}

type notifier struct {
	mu       sync.Mutex
	values   map[string][]*valueWatcher
	children map[string][]*childWatcher
}

func newNotifier() *notifier {
	return &notifier{
		values:   make(map[string][]*valueWatcher),
		children: make(map[string][]*childWatcher),
	}
}

// subscribeValue registers a watch below recordKey and primes it with the
// current value when one exists.
func (n *notifier) subscribeValue(recordKey string, fields []string, current interface{}, exists bool) *Subscription {
	w := &valueWatcher{fields: fields, ch: make(chan interface{}, watchBuffer)}

	n.mu.Lock()
	n.values[recordKey] = append(n.values[recordKey], w)
	if exists {
		if v, ok := getField(current, fields); ok {
			w.ch <- cloneValue(v)
		}
	}
	n.mu.Unlock()

	return &Subscription{C: w.ch, cancel: func() { n.cancelValue(recordKey, w) }}
}

// subscribeChildren registers a child watch on recordKey and replays the
// existing children (capped to the last limit) as ChildAdded events.
func (n *notifier) subscribeChildren(recordKey string, fields []string, current interface{}, limit int) *ChildSubscription {
	w := &childWatcher{fields: fields, ch: make(chan ChildEvent, watchBuffer)}

	n.mu.Lock()
	n.children[recordKey] = append(n.children[recordKey], w)
	doc, _ := current.(map[string]interface{})
	for _, key := range childKeys(doc, limit) {
		if child, ok := doc[key].(map[string]interface{}); ok {
			w.send(ChildEvent{Kind: ChildAdded, Key: key, Value: cloneValue(child).(map[string]interface{})})
		}
	}
	n.mu.Unlock()

	return &ChildSubscription{C: w.ch, cancel: func() { n.cancelChildren(recordKey, w) }}
}

// notify delivers a record transition to every watcher registered on it.
func (n *notifier) notify(recordKey string, old, new interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, w := range n.values[recordKey] {
		v, ok := getField(new, w.fields)
		if !ok {
			w.send(nil)
			continue
		}
		w.send(cloneValue(v))
	}

	for _, w := range n.children[recordKey] {
		for _, ev := range diffChildren(old, new, w.fields) {
			w.send(ev)
		}
	}
}

// diffChildren computes the child events between two versions of the value
// at the given field path.
func diffChildren(old, new interface{}, fields []string) []ChildEvent {
	oldVal, _ := getField(old, fields)
	newVal, _ := getField(new, fields)
	oldDoc, _ := oldVal.(map[string]interface{})
	newDoc, _ := newVal.(map[string]interface{})

	var events []ChildEvent
	for key, newChild := range newDoc {
		child, ok := newChild.(map[string]interface{})
		if !ok {
			continue
		}
		oldChild, existed := oldDoc[key]
		switch {
		case !existed:
			events = append(events, ChildEvent{Kind: ChildAdded, Key: key, Value: cloneValue(child).(map[string]interface{})})
		case !reflect.DeepEqual(oldChild, newChild):
			events = append(events, ChildEvent{Kind: ChildChanged, Key: key, Value: cloneValue(child).(map[string]interface{})})
		}
	}
	for key := range oldDoc {
		if _, still := newDoc[key]; !still {
			events = append(events, ChildEvent{Kind: ChildRemoved, Key: key})
		}
	}
	return events
}

func (w *valueWatcher) send(v interface{}) {
	sendLatest(w.ch, v)
}

func (w *childWatcher) send(ev ChildEvent) {
	sendLatest(w.ch, ev)
}

func (n *notifier) cancelValue(recordKey string, target *valueWatcher) {
	n.mu.Lock()
	defer n.mu.Unlock()
	list := n.values[recordKey]
	for i, w := range list {
		if w == target {
			n.values[recordKey] = append(list[:i], list[i+1:]...)
			close(w.ch)
			return
		}
	}
}

func (n *notifier) cancelChildren(recordKey string, target *childWatcher) {
	n.mu.Lock()
	defer n.mu.Unlock()
	list := n.children[recordKey]
	for i, w := range list {
		if w == target {
			n.children[recordKey] = append(list[:i], list[i+1:]...)
			close(w.ch)
			return
		}
	}
}

// closeAll cancels every registered watcher.
func (n *notifier) closeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for key, list := range n.values {
		for _, w := range list {
			close(w.ch)
		}
		delete(n.values, key)
	}
	for key, list := range n.children {
		for _, w := range list {
			close(w.ch)
		}
		delete(n.children, key)
	}
}
