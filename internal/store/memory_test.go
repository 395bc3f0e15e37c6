package store

import (
	"context"
	"reflect"
	"sort"
	"testing"
	"time"
)

func TestMemoryStoreSetGet(t *testing.T) {
	st := NewMemoryStore()
	defer st.Close()
	ctx := context.Background()

	doc := map[string]interface{}{
		"title": "hello",
		"count": int64(3),
	}
	if err := st.Set(ctx, "records/r1", doc); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, ok, err := st.Get(ctx, "records/r1")
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if !reflect.DeepEqual(got, doc) {
		t.Errorf("got %+v, want %+v", got, doc)
	}

	// Field-level read
	title, ok, err := st.Get(ctx, "records/r1/title")
	if err != nil || !ok {
		t.Fatalf("field Get failed: ok=%v err=%v", ok, err)
	}
	if title != "hello" {
		t.Errorf("field read: got %v", title)
	}

	// Absent record and absent field
	if _, ok, _ := st.Get(ctx, "records/none"); ok {
		t.Error("absent record reported present")
	}
	if _, ok, _ := st.Get(ctx, "records/r1/missing"); ok {
		t.Error("absent field reported present")
	}
}

func TestMemoryStorePathValidation(t *testing.T) {
	st := NewMemoryStore()
	defer st.Close()

	if _, _, err := st.Get(context.Background(), "toplevel"); err == nil {
		t.Error("single-segment path must be rejected")
	}
	if err := st.Set(context.Background(), "toplevel", "x"); err == nil {
		t.Error("single-segment Set must be rejected")
	}
}

func TestMemoryStoreUpdateChildren(t *testing.T) {
	st := NewMemoryStore()
	defer st.Close()
	ctx := context.Background()

	if err := st.Set(ctx, "records/r1", map[string]interface{}{
		"a": "keep",
		"b": "replace",
		"nested": map[string]interface{}{
			"x": int64(1),
		},
	}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	err := st.UpdateChildren(ctx, "records/r1", map[string]interface{}{
		"b":        "replaced",
		"nested/y": int64(2),
		"c/deep":   true,
	})
	if err != nil {
		t.Fatalf("UpdateChildren failed: %v", err)
	}

	got, _, _ := st.Get(ctx, "records/r1")
	want := map[string]interface{}{
		"a": "keep",
		"b": "replaced",
		"nested": map[string]interface{}{
			"x": int64(1),
			"y": int64(2),
		},
		"c": map[string]interface{}{"deep": true},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestMemoryStoreNilDeletesField(t *testing.T) {
	st := NewMemoryStore()
	defer st.Close()
	ctx := context.Background()

	st.Set(ctx, "records/r1", map[string]interface{}{
		"a": "x",
		"b": "y",
	})
	if err := st.UpdateChildren(ctx, "records/r1", map[string]interface{}{"b": nil}); err != nil {
		t.Fatalf("UpdateChildren failed: %v", err)
	}

	got, _, _ := st.Get(ctx, "records/r1")
	if _, present := got.(map[string]interface{})["b"]; present {
		t.Error("nil update should delete the field")
	}
	if got.(map[string]interface{})["a"] != "x" {
		t.Error("sibling field must survive")
	}
}

func TestMemoryStoreRemove(t *testing.T) {
	st := NewMemoryStore()
	defer st.Close()
	ctx := context.Background()

	st.Set(ctx, "records/r1", map[string]interface{}{"a": "x", "b": "y"})

	// Field removal
	if err := st.Remove(ctx, "records/r1/a"); err != nil {
		t.Fatalf("field Remove failed: %v", err)
	}
	if _, ok, _ := st.Get(ctx, "records/r1/a"); ok {
		t.Error("removed field still present")
	}
	if _, ok, _ := st.Get(ctx, "records/r1"); !ok {
		t.Error("record should survive field removal")
	}

	// Record removal
	if err := st.Remove(ctx, "records/r1"); err != nil {
		t.Fatalf("record Remove failed: %v", err)
	}
	if _, ok, _ := st.Get(ctx, "records/r1"); ok {
		t.Error("removed record still present")
	}
}

func TestNewPushIDUniqueness(t *testing.T) {
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		id := NewPushID()
		if seen[id] {
			t.Fatalf("duplicate push id %q", id)
		}
		seen[id] = true
	}
}

func TestNewPushIDOrderingAcrossTime(t *testing.T) {
	// Ids minted in different milliseconds must sort in mint order. Within
	// one millisecond the random suffix decides and order is unspecified.
	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		ids = append(ids, NewPushID())
		time.Sleep(3 * time.Millisecond)
	}
	if !sort.StringsAreSorted(ids) {
		t.Errorf("push ids not time-ordered: %v", ids)
	}
}

func TestMemoryStoreObserve(t *testing.T) {
	st := NewMemoryStore()
	defer st.Close()
	ctx := context.Background()

	st.Set(ctx, "records/r1", map[string]interface{}{"v": int64(1)})

	sub, err := st.Observe("records/r1")
	if err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	defer sub.Cancel()

	// Existing value is delivered immediately.
	select {
	case v := <-sub.C:
		if v.(map[string]interface{})["v"] != int64(1) {
			t.Errorf("primed value wrong: %+v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("primed value never delivered")
	}

	st.Set(ctx, "records/r1/v", int64(2))
	select {
	case v := <-sub.C:
		if v.(map[string]interface{})["v"] != int64(2) {
			t.Errorf("update wrong: %+v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("update never delivered")
	}

	// Removal arrives as a nil tombstone.
	st.Remove(ctx, "records/r1")
	select {
	case v := <-sub.C:
		if v != nil {
			t.Errorf("expected nil tombstone, got %+v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("tombstone never delivered")
	}
}

func TestMemoryStoreObserveCancelStopsDelivery(t *testing.T) {
	st := NewMemoryStore()
	defer st.Close()
	ctx := context.Background()

	sub, err := st.Observe("records/r1")
	if err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	sub.Cancel()

	if _, ok := <-sub.C; ok {
		t.Error("channel should be closed after cancel")
	}
	// Writes after cancel must not panic.
	st.Set(ctx, "records/r1", map[string]interface{}{"v": int64(1)})
}

func TestMemoryStoreObserveChildren(t *testing.T) {
	st := NewMemoryStore()
	defer st.Close()
	ctx := context.Background()

	st.Set(ctx, "logs/l1", map[string]interface{}{
		"m1": map[string]interface{}{"text": "first"},
		"m2": map[string]interface{}{"text": "second"},
	})

	sub, err := st.ObserveChildren("logs/l1", 10)
	if err != nil {
		t.Fatalf("ObserveChildren failed: %v", err)
	}
	defer sub.Cancel()

	// Existing children replay as additions.
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.C:
			if ev.Kind != ChildAdded {
				t.Fatalf("replay event kind %v", ev.Kind)
			}
			seen[ev.Key] = true
		case <-time.After(time.Second):
			t.Fatal("replay incomplete")
		}
	}
	if !seen["m1"] || !seen["m2"] {
		t.Fatalf("replay keys wrong: %v", seen)
	}

	// New child
	st.Set(ctx, "logs/l1/m3", map[string]interface{}{"text": "third"})
	select {
	case ev := <-sub.C:
		if ev.Kind != ChildAdded || ev.Key != "m3" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("addition never delivered")
	}

	// Changed child
	st.Set(ctx, "logs/l1/m3/text", "edited")
	select {
	case ev := <-sub.C:
		if ev.Kind != ChildChanged || ev.Key != "m3" {
			t.Fatalf("unexpected event %+v", ev)
		}
		if ev.Value["text"] != "edited" {
			t.Errorf("changed value wrong: %+v", ev.Value)
		}
	case <-time.After(time.Second):
		t.Fatal("change never delivered")
	}

	// Removed child
	st.Remove(ctx, "logs/l1/m1")
	select {
	case ev := <-sub.C:
		if ev.Kind != ChildRemoved || ev.Key != "m1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("removal never delivered")
	}
}

func TestMemoryStoreObserveChildrenLimit(t *testing.T) {
	st := NewMemoryStore()
	defer st.Close()
	ctx := context.Background()

	// Keys sort lexicographically; the limit keeps only the last two.
	st.Set(ctx, "logs/l1", map[string]interface{}{
		"a": map[string]interface{}{"n": int64(1)},
		"b": map[string]interface{}{"n": int64(2)},
		"c": map[string]interface{}{"n": int64(3)},
	})

	sub, err := st.ObserveChildren("logs/l1", 2)
	if err != nil {
		t.Fatalf("ObserveChildren failed: %v", err)
	}
	defer sub.Cancel()

	var keys []string
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.C:
			keys = append(keys, ev.Key)
		case <-time.After(time.Second):
			t.Fatal("replay incomplete")
		}
	}
	sort.Strings(keys)
	if !reflect.DeepEqual(keys, []string{"b", "c"}) {
		t.Errorf("limited replay keys: %v", keys)
	}
}

func TestMemoryStoreIsolation(t *testing.T) {
	st := NewMemoryStore()
	defer st.Close()
	ctx := context.Background()

	doc := map[string]interface{}{"a": "original"}
	st.Set(ctx, "records/r1", doc)

	// Mutating the caller's map after Set must not reach the store.
	doc["a"] = "mutated"
	got, _, _ := st.Get(ctx, "records/r1")
	if got.(map[string]interface{})["a"] != "original" {
		t.Error("store shares memory with caller's write")
	}

	// Mutating a read result must not reach the store either.
	got.(map[string]interface{})["a"] = "mutated again"
	fresh, _, _ := st.Get(ctx, "records/r1")
	if fresh.(map[string]interface{})["a"] != "original" {
		t.Error("store shares memory with caller's read")
	}
}

func TestObserveSlowConsumerSeesNewestValue(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	sub, err := s.Observe("records/r1")
	if err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	defer sub.Cancel()

	// Nobody reads while far more updates arrive than the buffer holds.
	for i := 1; i <= 100; i++ {
		if err := s.Set(ctx, "records/r1/v", int64(i)); err != nil {
			t.Fatalf("Set %d failed: %v", i, err)
		}
	}

	var last interface{}
drain:
	for {
		select {
		case v := <-sub.C:
			last = v
		default:
			break drain
		}
	}

	doc, ok := last.(map[string]interface{})
	if !ok {
		t.Fatalf("expected a document, got %T", last)
	}
	if got := doc["v"]; got != int64(100) {
		t.Errorf("stale value delivered: got %v, want 100", got)
	}
}
