package store

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestSQLiteStore(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests

	st, err := NewSQLiteStore(path, logger)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return st
}

func TestSQLiteStoreSetGet(t *testing.T) {
	st := newTestSQLiteStore(t, filepath.Join(t.TempDir(), "jam.db"))
	defer st.Close()
	ctx := context.Background()

	doc := map[string]interface{}{
		"title": "hello",
		"n":     float64(3), // numbers come back as float64 after the JSON round-trip
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
}

func TestSQLiteStoreUpdateChildren(t *testing.T) {
	st := newTestSQLiteStore(t, filepath.Join(t.TempDir(), "jam.db"))
	defer st.Close()
	ctx := context.Background()

	st.Set(ctx, "records/r1", map[string]interface{}{"a": "keep", "b": "old"})
	if err := st.UpdateChildren(ctx, "records/r1", map[string]interface{}{
		"b":        "new",
		"nested/x": "deep",
		"gone":     nil,
	}); err != nil {
		t.Fatalf("UpdateChildren failed: %v", err)
	}

	got, _, _ := st.Get(ctx, "records/r1")
	doc := got.(map[string]interface{})
	if doc["a"] != "keep" || doc["b"] != "new" {
		t.Errorf("merge wrong: %+v", doc)
	}
	if doc["nested"].(map[string]interface{})["x"] != "deep" {
		t.Errorf("nested write lost: %+v", doc)
	}
}

func TestSQLiteStoreDurability(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jam.db")
	ctx := context.Background()

	st := newTestSQLiteStore(t, path)
	if err := st.Set(ctx, "records/r1", map[string]interface{}{"v": "persisted"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened := newTestSQLiteStore(t, path)
	defer reopened.Close()

	got, ok, err := reopened.Get(ctx, "records/r1")
	if err != nil || !ok {
		t.Fatalf("record lost across restart: ok=%v err=%v", ok, err)
	}
	if got.(map[string]interface{})["v"] != "persisted" {
		t.Errorf("reopened value wrong: %+v", got)
	}
}

func TestSQLiteStoreRemove(t *testing.T) {
	st := newTestSQLiteStore(t, filepath.Join(t.TempDir(), "jam.db"))
	defer st.Close()
	ctx := context.Background()

	st.Set(ctx, "records/r1", map[string]interface{}{"a": "x"})
	if err := st.Remove(ctx, "records/r1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, ok, _ := st.Get(ctx, "records/r1"); ok {
		t.Error("removed record still present")
	}
}

func TestSQLiteStoreObserve(t *testing.T) {
	st := newTestSQLiteStore(t, filepath.Join(t.TempDir(), "jam.db"))
	defer st.Close()
	ctx := context.Background()

	sub, err := st.Observe("records/r1")
	if err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	defer sub.Cancel()

	st.Set(ctx, "records/r1", map[string]interface{}{"v": "first"})

	select {
	case v := <-sub.C:
		if v.(map[string]interface{})["v"] != "first" {
			t.Errorf("observed value wrong: %+v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("write never observed")
	}
}
