package store

import (
	"context"
	"path/filepath"
	"testing"
)

// newTestPersistent opens a Persistent backend against a fresh SQLite file
// under a per-test temp directory, mirroring fazt-sh-fazt's
// storage_test.go temp-file setup.
func newTestPersistent(t *testing.T, capacity int) (*Persistent, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	p, err := OpenPersistent(dbPath, "variants", capacity)
	if err != nil {
		t.Fatalf("OpenPersistent: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p, dbPath
}

func TestPersistent_PutGetRoundTripViaHotIndex(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPersistent(t, 8)

	if err := p.Put(ctx, []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok := p.Get(ctx, []byte("k1"))
	if !ok {
		t.Fatal("expected hit from hot index immediately after Put")
	}
	if string(got) != "v1" {
		t.Fatalf("Get = %q, want %q", got, "v1")
	}
}

// TestPersistent_LazyWarmFromDiskAfterMemEviction exercises spec §4.8's
// "warmed lazily on first get, no eager full load": once a flushed key is
// evicted from the in-memory hot index by capacity pressure, a later Get
// must still hit by falling through to the SQLite KV and repopulating the
// hot index.
func TestPersistent_LazyWarmFromDiskAfterMemEviction(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPersistent(t, 1) // capacity 1 forces eviction on the next Put

	if err := p.Put(ctx, []byte("a"), []byte("A")); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if err := p.FlushDirty(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := p.Put(ctx, []byte("b"), []byte("B")); err != nil {
		t.Fatalf("put b: %v", err)
	}
	// "a" was flushed (not dirty) before being evicted by "b", so it must
	// still be retrievable from disk, not lost.
	if p.mem.Len() != 1 {
		t.Fatalf("hot index len = %d, want 1 (capacity-bound)", p.mem.Len())
	}

	got, ok := p.Get(ctx, []byte("a"))
	if !ok {
		t.Fatal("expected lazy warm-from-disk hit for evicted key \"a\"")
	}
	if string(got) != "A" {
		t.Fatalf("Get(a) = %q, want %q", got, "A")
	}
}

// TestPersistent_FlushDirtyIsCrashSafePerKey checks that a successful
// flush clears the dirty set key-by-key (spec §4.8) and that re-flushing
// with nothing dirty is a harmless no-op.
func TestPersistent_FlushDirtyIsCrashSafePerKey(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPersistent(t, 8)

	for _, kv := range [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}} {
		if err := p.Put(ctx, []byte(kv[0]), []byte(kv[1])); err != nil {
			t.Fatalf("put %s: %v", kv[0], err)
		}
	}

	if err := p.FlushDirty(ctx); err != nil {
		t.Fatalf("first flush: %v", err)
	}
	p.mu.Lock()
	dirtyAfterFlush := len(p.dirty)
	p.mu.Unlock()
	if dirtyAfterFlush != 0 {
		t.Fatalf("dirty set after full flush = %d, want 0", dirtyAfterFlush)
	}

	// Flushing again with nothing dirty must be a no-op, not an error.
	if err := p.FlushDirty(ctx); err != nil {
		t.Fatalf("second flush (no-op) returned error: %v", err)
	}

	for _, k := range []string{"a", "b", "c"} {
		if _, ok, err := p.kv.get(ctx, []byte(k)); err != nil || !ok {
			t.Fatalf("kv.get(%s) after flush: ok=%v err=%v", k, ok, err)
		}
	}
}

// TestPersistent_CloseReopenRoundTrip mirrors scenario S6: data written,
// flushed, and the process (here, the Persistent instance) restarted
// against the same on-disk file must still serve the key without ever
// touching an origin.
func TestPersistent_CloseReopenRoundTrip(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "restart.db")

	p1, err := OpenPersistent(dbPath, "originals", 8)
	if err != nil {
		t.Fatalf("OpenPersistent (first): %v", err)
	}
	if err := p1.Put(ctx, []byte("e"), []byte("preloaded-bytes")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := p1.FlushDirty(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := p1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Simulate a process restart: open a brand new Persistent against the
	// same path/table with a cold hot index.
	p2, err := OpenPersistent(dbPath, "originals", 8)
	if err != nil {
		t.Fatalf("OpenPersistent (second): %v", err)
	}
	defer p2.Close()

	got, ok := p2.Get(ctx, []byte("e"))
	if !ok {
		t.Fatal("expected hit after reopening persistent backend against the same file")
	}
	if string(got) != "preloaded-bytes" {
		t.Fatalf("Get(e) after reopen = %q, want %q", got, "preloaded-bytes")
	}
}

func TestPersistent_RemoveClearsHotIndexDirtyAndDisk(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPersistent(t, 8)

	if err := p.Put(ctx, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := p.Remove(ctx, []byte("a")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := p.Get(ctx, []byte("a")); ok {
		t.Fatal("removed key should not be retrievable from hot index")
	}
	if _, ok, err := p.kv.get(ctx, []byte("a")); err != nil || ok {
		t.Fatalf("removed key should not be retrievable from disk either: ok=%v err=%v", ok, err)
	}
}

func TestPersistent_IterKeysEnumeratesPersistedKeys(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPersistent(t, 8)

	for _, k := range []string{"a", "b", "c"} {
		if err := p.Put(ctx, []byte(k), []byte("v")); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	if err := p.FlushDirty(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	keys, err := p.IterKeys(ctx)
	if err != nil {
		t.Fatalf("IterKeys: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("IterKeys returned %d keys, want 3", len(keys))
	}
}
