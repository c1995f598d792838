package store

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Skryldev/imgproxy-core/internal/apperrors"
)

// Persistent is the on-disk Storage Backend variant (spec §4.1): an
// in-memory hotness index (bounded LRU) layered above a durable SQLite KV.
// Reads are always served from, and writes always applied to, the hot
// index synchronously — this is what makes get reflect every prior put or
// remove within the same process regardless of flush timing. Durability
// across restarts is provided by mirroring dirty keys to the KV, either
// eagerly (when an entry is evicted from the hot index while still dirty)
// or periodically via FlushDirty, driven by the Background Persister
// (internal/persist, spec §4.8).
//
// Capacity is therefore enforced on the hot index only: the on-disk table
// keeps every key that was flushed or evicted while dirty, so it can hold
// more rows than Capacity(). Rows leave the table only through Remove;
// eviction from the hot index never deletes them, which is what lets a
// later Get warm an evicted key back from disk.
type Persistent struct {
	mem *LRU
	kv  *sqliteKV

	mu           sync.Mutex
	dirty        map[string][]byte // keys put since their last write to the KV
	forwardEvict EvictionFunc

	flushErrors atomic.Int64
}

// OpenPersistent opens (creating if absent) a SQLite-backed persistent
// backend at dbPath, using table as the key/value table name, with an
// in-memory hotness index bounded to capacity entries.
func OpenPersistent(dbPath, table string, capacity int) (*Persistent, error) {
	kv, err := openSQLiteKV(dbPath, table)
	if err != nil {
		return nil, err
	}
	p := &Persistent{
		mem:   NewLRU(capacity),
		kv:    kv,
		dirty: make(map[string][]byte),
	}
	p.mem.OnEvict(p.onMemEvict)
	return p, nil
}

// onMemEvict is called synchronously whenever the hot index evicts an
// entry to satisfy capacity. If the entry was still dirty (unflushed), it
// is written through to the KV immediately so eviction never loses data;
// the caller's own registered eviction callback (e.g. the Variants Cache's
// PerIdVariantIndex maintenance) is then forwarded the eviction.
func (p *Persistent) onMemEvict(key []byte, value []byte) {
	k := string(key)
	p.mu.Lock()
	_, wasDirty := p.dirty[k]
	delete(p.dirty, k)
	p.mu.Unlock()

	if wasDirty {
		if err := p.kv.put(context.Background(), key, value); err != nil {
			p.flushErrors.Add(1)
		}
	}
	if p.forwardEvict != nil {
		p.forwardEvict(key, value)
	}
}

// OnEvict registers the caller's eviction callback, forwarded to from
// onMemEvict.
func (p *Persistent) OnEvict(fn EvictionFunc) {
	p.mu.Lock()
	p.forwardEvict = fn
	p.mu.Unlock()
}

func (p *Persistent) Get(ctx context.Context, key []byte) ([]byte, bool) {
	if v, ok := p.mem.Get(ctx, key); ok {
		return v, true
	}
	// Lazy warm from the persistent tier (spec §4.8: "warmed lazily on
	// first get — no eager full load").
	v, ok, err := p.kv.get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	_ = p.mem.Put(ctx, key, v) // warming never marks the entry dirty
	return v, true
}

func (p *Persistent) Put(ctx context.Context, key []byte, value []byte) error {
	if err := p.mem.Put(ctx, key, value); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "store.persistent.put", err)
	}
	p.mu.Lock()
	v := make([]byte, len(value))
	copy(v, value)
	p.dirty[string(key)] = v
	p.mu.Unlock()
	return nil
}

func (p *Persistent) Remove(ctx context.Context, key []byte) error {
	_ = p.mem.Remove(ctx, key)
	p.mu.Lock()
	delete(p.dirty, string(key))
	p.mu.Unlock()
	if err := p.kv.remove(ctx, key); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "store.persistent.remove", err)
	}
	return nil
}

// IterKeys enumerates the full persistent key set (not just the hot
// index), since the persistent tier is the one background scans need to
// walk to rebuild a PerIdVariantIndex (spec §4.2, §4.4, §9).
func (p *Persistent) IterKeys(ctx context.Context) ([][]byte, error) {
	keys, err := p.kv.iterKeys(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, "store.persistent.iter", err)
	}
	return keys, nil
}

func (p *Persistent) Len() int { return p.mem.Len() }

func (p *Persistent) Capacity() int { return p.mem.Capacity() }

// FlushErrors returns the count of per-key flush failures observed so far,
// for operational visibility into degraded-cache mode.
func (p *Persistent) FlushErrors() int64 { return p.flushErrors.Load() }

// FlushDirty writes every currently-dirty key to the persistent tier. It is
// crash-safe at per-key granularity: each key is written independently, so
// a failure partway through leaves already-flushed keys durable and only
// the remainder dirty for the next flush (spec §4.8). Called periodically
// by internal/persist.Persister.
func (p *Persistent) FlushDirty(ctx context.Context) error {
	p.mu.Lock()
	snapshot := make(map[string][]byte, len(p.dirty))
	for k, v := range p.dirty {
		snapshot[k] = v
	}
	p.mu.Unlock()

	var firstErr error
	for k, v := range snapshot {
		if err := p.kv.put(ctx, []byte(k), v); err != nil {
			p.flushErrors.Add(1)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		p.mu.Lock()
		// Only clear if nothing re-dirtied this key since the snapshot.
		if cur, ok := p.dirty[k]; ok && string(cur) == string(v) {
			delete(p.dirty, k)
		}
		p.mu.Unlock()
	}
	return firstErr
}

// Close releases the underlying SQLite connection.
func (p *Persistent) Close() error { return p.kv.close() }
