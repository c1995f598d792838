// Package variants implements the Variants Cache (spec §4.4): a
// store.Backend wrapper plus a PerIdVariantIndex enforcing a bound on the
// number of distinct ProcessingParams cached per ImageId.
package variants

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Skryldev/imgproxy-core/internal/apperrors"
	"github.com/Skryldev/imgproxy-core/internal/cachekey"
	"github.com/Skryldev/imgproxy-core/internal/imagespec"
	"github.com/Skryldev/imgproxy-core/internal/store"
)

// OverflowPolicy governs what happens when an insert would exceed
// MaxPerImage for the target ImageId (spec §4.4).
type OverflowPolicy uint8

const (
	// Restrict rejects the insert (apperrors.ErrVariantOverflow); the caller still serves
	// the freshly-computed bytes to the client, just without caching them.
	Restrict OverflowPolicy = iota
	// Rewrite evicts the least-recently-used variant of the same ImageId
	// to make room, then inserts.
	Rewrite
)

// ParseOverflowPolicy parses the MAX_OPTIONS_PER_IMAGE_OVERFLOW_POLICY
// environment value.
func ParseOverflowPolicy(s string) OverflowPolicy {
	if strings.EqualFold(s, "Rewrite") {
		return Rewrite
	}
	return Restrict
}

// Variant is the immutable record stored for a processed (id, params) pair.
type Variant struct {
	Bytes        []byte
	OutputFormat imagespec.Format
	ProducedAt   time.Time
	ETag         string
}

// Cache wraps a store.Backend with the VariantKey domain and enforces the
// per-id variant bound via an in-memory PerIdVariantIndex kept consistent
// with both explicit inserts/evictions and backend-driven global LRU
// evictions (spec §4.4, §9).
type Cache struct {
	backend        store.Backend
	maxPerImage    int
	overflowPolicy OverflowPolicy

	mu    sync.Mutex
	index map[string]*idEntry // ImageId.Raw -> that id's variant set

	// insertMu guards insertLocks itself; insertLocks holds one *sync.Mutex
	// per ImageId ever inserted, used to serialize the whole
	// check-bound -> evict/reject -> put -> index-update sequence in
	// Insert for a single id (spec §4.4, §8 property 3). It is deliberately
	// separate from mu: Insert holds an id's lock across a call to
	// c.backend.Put, and Put can synchronously fire onGlobalEvict, which
	// itself needs mu — nesting both under the same mutex would deadlock.
	// Entries are never removed, so memory grows with the number of
	// distinct ImageIds ever seen, not with live variant count; each entry
	// is a few words, an acceptable tradeoff against the alternative of
	// unsafely tearing down a lock a waiter might still be about to acquire.
	insertMu    sync.Mutex
	insertLocks map[string]*sync.Mutex
}

// idEntry tracks, for one ImageId, the set of cached VariantKeys in
// recency order (front = most recently used), so Rewrite can find the
// LRU-within-id entry in O(1).
type idEntry struct {
	order *list.List            // of variantKeyStr
	elems map[string]*list.Element
}

func newIDEntry() *idEntry {
	return &idEntry{order: list.New(), elems: make(map[string]*list.Element)}
}

// New creates a Variants Cache over backend, bounding each ImageId to
// maxPerImage distinct ProcessingParams under the given overflow policy.
func New(backend store.Backend, maxPerImage int, policy OverflowPolicy) *Cache {
	c := &Cache{
		backend:        backend,
		maxPerImage:    maxPerImage,
		overflowPolicy: policy,
		index:          make(map[string]*idEntry),
		insertLocks:    make(map[string]*sync.Mutex),
	}
	backend.OnEvict(c.onGlobalEvict)
	return c
}

// Get looks up the variant for (id, params). A hit promotes recency both
// in the underlying backend (handled by the backend itself) and within
// the per-id index, so Rewrite-policy eviction reflects actual access
// patterns, not just insertion order.
func (c *Cache) Get(ctx context.Context, id imagespec.ImageId, p imagespec.Params) (Variant, bool) {
	key := cachekey.EncodeVariant(id, p)
	raw, ok := c.backend.Get(ctx, key)
	if !ok {
		return Variant{}, false
	}
	c.touch(id.Raw, string(key))
	return decodeVariant(raw), true
}

// lockByID returns the per-id mutex for idRaw, creating it on first use.
// Callers must call the returned unlock func exactly once.
func (c *Cache) lockByID(idRaw string) (unlock func()) {
	c.insertMu.Lock()
	l, ok := c.insertLocks[idRaw]
	if !ok {
		l = &sync.Mutex{}
		c.insertLocks[idRaw] = l
	}
	c.insertMu.Unlock()

	l.Lock()
	return l.Unlock
}

// Insert stores a Variant for (id, params), enforcing MaxPerImage. Under
// Restrict, an insert that would exceed the bound returns
// apperrors.ErrVariantOverflow wrapped as CategoryOverflow and stores
// nothing; the caller must still serve the computed bytes directly (spec
// §4.4, §7). Under Rewrite, the LRU variant of the same id is evicted
// first.
//
// The whole check-bound -> evict/reject -> put -> index-update sequence
// runs under a single per-id lock (lockByID), not just the index
// bookkeeping: two concurrent Inserts for the same id but different
// ProcessingParams (e.g. concurrent GET ?width=100 and ?width=200) would
// otherwise both observe the bound as not-yet-exceeded and both proceed,
// overrunning MAX_OPTIONS_PER_IMAGE (spec §8 property 3).
func (c *Cache) Insert(ctx context.Context, id imagespec.ImageId, p imagespec.Params, v Variant) error {
	unlock := c.lockByID(id.Raw)
	defer unlock()

	key := cachekey.EncodeVariant(id, p)
	keyStr := string(key)

	c.mu.Lock()
	entry, ok := c.index[id.Raw]
	if !ok {
		entry = newIDEntry()
		c.index[id.Raw] = entry
	}
	_, alreadyPresent := entry.elems[keyStr]

	var evictKey string
	if !alreadyPresent && c.maxPerImage > 0 && entry.order.Len() >= c.maxPerImage {
		switch c.overflowPolicy {
		case Rewrite:
			evictKey = c.evictLRUWithinIDLocked(entry)
		default: // Restrict
			c.mu.Unlock()
			return apperrors.New(apperrors.CategoryOverflow, "variants.insert", apperrors.ErrVariantOverflow)
		}
	}
	c.mu.Unlock()

	if evictKey != "" {
		_ = c.backend.Remove(ctx, []byte(evictKey))
	}

	if err := c.backend.Put(ctx, key, encodeVariant(v)); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "variants.insert", err)
	}

	c.mu.Lock()
	c.indexPutLocked(id.Raw, keyStr)
	c.mu.Unlock()
	return nil
}

// Len reports the number of variants currently resident in the backend
// (global, across all ids).
func (c *Cache) Len() int { return c.backend.Len() }

// CountForID reports the number of variants currently indexed for id —
// used directly by tests asserting the §4.4/§8 bound invariant.
func (c *Cache) CountForID(id imagespec.ImageId) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.index[id.Raw]
	if !ok {
		return 0
	}
	return entry.order.Len()
}

// touch promotes keyStr to most-recently-used within its id's index.
func (c *Cache) touch(idRaw, keyStr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.index[idRaw]
	if !ok {
		return
	}
	if el, ok := entry.elems[keyStr]; ok {
		entry.order.MoveToFront(el)
	}
}

// indexPutLocked records keyStr as the most-recently-used entry for idRaw.
// Caller must hold c.mu.
func (c *Cache) indexPutLocked(idRaw, keyStr string) {
	entry, ok := c.index[idRaw]
	if !ok {
		entry = newIDEntry()
		c.index[idRaw] = entry
	}
	if el, ok := entry.elems[keyStr]; ok {
		entry.order.MoveToFront(el)
		return
	}
	el := entry.order.PushFront(keyStr)
	entry.elems[keyStr] = el
}

// evictLRUWithinIDLocked removes the least-recently-used variant of entry
// from the index, making room for a new insert under the Rewrite policy,
// and returns its key ("" if entry is empty). Caller must hold c.mu and
// must remove the returned key from the backend after releasing c.mu: the
// backend holds its own lock while firing onGlobalEvict, which takes c.mu,
// so calling the backend under c.mu would invert that lock order.
func (c *Cache) evictLRUWithinIDLocked(entry *idEntry) string {
	back := entry.order.Back()
	if back == nil {
		return ""
	}
	keyStr := back.Value.(string)
	entry.order.Remove(back)
	delete(entry.elems, keyStr)
	return keyStr
}

// onGlobalEvict is registered with the backend so that an eviction driven
// by the backend's own global capacity bound (not by this cache's
// per-id logic) also removes the entry from the PerIdVariantIndex — the
// write-through maintenance spec §4.4 requires.
func (c *Cache) onGlobalEvict(key []byte, _ []byte) {
	decoded, err := cachekey.Decode(key)
	if err != nil {
		return // stale-version or corrupt key; nothing to reconcile
	}
	keyStr := string(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.index[decoded.ImageId.Raw]
	if !ok {
		return
	}
	if el, ok := entry.elems[keyStr]; ok {
		entry.order.Remove(el)
		delete(entry.elems, keyStr)
	}
	if entry.order.Len() == 0 {
		delete(c.index, decoded.ImageId.Raw)
	}
}

// RebuildIndex walks the backend's full key set (the persistent tier's
// IterKeys, per spec §4.2) and repopulates the PerIdVariantIndex. Call
// once at startup when backing a Variants Cache with a persistent backend
// that survived a restart (spec §4.4: "rebuilt on startup by a full
// persistent scan").
func (c *Cache) RebuildIndex(ctx context.Context) error {
	keys, err := c.backend.IterKeys(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "variants.rebuild_index", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index = make(map[string]*idEntry)
	for _, k := range keys {
		decoded, err := cachekey.Decode(k)
		if err != nil {
			continue // stale version, lazily purged elsewhere
		}
		c.indexPutLocked(decoded.ImageId.Raw, string(k))
	}
	return nil
}

func encodeVariant(v Variant) []byte {
	etagb := []byte(v.ETag)
	buf := make([]byte, 0, 1+8+1+len(etagb)+len(v.Bytes))
	buf = append(buf, byte(v.OutputFormat))
	buf = appendInt64(buf, v.ProducedAt.UnixNano())
	buf = append(buf, byte(len(etagb)))
	buf = append(buf, etagb...)
	buf = append(buf, v.Bytes...)
	return buf
}

func decodeVariant(raw []byte) Variant {
	if len(raw) < 10 {
		return Variant{Bytes: raw}
	}
	format := imagespec.Format(raw[0])
	nanos := readInt64(raw[1:9])
	etagLen := int(raw[9])
	if 10+etagLen > len(raw) {
		return Variant{Bytes: raw}
	}
	etag := string(raw[10 : 10+etagLen])
	body := raw[10+etagLen:]
	return Variant{
		Bytes:        body,
		OutputFormat: format,
		ProducedAt:   time.Unix(0, nanos),
		ETag:         etag,
	}
}

func appendInt64(buf []byte, v int64) []byte {
	var b [8]byte
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return append(buf, b[:]...)
}

func readInt64(buf []byte) int64 {
	var v int64
	for i := 0; i < 8; i++ {
		v = (v << 8) | int64(buf[i])
	}
	return v
}
