// Package originals implements the Originals Cache (spec §4.3): a thin
// domain wrapper over a single store.Backend instance, keyed by ImageId.
package originals

import (
	"context"
	"time"

	"github.com/Skryldev/imgproxy-core/internal/apperrors"
	"github.com/Skryldev/imgproxy-core/internal/cachekey"
	"github.com/Skryldev/imgproxy-core/internal/imagespec"
	"github.com/Skryldev/imgproxy-core/internal/store"
)

// Original is the immutable record stored for a fetched or preloaded image.
type Original struct {
	Bytes      []byte
	FetchedAt  time.Time
	SourceMIME string
}

// Cache wraps a store.Backend with the OriginalKey domain (spec §4.3),
// modeled on the teacher's adapters/storage/local.go pattern of a thin
// domain-specific wrapper over a generic backend.
type Cache struct {
	backend store.Backend
}

// New wraps backend as an Originals Cache.
func New(backend store.Backend) *Cache {
	return &Cache{backend: backend}
}

// Get returns the Original for id, or (Original{}, false) on miss.
// Per spec §4.1, Get never fails; storage errors are treated as a miss.
func (c *Cache) Get(ctx context.Context, id imagespec.ImageId) (Original, bool) {
	raw, ok := c.backend.Get(ctx, cachekey.EncodeOriginal(id))
	if !ok {
		return Original{}, false
	}
	return decode(raw), true
}

// Insert stores an Original. Callers (the Request Coordinator's origin-fetch
// Leader path, and the preload handler) must validate bytes via the
// pipeline's decode step before calling Insert — this cache does not
// re-validate.
func (c *Cache) Insert(ctx context.Context, id imagespec.ImageId, o Original) error {
	if err := c.backend.Put(ctx, cachekey.EncodeOriginal(id), encode(o)); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "originals.insert", err)
	}
	return nil
}

// Len reports the number of originals currently resident in the backend.
func (c *Cache) Len() int { return c.backend.Len() }

// encode/decode keep the on-disk/in-memory representation simple: a small
// fixed header (fetch time as unix-nano, source-mime length) followed by
// the mime string and the raw bytes. This mirrors the persisted-layout
// header described in spec §6 ("{format_version, output_format_tag,
// produced_at}") but specialized to Original, which has no output format.
func encode(o Original) []byte {
	mimeb := []byte(o.SourceMIME)
	buf := make([]byte, 0, 8+2+len(mimeb)+len(o.Bytes))
	buf = appendInt64(buf, o.FetchedAt.UnixNano())
	buf = appendUint16(buf, uint16(len(mimeb)))
	buf = append(buf, mimeb...)
	buf = append(buf, o.Bytes...)
	return buf
}

func decode(raw []byte) Original {
	if len(raw) < 10 {
		return Original{Bytes: raw}
	}
	nanos := readInt64(raw)
	mimeLen := int(readUint16(raw[8:]))
	if 10+mimeLen > len(raw) {
		return Original{Bytes: raw}
	}
	mime := string(raw[10 : 10+mimeLen])
	body := raw[10+mimeLen:]
	return Original{
		Bytes:      body,
		FetchedAt:  time.Unix(0, nanos),
		SourceMIME: mime,
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

func appendUint16(buf []byte, v uint16) []byte {
	return append(buf, byte(v>>8), byte(v))
}

func readUint16(buf []byte) uint16 {
	return uint16(buf[0])<<8 | uint16(buf[1])
}
