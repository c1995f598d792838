// Package cachekey implements the canonical, versioned byte encoding for
// (ImageId, ProcessingParams) tuples described in spec §4.2.
//
// Layout (all integers big-endian):
//
//	version(1) | id_len(2) | id_bytes(id_len) | width_tag(1) [width(4)] |
//	height_tag(1) [height(4)] | ratio_policy(1) | output_format(1)
//
// width_tag/height_tag: 0 = unset (no value bytes follow), 1 = present.
package cachekey

import (
	"encoding/binary"
	"fmt"

	"github.com/Skryldev/imgproxy-core/internal/apperrors"
	"github.com/Skryldev/imgproxy-core/internal/imagespec"
)

// Version is the current codec format version. Bumping it invalidates all
// previously-encoded keys; they become unreachable and are lazily purged
// on the next persistent-tier iteration (spec §4.2 upgrade policy).
const Version byte = 1

const (
	dimUnset byte = 0
	dimSet   byte = 1
)

// EncodeOriginal produces the canonical key for an Original: just the id,
// under the same version prefix so a format bump invalidates both tiers
// uniformly.
func EncodeOriginal(id imagespec.ImageId) []byte {
	idb := []byte(id.Raw)
	buf := make([]byte, 0, 1+2+len(idb))
	buf = append(buf, Version)
	buf = appendUint16Prefixed(buf, idb)
	return buf
}

// EncodeVariant produces the canonical VariantKey bytes for (id, params).
// Equal (id, params) pairs always produce byte-identical output regardless
// of how the request's query parameters were ordered, because encoding
// happens only after Params has been normalized (imagespec.Params has no
// concept of parameter order).
func EncodeVariant(id imagespec.ImageId, p imagespec.Params) []byte {
	idb := []byte(id.Raw)
	buf := make([]byte, 0, 1+2+len(idb)+1+4+1+4+1+1)
	buf = append(buf, Version)
	buf = appendUint16Prefixed(buf, idb)
	buf = append(buf, EncodeParams(p)...)
	return buf
}

// EncodeParams produces the canonical byte encoding of a ProcessingParams
// value alone, with no ImageId prefix: the width/height/ratio_policy/
// output_format tail of EncodeVariant's layout. Used wherever callers need
// to key or hash purely on params — e.g. the pipeline's ETag (spec §4.5
// step 5 defines the digest over "the output bytes concatenated with the
// canonical params", not the id).
func EncodeParams(p imagespec.Params) []byte {
	buf := make([]byte, 0, 1+4+1+4+1+1)
	buf = appendDim(buf, p.Width)
	buf = appendDim(buf, p.Height)
	buf = append(buf, byte(p.RatioPolicy))
	buf = append(buf, byte(p.OutputFormat))
	return buf
}

func appendUint16Prefixed(buf []byte, b []byte) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(b)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, b...)
	return buf
}

func appendDim(buf []byte, v int) []byte {
	if v == imagespec.UnsetDim {
		return append(buf, dimUnset)
	}
	var vb [4]byte
	binary.BigEndian.PutUint32(vb[:], uint32(v))
	buf = append(buf, dimSet)
	buf = append(buf, vb[:]...)
	return buf
}

// DecodedVariant is the inverse of EncodeVariant, used by the persistent
// tier to enumerate variants belonging to a given ImageId during startup
// index rebuilds (spec §4.4).
type DecodedVariant struct {
	ImageId imagespec.ImageId
	Params  imagespec.Params
}

// Decode parses a canonical VariantKey. A version mismatch is reported as
// ErrStaleVersion — callers must treat this as a MISS, never an error
// (spec §4.2: "mismatched version at read time means MISS, never error").
func Decode(buf []byte) (DecodedVariant, error) {
	if len(buf) < 1 {
		return DecodedVariant{}, apperrors.New(apperrors.CategoryStorage, "cachekey.decode", apperrors.ErrEmptyInput)
	}
	if buf[0] != Version {
		return DecodedVariant{}, ErrStaleVersion
	}
	r := reader{buf: buf, pos: 1}

	idb, err := r.readUint16Prefixed()
	if err != nil {
		return DecodedVariant{}, err
	}
	width, err := r.readDim()
	if err != nil {
		return DecodedVariant{}, err
	}
	height, err := r.readDim()
	if err != nil {
		return DecodedVariant{}, err
	}
	ratio, err := r.readByte()
	if err != nil {
		return DecodedVariant{}, err
	}
	format, err := r.readByte()
	if err != nil {
		return DecodedVariant{}, err
	}

	return DecodedVariant{
		ImageId: imagespec.ImageId{Raw: string(idb)},
		Params: imagespec.Params{
			Width:        width,
			Height:       height,
			RatioPolicy:  imagespec.RatioPolicy(ratio),
			OutputFormat: imagespec.Format(format),
		},
	}, nil
}

// ErrStaleVersion indicates the key was encoded under a format version this
// binary no longer understands. Treat as a cache miss.
var ErrStaleVersion = fmt.Errorf("cachekey: stale format version")

type reader struct {
	buf []byte
	pos int
}

func (r *reader) readByte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, apperrors.New(apperrors.CategoryStorage, "cachekey.decode", apperrors.ErrEmptyInput)
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) readUint16Prefixed() ([]byte, error) {
	if r.pos+2 > len(r.buf) {
		return nil, apperrors.New(apperrors.CategoryStorage, "cachekey.decode", apperrors.ErrEmptyInput)
	}
	n := int(binary.BigEndian.Uint16(r.buf[r.pos:]))
	r.pos += 2
	if r.pos+n > len(r.buf) {
		return nil, apperrors.New(apperrors.CategoryStorage, "cachekey.decode", apperrors.ErrEmptyInput)
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *reader) readDim() (int, error) {
	tag, err := r.readByte()
	if err != nil {
		return 0, err
	}
	if tag == dimUnset {
		return imagespec.UnsetDim, nil
	}
	if r.pos+4 > len(r.buf) {
		return 0, apperrors.New(apperrors.CategoryStorage, "cachekey.decode", apperrors.ErrEmptyInput)
	}
	v := int(binary.BigEndian.Uint32(r.buf[r.pos:]))
	r.pos += 4
	return v, nil
}
