// Package imagespec defines the request-level data model: ImageId and
// ProcessingParams (spec §3), plus the normalization rules the cache key
// codec and pipeline both depend on.
package imagespec

import (
	"path"
	"strings"

	"github.com/Skryldev/imgproxy-core/internal/apperrors"
)

// RatioPolicy selects how source aspect ratio is reconciled with the
// requested target dimensions.
type RatioPolicy uint8

const (
	// RatioResize stretches directly to (width, height), potentially
	// distorting the source aspect ratio. It is the default.
	RatioResize RatioPolicy = iota
	// RatioCropCenter crops the largest centered rectangle of the target
	// aspect ratio out of the source, then resizes to the target.
	RatioCropCenter
)

func (p RatioPolicy) String() string {
	if p == RatioCropCenter {
		return "crop_center"
	}
	return "resize"
}

// ParseRatioPolicy parses the query-string spelling of a ratio policy.
// An empty string yields the default (RatioResize).
func ParseRatioPolicy(s string) (RatioPolicy, error) {
	switch s {
	case "", "resize":
		return RatioResize, nil
	case "crop_center", "cropcenter", "crop-center":
		return RatioCropCenter, nil
	default:
		return 0, apperrors.New(apperrors.CategoryBadRequest, "parse_ratio_policy", apperrors.ErrNotFound)
	}
}

// Format identifies an output codec. AVIF is valid only as an output format.
type Format uint8

const (
	FormatWebP Format = iota
	FormatAvif
	FormatJPEG
	FormatPNG
)

func (f Format) String() string {
	switch f {
	case FormatAvif:
		return "avif"
	case FormatJPEG:
		return "jpeg"
	case FormatPNG:
		return "png"
	default:
		return "webp"
	}
}

// MIME returns the Content-Type for an encoded Format.
func (f Format) MIME() string {
	switch f {
	case FormatAvif:
		return "image/avif"
	case FormatJPEG:
		return "image/jpeg"
	case FormatPNG:
		return "image/png"
	default:
		return "image/webp"
	}
}

// ParseFormat parses the query-string spelling of an output format. An
// empty string yields the default (WebP).
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "webp":
		return FormatWebP, nil
	case "avif":
		return FormatAvif, nil
	case "jpeg", "jpg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	default:
		return 0, apperrors.New(apperrors.CategoryBadRequest, "parse_format", apperrors.ErrNotFound)
	}
}

// UnsetDim is the sentinel representing "dimension not requested." Zero is
// a valid encoded value distinct from "unset" (spec §4.2), so this is a
// value no valid width/height can take.
const UnsetDim = -1

// Params is the normalized (id, params) tuple minus the id. Two logically
// equal requests, regardless of query-parameter order, normalize to an
// identical Params value.
type Params struct {
	Width        int // UnsetDim if absent
	Height       int // UnsetDim if absent
	RatioPolicy  RatioPolicy
	OutputFormat Format
}

// Validate checks Params against the configured maximum output dimension
// and enforces that at least one dimension accompanies a non-identity
// ratio policy.
func Validate(p Params, maxOutputDim int) error {
	if p.Width != UnsetDim && (p.Width <= 0 || p.Width > maxOutputDim) {
		return apperrors.New(apperrors.CategoryBadRequest, "validate_params", apperrors.ErrNotFound)
	}
	if p.Height != UnsetDim && (p.Height <= 0 || p.Height > maxOutputDim) {
		return apperrors.New(apperrors.CategoryBadRequest, "validate_params", apperrors.ErrNotFound)
	}
	if p.RatioPolicy != RatioResize && p.Width == UnsetDim && p.Height == UnsetDim {
		return apperrors.New(apperrors.CategoryBadRequest, "validate_params", apperrors.ErrNotFound)
	}
	return nil
}

// ImageId is an opaque, non-empty identifier extracted from the request
// path. ParseImageId strips a terminal extension (".jpg", ".png", ...),
// which hints at input format but never participates in the cache key.
type ImageId struct {
	Raw string // stripped of extension; the value used for keying
	Ext string // lowercase, no leading dot; "" if none was present
}

// ParseImageId extracts an ImageId from a raw URL path segment.
func ParseImageId(segment string) (ImageId, error) {
	segment = strings.Trim(segment, "/")
	if segment == "" {
		return ImageId{}, apperrors.New(apperrors.CategoryBadRequest, "parse_image_id", apperrors.ErrEmptyInput)
	}
	ext := strings.TrimPrefix(path.Ext(segment), ".")
	raw := strings.TrimSuffix(segment, path.Ext(segment))
	if raw == "" {
		// The whole segment was an extension (e.g. ".jpg"); keep it as-is.
		raw = segment
		ext = ""
	}
	return ImageId{Raw: raw, Ext: strings.ToLower(ext)}, nil
}

func (id ImageId) String() string { return id.Raw }
