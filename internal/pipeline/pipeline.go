// Package pipeline implements the Processing Pipeline (spec §4.5): a pure,
// deterministic function from (original bytes, ProcessingParams) to
// (encoded bytes, format, etag). It performs no I/O and is safe to run
// off the request goroutine on a bounded CPU pool (spec §5).
//
// Decode/resize/crop/encode are delegated to libvips via govips, exactly
// as the teacher's adapters/vips/processor.go wires it — the one
// substantive addition is AVIF export, which this spec requires as an
// output format but the teacher never exercised.
package pipeline

import (
	"hash/fnv"
	"runtime"

	govips "github.com/davidbyttow/govips/v2/vips"

	"github.com/Skryldev/imgproxy-core/internal/apperrors"
	"github.com/Skryldev/imgproxy-core/internal/cachekey"
	"github.com/Skryldev/imgproxy-core/internal/imagespec"
)

// Config bounds pipeline behavior.
type Config struct {
	MaxOutputDim   int // clamp on requested/derived width & height
	DefaultQuality int // 1-100, used when no per-request quality is set
}

// Startup initializes libvips. Call once at process start; call Shutdown
// once at process exit. Mirrors the teacher's vips.NewBackend/Shutdown
// lifecycle.
func Startup() {
	govips.Startup(&govips.Config{
		ConcurrencyLevel: runtime.NumCPU(),
		CollectStats:     false,
	})
}

// Shutdown releases libvips resources.
func Shutdown() { govips.Shutdown() }

// Result is the output of a successful Process call.
type Result struct {
	Bytes  []byte
	Format imagespec.Format
	ETag   string
	Width  int
	Height int
}

// ValidateDecodable runs only the decode step (spec §4.5 step 1), without
// resizing or encoding, for callers that must reject unrecognized bytes
// before caching them as an Original: the preload path (spec §4.3) and the
// origin-fetch path (spec §4.7, §7 — "the offending original is NOT
// cached").
func ValidateDecodable(data []byte) error {
	if len(data) == 0 {
		return apperrors.New(apperrors.CategoryBadOriginal, "pipeline.validate", apperrors.ErrEmptyInput)
	}
	if isAvif(data) {
		return apperrors.New(apperrors.CategoryBadOriginal, "pipeline.validate",
			apperrors.New(apperrors.CategoryBadOriginal, "avif_input_unsupported", apperrors.ErrNotFound))
	}
	ref, err := govips.NewImageFromBuffer(data)
	if err != nil {
		return apperrors.New(apperrors.CategoryBadOriginal, "pipeline.validate", err)
	}
	ref.Close()
	return nil
}

// Process runs decode -> dimension resolution -> ratio adjustment ->
// encode -> etag (spec §4.5). It is deterministic: identical originalBytes
// and params always yield identical Result.Bytes and Result.ETag, on any
// machine.
func Process(originalBytes []byte, id imagespec.ImageId, params imagespec.Params, cfg Config) (Result, error) {
	if len(originalBytes) == 0 {
		return Result{}, apperrors.New(apperrors.CategoryBadOriginal, "pipeline.process", apperrors.ErrEmptyInput)
	}
	if isAvif(originalBytes) {
		// AVIF is valid only as an output format (spec §3, §4.5).
		return Result{}, apperrors.New(apperrors.CategoryBadOriginal, "pipeline.decode",
			apperrors.New(apperrors.CategoryBadOriginal, "avif_input_unsupported", apperrors.ErrNotFound))
	}

	ref, err := govips.NewImageFromBuffer(originalBytes)
	if err != nil {
		return Result{}, apperrors.New(apperrors.CategoryBadOriginal, "pipeline.decode", err)
	}
	defer ref.Close()

	ow, oh := ref.Width(), ref.Height()
	tw, th := resolveDimensions(ow, oh, params.Width, params.Height, cfg.MaxOutputDim)

	if tw != ow || th != oh {
		switch params.RatioPolicy {
		case imagespec.RatioCropCenter:
			if err := cropCenterThenResize(ref, ow, oh, tw, th); err != nil {
				return Result{}, apperrors.New(apperrors.CategoryProcessing, "pipeline.crop_center", err)
			}
		default: // RatioResize: stretch directly, aspect may distort.
			if err := ref.ResizeWithVScale(float64(tw)/float64(ow), float64(th)/float64(oh), govips.KernelLanczos3); err != nil {
				return Result{}, apperrors.New(apperrors.CategoryProcessing, "pipeline.resize", err)
			}
		}
	}

	encoded, err := encode(ref, params.OutputFormat, cfg.DefaultQuality)
	if err != nil {
		return Result{}, apperrors.New(apperrors.CategoryProcessing, "pipeline.encode", err)
	}

	return Result{
		Bytes:  encoded,
		Format: params.OutputFormat,
		ETag:   ETag(encoded, params),
		Width:  ref.Width(),
		Height: ref.Height(),
	}, nil
}

// resolveDimensions implements spec §4.5 step 2: if both target dims are
// missing, identity. If only one is present, derive the other preserving
// aspect ratio. Clamp both to [1, maxOutputDim].
func resolveDimensions(ow, oh, tw, th, maxOutputDim int) (int, int) {
	if tw == imagespec.UnsetDim && th == imagespec.UnsetDim {
		return ow, oh
	}
	if tw == imagespec.UnsetDim {
		tw = int(float64(ow) * float64(th) / float64(oh))
	}
	if th == imagespec.UnsetDim {
		th = int(float64(oh) * float64(tw) / float64(ow))
	}
	return clamp(tw, maxOutputDim), clamp(th, maxOutputDim)
}

func clamp(v, max int) int {
	if v < 1 {
		return 1
	}
	if max > 0 && v > max {
		return max
	}
	return v
}

// cropCenterThenResize extracts the largest centered rectangle of aspect
// tw/th out of the source, then resizes that crop to exactly (tw, th)
// (spec §4.5 step 3, CropCenter).
func cropCenterThenResize(ref *govips.ImageRef, ow, oh, tw, th int) error {
	targetRatio := float64(tw) / float64(th)
	srcRatio := float64(ow) / float64(oh)

	var cropW, cropH int
	if srcRatio > targetRatio {
		// Source is relatively wider than target: crop width.
		cropH = oh
		cropW = int(float64(oh) * targetRatio)
	} else {
		cropW = ow
		cropH = int(float64(ow) / targetRatio)
	}
	left := (ow - cropW) / 2
	top := (oh - cropH) / 2

	if err := ref.ExtractArea(left, top, cropW, cropH); err != nil {
		return err
	}
	return ref.ResizeWithVScale(float64(tw)/float64(cropW), float64(th)/float64(cropH), govips.KernelLanczos3)
}

func encode(ref *govips.ImageRef, format imagespec.Format, quality int) ([]byte, error) {
	if quality <= 0 {
		quality = 85
	}
	switch format {
	case imagespec.FormatJPEG:
		ep := govips.NewJpegExportParams()
		ep.Quality = quality
		buf, _, err := ref.ExportJpeg(ep)
		return buf, err
	case imagespec.FormatPNG:
		ep := govips.NewPngExportParams()
		buf, _, err := ref.ExportPng(ep)
		return buf, err
	case imagespec.FormatAvif:
		ep := govips.NewAvifExportParams()
		ep.Quality = quality
		buf, _, err := ref.ExportAvif(ep)
		return buf, err
	default: // WebP, the default format
		ep := govips.NewWebpExportParams()
		ep.Quality = quality
		buf, _, err := ref.ExportWebp(ep)
		return buf, err
	}
}

// isAvif sniffs the ftyp box for an AVIF brand without a full decode, so
// AVIF input can be rejected before govips ever touches it.
func isAvif(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	if string(data[4:8]) != "ftyp" {
		return false
	}
	brand := string(data[8:12])
	return brand == "avif" || brand == "avis"
}

// ETag computes a stable 128-bit digest of the encoded output bytes
// concatenated with the canonical params encoding (spec §4.5 step 5: "a
// digest of the output bytes concatenated with the canonical params" — no
// ImageId), using the standard library's FNV-1a 128-bit hash —
// deterministic across machines and processes, unlike a seeded hash such
// as maphash. Two different ids whose originals happen to encode to the
// same bytes under the same params get the same ETag, matching testable
// property 6, which is stated purely over (orig, params).
func ETag(encoded []byte, params imagespec.Params) string {
	h := fnv.New128a()
	h.Write(encoded)
	h.Write(cachekey.EncodeParams(params))
	sum := h.Sum(nil)
	const hextable = "0123456789abcdef"
	out := make([]byte, len(sum)*2)
	for i, b := range sum {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}
