package pipeline

import (
	"testing"

	"github.com/Skryldev/imgproxy-core/internal/cachekey"
	"github.com/Skryldev/imgproxy-core/internal/imagespec"
)

func TestResolveDimensions_IdentityWhenBothUnset(t *testing.T) {
	w, h := resolveDimensions(800, 600, imagespec.UnsetDim, imagespec.UnsetDim, 4096)
	if w != 800 || h != 600 {
		t.Fatalf("got (%d, %d), want (800, 600)", w, h)
	}
}

func TestResolveDimensions_DerivesMissingFromAspectRatio(t *testing.T) {
	w, h := resolveDimensions(800, 400, 400, imagespec.UnsetDim, 4096)
	if w != 400 || h != 200 {
		t.Fatalf("got (%d, %d), want (400, 200)", w, h)
	}

	w, h = resolveDimensions(800, 400, imagespec.UnsetDim, 100, 4096)
	if w != 200 || h != 100 {
		t.Fatalf("got (%d, %d), want (200, 100)", w, h)
	}
}

func TestResolveDimensions_ClampsToMax(t *testing.T) {
	w, h := resolveDimensions(100, 100, 5000, 5000, 4096)
	if w != 4096 || h != 4096 {
		t.Fatalf("got (%d, %d), want clamp to 4096", w, h)
	}
}

func TestClamp(t *testing.T) {
	if v := clamp(0, 4096); v != 1 {
		t.Errorf("clamp(0) = %d, want 1", v)
	}
	if v := clamp(-5, 4096); v != 1 {
		t.Errorf("clamp(-5) = %d, want 1", v)
	}
	if v := clamp(5000, 4096); v != 4096 {
		t.Errorf("clamp(5000, 4096) = %d, want 4096", v)
	}
	if v := clamp(200, 0); v != 200 {
		t.Errorf("clamp with no max should pass through, got %d", v)
	}
}

func TestIsAvif(t *testing.T) {
	avif := []byte{0, 0, 0, 0x1c, 'f', 't', 'y', 'p', 'a', 'v', 'i', 'f', 0, 0, 0, 0}
	jpeg := []byte{0xff, 0xd8, 0xff, 0xe0, 0, 0, 0, 0, 'J', 'F', 'I', 'F'}

	if !isAvif(avif) {
		t.Error("expected AVIF ftyp box to be detected")
	}
	if isAvif(jpeg) {
		t.Error("JPEG bytes should not be detected as AVIF")
	}
	if isAvif([]byte{1, 2, 3}) {
		t.Error("short input should not be detected as AVIF")
	}
}

func TestETag_DeterministicAcrossCalls(t *testing.T) {
	params := imagespec.Params{Width: 200, Height: 100, RatioPolicy: imagespec.RatioResize, OutputFormat: imagespec.FormatWebP}
	encoded := []byte("encoded-bytes")

	a := ETag(encoded, params)
	b := ETag(encoded, params)
	if a != b {
		t.Fatalf("ETag is not deterministic: %q != %q", a, b)
	}
}

func TestETag_DiffersByParams(t *testing.T) {
	encoded := []byte("encoded-bytes")

	a := ETag(encoded, imagespec.Params{Width: 200, Height: imagespec.UnsetDim, OutputFormat: imagespec.FormatWebP})
	b := ETag(encoded, imagespec.Params{Width: 300, Height: imagespec.UnsetDim, OutputFormat: imagespec.FormatWebP})
	if a == b {
		t.Fatal("ETag should differ when params differ")
	}
}

func TestEncodeVariant_NonEmptyForMinimalParams(t *testing.T) {
	// Sanity check that the cache key encoding is non-empty for a minimal
	// width-only params value.
	id := imagespec.ImageId{Raw: "photo"}
	params := imagespec.Params{Width: 1, Height: imagespec.UnsetDim}
	if len(cachekey.EncodeVariant(id, params)) == 0 {
		t.Fatal("sanity: cache key encoding should be non-empty")
	}
}
