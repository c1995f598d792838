package variants

import (
	"context"
	"sync"
	"testing"

	"github.com/Skryldev/imgproxy-core/internal/apperrors"
	"github.com/Skryldev/imgproxy-core/internal/imagespec"
	"github.com/Skryldev/imgproxy-core/internal/store"
)

func paramsWithWidth(w int) imagespec.Params {
	return imagespec.Params{Width: w, Height: imagespec.UnsetDim, RatioPolicy: imagespec.RatioResize, OutputFormat: imagespec.FormatWebP}
}

// TestRestrictOverflow mirrors scenario S1: MAX_OPTIONS_PER_IMAGE=2, Restrict.
// A third distinct variant for the same id must fail with ErrVariantOverflow
// and leave the per-id count at 2.
func TestRestrictOverflow(t *testing.T) {
	ctx := context.Background()
	backend := store.NewLRU(4)
	c := New(backend, 2, Restrict)
	id := imagespec.ImageId{Raw: "a"}

	for _, w := range []int{100, 200} {
		if err := c.Insert(ctx, id, paramsWithWidth(w), Variant{Bytes: []byte("x")}); err != nil {
			t.Fatalf("insert width=%d: %v", w, err)
		}
	}
	if got := c.CountForID(id); got != 2 {
		t.Fatalf("CountForID = %d, want 2", got)
	}

	err := c.Insert(ctx, id, paramsWithWidth(300), Variant{Bytes: []byte("y")})
	if !apperrors.IsCategory(err, apperrors.CategoryOverflow) {
		t.Fatalf("expected CategoryOverflow, got %v", err)
	}
	if got := c.CountForID(id); got != 2 {
		t.Fatalf("CountForID after rejected insert = %d, want 2 (unchanged)", got)
	}

	// A fourth identical-to-the-rejected request is expected to reprocess
	// (nothing was cached for it) rather than silently succeed from cache.
	if _, ok := c.Get(ctx, id, paramsWithWidth(300)); ok {
		t.Fatal("rejected variant must not be retrievable from cache")
	}
}

func TestRewriteOverflowEvictsLRUWithinID(t *testing.T) {
	ctx := context.Background()
	backend := store.NewLRU(8)
	c := New(backend, 2, Rewrite)
	id := imagespec.ImageId{Raw: "a"}

	c.Insert(ctx, id, paramsWithWidth(100), Variant{Bytes: []byte("1")})
	c.Insert(ctx, id, paramsWithWidth(200), Variant{Bytes: []byte("2")})
	// width=100 is now LRU within id=a.
	if err := c.Insert(ctx, id, paramsWithWidth(300), Variant{Bytes: []byte("3")}); err != nil {
		t.Fatalf("rewrite insert should succeed: %v", err)
	}

	if got := c.CountForID(id); got != 2 {
		t.Fatalf("CountForID = %d, want 2 (bound still enforced)", got)
	}
	if _, ok := c.Get(ctx, id, paramsWithWidth(100)); ok {
		t.Fatal("width=100 should have been evicted under Rewrite")
	}
	if _, ok := c.Get(ctx, id, paramsWithWidth(300)); !ok {
		t.Fatal("width=300 should be present")
	}
}

func TestPerIdIndexIndependentAcrossIds(t *testing.T) {
	ctx := context.Background()
	backend := store.NewLRU(16)
	c := New(backend, 1, Restrict)

	idA := imagespec.ImageId{Raw: "a"}
	idB := imagespec.ImageId{Raw: "b"}

	if err := c.Insert(ctx, idA, paramsWithWidth(100), Variant{Bytes: []byte("1")}); err != nil {
		t.Fatalf("insert a: %v", err)
	}
	if err := c.Insert(ctx, idB, paramsWithWidth(100), Variant{Bytes: []byte("2")}); err != nil {
		t.Fatalf("insert b should not be bounded by a's count: %v", err)
	}
}

func TestOnGlobalEvictKeepsIndexConsistent(t *testing.T) {
	ctx := context.Background()
	backend := store.NewLRU(1) // global capacity of 1 forces eviction across ids
	c := New(backend, 10, Restrict)

	idA := imagespec.ImageId{Raw: "a"}
	idB := imagespec.ImageId{Raw: "b"}

	if err := c.Insert(ctx, idA, paramsWithWidth(100), Variant{Bytes: []byte("1")}); err != nil {
		t.Fatalf("insert a: %v", err)
	}
	if err := c.Insert(ctx, idB, paramsWithWidth(100), Variant{Bytes: []byte("2")}); err != nil {
		t.Fatalf("insert b: %v", err)
	}

	// Global LRU capacity 1 should have evicted a's entry when b was inserted.
	if got := c.CountForID(idA); got != 0 {
		t.Fatalf("CountForID(a) = %d, want 0 after global eviction", got)
	}
	if got := c.CountForID(idB); got != 1 {
		t.Fatalf("CountForID(b) = %d, want 1", got)
	}
}

// TestConcurrentInsertsForSameIDNeverOverrunBound guards against the
// check-then-act race: many goroutines racing to insert distinct variants
// for the same id, under Restrict, must never leave more than maxPerImage
// entries indexed for that id — each insert either lands inside the bound
// or is rejected with ErrVariantOverflow, never both landing past it.
func TestConcurrentInsertsForSameIDNeverOverrunBound(t *testing.T) {
	ctx := context.Background()
	backend := store.NewLRU(64)
	const maxPerImage = 2
	c := New(backend, maxPerImage, Restrict)
	id := imagespec.ImageId{Raw: "a"}

	const n = 32
	var wg sync.WaitGroup
	wg.Add(n)
	for w := 0; w < n; w++ {
		go func(w int) {
			defer wg.Done()
			c.Insert(ctx, id, paramsWithWidth(100+w), Variant{Bytes: []byte("x")})
		}(w)
	}
	wg.Wait()

	if got := c.CountForID(id); got > maxPerImage {
		t.Fatalf("CountForID = %d, want <= %d (bound overrun under concurrent insert)", got, maxPerImage)
	}
}

func TestRebuildIndex(t *testing.T) {
	ctx := context.Background()
	backend := store.NewLRU(16)
	c := New(backend, 10, Restrict)
	id := imagespec.ImageId{Raw: "a"}

	c.Insert(ctx, id, paramsWithWidth(100), Variant{Bytes: []byte("1")})
	c.Insert(ctx, id, paramsWithWidth(200), Variant{Bytes: []byte("2")})

	fresh := New(backend, 10, Restrict)
	if err := fresh.RebuildIndex(ctx); err != nil {
		t.Fatalf("RebuildIndex: %v", err)
	}
	if got := fresh.CountForID(id); got != 2 {
		t.Fatalf("CountForID after rebuild = %d, want 2", got)
	}
}
