// Package coordinator implements the Request Coordinator (spec §4.9): it
// orchestrates the Originals Cache, Variants Cache, both coalescer groups,
// the Origin Fetcher and the Processing Pipeline into the single GetImage
// flow the HTTP layer calls.
//
// The shape follows other_examples' coves ImageProxyService.GetImage:
// check cache, coalesce on miss, fetch-or-reuse the original, run the
// pipeline, best-effort cache the result, serve.
package coordinator

import (
	"context"
	"time"

	"github.com/Skryldev/imgproxy-core/internal/apperrors"
	"github.com/Skryldev/imgproxy-core/internal/cachekey"
	"github.com/Skryldev/imgproxy-core/internal/coalesce"
	"github.com/Skryldev/imgproxy-core/internal/imagespec"
	"github.com/Skryldev/imgproxy-core/internal/originals"
	"github.com/Skryldev/imgproxy-core/internal/pipeline"
	"github.com/Skryldev/imgproxy-core/internal/variants"
)

// Logger is the minimal structured-logging surface the coordinator needs.
// Satisfied by *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Served is what the coordinator hands back to the HTTP layer for a
// successful request: the encoded bytes plus the metadata needed to set
// response headers.
type Served struct {
	Bytes  []byte
	Format imagespec.Format
	ETag   string
}

// Fetcher is the Origin Fetcher surface the coordinator depends on.
// *origin.Fetcher satisfies this; tests substitute a fake to exercise the
// coalescing/caching logic without an HTTP round trip.
type Fetcher interface {
	Fetch(ctx context.Context, id imagespec.ImageId) ([]byte, error)
}

// Coordinator wires together the caches, coalescers, fetcher and pipeline
// to answer GetImage requests (spec §4.9).
type Coordinator struct {
	originals *originals.Cache
	variants  *variants.Cache
	fetcher   Fetcher
	pipeCfg   pipeline.Config

	// process and validate default to pipeline.Process/pipeline.ValidateDecodable;
	// overridable in tests so the coalescing/caching logic can be exercised
	// without govips/libvips.
	process  func([]byte, imagespec.ImageId, imagespec.Params, pipeline.Config) (pipeline.Result, error)
	validate func([]byte) error

	originGroup  *coalesce.Group[string, originals.Original]
	variantGroup *coalesce.Group[string, Served]

	log Logger
}

// New constructs a Coordinator.
func New(originalsCache *originals.Cache, variantsCache *variants.Cache, fetcher Fetcher, pipeCfg pipeline.Config, log Logger) *Coordinator {
	return &Coordinator{
		originals:    originalsCache,
		variants:     variantsCache,
		fetcher:      fetcher,
		pipeCfg:      pipeCfg,
		process:      pipeline.Process,
		validate:     pipeline.ValidateDecodable,
		originGroup:  coalesce.NewGroup[string, originals.Original](),
		variantGroup: coalesce.NewGroup[string, Served](),
		log:          log,
	}
}

// GetImage implements spec §4.9's read path end-to-end: Variants.Get on a
// hit serves directly; on a miss, concurrent requests for the same (id,
// params) coalesce onto a single Leader that resolves the original (via
// its own nested coalescing group, shared across all variants of the same
// id), runs the pipeline, and best-effort inserts into the Variants Cache
// before publishing to every waiter.
func (c *Coordinator) GetImage(ctx context.Context, id imagespec.ImageId, params imagespec.Params) (Served, error) {
	if v, ok := c.variants.Get(ctx, id, params); ok {
		return Served{Bytes: v.Bytes, Format: v.OutputFormat, ETag: v.ETag}, nil
	}

	variantKey := string(cachekey.EncodeVariant(id, params))
	tok := c.variantGroup.Acquire(variantKey)
	if tok.Role() == coalesce.Follower {
		return tok.Wait(ctx)
	}

	// Re-check after winning the race to become Leader: a previous Leader
	// may have inserted and published between our miss and our Acquire.
	if v, ok := c.variants.Get(ctx, id, params); ok {
		served := Served{Bytes: v.Bytes, Format: v.OutputFormat, ETag: v.ETag}
		tok.Publish(coalesce.Result[Served]{Value: served})
		return served, nil
	}

	result, err := c.produceVariant(ctx, id, params)
	if err != nil {
		tok.Publish(coalesce.Result[Served]{Err: err})
		return Served{}, err
	}

	tok.Publish(coalesce.Result[Served]{Value: result})
	return result, nil
}

// produceVariant resolves the original (from cache or origin) and runs the
// pipeline. It is only ever invoked by a variant Leader.
func (c *Coordinator) produceVariant(ctx context.Context, id imagespec.ImageId, params imagespec.Params) (Served, error) {
	orig, err := c.resolveOriginal(ctx, id)
	if err != nil {
		return Served{}, err
	}

	res, err := c.process(orig.Bytes, id, params, c.pipeCfg)
	if err != nil {
		return Served{}, err
	}

	variant := variants.Variant{
		Bytes:        res.Bytes,
		OutputFormat: res.Format,
		ProducedAt:   timeNow(),
		ETag:         res.ETag,
	}
	if insertErr := c.variants.Insert(ctx, id, params, variant); insertErr != nil {
		if apperrors.IsCategory(insertErr, apperrors.CategoryOverflow) {
			c.log.Debug("variant not cached: per-id overflow", "id", id.Raw)
			return Served{Bytes: res.Bytes, Format: res.Format, ETag: res.ETag}, nil
		}
		// Storage failures never fail the response (spec §7): log and serve.
		c.log.Warn("variant cache insert failed", "id", id.Raw, "err", insertErr)
	}
	return Served{Bytes: res.Bytes, Format: res.Format, ETag: res.ETag}, nil
}

// resolveOriginal implements the nested Leader/Follower coalescing for the
// Originals Cache (spec §4.9 step 3): at most one in-flight origin fetch
// per ImageId regardless of how many distinct variant requests are
// waiting on it.
func (c *Coordinator) resolveOriginal(ctx context.Context, id imagespec.ImageId) (originals.Original, error) {
	if o, ok := c.originals.Get(ctx, id); ok {
		return o, nil
	}

	tok := c.originGroup.Acquire(id.Raw)
	if tok.Role() == coalesce.Follower {
		return tok.Wait(ctx)
	}

	// Re-check after winning the race to become Leader: another Leader may
	// have just published and been reaped from the group map.
	if o, ok := c.originals.Get(ctx, id); ok {
		tok.Publish(coalesce.Result[originals.Original]{Value: o})
		return o, nil
	}

	bytes, err := c.fetcher.Fetch(ctx, id)
	if err != nil {
		tok.Publish(coalesce.Result[originals.Original]{Err: err})
		return originals.Original{}, err
	}

	// Validate before inserting: a fetched-but-undecodable original is
	// never cached (spec §7 "the offending original is NOT cached").
	if verr := c.validate(bytes); verr != nil {
		tok.Publish(coalesce.Result[originals.Original]{Err: verr})
		return originals.Original{}, verr
	}

	o := originals.Original{Bytes: bytes, FetchedAt: timeNow()}
	if insertErr := c.originals.Insert(ctx, id, o); insertErr != nil {
		// Storage failure on insert doesn't invalidate the fetch itself;
		// serve the bytes and let the next request re-fetch (spec §7).
		c.log.Warn("original cache insert failed", "id", id.Raw, "err", insertErr)
	}
	tok.Publish(coalesce.Result[originals.Original]{Value: o})
	return o, nil
}

// timeNow is a seam so tests can stub out wall-clock time if needed; this
// codebase has no reason to fake it in production.
var timeNow = func() time.Time { return time.Now() }
