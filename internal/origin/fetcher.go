// Package origin implements the Origin Fetcher (spec §4.7): retrieves an
// Original's bytes by ImageId from an upstream HTTP endpoint.
//
// Modeled on fazt-sh-fazt's internal/egress/proxy.go: a plain net/http
// client with a context deadline and a hard-capped body read, no
// dedicated HTTP client library.
package origin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Skryldev/imgproxy-core/internal/apperrors"
	"github.com/Skryldev/imgproxy-core/internal/imagespec"
)

// Config configures the Fetcher.
type Config struct {
	BaseURL        string
	Timeout        time.Duration
	MaxOriginBytes int64
}

// Fetcher retrieves originals over HTTP.
type Fetcher struct {
	cfg    Config
	client *http.Client
}

// New creates a Fetcher. A zero cfg.Timeout defaults to 10s; a zero or
// negative MaxOriginBytes means no size limit is enforced.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Fetcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Fetch retrieves the original bytes for id. Non-2xx upstream responses
// map to OriginNotFound (404) or OriginTransient (everything else);
// responses exceeding MaxOriginBytes map to OriginTooLarge. The returned
// bytes are never interpreted as an image here — that is the pipeline's
// job (spec §4.7).
func (f *Fetcher) Fetch(ctx context.Context, id imagespec.ImageId) ([]byte, error) {
	u := strings.TrimRight(f.cfg.BaseURL, "/") + "/" + url.PathEscape(id.Raw)

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, apperrors.New(apperrors.CategoryOriginRetry, "origin.fetch.build_request", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, apperrors.New(apperrors.CategoryOriginRetry, "origin.fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, apperrors.New(apperrors.CategoryOriginMissing, "origin.fetch", apperrors.ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperrors.New(apperrors.CategoryOriginRetry, "origin.fetch",
			fmt.Errorf("upstream status %d", resp.StatusCode))
	}

	var r io.Reader = resp.Body
	limit := f.cfg.MaxOriginBytes
	if limit > 0 {
		r = io.LimitReader(resp.Body, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, apperrors.New(apperrors.CategoryOriginRetry, "origin.fetch.read", err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, apperrors.New(apperrors.CategoryOriginTooBig, "origin.fetch",
			fmt.Errorf("response exceeds %d bytes", limit))
	}
	return data, nil
}
