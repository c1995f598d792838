// Package httpapi implements the HTTP surface (spec §6): GET for image
// retrieval, PUT for preloading an original, and a health endpoint.
package httpapi

import (
	"crypto/subtle"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Skryldev/imgproxy-core/internal/apperrors"
	"github.com/Skryldev/imgproxy-core/internal/coordinator"
	"github.com/Skryldev/imgproxy-core/internal/imagespec"
	"github.com/Skryldev/imgproxy-core/internal/originals"
	"github.com/Skryldev/imgproxy-core/internal/pipeline"
)

// Logger is the minimal structured-logging surface used here.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Diagnostics reports the sizes the health endpoint surfaces (SPEC_FULL.md
// supplemented feature: health-endpoint cache-size diagnostics).
type Diagnostics struct {
	OriginalsLen int
	VariantsLen  int
}

// DiagnosticsFunc is polled fresh on every health request.
type DiagnosticsFunc func() Diagnostics

// Server wires the Request Coordinator and Originals Cache to net/http's
// ServeMux (spec §6 endpoint table), the same minimal-router style the
// teacher uses for everything else in this codebase — no web framework.
type Server struct {
	mux *http.ServeMux

	coord          *coordinator.Coordinator
	originals      *originals.Cache
	apiKey         string
	maxOutputDim   int
	clientCacheTTL time.Duration
	diagnostics    DiagnosticsFunc
	log            Logger
}

// Config bundles the Server's construction-time parameters.
type Config struct {
	APIKey         string
	MaxOutputDim   int
	ClientCacheTTL time.Duration
	Diagnostics    DiagnosticsFunc
}

// New builds a Server and registers its routes.
func New(coord *coordinator.Coordinator, originalsCache *originals.Cache, cfg Config, log Logger) *Server {
	s := &Server{
		coord:          coord,
		originals:      originalsCache,
		apiKey:         cfg.APIKey,
		maxOutputDim:   cfg.MaxOutputDim,
		clientCacheTTL: cfg.ClientCacheTTL,
		diagnostics:    cfg.Diagnostics,
		log:            log,
	}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /", s.handleHealth)
	s.mux.HandleFunc("GET /{id}", s.handleGet)
	s.mux.HandleFunc("PUT /{id}", s.handlePut)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if s.diagnostics == nil {
		io.WriteString(w, `{"status":"ok"}`)
		return
	}
	d := s.diagnostics()
	fmt.Fprintf(w, `{"status":"ok","originals_cached":%d,"variants_cached":%d}`, d.OriginalsLen, d.VariantsLen)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := imagespec.ParseImageId(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	params, err := parseParams(r, s.maxOutputDim)
	if err != nil {
		s.writeError(w, err)
		return
	}

	served, err := s.coord.GetImage(r.Context(), id, params)
	if err != nil {
		// A BadOriginal here means the Origin Fetcher returned bytes the
		// pipeline couldn't decode, not a client-supplied body — spec §7
		// maps that case to 502, unlike the 415 a PUT's own bad body gets.
		if apperrors.IsCategory(err, apperrors.CategoryBadOriginal) {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", served.Format.MIME())
	w.Header().Set("ETag", `"`+served.ETag+`"`)
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(s.clientCacheTTL.Seconds())))
	if inm := r.Header.Get("If-None-Match"); inm == `"`+served.ETag+`"` {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(served.Bytes)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if !apiKeyMatches(r.Header.Get("X-API-Key"), s.apiKey) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	id, err := imagespec.ParseImageId(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<30))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		http.Error(w, "empty body", http.StatusUnsupportedMediaType)
		return
	}

	// Preload insertion validates via the pipeline's decode step before
	// inserting (spec §4.3): an unrecognized body is never cached.
	if err := pipeline.ValidateDecodable(body); err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.originals.Insert(r.Context(), id, originals.Original{
		Bytes:     body,
		FetchedAt: time.Now(),
	}); err != nil {
		s.log.Warn("preload insert failed", "id", id.Raw, "err", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// apiKeyMatches uses a constant-time comparison so X-API-Key checks don't
// leak timing information about the configured secret.
func apiKeyMatches(supplied, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(want)) == 1
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err)
	if status == http.StatusOK {
		// Storage-category failures never surface to the client (spec §7);
		// treat as an internal error here since writeError is only reached
		// for errors that aborted the request.
		status = http.StatusInternalServerError
	}
	http.Error(w, err.Error(), status)
}

func parseParams(r *http.Request, maxOutputDim int) (imagespec.Params, error) {
	q := r.URL.Query()

	width := imagespec.UnsetDim
	if v := q.Get("width"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return imagespec.Params{}, apperrors.New(apperrors.CategoryBadRequest, "parse_params.width", err)
		}
		width = n
	}

	height := imagespec.UnsetDim
	if v := q.Get("height"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return imagespec.Params{}, apperrors.New(apperrors.CategoryBadRequest, "parse_params.height", err)
		}
		height = n
	}

	ratioPolicy, err := imagespec.ParseRatioPolicy(q.Get("ratio_policy"))
	if err != nil {
		return imagespec.Params{}, err
	}

	format, err := imagespec.ParseFormat(q.Get("format"))
	if err != nil {
		return imagespec.Params{}, err
	}

	params := imagespec.Params{Width: width, Height: height, RatioPolicy: ratioPolicy, OutputFormat: format}
	if err := imagespec.Validate(params, maxOutputDim); err != nil {
		return imagespec.Params{}, err
	}
	return params, nil
}
