// Package persist implements the Background Persister (spec §4.8): a
// single worker that periodically flushes dirty in-memory state to the
// persistent companion of each mirrored Storage Backend.
//
// Lifecycle modeled on the teacher's core.Processor worker pool
// (Start/Stop backed by a shutdown channel and sync.WaitGroup).
package persist

import (
	"context"
	"sync"
	"time"

	"github.com/Skryldev/imgproxy-core/internal/apperrors"
)

// Flusher is implemented by any backend that accumulates dirty writes in
// memory and can flush them to a durable companion. store.Persistent
// satisfies this.
type Flusher interface {
	FlushDirty(ctx context.Context) error
}

// Logger is the minimal structured logging interface used across this
// module, satisfied by a *slog.Logger wrapper (see cmd/imageproxy).
type Logger interface {
	Debug(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)
}

// Persister periodically flushes a set of registered Flushers.
type Persister struct {
	interval time.Duration
	logger   Logger
	flushers []namedFlusher

	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

type namedFlusher struct {
	name string
	f    Flusher
}

// New creates a Persister that wakes every interval. A zero or negative
// interval falls back to the spec's documented default of 60s.
func New(interval time.Duration, logger Logger) *Persister {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Persister{
		interval: interval,
		logger:   logger,
		shutdown: make(chan struct{}),
	}
}

// Register adds a Flusher to be flushed on every tick. Must be called
// before Start.
func (p *Persister) Register(name string, f Flusher) {
	p.flushers = append(p.flushers, namedFlusher{name: name, f: f})
}

// Start launches the background flush loop. Idempotent.
func (p *Persister) Start() {
	p.once.Do(func() {
		p.wg.Add(1)
		go p.run()
	})
}

// Stop signals the flush loop to exit, performs one final flush, and waits
// for it to return.
func (p *Persister) Stop() {
	close(p.shutdown)
	p.wg.Wait()
}

func (p *Persister) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.flushAll()
		case <-p.shutdown:
			p.flushAll()
			return
		}
	}
}

func (p *Persister) flushAll() {
	ctx := context.Background()
	for _, nf := range p.flushers {
		if err := nf.f.FlushDirty(ctx); err != nil {
			wrapped := apperrors.Wrap(apperrors.CategoryStorage, "persist.flush", err)
			if p.logger != nil {
				p.logger.Warn("persist.flush_failed", "backend", nf.name, "error", wrapped.Error())
			}
			continue
		}
		if p.logger != nil {
			p.logger.Debug("persist.flush_ok", "backend", nf.name)
		}
	}
}
