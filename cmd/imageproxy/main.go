package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/Skryldev/imgproxy-core/hooks"
	"github.com/Skryldev/imgproxy-core/internal/config"
	"github.com/Skryldev/imgproxy-core/internal/coordinator"
	"github.com/Skryldev/imgproxy-core/internal/httpapi"
	"github.com/Skryldev/imgproxy-core/internal/origin"
	"github.com/Skryldev/imgproxy-core/internal/originals"
	"github.com/Skryldev/imgproxy-core/internal/persist"
	"github.com/Skryldev/imgproxy-core/internal/pipeline"
	"github.com/Skryldev/imgproxy-core/internal/store"
	"github.com/Skryldev/imgproxy-core/internal/variants"
)

func main() {
	logger := hooks.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config.invalid", "err", err)
		os.Exit(1)
	}

	pipeline.Startup()
	defer pipeline.Shutdown()

	persister := persist.New(cfg.PersistInterval, logger)

	originalsBackend, closeOriginals, err := buildBackend(cfg.StorageImplementation, cfg.StorageCacheSize, cfg.PersistentStorageDir, "originals", persister, "originals")
	if err != nil {
		logger.Error("storage.init_failed", "tier", "originals", "err", err)
		os.Exit(1)
	}
	defer closeOriginals()

	variantsBackend, closeVariants, err := buildBackend(cfg.ProcessingCacheImplementation, cfg.ProcessingCacheSize, cfg.PersistentStorageDir, "variants", persister, "variants")
	if err != nil {
		logger.Error("storage.init_failed", "tier", "variants", "err", err)
		os.Exit(1)
	}
	defer closeVariants()

	originalsCache := originals.New(originalsBackend)
	variantsCache := variants.New(variantsBackend, cfg.MaxOptionsPerImage, variants.ParseOverflowPolicy(cfg.MaxOptionsPerImageOverflowPolicy))

	if cfg.ProcessingCacheImplementation == config.Persistent {
		if err := variantsCache.RebuildIndex(context.Background()); err != nil {
			logger.Warn("variants.rebuild_index_failed", "err", err)
		}
	}

	fetcher := origin.New(origin.Config{
		BaseURL:        cfg.BaseFileAPIURL,
		Timeout:        cfg.OriginFetchTimeout,
		MaxOriginBytes: cfg.MaxOriginalBytes,
	})

	coord := coordinator.New(originalsCache, variantsCache, fetcher, pipeline.Config{
		MaxOutputDim:   cfg.MaxOutputDim,
		DefaultQuality: 85,
	}, logger)

	persister.Start()
	defer persister.Stop()

	srv := httpapi.New(coord, originalsCache, httpapi.Config{
		APIKey:         cfg.APIKey,
		MaxOutputDim:   cfg.MaxOutputDim,
		ClientCacheTTL: cfg.ClientCacheTTL,
		Diagnostics: func() httpapi.Diagnostics {
			return httpapi.Diagnostics{
				OriginalsLen: originalsCache.Len(),
				VariantsLen:  variantsCache.Len(),
			}
		},
	}, logger)

	httpServer := &http.Server{
		Addr:    cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Handler: srv,
	}

	go func() {
		logger.Debug("http.listen", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http.serve_failed", "err", err)
		}
	}()

	waitForShutdownSignal()
	logger.Debug("shutdown.begin")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("http.shutdown_error", "err", err)
	}
}

// buildBackend constructs the requested Storage Backend implementation for
// one cache tier. Persistent tiers get their own SQLite file under
// storageDir and are registered with the shared Persister so their dirty
// sets are flushed on the same background cadence (spec §4.8).
func buildBackend(impl config.StorageImplementation, capacity int, storageDir, tierName string, persister *persist.Persister, flusherName string) (store.Backend, func(), error) {
	if impl != config.Persistent {
		return store.NewLRU(capacity), func() {}, nil
	}

	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, nil, err
	}
	dbPath := filepath.Join(storageDir, tierName+".db")
	p, err := store.OpenPersistent(dbPath, tierName, capacity)
	if err != nil {
		return nil, nil, err
	}
	persister.Register(flusherName, p)
	return p, func() { p.Close() }, nil
}

func waitForShutdownSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}

