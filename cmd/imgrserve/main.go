// Copyright 2025 The imgrserve authors.
// SPDX-License-Identifier: Apache-2.0

// imgrserve starts an HTTP server that serves processed images backed by a
// two-tier cache, fetching originals from an upstream file API on miss.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/joho/godotenv"

	"github.com/imgrserve/imgrserve"
	"github.com/imgrserve/imgrserve/cache"
	"github.com/imgrserve/imgrserve/internal/envy"
)

var (
	host    = flag.String("host", "0.0.0.0", "address to listen on")
	port    = flag.Int("port", 3021, "port to listen on")
	apiKey  = flag.String("api-key", "", "shared secret authorizing preloads")
	baseURL = flag.String("base-file-api-url", "", "upstream file API prefix originals are fetched from")

	originFetchTimeout = flag.Duration("origin-fetch-timeout", 30*time.Second, "time limit for a single origin fetch")
	maxOriginalBytes   = flag.Int64("max-original-bytes", imgrserve.DefaultMaxOriginalBytes, "maximum size of an original image")

	storageImpl      = flag.String("storage-implementation", "InMemory", "originals cache backend: InMemory | Persistent | Redis | S3")
	processingImpl   = flag.String("processing-cache-implementation", "InMemory", "variants cache backend: InMemory | Persistent | Redis | S3")
	storageSize      = flag.Int("storage-cache-size", 256, "originals cache capacity, in images")
	processingSize   = flag.Int("processing-cache-size", 1024, "variants cache capacity, in variants")
	maxOptions       = flag.Int("max-options-per-image", 32, "maximum distinct processing options cached per image")
	overflowPolicy   = flag.String("max-options-per-image-overflow-policy", "Rewrite", "behaviour at the per-image bound: Restrict | Rewrite")
	maxOutputDim     = flag.Int("max-output-dim", imgrserve.DefaultMaxOutputDim, "upper bound on requested output dimensions")
	clientCacheTTL   = flag.Int("client-cache-ttl", imgrserve.DefaultClientCacheTTL, "Cache-Control max-age, in seconds, for served images")
	persistentDir    = flag.String("persistent-storage-dir", ".imgrserve", "directory for the persistent cache tier")
	persistInterval  = flag.Duration("persist-interval", 60*time.Second, "period between background flushes to persistent storage")
	redisURL         = flag.String("redis-url", "", "redis server URL for Redis backends")
	s3URL            = flag.String("s3-cache-url", "", "s3://region/bucket/prefix URL for S3 backends")
)

func main() {
	// A .env file supplies variables without overriding the real
	// environment.
	godotenv.Load()
	flag.Set("logtostderr", "true")
	envy.Parse("")
	flag.Parse()

	policy, err := imgrserve.ParseOverflowPolicy(*overflowPolicy)
	if err != nil {
		glog.Exitf("error parsing overflow policy: %v", err)
	}

	var flushers []cache.Flusher
	originalsBackend, err := makeBackend(*storageImpl, *storageSize, "storage", &flushers)
	if err != nil {
		glog.Exitf("error creating originals backend: %v", err)
	}
	variantsBackend, err := makeBackend(*processingImpl, *processingSize, "processing", &flushers)
	if err != nil {
		glog.Exitf("error creating variants backend: %v", err)
	}

	var fetcher *imgrserve.Fetcher
	if *baseURL != "" {
		fetcher = imgrserve.NewFetcher(*baseURL, *originFetchTimeout, *maxOriginalBytes)
	}

	p := imgrserve.NewProxy(
		imgrserve.NewOriginals(originalsBackend),
		imgrserve.NewVariants(variantsBackend, *maxOptions, policy),
		fetcher,
	)
	p.APIKey = *apiKey
	p.MaxOutputDim = *maxOutputDim
	p.ClientCacheTTL = *clientCacheTTL

	persister := cache.NewPersister(*persistInterval, flushers...)
	persister.Start()

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", *host, *port),
		Handler: p.Handler(),

		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- server.ListenAndServe() }()
	glog.Infof("imgrserve listening on %s", server.Addr)

	select {
	case err := <-errc:
		persister.Stop()
		glog.Exitf("server error: %v", err)
	case <-ctx.Done():
	}

	glog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("error shutting down server: %v", err)
	}
	// Final flush so preloaded images survive the restart.
	persister.Stop()
}

// makeBackend constructs the backend named by impl.  Persistent backends
// get a memory tier mirrored to a diskv store under persistent-storage-dir
// and register for background flushing.
func makeBackend(impl string, size int, subdir string, flushers *[]cache.Flusher) (cache.Backend, error) {
	switch strings.ToLower(impl) {
	case "inmemory":
		return cache.NewMemory(size), nil
	case "persistent":
		disk, err := cache.NewDisk(filepath.Join(*persistentDir, subdir), size)
		if err != nil {
			return nil, err
		}
		m := cache.NewMirrored(cache.NewMemory(size), disk)
		*flushers = append(*flushers, m)
		return m, nil
	case "redis":
		if *redisURL == "" {
			return nil, fmt.Errorf("Redis backend requires REDIS_URL")
		}
		return cache.NewRedis(*redisURL, os.Getenv("REDIS_PASSWORD"), size)
	case "s3":
		if *s3URL == "" {
			return nil, fmt.Errorf("S3 backend requires S3_CACHE_URL")
		}
		return cache.NewS3(*s3URL, size)
	default:
		return nil, fmt.Errorf("unknown storage implementation %q", impl)
	}
}
