// Copyright 2025 The imgrserve authors.
// SPDX-License-Identifier: Apache-2.0

package imgrserve

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Defaults for knobs that are usually set from the environment.
const (
	DefaultMaxOutputDim   = 1920
	DefaultClientCacheTTL = 31536000 // one year, in seconds
)

// Proxy serves image requests from the two cache tiers, fetching and
// processing on miss.
//
// Concurrent requests for the same variant (or the same original) are
// coalesced: one leader does the work and every waiter receives the same
// result.  If the leader fails (including by cancellation), all waiters
// of that attempt receive the leader's error and may retry independently;
// no waiter is promoted.
type Proxy struct {
	Originals *Originals
	Variants  *Variants

	// Fetcher retrieves originals from the upstream file API.  If nil,
	// a cache miss on an original is a not-found.
	Fetcher *Fetcher

	// APIKey is the shared secret required for preloads.
	APIKey string

	// MaxOutputDim bounds output dimensions: larger requested dimensions
	// are rejected as bad requests, and derived ones are clamped to it.
	MaxOutputDim int

	// ClientCacheTTL is the max-age, in seconds, advertised to clients.
	ClientCacheTTL int

	variantFlight singleflight.Group
	originFlight  singleflight.Group

	// cpu bounds concurrent pipeline executions so decoding and encoding
	// stay off the serving goroutines' backs.
	cpu *semaphore.Weighted
}

// NewProxy constructs a new proxy over the given caches and fetcher.
func NewProxy(originals *Originals, variants *Variants, fetcher *Fetcher) *Proxy {
	return &Proxy{
		Originals:      originals,
		Variants:       variants,
		Fetcher:        fetcher,
		MaxOutputDim:   DefaultMaxOutputDim,
		ClientCacheTTL: DefaultClientCacheTTL,
		cpu:            semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0))),
	}
}

// Handler returns the HTTP surface: GET /{id} serves variants,
// PUT /{id} preloads originals, GET / is a health check, and GET /metrics
// exposes Prometheus metrics.
func (p *Proxy) Handler() http.Handler {
	r := mux.NewRouter().SkipClean(true).UseEncodedPath()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/", p.serveHealth).Methods(http.MethodGet)
	r.HandleFunc("/{id:.+}", p.serveImage).Methods(http.MethodGet)
	r.HandleFunc("/{id:.+}", p.servePreload).Methods(http.MethodPut)
	return r
}

func (p *Proxy) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (p *Proxy) serveImage(w http.ResponseWriter, r *http.Request) {
	id, hint, err := requestID(r)
	if err != nil {
		glog.Errorf("invalid image id: %v", err)
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	params, err := ParseParams(r.URL.Query(), p.MaxOutputDim)
	if err != nil {
		glog.Errorf("invalid parameters for %q: %v", id, err)
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	glog.V(1).Infof("request for image %q with %v", id, params)

	v, err := p.getVariant(r.Context(), id, hint, params)
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away; nothing to write.
			return
		}
		glog.Errorf("error serving %q: %v", id, err)
		http.Error(w, err.Error(), errorStatus(err))
		return
	}

	h := w.Header()
	h.Set("Content-Type", v.Format.MimeType())
	h.Set("Content-Length", strconv.Itoa(len(v.Bytes)))
	h.Set("ETag", v.ETag)
	h.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", p.ClientCacheTTL))
	h.Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", id+"."+v.Format.String()))

	if r.Header.Get("If-None-Match") == v.ETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Write(v.Bytes)
}

// getVariant implements the read path: variants cache, then coalesced
// obtain-original plus pipeline run.
func (p *Proxy) getVariant(ctx context.Context, id string, hint Format, params Params) (*Variant, error) {
	key := EncodeVariantKey(id, params)
	if v, ok := p.Variants.Get(key); ok {
		variantCacheHits.Inc()
		return v, nil
	}

	ch := p.variantFlight.DoChan(string(key), func() (interface{}, error) {
		// The winner re-checks before doing the work; a previous leader
		// may have published while this call was queued.
		if v, ok := p.Variants.Get(key); ok {
			variantCacheHits.Inc()
			return v, nil
		}
		orig, err := p.getOriginal(ctx, id, hint)
		if err != nil {
			return nil, err
		}
		return p.process(ctx, orig, key, params)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			coalescedRequests.Inc()
		}
		return res.Val.(*Variant), nil
	case <-ctx.Done():
		// Abandon the wait; the flight continues for other callers.
		return nil, ctx.Err()
	}
}

// getOriginal returns the original bytes for id, fetching from origin at
// most once per id across concurrent callers.
func (p *Proxy) getOriginal(ctx context.Context, id string, hint Format) (*Original, error) {
	if orig, ok := p.Originals.Get(id); ok {
		originalCacheHits.Inc()
		return orig, nil
	}

	ch := p.originFlight.DoChan(id, func() (interface{}, error) {
		if orig, ok := p.Originals.Get(id); ok {
			originalCacheHits.Inc()
			return orig, nil
		}
		if p.Fetcher == nil {
			return nil, fmt.Errorf("%w: no origin configured", ErrOriginNotFound)
		}
		originFetches.Inc()
		b, err := p.Fetcher.Fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := ValidateImage(b); err != nil {
			// Never cache an undecodable original.
			return nil, err
		}
		orig := &Original{Bytes: b, FetchedAt: time.Now(), Hint: hint}
		if err := p.Originals.Insert(id, orig); err != nil {
			// Degraded-cache mode: the response is unaffected.
			storageFailures.Inc()
			glog.Errorf("error caching original %q: %v", id, err)
		}
		return orig, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			coalescedRequests.Inc()
		}
		return res.Val.(*Original), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// process runs the pipeline on the CPU pool and caches the result.  A
// per-image overflow under the Restrict policy is fail-open: the variant
// is served without being cached.
func (p *Proxy) process(ctx context.Context, orig *Original, key []byte, params Params) (*Variant, error) {
	if err := p.cpu.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.cpu.Release(1)

	pipelineRuns.Inc()
	timer := time.Now()
	v, err := Transform(orig.Bytes, key, params, p.MaxOutputDim)
	transformSummary.Observe(time.Since(timer).Seconds())
	if err != nil {
		return nil, err
	}

	if err := p.Variants.Insert(key, v); err != nil {
		if !errors.Is(err, ErrVariantOverflow) {
			storageFailures.Inc()
		}
		glog.V(1).Infof("serving uncached variant: %v", err)
	}
	return v, nil
}

func (p *Proxy) servePreload(w http.ResponseWriter, r *http.Request) {
	id, hint, err := requestID(r)
	if err != nil {
		glog.Errorf("invalid image id: %v", err)
		http.Error(w, err.Error(), errorStatus(err))
		return
	}

	if subtle.ConstantTimeCompare([]byte(r.Header.Get("X-API-Key")), []byte(p.APIKey)) != 1 {
		glog.Errorf("preload of %q with mismatched api key", id)
		http.Error(w, "mismatched api key", http.StatusUnauthorized)
		return
	}

	maxBytes := int64(DefaultMaxOriginalBytes)
	if p.Fetcher != nil {
		maxBytes = p.Fetcher.maxBytes
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		http.Error(w, "error reading body", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > maxBytes {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if err := ValidateImage(body); err != nil {
		glog.Errorf("preload of %q rejected: %v", id, err)
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
		return
	}

	glog.V(1).Infof("preloading image %q (%d bytes)", id, len(body))
	orig := &Original{Bytes: body, FetchedAt: time.Now(), Hint: hint}
	if err := p.Originals.Insert(id, orig); err != nil {
		storageFailures.Inc()
		glog.Errorf("error storing preloaded original %q: %v", id, err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	// A replaced original must never serve variants of its predecessor.
	p.Variants.RemoveAll(id)

	w.WriteHeader(http.StatusNoContent)
}

// requestID extracts and normalizes the image id from the request path,
// stripping a terminal extension as an input-format hint.
func requestID(r *http.Request) (string, Format, error) {
	raw := mux.Vars(r)["id"]
	id, err := url.PathUnescape(raw)
	if err != nil {
		return "", 0, fmt.Errorf("%w: malformed id %q", ErrBadRequest, raw)
	}
	if id == "" || id == "." || id == ".." {
		return "", 0, fmt.Errorf("%w: missing id", ErrBadRequest)
	}
	id, hint := splitIDExt(id)
	if id == "" {
		return "", 0, fmt.Errorf("%w: missing id", ErrBadRequest)
	}
	return id, hint, nil
}
