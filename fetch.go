// Copyright 2025 The imgrserve authors.
// SPDX-License-Identifier: Apache-2.0

package imgrserve

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	aia "github.com/fcjr/aia-transport-go"
	"github.com/golang/glog"
)

// DefaultMaxOriginalBytes caps the size of a fetched original when no
// explicit limit is configured.
const DefaultMaxOriginalBytes = 32 << 20

// Fetcher retrieves original images from the upstream file API.  It does
// not interpret the bytes; decode validation belongs to the pipeline.
type Fetcher struct {
	baseURL  string
	client   *http.Client
	maxBytes int64
}

// NewFetcher returns a Fetcher for the file API rooted at baseURL.  The
// timeout bounds each fetch independently of the caller's deadline.
func NewFetcher(baseURL string, timeout time.Duration, maxBytes int64) *Fetcher {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxOriginalBytes
	}
	transport, err := aia.NewTransport()
	if err != nil {
		glog.Errorf("error creating AIA transport, falling back to default: %v", err)
		transport = http.DefaultTransport.(*http.Transport)
	}
	return &Fetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		maxBytes: maxBytes,
	}
}

// Fetch performs a single GET for id against the file API.
func (f *Fetcher) Fetch(ctx context.Context, id string) ([]byte, error) {
	u := f.baseURL + "/" + url.PathEscape(id)
	glog.V(1).Infof("fetching original %q from %s", id, u)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOriginTransient, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		originFetchErrors.Inc()
		return nil, fmt.Errorf("%w: %v", ErrOriginTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %q", ErrOriginNotFound, id)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		originFetchErrors.Inc()
		return nil, fmt.Errorf("%w: status %s", ErrOriginTransient, resp.Status)
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		originFetchErrors.Inc()
		return nil, fmt.Errorf("%w: reading body: %v", ErrOriginTransient, err)
	}
	if int64(len(b)) > f.maxBytes {
		return nil, fmt.Errorf("%w: %q exceeds %d bytes", ErrOriginTooLarge, id, f.maxBytes)
	}
	return b, nil
}
