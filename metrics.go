// Copyright 2025 The imgrserve authors.
// SPDX-License-Identifier: Apache-2.0

package imgrserve

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	variantCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "variant_cache_hits",
			Help: "Number of requests served from the variants cache.",
		})
	originalCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "original_cache_hits",
			Help: "Number of originals served from cache instead of origin.",
		})
	originFetches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "origin_fetches",
			Help: "Number of fetches performed against the origin file API.",
		})
	originFetchErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "origin_fetch_errors",
			Help: "Total origin fetch failures.",
		})
	pipelineRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_runs",
			Help: "Number of processing pipeline executions.",
		})
	coalescedRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coalesced_requests",
			Help: "Number of requests that waited on another request's work.",
		})
	variantOverflows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "variant_overflows",
			Help: "Number of variant inserts rejected by the per-image bound.",
		})
	storageFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storage_failures",
			Help: "Number of non-fatal cache backend write failures.",
		})
	transformSummary = prometheus.NewSummary(
		prometheus.SummaryOpts{
			Name: "image_transformation_seconds",
			Help: "Time taken for image transformations in seconds.",
		})
)

func init() {
	prometheus.MustRegister(variantCacheHits)
	prometheus.MustRegister(originalCacheHits)
	prometheus.MustRegister(originFetches)
	prometheus.MustRegister(originFetchErrors)
	prometheus.MustRegister(pipelineRuns)
	prometheus.MustRegister(coalescedRequests)
	prometheus.MustRegister(variantOverflows)
	prometheus.MustRegister(storageFailures)
	prometheus.MustRegister(transformSummary)
}
