// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "faceattend"

var (
	Recognitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recognitions_total",
		Help:      "Submitted images by outcome.",
	}, []string{"outcome"})

	RecognitionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "recognition_duration_seconds",
		Help:      "Time spent processing one submitted image.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	FacesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "faces_detected_total",
		Help:      "Faces found in submitted images.",
	})

	FacesMatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "faces_matched_total",
		Help:      "Faces matched to a known user.",
	})

	Sightings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sightings_total",
		Help:      "Ledger transitions by resulting status.",
	}, []string{"status"})

	CacheRefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "cache_refresh_duration_seconds",
		Help:      "Time spent rebuilding the encoding cache.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_entries",
		Help:      "Encodings held by the current cache snapshot.",
	})

	CacheSkippedSamples = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_skipped_samples_total",
		Help:      "Samples that produced no encoding during a refresh.",
	})
)
