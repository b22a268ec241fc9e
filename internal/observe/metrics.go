// Package observe provides the observability primitives shared by docvox:
// OpenTelemetry metrics, tracing, trace-aware logging and the HTTP middleware
// that ties them together.
//
// Metrics go through the OpenTelemetry Metrics API and are exposed for
// scraping by the Prometheus exporter installed in [InitProvider]. Tests
// should build their own [Metrics] with [NewMetrics] over a ManualReader
// instead of using [DefaultMetrics].
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/docvox"

// Provider call statuses.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusTimeout  = "timeout"
	StatusCanceled = "canceled"
)

// Provider kinds, matching the stage that calls them.
const (
	KindSTT = "stt"
	KindLLM = "llm"
	KindTTS = "tts"
)

// Metrics holds the application's metric instruments. The OTel types are safe
// for concurrent use.
type Metrics struct {
	STTDuration metric.Float64Histogram
	LLMDuration metric.Float64Histogram
	TTSDuration metric.Float64Histogram

	// SessionDuration is wall-clock time from accept to close.
	SessionDuration metric.Float64Histogram

	// ProviderRequests counts provider calls by provider, kind and status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider calls whose status is not ok.
	ProviderErrors metric.Int64Counter

	ActiveSessions metric.Int64UpDownCounter

	// SessionsClosed counts finished sessions by outcome (done,
	// origin_rejected, audio_timeout, transcription, ...).
	SessionsClosed metric.Int64Counter

	// AudioChunks counts synthesised chunks forwarded to clients.
	AudioChunks metric.Int64Counter

	// WorkersBusy is the number of adapter calls running on the worker pool.
	WorkersBusy metric.Int64UpDownCounter

	// HTTPRequestDuration is request handling time by method and route.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets in seconds. Hosted STT and vision calls routinely take
// several seconds, hence the long tail.
var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30, 60}

// builder creates instruments on one meter and keeps the first error, so
// NewMetrics reads as a flat list.
type builder struct {
	m   metric.Meter
	err error
}

func (b *builder) latency(name, desc string) metric.Float64Histogram {
	return b.histogram(name, desc, metric.WithExplicitBucketBoundaries(latencyBuckets...))
}

func (b *builder) histogram(name, desc string, extra ...metric.Float64HistogramOption) metric.Float64Histogram {
	opts := append([]metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}, extra...)
	h, err := b.m.Float64Histogram(name, opts...)
	b.keep(name, err)
	return h
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.m.Int64Counter(name, metric.WithDescription(desc))
	b.keep(name, err)
	return c
}

func (b *builder) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.m.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.keep(name, err)
	return g
}

func (b *builder) keep(name string, err error) {
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("observe: create %s: %w", name, err)
	}
}

// NewMetrics creates every instrument on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &builder{m: mp.Meter(meterName)}
	met := &Metrics{
		STTDuration:     b.latency("docvox.stt.duration", "Latency of speech-to-text transcription."),
		LLMDuration:     b.latency("docvox.llm.duration", "Latency of multimodal inference."),
		TTSDuration:     b.latency("docvox.tts.duration", "Latency of speech synthesis until the stream is drained."),
		SessionDuration: b.latency("docvox.session.duration", "Duration of realtime sessions from accept to close."),

		ProviderRequests: b.counter("docvox.provider.requests", "Provider API requests by provider, kind and status."),
		ProviderErrors:   b.counter("docvox.provider.errors", "Failed provider API requests by provider, kind and status."),
		SessionsClosed:   b.counter("docvox.sessions.closed", "Finished realtime sessions by outcome."),
		AudioChunks:      b.counter("docvox.audio.chunks", "Synthesised audio chunks sent to clients."),

		ActiveSessions: b.gauge("docvox.sessions.active", "Open realtime sessions."),
		WorkersBusy:    b.gauge("docvox.workers.busy", "Adapter calls currently running on the worker pool."),

		HTTPRequestDuration: b.histogram("docvox.http.request.duration", "HTTP request latency by method and route."),
	}
	if b.err != nil {
		return nil, b.err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] built on
// [otel.GetMeterProvider]. It panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic(err)
		}
	})
	return defaultMetrics
}

// StatusOf maps a call result to a status label. Deadlines and cancellations
// get their own labels so client hang-ups do not read as provider outages.
func StatusOf(err error) string {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, context.DeadlineExceeded):
		return StatusTimeout
	case errors.Is(err, context.Canceled):
		return StatusCanceled
	default:
		return StatusError
	}
}

// RecordStage records one provider call made by a pipeline stage: its
// latency on the kind's histogram and its outcome on the request counters.
func (m *Metrics) RecordStage(ctx context.Context, kind, provider string, d time.Duration, err error) {
	var h metric.Float64Histogram
	switch kind {
	case KindSTT:
		h = m.STTDuration
	case KindLLM:
		h = m.LLMDuration
	case KindTTS:
		h = m.TTSDuration
	}
	if h != nil {
		h.Record(ctx, d.Seconds(), metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		))
	}
	m.RecordProviderRequest(ctx, provider, kind, StatusOf(err))
}

// RecordProviderRequest counts one provider call. Any status other than
// [StatusOK] is also counted on ProviderErrors.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	)
	m.ProviderRequests.Add(ctx, 1, attrs)
	if status != StatusOK {
		m.ProviderErrors.Add(ctx, 1, attrs)
	}
}

// RecordSessionClosed counts a finished session and records its duration.
func (m *Metrics) RecordSessionClosed(ctx context.Context, outcome string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.SessionsClosed.Add(ctx, 1, attrs)
	m.SessionDuration.Record(ctx, seconds, attrs)
}
