// Package telemetry provides OpenTelemetry metrics for the cache tiers.
// Metrics are no-ops until InitMetrics is called, so library users who never
// initialise telemetry pay only a nil check per operation.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/bitemyapp/creedmoor"

	// TierMemory and TierDisk label which cache tier recorded a metric.
	TierMemory = "memory"
	TierDisk   = "disk"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	putsTotal   metric.Int64Counter
	getsTotal   metric.Int64Counter
	putBytes    metric.Float64Histogram
	rejectBytes metric.Int64Counter

	evictionsTotal      metric.Int64Counter
	evictionBytesTotal  metric.Int64Counter
	evictionRunDuration metric.Float64Histogram

	usageBytes  metric.Int64Gauge
	budgetBytes metric.Int64Gauge

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "creedmoor"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	putsTotal, err := meter.Int64Counter(
		"creedmoor_puts_total",
		metric.WithDescription("Total put operations by tier and result"),
		metric.WithUnit("{put}"),
	)
	if err != nil {
		return err
	}

	getsTotal, err := meter.Int64Counter(
		"creedmoor_gets_total",
		metric.WithDescription("Total get operations by tier and result"),
		metric.WithUnit("{get}"),
	)
	if err != nil {
		return err
	}

	putBytes, err := meter.Float64Histogram(
		"creedmoor_put_bytes",
		metric.WithDescription("Logical size of values written"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 512, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456),
	)
	if err != nil {
		return err
	}

	rejectBytes, err := meter.Int64Counter(
		"creedmoor_rejected_bytes_total",
		metric.WithDescription("Total bytes rejected because a value exceeded the tier budget"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	evictionsTotal, err := meter.Int64Counter(
		"creedmoor_evictions_total",
		metric.WithDescription("Total entries evicted by tier"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	evictionBytesTotal, err := meter.Int64Counter(
		"creedmoor_eviction_bytes_total",
		metric.WithDescription("Total logical bytes freed by eviction"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	evictionRunDuration, err := meter.Float64Histogram(
		"creedmoor_eviction_run_duration_seconds",
		metric.WithDescription("Duration of put transactions that evicted at least one entry"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	usageBytes, err := meter.Int64Gauge(
		"creedmoor_usage_bytes",
		metric.WithDescription("Current resident logical bytes per tier"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	budgetBytes, err := meter.Int64Gauge(
		"creedmoor_budget_bytes",
		metric.WithDescription("Configured byte budget per tier"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		putsTotal:           putsTotal,
		getsTotal:           getsTotal,
		putBytes:            putBytes,
		rejectBytes:         rejectBytes,
		evictionsTotal:      evictionsTotal,
		evictionBytesTotal:  evictionBytesTotal,
		evictionRunDuration: evictionRunDuration,
		usageBytes:          usageBytes,
		budgetBytes:         budgetBytes,
		meterProvider:       mp,
		promHandler:         promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// recordPut records one put operation for a tier.
// result is "stored", "dropped", "too_large", or "error".
func recordPut(ctx context.Context, tier string, size int64, result string) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("tier", tier),
		attribute.String("result", result),
	}
	globalMetrics.putsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.putBytes.Record(ctx, float64(size), metric.WithAttributes(attrs...))
	if result == "too_large" || result == "dropped" {
		globalMetrics.rejectBytes.Add(ctx, size, metric.WithAttributes(attribute.String("tier", tier)))
	}
}

// recordGet records one get operation for a tier.
func recordGet(ctx context.Context, tier string, hit bool) {
	if globalMetrics == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	attrs := []attribute.KeyValue{
		attribute.String("tier", tier),
		attribute.String("result", result),
	}
	globalMetrics.getsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDiskPut records a disk-tier put with its logical size and result.
func RecordDiskPut(ctx context.Context, size int64, result string) {
	recordPut(ctx, TierDisk, size, result)
}

// RecordDiskGet records a disk-tier get.
func RecordDiskGet(ctx context.Context, hit bool) {
	recordGet(ctx, TierDisk, hit)
}

// RecordMemoryPut records a memory-tier put with its logical size and result.
func RecordMemoryPut(ctx context.Context, size int64, result string) {
	recordPut(ctx, TierMemory, size, result)
}

// RecordMemoryGet records a memory-tier get.
func RecordMemoryGet(ctx context.Context, hit bool) {
	recordGet(ctx, TierMemory, hit)
}

// RecordDiskEviction records the outcome of a put transaction that evicted
// entries from the disk tier.
func RecordDiskEviction(ctx context.Context, count int, bytes int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tier", TierDisk))
	globalMetrics.evictionsTotal.Add(ctx, int64(count), attrs)
	globalMetrics.evictionBytesTotal.Add(ctx, bytes, attrs)
	globalMetrics.evictionRunDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordMemoryEviction records entries evicted from the memory tier.
func RecordMemoryEviction(ctx context.Context, count int, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tier", TierMemory))
	globalMetrics.evictionsTotal.Add(ctx, int64(count), attrs)
	globalMetrics.evictionBytesTotal.Add(ctx, bytes, attrs)
}

// UpdateDiskUsage updates the disk-tier usage and budget gauges.
func UpdateDiskUsage(ctx context.Context, usage, budget int64) {
	updateUsage(ctx, TierDisk, usage, budget)
}

// UpdateMemoryUsage updates the memory-tier usage and budget gauges.
func UpdateMemoryUsage(ctx context.Context, usage, budget int64) {
	updateUsage(ctx, TierMemory, usage, budget)
}

func updateUsage(ctx context.Context, tier string, usage, budget int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tier", tier))
	globalMetrics.usageBytes.Record(ctx, usage, attrs)
	globalMetrics.budgetBytes.Record(ctx, budget, attrs)
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
