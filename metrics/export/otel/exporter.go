package otel

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	authkit "github.com/marketlens/authkit"
	"github.com/marketlens/authkit/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrNilMeter is an exported constant or variable used by the authentication engine.
	ErrNilMeter = errors.New("nil meter")
	// ErrNilSource is an exported constant or variable used by the authentication engine.
	ErrNilSource = errors.New("nil metrics source")
)

type metricsSource interface {
	MetricsSnapshot() authkit.MetricsSnapshot
	AuditDropped() uint64
}

type observedCounter struct {
	id         authkit.MetricID
	instrument metric.Int64ObservableCounter
}

// OTelExporter registers observable instruments for every engine counter
// plus the validate-latency buckets and the audit backpressure counter.
type OTelExporter struct {
	source         metricsSource
	registration   metric.Registration
	counters       []observedCounter
	latencyBuckets []metric.Int64ObservableGauge
	latencyCount   metric.Int64ObservableGauge
	auditDropped   metric.Int64ObservableCounter
}

// NewOTelExporter creates an exporter that reads from the given [authkit.Engine].
func NewOTelExporter(meter metric.Meter, engine *authkit.Engine) (*OTelExporter, error) {
	return NewOTelExporterFromSource(meter, engine)
}

// NewOTelExporterFromSource creates an exporter from a custom metrics source.
func NewOTelExporterFromSource(meter metric.Meter, source metricsSource) (*OTelExporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	exporter := &OTelExporter{
		source:   source,
		counters: make([]observedCounter, 0, len(internaldefs.CounterDefs)),
	}

	bounds := authkit.ValidateLatencyBounds()
	observables := make([]metric.Observable, 0, len(internaldefs.CounterDefs)+len(bounds)+3)

	for _, def := range internaldefs.CounterDefs {
		ins, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("create observable counter %s: %w", def.Name, err)
		}
		exporter.counters = append(exporter.counters, observedCounter{id: def.ID, instrument: ins})
		observables = append(observables, ins)
	}

	exporter.latencyBuckets = make([]metric.Int64ObservableGauge, len(bounds)+1)
	for i := range exporter.latencyBuckets {
		suffix := "inf"
		if i < len(bounds) {
			suffix = strconv.FormatInt(bounds[i].Microseconds(), 10) + "us"
		}
		name := internaldefs.ValidateLatencyName + "_bucket_le_" + suffix
		ins, err := meter.Int64ObservableGauge(name, metric.WithDescription("Cumulative histogram bucket count."))
		if err != nil {
			return nil, fmt.Errorf("create histogram bucket gauge %s: %w", name, err)
		}
		exporter.latencyBuckets[i] = ins
		observables = append(observables, ins)
	}

	countIns, err := meter.Int64ObservableGauge(
		internaldefs.ValidateLatencyName+"_count",
		metric.WithDescription("Histogram total sample count."),
	)
	if err != nil {
		return nil, fmt.Errorf("create histogram count gauge: %w", err)
	}
	exporter.latencyCount = countIns
	observables = append(observables, countIns)

	auditDropped, err := meter.Int64ObservableCounter(
		internaldefs.AuditDroppedName,
		metric.WithDescription("Dropped audit events due to dispatcher backpressure."),
	)
	if err != nil {
		return nil, fmt.Errorf("create audit dropped counter: %w", err)
	}
	exporter.auditDropped = auditDropped
	observables = append(observables, auditDropped)

	registration, err := meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		snapshot := exporter.source.MetricsSnapshot()
		for _, c := range exporter.counters {
			observer.ObserveInt64(c.instrument, int64(snapshot.Counters[c.id]))
		}
		if len(snapshot.ValidateLatency) == len(exporter.latencyBuckets) {
			cumulative := internaldefs.CumulativeBuckets(snapshot.ValidateLatency)
			for i := range cumulative {
				observer.ObserveInt64(exporter.latencyBuckets[i], int64(cumulative[i]))
			}
			observer.ObserveInt64(exporter.latencyCount, int64(snapshot.LatencyCount))
		}
		observer.ObserveInt64(exporter.auditDropped, int64(exporter.source.AuditDropped()))
		return nil
	}, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}

	exporter.registration = registration
	return exporter, nil
}

// Close unregisters the observation callback.
func (e *OTelExporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
