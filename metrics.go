package authkit

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one engine counter.
type MetricID uint16

const (
	// MetricIssueSuccess is an exported constant or variable used by the authentication engine.
	MetricIssueSuccess MetricID = iota
	// MetricIssueFailure is an exported constant or variable used by the authentication engine.
	MetricIssueFailure
	// MetricSessionCreated is an exported constant or variable used by the authentication engine.
	MetricSessionCreated
	// MetricSessionEvicted is an exported constant or variable used by the authentication engine.
	MetricSessionEvicted
	// MetricEvictionRaceLost is an exported constant or variable used by the authentication engine.
	MetricEvictionRaceLost
	// MetricValidateSuccess is an exported constant or variable used by the authentication engine.
	MetricValidateSuccess
	// MetricValidateRejected is an exported constant or variable used by the authentication engine.
	MetricValidateRejected
	// MetricRotateSuccess is an exported constant or variable used by the authentication engine.
	MetricRotateSuccess
	// MetricRotateRejected is an exported constant or variable used by the authentication engine.
	MetricRotateRejected
	// MetricRotateRaceLost is an exported constant or variable used by the authentication engine.
	MetricRotateRaceLost
	// MetricSignOut is an exported constant or variable used by the authentication engine.
	MetricSignOut
	// MetricRevocationBump is an exported constant or variable used by the authentication engine.
	MetricRevocationBump
	// MetricMagicLinkIssued is an exported constant or variable used by the authentication engine.
	MetricMagicLinkIssued
	// MetricMagicLinkConsumed is an exported constant or variable used by the authentication engine.
	MetricMagicLinkConsumed
	// MetricMagicLinkRejected is an exported constant or variable used by the authentication engine.
	MetricMagicLinkRejected
	// MetricOAuthBegin is an exported constant or variable used by the authentication engine.
	MetricOAuthBegin
	// MetricOAuthCompleted is an exported constant or variable used by the authentication engine.
	MetricOAuthCompleted
	// MetricOAuthRejected is an exported constant or variable used by the authentication engine.
	MetricOAuthRejected
	// MetricRateLimited is an exported constant or variable used by the authentication engine.
	MetricRateLimited

	metricCount
)

var metricNames = map[MetricID]string{
	MetricIssueSuccess:      "issue_success",
	MetricIssueFailure:      "issue_failure",
	MetricSessionCreated:    "session_created",
	MetricSessionEvicted:    "session_evicted",
	MetricEvictionRaceLost:  "eviction_race_lost",
	MetricValidateSuccess:   "validate_success",
	MetricValidateRejected:  "validate_rejected",
	MetricRotateSuccess:     "rotate_success",
	MetricRotateRejected:    "rotate_rejected",
	MetricRotateRaceLost:    "rotate_race_lost",
	MetricSignOut:           "sign_out",
	MetricRevocationBump:    "revocation_bump",
	MetricMagicLinkIssued:   "magic_link_issued",
	MetricMagicLinkConsumed: "magic_link_consumed",
	MetricMagicLinkRejected: "magic_link_rejected",
	MetricOAuthBegin:        "oauth_begin",
	MetricOAuthCompleted:    "oauth_completed",
	MetricOAuthRejected:     "oauth_rejected",
	MetricRateLimited:       "rate_limited",
}

// MetricName returns the stable exposition name for a metric ID.
func MetricName(id MetricID) (string, bool) {
	name, ok := metricNames[id]
	return name, ok
}

// MetricIDs returns every known metric ID in declaration order.
func MetricIDs() []MetricID {
	ids := make([]MetricID, 0, int(metricCount))
	for id := MetricID(0); id < metricCount; id++ {
		ids = append(ids, id)
	}
	return ids
}

var validateLatencyBuckets = [8]time.Duration{
	100 * time.Microsecond,
	250 * time.Microsecond,
	500 * time.Microsecond,
	time.Millisecond,
	2500 * time.Microsecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
}

// Metrics is the in-process atomic counter table. It has no locks and no
// allocation on the increment path.
type Metrics struct {
	counters [metricCount]atomic.Uint64

	latencyEnabled bool
	latency        [len(validateLatencyBuckets) + 1]atomic.Uint64
	latencyCount   atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of all counters.
type MetricsSnapshot struct {
	Counters        map[MetricID]uint64
	ValidateLatency []uint64
	LatencyCount    uint64
}

func newMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return nil
	}
	return &Metrics{latencyEnabled: cfg.EnableLatencyHistogram}
}

// Inc increments a counter.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || id >= metricCount {
		return
	}
	m.counters[id].Add(1)
}

// LatencyEnabled reports whether the validate-latency histogram is on.
func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.latencyEnabled
}

// ObserveValidateLatency records one validate duration into the histogram.
func (m *Metrics) ObserveValidateLatency(d time.Duration) {
	if m == nil || !m.latencyEnabled {
		return
	}
	idx := len(validateLatencyBuckets)
	for i, bound := range validateLatencyBuckets {
		if d <= bound {
			idx = i
			break
		}
	}
	m.latency[idx].Add(1)
	m.latencyCount.Add(1)
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Counters: make(map[MetricID]uint64, int(metricCount)),
	}
	if m == nil {
		return snap
	}
	for id := MetricID(0); id < metricCount; id++ {
		if v := m.counters[id].Load(); v > 0 {
			snap.Counters[id] = v
		}
	}
	if m.latencyEnabled {
		snap.ValidateLatency = make([]uint64, len(m.latency))
		for i := range m.latency {
			snap.ValidateLatency[i] = m.latency[i].Load()
		}
		snap.LatencyCount = m.latencyCount.Load()
	}
	return snap
}

// ValidateLatencyBounds returns the histogram bucket upper bounds.
func ValidateLatencyBounds() []time.Duration {
	bounds := make([]time.Duration, len(validateLatencyBuckets))
	copy(bounds, validateLatencyBuckets[:])
	return bounds
}
