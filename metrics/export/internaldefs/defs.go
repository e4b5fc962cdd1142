package internaldefs

import (
	authkit "github.com/marketlens/authkit"
)

// Namespace prefixes every exposed metric name.
const Namespace = "authkit"

// CounterDef names one engine counter for exposition.
type CounterDef struct {
	ID   authkit.MetricID
	Name string
	Help string
}

var counterHelp = map[authkit.MetricID]string{
	authkit.MetricIssueSuccess:      "Token pairs issued.",
	authkit.MetricIssueFailure:      "Issuance attempts rejected.",
	authkit.MetricSessionCreated:    "Sessions created.",
	authkit.MetricSessionEvicted:    "Sessions evicted at the role limit.",
	authkit.MetricEvictionRaceLost:  "Eviction writes that lost their conditional guard.",
	authkit.MetricValidateSuccess:   "Access tokens that passed the full validation pipeline.",
	authkit.MetricValidateRejected:  "Access tokens rejected by any pipeline step.",
	authkit.MetricRotateSuccess:     "Refresh rotations completed.",
	authkit.MetricRotateRejected:    "Refresh rotations rejected.",
	authkit.MetricRotateRaceLost:    "Refresh rotations that lost the compare-and-swap.",
	authkit.MetricSignOut:           "Sign-out operations.",
	authkit.MetricRevocationBump:    "Revocation counter bumps.",
	authkit.MetricMagicLinkIssued:   "Magic links issued.",
	authkit.MetricMagicLinkConsumed: "Magic links consumed.",
	authkit.MetricMagicLinkRejected: "Magic link consumptions rejected.",
	authkit.MetricOAuthBegin:        "OAuth flows begun.",
	authkit.MetricOAuthCompleted:    "OAuth sign-ins completed.",
	authkit.MetricOAuthRejected:     "OAuth flows rejected.",
	authkit.MetricRateLimited:       "Requests rejected by rate limiting.",
}

// CounterDefs lists every exposed counter in declaration order.
var CounterDefs = buildCounterDefs()

func buildCounterDefs() []CounterDef {
	ids := authkit.MetricIDs()
	defs := make([]CounterDef, 0, len(ids))
	for _, id := range ids {
		name, ok := authkit.MetricName(id)
		if !ok {
			continue
		}
		defs = append(defs, CounterDef{
			ID:   id,
			Name: Namespace + "_" + name + "_total",
			Help: counterHelp[id],
		})
	}
	return defs
}

// ValidateLatencyName is the exposed name of the validate-latency histogram.
const ValidateLatencyName = Namespace + "_validate_latency_seconds"

// AuditDroppedName is the exposed name of the audit backpressure counter.
const AuditDroppedName = Namespace + "_audit_dropped_total"

// CumulativeBuckets converts per-bucket observation counts into the
// cumulative form both exposition formats want. The final slot is the
// overflow bucket.
func CumulativeBuckets(nonCumulative []uint64) []uint64 {
	out := make([]uint64, len(nonCumulative))
	var running uint64
	for i, v := range nonCumulative {
		running += v
		out[i] = running
	}
	return out
}
