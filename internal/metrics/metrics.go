// Package metrics implements C10: prometheus counters/gauges (registered on
// the default prometheus registry; no HTTP route of this service serves
// them) and the dependency health probes backing GET /healthcheck.
// Grounded on the teacher's metrics/config.go pattern of a small set of
// process-wide registered collectors, generalized from the teacher's
// system-resource gauges to request/auth/selection counters via
// prometheus/client_golang, the metrics library the wider pack (tos-pool)
// also depends on.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tos-network/resibroker/internal/brokerrors"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resibroker",
		Name:      "requests_total",
		Help:      "Total HTTP requests handled, by route and status class.",
	}, []string{"route", "status_class"})

	AuthFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resibroker",
		Name:      "auth_failures_total",
		Help:      "Authentication pipeline failures, by kind.",
	}, []string{"kind"})

	RateLimitRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resibroker",
		Name:      "rate_limit_rejections_total",
		Help:      "Requests rejected by the rate limiter, by scope kind.",
	}, []string{"scope_kind"})

	EpochsGeneratedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "resibroker",
		Name:      "epochs_generated_total",
		Help:      "Epochs generated by the scheduler.",
	})

	EpochsDegradedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "resibroker",
		Name:      "epochs_degraded_total",
		Help:      "Epochs generated outside the tolerance band.",
	})

	ChainStaleness = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "resibroker",
		Name:      "chain_snapshot_staleness_seconds",
		Help:      "Age of the last successful metagraph sync.",
	})

	CredentialMintDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "resibroker",
		Name:      "credential_mint_duration_seconds",
		Help:      "Latency of object-store credential minting operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

// Prober is one named dependency health check for GET /healthcheck.
type Prober struct {
	Name string
	Ping func(ctx context.Context) error
}

// HealthReport is the JSON body of GET /healthcheck.
type HealthReport struct {
	OK         bool                     `json:"ok"`
	Components map[string]ComponentHealth `json:"components"`
}

type ComponentHealth struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// RunProbes runs every prober with a bounded per-probe timeout and
// aggregates the result; used by the /healthcheck handler (spec.md §6).
func RunProbes(ctx context.Context, timeout time.Duration, probes []Prober) HealthReport {
	report := HealthReport{OK: true, Components: make(map[string]ComponentHealth, len(probes))}
	for _, p := range probes {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		err := p.Ping(pctx)
		cancel()
		if err != nil {
			report.OK = false
			report.Components[p.Name] = ComponentHealth{OK: false, Error: string(brokerrors.KindOf(err))}
			continue
		}
		report.Components[p.Name] = ComponentHealth{OK: true}
	}
	return report
}

// ObserveStatusClass records a request outcome for RequestsTotal, bucketing
// the HTTP status into its class (2xx/3xx/4xx/5xx) rather than the exact code,
// to keep cardinality bounded.
func ObserveStatusClass(route string, status int) {
	class := "2xx"
	switch {
	case status >= 500:
		class = "5xx"
	case status >= 400:
		class = "4xx"
	case status >= 300:
		class = "3xx"
	}
	RequestsTotal.WithLabelValues(route, class).Inc()
}
