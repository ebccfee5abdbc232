// internal/pkg/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CartMetrics holds Prometheus collectors for cart consistency and checkout.
type CartMetrics struct {
	Mutations       *prometheus.CounterVec // op, outcome
	ConflictMerges  prometheus.Counter
	DegradedWrites  *prometheus.CounterVec // op
	PendingReplayed *prometheus.CounterVec // outcome
	Reconciles      *prometheus.CounterVec // outcome
	RemoteUp        prometheus.Gauge

	CheckoutCommits *prometheus.CounterVec // outcome
	StockRacesLost  prometheus.Counter
	OrderLines      prometheus.Histogram
}

// NewCartMetrics creates the collectors and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewCartMetrics(reg prometheus.Registerer) *CartMetrics {
	f := promauto.With(reg)

	return &CartMetrics{
		Mutations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cartsync",
			Name:      "cart_mutations_total",
			Help:      "Cart mutations by operation and outcome",
		}, []string{"op", "outcome"}),
		ConflictMerges: f.NewCounter(prometheus.CounterOpts{
			Namespace: "cartsync",
			Name:      "cart_conflict_merges_total",
			Help:      "Unique-key conflicts resolved by merging quantities",
		}),
		DegradedWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cartsync",
			Name:      "cart_degraded_writes_total",
			Help:      "Mutations applied to the local cache only",
		}, []string{"op"}),
		PendingReplayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cartsync",
			Name:      "cart_pending_replayed_total",
			Help:      "Pending local records replayed against the remote store",
		}, []string{"outcome"}),
		Reconciles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cartsync",
			Name:      "cart_reconciles_total",
			Help:      "Reconnect reconciliation runs",
		}, []string{"outcome"}),
		RemoteUp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "cartsync",
			Name:      "cart_remote_up",
			Help:      "1 when the remote cart store is considered reachable",
		}),
		CheckoutCommits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cartsync",
			Name:      "checkout_commits_total",
			Help:      "Checkout commits by outcome",
		}, []string{"outcome"}),
		StockRacesLost: f.NewCounter(prometheus.CounterOpts{
			Namespace: "cartsync",
			Name:      "checkout_stock_races_lost_total",
			Help:      "Order lines rejected because stock ran out at commit time",
		}),
		OrderLines: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cartsync",
			Name:      "checkout_order_lines",
			Help:      "Number of order lines created per commit",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
		}),
	}
}
