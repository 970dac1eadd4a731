package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	OpsTotal         *prometheus.CounterVec
	OpDuration       *prometheus.HistogramVec
	CommitConflicts  *prometheus.CounterVec
	FillNotional     prometheus.Counter
	FeesCollected    prometheus.Counter
	RebatesPaid      prometheus.Counter
	ReferralsPaid    prometheus.Counter
	ReferralForfeits prometheus.Counter
	FeesWithdrawn    prometheus.Counter
	RewardsPaid      prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		OpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feeledger_ops_total",
				Help: "Total ledger operations by outcome kind.",
			},
			[]string{"op", "kind"},
		),
		OpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "feeledger_op_duration_seconds",
				Help:    "Ledger operation duration in seconds, retries included.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		CommitConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feeledger_commit_conflicts_total",
				Help: "Total optimistic commit conflicts that triggered a retry.",
			},
			[]string{"op"},
		),
		FillNotional: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feeledger_fill_notional_total",
			Help: "Total settled notional in smallest currency units.",
		}),
		FeesCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feeledger_fees_collected_total",
			Help: "Total net fees credited to the venue.",
		}),
		RebatesPaid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feeledger_maker_rebates_total",
			Help: "Total maker rebates credited.",
		}),
		ReferralsPaid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feeledger_referral_rewards_total",
			Help: "Total referral cuts credited to referrers.",
		}),
		ReferralForfeits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feeledger_referral_forfeits_total",
			Help: "Fills whose referral cut was forfeited to the venue.",
		}),
		FeesWithdrawn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feeledger_fees_withdrawn_total",
			Help: "Total fees withdrawn by the authority.",
		}),
		RewardsPaid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feeledger_liquidity_rewards_total",
			Help: "Total liquidity rewards distributed.",
		}),
	}

	registry.MustRegister(
		m.OpsTotal,
		m.OpDuration,
		m.CommitConflicts,
		m.FillNotional,
		m.FeesCollected,
		m.RebatesPaid,
		m.ReferralsPaid,
		m.ReferralForfeits,
		m.FeesWithdrawn,
		m.RewardsPaid,
	)
	return m
}

func (m *Metrics) ObserveOp(op string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	kind := Kind(err)
	if kind == "" {
		kind = "ok"
	}
	m.OpsTotal.WithLabelValues(op, kind).Inc()
	m.OpDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *Metrics) IncConflict(op string) {
	if m == nil {
		return
	}
	m.CommitConflicts.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveFill(split FeeSplit) {
	if m == nil {
		return
	}
	m.FillNotional.Add(float64(split.Notional))
	m.FeesCollected.Add(float64(split.NetToVenue))
	m.RebatesPaid.Add(float64(split.MakerRebate))
	m.ReferralsPaid.Add(float64(split.ReferralCut))
	if split.ReferralForfeited {
		m.ReferralForfeits.Inc()
	}
}

func (m *Metrics) AddWithdrawn(amount uint64) {
	if m == nil {
		return
	}
	m.FeesWithdrawn.Add(float64(amount))
}

func (m *Metrics) AddRewards(amount uint64) {
	if m == nil {
		return
	}
	m.RewardsPaid.Add(float64(amount))
}
