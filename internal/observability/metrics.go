package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tco_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	DBTxDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tco_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	CheckoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tco_checkouts_total",
			Help: "Checkout attempts by outcome",
		},
		[]string{"result"},
	)

	ReservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tco_inventory_reservations_total",
			Help: "Inventory reservation attempts by outcome",
		},
		[]string{"result"},
	)

	InventoryReleaseAnomalies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tco_inventory_release_anomalies_total",
			Help: "Releases clamped at zero sold units",
		},
	)

	OrderTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tco_order_transitions_total",
			Help: "Applied order status transitions",
		},
		[]string{"from", "to"},
	)

	StaleTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tco_stale_transitions_total",
			Help: "Rejected order transitions by event",
		},
		[]string{"event"},
	)

	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tco_webhook_events_total",
			Help: "Webhook deliveries by event type and outcome",
		},
		[]string{"type", "status"},
	)

	ExpiredOrders = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tco_expired_orders_total",
			Help: "Orders cancelled by the expiry sweep",
		},
	)

	OutboxLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tco_outbox_lag_seconds",
			Help: "Lag of outbox publishing",
		},
	)

	RabbitPublishRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tco_rabbit_publish_retries_total",
			Help: "Total rabbit publish retries",
		},
	)

	RateLimitExceeded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tco_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
		[]string{"class"},
	)
)

var registerOnce sync.Once

func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RequestsTotal, DBTxDuration, CheckoutsTotal, ReservationsTotal,
			InventoryReleaseAnomalies, OrderTransitions, StaleTransitions,
			WebhookEvents, ExpiredOrders, OutboxLag, RabbitPublishRetries,
			RateLimitExceeded,
		)
	})
}
