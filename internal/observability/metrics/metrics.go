package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	AccountOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "directory_account_operations_total",
			Help: "Account directory operations by outcome.",
		},
		[]string{"operation", "outcome"},
	)

	// StorageConflictsTotal keeps the two backend conflict signals
	// distinguishable even though both surface to callers as a contested
	// optimistic lock: "condition" is a deterministic condition failure,
	// "transaction" the backend's ambiguous concurrent-transaction signal.
	StorageConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "directory_storage_conflicts_total",
			Help: "Storage-level write conflicts by backend signal.",
		},
		[]string{"operation", "signal"},
	)

	PushNotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "directory_push_notifications_total",
			Help: "Push notification sends by platform and outcome.",
		},
		[]string{"platform", "outcome"},
	)
)

func MustRegister(serviceName string) {
	HTTPRequestsTotal = HTTPRequestsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	// MustCurryWith on a HistogramVec returns the ObserverVec interface;
	// currying with known label names always yields a HistogramVec back.
	HTTPRequestDurationSeconds = HTTPRequestDurationSeconds.MustCurryWith(prometheus.Labels{"service": serviceName}).(*prometheus.HistogramVec)

	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		AccountOperationsTotal,
		StorageConflictsTotal,
		PushNotificationsTotal,
	)
}
