package metrics

import "testing"

func TestMustRegisterCurriesServiceLabel(t *testing.T) {
	MustRegister("directory")

	// The curried vectors take the remaining labels only; a failed curry
	// would have panicked inside MustRegister before this point.
	HTTPRequestsTotal.WithLabelValues("GET", "/v1/accounts", "200").Inc()
	HTTPRequestDurationSeconds.WithLabelValues("GET", "/v1/accounts").Observe(0.05)
}
