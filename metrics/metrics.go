// Package metrics exposes Prometheus collectors for relying party logins and
// the upstream provider calls they make.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "oidcrp"

// Login outcomes.
const (
	OutcomeSuccess        = "success"
	OutcomeAdminError     = "admin_error"
	OutcomeTechnicalError = "technical_error"
)

// Upstream endpoint names.
const (
	EndpointDiscovery = "discovery"
	EndpointJWKS      = "jwks"
	EndpointToken     = "token"
	EndpointUserinfo  = "userinfo"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	logins     *prometheus.CounterVec
	initiated  prometheus.Counter
	upstream   *prometheus.HistogramVec
	logouts    *prometheus.CounterVec
	provisions *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_callbacks_total",
			Help:      "Login callbacks processed, by outcome.",
		}, []string{"outcome"}),
		initiated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_initiations_total",
			Help:      "Authorization requests started.",
		}),
		upstream: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Duration of requests to the identity provider.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "code", "method"}),
		logouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logouts_total",
			Help:      "Logout URLs built, by whether they redirect to the provider.",
		}, []string{"provider"}),
		provisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provisioned_users_total",
			Help:      "Local users provisioned, by whether they were created.",
		}, []string{"created"}),
	}
	reg.MustRegister(m.logins, m.initiated, m.upstream, m.logouts, m.provisions)
	return m
}

// LoginInitiated counts an authorization request.
func (m *Metrics) LoginInitiated() {
	if m == nil {
		return
	}
	m.initiated.Inc()
}

// LoginOutcome counts a processed callback.
func (m *Metrics) LoginOutcome(outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome).Inc()
}

// Logout counts a built logout URL.
func (m *Metrics) Logout(viaProvider bool) {
	if m == nil {
		return
	}
	v := "false"
	if viaProvider {
		v = "true"
	}
	m.logouts.WithLabelValues(v).Inc()
}

// Provisioned counts a provisioned user.
func (m *Metrics) Provisioned(created bool) {
	if m == nil {
		return
	}
	v := "false"
	if created {
		v = "true"
	}
	m.provisions.WithLabelValues(v).Inc()
}

// InstrumentClient returns a copy of hc whose requests are timed under the
// given endpoint name.
func (m *Metrics) InstrumentClient(hc *http.Client, endpoint string) *http.Client {
	if m == nil {
		return hc
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	next := hc.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	c := *hc
	c.Transport = promhttp.InstrumentRoundTripperDuration(
		m.upstream.MustCurryWith(prometheus.Labels{"endpoint": endpoint}),
		next,
	)
	return &c
}
