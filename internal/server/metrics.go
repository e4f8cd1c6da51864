package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors on a private registry so several servers
// can live in one process (tests, local mode).
type Metrics struct {
	registry     *prometheus.Registry
	signups      prometheus.Counter
	logins       prometheus.Counter
	authFailures *prometheus.CounterVec
	activeConns  prometheus.Gauge
	onlineUsers  prometheus.Gauge
	messages     *prometheus.CounterVec
	rateLimited  prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		signups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livechat",
			Name:      "signups_total",
			Help:      "Accounts created.",
		}),
		logins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livechat",
			Name:      "logins_total",
			Help:      "Successful logins.",
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livechat",
			Name:      "auth_failures_total",
			Help:      "Rejected credentials by channel.",
		}, []string{"channel"}),
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "livechat",
			Name:      "active_connections",
			Help:      "Open websocket connections.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "livechat",
			Name:      "online_users",
			Help:      "Distinct authenticated users with at least one connection.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livechat",
			Name:      "messages_total",
			Help:      "Messages persisted and broadcast, by type.",
		}, []string{"type"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livechat",
			Name:      "rate_limited_total",
			Help:      "Requests and frames rejected by a rate limiter.",
		}),
	}
	m.registry.MustRegister(
		m.signups, m.logins, m.authFailures, m.activeConns, m.onlineUsers, m.messages, m.rateLimited,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) IncSignup() { m.signups.Inc() }

func (m *Metrics) IncLogin() { m.logins.Inc() }

func (m *Metrics) IncAuthFailure(channel string) { m.authFailures.WithLabelValues(channel).Inc() }

func (m *Metrics) IncConn() { m.activeConns.Inc() }

func (m *Metrics) DecConn() { m.activeConns.Dec() }

func (m *Metrics) SetOnline(n int) { m.onlineUsers.Set(float64(n)) }

func (m *Metrics) IncMessage(kind string) { m.messages.WithLabelValues(kind).Inc() }

func (m *Metrics) IncRateLimited() { m.rateLimited.Inc() }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
