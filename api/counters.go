package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jmcleod/acers/message"
	"github.com/jmcleod/acers/tokenstore"
)

// counters are the Prometheus metrics of the HTTP binding.
type counters struct {
	admissions *prometheus.CounterVec
	decisions  *prometheus.CounterVec
}

func newCounters(reg prometheus.Registerer, store *tokenstore.Store) *counters {
	f := promauto.With(reg)
	c := &counters{
		admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acers",
			Name:      "token_admissions_total",
			Help:      "Tokens posted to authz-info, by reply code.",
		}, []string{"code"}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acers",
			Name:      "access_decisions_total",
			Help:      "Access decisions on protected resources, by resource and reply code.",
		}, []string{"resource", "code"}),
	}
	if store != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "acers",
			Name:      "tokens",
			Help:      "Tokens currently held by the token store.",
		}, func() float64 { return float64(store.Len()) })
	}
	return c
}

func (c *counters) admission(code message.Code) {
	if c == nil {
		return
	}
	c.admissions.WithLabelValues(code.String()).Inc()
}

func (c *counters) decision(resource string, code message.Code) {
	if c == nil {
		return
	}
	c.decisions.WithLabelValues(resource, code.String()).Inc()
}
