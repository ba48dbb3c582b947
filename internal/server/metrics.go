package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	reasonUnauthenticated = "unauthenticated"
	reasonBadRequest      = "bad_request"
	reasonPolicy          = "policy"
	reasonStorage         = "storage"
)

type metrics struct {
	grants    *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	confirmed *prometheus.CounterVec
	orphans   prometheus.Counter
	registry  prometheus.GaugeFunc
}

func newMetrics(reg prometheus.Registerer, size func() float64) *metrics {
	m := &metrics{
		grants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fundupload",
			Name:      "grants_issued_total",
			Help:      "Write grants issued, by category and method.",
		}, []string{"category", "method"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fundupload",
			Name:      "requests_rejected_total",
			Help:      "Grant and confirm requests rejected, by reason.",
		}, []string{"reason"}),
		confirmed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fundupload",
			Name:      "confirmations_total",
			Help:      "Confirmation requests, by result.",
		}, []string{"result"}),
		orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fundupload",
			Name:      "confirm_missing_objects_total",
			Help:      "Confirmations for keys storage does not hold.",
		}),
		registry: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "fundupload",
			Name:      "registry_entries",
			Help:      "Confirmed objects held in the registry.",
		}, size),
	}
	reg.MustRegister(m.grants, m.rejected, m.confirmed, m.orphans, m.registry)
	return m
}
