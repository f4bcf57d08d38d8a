package booking

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts admission, block and transition outcomes. A nil *Metrics
// records nothing.
type Metrics struct {
	admissions  *prometheus.CounterVec
	blocks      *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		admissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_admissions_total",
			Help: "Booking admission attempts by service and outcome.",
		}, []string{"service", "outcome"}),
		blocks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_block_operations_total",
			Help: "Admin block and unblock attempts by outcome.",
		}, []string{"action", "outcome"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_transitions_total",
			Help: "Booking status transitions by target status and outcome.",
		}, []string{"to", "outcome"}),
	}
}

// Outcome classifies err for metric labels.
func Outcome(err error) string {
	var ce *ConflictError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ce):
		return string(ce.Reason)
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	}
	return "error"
}

func (m *Metrics) Admission(service ServiceType, err error) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(string(service), Outcome(err)).Inc()
}

func (m *Metrics) Block(action string, err error) {
	if m == nil {
		return
	}
	m.blocks.WithLabelValues(action, Outcome(err)).Inc()
}

func (m *Metrics) Transition(to Status, err error) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(to), Outcome(err)).Inc()
}
