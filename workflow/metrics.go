package workflow

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "procurement"

// Metrics prometheus 指标, nil 的时候所有方法都是空操作
type Metrics struct {
	transitions        *prometheus.CounterVec
	advisoryFailures   *prometheus.CounterVec
	sweepResults       *prometheus.CounterVec
	remindersProcessed *prometheus.CounterVec
}

// NewMetrics 注册指标, reg 为空使用 prometheus.DefaultRegisterer
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transitions_total",
			Help:      "Committed procurement request transitions by operation and target state.",
		}, []string{"operation", "to"}),
		advisoryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "advisory_effect_failures_total",
			Help:      "Advisory side effects that failed and were swallowed.",
		}, []string{"operation", "effect"}),
		sweepResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "expiration_sweep_records_total",
			Help:      "Records visited by the expiration sweep by result.",
		}, []string{"result"}),
		remindersProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reminders_processed_total",
			Help:      "Due reminders processed by the dispatcher by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.transitions, m.advisoryFailures, m.sweepResults, m.remindersProcessed)
	return m
}

// OnTransition 作为 TransitionObserver 使用
func (m *Metrics) OnTransition(ctx context.Context, event *TransitionEvent) {
	if m == nil || event == nil {
		return
	}
	m.transitions.WithLabelValues(event.Operation, event.To).Inc()
}

func (m *Metrics) advisoryFailed(operation, effectName string) {
	if m == nil {
		return
	}
	m.advisoryFailures.WithLabelValues(operation, effectName).Inc()
}

func (m *Metrics) sweepResult(result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.sweepResults.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) reminderProcessed(result string) {
	if m == nil {
		return
	}
	m.remindersProcessed.WithLabelValues(result).Inc()
}
