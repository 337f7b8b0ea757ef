// Package metrics Prometheus 指标
//
// Observer 实现 saga.IObserver，把引擎生命周期回调转换为计数器与直方图。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"txsaga/saga"
)

// DefaultNamespace 指标命名空间
const DefaultNamespace = "txsaga"

// Observer 引擎指标观察者
type Observer struct {
	started          prometheus.Counter
	finished         *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	steps            *prometheus.CounterVec
	stepDuration     prometheus.Histogram
	compensations    *prometheus.CounterVec
	evidenceFailures *prometheus.CounterVec
	inflight         prometheus.Gauge
}

var _ saga.IObserver = (*Observer)(nil)

// NewObserver 创建并注册指标
//
// 参数：
//   - reg: 注册器，nil 时使用 prometheus.DefaultRegisterer
//   - namespace: 指标前缀，空则使用 DefaultNamespace
//
// 返回：
//   - error: 指标重复注册
func NewObserver(reg prometheus.Registerer, namespace string) (*Observer, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	o := &Observer{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_started_total",
			Help:      "Transactions handed to Execute.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_finished_total",
			Help:      "Transactions that reached a terminal state.",
		}, []string{"state"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transaction_duration_seconds",
			Help:      "Wall time of Execute by terminal state.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"state"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Steps by outcome (executed, resumed, failed).",
		}, []string{"outcome"}),
		stepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Execution time of freshly executed steps.",
			Buckets:   prometheus.DefBuckets,
		}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Compensation handlers run during rollback.",
		}, []string{"outcome"}),
		evidenceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evidence_append_failures_total",
			Help:      "Evidence entries that could not be appended.",
		}, []string{"type"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transactions_inflight",
			Help:      "Transactions currently executing.",
		}),
	}

	collectors := []prometheus.Collector{
		o.started, o.finished, o.duration, o.steps, o.stepDuration,
		o.compensations, o.evidenceFailures, o.inflight,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *Observer) TransactionStarted(txID string) {
	o.started.Inc()
	o.inflight.Inc()
}

func (o *Observer) StepCompleted(txID, step string, resumed bool, elapsed time.Duration) {
	if resumed {
		o.steps.WithLabelValues("resumed").Inc()
		return
	}
	o.steps.WithLabelValues("executed").Inc()
	o.stepDuration.Observe(elapsed.Seconds())
}

func (o *Observer) StepFailed(txID, step string, err error) {
	o.steps.WithLabelValues("failed").Inc()
}

func (o *Observer) CompensationRun(txID, step string, err error) {
	if err != nil {
		o.compensations.WithLabelValues("failed").Inc()
		return
	}
	o.compensations.WithLabelValues("ok").Inc()
}

func (o *Observer) EvidenceFailed(txID string, typ string, err error) {
	o.evidenceFailures.WithLabelValues(typ).Inc()
}

func (o *Observer) TransactionFinished(txID string, state saga.TransactionState, elapsed time.Duration) {
	o.inflight.Dec()
	o.finished.WithLabelValues(string(state)).Inc()
	o.duration.WithLabelValues(string(state)).Observe(elapsed.Seconds())
}

// Handler 暴露指标的 HTTP handler
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
