package poller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/simplesurance/gitpublisher/internal/logfields"
)

const metricNamespace = "gitpublisher"

const (
	queueSizeMetricName = "poll_queue_size"
	cyclesMetricName    = "poll_cycles_total"
	publishedMetricName = "poll_publish_total"
)

const (
	resultLabel       = "result"
	targetBranchLabel = "target_branch"
	outcomeLabel      = "outcome"
)

const (
	cycleResultSuccess      = "success"
	cycleResultSyncFailed   = "sync_failed"
	cycleResultDrainAborted = "drain_aborted"
)

const (
	outcomeSuccess  = "success"
	outcomeFailure  = "failure"
	outcomeDeferred = "deferred"
)

type metricCollector struct {
	logger    *zap.Logger
	queueSize prometheus.Gauge
	cycles    *prometheus.CounterVec
	published *prometheus.CounterVec
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		logger: zap.L().Named(loggerName).Named("metrics"),
		queueSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      queueSizeMetricName,
				Help:      "number of pull requests in the publish queue",
			},
		),
		cycles: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      cyclesMetricName,
				Help:      "count of poll cycles by result",
			},
			[]string{resultLabel},
		),
		published: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      publishedMetricName,
				Help:      "count of pull requests processed by the poller",
			},
			[]string{targetBranchLabel, outcomeLabel},
		),
	}
}

func (m *metricCollector) logGetMetricFailed(metricName string, err error) {
	m.logger.Warn(
		"could not record metric",
		logfields.Event("recording_metric_failed"),
		zap.String("metric", metricName),
		zap.Error(err),
	)
}

func (m *metricCollector) QueueSizeSet(size int) {
	if m == nil {
		return
	}

	m.queueSize.Set(float64(size))
}

func (m *metricCollector) CyclesInc(result string) {
	if m == nil {
		return
	}

	cnt, err := m.cycles.GetMetricWith(prometheus.Labels{resultLabel: result})
	if err != nil {
		m.logGetMetricFailed(cyclesMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) PublishedInc(targetBranch, outcome string) {
	if m == nil {
		return
	}

	cnt, err := m.published.GetMetricWith(prometheus.Labels{
		targetBranchLabel: targetBranch,
		outcomeLabel:      outcome,
	})
	if err != nil {
		m.logGetMetricFailed(publishedMetricName, err)
		return
	}

	cnt.Inc()
}
