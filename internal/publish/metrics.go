package publish

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/simplesurance/gitpublisher/internal/logfields"
)

const metricNamespace = "gitpublisher"

const (
	attemptsMetricName     = "publish_attempts_total"
	durationMetricName     = "publish_duration_seconds"
	mutexWaitMetricName    = "mutex_wait_seconds"
	failedStatesMetricName = "publish_failed_state_total"
)

const (
	targetBranchLabel = "target_branch"
	outcomeLabel      = "outcome"
	stateLabel        = "state"
)

type metricCollector struct {
	logger       *zap.Logger
	attempts     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	mutexWait    *prometheus.HistogramVec
	failedStates *prometheus.CounterVec
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		logger: zap.L().Named(loggerName).Named("metrics"),
		attempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      attemptsMetricName,
				Help:      "count of publish attempts by outcome",
			},
			[]string{targetBranchLabel, outcomeLabel},
		),
		duration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricNamespace,
				Name:      durationMetricName,
				Help:      "duration of publish attempts",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{targetBranchLabel},
		),
		mutexWait: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricNamespace,
				Name:      mutexWaitMetricName,
				Help:      "time spent waiting for the publish mutex",
				Buckets:   []float64{0.01, 0.1, 1, 10, 60, 300, 900},
			},
			[]string{targetBranchLabel},
		),
		failedStates: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      failedStatesMetricName,
				Help:      "count of failed publish attempts by the state in which they failed",
			},
			[]string{targetBranchLabel, stateLabel},
		),
	}
}

func (m *metricCollector) logGetMetricFailed(metricName string, err error) {
	m.logger.Warn(
		"could not record metric",
		zap.String("metric", metricName),
		logfields.Event("recording_metric_failed"),
		zap.Error(err),
	)
}

func (m *metricCollector) AttemptsInc(targetBranch, outcome string) {
	cnt, err := m.attempts.GetMetricWith(prometheus.Labels{
		targetBranchLabel: targetBranch,
		outcomeLabel:      outcome,
	})
	if err != nil {
		m.logGetMetricFailed(attemptsMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) DurationObserve(targetBranch string, seconds float64) {
	h, err := m.duration.GetMetricWith(prometheus.Labels{targetBranchLabel: targetBranch})
	if err != nil {
		m.logGetMetricFailed(durationMetricName, err)
		return
	}

	h.Observe(seconds)
}

func (m *metricCollector) MutexWaitObserve(targetBranch string, seconds float64) {
	h, err := m.mutexWait.GetMetricWith(prometheus.Labels{targetBranchLabel: targetBranch})
	if err != nil {
		m.logGetMetricFailed(mutexWaitMetricName, err)
		return
	}

	h.Observe(seconds)
}

func (m *metricCollector) FailedStateInc(targetBranch string, state State) {
	cnt, err := m.failedStates.GetMetricWith(prometheus.Labels{
		targetBranchLabel: targetBranch,
		stateLabel:        state.String(),
	})
	if err != nil {
		m.logGetMetricFailed(failedStatesMetricName, err)
		return
	}

	cnt.Inc()
}
