package poller

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// cycleReport counts what happened during one poll cycle.
type cycleReport struct {
	started  time.Time
	finished time.Time

	listed   int
	enqueued int
	dequeued int

	published int
	failed    int
	// deferred is true when the drain stopped because the publish mutex
	// was held by another process.
	deferred bool
}

func newCycleReport() *cycleReport {
	return &cycleReport{started: time.Now()}
}

func (r *cycleReport) finish() {
	r.finished = time.Now()
}

func (r *cycleReport) zapFields() []zap.Field {
	return []zap.Field{
		zap.Duration("cycle_duration", r.finished.Sub(r.started)),
		zap.Int("cycle.listed", r.listed),
		zap.Int("cycle.enqueued", r.enqueued),
		zap.Int("cycle.dequeued", r.dequeued),
		zap.Int("cycle.published", r.published),
		zap.Int("cycle.failed", r.failed),
		zap.Bool("cycle.deferred", r.deferred),
	}
}

func (r *cycleReport) String() string {
	s := fmt.Sprintf(
		"%s: %d listed, %d new, %d gone, %d published, %d failed",
		r.finished.Format(time.RFC822),
		r.listed, r.enqueued, r.dequeued, r.published, r.failed,
	)
	if r.deferred {
		s += ", publish mutex busy"
	}

	return s
}
