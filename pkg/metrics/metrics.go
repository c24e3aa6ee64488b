package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// Recorder counts sync and pipeline activity. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	flushes        *prom.CounterVec
	conflicts      prom.Counter
	flushDuration  prom.Histogram
	staleness      *prom.CounterVec
	polls          *prom.CounterVec
	runOutcomes    *prom.CounterVec
	pendingPatches prom.Gauge
}

func NewRecorder(reg prom.Registerer) *Recorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	r := &Recorder{
		flushes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "desktopctl",
			Name:      "flushes_total",
			Help:      "Form state flushes by outcome",
		}, []string{"outcome"}),
		conflicts: prom.NewCounter(prom.CounterOpts{
			Namespace: "desktopctl",
			Name:      "conflicts_total",
			Help:      "Saves rejected because the expected hash was stale",
		}),
		flushDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "desktopctl",
			Name:      "flush_duration_seconds",
			Help:      "Round trip time of form state saves",
			Buckets:   prom.DefBuckets,
		}),
		staleness: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "desktopctl",
			Name:      "staleness_checks_total",
			Help:      "Fingerprint staleness checks by result",
		}, []string{"result"}),
		polls: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "desktopctl",
			Name:      "pipeline_polls_total",
			Help:      "Pipeline status polls by result",
		}, []string{"result"}),
		runOutcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "desktopctl",
			Name:      "pipeline_runs_total",
			Help:      "Pipeline runs by terminal status",
		}, []string{"status"}),
		pendingPatches: prom.NewGauge(prom.GaugeOpts{
			Namespace: "desktopctl",
			Name:      "pending_patch_keys",
			Help:      "Keys buffered for the next flush",
		}),
	}
	reg.MustRegister(r.flushes, r.conflicts, r.flushDuration, r.staleness, r.polls, r.runOutcomes, r.pendingPatches)
	return r
}

func (r *Recorder) Flush(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.flushes.WithLabelValues(outcome).Inc()
	if outcome == "conflict" {
		r.conflicts.Inc()
	}
	r.flushDuration.Observe(d.Seconds())
}

func (r *Recorder) Pending(keys int) {
	if r == nil {
		return
	}
	r.pendingPatches.Set(float64(keys))
}

func (r *Recorder) Staleness(result string) {
	if r == nil {
		return
	}
	r.staleness.WithLabelValues(result).Inc()
}

func (r *Recorder) Poll(result string) {
	if r == nil {
		return
	}
	r.polls.WithLabelValues(result).Inc()
}

func (r *Recorder) RunFinished(status string) {
	if r == nil {
		return
	}
	r.runOutcomes.WithLabelValues(status).Inc()
}
