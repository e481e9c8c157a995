package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder counts processor events as they happen.
type Recorder struct {
	attempts        *prometheus.CounterVec
	failures        *prometheus.CounterVec
	calls           *prometheus.CounterVec
	attemptsPerCall prometheus.Histogram
}

// NewRecorder creates the event counters. They are not registered until
// Register is called.
func NewRecorder() *Recorder {
	return &Recorder{
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callrouter_attempts_total",
				Help: "Connection attempts by event (started, skipped, failed)",
			},
			[]string{"event"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callrouter_attempt_failures_total",
				Help: "Failed connection attempts by disconnect cause",
			},
			[]string{"cause"},
		),
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callrouter_calls_total",
				Help: "Finished connection cycles by result",
			},
			[]string{"result"},
		),
		attemptsPerCall: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "callrouter_call_attempts",
			Help:    "Connection attempts made per finished call",
			Buckets: []float64{0, 1, 2, 3, 4, 6, 8},
		}),
	}
}

// Register adds the counters to reg.
func (r *Recorder) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{r.attempts, r.failures, r.calls, r.attemptsPerCall} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// AttemptStarted counts a begin-request issued to a backend.
func (r *Recorder) AttemptStarted() {
	r.attempts.WithLabelValues("started").Inc()
}

// AttemptSkipped counts a candidate that was never attempted.
func (r *Recorder) AttemptSkipped() {
	r.attempts.WithLabelValues("skipped").Inc()
}

// AttemptFailed counts a failed attempt and its cause.
func (r *Recorder) AttemptFailed(cause string) {
	r.attempts.WithLabelValues("failed").Inc()
	r.failures.WithLabelValues(cause).Inc()
}

// CallCompleted counts a finished connection cycle. result is "connected"
// or the final disconnect cause.
func (r *Recorder) CallCompleted(result string, attempts int) {
	r.calls.WithLabelValues(result).Inc()
	r.attemptsPerCall.Observe(float64(attempts))
}
