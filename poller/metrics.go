package poller

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the prometheus collectors of one engine. A nil *Metrics is valid and records nothing.
type Metrics struct {
	received      prometheus.Counter
	processed     prometheus.Counter
	failed        prometheus.Counter
	emptyPolls    prometheus.Counter
	receiveErrors prometheus.Counter
	deleteErrors  prometheus.Counter
	running       prometheus.Gauge
	handleSeconds prometheus.Histogram
	stops         *prometheus.CounterVec
}

// NewMetrics registers the engine collectors labelled with the engine name.
func NewMetrics(reg prometheus.Registerer, engine string) *Metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"engine": engine}
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "poller",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	return &Metrics{
		received:      counter("messages_received_total", "Messages returned by the transport."),
		processed:     counter("messages_processed_total", "Messages decoded and handled without error."),
		failed:        counter("messages_failed_total", "Messages that failed to decode or whose handler failed."),
		emptyPolls:    counter("empty_polls_total", "Polls that returned no message."),
		receiveErrors: counter("receive_errors_total", "Transport receive failures."),
		deleteErrors:  counter("delete_errors_total", "Transport delete failures after successful handling."),
		running: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "poller",
			Name:        "running",
			Help:        "1 while the polling loop is active.",
			ConstLabels: labels,
		}),
		handleSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "poller",
			Name:        "handle_duration_seconds",
			Help:        "Time spent decoding and handling one message.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		stops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "poller",
			Name:        "stops_total",
			Help:        "Engine stops by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
	}
}

func (m *Metrics) observeReceive(got bool) {
	if m == nil {
		return
	}
	if got {
		m.received.Inc()
	} else {
		m.emptyPolls.Inc()
	}
}

func (m *Metrics) observeHandled(ok bool, took time.Duration) {
	if m == nil {
		return
	}
	m.handleSeconds.Observe(took.Seconds())
	if ok {
		m.processed.Inc()
	} else {
		m.failed.Inc()
	}
}

func (m *Metrics) receiveError() {
	if m != nil {
		m.receiveErrors.Inc()
	}
}

func (m *Metrics) deleteError() {
	if m != nil {
		m.deleteErrors.Inc()
	}
}

func (m *Metrics) setRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.running.Set(1)
	} else {
		m.running.Set(0)
	}
}

func (m *Metrics) stopped(reason StopReason) {
	if m != nil {
		m.stops.WithLabelValues(reason.String()).Inc()
	}
}
