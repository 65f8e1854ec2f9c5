// Package metrics exposes store and inspector statistics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jpalmerr/storebox"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "storebox"

// StatsSource is the part of a store the collector reads.
type StatsSource interface {
	Name() string
	Stats() storebox.Stats
}

// Collector is a [prometheus.Collector] reporting [storebox.Stats] of one or
// more stores, labelled by store name.
//
// Values are read at scrape time, so the collector adds no work to the
// store's transition path.
type Collector struct {
	stores []StatsSource

	transitions    *prometheus.Desc
	noops          *prometheus.Desc
	notifications  *prometheus.Desc
	selectorErrors *prometheus.Desc
	callbackErrors *prometheus.Desc
	updateErrors   *prometheus.Desc
	subscriptions  *prometheus.Desc
}

// NewCollector creates a collector for the given stores. An empty namespace
// uses [DefaultNamespace].
func NewCollector(namespace string, stores ...StatsSource) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, []string{"store"}, nil)
	}

	return &Collector{
		stores:         stores,
		transitions:    desc("transitions_total", "Total number of state transitions that ran a notification pass"),
		noops:          desc("noop_writes_total", "Total number of writes that left the state unchanged"),
		notifications:  desc("notifications_total", "Total number of subscription callbacks invoked"),
		selectorErrors: desc("selector_errors_total", "Total number of selectors that panicked"),
		callbackErrors: desc("callback_errors_total", "Total number of subscription callbacks that panicked"),
		updateErrors:   desc("update_errors_total", "Total number of updates rejected with an error"),
		subscriptions:  desc("subscriptions", "Number of active subscriptions"),
	}
}

// Describe implements [prometheus.Collector].
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.transitions
	ch <- c.noops
	ch <- c.notifications
	ch <- c.selectorErrors
	ch <- c.callbackErrors
	ch <- c.updateErrors
	ch <- c.subscriptions
}

// Collect implements [prometheus.Collector].
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.stores {
		st := s.Stats()
		name := s.Name()

		ch <- prometheus.MustNewConstMetric(c.transitions, prometheus.CounterValue, float64(st.Transitions), name)
		ch <- prometheus.MustNewConstMetric(c.noops, prometheus.CounterValue, float64(st.NoOps), name)
		ch <- prometheus.MustNewConstMetric(c.notifications, prometheus.CounterValue, float64(st.Notifications), name)
		ch <- prometheus.MustNewConstMetric(c.selectorErrors, prometheus.CounterValue, float64(st.SelectorErrors), name)
		ch <- prometheus.MustNewConstMetric(c.callbackErrors, prometheus.CounterValue, float64(st.CallbackErrors), name)
		ch <- prometheus.MustNewConstMetric(c.updateErrors, prometheus.CounterValue, float64(st.UpdateErrors), name)
		ch <- prometheus.MustNewConstMetric(c.subscriptions, prometheus.GaugeValue, float64(st.Subscriptions), name)
	}
}

// Server holds the metrics recorded by the inspector HTTP server.
type Server struct {
	// Requests counts API requests by route pattern and status code.
	Requests *prometheus.CounterVec

	// Streams tracks open SSE and websocket streams by transport.
	Streams *prometheus.GaugeVec

	// Dropped counts stream events discarded for closed clients.
	Dropped prometheus.Counter

	// PollResults counts source poll results by source and outcome.
	PollResults *prometheus.CounterVec
}

// NewServer registers the inspector metrics with reg. A nil reg uses
// [prometheus.DefaultRegisterer].
func NewServer(reg prometheus.Registerer, namespace string) *Server {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	factory := promauto.With(reg)

	return &Server{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of inspector API requests",
		}, []string{"route", "code"}),

		Streams: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "streams",
			Help:      "Number of open state streams",
		}, []string{"transport"}),

		Dropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "stream_events_dropped_total",
			Help:      "Total number of stream events dropped for disconnected clients",
		}),

		PollResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "results_total",
			Help:      "Total number of source poll results",
		}, []string{"source", "outcome"}),
	}
}
