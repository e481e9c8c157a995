package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ActiveCallsProvider exposes the number of calls still being processed.
type ActiveCallsProvider interface {
	ActiveCallCount() int
}

// ServiceStatusEntry represents the binding state of one connection service.
type ServiceStatusEntry struct {
	Component  string
	Name       string
	Healthy    bool
	ActiveLegs int
}

// ServiceStatusProvider exposes connection service binding states.
type ServiceStatusProvider interface {
	ServiceStatuses() []ServiceStatusEntry
}

// ServiceStatusFunc adapts a function to ServiceStatusProvider.
type ServiceStatusFunc func() []ServiceStatusEntry

// ServiceStatuses implements ServiceStatusProvider.
func (f ServiceStatusFunc) ServiceStatuses() []ServiceStatusEntry {
	return f()
}

// FocusProvider exposes the focus arbiter's queue depth.
type FocusProvider interface {
	Pending() int
}

// Collector is a prometheus.Collector that gathers callrouter state at
// scrape time.
type Collector struct {
	activeCalls ActiveCallsProvider
	services    ServiceStatusProvider
	focus       FocusProvider
	startTime   time.Time

	activeCallsDesc  *prometheus.Desc
	serviceUpDesc    *prometheus.Desc
	serviceLegsDesc  *prometheus.Desc
	focusPendingDesc *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if
// unavailable.
func NewCollector(
	activeCalls ActiveCallsProvider,
	services ServiceStatusProvider,
	focus FocusProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		activeCalls: activeCalls,
		services:    services,
		focus:       focus,
		startTime:   startTime,

		activeCallsDesc: prometheus.NewDesc(
			"callrouter_active_calls",
			"Number of calls whose connection cycle has not finished",
			nil, nil,
		),
		serviceUpDesc: prometheus.NewDesc(
			"callrouter_service_up",
			"Connection service binding state (1=bound and reachable, 0=other)",
			[]string{"component", "name"}, nil,
		),
		serviceLegsDesc: prometheus.NewDesc(
			"callrouter_service_active_legs",
			"Outstanding or answered INVITEs per connection service",
			[]string{"component", "name"}, nil,
		),
		focusPendingDesc: prometheus.NewDesc(
			"callrouter_focus_pending",
			"Begin-requests waiting for call focus",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"callrouter_uptime_seconds",
			"Seconds since the callrouter process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.serviceUpDesc
	ch <- c.serviceLegsDesc
	ch <- c.focusPendingDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.activeCalls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.activeCalls.ActiveCallCount()),
		)
	}

	if c.services != nil {
		for _, s := range c.services.ServiceStatuses() {
			up := 0.0
			if s.Healthy {
				up = 1.0
			}
			ch <- prometheus.MustNewConstMetric(
				c.serviceUpDesc, prometheus.GaugeValue, up,
				s.Component, s.Name,
			)
			ch <- prometheus.MustNewConstMetric(
				c.serviceLegsDesc, prometheus.GaugeValue, float64(s.ActiveLegs),
				s.Component, s.Name,
			)
		}
	}

	if c.focus != nil {
		ch <- prometheus.MustNewConstMetric(
			c.focusPendingDesc, prometheus.GaugeValue,
			float64(c.focus.Pending()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
