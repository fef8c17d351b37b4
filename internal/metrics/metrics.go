package metrics

import "github.com/prometheus/client_golang/prometheus"

// Gauge names and label sets scraped by existing dashboards; keep them exact.
const (
	ActiveSessionCount      = "active_session_count"
	ActiveCalleeCount       = "active_callee_count"
	ActiveSubscriptionCount = "active_subscription_count"
)

var (
	ActiveSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: ActiveSessionCount, Help: "Number of sessions currently active"},
		[]string{"router_url", "realm"},
	)
	ActiveCallees = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: ActiveCalleeCount, Help: "Number of sessions currently attached to the registration"},
		[]string{"router_url", "realm", "uri"},
	)
	ActiveSubscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: ActiveSubscriptionCount, Help: "Number of sessions currently subscribed to the subscription"},
		[]string{"router_url", "realm", "uri"},
	)

	Connected = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "wampmeter_connected", Help: "1 while joined to the router realm"},
	)
	Events = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wampmeter_events_total", Help: "Meta-events handled"},
		[]string{"topic"},
	)
	MetaCallErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wampmeter_meta_call_errors_total", Help: "Failed meta API calls"},
		[]string{"procedure"},
	)
	Resyncs = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "wampmeter_resyncs_total", Help: "Full state rebuilds from the router"},
	)
)

func Register() {
	prometheus.MustRegister(ActiveSessions, ActiveCallees, ActiveSubscribers, Connected, Events, MetaCallErrors, Resyncs)
}

// Sink sets and removes the bridge gauges of one router endpoint and realm.
type Sink struct {
	RouterURL string
	Realm     string
}

func (s Sink) vec(name string) *prometheus.GaugeVec {
	switch name {
	case ActiveSessionCount:
		return ActiveSessions
	case ActiveCalleeCount:
		return ActiveCallees
	case ActiveSubscriptionCount:
		return ActiveSubscribers
	}
	return nil
}

func (s Sink) labels(name, uri string) []string {
	if name == ActiveSessionCount {
		return []string{s.RouterURL, s.Realm}
	}
	return []string{s.RouterURL, s.Realm, uri}
}

// SetGauge sets the series of gauge name; uri is ignored for the session gauge.
func (s Sink) SetGauge(name, uri string, value float64) {
	if v := s.vec(name); v != nil {
		v.WithLabelValues(s.labels(name, uri)...).Set(value)
	}
}

// RemoveGaugeSeries deletes exactly the series matching the label tuple and
// reports whether it existed.
func (s Sink) RemoveGaugeSeries(name, uri string) bool {
	if v := s.vec(name); v != nil {
		return v.DeleteLabelValues(s.labels(name, uri)...)
	}
	return false
}
