package uplink

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Kava-Labs/switch-api/metric"
)

type uplinkMetrics struct {
	registry  *metric.Registry
	component string

	balance       prometheus.Gauge
	packetsRouted *prometheus.CounterVec
	packetsSent   *prometheus.CounterVec
}

func newUplinkMetrics(registry *metric.Registry, credentialID, assetCode string) *uplinkMetrics {
	if registry == nil {
		return nil
	}

	labels := prometheus.Labels{"credentialId": credentialID, "asset": assetCode}
	m := &uplinkMetrics{
		registry:  registry,
		component: "uplink_" + credentialID,
		balance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "switch",
			Subsystem:   "uplink",
			Name:        "balance_base_units",
			Help:        "Derived uplink balance in base units",
			ConstLabels: labels,
		}),
		packetsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "switch",
			Subsystem:   "uplink",
			Name:        "packets_routed_total",
			Help:        "Inbound packets by routed destination",
			ConstLabels: labels,
		}, []string{"route"}),
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "switch",
			Subsystem:   "uplink",
			Name:        "packets_sent_total",
			Help:        "Outbound packets by outcome",
			ConstLabels: labels,
		}, []string{"result"}),
	}

	registry.MustRegister(m.component, map[string]prometheus.Collector{
		"balance":        m.balance,
		"packets_routed": m.packetsRouted,
		"packets_sent":   m.packetsSent,
	})
	return m
}

// unregister releases the collectors so reconnecting the same credential
// can register fresh ones.
func (m *uplinkMetrics) unregister() {
	if m == nil {
		return
	}
	for _, name := range []string{"balance", "packets_routed", "packets_sent"} {
		m.registry.Unregister(m.component, name)
	}
}

func (m *uplinkMetrics) routed(route string) {
	if m != nil {
		m.packetsRouted.WithLabelValues(route).Inc()
	}
}

func (m *uplinkMetrics) sent(result string) {
	if m != nil {
		m.packetsSent.WithLabelValues(result).Inc()
	}
}

func (m *uplinkMetrics) setBalance(balance uint64) {
	if m != nil {
		m.balance.Set(float64(balance))
	}
}
