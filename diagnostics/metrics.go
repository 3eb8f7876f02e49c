package diagnostics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors shared by every Diagnose layer in
// a process. Series are labelled by node name and traffic direction.
type Metrics struct {
	Bytes      *prometheus.CounterVec
	Packets    *prometheus.CounterVec
	Throughput *prometheus.GaugeVec
	Peers      *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peertransport",
			Name:      "bytes_total",
			Help:      "Payload bytes passed through the transport stack.",
		}, []string{"node", "direction"}),

		Packets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peertransport",
			Name:      "packets_total",
			Help:      "Datagrams passed through the transport stack.",
		}, []string{"node", "direction"}),

		Throughput: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "peertransport",
			Name:      "throughput_bytes",
			Help:      "Bytes per second over the last measurement interval.",
		}, []string{"node", "direction"}),

		Peers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "peertransport",
			Name:      "peers",
			Help:      "Peers reported by the layer below.",
		}, []string{"node"}),
	}
}
