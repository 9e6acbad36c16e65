// Package metrics provides Prometheus metrics for the drone network.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "dronenet"
)

// Metrics contains all Prometheus metrics for a simulated network.
type Metrics struct {
	// Drone metrics, labelled by drone ID
	PacketsForwarded *prometheus.CounterVec
	PacketsDropped   *prometheus.CounterVec
	NacksSent        *prometheus.CounterVec
	FloodRequests    *prometheus.CounterVec
	MalformedPackets *prometheus.CounterVec
	SendFailures     *prometheus.CounterVec
	Neighbors        *prometheus.GaugeVec
	PacketDropRate   *prometheus.GaugeVec
	DroneState       *prometheus.GaugeVec

	// Controller metrics
	DronesRunning prometheus.Gauge
	DroneCrashes  prometheus.Counter
	Commands      *prometheus.CounterVec

	// Endpoint metrics, labelled by client or server ID
	FragmentsSent      *prometheus.CounterVec
	FragmentsDelivered *prometheus.CounterVec
	AcksReceived       *prometheus.CounterVec
	NacksReceived      *prometheus.CounterVec
	FloodResponses     *prometheus.CounterVec
	DiscoveryLatency   prometheus.Histogram
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PacketsForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_forwarded_total",
			Help:      "Packets forwarded to the next hop by packet type",
		}, []string{"drone", "type"}),
		PacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Fragments dropped by the packet drop rate",
		}, []string{"drone"}),
		NacksSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nacks_sent_total",
			Help:      "Negative acknowledgments generated by kind",
		}, []string{"drone", "kind"}),
		FloodRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flood_requests_total",
			Help:      "Flood requests handled by outcome",
		}, []string{"drone", "outcome"}),
		MalformedPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_packets_total",
			Help:      "Packets discarded because their routing header was invalid",
		}, []string{"drone"}),
		SendFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Deliveries that failed because the neighbor was gone",
		}, []string{"drone"}),
		Neighbors: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "neighbors",
			Help:      "Number of neighbors in the drone's table",
		}, []string{"drone"}),
		PacketDropRate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "packet_drop_rate",
			Help:      "Current packet drop rate",
		}, []string{"drone"}),
		DroneState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "drone_state",
			Help:      "Lifecycle state (0 created, 1 running, 2 draining, 3 terminated)",
		}, []string{"drone"}),

		DronesRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "drones_running",
			Help:      "Number of drones whose event loop is active",
		}),
		DroneCrashes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drone_crashes_total",
			Help:      "Total number of drones crashed by the controller",
		}),
		Commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Controller commands sent by type",
		}, []string{"command"}),

		FragmentsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_sent_total",
			Help:      "Fragments sent by clients",
		}, []string{"node"}),
		FragmentsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_delivered_total",
			Help:      "Fragments received by servers",
		}, []string{"node"}),
		AcksReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acks_received_total",
			Help:      "Acks received by clients",
		}, []string{"node"}),
		NacksReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nacks_received_total",
			Help:      "Nacks received by clients by kind",
		}, []string{"node", "kind"}),
		FloodResponses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flood_responses_total",
			Help:      "Flood responses received by initiators",
		}, []string{"node"}),
		DiscoveryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "discovery_duration_seconds",
			Help:      "Time from flood start until the first response",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		}),
	}
}

// Drone returns a recorder bound to one drone's label.
func (m *Metrics) Drone(id string) *DroneRecorder {
	if m == nil {
		return nil
	}
	return &DroneRecorder{m: m, id: id}
}

// DroneRecorder records metrics for one drone. A nil recorder is a no-op.
type DroneRecorder struct {
	m  *Metrics
	id string
}

// RecordForward records a packet handed to the next hop.
func (r *DroneRecorder) RecordForward(packetType string) {
	if r == nil {
		return
	}
	r.m.PacketsForwarded.WithLabelValues(r.id, packetType).Inc()
}

// RecordDrop records a fragment dropped by the packet drop rate.
func (r *DroneRecorder) RecordDrop() {
	if r == nil {
		return
	}
	r.m.PacketsDropped.WithLabelValues(r.id).Inc()
}

// RecordNack records a generated Nack.
func (r *DroneRecorder) RecordNack(kind string) {
	if r == nil {
		return
	}
	r.m.NacksSent.WithLabelValues(r.id, kind).Inc()
}

// RecordFlood records the outcome of a flood request.
func (r *DroneRecorder) RecordFlood(outcome string) {
	if r == nil {
		return
	}
	r.m.FloodRequests.WithLabelValues(r.id, outcome).Inc()
}

// RecordMalformed records a discarded malformed packet.
func (r *DroneRecorder) RecordMalformed() {
	if r == nil {
		return
	}
	r.m.MalformedPackets.WithLabelValues(r.id).Inc()
}

// RecordSendFailure records a delivery to a vanished neighbor.
func (r *DroneRecorder) RecordSendFailure() {
	if r == nil {
		return
	}
	r.m.SendFailures.WithLabelValues(r.id).Inc()
}

// SetNeighbors sets the neighbor count.
func (r *DroneRecorder) SetNeighbors(n int) {
	if r == nil {
		return
	}
	r.m.Neighbors.WithLabelValues(r.id).Set(float64(n))
}

// SetPDR sets the packet drop rate gauge.
func (r *DroneRecorder) SetPDR(pdr float64) {
	if r == nil {
		return
	}
	r.m.PacketDropRate.WithLabelValues(r.id).Set(pdr)
}

// SetState sets the lifecycle state gauge.
func (r *DroneRecorder) SetState(state int) {
	if r == nil {
		return
	}
	r.m.DroneState.WithLabelValues(r.id).Set(float64(state))
}

// RecordDroneStart records a drone event loop starting.
func (m *Metrics) RecordDroneStart() {
	m.DronesRunning.Inc()
}

// RecordDroneStop records a drone event loop returning.
func (m *Metrics) RecordDroneStop() {
	m.DronesRunning.Dec()
}

// RecordCrash records a drone crashed by the controller.
func (m *Metrics) RecordCrash() {
	m.DroneCrashes.Inc()
}

// RecordCommand records a controller command.
func (m *Metrics) RecordCommand(command string) {
	m.Commands.WithLabelValues(command).Inc()
}

// RecordFragmentSent records a fragment sent by a client.
func (m *Metrics) RecordFragmentSent(node string) {
	m.FragmentsSent.WithLabelValues(node).Inc()
}

// RecordFragmentDelivered records a fragment received by a server.
func (m *Metrics) RecordFragmentDelivered(node string) {
	m.FragmentsDelivered.WithLabelValues(node).Inc()
}

// RecordAck records an Ack received by a client.
func (m *Metrics) RecordAck(node string) {
	m.AcksReceived.WithLabelValues(node).Inc()
}

// RecordNackReceived records a Nack received by a client.
func (m *Metrics) RecordNackReceived(node, kind string) {
	m.NacksReceived.WithLabelValues(node, kind).Inc()
}

// RecordFloodResponse records a FloodResponse received by an initiator.
func (m *Metrics) RecordFloodResponse(node string) {
	m.FloodResponses.WithLabelValues(node).Inc()
}

// RecordDiscovery records the latency of a flood discovery.
func (m *Metrics) RecordDiscovery(latencySeconds float64) {
	m.DiscoveryLatency.Observe(latencySeconds)
}
