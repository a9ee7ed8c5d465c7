// Package metrics exposes coordinator gauges and counters to prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "voicerooms"

var (
	promRoomCurrent        prometheus.Gauge
	promParticipantCurrent prometheus.Gauge
	promProducerCurrent    *prometheus.GaugeVec
	promConsumerCurrent    *prometheus.GaugeVec
	promEventCounter       *prometheus.CounterVec
	promEventDropped       *prometheus.CounterVec
	promEngineFailures     *prometheus.CounterVec
)

func init() {
	promRoomCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "room",
		Name:      "total",
	})
	promParticipantCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "participant",
		Name:      "total",
	})
	promProducerCurrent = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "producer",
		Name:      "total",
	}, []string{"kind"})
	promConsumerCurrent = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "consumer",
		Name:      "total",
	}, []string{"kind"})
	promEventCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "event",
		Name:      "published",
	}, []string{"type"})
	promEventDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "event",
		Name:      "dropped",
	}, []string{"type"})
	promEngineFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "failures",
	}, []string{"op"})

	prometheus.MustRegister(
		promRoomCurrent,
		promParticipantCurrent,
		promProducerCurrent,
		promConsumerCurrent,
		promEventCounter,
		promEventDropped,
		promEngineFailures,
	)
}

func RoomStarted()       { promRoomCurrent.Inc() }
func RoomEnded()         { promRoomCurrent.Dec() }
func ParticipantJoined() { promParticipantCurrent.Inc() }
func ParticipantLeft()   { promParticipantCurrent.Dec() }

func ProducerAdded(kind string)   { promProducerCurrent.WithLabelValues(kind).Inc() }
func ProducerRemoved(kind string) { promProducerCurrent.WithLabelValues(kind).Dec() }
func ConsumerAdded(kind string)   { promConsumerCurrent.WithLabelValues(kind).Inc() }
func ConsumerRemoved(kind string) { promConsumerCurrent.WithLabelValues(kind).Dec() }

func EventPublished(eventType string, dropped int) {
	promEventCounter.WithLabelValues(eventType).Inc()
	if dropped > 0 {
		promEventDropped.WithLabelValues(eventType).Add(float64(dropped))
	}
}

func EngineFailure(op string) { promEngineFailures.WithLabelValues(op).Inc() }
