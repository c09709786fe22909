// Package metrics exports pipeline counters to Prometheus
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// peripheral
	RadioState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blesync_radio_state",
		Help: "Radio state (0 unknown, 1 powered off, 2 unauthorized, 3 unsupported, 4 powered on)",
	})

	PeripheralConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blesync_peripheral_connected",
		Help: "1 while a peripheral is connected",
	})

	PeripheralsDiscovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blesync_peripherals_discovered_total",
		Help: "Distinct peripherals discovered",
	})

	ConnectFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blesync_connect_failures_total",
		Help: "Failed connection attempts",
	})

	PayloadsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blesync_payloads_published_total",
		Help: "Raw characteristic values published by the peripheral manager",
	}, []string{"characteristic"})

	// normalizer
	RecordsWrapped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blesync_records_wrapped_total",
		Help: "Payloads wrapped in a timestamp/base64 envelope instead of passed through",
	})

	PayloadsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blesync_normalize_dropped_total",
		Help: "Payloads dropped because they could not be normalized",
	})

	// pump
	RecordsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blesync_records_received_total",
		Help: "Records accepted by the upload pump",
	})

	RecordsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blesync_records_dropped_total",
		Help: "Records discarded because the upload queue was full",
	})

	BatchesFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blesync_batches_flushed_total",
		Help: "Batches handed to a sender goroutine",
	})

	DeliveryAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blesync_delivery_attempts_total",
		Help: "Send attempts, including retries",
	})

	Deliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blesync_deliveries_total",
		Help: "Records delivered",
	})

	Abandoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blesync_deliveries_abandoned_total",
		Help: "Records abandoned after the retry schedule was exhausted",
	})

	DeliveryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "blesync_delivery_seconds",
		Help:    "Time from first attempt to successful delivery of a record",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})
)
