package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Shared-memory allocator metrics
	AllocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uma_allocations_total",
		Help: "Shared-memory allocations that succeeded, by heap id",
	}, []string{"heap"})

	AllocationRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uma_allocation_rejections_total",
		Help: "Heap ids that rejected an allocation request",
	}, []string{"heap"})

	SharedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "uma_shared_bytes",
		Help: "Bytes of shared memory currently allocated",
	})

	// Stage metrics
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "uma_stage_duration_ms",
		Help:    "Duration of a compute stage including its completion wait, in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 16), // 50us to ~1.6s
	}, []string{"device", "stage"})

	StageFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uma_stage_failures_total",
		Help: "Stages that failed, by device and failure kind",
	}, []string{"device", "kind"})

	BarriersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uma_barriers_total",
		Help: "Drain + memory barrier operations, by drained device",
	}, []string{"device"})

	VerificationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uma_verification_failures_total",
		Help: "Result verifications that found a mismatch",
	})

	// Bandwidth measurement
	BandwidthGiBps = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "uma_bandwidth_gib_per_second",
		Help: "Effective read+write bandwidth of the last measurement",
	}, []string{"device"})
)
