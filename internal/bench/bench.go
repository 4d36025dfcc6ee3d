// Package bench measures effective memory bandwidth of the GPU copy kernel
// and of an NPU element-wise add over shared buffers.
package bench

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/dustin/go-humanize"
	"gonum.org/v1/gonum/stat"

	"github.com/fxnlabs/uma-handoff/internal/failure"
	"github.com/fxnlabs/uma-handoff/internal/metrics"
)

const gib = 1 << 30

// Options control one measurement.
type Options struct {
	SizeBytes  int
	Iterations int
	Warmups    int
}

// Result is a finished measurement. Bytes moved per iteration count both the
// read and the write of the buffer.
type Result struct {
	Device         string
	SizeBytes      int
	Iterations     int
	WarmupFailures int
	Elapsed        time.Duration
	// Samples holds one duration per timed unit of work: one per execution on
	// the NPU, one per timed batch on the GPU.
	Samples []time.Duration
	Mean    time.Duration
	StdDev  time.Duration
	GiBps   float64
}

// Bandwidth returns size × iterations × 2 / elapsed in GiB/s.
func Bandwidth(sizeBytes, iterations int, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(sizeBytes) * float64(iterations) * 2 / gib / elapsed.Seconds()
}

func newResult(device string, opts Options, elapsed time.Duration, samples []time.Duration, warmupFailures int) *Result {
	r := &Result{
		Device:         device,
		SizeBytes:      opts.SizeBytes,
		Iterations:     opts.Iterations,
		WarmupFailures: warmupFailures,
		Elapsed:        elapsed,
		Samples:        samples,
		GiBps:          Bandwidth(opts.SizeBytes, opts.Iterations, elapsed),
	}
	r.Mean, r.StdDev = summarize(samples)
	metrics.BandwidthGiBps.WithLabelValues(device).Set(r.GiBps)
	return r
}

func summarize(samples []time.Duration) (mean, std time.Duration) {
	if len(samples) == 0 {
		return 0, 0
	}
	xs := make([]float64, len(samples))
	for i, s := range samples {
		xs[i] = float64(s)
	}
	m, sd := stat.MeanStdDev(xs, nil)
	if math.IsNaN(sd) {
		sd = 0
	}
	return time.Duration(m), time.Duration(sd)
}

func (r *Result) Print(w io.Writer) {
	fmt.Fprintf(w, "%s bandwidth\n", r.Device)
	fmt.Fprintf(w, "  buffer:     %s\n", humanize.IBytes(uint64(r.SizeBytes)))
	fmt.Fprintf(w, "  iterations: %d (%s moved)\n", r.Iterations, humanize.IBytes(uint64(r.SizeBytes)*uint64(r.Iterations)*2))
	if r.WarmupFailures > 0 {
		fmt.Fprintf(w, "  warm-up failures: %d\n", r.WarmupFailures)
	}
	fmt.Fprintf(w, "  elapsed:    %s\n", r.Elapsed)
	if len(r.Samples) > 1 {
		fmt.Fprintf(w, "  per sample: %s ± %s\n", r.Mean, r.StdDev)
	}
	fmt.Fprintf(w, "  bandwidth:  %.2f GiB/s (%s/s)\n", r.GiBps, humanize.IBytes(uint64(r.GiBps*gib)))
}

func (o Options) validate() error {
	if o.SizeBytes <= 0 || o.Iterations <= 0 || o.Warmups < 0 {
		return failure.New(failure.InvalidArgument, "bench", "%d bytes, %d iterations, %d warm-ups", o.SizeBytes, o.Iterations, o.Warmups)
	}
	return nil
}
