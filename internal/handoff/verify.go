package handoff

import (
	"bytes"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"

	"github.com/fxnlabs/uma-handoff/internal/failure"
	"github.com/fxnlabs/uma-handoff/internal/metrics"
)

// maxReported bounds the mismatches listed in a verification failure.
const maxReported = 8

// Mismatch is one element that differs from its expected value.
type Mismatch struct {
	Index int
	Got   float64
	Want  float64
}

// VerifyFloat32 compares got against want(i) for every element within tol.
// A failure carries the first mismatching elements as detail.
func VerifyFloat32(got []float32, want func(i int) float64, tol float64) error {
	g := make([]float64, len(got))
	w := make([]float64, len(got))
	for i, v := range got {
		g[i] = float64(v)
		w[i] = want(i)
	}
	within := func(a, b float64) bool { return scalar.EqualWithinAbs(a, b, tol) }
	if floats.EqualFunc(g, w, within) {
		return nil
	}

	var mismatches []Mismatch
	for i := range g {
		if !within(g[i], w[i]) {
			mismatches = append(mismatches, Mismatch{Index: i, Got: g[i], Want: w[i]})
		}
	}
	diff := make([]float64, len(g))
	floats.SubTo(diff, g, w)
	maxErr := floats.Norm(diff, math.Inf(1))

	metrics.VerificationFailuresTotal.Inc()
	return failure.WithDetail(failure.VerificationMismatch, "handoff.verify", describe(mismatches),
		"%d of %d elements outside tolerance %g (max error %g)", len(mismatches), len(got), tol, maxErr)
}

// VerifyBytes requires got to equal want byte for byte.
func VerifyBytes(got, want []byte) error {
	if bytes.Equal(got, want) {
		return nil
	}
	metrics.VerificationFailuresTotal.Inc()
	if len(got) != len(want) {
		return failure.New(failure.VerificationMismatch, "handoff.verify", "length %d, want %d", len(got), len(want))
	}
	var mismatches []Mismatch
	for i := range got {
		if got[i] != want[i] {
			mismatches = append(mismatches, Mismatch{Index: i, Got: float64(got[i]), Want: float64(want[i])})
		}
	}
	return failure.WithDetail(failure.VerificationMismatch, "handoff.verify", describe(mismatches),
		"%d of %d bytes differ", len(mismatches), len(got))
}

func describe(ms []Mismatch) string {
	var sb strings.Builder
	for i, m := range ms {
		if i == maxReported {
			fmt.Fprintf(&sb, "... %d more\n", len(ms)-maxReported)
			break
		}
		fmt.Fprintf(&sb, "[%d] got %g want %g\n", m.Index, m.Got, m.Want)
	}
	return sb.String()
}
