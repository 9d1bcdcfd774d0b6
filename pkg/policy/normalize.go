package policy

import (
	"fmt"

	"github.com/paperthrow/lerobot/pkg/dataset"
)

const normEps = 1e-8

// Normalizer applies one feature's normalization.
type Normalizer struct {
	Mode NormalizationMode
	A    []float64 // mean or min
	B    []float64 // std or max
}

func newNormalizer(key string, f dataset.Feature, mode NormalizationMode, stats dataset.Stats) (Normalizer, error) {
	if mode == Identity {
		return Normalizer{Mode: Identity}, nil
	}

	st, ok := stats[key]
	if !ok {
		return Normalizer{}, fmt.Errorf("missing stats for feature %s", key)
	}

	var a, b []float64
	switch mode {
	case MeanStd:
		a, b = st.Mean, st.Std
	case MinMax:
		a, b = st.Min, st.Max
	default:
		return Normalizer{}, fmt.Errorf("feature %s: unknown normalization mode %q", key, mode)
	}
	if len(a) == 0 || len(b) == 0 {
		return Normalizer{}, fmt.Errorf("feature %s: %s stats are empty", key, mode)
	}

	want := statSize(f)
	if len(a) != want || len(b) != want {
		return Normalizer{}, fmt.Errorf("feature %s: stats have %d/%d values, shape %v needs %d",
			key, len(a), len(b), f.Shape, want)
	}
	return Normalizer{Mode: mode, A: a, B: b}, nil
}

// statSize is the number of stat values a feature carries: one per channel for images,
// one per element otherwise.
func statSize(f dataset.Feature) int {
	if f.IsVisual() || f.Type == dataset.TypeVisual {
		if len(f.Shape) == 0 {
			return 0
		}
		last := f.Shape[len(f.Shape)-1]
		if last == 1 || last == 3 || last == 4 {
			return last
		}
		return f.Shape[0]
	}
	return f.NumElements()
}

// Apply normalizes x.
func (n Normalizer) Apply(x []float64) ([]float64, error) {
	if n.Mode == Identity {
		return append([]float64(nil), x...), nil
	}
	if len(x) != len(n.A) {
		return nil, fmt.Errorf("got %d values, normalizer expects %d", len(x), len(n.A))
	}
	out := make([]float64, len(x))
	for i, v := range x {
		switch n.Mode {
		case MeanStd:
			out[i] = (v - n.A[i]) / (n.B[i] + normEps)
		case MinMax:
			out[i] = (v-n.A[i])/(n.B[i]-n.A[i]+normEps)*2 - 1
		}
	}
	return out, nil
}

// Invert maps normalized values back to the data range.
func (n Normalizer) Invert(y []float64) ([]float64, error) {
	if n.Mode == Identity {
		return append([]float64(nil), y...), nil
	}
	if len(y) != len(n.A) {
		return nil, fmt.Errorf("got %d values, normalizer expects %d", len(y), len(n.A))
	}
	out := make([]float64, len(y))
	for i, v := range y {
		switch n.Mode {
		case MeanStd:
			out[i] = v*(n.B[i]+normEps) + n.A[i]
		case MinMax:
			out[i] = (v+1)/2*(n.B[i]-n.A[i]+normEps) + n.A[i]
		}
	}
	return out, nil
}
