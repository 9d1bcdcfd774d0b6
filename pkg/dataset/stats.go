package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"
)

// FeatureStats are the normalization statistics of one feature, flattened.
type FeatureStats struct {
	Mean  []float64
	Std   []float64
	Min   []float64
	Max   []float64
	Count int
}

// Stats maps feature keys to their statistics.
type Stats map[string]FeatureStats

func (s *FeatureStats) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, v := range raw {
		switch key {
		case "mean":
			s.Mean = flatten(v, nil)
		case "std":
			s.Std = flatten(v, nil)
		case "min":
			s.Min = flatten(v, nil)
		case "max":
			s.Max = flatten(v, nil)
		case "count":
			if c := flatten(v, nil); len(c) > 0 {
				s.Count = int(c[0])
			}
		}
	}
	return nil
}

// flatten turns nested JSON arrays of numbers into a flat slice, row-major.
func flatten(v any, out []float64) []float64 {
	switch x := v.(type) {
	case float64:
		return append(out, x)
	case []any:
		for _, e := range x {
			out = flatten(e, out)
		}
	}
	return out
}

func loadStats(root string) (Stats, error) {
	var stats Stats
	err := readJSON(filepath.Join(root, StatsPath), &stats)
	if err == nil {
		return stats, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	// v2.1 stores per-episode stats only.
	var perEpisode []Stats
	jerr := readJSONL(filepath.Join(root, EpisodesStatsPath), func(line []byte) error {
		var rec struct {
			Stats Stats `json:"stats"`
		}
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		perEpisode = append(perEpisode, rec.Stats)
		return nil
	})
	if jerr != nil {
		return nil, fmt.Errorf("no dataset statistics: %w", errors.Join(err, jerr))
	}
	return AggregateStats(perEpisode)
}

// AggregateStats combines per-episode statistics into dataset statistics.
// Means are count-weighted and variances are pooled around the combined mean.
func AggregateStats(episodes []Stats) (Stats, error) {
	grouped := make(map[string][]FeatureStats)
	for _, ep := range episodes {
		for key, fs := range ep {
			grouped[key] = append(grouped[key], fs)
		}
	}

	out := make(Stats, len(grouped))
	for key, parts := range grouped {
		agg, err := aggregateFeature(parts)
		if err != nil {
			return nil, fmt.Errorf("aggregate stats for %s: %w", key, err)
		}
		out[key] = agg
	}
	return out, nil
}

func aggregateFeature(parts []FeatureStats) (FeatureStats, error) {
	n := len(parts[0].Mean)
	total := 0
	for _, p := range parts {
		if len(p.Mean) != n || len(p.Std) != n || len(p.Min) != n || len(p.Max) != n {
			return FeatureStats{}, errors.New("inconsistent stat shapes across episodes")
		}
		if p.Count <= 0 {
			return FeatureStats{}, errors.New("episode stats missing count")
		}
		total += p.Count
	}

	mean := make([]float64, n)
	for _, p := range parts {
		floats.AddScaled(mean, float64(p.Count)/float64(total), p.Mean)
	}

	variance := make([]float64, n)
	diff := make([]float64, n)
	for _, p := range parts {
		w := float64(p.Count) / float64(total)
		floats.SubTo(diff, p.Mean, mean)
		floats.Mul(diff, diff)
		for i, s := range p.Std {
			variance[i] += w * (s*s + diff[i])
		}
	}
	std := make([]float64, n)
	for i, v := range variance {
		std[i] = math.Sqrt(v)
	}

	minV := append([]float64(nil), parts[0].Min...)
	maxV := append([]float64(nil), parts[0].Max...)
	for _, p := range parts[1:] {
		for i := range minV {
			minV[i] = math.Min(minV[i], p.Min[i])
			maxV[i] = math.Max(maxV[i], p.Max[i])
		}
	}

	return FeatureStats{Mean: mean, Std: std, Min: minV, Max: maxV, Count: total}, nil
}
