// Package percentile builds percentile lookup tables from a reference
// population and ranks raw values against them, nationally or per region.
package percentile

import (
	"math"
	"sort"

	"github.com/sells-group/ejscreen-cli/internal/frame"
)

// Points is the number of percentile entries in a lookup table (0 through 100).
const Points = 101

// Table is the lookup table for one (region, column) pair. Values[p] holds
// the reference value at percentile p. An invalid table means every value in
// the partition was missing.
type Table struct {
	Values [Points]float64
	Mean   float64
	Count  int
	Valid  bool
}

// Build computes the lookup table for values restricted to rows. A nil rows
// slice means every row. Missing and non-finite values are ignored.
func Build(values frame.Floats, rows []int) Table {
	var sample []float64
	if rows == nil {
		sample = make([]float64, 0, len(values))
		for _, v := range values {
			if usable(v.Valid, v.Float64) {
				sample = append(sample, v.Float64)
			}
		}
	} else {
		sample = make([]float64, 0, len(rows))
		for _, r := range rows {
			v := values[r]
			if usable(v.Valid, v.Float64) {
				sample = append(sample, v.Float64)
			}
		}
	}
	return buildSorted(sample)
}

func usable(valid bool, v float64) bool {
	return valid && !math.IsNaN(v) && !math.IsInf(v, 0)
}

func buildSorted(sample []float64) Table {
	var t Table
	if len(sample) == 0 {
		return t
	}
	sort.Float64s(sample)

	var sum float64
	for _, v := range sample {
		sum += v
	}

	for p := 0; p < Points; p++ {
		t.Values[p] = interpolate(sample, float64(p)/100)
	}
	t.Mean = sum / float64(len(sample))
	t.Count = len(sample)
	t.Valid = true
	return t
}

// interpolate returns the q-quantile of a sorted sample using linear
// interpolation between the two closest ranks. The virtual index and the
// two-sided lerp follow NumPy's "linear" method so tables agree bit for bit
// with reference tables produced by it, and stay monotonic.
func interpolate(sorted []float64, q float64) float64 {
	n := len(sorted)
	virtual := float64(n)*q + (1 - q) - 1
	if virtual >= float64(n-1) {
		return sorted[n-1]
	}
	if virtual < 0 {
		return sorted[0]
	}
	prev := math.Floor(virtual)
	gamma := virtual - prev
	lo := int(prev)
	return lerp(sorted[lo], sorted[lo+1], gamma)
}

func lerp(a, b, t float64) float64 {
	diff := b - a
	if t >= 0.5 {
		return b - diff*(1-t)
	}
	return a + diff*t
}
