package percentile

import (
	"database/sql"
	"math"
	"sort"

	"github.com/sells-group/ejscreen-cli/internal/frame"
)

// Rank returns the percentile rank of v against the table.
//
// The rank is the lowest percentile whose reference value v falls at or
// above: the first entry >= v is located, stepped back one percentile unless
// it matches v exactly, and then moved to the first percentile holding the
// same reference value so that tied percentiles always report the lowest one.
//
// Values above the 100th percentile reference are clamped to the top entry
// (without the step back) and reported through the second return value.
func (t *Table) Rank(v sql.NullFloat64) (rank sql.NullInt64, clamped bool) {
	if !t.Valid || !v.Valid || math.IsNaN(v.Float64) {
		return sql.NullInt64{}, false
	}
	x := v.Float64
	vals := t.Values[:]

	i := sort.SearchFloat64s(vals, x)
	switch {
	case i == Points:
		i = Points - 1
		clamped = true
	case vals[i] != x && i > 0:
		i--
	}

	return frame.Int(int64(sort.SearchFloat64s(vals, vals[i]))), clamped
}

// rankRows ranks values[r] for every r in rows (all rows when rows is nil)
// and writes the results into out at the same positions. It returns the
// number of clamped values.
func (t *Table) rankRows(values frame.Floats, rows []int, out frame.Ints) int {
	var clamped int
	if rows == nil {
		for r := range values {
			rank, c := t.Rank(values[r])
			out[r] = rank
			if c {
				clamped++
			}
		}
		return clamped
	}
	for _, r := range rows {
		rank, c := t.Rank(values[r])
		out[r] = rank
		if c {
			clamped++
		}
	}
	return clamped
}
