// Package composite derives composite index raw values from indicator
// percentiles and demographic weights, and counts high index percentiles.
package composite

import (
	"database/sql"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ejscreen-cli/internal/classify"
	"github.com/sells-group/ejscreen-cli/internal/columns"
	"github.com/sells-group/ejscreen-cli/internal/frame"
)

// Compose returns a copy of f with one raw value column per configured index:
// the percentile of the index's indicator multiplied by its family's weight.
// The product is taken without rounding; it is undefined when either side is.
func Compose(f *frame.Frame, spec *columns.Spec) (*frame.Frame, error) {
	out := f.Clone()
	for _, index := range spec.IndexNames {
		rule, indicator, ok := spec.Family(index)
		if !ok {
			return nil, &columns.MismatchError{Element: "weight prefix for index", Name: index}
		}

		pctName := classify.PrefixPercentile + indicator
		pct, err := f.Ints(pctName)
		if err != nil {
			if !f.Has(pctName) {
				return nil, &columns.MismatchError{Element: "indicator percentile for index " + index, Name: pctName}
			}
			return nil, eris.Wrapf(err, "composite: %s", index)
		}
		weight, err := f.Floats(rule.Column)
		if err != nil {
			if !f.Has(rule.Column) {
				return nil, &columns.MismatchError{Element: "weight column for index " + index, Name: rule.Column}
			}
			return nil, eris.Wrapf(err, "composite: %s", index)
		}

		raw := make(frame.Floats, f.Len())
		for i := range raw {
			raw[i] = Value(pct[i], weight[i])
		}
		if err := out.Set(index, raw); err != nil {
			return nil, eris.Wrapf(err, "composite: %s", index)
		}
	}
	return out, nil
}

// Value is the raw composite index value of one record.
func Value(percentile sql.NullInt64, weight sql.NullFloat64) sql.NullFloat64 {
	if !percentile.Valid || !weight.Valid {
		return sql.NullFloat64{}
	}
	return frame.Float(float64(percentile.Int64) * weight.Float64)
}

// ExceedCount returns, per record, how many of the given percentile columns
// are at or above threshold. Undefined percentiles never count.
func ExceedCount(f *frame.Frame, percentileColumns []string, threshold int64) (frame.Ints, error) {
	counts := make([]int64, f.Len())
	for _, name := range percentileColumns {
		ranks, err := f.Ints(name)
		if err != nil {
			if !f.Has(name) {
				return nil, &columns.MismatchError{Element: "index percentile", Name: name}
			}
			return nil, eris.Wrap(err, "composite: exceed count")
		}
		for i, r := range ranks {
			if r.Valid && r.Int64 >= threshold {
				counts[i]++
			}
		}
	}

	out := make(frame.Ints, len(counts))
	for i, c := range counts {
		out[i] = frame.Int(c)
	}
	return out, nil
}
