// Package classify derives ordinal bins and text labels from percentile ranks.
package classify

import (
	"database/sql"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ejscreen-cli/internal/frame"
)

// Column name prefixes for percentile, bin and text fields.
const (
	PrefixPercentile = "P_"
	PrefixBin        = "B_"
	PrefixText       = "T_"
)

// TextSuffix follows the rank in text labels, e.g. "42 %ile".
const TextSuffix = " %ile"

// Bin returns the 1..11 bin of a percentile rank:
//   - 11: rank >= 95
//   - 10: 90 <= rank < 95
//   - 2..9: one bin per decile from 10 to 90
//   - 1: rank < 10
func Bin(p sql.NullInt64) sql.NullInt64 {
	if !p.Valid {
		return sql.NullInt64{}
	}
	switch r := p.Int64; {
	case r >= 95:
		return frame.Int(11)
	case r >= 90:
		return frame.Int(10)
	case r < 10:
		return frame.Int(1)
	default:
		return frame.Int(r/10 + 1)
	}
}

// Text returns the display label of a percentile rank.
func Text(p sql.NullInt64) sql.NullString {
	if !p.Valid {
		return sql.NullString{}
	}
	return frame.Text(strconv.FormatInt(p.Int64, 10) + TextSuffix)
}

// BinName maps a percentile column name to its bin column name.
func BinName(percentileColumn string) string {
	return PrefixBin + strings.TrimPrefix(percentileColumn, PrefixPercentile)
}

// TextName maps a percentile column name to its text column name.
func TextName(percentileColumn string) string {
	return PrefixText + strings.TrimPrefix(percentileColumn, PrefixPercentile)
}

// Apply returns a copy of f with bin and text columns added for each of the
// given percentile columns.
func Apply(f *frame.Frame, percentileColumns []string) (*frame.Frame, error) {
	out := f.Clone()
	for _, name := range percentileColumns {
		if !strings.HasPrefix(name, PrefixPercentile) {
			return nil, eris.Errorf("classify: %s is not a percentile column", name)
		}
		ranks, err := f.Ints(name)
		if err != nil {
			return nil, eris.Wrap(err, "classify")
		}

		bins := make(frame.Ints, len(ranks))
		labels := make(frame.Texts, len(ranks))
		for i, r := range ranks {
			bins[i] = Bin(r)
			labels[i] = Text(r)
		}
		if err := out.Set(BinName(name), bins); err != nil {
			return nil, eris.Wrap(err, "classify")
		}
		if err := out.Set(TextName(name), labels); err != nil {
			return nil, eris.Wrap(err, "classify")
		}
	}
	return out, nil
}
