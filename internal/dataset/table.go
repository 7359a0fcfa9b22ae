package dataset

import (
	"context"
	"database/sql"
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ejscreen-cli/internal/frame"
)

// ReadTable reads a previously written output table keeping every column.
// Columns named in text stay text; every other column becomes Ints when all
// present cells are integers, Floats when all are numbers, else Texts.
func ReadTable(ctx context.Context, r io.Reader, text []string, opts ReadOptions) (*frame.Frame, error) {
	reader := csv.NewReader(r)
	if opts.Delimiter != 0 {
		reader.Comma = opts.Delimiter
	}
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, eris.New("dataset: empty input")
	}
	if err != nil {
		return nil, eris.Wrap(err, "dataset: read header")
	}
	for i, h := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}

	cells := make([][]string, len(header))
	for n := 0; ; n++ {
		if n%10000 == 0 && ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "dataset: context cancelled")
		}
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "dataset: read row")
		}
		for i := range header {
			v := ""
			if i < len(record) {
				v = record[i]
			}
			cells[i] = append(cells[i], v)
		}
	}

	forced := make(map[string]bool, len(text))
	for _, t := range text {
		forced[t] = true
	}

	rows := 0
	if len(header) > 0 {
		rows = len(cells[0])
	}
	f := frame.New(rows)
	for i, name := range header {
		var col frame.Column
		if forced[name] {
			col = textColumn(cells[i])
		} else {
			col = inferColumn(cells[i])
		}
		if err := f.Set(name, col); err != nil {
			return nil, eris.Wrapf(err, "dataset: column %s", name)
		}
	}
	return f, nil
}

func textColumn(cells []string) frame.Texts {
	out := make(frame.Texts, len(cells))
	for i, c := range cells {
		if c != "" {
			out[i] = frame.Text(c)
		}
	}
	return out
}

func inferColumn(cells []string) frame.Column {
	if ints, ok := parseInts(cells); ok {
		return ints
	}
	floats := make(frame.Floats, len(cells))
	for i, c := range cells {
		v, err := parseNumber(c)
		if err != nil {
			return textColumn(cells)
		}
		floats[i] = v
	}
	return floats
}

func parseInts(cells []string) (frame.Ints, bool) {
	out := make(frame.Ints, len(cells))
	for i, c := range cells {
		s := strings.TrimSpace(c)
		if missingTokens[s] {
			out[i] = sql.NullInt64{}
			continue
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, false
		}
		out[i] = frame.Int(v)
	}
	return out, true
}
