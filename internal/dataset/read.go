// Package dataset reads source tables into frames and writes the output
// dataset and lookup tables as CSV and XLSX.
package dataset

import (
	"context"
	"database/sql"
	"encoding/csv"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/ejscreen-cli/internal/columns"
	"github.com/sells-group/ejscreen-cli/internal/frame"
)

// ReadOptions configures how a source table is read.
type ReadOptions struct {
	Delimiter rune // default ','
	Regional  bool // the region column is required and kept
	SheetName string
}

// missingTokens are cell values read as missing numbers.
var missingTokens = map[string]bool{
	"":     true,
	"NA":   true,
	"N/A":  true,
	"NaN":  true,
	"nan":  true,
	"null": true,
	"NULL": true,
	"None": true,
}

// ReadCSV reads a delimited table. Only the columns named by spec are kept:
// numeric columns are parsed as floats, all others stay text. The identifier
// is never coerced to a number.
func ReadCSV(ctx context.Context, r io.Reader, spec *columns.Spec, opts ReadOptions) (*frame.Frame, error) {
	reader := csv.NewReader(r)
	if opts.Delimiter != 0 {
		reader.Comma = opts.Delimiter
	}
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, eris.New("dataset: empty input")
	}
	if err != nil {
		return nil, eris.Wrap(err, "dataset: read header")
	}

	b, err := newBuilder(header, spec, opts)
	if err != nil {
		return nil, err
	}

	for {
		if b.rows%10000 == 0 && ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "dataset: context cancelled")
		}
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "dataset: read row")
		}
		if err := b.add(record); err != nil {
			return nil, err
		}
	}
	return b.frame()
}

// ReadXLSX reads a table from a workbook sheet (the first sheet unless
// opts.SheetName is set). The first row is the header.
func ReadXLSX(ctx context.Context, path string, spec *columns.Spec, opts ReadOptions) (*frame.Frame, error) {
	wb, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "dataset: open workbook")
	}

	var sheet *xlsx.Sheet
	if opts.SheetName != "" {
		s, ok := wb.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("dataset: sheet %q not found", opts.SheetName)
		}
		sheet = s
	} else {
		if len(wb.Sheets) == 0 {
			return nil, eris.New("dataset: workbook has no sheets")
		}
		sheet = wb.Sheets[0]
	}
	if len(sheet.Rows) == 0 {
		return nil, eris.New("dataset: empty input")
	}

	b, err := newBuilder(cellStrings(sheet.Rows[0]), spec, opts)
	if err != nil {
		return nil, err
	}
	for _, row := range sheet.Rows[1:] {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "dataset: context cancelled")
		}
		if err := b.add(cellStrings(row)); err != nil {
			return nil, err
		}
	}
	return b.frame()
}

func cellStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for i, c := range row.Cells {
		cells[i] = c.String()
	}
	return cells
}

// builder accumulates source records into typed columns.
type builder struct {
	spec     *columns.Spec
	numeric  []string
	text     []string
	position map[string]int
	floats   map[string]frame.Floats
	texts    map[string]frame.Texts
	ids      map[string]int
	rows     int
}

func newBuilder(header []string, spec *columns.Spec, opts ReadOptions) (*builder, error) {
	position := make(map[string]int, len(header))
	names := make([]string, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		names[i] = h
		if _, dup := position[h]; dup {
			return nil, eris.Errorf("dataset: header lists %q twice", h)
		}
		position[h] = i
	}
	if err := spec.CheckHeader(names, opts.Regional); err != nil {
		return nil, err
	}

	b := &builder{
		spec:     spec,
		numeric:  spec.NumericColumns(),
		text:     spec.TextColumns(opts.Regional),
		position: position,
		floats:   make(map[string]frame.Floats),
		texts:    make(map[string]frame.Texts),
		ids:      make(map[string]int),
	}
	return b, nil
}

func (b *builder) cell(record []string, name string) string {
	i := b.position[name]
	if i >= len(record) {
		return ""
	}
	return record[i]
}

func (b *builder) add(record []string) error {
	line := b.rows + 2 // header is line 1

	id := strings.TrimSpace(b.cell(record, b.spec.IDColumn))
	if id == "" {
		return eris.Errorf("dataset: line %d: empty %s", line, b.spec.IDColumn)
	}
	if prev, dup := b.ids[id]; dup {
		return eris.Errorf("dataset: line %d: duplicate %s %q (first seen on line %d)", line, b.spec.IDColumn, id, prev)
	}
	b.ids[id] = line

	for _, name := range b.numeric {
		v, err := parseNumber(b.cell(record, name))
		if err != nil {
			return eris.Wrapf(err, "dataset: line %d column %s", line, name)
		}
		b.floats[name] = append(b.floats[name], v)
	}
	for _, name := range b.text {
		raw := b.cell(record, name)
		if raw == "" {
			b.texts[name] = append(b.texts[name], sql.NullString{})
			continue
		}
		b.texts[name] = append(b.texts[name], frame.Text(raw))
	}
	b.rows++
	return nil
}

func (b *builder) frame() (*frame.Frame, error) {
	f := frame.New(b.rows)
	for _, name := range b.text {
		col := b.texts[name]
		if col == nil {
			col = frame.Texts{}
		}
		if err := f.Set(name, col); err != nil {
			return nil, eris.Wrap(err, "dataset: assemble")
		}
	}
	for _, name := range b.numeric {
		col := b.floats[name]
		if col == nil {
			col = frame.Floats{}
		}
		if err := f.Set(name, col); err != nil {
			return nil, eris.Wrap(err, "dataset: assemble")
		}
	}
	zap.L().Info("dataset: loaded",
		zap.Int("rows", b.rows),
		zap.Int("numeric_columns", len(b.numeric)),
		zap.Int("text_columns", len(b.text)),
	)
	return f, nil
}

func parseNumber(raw string) (sql.NullFloat64, error) {
	s := strings.TrimSpace(raw)
	if missingTokens[s] {
		return sql.NullFloat64{}, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return sql.NullFloat64{}, eris.Errorf("invalid number %q", raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}, nil
	}
	return frame.Float(v), nil
}
