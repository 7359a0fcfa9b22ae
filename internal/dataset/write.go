package dataset

import (
	"archive/zip"
	"encoding/csv"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/ejscreen-cli/internal/frame"
	"github.com/sells-group/ejscreen-cli/internal/percentile"
)

// Lookup table key columns and the summary row label.
const (
	ColumnPercentile = "PCTILE"
	ColumnRegion     = "REGION"
	RowMean          = "mean"
)

// WriteCSV writes the frame with a header row. Missing values are empty cells.
func WriteCSV(w io.Writer, f *frame.Frame) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(f.Names()); err != nil {
		return eris.Wrap(err, "dataset: write header")
	}

	cols := make([]frame.Column, len(f.Names()))
	for i, n := range f.Names() {
		c, err := f.Column(n)
		if err != nil {
			return eris.Wrap(err, "dataset: write")
		}
		cols[i] = c
	}

	record := make([]string, len(cols))
	for r := 0; r < f.Len(); r++ {
		for i, c := range cols {
			record[i] = c.Format(r)
		}
		if err := cw.Write(record); err != nil {
			return eris.Wrapf(err, "dataset: write row %d", r)
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "dataset: flush")
}

// lookupCell is one value of the lookup export; Valid is false for cells of
// an empty partition.
type lookupCell struct {
	Value float64
	Valid bool
}

// lookupRow is one row of the lookup export.
type lookupRow struct {
	Key    string // percentile 0..100 or RowMean
	Region string
	Cells  []lookupCell
}

// lookupRows flattens a lookup into export rows: per region block, one row
// per percentile followed by the mean row. Columns follow l.Columns().
func lookupRows(l *percentile.Lookup) ([]string, []lookupRow) {
	cols := l.Columns()
	var rows []lookupRow
	for _, b := range l.Blocks {
		for p := 0; p <= percentile.Points; p++ {
			row := lookupRow{Region: b.Region, Cells: make([]lookupCell, len(cols))}
			if p == percentile.Points {
				row.Key = RowMean
			} else {
				row.Key = strconv.Itoa(p)
			}
			for i, c := range cols {
				t, ok := b.Tables[c]
				if !ok || !t.Valid {
					continue
				}
				if p == percentile.Points {
					row.Cells[i] = lookupCell{Value: t.Mean, Valid: true}
				} else {
					row.Cells[i] = lookupCell{Value: t.Values[p], Valid: true}
				}
			}
			rows = append(rows, row)
		}
	}
	return cols, rows
}

func lookupHeader(l *percentile.Lookup, cols []string) []string {
	header := []string{ColumnPercentile}
	if l.Regional() {
		header = append(header, ColumnRegion)
	}
	return append(header, cols...)
}

// WriteLookupCSV writes the combined lookup table. Regional lookups carry a
// REGION column; PCTILE is the row key within each region block.
func WriteLookupCSV(w io.Writer, l *percentile.Lookup) error {
	cols, rows := lookupRows(l)
	regional := l.Regional()

	cw := csv.NewWriter(w)
	if err := cw.Write(lookupHeader(l, cols)); err != nil {
		return eris.Wrap(err, "dataset: write lookup header")
	}
	for _, row := range rows {
		record := []string{row.Key}
		if regional {
			record = append(record, row.Region)
		}
		for _, c := range row.Cells {
			if c.Valid {
				record = append(record, strconv.FormatFloat(c.Value, 'g', -1, 64))
			} else {
				record = append(record, "")
			}
		}
		if err := cw.Write(record); err != nil {
			return eris.Wrap(err, "dataset: write lookup row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "dataset: flush lookup")
}

// LookupSheet is the sheet name of the lookup workbook.
const LookupSheet = "lookup"

// WriteLookupXLSX writes the combined lookup table as a workbook.
func WriteLookupXLSX(path string, l *percentile.Lookup) error {
	wb := xlsx.NewFile()
	sheet, err := wb.AddSheet(LookupSheet)
	if err != nil {
		return eris.Wrap(err, "dataset: add lookup sheet")
	}

	cols, rows := lookupRows(l)
	regional := l.Regional()

	hdr := sheet.AddRow()
	for _, h := range lookupHeader(l, cols) {
		hdr.AddCell().SetString(h)
	}
	for _, row := range rows {
		xr := sheet.AddRow()
		xr.AddCell().SetString(row.Key)
		if regional {
			xr.AddCell().SetString(row.Region)
		}
		for _, c := range row.Cells {
			cell := xr.AddCell()
			if c.Valid {
				cell.SetFloat(c.Value)
			}
		}
	}

	if err := saveWorkbook(path, wb); err != nil {
		return eris.Wrapf(err, "dataset: save lookup workbook %s", path)
	}
	return nil
}

// saveWorkbook writes wb with its parts in name order so equal workbooks
// produce equal bytes.
func saveWorkbook(path string, wb *xlsx.File) error {
	parts, err := wb.MarshallParts()
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := writeParts(f, parts); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}

func writeParts(w io.Writer, parts map[string]string) error {
	names := make([]string, 0, len(parts))
	for n := range parts {
		names = append(names, n)
	}
	sort.Strings(names)

	zw := zip.NewWriter(w)
	for _, n := range names {
		pw, err := zw.Create(n)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(pw, parts[n]); err != nil {
			return err
		}
	}
	return zw.Close()
}
