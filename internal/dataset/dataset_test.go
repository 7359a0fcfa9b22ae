package dataset

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/ejscreen-cli/internal/columns"
	"github.com/sells-group/ejscreen-cli/internal/frame"
	"github.com/sells-group/ejscreen-cli/internal/percentile"
)

func testSpec(t *testing.T) *columns.Spec {
	t.Helper()
	s, err := columns.Parse([]byte(`
info_names: [STATE_NAME]
data_names: [PM25, DEMOGIDX_2]
extra_cols: [AREALAND]
index_names: [D2_PM25]
cols_all: [ID]
`))
	require.NoError(t, err)
	return s
}

func TestReadCSV(t *testing.T) {
	input := "\ufeffID,STATE_NAME,ST_ABBREV,PM25,DEMOGIDX_2,AREALAND,IGNORED\n" +
		"010010201001,Alabama,AL,8.5,0.25,1200,x\n" +
		"010010201002,Alabama,AL,NA,,0900,y\n" +
		"020010201001,Alaska,AK,nan,0.75,,z\n"

	f, err := ReadCSV(context.Background(), strings.NewReader(input), testSpec(t), ReadOptions{Regional: true})
	require.NoError(t, err)

	assert.Equal(t, 3, f.Len())
	assert.Equal(t, []string{"ID", "ST_ABBREV", "STATE_NAME", "AREALAND", "PM25", "DEMOGIDX_2"}, f.Names())
	assert.False(t, f.Has("IGNORED"))

	ids, err := f.Texts("ID")
	require.NoError(t, err)
	assert.Equal(t, "010010201001", ids[0].String, "identifier keeps leading zeros")

	area, err := f.Texts("AREALAND")
	require.NoError(t, err)
	assert.Equal(t, frame.Texts{frame.Text("1200"), frame.Text("0900"), {}}, area)

	pm, err := f.Floats("PM25")
	require.NoError(t, err)
	assert.Equal(t, frame.Floats{frame.Float(8.5), {}, {}}, pm)

	w, err := f.Floats("DEMOGIDX_2")
	require.NoError(t, err)
	assert.Equal(t, frame.Floats{frame.Float(0.25), {}, frame.Float(0.75)}, w)
}

func TestReadCSV_Delimiter(t *testing.T) {
	input := "ID|STATE_NAME|PM25|DEMOGIDX_2|AREALAND\n1|Texas|2|0.5|10\n"
	f, err := ReadCSV(context.Background(), strings.NewReader(input), testSpec(t), ReadOptions{Delimiter: '|'})
	require.NoError(t, err)
	assert.Equal(t, 1, f.Len())
	assert.False(t, f.Has("ST_ABBREV"), "region column only kept at regional level")
}

func TestReadCSV_Errors(t *testing.T) {
	header := "ID,STATE_NAME,ST_ABBREV,PM25,DEMOGIDX_2,AREALAND\n"
	tests := []struct {
		name     string
		input    string
		mismatch bool
		contains string
	}{
		{name: "empty", input: "", contains: "empty input"},
		{name: "missing data column", input: "ID,STATE_NAME,ST_ABBREV,DEMOGIDX_2,AREALAND\n", mismatch: true, contains: "PM25"},
		{name: "duplicate header", input: "ID,ID,STATE_NAME,ST_ABBREV,PM25,DEMOGIDX_2,AREALAND\n", contains: "twice"},
		{name: "empty id", input: header + ",Texas,TX,1,1,1\n", contains: "line 2"},
		{name: "duplicate id", input: header + "7,Texas,TX,1,1,1\n7,Texas,TX,2,2,2\n", contains: "first seen on line 2"},
		{name: "bad number", input: header + "7,Texas,TX,abc,1,1\n", contains: "invalid number"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadCSV(context.Background(), strings.NewReader(tt.input), testSpec(t), ReadOptions{Regional: true})
			require.Error(t, err)
			assert.Equal(t, tt.mismatch, columns.IsMismatch(err))
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestReadCSV_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	input := "ID,STATE_NAME,PM25,DEMOGIDX_2,AREALAND\n1,Texas,2,0.5,10\n"
	_, err := ReadCSV(ctx, strings.NewReader(input), testSpec(t), ReadOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
}

func TestReadXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.xlsx")
	wb := xlsx.NewFile()
	sheet, err := wb.AddSheet("data")
	require.NoError(t, err)
	for _, rec := range [][]string{
		{"ID", "STATE_NAME", "PM25", "DEMOGIDX_2", "AREALAND"},
		{"1", "Texas", "2.5", "0.5", "10"},
		{"2", "Ohio", "NA", "0.25", "20"},
	} {
		row := sheet.AddRow()
		for _, v := range rec {
			row.AddCell().SetString(v)
		}
	}
	require.NoError(t, wb.Save(path))

	f, err := ReadXLSX(context.Background(), path, testSpec(t), ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, f.Len())
	pm, err := f.Floats("PM25")
	require.NoError(t, err)
	assert.Equal(t, frame.Floats{frame.Float(2.5), {}}, pm)

	_, err = ReadXLSX(context.Background(), path, testSpec(t), ReadOptions{SheetName: "nope"})
	require.Error(t, err)
}

func TestWriteCSV(t *testing.T) {
	f := frame.New(2)
	require.NoError(t, f.Set("ID", frame.Texts{frame.Text("a"), frame.Text("b,c")}))
	require.NoError(t, f.Set("X", frame.Floats{frame.Float(0.1), {}}))
	require.NoError(t, f.Set("P_X", frame.Ints{{}, frame.Int(42)}))

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, f))
	assert.Equal(t, "ID,X,P_X\na,0.1,\n\"b,c\",,42\n", buf.String())
}

func sampleLookup(t *testing.T, regional bool) *percentile.Lookup {
	t.Helper()
	f := frame.New(4)
	require.NoError(t, f.Set("ST_ABBREV", frame.Texts{frame.Text("AL"), frame.Text("AL"), frame.Text("AK"), frame.Text("AK")}))
	require.NoError(t, f.Set("X", frame.Floats{frame.Float(1), frame.Float(3), {}, {}}))

	var (
		res *percentile.Result
		err error
	)
	if regional {
		res, err = percentile.RankRegional(context.Background(), f, "ST_ABBREV", []string{"X"}, percentile.Options{})
	} else {
		res, err = percentile.RankNational(context.Background(), f, []string{"X"}, percentile.Options{})
	}
	require.NoError(t, err)
	return res.Lookup
}

func TestWriteLookupCSV_National(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteLookupCSV(&buf, sampleLookup(t, false)))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 1+percentile.Points+1)
	assert.Equal(t, "PCTILE,X", lines[0])
	assert.Equal(t, "0,1", lines[1])
	assert.Equal(t, "50,2", lines[51])
	assert.Equal(t, "100,3", lines[101])
	assert.Equal(t, "mean,2", lines[102])
}

func TestWriteLookupCSV_Regional(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteLookupCSV(&buf, sampleLookup(t, true)))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 1+2*(percentile.Points+1))
	assert.Equal(t, "PCTILE,REGION,X", lines[0])
	assert.Equal(t, "0,AL,1", lines[1])
	assert.Equal(t, "mean,AL,2", lines[102])
	assert.Equal(t, "0,AK,", lines[103], "empty partition leaves cells blank")
	assert.Equal(t, "mean,AK,", lines[204])
}

func TestWriteLookupXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lookup.xlsx")
	require.NoError(t, WriteLookupXLSX(path, sampleLookup(t, true)))

	wb, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	sheet, ok := wb.Sheet[LookupSheet]
	require.True(t, ok)
	require.Len(t, sheet.Rows, 1+2*(percentile.Points+1))

	hdr := sheet.Rows[0]
	require.Len(t, hdr.Cells, 3)
	assert.Equal(t, "PCTILE", hdr.Cells[0].Value)
	assert.Equal(t, "REGION", hdr.Cells[1].Value)
	assert.Equal(t, "X", hdr.Cells[2].Value)

	mean := sheet.Rows[102]
	assert.Equal(t, "mean", mean.Cells[0].Value)
	assert.Equal(t, "AL", mean.Cells[1].Value)
	v, err := mean.Cells[2].Float()
	require.NoError(t, err)
	assert.InDelta(t, 2.0, v, 1e-12)
}

func TestWriteLookupCSV_Idempotent(t *testing.T) {
	var a, b bytes.Buffer
	require.NoError(t, WriteLookupCSV(&a, sampleLookup(t, true)))
	require.NoError(t, WriteLookupCSV(&b, sampleLookup(t, true)))
	assert.Equal(t, a.Bytes(), b.Bytes())
}

func TestWriteLookupXLSX_Idempotent(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.xlsx")
	b := filepath.Join(dir, "b.xlsx")
	require.NoError(t, WriteLookupXLSX(a, sampleLookup(t, true)))
	require.NoError(t, WriteLookupXLSX(b, sampleLookup(t, true)))

	ab, err := os.ReadFile(a)
	require.NoError(t, err)
	bb, err := os.ReadFile(b)
	require.NoError(t, err)
	assert.Equal(t, ab, bb)
}

func TestWriteParts_SortedMembers(t *testing.T) {
	var buf bytes.Buffer
	parts := map[string]string{"xl/workbook.xml": "w", "_rels/.rels": "r", "docProps/app.xml": "a"}
	require.NoError(t, writeParts(&buf, parts))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"_rels/.rels", "docProps/app.xml", "xl/workbook.xml"}, names)
}

func TestReadTable(t *testing.T) {
	input := "ID,PM25,P_PM25,T_PM25,B_PM25\n" +
		"010010201001,8.5,34,34 %ile,4\n" +
		"010010201002,,100,,11\n"

	f, err := ReadTable(context.Background(), strings.NewReader(input), []string{"ID"}, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"ID", "PM25", "P_PM25", "T_PM25", "B_PM25"}, f.Names())
	assert.Equal(t, 2, f.Len())

	ids, err := f.Texts("ID")
	require.NoError(t, err)
	assert.Equal(t, "010010201001", ids[0].String)

	pm, err := f.Floats("PM25")
	require.NoError(t, err)
	assert.Equal(t, frame.Float(8.5), pm[0])
	assert.False(t, pm[1].Valid)

	ranks, err := f.Ints("P_PM25")
	require.NoError(t, err)
	assert.Equal(t, frame.Ints{frame.Int(34), frame.Int(100)}, ranks)

	labels, err := f.Texts("T_PM25")
	require.NoError(t, err)
	assert.Equal(t, "34 %ile", labels[0].String)
	assert.False(t, labels[1].Valid)
}

func TestReadTable_Empty(t *testing.T) {
	_, err := ReadTable(context.Background(), strings.NewReader(""), nil, ReadOptions{})
	assert.Error(t, err)
}
