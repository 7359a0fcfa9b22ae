// Package export joins the output dataset to census geometry and writes it
// as a shapefile, or as EWKB for database loading.
package export

import (
	"context"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ejscreen-cli/internal/frame"
)

// JoinOptions configures a geometry join.
type JoinOptions struct {
	// IDColumn is the dataset identifier column.
	IDColumn string
	// GeomIDField is the shapefile attribute holding the identifier.
	// Default: IDColumn, matched case-insensitively.
	GeomIDField string
	// Schema selects and orders the exported attributes. Nil exports
	// every column with derived types.
	Schema *Schema
}

// JoinStats summarizes a join.
type JoinStats struct {
	Shapes    int // geometry records read
	Written   int // records with a matching dataset row
	Unmatched int // dataset rows without geometry
}

// Join writes a shapefile at outPath holding every geometry of geomPath whose
// identifier appears in f, with f's attributes. Records keep the geometry
// file's order; geometries without a dataset row are dropped.
func Join(ctx context.Context, geomPath, outPath string, f *frame.Frame, opts JoinOptions) (JoinStats, error) {
	var stats JoinStats

	index, err := rowIndex(f, opts.IDColumn)
	if err != nil {
		return stats, err
	}
	schema := opts.Schema
	if schema == nil {
		schema = DefaultSchema(f)
	}
	fields, err := schema.resolve(f)
	if err != nil {
		return stats, err
	}
	cols := make([]frame.Column, len(fields))
	shpFields := make([]shp.Field, len(fields))
	for i, fd := range fields {
		cols[i], _ = f.Column(fd.Name)
		shpFields[i] = fd.shp()
	}

	reader, idField, err := openGeometry(geomPath, opts)
	if err != nil {
		return stats, err
	}
	defer func() { _ = reader.Close() }()

	writer, err := shp.Create(outPath, reader.GeometryType)
	if err != nil {
		return stats, eris.Wrapf(err, "export: create shapefile %s", outPath)
	}
	defer writer.Close()
	if err := writer.SetFields(shpFields); err != nil {
		return stats, eris.Wrap(err, "export: set fields")
	}

	matched := make(map[int]bool, len(index))
	for reader.Next() {
		if stats.Shapes%10000 == 0 && ctx.Err() != nil {
			return stats, eris.Wrap(ctx.Err(), "export: context cancelled")
		}
		stats.Shapes++

		_, shape := reader.Shape()
		row, ok := index[attribute(reader, idField)]
		if !ok || shape == nil {
			continue
		}
		matched[row] = true

		rec := int(writer.Write(shape))
		for i, fd := range fields {
			if err := writer.WriteAttribute(rec, i, fd.value(cols[i], row)); err != nil {
				return stats, eris.Wrapf(err, "export: write %s", fd.Alias)
			}
		}
		stats.Written++
	}
	if err := reader.Err(); err != nil {
		return stats, eris.Wrap(err, "export: read geometry")
	}
	stats.Unmatched = len(index) - len(matched)

	zap.L().Info("export: shapefile written",
		zap.String("path", outPath),
		zap.Int("shapes", stats.Shapes),
		zap.Int("written", stats.Written),
		zap.Int("unmatched", stats.Unmatched),
	)
	return stats, nil
}

// Geometries reads geomPath and returns the EWKB geometry of each record
// keyed by its identifier. Records without a usable geometry are skipped.
func Geometries(ctx context.Context, geomPath string, opts JoinOptions) (map[string][]byte, error) {
	reader, idField, err := openGeometry(geomPath, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = reader.Close() }()

	out := make(map[string][]byte)
	var skipped, n int
	for reader.Next() {
		if n%10000 == 0 && ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "export: context cancelled")
		}
		n++

		_, shape := reader.Shape()
		wkb, err := EncodeWKB(shape)
		if err != nil || wkb == nil {
			skipped++
			continue
		}
		out[attribute(reader, idField)] = wkb
	}
	if err := reader.Err(); err != nil {
		return nil, eris.Wrap(err, "export: read geometry")
	}
	if skipped > 0 {
		zap.L().Debug("export: skipped geometry records", zap.Int("skipped", skipped))
	}
	return out, nil
}

func openGeometry(geomPath string, opts JoinOptions) (*shp.Reader, int, error) {
	reader, err := shp.Open(geomPath)
	if err != nil {
		return nil, 0, eris.Wrapf(err, "export: open shapefile %s", geomPath)
	}

	want := opts.GeomIDField
	if want == "" {
		want = opts.IDColumn
	}
	for i, fd := range reader.Fields() {
		if strings.EqualFold(strings.TrimRight(fd.String(), "\x00"), want) {
			return reader, i, nil
		}
	}
	_ = reader.Close()
	return nil, 0, eris.Errorf("export: shapefile %s has no %s field", geomPath, want)
}

func attribute(r *shp.Reader, field int) string {
	return strings.TrimSpace(strings.TrimRight(r.Attribute(field), "\x00"))
}

// rowIndex maps identifiers to row positions.
func rowIndex(f *frame.Frame, idColumn string) (map[string]int, error) {
	ids, err := f.Texts(idColumn)
	if err != nil {
		return nil, eris.Wrap(err, "export: id column")
	}
	index := make(map[string]int, len(ids))
	for i, id := range ids {
		if id.Valid {
			index[strings.TrimSpace(id.String)] = i
		}
	}
	return index, nil
}
