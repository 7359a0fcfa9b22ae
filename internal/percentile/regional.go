package percentile

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/ejscreen-cli/internal/frame"
)

// Options configures a ranking pass.
type Options struct {
	// Concurrency bounds the number of (region, column) units built and
	// ranked at once. Values below 1 mean 1.
	Concurrency int
}

// Result is the output of a ranking pass.
type Result struct {
	// Ranks maps each source column to its percentile ranks, aligned with
	// the source frame's rows.
	Ranks  map[string]frame.Ints
	Lookup *Lookup
	// Clamped counts values that exceeded their table's 100th percentile.
	Clamped int
	// Unassigned counts rows without a region key (regional passes only).
	Unassigned int
}

// Partitions maps region keys to the rows that belong to them.
type Partitions struct {
	keys       []string
	rows       map[string]*roaring.Bitmap
	unassigned int
}

// Partition groups row indices by region key. Keys keep the order in which
// they first appear; rows with a missing or empty key are left unassigned.
func Partition(regions frame.Texts) *Partitions {
	p := &Partitions{rows: make(map[string]*roaring.Bitmap)}
	for i, r := range regions {
		if !r.Valid || r.String == "" {
			p.unassigned++
			continue
		}
		bm, ok := p.rows[r.String]
		if !ok {
			bm = roaring.New()
			p.rows[r.String] = bm
			p.keys = append(p.keys, r.String)
		}
		bm.Add(uint32(i))
	}
	return p
}

// Keys returns the region keys in first-appearance order.
func (p *Partitions) Keys() []string { return p.keys }

// Unassigned returns the number of rows without a region key.
func (p *Partitions) Unassigned() int { return p.unassigned }

// Rows returns the ascending row indices of region key.
func (p *Partitions) Rows(key string) []int {
	bm, ok := p.rows[key]
	if !ok {
		return []int{}
	}
	ids := bm.ToArray()
	rows := make([]int, len(ids))
	for i, id := range ids {
		rows[i] = int(id)
	}
	return rows
}

// Size returns the number of rows in region key.
func (p *Partitions) Size(key string) int {
	bm, ok := p.rows[key]
	if !ok {
		return 0
	}
	return int(bm.GetCardinality())
}

type partition struct {
	region string
	rows   []int // nil means every row
}

// RankNational builds one lookup table per column over the whole frame and
// ranks every row against it.
func RankNational(ctx context.Context, f *frame.Frame, columns []string, opts Options) (*Result, error) {
	return rank(ctx, f, []partition{{}}, columns, opts)
}

// RankRegional builds lookup tables per region and ranks each row against
// the tables of its own region only. Rows without a region key receive
// undefined ranks.
func RankRegional(ctx context.Context, f *frame.Frame, regionColumn string, columns []string, opts Options) (*Result, error) {
	regions, err := f.Texts(regionColumn)
	if err != nil {
		return nil, eris.Wrap(err, "percentile: region column")
	}

	parts := Partition(regions)
	if parts.Unassigned() > 0 {
		zap.L().Warn("percentile: rows without a region key get no regional rank",
			zap.String("region_column", regionColumn),
			zap.Int("rows", parts.Unassigned()),
		)
	}

	units := make([]partition, 0, len(parts.Keys()))
	for _, k := range parts.Keys() {
		units = append(units, partition{region: k, rows: parts.Rows(k)})
	}

	res, err := rank(ctx, f, units, columns, opts)
	if err != nil {
		return nil, err
	}
	res.Unassigned = parts.Unassigned()
	return res, nil
}

func rank(ctx context.Context, f *frame.Frame, parts []partition, columns []string, opts Options) (*Result, error) {
	sources := make([]frame.Floats, len(columns))
	for i, col := range columns {
		v, err := f.Floats(col)
		if err != nil {
			return nil, eris.Wrap(err, "percentile: source column")
		}
		sources[i] = v
	}

	out := make([]frame.Ints, len(columns))
	for i := range out {
		out[i] = make(frame.Ints, f.Len())
	}
	tables := make([][]Table, len(parts))
	for i := range tables {
		tables[i] = make([]Table, len(columns))
	}

	limit := opts.Concurrency
	if limit < 1 {
		limit = 1
	}
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var clamped, done atomic.Int64
	total := len(parts) * len(columns)
	progress := rate.Sometimes{Interval: 2 * time.Second}

	for pi, p := range parts {
		pi, p := pi, p
		for ci := range columns {
			ci := ci
			g.Go(func() error {
				if err := gCtx.Err(); err != nil {
					return eris.Wrap(err, "percentile: cancelled")
				}
				t := Build(sources[ci], p.rows)
				tables[pi][ci] = t
				if !t.Valid {
					zap.L().Debug("percentile: empty partition",
						zap.String("region", p.region),
						zap.String("column", columns[ci]),
					)
				}
				clamped.Add(int64(t.rankRows(sources[ci], p.rows, out[ci])))

				n := done.Add(1)
				progress.Do(func() {
					zap.L().Info("percentile: ranking",
						zap.String("region", p.region),
						zap.Int64("done", n),
						zap.Int("total", total),
					)
				})
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{
		Ranks:   make(map[string]frame.Ints, len(columns)),
		Lookup:  &Lookup{Blocks: make([]Block, 0, len(parts))},
		Clamped: int(clamped.Load()),
	}
	for ci, col := range columns {
		res.Ranks[col] = out[ci]
	}
	for pi, p := range parts {
		b := Block{
			Region:  p.region,
			Columns: append([]string(nil), columns...),
			Tables:  make(map[string]Table, len(columns)),
		}
		for ci, col := range columns {
			b.Tables[col] = tables[pi][ci]
		}
		res.Lookup.Blocks = append(res.Lookup.Blocks, b)
	}

	if res.Clamped > 0 {
		zap.L().Warn("percentile: values above the 100th percentile clamped", zap.Int("values", res.Clamped))
	}
	return res, nil
}
