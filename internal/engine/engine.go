// Package engine runs the full percentile pipeline over one dataset:
// indicator percentiles, composite indices, index percentiles, bins, text
// labels and exceedance counts, producing the output table and the combined
// lookup table.
package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ejscreen-cli/internal/classify"
	"github.com/sells-group/ejscreen-cli/internal/columns"
	"github.com/sells-group/ejscreen-cli/internal/composite"
	"github.com/sells-group/ejscreen-cli/internal/frame"
	"github.com/sells-group/ejscreen-cli/internal/percentile"
)

// Level selects the reference population for percentiles.
type Level string

// Supported levels.
const (
	LevelNational Level = "national"
	LevelState    Level = "state"
)

// ParseLevel accepts a level name or its numeric option (1 = national,
// 2 = state).
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "national", "usa", "us", "1":
		return LevelNational, nil
	case "state", "regional", "st", "2":
		return LevelState, nil
	}
	return "", eris.Errorf("engine: unknown level %q (want national or state)", s)
}

// Regional reports whether the level ranks per region.
func (l Level) Regional() bool { return l == LevelState }

// Options configures a run.
type Options struct {
	Level       Level
	Concurrency int
}

// Stats summarizes a run.
type Stats struct {
	Rows       int
	Regions    int
	Ranked     int
	Indexes    int
	Clamped    int
	Unassigned int
	Duration   time.Duration
}

// Result is the output of a run.
type Result struct {
	Dataset *frame.Frame
	Lookup  *percentile.Lookup
	Stats   Stats
}

// Run executes the pipeline. The source frame is not modified. Configuration
// mismatches abort the run before any output is assembled.
func Run(ctx context.Context, src *frame.Frame, spec *columns.Spec, opts Options) (*Result, error) {
	start := time.Now()
	if opts.Level == "" {
		opts.Level = LevelNational
	}
	log := zap.L().With(zap.String("level", string(opts.Level)))

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := spec.CheckHeader(src.Names(), opts.Level.Regional()); err != nil {
		return nil, err
	}

	work := src.Clone()
	stats := Stats{Rows: src.Len()}

	indicators, err := rankInto(ctx, work, spec, spec.DataNames, opts)
	if err != nil {
		return nil, eris.Wrap(err, "engine: rank indicators")
	}
	log.Info("engine: indicator percentiles complete", zap.Int("columns", len(spec.DataNames)))

	work, err = composite.Compose(work, spec)
	if err != nil {
		return nil, mismatchOr(err, "engine: compose indexes")
	}

	var indexes *percentile.Result
	if len(spec.IndexNames) > 0 {
		indexes, err = rankInto(ctx, work, spec, spec.IndexNames, opts)
		if err != nil {
			return nil, eris.Wrap(err, "engine: rank indexes")
		}
		log.Info("engine: index percentiles complete", zap.Int("indexes", len(spec.IndexNames)))
	}

	ranked := make([]string, 0, len(spec.DataNames)+len(spec.IndexNames))
	for _, c := range spec.DataNames {
		ranked = append(ranked, spec.RankName(c))
	}
	for _, c := range spec.IndexNames {
		ranked = append(ranked, spec.RankName(c))
	}
	work, err = classify.Apply(work, ranked)
	if err != nil {
		return nil, eris.Wrap(err, "engine: classify")
	}

	for _, rule := range spec.Exceed {
		counts, err := composite.ExceedCount(work, spec.ExceedColumns(rule), rule.Threshold)
		if err != nil {
			return nil, mismatchOr(err, "engine: exceed counts")
		}
		if err := work.Set(rule.Column, counts); err != nil {
			return nil, eris.Wrap(err, "engine: exceed counts")
		}
	}

	out, err := work.Select(spec.ColsAll)
	if err != nil {
		if errors.Is(err, frame.ErrColumnNotFound) {
			return nil, &columns.MismatchError{Element: "output column", Name: missing(work, spec.ColsAll)}
		}
		return nil, eris.Wrap(err, "engine: order output")
	}

	lookup := indicators.Lookup
	if indexes != nil {
		lookup = lookup.Merge(indexes.Lookup)
		stats.Clamped += indexes.Clamped
	}
	stats.Regions = len(lookup.Blocks)
	stats.Ranked = len(spec.DataNames)
	stats.Indexes = len(spec.IndexNames)
	stats.Clamped += indicators.Clamped
	stats.Unassigned = indicators.Unassigned
	stats.Duration = time.Since(start)

	log.Info("engine: run complete",
		zap.Int("rows", stats.Rows),
		zap.Int("regions", stats.Regions),
		zap.Int("clamped", stats.Clamped),
		zap.Duration("duration", stats.Duration),
	)

	return &Result{Dataset: out, Lookup: lookup, Stats: stats}, nil
}

// rankInto ranks cols at the configured level and stores each rank column in
// f under its percentile name.
func rankInto(ctx context.Context, f *frame.Frame, spec *columns.Spec, cols []string, opts Options) (*percentile.Result, error) {
	popts := percentile.Options{Concurrency: opts.Concurrency}

	var (
		res *percentile.Result
		err error
	)
	if opts.Level.Regional() {
		res, err = percentile.RankRegional(ctx, f, spec.RegionColumn, cols, popts)
	} else {
		res, err = percentile.RankNational(ctx, f, cols, popts)
	}
	if err != nil {
		return nil, err
	}

	for _, c := range cols {
		if err := f.Set(spec.RankName(c), res.Ranks[c]); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// mismatchOr passes configuration mismatches through unwrapped and wraps
// anything else.
func mismatchOr(err error, msg string) error {
	if columns.IsMismatch(err) {
		return err
	}
	return eris.Wrap(err, msg)
}

func missing(f *frame.Frame, names []string) string {
	for _, n := range names {
		if !f.Has(n) {
			return n
		}
	}
	return ""
}
