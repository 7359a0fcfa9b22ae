package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ejscreen-cli/internal/columns"
	"github.com/sells-group/ejscreen-cli/internal/dataset"
	"github.com/sells-group/ejscreen-cli/internal/db"
	"github.com/sells-group/ejscreen-cli/internal/engine"
	"github.com/sells-group/ejscreen-cli/internal/export"
	"github.com/sells-group/ejscreen-cli/internal/frame"
	"github.com/sells-group/ejscreen-cli/internal/publish"
	"github.com/sells-group/ejscreen-cli/internal/source"
	"github.com/sells-group/ejscreen-cli/internal/store"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Compute percentiles and indexes for a block-group table",
	Long:  "Reads the input table, ranks indicators and indexes at the national or state level, and writes the scored table and lookup tables. Optionally records the run, publishes to Postgres and object storage, and joins geometry.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		p, err := buildParamsFromFlags(cmd)
		if err != nil {
			return err
		}

		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		if st != nil {
			defer st.Close() //nolint:errcheck
		}

		out, err := executeBuild(ctx, st, p)
		if err != nil {
			return err
		}

		formatBuildSummary(os.Stdout, out)
		return nil
	},
}

func init() {
	f := buildCmd.Flags()
	f.String("input", "", "input table: local path, ftp:// or http(s):// URL (.csv, .xlsx, .zip, .gz, .zst)")
	f.String("level", "", "percentile level: national (1) or state (2)")
	f.String("columns", "", "column configuration file")
	f.String("out", "", "output directory")
	f.String("name", "", "output base name (default: input file name and level)")
	f.String("lookup-format", "", "lookup table format: xlsx, csv or both")
	f.String("geometry", "", "shapefile to join the output to")
	f.String("schema", "", "field schema CSV for the geometry export")
	f.String("encoding", "", "input character set (e.g. windows-1252)")
	f.String("entry", "", "zip archive member to read")
	f.String("sheet", "", "workbook sheet to read")
	_ = buildCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(buildCmd)
}

// buildParams is the resolved input of one build.
type buildParams struct {
	Input        string
	Level        engine.Level
	ColumnsPath  string
	OutDir       string
	Name         string
	LookupFormat string
	Concurrency  int
	Source       source.Options
	Delimiter    rune
	Sheet        string
	Geometry     string
	GeomIDField  string
	SchemaPath   string
}

// buildOutput is what a build produced.
type buildOutput struct {
	RunID    string
	IDColumn string
	Result   *engine.Result
	Files    []string
	Join     *export.JoinStats
	Rows     int64 // rows published to Postgres
	Objects  []string
}

// flagOr returns the flag value when set, else the configured value.
func flagOr(cmd *cobra.Command, name, configured string) string {
	if v, _ := cmd.Flags().GetString(name); v != "" {
		return v
	}
	return configured
}

func buildParamsFromFlags(cmd *cobra.Command) (buildParams, error) {
	if err := cfg.Validate(); err != nil {
		return buildParams{}, err
	}

	level, err := engine.ParseLevel(flagOr(cmd, "level", cfg.Engine.Level))
	if err != nil {
		return buildParams{}, err
	}

	input, _ := cmd.Flags().GetString("input")
	p := buildParams{
		Input:        input,
		Level:        level,
		ColumnsPath:  flagOr(cmd, "columns", cfg.Engine.Columns),
		OutDir:       flagOr(cmd, "out", cfg.Output.Dir),
		Name:         flagOr(cmd, "name", cfg.Output.Name),
		LookupFormat: flagOr(cmd, "lookup-format", cfg.Output.LookupFormat),
		Concurrency:  cfg.Engine.Concurrency,
		Source: source.Options{
			Encoding: flagOr(cmd, "encoding", cfg.Input.Encoding),
			Entry:    flagOr(cmd, "entry", cfg.Input.Entry),
			Timeout:  time.Duration(cfg.Input.TimeoutSecs) * time.Second,
			Retry:    source.RetryConfig{MaxAttempts: cfg.Input.Retries},
		},
		Sheet:       flagOr(cmd, "sheet", cfg.Input.Sheet),
		Geometry:    flagOr(cmd, "geometry", cfg.Export.Geometry),
		GeomIDField: cfg.Export.GeomIDField,
		SchemaPath:  flagOr(cmd, "schema", cfg.Export.Schema),
	}
	if cfg.Input.Delimiter != "" {
		p.Delimiter = []rune(cfg.Input.Delimiter)[0]
	}
	return p, p.validate()
}

func (p buildParams) validate() error {
	if p.Input == "" {
		return eris.New("build: input is required")
	}
	switch p.LookupFormat {
	case "", "xlsx", "csv", "both":
	default:
		return eris.Errorf("build: unknown lookup format %q", p.LookupFormat)
	}
	if p.SchemaPath != "" && p.Geometry == "" {
		return eris.New("build: a geometry export needs both a schema and a geometry file")
	}
	return nil
}

// executeBuild runs one build, recording it in st when st is non-nil. A
// failed build is marked failed before its error is returned.
func executeBuild(ctx context.Context, st store.Store, p buildParams) (*buildOutput, error) {
	spec, specErr := columns.Load(p.ColumnsPath)

	runID := uuid.New().String()
	if st != nil {
		rs := store.RunSpec{Input: p.Input, Level: string(p.Level)}
		if specErr == nil {
			rs.ColumnsVersion = spec.Version
		}
		run, err := st.CreateRun(ctx, rs)
		if err != nil {
			return nil, err
		}
		runID = run.ID
	}
	log := zap.L().With(zap.String("run_id", runID))

	fail := func(err error) (*buildOutput, error) {
		log.Error("build: failed", zap.Error(err))
		if st != nil {
			if ferr := st.FailRun(context.WithoutCancel(ctx), runID, err); ferr != nil {
				log.Warn("build: record failure", zap.Error(ferr))
			}
		}
		return nil, err
	}

	if specErr != nil {
		return fail(specErr)
	}
	out, err := buildWith(ctx, p, spec)
	if err == nil {
		out.RunID = runID
		err = deliver(ctx, out, p)
	}
	if err != nil {
		return fail(err)
	}

	if st != nil {
		if err := st.SaveLookup(ctx, runID, out.Result.Lookup); err != nil {
			return fail(err)
		}
		s := out.Result.Stats
		summary := store.RunSummary{
			Rows:       s.Rows,
			Regions:    s.Regions,
			Ranked:     s.Ranked,
			Indexes:    s.Indexes,
			Clamped:    s.Clamped,
			Unassigned: s.Unassigned,
			DurationMs: s.Duration.Milliseconds(),
			Artifacts:  append(append([]string(nil), out.Files...), out.Objects...),
		}
		if err := st.CompleteRun(ctx, runID, summary); err != nil {
			return fail(err)
		}
	}
	log.Info("build: complete", zap.Strings("files", out.Files))
	return out, nil
}

// runBuild loads the column configuration, then builds with it.
func runBuild(ctx context.Context, p buildParams) (*buildOutput, error) {
	spec, err := columns.Load(p.ColumnsPath)
	if err != nil {
		return nil, err
	}
	return buildWith(ctx, p, spec)
}

// buildWith reads the input, runs the engine and writes local artifacts.
func buildWith(ctx context.Context, p buildParams, spec *columns.Spec) (*buildOutput, error) {
	src, err := readInput(ctx, p, spec)
	if err != nil {
		return nil, err
	}

	res, err := engine.Run(ctx, src, spec, engine.Options{Level: p.Level, Concurrency: p.Concurrency})
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(p.OutDir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "build: create %s", p.OutDir)
	}
	base := filepath.Join(p.OutDir, outputName(p))

	out := &buildOutput{IDColumn: spec.IDColumn, Result: res}
	if err := writeFile(base+".csv", func(w io.Writer) error { return dataset.WriteCSV(w, res.Dataset) }); err != nil {
		return nil, err
	}
	out.Files = append(out.Files, base+".csv")

	lookupBase := base + "_lookup"
	if p.LookupFormat == "" || p.LookupFormat == "xlsx" || p.LookupFormat == "both" {
		if err := dataset.WriteLookupXLSX(lookupBase+".xlsx", res.Lookup); err != nil {
			return nil, err
		}
		out.Files = append(out.Files, lookupBase+".xlsx")
	}
	if p.LookupFormat == "csv" || p.LookupFormat == "both" {
		if err := writeFile(lookupBase+".csv", func(w io.Writer) error { return dataset.WriteLookupCSV(w, res.Lookup) }); err != nil {
			return nil, err
		}
		out.Files = append(out.Files, lookupBase+".csv")
	}

	if p.Geometry != "" {
		js, files, err := joinGeometry(ctx, p.Geometry, base+".shp", res.Dataset, spec.IDColumn, p)
		if err != nil {
			return nil, err
		}
		out.Join = &js
		out.Files = append(out.Files, files...)
	}
	return out, nil
}

// deliver publishes a finished build to the configured Postgres table and
// object store.
func deliver(ctx context.Context, out *buildOutput, p buildParams) error {
	if cfg.Postgres.DatabaseURL != "" {
		pool, err := db.Connect(ctx, cfg.Postgres.DatabaseURL, db.PoolOptions{MaxConns: cfg.Postgres.MaxConns})
		if err != nil {
			return err
		}
		defer pool.Close()

		opts := db.PublishOptions{Table: cfg.Postgres.Table, Mode: cfg.Postgres.Mode}
		if cfg.Postgres.Mode == db.ModeUpsert || cfg.Postgres.Geometry {
			opts.KeyColumn = out.IDColumn
		}
		if cfg.Postgres.Geometry && p.Geometry != "" {
			geoms, err := export.Geometries(ctx, p.Geometry, export.JoinOptions{IDColumn: out.IDColumn, GeomIDField: p.GeomIDField})
			if err != nil {
				return err
			}
			opts.Geometry = geoms
		}
		n, err := db.Publish(ctx, pool, out.Result.Dataset, opts)
		if err != nil {
			return err
		}
		out.Rows = n
	}

	if cfg.Publish.Endpoint != "" {
		up, err := publish.New(publish.Config{
			Endpoint:  cfg.Publish.Endpoint,
			AccessKey: cfg.Publish.AccessKey,
			SecretKey: cfg.Publish.SecretKey,
			Bucket:    cfg.Publish.Bucket,
			Prefix:    cfg.Publish.Prefix,
			Region:    cfg.Publish.Region,
			Secure:    cfg.Publish.Secure,
		})
		if err != nil {
			return err
		}
		keys, err := up.Upload(ctx, out.RunID, out.Files)
		if err != nil {
			return err
		}
		out.Objects = keys
	}
	return nil
}

func readInput(ctx context.Context, p buildParams, spec *columns.Spec) (*frame.Frame, error) {
	opts := dataset.ReadOptions{Delimiter: p.Delimiter, Regional: p.Level.Regional(), SheetName: p.Sheet}

	if isWorkbook(p.Input) {
		local, cleanup, err := source.Stage(ctx, p.Input, p.Source)
		if err != nil {
			return nil, err
		}
		defer cleanup()
		return dataset.ReadXLSX(ctx, local, spec, opts)
	}

	rc, err := source.Open(ctx, p.Input, p.Source)
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck
	return dataset.ReadCSV(ctx, rc, spec, opts)
}

func joinGeometry(ctx context.Context, geomPath, outPath string, f *frame.Frame, idColumn string, p buildParams) (export.JoinStats, []string, error) {
	opts := export.JoinOptions{IDColumn: idColumn, GeomIDField: p.GeomIDField}
	if p.SchemaPath != "" {
		fh, err := os.Open(p.SchemaPath)
		if err != nil {
			return export.JoinStats{}, nil, eris.Wrapf(err, "build: open schema %s", p.SchemaPath)
		}
		schema, err := export.LoadSchema(fh)
		fh.Close() //nolint:errcheck
		if err != nil {
			return export.JoinStats{}, nil, err
		}
		opts.Schema = schema
	}

	js, err := export.Join(ctx, geomPath, outPath, f, opts)
	if err != nil {
		return export.JoinStats{}, nil, err
	}
	stem := strings.TrimSuffix(outPath, ".shp")
	return js, []string{stem + ".shp", stem + ".shx", stem + ".dbf"}, nil
}

func writeFile(name string, write func(w io.Writer) error) error {
	fh, err := os.Create(name)
	if err != nil {
		return eris.Wrapf(err, "build: create %s", name)
	}
	if err := write(fh); err != nil {
		fh.Close() //nolint:errcheck
		return err
	}
	return eris.Wrapf(fh.Close(), "build: close %s", name)
}

// fileName returns the last element of a path or URL without its query.
func fileName(location string) string {
	if strings.Contains(location, "://") {
		if i := strings.IndexAny(location, "?#"); i >= 0 {
			location = location[:i]
		}
		return path.Base(location)
	}
	return filepath.Base(location)
}

func isWorkbook(location string) bool {
	return strings.HasSuffix(strings.ToLower(fileName(location)), ".xlsx")
}

// outputName is the configured name, or the input file name without its
// extensions followed by the level.
func outputName(p buildParams) string {
	if p.Name != "" {
		return p.Name
	}
	stem := fileName(p.Input)
	if i := strings.Index(stem, "."); i > 0 {
		stem = stem[:i]
	}
	return stem + "_" + string(p.Level)
}

// formatBuildSummary writes a short report of a build to w.
func formatBuildSummary(w io.Writer, out *buildOutput) {
	s := out.Result.Stats
	_, _ = fmt.Fprintf(w, "Run %s\n", out.RunID)
	_, _ = fmt.Fprintf(w, "  rows: %d, regions: %d, indicators: %d, indexes: %d\n", s.Rows, s.Regions, s.Ranked, s.Indexes)
	if s.Clamped > 0 {
		_, _ = fmt.Fprintf(w, "  values above the 100th percentile: %d\n", s.Clamped)
	}
	if s.Unassigned > 0 {
		_, _ = fmt.Fprintf(w, "  rows without a region: %d\n", s.Unassigned)
	}
	if out.Join != nil {
		_, _ = fmt.Fprintf(w, "  geometry: %d written, %d rows unmatched\n", out.Join.Written, out.Join.Unmatched)
	}
	if out.Rows > 0 {
		_, _ = fmt.Fprintf(w, "  published rows: %d\n", out.Rows)
	}
	for _, f := range out.Files {
		_, _ = fmt.Fprintf(w, "  wrote %s\n", f)
	}
	for _, o := range out.Objects {
		_, _ = fmt.Fprintf(w, "  uploaded %s\n", o)
	}
}
