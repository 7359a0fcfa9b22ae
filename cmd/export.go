package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/ejscreen-cli/internal/dataset"
	"github.com/sells-group/ejscreen-cli/internal/source"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Join a built table to geometry and write a shapefile",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		input, _ := cmd.Flags().GetString("input")
		outPath, _ := cmd.Flags().GetString("out")
		idColumn, _ := cmd.Flags().GetString("id")
		geomPath := flagOr(cmd, "geometry", cfg.Export.Geometry)
		if input == "" || outPath == "" || geomPath == "" {
			return eris.New("export: --input, --out and --geometry are all required")
		}
		if !strings.HasSuffix(outPath, ".shp") {
			return eris.Errorf("export: output %s must end in .shp", outPath)
		}

		rc, err := source.Open(ctx, input, source.Options{Encoding: cfg.Input.Encoding})
		if err != nil {
			return err
		}
		f, err := dataset.ReadTable(ctx, rc, []string{idColumn}, dataset.ReadOptions{})
		rc.Close() //nolint:errcheck
		if err != nil {
			return err
		}

		p := buildParams{
			GeomIDField: cfg.Export.GeomIDField,
			SchemaPath:  flagOr(cmd, "schema", cfg.Export.Schema),
		}
		js, files, err := joinGeometry(ctx, geomPath, outPath, f, idColumn, p)
		if err != nil {
			return err
		}

		_, _ = fmt.Fprintf(os.Stdout, "%d of %d geometries written, %d rows unmatched\n", js.Written, js.Shapes, js.Unmatched)
		for _, f := range files {
			_, _ = fmt.Fprintf(os.Stdout, "  wrote %s\n", f)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().String("input", "", "built output table (CSV)")
	exportCmd.Flags().String("geometry", "", "source shapefile")
	exportCmd.Flags().String("out", "", "output shapefile path")
	exportCmd.Flags().String("schema", "", "field schema CSV (name,type,alias,length)")
	exportCmd.Flags().String("id", "ID", "identifier column")
	rootCmd.AddCommand(exportCmd)
}
