package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/ejscreen-cli/internal/percentile"
)

var lookupCmd = &cobra.Command{
	Use:   "lookup <run-id> <column>",
	Short: "Print a stored lookup table",
	Long:  "Prints the value at each percentile of one column for a recorded run. State-level runs need --region.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := requireStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		region, _ := cmd.Flags().GetString("region")
		t, err := st.GetLookup(ctx, args[0], region, args[1])
		if err != nil {
			return eris.Wrap(err, "lookup")
		}

		formatLookup(os.Stdout, t)
		return nil
	},
}

func init() {
	lookupCmd.Flags().String("region", "", "region code for state-level runs")
	rootCmd.AddCommand(lookupCmd)
}

// formatLookup writes one row per percentile and a trailing mean row.
func formatLookup(out io.Writer, t *percentile.Table) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PCTILE\tVALUE")
	if !t.Valid {
		_, _ = fmt.Fprintln(w, "(no values)\t")
		_ = w.Flush()
		return
	}
	for p, v := range t.Values {
		_, _ = fmt.Fprintf(w, "%d\t%s\n", p, strconv.FormatFloat(v, 'g', -1, 64))
	}
	_, _ = fmt.Fprintf(w, "mean\t%s\n", strconv.FormatFloat(t.Mean, 'g', -1, 64))
	_, _ = fmt.Fprintf(w, "count\t%d\n", t.Count)
	_ = w.Flush()
}
