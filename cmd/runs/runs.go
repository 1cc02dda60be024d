// Package runs implements the runs command, which lists the run log.
package runs

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rocdaq/readout/internal/conf"
	"github.com/rocdaq/readout/internal/errors"
	"github.com/rocdaq/readout/internal/runlog"
)

// Command creates the runs command.
func Command(settings *conf.Settings) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List recorded runs",
		Long:  "List the most recent runs from the run log, or show one run with its channel summaries.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !settings.RunLog.Enabled {
				return errors.Newf("run log is disabled").
					Component("cmd").
					Category(errors.CategoryConfiguration).
					Build()
			}
			store, err := runlog.OpenSettings(settings.RunLog, settings.Main.Name, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				run, err := store.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(out, run)
				}
				return writeRun(out, run)
			}

			runs, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(out, runs)
			}
			return writeRuns(out, runs)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to list (0 = all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeRuns(w io.Writer, runs []runlog.Run) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tID\tSTATE\tSTARTED\tDURATION\tEVENTS\tSTALLS\tOVERFLOWS\tTIMED OUT")
	for i := range runs {
		r := &runs[i]
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%t\n",
			r.RunNumber, r.RunID, r.State, r.StartedAt.Format(time.DateTime), duration(r),
			r.Events, r.Stalls, r.Overflows, r.TimedOut)
	}
	return tw.Flush()
}

func writeRun(w io.Writer, r *runlog.Run) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Run:\t%d (%s)\n", r.RunNumber, r.RunID)
	fmt.Fprintf(tw, "Crate:\t%s\n", r.Crate)
	fmt.Fprintf(tw, "State:\t%s\n", r.State)
	fmt.Fprintf(tw, "Started:\t%s\n", r.StartedAt.Format(time.DateTime))
	fmt.Fprintf(tw, "Duration:\t%s\n", duration(r))
	fmt.Fprintf(tw, "Drain wait:\t%s (timed out: %t)\n", time.Duration(r.DrainWaitMs)*time.Millisecond, r.TimedOut)
	fmt.Fprintf(tw, "Discarded:\t%d\n", r.Discarded)
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "CHANNEL\tPUBLISHED\tCONSUMED\tSTALLS\tOVERFLOWS\tBAD\tDOUBLE FREES\tDEFERRALS\tMAX DEFERRED")
	for _, c := range r.Channels {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			c.Channel, c.Published, c.Consumed, c.Stalls, c.Overflows, c.BadEvents, c.DoubleFrees,
			c.Deferrals, time.Duration(c.MaxDeferredMs)*time.Millisecond)
	}
	return tw.Flush()
}

func duration(r *runlog.Run) string {
	if r.EndedAt == nil {
		return "-"
	}
	return r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
}
