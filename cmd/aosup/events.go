package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/benaskins/aosup/internal/journal"
)

var eventsLimit int

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent lifecycle events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")

		entries, err := journal.Tail(journalPath(), eventsLimit)
		if err != nil {
			return fmt.Errorf("reading journal: %w", err)
		}
		if jsonOut {
			return printJSON(entries)
		}
		if len(entries) == 0 {
			fmt.Println("No events")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tACTION\tPROCESS\tPID\tDETAIL")
		for _, e := range entries {
			pid := "-"
			if e.PID > 0 {
				pid = fmt.Sprintf("%d", e.PID)
			}
			detail := e.Detail
			if e.ExitCode != nil {
				detail = fmt.Sprintf("exit %d", *e.ExitCode)
			}
			if e.Error != "" {
				detail += " " + e.Error
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				e.Timestamp.Local().Format(time.DateTime), e.Action, e.Process, pid, detail)
		}
		return w.Flush()
	},
}

func init() {
	eventsCmd.Flags().IntVarP(&eventsLimit, "lines", "n", 20, "Number of events to show")
	rootCmd.AddCommand(eventsCmd)
}
