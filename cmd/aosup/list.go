package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/benaskins/aosup/internal/driver"
	"github.com/benaskins/aosup/internal/store"
)

type listEntry struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	StartTime time.Time `json:"startTime"`
	Alive     bool      `json:"alive"`
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ps"},
	Short:   "List processes started by aosup",
	RunE:    runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	jsonOut, _ := cmd.Flags().GetBool("json")

	records, err := store.NewFileStore(storePath()).List()
	if err != nil {
		return err
	}

	entries := make([]listEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, listEntry{
			Name:      rec.Name,
			PID:       rec.PID,
			StartTime: rec.StartTime,
			Alive:     driver.VerifyProcess(rec.PID, rec.ProcStart),
		})
	}

	if jsonOut {
		return printJSON(entries)
	}

	if len(entries) == 0 {
		fmt.Println("No processes")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPID\tSTARTED\tUPTIME\tSTATUS")
	for _, e := range entries {
		status := render(okStyle, "running")
		uptime := time.Since(e.StartTime).Round(time.Second).String()
		if !e.Alive {
			status = render(failStyle, "dead")
			uptime = "-"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			e.Name, e.PID, e.StartTime.Local().Format(time.DateTime), uptime, status)
	}
	return w.Flush()
}
