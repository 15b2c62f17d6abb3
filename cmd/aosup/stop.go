package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/benaskins/aosup/internal/api"
	"github.com/benaskins/aosup/internal/supervisor"
)

var stopAll bool

var stopCmd = &cobra.Command{
	Use:   "stop [name...]",
	Short: "Stop processes started by aosup",
	Long: `Stop recorded processes by name. With no name the project's process
(processName from aos.config.yml, or "default") is stopped; --all stops
every recorded process.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().BoolVar(&stopAll, "all", false, "Stop every recorded process")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	sup, j, err := openSupervisor()
	if err != nil {
		return err
	}
	defer j.Close()

	names := args
	switch {
	case stopAll:
		records, err := sup.Records()
		if err != nil {
			return err
		}
		for _, rec := range records {
			names = append(names, rec.Name)
		}
	case len(names) == 0:
		name, err := processName(cmd, nil)
		if err != nil {
			return err
		}
		names = []string{name}
	}

	var failed int
	for _, name := range names {
		if err := stopOne(sup, name); err != nil {
			fmt.Printf("%s %s: %v\n", render(failStyle, "FAIL"), name, err)
			failed++
			continue
		}
		fmt.Printf("%s %s\n", render(okStyle, "stopped"), name)
	}
	if failed > 0 {
		return fmt.Errorf("%d process(es) could not be stopped", failed)
	}
	return nil
}

// stopOne asks the owning aosup to stop a foreground process, falling back
// to signalling the recorded pid.
func stopOne(sup *supervisor.Supervisor, name string) error {
	ctx := context.Background()
	if client := api.NewClient(controlSocket(name)); client.Available() {
		return client.Stop(ctx)
	}
	return sup.StopRecorded(ctx, name)
}
