package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/benaskins/aosup/internal/api"
	"github.com/benaskins/aosup/internal/config"
	"github.com/benaskins/aosup/internal/journal"
	"github.com/benaskins/aosup/internal/store"
	"github.com/benaskins/aosup/internal/supervisor"
)

// projectDir returns the --dir flag, or the working directory.
func projectDir(cmd *cobra.Command) (string, error) {
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		return os.Getwd()
	}
	return filepath.Abs(dir)
}

func journalPath() string {
	dir, err := config.Home()
	if err != nil {
		return journal.DefaultPath()
	}
	return filepath.Join(dir, "events.log")
}

func storePath() string {
	dir, err := config.Home()
	if err != nil {
		return store.DefaultPath()
	}
	return filepath.Join(dir, "processes.json")
}

// openSupervisor wires the supervisor to the on-disk store and journal.
// The caller closes the journal.
func openSupervisor(extra ...supervisor.Option) (*supervisor.Supervisor, *journal.Logger, error) {
	j, err := journal.Open(journalPath())
	if err != nil {
		return nil, nil, fmt.Errorf("opening journal: %w", err)
	}

	opts := append([]supervisor.Option{supervisor.WithJournal(j)}, extra...)
	if bin := os.Getenv("AOSUP_AOS_BINARY"); bin != "" {
		opts = append(opts, supervisor.WithBinary(bin))
	}
	sup := supervisor.New(newSpawner(), store.NewFileStore(storePath()), opts...)
	return sup, j, nil
}

// processName returns the explicit name, or the project's configured name.
func processName(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	dir, err := projectDir(cmd)
	if err != nil {
		return "", err
	}
	cfg, err := config.LoadDir(dir)
	if err != nil {
		return "", err
	}
	if cfg.ProcessName != "" {
		return cfg.ProcessName, nil
	}
	return supervisor.DefaultProcessName, nil
}

func controlSocket(name string) string {
	home, err := config.Home()
	if err != nil {
		home = filepath.Join(os.TempDir(), "aosup")
	}
	return api.SocketPath(home, name)
}
