package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/benaskins/aosup/internal/supervisor"
)

var scanCmd = &cobra.Command{
	Use:   "scan [dir]",
	Short: "List Lua files in a project",
	Long:  "Recursively list .lua files under dir (default: the project directory), skipping hidden directories.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")

		dir, err := projectDir(cmd)
		if err != nil {
			return err
		}
		if len(args) > 0 {
			dir, err = filepath.Abs(args[0])
			if err != nil {
				return err
			}
		}

		files, err := supervisor.ScanLuaFiles(dir)
		if err != nil {
			return fmt.Errorf("scanning %s: %w", dir, err)
		}

		if jsonOut {
			return printJSON(files)
		}
		if len(files) == 0 {
			fmt.Println("No Lua files")
			return nil
		}
		for _, f := range files {
			fmt.Println(f)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
}
