package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/benaskins/aosup/internal/config"
	"github.com/benaskins/aosup/internal/luacheck"
	"github.com/benaskins/aosup/internal/supervisor"
)

type checkResult struct {
	Path  string `json:"path"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate project config and Lua syntax",
	Long: `Load aos.config.yml (or .yaml / .toml) from the project directory and parse
every Lua file it lists. Without luaFiles, every .lua file under the project
is parsed.`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	jsonOut, _ := cmd.Flags().GetBool("json")

	dir, err := projectDir(cmd)
	if err != nil {
		return err
	}

	var results []checkResult
	var failed int

	cfgPath, found := config.Find(dir)
	cfg := &config.Config{}
	if found {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			results = append(results, checkResult{Path: cfgPath, Error: err.Error()})
			failed++
		} else {
			cfg = loaded
			results = append(results, checkResult{Path: cfgPath, Valid: true})
		}
	}

	files := cfg.LuaFiles
	if len(files) == 0 {
		files, err = supervisor.ScanLuaFiles(dir)
		if err != nil {
			return fmt.Errorf("scanning %s: %w", dir, err)
		}
	}

	problems := map[string]luacheck.Problem{}
	for _, p := range luacheck.CheckAll(dir, files) {
		problems[p.File] = p
	}
	for _, f := range files {
		if p, bad := problems[f]; bad {
			results = append(results, checkResult{Path: f, Error: p.String()})
			failed++
			continue
		}
		results = append(results, checkResult{Path: f, Valid: true})
	}

	if jsonOut {
		if err := printJSON(results); err != nil {
			return err
		}
	} else {
		if !found {
			fmt.Println(render(mutedStyle, "no aos.config file, using defaults"))
		}
		for _, r := range results {
			if r.Valid {
				fmt.Printf("%s    %s\n", render(okStyle, "OK"), r.Path)
			} else {
				fmt.Fprintf(os.Stderr, "%s  %s\n      %v\n", render(failStyle, "FAIL"), r.Path, r.Error)
			}
		}
		if len(results) > 1 {
			fmt.Printf("\n%d/%d files valid\n", len(results)-failed, len(results))
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d file(s) failed validation", failed)
	}
	return nil
}
