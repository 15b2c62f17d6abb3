package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/benaskins/aosup/internal/config"
	"github.com/benaskins/aosup/internal/driver"
)

type doctorCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the aos installation and aosup state",
	Args:  cobra.NoArgs,
	RunE:  runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	jsonOut, _ := cmd.Flags().GetBool("json")

	sup, j, err := openSupervisor()
	if err != nil {
		return err
	}
	defer j.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var checks []doctorCheck

	installed := sup.CheckInstallation(ctx)
	detail := "not installed"
	if installed {
		if v, err := sup.Version(ctx); err == nil {
			detail = v
		}
	}
	checks = append(checks, doctorCheck{Name: "aos", OK: installed, Detail: detail})

	home, err := config.Home()
	if err == nil {
		err = os.MkdirAll(home, 0700)
	}
	checks = append(checks, doctorCheck{Name: "home", OK: err == nil, Detail: errDetail(home, err)})

	records, err := sup.Records()
	if err != nil {
		checks = append(checks, doctorCheck{Name: "records", Detail: err.Error()})
	} else {
		var stale int
		for _, rec := range records {
			if !driver.VerifyProcess(rec.PID, rec.ProcStart) {
				stale++
			}
		}
		checks = append(checks, doctorCheck{
			Name:   "records",
			OK:     stale == 0,
			Detail: fmt.Sprintf("%d recorded, %d not running", len(records), stale),
		})
	}

	if jsonOut {
		return printJSON(checks)
	}

	fmt.Println(render(headerStyle, "aosup doctor"))
	var failed int
	for _, c := range checks {
		mark := render(okStyle, "ok  ")
		if !c.OK {
			mark = render(failStyle, "FAIL")
			failed++
		}
		fmt.Printf("  %s %-8s %s\n", mark, c.Name, render(mutedStyle, c.Detail))
	}
	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}

func errDetail(ok string, err error) string {
	if err != nil {
		return err.Error()
	}
	return ok
}
