package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/benaskins/aosup/internal/api"
	"github.com/benaskins/aosup/internal/config"
	"github.com/benaskins/aosup/internal/driver"
	"github.com/benaskins/aosup/internal/journal"
	"github.com/benaskins/aosup/internal/luacheck"
	"github.com/benaskins/aosup/internal/scheduler"
	"github.com/benaskins/aosup/internal/supervisor"
	"github.com/benaskins/aosup/internal/watch"
)

var startCmd = &cobra.Command{
	Use:   "start [name]",
	Short: "Start an aos process for the current project",
	Long: `Start aos with the project's configuration. Flags override values from
aos.config.yml. In the foreground (the default) the process is attached to
this terminal until it exits or aosup receives SIGINT or SIGTERM. With
--background the process is detached and keeps running after aosup exits.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStart,
}

var startFlags struct {
	opts         supervisor.StartOptions
	background   bool
	tick         bool
	tickInterval time.Duration
	watch        bool
	strict       bool
}

func init() {
	f := startCmd.Flags()
	f.StringVar(&startFlags.opts.Wallet, "wallet", "", "Path to the wallet key file")
	f.StringVar(&startFlags.opts.Data, "data", "", "Data to attach to the spawn message")
	f.StringVar(&startFlags.opts.Module, "module", "", "Module transaction id")
	f.StringVar(&startFlags.opts.Cron, "cron", "", "Cron interval, e.g. 1-minute")
	f.BoolVar(&startFlags.opts.Monitor, "monitor", false, "Monitor the process cron")
	f.BoolVar(&startFlags.opts.Sqlite, "sqlite", false, "Use the sqlite module")
	f.StringVar(&startFlags.opts.GatewayURL, "gateway-url", "", "Gateway URL override")
	f.StringVar(&startFlags.opts.CUURL, "cu-url", "", "Compute unit URL override")
	f.StringVar(&startFlags.opts.MUURL, "mu-url", "", "Messenger unit URL override")
	f.BoolVarP(&startFlags.background, "background", "d", false, "Detach the process and return immediately")
	f.BoolVar(&startFlags.tick, "tick", false, "Run the tick scheduler against the process")
	f.DurationVar(&startFlags.tickInterval, "tick-interval", 0, "Tick interval (default from schedule.interval)")
	f.BoolVar(&startFlags.watch, "watch", false, "Reload Lua files into the process when they change")
	f.BoolVar(&startFlags.strict, "strict", false, "Refuse to start when a Lua file fails to parse")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	dir, err := projectDir(cmd)
	if err != nil {
		return err
	}
	cfg, err := config.LoadDir(dir)
	if err != nil {
		return err
	}

	opts := startFlags.opts
	if len(args) > 0 {
		opts.Name = args[0]
	}

	tick := startFlags.tick || cfg.Schedule.Enabled
	if startFlags.background {
		if tick || startFlags.watch {
			return errors.New("--tick and --watch need a foreground process")
		}
		opts.Mode = driver.Background
	} else {
		opts.Mode = driver.Foreground
		opts.Stdin = os.Stdin
		opts.Stdout = os.Stdout
		opts.Stderr = os.Stderr
	}

	if err := preflightLua(dir, cfg.LuaFiles, startFlags.strict); err != nil {
		return err
	}

	sup, j, err := openSupervisor()
	if err != nil {
		return err
	}
	defer j.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := sup.StartProcess(ctx, dir, cfg, opts)
	if err != nil {
		return err
	}

	if opts.Mode == driver.Background {
		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return printJSON(sup.ProcessState())
		}
		fmt.Printf("%s %s (pid %d)\n", render(okStyle, "started"), sup.ProcessName(), h.PID())
		return nil
	}

	srv := api.NewServer(sup, ctx)
	go func() {
		if err := srv.ListenUnix(controlSocket(sup.ProcessName())); err != nil {
			slog.Warn("control socket unavailable", "error", err)
		}
	}()
	defer srv.Shutdown(context.Background())

	if stdinIsTerminal() {
		fmt.Fprintln(os.Stderr, render(mutedStyle, "attached to "+sup.ProcessName()+"; Ctrl-C stops the process"))
	}

	if tick {
		schedCfg := scheduler.ConfigFrom(cfg.Schedule)
		if startFlags.tickInterval > 0 {
			schedCfg.Interval = startFlags.tickInterval
		}
		sched := scheduler.New(sup, schedCfg, scheduler.OnEscalate(func(action string, cause error) {
			j.Log(journal.Entry{
				Action:  journal.ActionScheduleEscalate,
				Process: sup.ProcessName(),
				Detail:  action,
				Error:   cause.Error(),
			})
		}))
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
		if stdinIsTerminal() {
			eff := sched.Config()
			fmt.Fprintln(os.Stderr, render(mutedStyle, fmt.Sprintf("ticking %q every %s", eff.TickAction, eff.Interval)))
		}
	}

	if startFlags.watch {
		files := cfg.LuaFiles
		if len(files) == 0 {
			files = sup.FindLuaFiles(dir)
		}
		w := watch.New(dir, files, func(changed []string) {
			if problems := luacheck.CheckAll(dir, changed); len(problems) > 0 {
				for _, p := range problems {
					slog.Warn("not reloading lua file", "problem", p.String())
				}
				return
			}
			for _, f := range changed {
				if err := sup.LoadFile(f); err != nil {
					slog.Error("reload failed", "file", f, "error", err)
				}
			}
		})
		go func() {
			if err := w.Run(ctx); err != nil {
				slog.Error("file watcher stopped", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, stopping process", "signal", sig)
		return sup.StopProcess(context.Background())
	case <-sup.Done():
	}

	state := sup.ProcessState()
	if state != nil && state.ExitCode != nil && *state.ExitCode != 0 {
		return fmt.Errorf("%s exited with code %d", state.Name, *state.ExitCode)
	}
	return nil
}

// preflightLua parses the configured Lua files. Problems are warnings unless
// strict is set.
func preflightLua(dir string, files []string, strict bool) error {
	problems := luacheck.CheckAll(dir, files)
	for _, p := range problems {
		fmt.Fprintln(os.Stderr, render(warnStyle, "lua: "+p.String()))
	}
	if strict && len(problems) > 0 {
		return fmt.Errorf("%d lua file(s) failed to parse", len(problems))
	}
	return nil
}
