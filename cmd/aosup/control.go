package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/benaskins/aosup/internal/api"
)

// Commands that talk to a foreground aosup over its control socket.

var statusCmd = &cobra.Command{
	Use:   "status [name]",
	Short: "Show the state of a foreground process",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")
		client, err := controlClient(cmd, args)
		if err != nil {
			return err
		}

		state, err := client.State(context.Background())
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(state)
		}

		fmt.Printf("%s  %s\n", render(headerStyle, state.Name), render(statusStyle(string(state.Status)), string(state.Status)))
		fmt.Printf("  pid       %d\n", state.PID)
		fmt.Printf("  started   %s\n", state.StartTime.Local().Format(time.DateTime))
		fmt.Printf("  messages  %d\n", len(state.Messages))
		fmt.Printf("  errors    %d\n", len(state.Errors))
		for _, e := range lastN(state.Errors, 5) {
			fmt.Printf("    %s\n", render(failStyle, e))
		}
		return nil
	},
}

var logsLines int

var logsCmd = &cobra.Command{
	Use:   "logs [name]",
	Short: "Show recent output of a foreground process",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := controlClient(cmd, args)
		if err != nil {
			return err
		}
		lines, err := client.Logs(context.Background(), logsLines)
		if err != nil {
			return err
		}
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil
	},
}

var evalFlags struct {
	data    string
	tags    []string
	target  string
	await   bool
	timeout time.Duration
	name    string
}

var evalCmd = &cobra.Command{
	Use:   "eval <action>",
	Short: "Send an action to a foreground process",
	Long: `Send an action to the process as Send({ Target = ao.id, Action = ... }).
With --await, print the reply the process sends back (a message echoing the
request's X-Reference tag).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")

		var nameArgs []string
		if evalFlags.name != "" {
			nameArgs = []string{evalFlags.name}
		}
		client, err := controlClient(cmd, nameArgs)
		if err != nil {
			return err
		}

		tags, err := parseTags(evalFlags.tags)
		if err != nil {
			return err
		}

		msg, err := client.Eval(context.Background(), api.EvalRequest{
			Action:    args[0],
			Data:      evalFlags.data,
			Tags:      tags,
			Target:    evalFlags.target,
			Await:     evalFlags.await,
			TimeoutMS: evalFlags.timeout.Milliseconds(),
		})
		if err != nil {
			return err
		}
		if msg == nil {
			fmt.Println(render(okStyle, "sent"), args[0])
			return nil
		}
		if jsonOut {
			return printJSON(msg)
		}
		if msg.Action != "" {
			fmt.Printf("%s %s\n", render(headerStyle, msg.Action), msg.Data)
		} else {
			fmt.Println(msg.Data)
		}
		return nil
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload <file> [name]",
	Short: "Reload a Lua file into a foreground process",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := controlClient(cmd, args[1:])
		if err != nil {
			return err
		}
		if err := client.Load(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Println(render(okStyle, "reloaded"), args[0])
		return nil
	},
}

func init() {
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 50, "Number of lines to show (0 for all)")

	f := evalCmd.Flags()
	f.StringVar(&evalFlags.name, "name", "", "Process name (default from project config)")
	f.StringVar(&evalFlags.data, "data", "", "Message data")
	f.StringArrayVarP(&evalFlags.tags, "tag", "t", nil, "Message tag as name=value (repeatable)")
	f.StringVar(&evalFlags.target, "target", "", "Target process id (default: the process itself)")
	f.BoolVar(&evalFlags.await, "await", false, "Wait for and print the reply")
	f.DurationVar(&evalFlags.timeout, "timeout", 30*time.Second, "How long --await waits")

	rootCmd.AddCommand(statusCmd, logsCmd, evalCmd, reloadCmd)
}

func controlClient(cmd *cobra.Command, args []string) (*api.Client, error) {
	name, err := processName(cmd, args)
	if err != nil {
		return nil, err
	}
	client := api.NewClient(controlSocket(name))
	if !client.Available() {
		return nil, fmt.Errorf("%s is not running in the foreground of another aosup", name)
	}
	return client, nil
}

func parseTags(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	tags := make(map[string]string, len(raw))
	for _, kv := range raw {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("tag %q must be name=value", kv)
		}
		tags[name] = value
	}
	return tags, nil
}

func lastN(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
