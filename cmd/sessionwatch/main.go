package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.ExecuteContext(context.Background()); err != nil {
		// hook failures were already written to stdout as JSON
		if !errors.Is(err, errHookFailed) {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	global := &GlobalFlags{}
	root := createRootCommand(global)
	root.AddCommand(
		createStartCommand(global),
		createStopCommand(global),
		createStatusCommand(global),
		createSweepCommand(global),
		createServeCommand(global),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "sessionwatch",
		Short: "Per-session background worker supervisor",
		Long: `Sessionwatch keeps at most one background worker per session. It is
meant to be wired as SessionStart/SessionEnd hooks: the hook host writes a
JSON envelope on stdin and reads a JSON response on stdout.

Examples:
  echo '{"session_id":"abc","cwd":"/src"}' | sessionwatch start
  echo '{"session_id":"abc"}' | sessionwatch stop
  sessionwatch start --session-id abc --cwd /src
  sessionwatch status --usage
  sessionwatch sweep
  sessionwatch serve --addr 127.0.0.1:7788`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	pf.String("command", "", "worker command line")
	pf.String("lock-dir", "", "directory holding lock records")
	pf.String("log-dir", "", "directory holding worker output logs")
	pf.Duration("graceful-timeout", 0, "time allowed between SIGTERM and SIGKILL")
	pf.String("log-file", "", `supervisor log file ("-" for stderr)`)
	pf.String("log-level", "", "debug, info, warn or error")
	pf.String("log-format", "", "text, json or color")
	pf.String("history-dsn", "", "history sink DSN (sqlite, postgres, clickhouse, opensearch)")
	return root
}
