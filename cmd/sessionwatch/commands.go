package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/sessionwatch/internal/lockfile"
	"github.com/loykin/sessionwatch/internal/supervisor"
	"github.com/loykin/sessionwatch/pkg/client"
)

// errHookFailed marks an error already reported to the hook host.
var errHookFailed = errors.New("hook failed")

func hookFail(w io.Writer, err error) error {
	_ = writeFailure(w, err)
	return fmt.Errorf("%w: %w", errHookFailed, err)
}

func addHookFlags(cmd *cobra.Command, hf *HookFlags) {
	cmd.Flags().StringVar(&hf.SessionID, "session-id", "", "session id (skips reading the stdin envelope)")
	cmd.Flags().StringVar(&hf.Cwd, "cwd", "", "worker working directory")
}

func createStartCommand(global *GlobalFlags) *cobra.Command {
	hf := &HookFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the session's worker unless one is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStart(cmd, global, hf)
		},
	}
	addHookFlags(cmd, hf)
	return cmd
}

func runStart(cmd *cobra.Command, global *GlobalFlags, hf *HookFlags) error {
	out := cmd.OutOrStdout()
	in, err := readHookInput(cmd.InOrStdin(), *hf)
	if err != nil {
		return hookFail(out, fmt.Errorf("%w: %w", supervisor.ErrInvalidSession, err))
	}
	a, err := newApp(global, cmd.Flags())
	if err != nil {
		return hookFail(out, err)
	}
	defer func() { _ = a.Close() }()

	res, err := a.sv.Start(cmd.Context(), in.SessionID, in.Cwd)
	if err != nil {
		return hookFail(out, err)
	}
	msg := a.cfg.Messages.Started
	if res.Status == supervisor.StatusAlreadyRunning {
		msg = a.cfg.Messages.Running
	}
	return writeSuccess(out, eventName(in, eventSessionStart), msg)
}

func createStopCommand(global *GlobalFlags) *cobra.Command {
	hf := &HookFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the session's worker and release its lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStop(cmd, global, hf)
		},
	}
	addHookFlags(cmd, hf)
	return cmd
}

func runStop(cmd *cobra.Command, global *GlobalFlags, hf *HookFlags) error {
	out := cmd.OutOrStdout()
	in, err := readHookInput(cmd.InOrStdin(), *hf)
	if err != nil {
		return hookFail(out, fmt.Errorf("%w: %w", supervisor.ErrInvalidSession, err))
	}
	a, err := newApp(global, cmd.Flags())
	if err != nil {
		return hookFail(out, err)
	}
	defer func() { _ = a.Close() }()

	if _, err := a.sv.Stop(cmd.Context(), in.SessionID); err != nil {
		return hookFail(out, err)
	}
	return writeSuccess(out, eventName(in, eventSessionEnd), a.cfg.Messages.Stopped)
}

func createStatusCommand(global *GlobalFlags) *cobra.Command {
	sf := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List sessions found in the lock directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if sf.APIUrl != "" {
				return remoteStatus(cmd, sf)
			}
			a, err := newApp(global, cmd.Flags())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			if sf.SessionID != "" {
				st, err := a.sv.Session(sf.SessionID, sf.Usage)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			}
			sts, err := a.sv.Status(cmd.Context(), sf.Usage)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sts)
		},
	}
	cmd.Flags().StringVar(&sf.SessionID, "session-id", "", "show a single session")
	cmd.Flags().BoolVar(&sf.Usage, "usage", false, "sample CPU and memory of live workers")
	addAPIFlags(cmd, &sf.APIFlags)
	return cmd
}

func addAPIFlags(cmd *cobra.Command, af *APIFlags) {
	cmd.Flags().StringVar(&af.APIUrl, "api-url", "", "query a serve instance (e.g. http://127.0.0.1:7788/api)")
	cmd.Flags().DurationVar(&af.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().BoolVar(&af.Insecure, "insecure", false, "skip TLS certificate verification")
}

func newClient(af APIFlags) (*client.Client, error) {
	return client.New(client.Config{BaseURL: af.APIUrl, Timeout: af.APITimeout, Insecure: af.Insecure})
}

func remoteStatus(cmd *cobra.Command, sf *StatusFlags) error {
	c, err := newClient(sf.APIFlags)
	if err != nil {
		return err
	}
	if sf.SessionID != "" {
		s, err := c.Get(cmd.Context(), sf.SessionID, sf.Usage)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), s)
	}
	list, err := c.List(cmd.Context(), sf.Usage)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), list)
}

func createSweepCommand(global *GlobalFlags) *cobra.Command {
	af := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove lock records whose worker is gone",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if af.APIUrl != "" {
				c, err := newClient(*af)
				if err != nil {
					return err
				}
				res, err := c.Sweep(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			}
			a, err := newApp(global, cmd.Flags())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			removed, err := a.sv.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			if removed == nil {
				removed = []lockfile.Record{}
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"removed": removed})
		},
	}
	addAPIFlags(cmd, af)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
