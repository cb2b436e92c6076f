package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/pflag"

	"github.com/loykin/sessionwatch/internal/advisory"
	"github.com/loykin/sessionwatch/internal/config"
	"github.com/loykin/sessionwatch/internal/history"
	"github.com/loykin/sessionwatch/internal/history/factory"
	"github.com/loykin/sessionwatch/internal/logger"
	"github.com/loykin/sessionwatch/internal/supervisor"
)

// app holds what one invocation needs. It is built per command run and
// closed before exit.
type app struct {
	cfg     config.Config
	log     *slog.Logger
	notices *advisory.Log
	sv      *supervisor.Supervisor

	closers []io.Closer
}

func newApp(global *GlobalFlags, flags *pflag.FlagSet) (*app, error) {
	cfg, err := config.Load(global.ConfigPath, flags)
	if err != nil {
		return nil, err
	}
	log, logCloser, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a := &app{cfg: cfg, log: log, closers: []io.Closer{logCloser}}

	sink, err := factory.NewSinkFromDSN(cfg.History.DSN)
	if err != nil {
		// history is an audit trail; running without it beats failing the hook
		log.Warn("history disabled", "error", err)
		sink = history.Nop{}
	}
	a.closers = append([]io.Closer{sink}, a.closers...)

	a.notices = advisory.NewLog(log)
	opts := supervisor.OptionsFromConfig(cfg)
	opts.Recorder = a.notices
	opts.History = sink
	opts.Logger = log
	a.sv = supervisor.New(opts)
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
