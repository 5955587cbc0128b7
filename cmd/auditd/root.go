package main

import (
	"fmt"
	"os"

	"github.com/mediconnect/auditd/pkg/config"
	"github.com/mediconnect/auditd/pkg/observability"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var version = "dev"

// rootOptions are flags that override the AUDITD_* environment
type rootOptions struct {
	logLevel  string
	logFormat string
	store     string
	sink      string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	a := &app{}

	cmd := &cobra.Command{
		Use:   "auditd",
		Short: "MediConnect audit log, retention and backup service",
		Long: `auditd records every create, update and delete on the MediConnect
document store as a redacted, append-only audit record.

It also answers compliance range queries, exports the document store to
cold storage every day and purges audit records older than the retention
horizon every week.

Configuration is read from AUDITD_* environment variables; flags override them.

  auditd serve                   # change streams, HTTP API and scheduled jobs
  auditd migrate                 # create or upgrade the audit_logs table
  auditd sweep                   # run one retention sweep
  auditd backup                  # request one backup export
  auditd deadletter replay       # re-append dead-lettered records`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd, opts)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log format (text, json)")
	flags.StringVar(&opts.store, "store", "", "Audit store (postgres, memory)")
	flags.StringVar(&opts.sink, "deadletter-sink", "", "Dead-letter sink (log, redis, file)")

	cmd.AddCommand(newServeCommand(a))
	cmd.AddCommand(newMigrateCommand(a))
	cmd.AddCommand(newSweepCommand(a))
	cmd.AddCommand(newBackupCommand(a))
	cmd.AddCommand(newDeadLetterCommand(a))

	return cmd
}

// init loads configuration, applies flag overrides and builds the logger
func (a *app) init(cmd *cobra.Command, opts *rootOptions) error {
	cfg := config.Load()

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		level, err := logrus.ParseLevel(opts.logLevel)
		if err != nil {
			return fmt.Errorf("invalid --log-level: %w", err)
		}
		cfg.Observability.LogLevel = level
	}
	if flags.Changed("log-format") {
		cfg.Observability.LogFormat = opts.logFormat
	}
	if flags.Changed("store") {
		cfg.Audit.Store = opts.store
	}
	if flags.Changed("deadletter-sink") {
		cfg.Audit.DeadLetterSink = opts.sink
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	a.cfg = cfg
	a.logger = observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stderr)
	return nil
}
