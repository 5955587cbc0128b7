package main

import (
	"context"

	"github.com/mediconnect/auditd/migrations"
	"github.com/spf13/cobra"
)

func newMigrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the audit_logs schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			return a.migrate(cmd.Context())
		},
	}
}

func (a *app) migrate(ctx context.Context) error {
	db, err := a.openDB(ctx)
	if err != nil {
		return err
	}
	if err := migrations.Up(ctx, db); err != nil {
		return err
	}
	v, err := migrations.Version(ctx, db)
	if err != nil {
		return err
	}
	a.logger.WithField("version", v).Info("audit schema is up to date")
	return nil
}
