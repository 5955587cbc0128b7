package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newSweepCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete audit records older than the retention horizon",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			a.initMetrics()

			sweeper, err := a.newSweeper(cmd.Context())
			if err != nil {
				return err
			}
			res, err := sweeper.Run(cmd.Context())
			a.logger.WithFields(logrus.Fields{
				"run_id":  res.RunID,
				"cutoff":  res.Cutoff,
				"deleted": res.Deleted,
				"batches": res.Batches,
				"capped":  res.Capped,
			}).Info("retention sweep done")
			return err
		},
	}
}

func newBackupCommand(a *app) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Request one export of the document store",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			return a.backup(cmd.Context(), wait)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Minute, "How long to wait for the export to finish copying")
	return cmd
}

func (a *app) backup(ctx context.Context, wait time.Duration) error {
	a.initMetrics()

	writer, err := a.newWriter(ctx)
	if err != nil {
		return err
	}
	db, err := a.openMongo(ctx)
	if err != nil {
		return err
	}
	trigger, exporter, err := a.newTrigger(ctx, db, writer)
	if err != nil {
		return err
	}

	out := trigger.Run(ctx)
	if out.Err != nil {
		return out.Err
	}
	a.logger.WithFields(logrus.Fields{
		"date_key":  out.DateKey,
		"location":  out.Export.Location,
		"operation": out.Export.Operation,
	}).Info("backup export requested")

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := exporter.Wait(waitCtx); err != nil {
		return fmt.Errorf("export did not finish: %w", err)
	}
	return nil
}
