package main

import (
	"context"
	"fmt"

	"github.com/mediconnect/auditd/pkg/audit"
	"github.com/spf13/cobra"
)

const replayBatch = 100

func newDeadLetterCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect and replay dead-lettered audit records",
	}

	var file string
	replay := &cobra.Command{
		Use:   "replay",
		Short: "Append dead-lettered records to the audit store",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			if file != "" {
				return a.replayFile(cmd.Context(), file)
			}
			return a.replayRedis(cmd.Context())
		},
	}
	replay.Flags().StringVar(&file, "file", "", "Replay an NDJSON dead-letter file instead of the Redis list")

	count := &cobra.Command{
		Use:   "count",
		Short: "Print the number of records in the Redis dead-letter list",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			queue, err := a.deadLetterQueue(cmd.Context())
			if err != nil {
				return err
			}
			n, err := queue.Len(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}

	cmd.AddCommand(replay, count)
	return cmd
}

func (a *app) deadLetterQueue(ctx context.Context) (*audit.RedisDeadLetter, error) {
	client, err := a.openRedis(ctx)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("AUDITD_REDIS_URL is not set")
	}
	return audit.NewRedisDeadLetter(client, a.cfg.Audit.DeadLetterKey, a.cfg.Audit.DeadLetterMaxLen), nil
}

func (a *app) replayFile(ctx context.Context, path string) error {
	letters, err := audit.ReadDeadLetters(path)
	if err != nil {
		return err
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	n, err := audit.ReplayDeadLetters(ctx, store, letters)
	a.logger.WithField("file", path).WithField("replayed", n).WithField("total", len(letters)).Info("dead-letter file replayed")
	return err
}

// replayRedis drains the list in batches. A batch that fails part way is pushed
// back so its remaining letters are popped first on the next attempt.
func (a *app) replayRedis(ctx context.Context) error {
	queue, err := a.deadLetterQueue(ctx)
	if err != nil {
		return err
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	total := 0
	for {
		letters, err := queue.Pop(ctx, replayBatch)
		if err != nil {
			if pushErr := queue.Push(ctx, reverse(letters)...); pushErr != nil {
				a.logger.WithError(pushErr).WithField("count", len(letters)).Error("failed to requeue dead letters")
			}
			return err
		}
		if len(letters) == 0 {
			break
		}

		n, err := audit.ReplayDeadLetters(ctx, store, letters)
		total += n
		if err != nil {
			rest := letters[n:]
			if pushErr := queue.Push(ctx, reverse(rest)...); pushErr != nil {
				a.logger.WithError(pushErr).WithField("count", len(rest)).Error("failed to requeue dead letters")
			}
			a.logger.WithField("replayed", total).Error("dead-letter replay stopped")
			return err
		}
	}

	a.logger.WithField("replayed", total).Info("dead-letter list replayed")
	return nil
}

// reverse orders letters so RPush leaves the oldest at the tail
func reverse(letters []audit.DeadLetter) []audit.DeadLetter {
	out := make([]audit.DeadLetter, len(letters))
	for i, l := range letters {
		out[len(letters)-1-i] = l
	}
	return out
}
