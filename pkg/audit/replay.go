package audit

import (
	"context"
	"fmt"
)

// ReplayDeadLetters appends the records of letters to store in order and returns
// how many were stored. It stops at the first failure so the caller can requeue
// letters[n:]. Replayed records get a new store timestamp.
func ReplayDeadLetters(ctx context.Context, store Store, letters []DeadLetter) (int, error) {
	for i, letter := range letters {
		if letter.Record == nil {
			continue
		}
		rec := *letter.Record
		rec.ID = 0
		if _, err := store.Append(ctx, &rec); err != nil {
			return i, fmt.Errorf("failed to replay dead letter %d: %w", i, err)
		}
	}
	return len(letters), nil
}
