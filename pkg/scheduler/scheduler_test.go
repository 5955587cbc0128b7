package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokyo(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	return loc
}

func TestAdd(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := New(tokyo(t), logger)

	noop := func(context.Context) error { return nil }
	require.NoError(t, s.Add(Job{Name: "backup", Spec: DailyBackupSpec, Run: noop}))
	require.NoError(t, s.Add(Job{Name: "retention", Spec: WeeklyRetentionSpec, Run: noop}))

	err := s.Add(Job{Name: "backup", Spec: DailyBackupSpec, Run: noop})
	assert.Error(t, err)

	err = s.Add(Job{Name: "bad", Spec: "not a schedule", Run: noop})
	assert.Error(t, err)

	_, ok := s.Next("bad")
	assert.False(t, ok)
}

func TestNextAfter(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := New(tokyo(t), logger)

	// 2026-05-01 is a Friday; 00:00 UTC is 09:00 in Tokyo
	from := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	next, err := s.NextAfter(DailyBackupSpec, from)
	require.NoError(t, err)
	assert.True(t, next.Equal(time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)), "got %s", next)

	next, err = s.NextAfter(WeeklyRetentionSpec, from)
	require.NoError(t, err)
	assert.True(t, next.Equal(time.Date(2026, 5, 2, 19, 0, 0, 0, time.UTC)), "got %s", next)
	assert.Equal(t, time.Sunday, next.In(tokyo(t)).Weekday())

	_, err = s.NextAfter("61 * * * *", from)
	assert.Error(t, err)
}

func TestNextAfterDefaultsToUTC(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := New(nil, logger)

	next, err := s.NextAfter(DailyBackupSpec, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, next.Equal(time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)))
}

func TestTriggerSkipsOverlappingRun(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := New(time.UTC, logger)

	var runs int32
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.Add(Job{
		Name: "backup",
		Spec: DailyBackupSpec,
		Run: func(context.Context) error {
			if atomic.AddInt32(&runs, 1) == 1 {
				close(started)
				<-release
			}
			return nil
		},
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, s.Trigger("backup"))
	}()
	<-started

	// the first run still holds the guard, so this one returns without running
	require.NoError(t, s.Trigger("backup"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))

	close(release)
	<-done

	require.NoError(t, s.Trigger("backup"))
	assert.Equal(t, int32(2), atomic.LoadInt32(&runs))
}

func TestTriggerUnknownJob(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := New(time.UTC, logger)
	assert.Error(t, s.Trigger("missing"))
}

func TestJobErrorIsLogged(t *testing.T) {
	logger, hook := test.NewNullLogger()
	s := New(time.UTC, logger)

	require.NoError(t, s.Add(Job{
		Name: "retention",
		Spec: WeeklyRetentionSpec,
		Run:  func(context.Context) error { return errors.New("store unavailable") },
	}))
	require.NoError(t, s.Trigger("retention"))

	var found bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel && e.Message == "job failed" {
			found = true
			assert.Equal(t, "retention", e.Data["job"])
		}
	}
	assert.True(t, found)
}

func TestJobPanicIsRecovered(t *testing.T) {
	logger, hook := test.NewNullLogger()
	s := New(time.UTC, logger)

	require.NoError(t, s.Add(Job{
		Name: "backup",
		Spec: DailyBackupSpec,
		Run:  func(context.Context) error { panic("boom") },
	}))
	require.NotPanics(t, func() { _ = s.Trigger("backup") })

	var found bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			found = true
		}
	}
	assert.True(t, found)

	// the guard is released after a panic
	require.NotPanics(t, func() { _ = s.Trigger("backup") })
}

func TestStartStop(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := New(time.UTC, logger)

	require.NoError(t, s.Add(Job{
		Name: "backup",
		Spec: DailyBackupSpec,
		Run:  func(context.Context) error { return nil },
	}))
	s.Start()

	next, ok := s.Next("backup")
	require.True(t, ok)
	assert.True(t, next.After(time.Now()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}
