package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleRecurring_Validation(t *testing.T) {
	s := NewScheduler()
	noop := func(context.Context) error { return nil }

	_, err := s.ScheduleRecurring("billing", "", "@hourly", noop)
	assert.ErrorIs(t, err, ErrJobNameEmpty)

	_, err = s.ScheduleRecurring("billing", "sync", "@hourly", nil)
	assert.ErrorIs(t, err, ErrJobFuncNil)

	_, err = s.ScheduleRecurring("billing", "sync", "every tuesday", noop)
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	id, err := s.ScheduleRecurring("billing", "sync", "*/5 * * * *", noop)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	jobs := s.Jobs("billing")
	require.Len(t, jobs, 1)
	assert.Equal(t, JobStatusPending, jobs[0].Status)
	assert.False(t, jobs[0].NextRun.IsZero())
}

func TestRunNow_RecordsOutcome(t *testing.T) {
	s := NewScheduler()
	fail := true
	id, err := s.ScheduleRecurring("billing", "invoice-reminders", "@daily", func(context.Context) error {
		if fail {
			return errors.New("smtp unavailable")
		}
		return nil
	})
	require.NoError(t, err)

	require.Error(t, s.RunNow(id))
	job := s.Jobs("billing")[0]
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, "smtp unavailable", job.LastError)

	fail = false
	require.NoError(t, s.RunNow(id))
	job = s.Jobs("billing")[0]
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Empty(t, job.LastError)
	assert.Equal(t, 2, job.Runs)

	assert.ErrorIs(t, s.RunNow("missing"), ErrJobNotFound)
}

func TestRunNow_RecoversPanics(t *testing.T) {
	s := NewScheduler()
	id, err := s.ScheduleRecurring("billing", "explode", "@daily", func(context.Context) error {
		panic("boom")
	})
	require.NoError(t, err)

	err = s.RunNow(id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, JobStatusFailed, s.Jobs("billing")[0].Status)
}

func TestStopModule(t *testing.T) {
	s := NewScheduler()
	noop := func(context.Context) error { return nil }
	for _, name := range []string{"a", "b"} {
		_, err := s.ScheduleRecurring("billing", name, "@hourly", noop)
		require.NoError(t, err)
	}
	_, err := s.ScheduleRecurring("crm", "sync", "@hourly", noop)
	require.NoError(t, err)

	assert.Equal(t, 2, s.StopModule("billing"))
	assert.Equal(t, 0, s.StopModule("billing"))
	assert.Empty(t, s.Jobs("billing"))
	assert.Len(t, s.Jobs(""), 1)
	assert.Len(t, s.cron.Entries(), 1)
}

func TestScheduler_FiresJobs(t *testing.T) {
	s := NewScheduler()
	var runs atomic.Int32
	_, err := s.ScheduleRecurring("billing", "tick", "@every 1s", func(context.Context) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx), "stopping twice is a no-op")
}

func TestStop_CancelsRunningJobs(t *testing.T) {
	s := NewScheduler()
	started := make(chan struct{})
	id, err := s.ScheduleRecurring("billing", "long", "@daily", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	done := make(chan error, 1)
	go func() { done <- s.RunNow(id) }()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.ErrorIs(t, <-done, context.Canceled)
}
