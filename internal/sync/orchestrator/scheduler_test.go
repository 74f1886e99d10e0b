package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/pysugar/ledgersync/internal/db/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_RunOnce(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	a := s.connect(t)
	b, err := s.manager.ExchangeAuthCode(ctx, "user-2", "sandbox", "code-2")
	require.NoError(t, err)

	sched := NewScheduler(s.orchestrator(Options{}), s.store, time.Hour, 2)
	jobs, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	seen := map[string]bool{}
	for _, j := range jobs {
		assert.Equal(t, models.ReasonPoll, j.Reason)
		assert.Equal(t, models.SyncSucceeded, j.Status)
		seen[j.ConnectionID] = true
	}
	assert.True(t, seen[a.ID])
	assert.True(t, seen[b.ID])

	// Both were just synced, so nothing is due until the interval passes.
	jobs, err = sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestScheduler_SkipsDeferredAndFlagged(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	deferred := s.connect(t)
	require.NoError(t, s.manager.DeferUntil(ctx, deferred.ID, s.now.Add(time.Hour)))

	flagged, err := s.manager.ExchangeAuthCode(ctx, "user-2", "sandbox", "code-2")
	require.NoError(t, err)
	flagged.ReauthRequired = true
	require.NoError(t, s.store.SaveConnection(ctx, &flagged))

	jobs, err := NewScheduler(s.orchestrator(Options{}), s.store, time.Hour, 2).RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	s := newStack(t)
	s.connect(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		NewScheduler(s.orchestrator(Options{}), s.store, time.Hour, 1).Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, _, txs := s.fake.Calls()
		return txs == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
