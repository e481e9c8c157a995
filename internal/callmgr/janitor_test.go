package callmgr

import (
	"context"
	"testing"
	"time"

	"github.com/flowpbx/callrouter/internal/database/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, f.logs.Create(ctx, &models.AttemptLogEntry{
		CallID: "old", Event: models.AttemptEventCompleted, CreatedAt: now.Add(-48 * time.Hour),
	}))
	require.NoError(t, f.logs.Create(ctx, &models.AttemptLogEntry{
		CallID: "new", Event: models.AttemptEventCompleted, CreatedAt: now.Add(-time.Minute),
	}))

	done, err := f.mgr.Place(ctx, Request{Address: "tel:0255501234"})
	require.NoError(t, err)

	sweep(ctx, f.mgr, f.logs, 24*time.Hour, now.Add(finishedCallGrace+time.Second))

	_, ok := f.mgr.Get(done.ID)
	assert.False(t, ok, "finished call is forgotten after the grace period")

	old, err := f.logs.ListByCall(ctx, "old")
	require.NoError(t, err)
	assert.Empty(t, old)

	recent, err := f.logs.ListByCall(ctx, "new")
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestSweepRetentionDisabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.logs.Create(ctx, &models.AttemptLogEntry{
		CallID: "old", Event: models.AttemptEventCompleted, CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	}))

	sweep(ctx, f.mgr, f.logs, 0, time.Now())

	entries, err := f.logs.ListByCall(ctx, "old")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStartJanitorStops(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done, err := f.mgr.Place(ctx, Request{Address: "tel:0255501234"})
	require.NoError(t, err)

	StartJanitor(ctx, f.mgr, f.logs, time.Hour, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	cancel()

	_, ok := f.mgr.Get(done.ID)
	assert.True(t, ok, "calls inside the grace period are kept")
}
