package journal

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statemux/internal/domain"
	"statemux/internal/usecase/eventbus"
)

func newTestJournal(t *testing.T) *SQLiteJournal {
	t.Helper()
	j, err := NewSQLiteJournal(filepath.Join(t.TempDir(), "journal", "switches.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestAppendAndRecent(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, j.Append(ctx, domain.SwitchRecord{
			ID:        fmt.Sprintf("id-%d", i),
			From:      "a",
			To:        fmt.Sprintf("s%d", i),
			Active:    fmt.Sprintf("s%d", i),
			Outcome:   domain.OutcomeSwitched,
			StartedAt: base.Add(time.Duration(i) * time.Second),
			Duration:  150 * time.Millisecond,
		}))
	}

	recs, err := j.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "id-4", recs[0].ID)
	assert.Equal(t, "id-2", recs[2].ID)
	assert.Equal(t, domain.OutcomeSwitched, recs[0].Outcome)
	assert.Equal(t, 150*time.Millisecond, recs[0].Duration)
	assert.True(t, recs[0].StartedAt.Equal(base.Add(4*time.Second)))
}

func TestAppendDuplicateID(t *testing.T) {
	j := newTestJournal(t)
	rec := domain.SwitchRecord{ID: "dup", To: "a", Outcome: domain.OutcomeFailed, StartedAt: time.Now()}
	require.NoError(t, j.Append(context.Background(), rec))
	err := j.Append(context.Background(), rec)
	require.ErrorIs(t, err, domain.ErrJournalWrite)
}

func TestGet(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	require.NoError(t, j.Append(ctx, domain.SwitchRecord{
		ID: "x1", To: "spi", Outcome: domain.OutcomeFailed, Error: "activate failed", StartedAt: time.Now(),
	}))

	rec, err := j.Get(ctx, "x1")
	require.NoError(t, err)
	assert.Equal(t, "activate failed", rec.Error)

	_, err = j.Get(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.CodeJournalNotFound, domain.ErrorCodeOf(err))
}

func TestPrune(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, j.Append(ctx, domain.SwitchRecord{ID: "old", To: "a", Outcome: domain.OutcomeSwitched, StartedAt: old}))
	require.NoError(t, j.Append(ctx, domain.SwitchRecord{ID: "new", To: "b", Outcome: domain.OutcomeSwitched, StartedAt: time.Now()}))

	n, err := j.Prune(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	recs, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "new", recs[0].ID)
}

func TestRecordFromBus(t *testing.T) {
	j := newTestJournal(t)
	bus := eventbus.New(slog.Default())
	stop := Record(bus, j, nil)
	defer stop()

	ts := time.Date(2026, 5, 1, 8, 0, 1, 0, time.UTC)
	ctx := context.Background()
	bus.Publish(ctx, domain.NewSwitchEvent(domain.EventStateSwitched, ts,
		domain.SwitchEvent{ID: "e1", From: "a", To: "b", Active: "b", DurationMs: 1000}))
	bus.Publish(ctx, domain.NewSwitchEvent(domain.EventStateUnchanged, ts,
		domain.SwitchEvent{ID: "e2", From: "b", To: "b", Active: "b"}))
	bus.Publish(ctx, domain.NewSwitchEvent(domain.EventStateSwitchFailed, ts,
		domain.SwitchEvent{ID: "e3", From: "b", To: "c", Error: "boom", Code: "OVERLAY_FAILED"}))
	bus.Publish(ctx, domain.NewSwitchEvent(domain.EventMuxClosed, ts, domain.SwitchEvent{ID: "e4"}))
	bus.Close()

	recs, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "e3", recs[0].ID)
	assert.Equal(t, domain.OutcomeFailed, recs[0].Outcome)
	assert.Equal(t, "boom", recs[0].Error)
	assert.Equal(t, domain.OutcomeUnchanged, recs[1].Outcome)
	assert.Equal(t, domain.OutcomeSwitched, recs[2].Outcome)
	assert.True(t, recs[2].StartedAt.Equal(ts.Add(-time.Second)))
}
