package journal

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) Journal {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	j, err := Provide(db, db)
	require.NoError(t, err)
	return j
}

func payload(t *testing.T, v map[string]interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestAppendAssignsDenseSeqStartingAtOne(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	for want := int64(1); want <= 5; want++ {
		got, err := j.Append(ctx, "session-a", "message", payload(t, map[string]interface{}{"n": want}))
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestAppendSeqIsPerSession(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	seqA1, err := j.Append(ctx, "session-a", "message", payload(t, nil))
	require.NoError(t, err)
	seqB1, err := j.Append(ctx, "session-b", "message", payload(t, nil))
	require.NoError(t, err)
	seqA2, err := j.Append(ctx, "session-a", "message", payload(t, nil))
	require.NoError(t, err)

	require.Equal(t, int64(1), seqA1)
	require.Equal(t, int64(1), seqB1)
	require.Equal(t, int64(2), seqA2)
}

func TestRangeAfterReturnsAscendingOrderAndLastSeq(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := j.Append(ctx, "session-a", "message", payload(t, map[string]interface{}{"i": i}))
		require.NoError(t, err)
	}

	events, lastSeq, err := j.RangeAfter(ctx, "session-a", 2, 3)
	require.NoError(t, err)
	require.Equal(t, int64(5), lastSeq)
	require.Len(t, events, 3)
	require.Equal(t, int64(3), events[0].Seq)
	require.Equal(t, int64(4), events[1].Seq)
	require.Equal(t, int64(5), events[2].Seq)
}

func TestRangeAfterOnEmptySessionReturnsZeroLastSeq(t *testing.T) {
	j := newTestJournal(t)
	events, lastSeq, err := j.RangeAfter(context.Background(), "unknown-session", 0, 10)
	require.NoError(t, err)
	require.Empty(t, events)
	require.Equal(t, int64(0), lastSeq)
}

func TestRangeAfterRespectsLimit(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := j.Append(ctx, "session-a", "message", payload(t, nil))
		require.NoError(t, err)
	}

	events, _, err := j.RangeAfter(ctx, "session-a", 0, 4)
	require.NoError(t, err)
	require.Len(t, events, 4)
}

func TestPruneOlderThanRemovesOnlyOldRows(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	_, err := j.Append(ctx, "session-a", "message", payload(t, nil))
	require.NoError(t, err)

	cutoffInFuture := time.Now().Add(time.Hour)
	removed, err := j.PruneOlderThan(ctx, cutoffInFuture)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	events, _, err := j.RangeAfter(ctx, "session-a", 0, 10)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestPruneOlderThanLeavesRecentRows(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	_, err := j.Append(ctx, "session-a", "message", payload(t, nil))
	require.NoError(t, err)

	cutoffInPast := time.Now().Add(-time.Hour)
	removed, err := j.PruneOlderThan(ctx, cutoffInPast)
	require.NoError(t, err)
	require.Equal(t, int64(0), removed)

	events, _, err := j.RangeAfter(ctx, "session-a", 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
}
