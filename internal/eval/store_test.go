package eval

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	scores := []TurnScore{
		{ConversationID: "rb_base_1", Role: "Yoda", Method: "baseline", Turn: 1, Fidelity: 0.71},
		{ConversationID: "rb_base_1", Role: "Yoda", Method: "baseline", Turn: 2, Fidelity: 0.52, Contradiction: true},
		{ConversationID: "rb_base_0", Role: "Jack Sparrow", Method: "baseline", Turn: 1, Fidelity: 0.66},
	}

	run := NewRun("out/rolebench_baseline.jsonl")
	require.NoError(t, store.SaveRun(ctx, run, scores))
	assert.Equal(t, 2, run.Conversations)
	assert.Equal(t, 3, run.Rows)

	loaded, err := store.LoadRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, loaded.ID)
	assert.Equal(t, run.Input, loaded.Input)
	assert.Equal(t, 2, loaded.Conversations)
	assert.Equal(t, 3, loaded.Rows)
	assert.WithinDuration(t, run.CreatedAt, loaded.CreatedAt, time.Microsecond)

	got, err := store.LoadScores(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, []TurnScore{scores[2], scores[0], scores[1]}, got)
}

func TestSQLiteStore_LatestRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.LoadRun(ctx, "")
	assert.ErrorIs(t, err, ErrRunNotFound)

	older := NewRun("first.jsonl")
	older.CreatedAt = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	newer := NewRun("second.jsonl")
	newer.CreatedAt = time.Date(2025, 1, 1, 12, 0, 0, 500, time.UTC)

	require.NoError(t, store.SaveRun(ctx, newer, nil))
	require.NoError(t, store.SaveRun(ctx, older, nil))

	latest, err := store.LoadRun(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, latest.ID)

	runs, err := store.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, newer.ID, runs[0].ID)
	assert.Equal(t, older.ID, runs[1].ID)

	_, err = store.LoadRun(ctx, "no-such-run")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestSQLiteStore_SaveRunRequiresID(t *testing.T) {
	store := newTestStore(t)
	assert.Error(t, store.SaveRun(context.Background(), &Run{}, nil))
	assert.Error(t, store.SaveRun(context.Background(), nil, nil))
}

func TestSQLiteStore_DuplicateRunRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := NewRun("a.jsonl")
	require.NoError(t, store.SaveRun(ctx, run, []TurnScore{{ConversationID: "x", Turn: 1}}))
	require.Error(t, store.SaveRun(ctx, run, nil))

	// the failed save left the original rows in place
	got, err := store.LoadScores(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
