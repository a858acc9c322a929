package journal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/turnguard/pkg/persistence/statestore"
)

func newTestJournal(t *testing.T, store statestore.Store) *Journal {
	t.Helper()
	j, err := New(store, NewErrorLog(store, 0))
	require.NoError(t, err)
	return j
}

func TestJournal_EndTurnIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	j := newTestJournal(t, store)

	require.NoError(t, j.EndTurn(ctx, "u1"))
	require.Empty(t, store.Keys())

	require.NoError(t, j.BeginTurn(ctx, "u1", "hello"))
	require.NoError(t, j.EndTurn(ctx, "u1"))
	after1 := store.Keys()
	require.NoError(t, j.EndTurn(ctx, "u1"))
	require.Equal(t, after1, store.Keys())

	dirty, err := j.IsDirtyBoot(ctx)
	require.NoError(t, err)
	require.False(t, dirty)
}

func TestJournal_CrashDetectionAcrossRestart(t *testing.T) {
	ctx := context.Background()
	store, err := statestore.NewFileStore(t.TempDir())
	require.NoError(t, err)

	first := newTestJournal(t, store)
	require.NoError(t, first.BeginTurn(ctx, "u1", "X"))
	// process dies here: no EndTurn

	reborn := newTestJournal(t, store)
	dirty, err := reborn.IsDirtyBoot(ctx)
	require.NoError(t, err)
	require.True(t, dirty)

	rec, err := reborn.RecoverCrash(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "X", rec.Prompt)
	require.Equal(t, "u1", rec.UserID)

	crashes, err := reborn.Crashes(ctx)
	require.NoError(t, err)
	require.Len(t, crashes, 1)

	pending, err := reborn.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
	lines, err := reborn.ErrorLog().Lines(ctx)
	require.NoError(t, err)
	require.Empty(t, lines)

	again, err := reborn.RecoverCrash(ctx)
	require.NoError(t, err)
	require.Nil(t, again)
	crashes, err = reborn.Crashes(ctx)
	require.NoError(t, err)
	require.Len(t, crashes, 1)
}

func TestJournal_MultipleUsersKeepOneMarkerBlob(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	now := time.Unix(1000, 0)
	j, err := New(store, nil, WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	}))
	require.NoError(t, err)

	require.NoError(t, j.BeginTurn(ctx, "u1", "first"))
	require.NoError(t, j.BeginTurn(ctx, "u2", "second"))
	require.Equal(t, []string{statestore.KeyPendingTurns}, store.Keys())

	require.NoError(t, j.EndTurn(ctx, "u1"))
	pending, err := j.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "u2", pending[0].UserID)

	require.NoError(t, j.BeginTurn(ctx, "u1", "third"))
	rec, err := j.RecoverCrash(ctx)
	require.NoError(t, err)
	require.Equal(t, "third", rec.Prompt)
	require.Len(t, rec.Pending, 2)
}

func TestJournal_ClearAll(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t, statestore.NewMemoryStore())
	require.NoError(t, j.BeginTurn(ctx, "u1", "a"))
	require.NoError(t, j.BeginTurn(ctx, "u2", "b"))
	require.NoError(t, j.ClearAll(ctx))
	dirty, err := j.IsDirtyBoot(ctx)
	require.NoError(t, err)
	require.False(t, dirty)
}

func TestErrorLog_Bounded(t *testing.T) {
	ctx := context.Background()
	l := NewErrorLog(statestore.NewMemoryStore(), 3)
	for _, s := range []string{"a", "b", "", "c", "d"} {
		require.NoError(t, l.Append(ctx, s))
	}
	lines, err := l.Lines(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c", "d"}, lines)
}
