package actionlog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/turnguard/pkg/params"
	"github.com/go-go-golems/turnguard/pkg/persistence/statestore"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestLog_TurnLifecycle(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{t: time.Unix(100, 0)}
	l, err := New(ctx, statestore.NewMemoryStore(), 10, WithClock(clk.now))
	require.NoError(t, err)

	id := l.StartTurn("u1", "find flights", params.Params{params.KeyModel: "m"})
	require.True(t, l.LogText(id, "looking"))
	require.True(t, l.LogToolCall(id, "search", map[string]any{"q": "LHR"}))
	require.True(t, l.LogToolResult(id, "search", "3 results"))
	clk.advance(2 * time.Second)

	cur := l.CurrentTurn("u1")
	require.NotNil(t, cur)
	require.Equal(t, id, cur.ID)
	require.Equal(t, int64(2000), cur.DurationMS)
	require.Len(t, cur.Actions, 3)
	require.Equal(t, 1, cur.CountKind(ActionToolCall))

	cur.Actions[1].ToolArgs["q"] = "mutated"
	require.Equal(t, "LHR", l.Turn(id).Actions[1].ToolArgs["q"])

	clk.advance(time.Second)
	rec, err := l.EndTurn(ctx, id, true, "")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.True(t, rec.Completed)
	require.Equal(t, 3*time.Second, rec.Duration())
	require.Nil(t, l.CurrentTurn("u1"))

	again, err := l.EndTurn(ctx, id, false, "late abort")
	require.NoError(t, err)
	require.Nil(t, again)
	require.False(t, l.LogError(id, "late"))

	turns := l.LoggedTurns()
	require.Len(t, turns, 1)
	require.True(t, turns[0].Completed)
	require.Empty(t, turns[0].AbortReason)
}

func TestLog_StartTurnDiscardsOpenTurnOfSameUser(t *testing.T) {
	ctx := context.Background()
	l, err := New(ctx, statestore.NewMemoryStore(), 10)
	require.NoError(t, err)

	first := l.StartTurn("u1", "a", nil)
	other := l.StartTurn("u2", "b", nil)
	second := l.StartTurn("u1", "c", nil)

	require.Nil(t, l.Turn(first))
	require.NotNil(t, l.Turn(other))
	require.Equal(t, second, l.CurrentTurn("u1").ID)

	rec, err := l.EndTurn(ctx, first, true, "")
	require.NoError(t, err)
	require.Nil(t, rec)
	require.Empty(t, l.LoggedTurns())
}

func TestLog_RingBufferBound(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	l, err := New(ctx, store, 100)
	require.NoError(t, err)

	for i := 0; i < 150; i++ {
		id := l.StartTurn("u1", fmt.Sprintf("prompt-%d", i), nil)
		_, err := l.EndTurn(ctx, id, true, "")
		require.NoError(t, err)
	}
	turns := l.LoggedTurns()
	require.Len(t, turns, 100)
	require.Equal(t, "prompt-50", turns[0].Prompt)
	require.Equal(t, "prompt-149", turns[99].Prompt)

	recent := l.Recent(5)
	require.Len(t, recent, 5)
	require.Equal(t, "prompt-145", recent[0].Prompt)

	reloaded, err := New(ctx, store, 100)
	require.NoError(t, err)
	reloadedTurns := reloaded.LoggedTurns()
	require.Len(t, reloadedTurns, 100)
	for i := range turns {
		require.Equal(t, turns[i].ID, reloadedTurns[i].ID)
		require.Equal(t, turns[i].Prompt, reloadedTurns[i].Prompt)
	}

	smaller, err := New(ctx, store, 10)
	require.NoError(t, err)
	require.Len(t, smaller.LoggedTurns(), 10)
	require.Equal(t, "prompt-140", smaller.LoggedTurns()[0].Prompt)
}

func TestLog_UnreadablePersistedLogIsDiscarded(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	require.NoError(t, store.Save(ctx, statestore.KeyTurnLog, []byte("{not json")))
	l, err := New(ctx, store, 10)
	require.NoError(t, err)
	require.Empty(t, l.LoggedTurns())
}
