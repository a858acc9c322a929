package journal

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/turnguard/pkg/persistence/statestore"
)

func crashOnce(t *testing.T, j *Journal, prompt string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, j.BeginTurn(ctx, "u1", prompt))
	rec, err := j.RecoverCrash(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
}

func TestCircuitBreaker_Threshold(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t, statestore.NewMemoryStore())
	b := NewCircuitBreaker(j, 3)

	crashOnce(t, j, "one")
	crashOnce(t, j, "two")
	halt, err := b.ShouldHalt(ctx)
	require.NoError(t, err)
	require.False(t, halt)

	crashOnce(t, j, "three")
	halt, err = b.ShouldHalt(ctx)
	require.NoError(t, err)
	require.True(t, halt)

	require.NoError(t, j.ResetCrashes(ctx))
	halt, err = b.ShouldHalt(ctx)
	require.NoError(t, err)
	require.False(t, halt)
}

func TestCircuitBreaker_DefaultThreshold(t *testing.T) {
	b := NewCircuitBreaker(newTestJournal(t, statestore.NewMemoryStore()), 0)
	require.Equal(t, DefaultMaxCrashes, b.Threshold())
}

func TestBoot_DirtyBootScenario(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	j := newTestJournal(t, store)
	b := NewCircuitBreaker(j, 3)

	require.NoError(t, j.BeginTurn(ctx, "u1", "schedule meeting"))
	require.NoError(t, j.ErrorLog().Append(ctx, "NetworkError: timeout"))

	report, err := Boot(ctx, j, b)
	require.NoError(t, err)
	require.True(t, report.Dirty)
	require.NotNil(t, report.Crash)
	require.Equal(t, "schedule meeting", report.Crash.Prompt)
	require.Equal(t, []string{"NetworkError: timeout"}, report.Crash.ErrorLog)
	require.Equal(t, 1, report.CrashCount)
	require.False(t, report.Halted)

	pending, err := j.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
	lines, err := j.ErrorLog().Lines(ctx)
	require.NoError(t, err)
	require.Empty(t, lines)
}

func TestBoot_ThirdDirtyBootTrips(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t, statestore.NewMemoryStore())
	b := NewCircuitBreaker(j, 3)

	crashOnce(t, j, "one")
	crashOnce(t, j, "two")
	require.NoError(t, j.BeginTurn(ctx, "u1", "schedule meeting"))

	report, err := Boot(ctx, j, b)
	require.Error(t, err)
	var open *CircuitOpenError
	require.True(t, stderrors.As(err, &open))
	require.Equal(t, 3, open.Crashes)
	require.True(t, report.Halted)
	require.Equal(t, "schedule meeting", report.Crash.Prompt)
}

func TestBoot_CleanBootResetsHistory(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t, statestore.NewMemoryStore())
	b := NewCircuitBreaker(j, 3)

	crashOnce(t, j, "one")
	crashOnce(t, j, "two")
	require.NoError(t, j.ErrorLog().Append(ctx, "leftover"))

	report, err := Boot(ctx, j, b)
	require.NoError(t, err)
	require.False(t, report.Dirty)
	require.Equal(t, 0, report.CrashCount)

	lines, err := j.ErrorLog().Lines(ctx)
	require.NoError(t, err)
	require.Empty(t, lines)
}

func TestBoot_StaysOpenUntilReset(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t, statestore.NewMemoryStore())
	b := NewCircuitBreaker(j, 3)

	crashOnce(t, j, "one")
	crashOnce(t, j, "two")
	require.NoError(t, j.BeginTurn(ctx, "u1", "three"))
	_, err := Boot(ctx, j, b)
	var open *CircuitOpenError
	require.True(t, stderrors.As(err, &open))

	// restart with no marker: still halted, history intact
	report, err := Boot(ctx, j, b)
	require.True(t, stderrors.As(err, &open))
	require.False(t, report.Dirty)
	require.True(t, report.Halted)
	require.Equal(t, 3, report.CrashCount)

	crashes, err := j.Crashes(ctx)
	require.NoError(t, err)
	require.Len(t, crashes, 3)

	require.NoError(t, j.ResetCrashes(ctx))
	report, err = Boot(ctx, j, b)
	require.NoError(t, err)
	require.False(t, report.Halted)
	require.Equal(t, 0, report.CrashCount)
}
