package params

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/turnguard/pkg/persistence/statestore"
)

func TestStore_SeedsFromBuiltinAndFallsBack(t *testing.T) {
	s, err := NewStore(context.Background(), statestore.NewMemoryStore(), Params{KeyModel: "sonnet"}, 0)
	require.NoError(t, err)
	require.Equal(t, "sonnet", s.Get().Model())
	require.Equal(t, DefaultTimeout, s.Timeout())
}

func TestStore_TimeoutForms(t *testing.T) {
	cases := []struct {
		name string
		v    any
		want time.Duration
	}{
		{"duration", 3 * time.Minute, 3 * time.Minute},
		{"string", "90s", 90 * time.Second},
		{"seconds int", 45, 45 * time.Second},
		{"seconds string", "30", 30 * time.Second},
		{"garbage", "soon", DefaultTimeout},
		{"negative", -5, DefaultTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := Params{KeyTimeout: tc.v}
			require.Equal(t, tc.want, p.Timeout(0))
		})
	}
}

func TestStore_SaveAndResetDefaults(t *testing.T) {
	ctx := context.Background()
	backing := statestore.NewMemoryStore()
	s, err := NewStore(ctx, backing, nil, time.Minute)
	require.NoError(t, err)

	s.SetMany(map[string]any{KeyTimeout: "2m", KeyTemperature: 0.2, "persona": "terse"})
	require.Equal(t, 2*time.Minute, s.Timeout())
	require.NoError(t, s.SaveAsDefaults(ctx))

	s.Set(KeyTimeout, "5m")
	s.Set("persona", nil)
	require.Equal(t, 5*time.Minute, s.Timeout())
	_, hasPersona := s.Get()["persona"]
	require.False(t, hasPersona)

	s.ResetToDefaults()
	require.Equal(t, 2*time.Minute, s.Timeout())
	require.Equal(t, "terse", s.Get()["persona"])

	reloaded, err := NewStore(ctx, backing, Params{KeyModel: "ignored"}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2*time.Minute, reloaded.Timeout())
	temp, ok := reloaded.Get().Temperature()
	require.True(t, ok)
	require.InDelta(t, 0.2, temp, 1e-9)
	require.Empty(t, reloaded.Get().Model())
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s, err := NewStore(context.Background(), statestore.NewMemoryStore(), Params{KeyMaxTokens: 512}, 0)
	require.NoError(t, err)
	p := s.Get()
	p[KeyMaxTokens] = 1
	require.Equal(t, 512, s.Get().MaxTokens())
}
