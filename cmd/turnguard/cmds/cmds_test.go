package cmds

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/turnguard/pkg/actionlog"
	"github.com/go-go-golems/turnguard/pkg/config"
	"github.com/go-go-golems/turnguard/pkg/journal"
	"github.com/go-go-golems/turnguard/pkg/supervisor"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestParamsCommands(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	state := t.TempDir()

	out, err := run(t, "--state-dir", state, "params", "set", "timeout", "90s", "model", "small")
	require.NoError(t, err)
	require.Contains(t, out, "effective timeout 1m30s")

	out, err = run(t, "--state-dir", state, "params", "get", "model")
	require.NoError(t, err)
	require.Equal(t, "small\n", out)

	_, err = run(t, "--state-dir", state, "params", "unset", "model")
	require.NoError(t, err)
	_, err = run(t, "--state-dir", state, "params", "get", "model")
	require.Error(t, err)

	_, err = run(t, "--state-dir", state, "params", "set", "odd")
	require.Error(t, err)
}

func TestStatusAndCrashReset(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	state := t.TempDir()

	out, err := run(t, "--state-dir", state, "status", "-o", "yaml")
	require.NoError(t, err)
	require.Contains(t, out, "crash_count: 0")
	require.Contains(t, out, "halted: false")

	out, err = run(t, "--state-dir", state, "crashes", "reset")
	require.NoError(t, err)
	require.Contains(t, out, "cleared 0 crash record(s)")

	out, err = run(t, "--state-dir", state, "crashes", "list")
	require.NoError(t, err)
	require.Contains(t, out, "no crashes recorded")
}

func emptyConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	return path
}

func TestConfigCommands(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := emptyConfig(t)

	_, err := run(t, "--config", path, "config", "set", "breaker.max-crashes", "5")
	require.NoError(t, err)

	out, err := run(t, "--config", path, "config", "get", "breaker.max-crashes")
	require.NoError(t, err)
	require.Equal(t, "5\n", out)

	out, err = run(t, "--config", path, "config", "list", "--effective")
	require.NoError(t, err)
	require.Contains(t, out, "breaker.max-crashes: 5")

	_, err = run(t, "--config", path, "config", "delete", "breaker.max-crashes")
	require.NoError(t, err)
	out, err = run(t, "--config", path, "config", "list", "--concise")
	require.NoError(t, err)
	require.NotContains(t, out, "breaker.max-crashes")
}

func TestInvalidConfigStillEditable(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := emptyConfig(t)

	_, err := run(t, "--config", path, "config", "set", "provider.kind", "subprocess")
	require.NoError(t, err)

	_, err = run(t, "--config", path, "status")
	require.ErrorContains(t, err, "provider.command is required")

	_, err = run(t, "--config", path, "config", "set", "provider.command", "my-agent")
	require.NoError(t, err)
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	a := &App{v: viper.New()}
	require.NoError(t, config.Setup(a.v, ""))
	a.v.Set("state.backend", "memory")
	cfg, err := config.Decode(a.v)
	require.NoError(t, err)
	a.cfg = cfg
	return a
}

func TestChatSession(t *testing.T) {
	a := newTestApp(t)
	in := strings.NewReader(strings.Join([]string{
		"hello there",
		"/set model tiny",
		"/params",
		"/reset",
		"/bogus",
		"/quit",
		"never sent",
	}, "\n"))
	var out bytes.Buffer

	require.NoError(t, a.chat(context.Background(), "alice", in, &out))
	s := out.String()
	require.Contains(t, s, `turnguard chat as "alice"`)
	require.Contains(t, s, "echo: hello there")
	require.Contains(t, s, "model set; timeout is now 10m0s.")
	require.Contains(t, s, "model: tiny")
	require.Contains(t, s, "Context cleared.")
	require.Contains(t, s, "unknown command /bogus")
	require.NotContains(t, s, "never sent")
}

func TestChatRefusesWhenCircuitOpen(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	state := t.TempDir()

	// simulate three crashes during turns
	a := &App{v: viper.New()}
	require.NoError(t, config.Setup(a.v, ""))
	a.v.Set("state.dir", state)
	cfg, err := config.Decode(a.v)
	require.NoError(t, err)
	a.cfg = cfg
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		c, err := openCore(ctx, cfg)
		require.NoError(t, err)
		require.NoError(t, c.journal.BeginTurn(ctx, "bob", "loop forever"))
		if i < 2 {
			_, err = journal.Boot(ctx, c.journal, c.breaker)
			require.NoError(t, err)
		}
		require.NoError(t, c.Close())
	}

	err = a.chat(ctx, "bob", strings.NewReader("/quit\n"), &bytes.Buffer{})
	var open *journal.CircuitOpenError
	require.ErrorAs(t, err, &open)
	require.Equal(t, 3, open.Crashes)
	require.Equal(t, ExitCircuitOpen, ExitCode(err))

	out, err := run(t, "--state-dir", state, "crashes", "reset")
	require.NoError(t, err)
	require.Contains(t, out, "cleared 3 crash record(s)")
}

func TestRenderStatus(t *testing.T) {
	st := &supervisor.Status{
		CrashCount: 3,
		Threshold:  3,
		Halted:     true,
		Crashes:    []journal.CrashRecord{{At: time.Now(), UserID: "bob", Prompt: "loop", ErrorLog: []string{"boom"}}},
		Pending:    []journal.PendingTurnMarker{{UserID: "eve", Prompt: "hi", WrittenAt: time.Now()}},
		ErrorLog:   []string{"a", "latest failure"},
	}
	s := renderStatus(st)
	require.Contains(t, s, "OPEN")
	require.Contains(t, s, "user=bob")
	require.Contains(t, s, "boom")
	require.Contains(t, s, "eve since")
	require.Contains(t, s, "latest failure")
}

func TestPrintTurns(t *testing.T) {
	var buf bytes.Buffer
	printTurns(&buf, []actionlog.TurnRecord{{
		ID: "t1", UserID: "u", Prompt: "p", DurationMS: 1500, AbortReason: "stuck: no progress",
		Actions: []actionlog.TurnAction{
			{Kind: actionlog.ActionToolCall, ToolName: "grep"},
			{Kind: actionlog.ActionToolResult, ToolName: "grep", Result: "3 hits"},
		},
	}}, true)
	s := buf.String()
	require.Contains(t, s, "aborted: stuck: no progress")
	require.Contains(t, s, "actions=2 tools=1 errors=0")
	require.Contains(t, s, "1.5s")
	require.Contains(t, s, "1. [tool_call] grep")
	require.Contains(t, s, "2. [tool_result] grep: 3 hits")

	buf.Reset()
	printTurns(&buf, nil, false)
	require.Equal(t, "no turns logged\n", buf.String())
}

func TestParseValue(t *testing.T) {
	v, err := parseValue("0.2")
	require.NoError(t, err)
	require.Equal(t, 0.2, v)
	v, err = parseValue("90s")
	require.NoError(t, err)
	require.Equal(t, "90s", v)
	_, err = parseValue("[unclosed")
	require.Error(t, err)
}

type orderedShutdown struct {
	name  string
	calls *[]string
	err   error
}

func (o orderedShutdown) Shutdown(context.Context) error {
	*o.calls = append(*o.calls, o.name)
	return o.err
}

func TestGracefulShutdown_StopsSupervisorFirst(t *testing.T) {
	var calls []string
	sup := orderedShutdown{name: "supervisor", calls: &calls}
	srv := orderedShutdown{name: "http", calls: &calls}
	require.NoError(t, gracefulShutdown(context.Background(), sup, srv))
	require.Equal(t, []string{"supervisor", "http"}, calls)

	calls = nil
	sup.err = errors.New("clear failed")
	require.EqualError(t, gracefulShutdown(context.Background(), sup, srv), "clear failed")
	require.Equal(t, []string{"supervisor", "http"}, calls)
}
