package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/turnguard/pkg/actionlog"
	"github.com/go-go-golems/turnguard/pkg/journal"
	"github.com/go-go-golems/turnguard/pkg/params"
	"github.com/go-go-golems/turnguard/pkg/persistence/statestore"
	"github.com/go-go-golems/turnguard/pkg/provider/echo"
	"github.com/go-go-golems/turnguard/pkg/supervisor"
	"github.com/go-go-golems/turnguard/pkg/watchdog"
)

type stubTurns struct {
	resp *supervisor.Response
	err  error
	user string
}

func (s *stubTurns) Process(_ context.Context, userID, prompt string) (*supervisor.Response, error) {
	s.user = userID
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func postTurn(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/turns", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTurnHandler_Success(t *testing.T) {
	svc := &stubTurns{resp: &supervisor.Response{TurnID: "t1", UserID: "alice", Text: "hi"}}
	rec := postTurn(t, NewTurnHandler(svc, zerolog.Nop()), `{"user_id":" alice ","prompt":"hello"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var got supervisor.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "t1", got.TurnID)
	require.Equal(t, "hi", got.Text)
	require.Equal(t, "alice", svc.user)
}

func TestTurnHandler_BadRequests(t *testing.T) {
	h := NewTurnHandler(&stubTurns{}, zerolog.Nop())

	require.Equal(t, http.StatusBadRequest, postTurn(t, h, `{`).Code)
	require.Equal(t, http.StatusBadRequest, postTurn(t, h, `{"prompt":"x"}`).Code)
	require.Equal(t, http.StatusBadRequest, postTurn(t, h, `{"user_id":"u","prompt":"  "}`).Code)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/turns", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestTurnHandler_ErrorMapping(t *testing.T) {
	stuck := &supervisor.StuckTurnError{
		UserID: "u", TurnID: "t-stuck",
		Analysis: watchdog.Analysis{IsStuck: true, Reason: watchdog.ReasonRepetitive, Detail: "grep"},
	}
	cases := []struct {
		name   string
		err    error
		status int
		turnID string
	}{
		{"busy", supervisor.ErrAlreadyProcessing, http.StatusConflict, ""},
		{"stuck", stuck, http.StatusGatewayTimeout, "t-stuck"},
		{"provider", &supervisor.ProviderError{UserID: "u", TurnID: "t-fail", Err: errors.New("boom")}, http.StatusBadGateway, "t-fail"},
		{"unavailable", errors.Wrap(supervisor.ErrProviderUnavailable, "factory"), http.StatusServiceUnavailable, ""},
		{"shutdown", supervisor.ErrShuttingDown, http.StatusServiceUnavailable, ""},
		{"cancelled", context.Canceled, http.StatusRequestTimeout, ""},
		{"other", errors.New("disk full"), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postTurn(t, NewTurnHandler(&stubTurns{err: tc.err}, zerolog.Nop()), `{"user_id":"u","prompt":"p"}`)
			require.Equal(t, tc.status, rec.Code)

			var body ErrorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.Equal(t, supervisor.UserMessage(tc.err), body.Message)
			require.Equal(t, tc.turnID, body.TurnID)
		})
	}
}

type stubAudit struct{ limit int }

func (s *stubAudit) Recent(limit int) []actionlog.TurnRecord {
	s.limit = limit
	return nil
}

func TestTurnsHandler_Limit(t *testing.T) {
	audit := &stubAudit{}
	h := NewTurnsHandler(audit)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/turns", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, DefaultTurnsLimit, audit.limit)
	require.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/turns?limit=3", nil))
	require.Equal(t, 3, audit.limit)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/turns?limit=-1", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func newSupervisor(t *testing.T) *supervisor.Supervisor {
	t.Helper()
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	j, err := journal.New(store, nil)
	require.NoError(t, err)
	log, err := actionlog.New(ctx, store, 10)
	require.NoError(t, err)
	ps, err := params.NewStore(ctx, store, params.Params{params.KeyTimeout: time.Minute}, 0)
	require.NoError(t, err)
	sup, err := supervisor.New(supervisor.Config{
		Journal:   j,
		Breaker:   journal.NewCircuitBreaker(j, 3),
		Params:    ps,
		Log:       log,
		Providers: echo.Factory(0),
	})
	require.NoError(t, err)
	return sup
}

func TestMux_EndToEnd(t *testing.T) {
	sup := newSupervisor(t)
	srv := httptest.NewServer(NewMux(sup, zerolog.Nop()))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/turns", "application/json",
		bytes.NewBufferString(`{"user_id":"alice","prompt":"ping"}`))
	require.NoError(t, err)
	var turn supervisor.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&turn))
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "echo: ping", turn.Text)

	resp, err = http.Get(srv.URL + "/v1/turns?limit=5")
	require.NoError(t, err)
	var turns []actionlog.TurnRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&turns))
	_ = resp.Body.Close()
	require.Len(t, turns, 1)
	require.Equal(t, turn.TurnID, turns[0].ID)
	require.True(t, turns[0].Completed)

	resp, err = http.Get(srv.URL + "/v1/status")
	require.NoError(t, err)
	var st supervisor.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	_ = resp.Body.Close()
	require.Equal(t, 3, st.Threshold)
	require.Zero(t, st.CrashCount)
	require.Empty(t, st.Pending)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestParamsEndpoints(t *testing.T) {
	sup := newSupervisor(t)
	mux := NewMux(sup, zerolog.Nop())

	do := func(method, path, body string) (*httptest.ResponseRecorder, ParamsBody) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
		var out ParamsBody
		if rec.Code == http.StatusOK {
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		}
		return rec, out
	}

	rec, out := do(http.MethodPatch, "/v1/params", `{"model":"small","timeout":"90s"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "small", out.Current["model"])
	require.NotContains(t, out.Defaults, "model")
	require.Equal(t, 90*time.Second, sup.Params().Timeout())

	_, out = do(http.MethodPost, "/v1/params/reset", "")
	require.NotContains(t, out.Current, "model")

	do(http.MethodPatch, "/v1/params", `{"model":"large"}`)
	_, out = do(http.MethodPost, "/v1/params/save-defaults", "")
	require.Equal(t, "large", out.Defaults["model"])

	rec, _ = do(http.MethodDelete, "/v1/params", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestResetContextEndpoint(t *testing.T) {
	mux := NewMux(newSupervisor(t), zerolog.Nop())

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/context/reset", strings.NewReader(`{"user_id":"bob"}`)))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/context/reset", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
