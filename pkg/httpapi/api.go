// Package httpapi exposes the supervisor over plain HTTP: one endpoint to run
// a turn and a few read-only endpoints for operators.
package httpapi

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/go-go-golems/turnguard/pkg/actionlog"
	"github.com/go-go-golems/turnguard/pkg/supervisor"
)

const (
	DefaultTurnsLimit = 20
	maxRequestBytes   = 1 << 20
)

// TurnRequestBody is the JSON body accepted by POST /v1/turns.
type TurnRequestBody struct {
	UserID string `json:"user_id"`
	Prompt string `json:"prompt"`
}

// ErrorBody is returned for every failed turn.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	TurnID  string `json:"turn_id,omitempty"`
}

type TurnService interface {
	Process(ctx context.Context, userID, prompt string) (*supervisor.Response, error)
}

type AuditService interface {
	Recent(limit int) []actionlog.TurnRecord
}

type StatusService interface {
	Status(ctx context.Context) (*supervisor.Status, error)
}

func NewTurnHandler(svc TurnService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if svc == nil {
			http.Error(w, "turn service not initialized", http.StatusServiceUnavailable)
			return
		}
		var body TurnRequestBody
		if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRequestBytes)).Decode(&body); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		body.UserID = strings.TrimSpace(body.UserID)
		if body.UserID == "" {
			http.Error(w, "missing user_id", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(body.Prompt) == "" {
			http.Error(w, "missing prompt", http.StatusBadRequest)
			return
		}

		resp, err := svc.Process(req.Context(), body.UserID, body.Prompt)
		if err != nil {
			status := StatusForError(err)
			if status >= http.StatusInternalServerError {
				logger.Warn().Err(err).Str("user_id", body.UserID).Int("status", status).Msg("turn failed")
			}
			writeJSON(w, status, errorBody(err))
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// StatusForError maps supervisor errors onto HTTP status codes.
func StatusForError(err error) int {
	var stuck *supervisor.StuckTurnError
	var perr *supervisor.ProviderError
	switch {
	case stderrors.Is(err, supervisor.ErrAlreadyProcessing):
		return http.StatusConflict
	case stderrors.As(err, &stuck):
		return http.StatusGatewayTimeout
	case stderrors.As(err, &perr):
		return http.StatusBadGateway
	case stderrors.Is(err, supervisor.ErrProviderUnavailable),
		stderrors.Is(err, supervisor.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func errorBody(err error) ErrorBody {
	out := ErrorBody{Error: err.Error(), Message: supervisor.UserMessage(err)}
	var stuck *supervisor.StuckTurnError
	var perr *supervisor.ProviderError
	switch {
	case stderrors.As(err, &stuck):
		out.TurnID = stuck.TurnID
	case stderrors.As(err, &perr):
		out.TurnID = perr.TurnID
	}
	return out
}

func NewTurnsHandler(svc AuditService) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		limit := DefaultTurnsLimit
		if s := strings.TrimSpace(req.URL.Query().Get("limit")); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = v
		}
		turns := svc.Recent(limit)
		if turns == nil {
			turns = []actionlog.TurnRecord{}
		}
		writeJSON(w, http.StatusOK, turns)
	}
}

func NewStatusHandler(svc StatusService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		st, err := svc.Status(req.Context())
		if err != nil {
			logger.Error().Err(err).Msg("status read failed")
			http.Error(w, "status read failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func NewHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// NewMux wires all handlers onto a fresh ServeMux.
func NewMux(sup *supervisor.Supervisor, logger zerolog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	turn := NewTurnHandler(sup, logger)
	turns := NewTurnsHandler(sup.Log())
	mux.HandleFunc("/v1/turns", func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodPost {
			turn(w, req)
			return
		}
		turns(w, req)
	})
	mux.HandleFunc("/v1/status", NewStatusHandler(sup, logger))
	mux.HandleFunc("/v1/params", NewParamsHandler(sup.Params()))
	mux.HandleFunc("/v1/params/save-defaults", NewSaveDefaultsHandler(sup.Params(), logger))
	mux.HandleFunc("/v1/params/reset", NewResetParamsHandler(sup.Params()))
	mux.HandleFunc("/v1/context/reset", NewResetContextHandler(sup))
	mux.HandleFunc("/healthz", NewHealthHandler())
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
