package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/go-go-golems/turnguard/pkg/params"
)

type ParamsService interface {
	Get() params.Params
	Defaults() params.Params
	SetMany(partial map[string]any)
	SaveAsDefaults(ctx context.Context) error
	ResetToDefaults()
}

type ContextService interface {
	ResetContext(userID string) error
}

// ParamsBody is the response of every /v1/params endpoint.
type ParamsBody struct {
	Current  params.Params `json:"current"`
	Defaults params.Params `json:"defaults"`
}

func paramsBody(svc ParamsService) ParamsBody {
	return ParamsBody{Current: svc.Get(), Defaults: svc.Defaults()}
}

// NewParamsHandler serves GET (read) and PATCH (merge; null removes a key).
func NewParamsHandler(svc ParamsService) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodGet:
		case http.MethodPatch:
			var partial map[string]any
			if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRequestBytes)).Decode(&partial); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			svc.SetMany(partial)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, paramsBody(svc))
	}
}

func NewSaveDefaultsHandler(svc ParamsService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := svc.SaveAsDefaults(req.Context()); err != nil {
			logger.Error().Err(err).Msg("save parameter defaults failed")
			http.Error(w, "save defaults failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, paramsBody(svc))
	}
}

func NewResetParamsHandler(svc ParamsService) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		svc.ResetToDefaults()
		writeJSON(w, http.StatusOK, paramsBody(svc))
	}
}

// NewResetContextHandler clears one user's conversation context.
func NewResetContextHandler(svc ContextService) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			UserID string `json:"user_id"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRequestBytes)).Decode(&body); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		userID := strings.TrimSpace(body.UserID)
		if userID == "" {
			http.Error(w, "missing user_id", http.StatusBadRequest)
			return
		}
		if err := svc.ResetContext(userID); err != nil {
			writeJSON(w, StatusForError(err), errorBody(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
