package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bdobrica/podbot/internal/podbot/chat"
	"github.com/bdobrica/podbot/internal/podbot/llm"
	"github.com/bdobrica/podbot/internal/podbot/memoryserver"
	"github.com/bdobrica/podbot/internal/podbot/roles"
	"github.com/bdobrica/podbot/internal/podbot/transcript"
)

// Error codes carried in the "code" field of error responses.
const (
	codeBadRequest      = "bad_request"
	codeMemoryService   = "memory_service_error"
	codeTranscriptStore = "transcript_store_error"
	codeModel           = "model_invocation_error"
	codeRoleTranslation = "role_translation_error"
	codeRateLimited     = "rate_limited"
	codeUnauthorized    = "unauthorized"
	codeInternal        = "internal_error"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// classify maps an orchestrator error to a status, a code and a message safe
// to return to the caller. Backend details stay in the logs.
func classify(err error) (int, string, string) {
	var (
		memErr   *memoryserver.Error
		storeErr *transcript.StoreError
		modelErr *llm.InvocationError
	)
	switch {
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrMissingID):
		return http.StatusBadRequest, codeBadRequest, err.Error()
	case errors.Is(err, roles.ErrUnknownRole), errors.Is(err, roles.ErrUnsupportedRole):
		return http.StatusInternalServerError, codeRoleTranslation, "stored conversation has an untranslatable role"
	case errors.As(err, &modelErr):
		if modelErr.RateLimited() {
			return http.StatusBadGateway, codeModel, "language model is rate limited"
		}
		return http.StatusBadGateway, codeModel, "language model request failed"
	case errors.As(err, &memErr):
		return http.StatusBadGateway, codeMemoryService, "memory service request failed"
	case errors.As(err, &storeErr):
		return http.StatusBadGateway, codeTranscriptStore, "transcript store request failed"
	default:
		return http.StatusInternalServerError, codeInternal, "internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}
