package api

import (
	"encoding/json"
	"net/http"

	"github.com/lexchat/lexchat/internal/chat"
	"github.com/lexchat/lexchat/internal/log"
)

// writeJSON writes a JSON response with the given status. Encoding failures
// after WriteHeader cannot reach the client; they are only logged.
func writeJSON(logger log.Logger, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode JSON response", "error", err)
	}
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeError writes a JSON error response.
func writeError(logger log.Logger, w http.ResponseWriter, status int, err string, message string) {
	writeJSON(logger, w, status, ErrorResponse{Error: err, Message: message})
}

// statusForKind maps the failure taxonomy onto HTTP status codes for
// non-streaming responses.
func statusForKind(kind chat.Kind) int {
	switch kind {
	case chat.KindInvalidInput:
		return http.StatusBadRequest
	case chat.KindSessionBusy:
		return http.StatusConflict
	case chat.KindRateLimited:
		return http.StatusTooManyRequests
	case chat.KindAPIKeyMissing:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
