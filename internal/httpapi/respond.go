package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/parley/chat-backend/internal/chat"
)

// response is the envelope every endpoint answers with.
type response struct {
	StatusCode int         `json:"statusCode"`
	Message    string      `json:"message"`
	Data       interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response{
		StatusCode: status,
		Message:    message,
		Data:       data,
	}); err != nil {
		log.Printf("httpapi: encode response: %v", err)
	}
}

// writeChatError maps orchestrator errors onto HTTP statuses. Unmapped
// errors are reported as 500 without leaking internals.
func writeChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrSelfDialog):
		writeJSON(w, http.StatusBadRequest, "You cannot create a dialog with yourself", nil)
	case errors.Is(err, chat.ErrDialogExists):
		writeJSON(w, http.StatusConflict, "Dialog already exists", nil)
	case errors.Is(err, chat.ErrNotParticipant):
		writeJSON(w, http.StatusUnauthorized, "You are not in this dialog", nil)
	case errors.Is(err, chat.ErrNotFound):
		writeJSON(w, http.StatusNotFound, "Not found", nil)
	case errors.Is(err, chat.ErrInvalidMessage):
		writeJSON(w, http.StatusBadRequest, "Invalid message", nil)
	default:
		log.Printf("httpapi: internal error: %v", err)
		writeJSON(w, http.StatusInternalServerError, "Internal server error", nil)
	}
}
