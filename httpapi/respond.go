package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/goliatone/go-integration-gateway/core"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders err as {"error": textCode, "message": ...} with the
// status carried by the rich error.
func writeError(w http.ResponseWriter, err error) {
	rich := core.MapError(err)
	status := rich.Code
	if status == 0 {
		status = http.StatusInternalServerError
	}
	message := rich.Message
	if status >= http.StatusInternalServerError {
		message = "An unexpected error occurred"
	}
	writeJSON(w, status, errorBody{Error: rich.TextCode, Message: message})
}

// writeWebhookError renders only the text code. Providers cannot act on
// richer detail.
func writeWebhookError(w http.ResponseWriter, err error) {
	rich := core.MapError(err)
	status := rich.Code
	if status == 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, errorBody{Error: rich.TextCode})
}

func decodeJSON(r *http.Request, target any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		return core.WrapError(err, core.ErrorBadInput, "invalid request body")
	}
	return nil
}
