package api

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Problem is the JSON body of every non-2xx response.
type Problem struct {
	Status    int    `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v) //nolint:errcheck // client may be gone
	}
}

// writeProblem writes a Problem whose code is the snake_cased status text,
// e.g. 404 → "not_found".
func writeProblem(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, Problem{
		Status:    status,
		Code:      strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "_"),
		Message:   message,
		RequestID: RequestID(r.Context()),
	})
}
