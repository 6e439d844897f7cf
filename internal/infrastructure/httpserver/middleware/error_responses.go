package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/avatarctic/idempo/internal/core/domain/idempotency"
)

// ErrorResponder writes a synthesized response for a request the middleware refuses.
type ErrorResponder func(w http.ResponseWriter, r *http.Request)

type errorBody struct {
	OK    bool        `json:"ok"`
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
}

// MalformedKeyResponse answers 400 for an empty or malformed idempotency key.
func MalformedKeyResponse(w http.ResponseWriter, _ *http.Request) {
	writeJSONError(w, http.StatusBadRequest, idempotency.MessageMalformedKey)
}

// ConcurrentRequestResponse answers 429 with a Retry-After hint while another
// request with the same key is in flight.
func ConcurrentRequestResponse(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Retry-After", strconv.Itoa(idempotency.RetryAfterSeconds))
	writeJSONError(w, http.StatusTooManyRequests, idempotency.MessageConcurrentRequest)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	body, _ := json.MarshalIndent(errorBody{Error: errorDetail{Message: message}}, "", "  ")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
