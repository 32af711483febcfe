// Package httputil holds the small set of HTTP response/decode helpers the
// control plane handlers share, trimmed to what a JSON-only REST surface
// needs.
package httputil

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/chaincontest/indexer-core/internal/apperr"
	"github.com/sirupsen/logrus"
)

// ErrorResponse is the JSON envelope returned for any non-2xx response.
type ErrorResponse struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logrus.WithError(err).Warn("httputil: write json response")
	}
}

// WriteError writes a structured error envelope and sets Retry-After when present.
func WriteError(w http.ResponseWriter, err *apperr.Error) {
	if err.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(err.RetryAfter))
	}
	WriteJSON(w, err.HTTPStatus(), ErrorResponse{
		Code:    string(err.Kind),
		Message: err.Message,
		Details: err.Details,
	})
}

// DecodeJSON decodes a JSON request body, writing a 400 on failure.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteError(w, apperr.InputInvalid("body", "malformed JSON"))
		return false
	}
	return true
}

// HandleError logs err and writes the appropriate HTTP response, mapping
// plain errors to INTERNAL_ERROR so callers never need a type switch.
func HandleError(w http.ResponseWriter, log *logrus.Entry, err error) {
	serr, ok := apperr.As(err)
	if !ok {
		serr = apperr.Internal("internal server error", err)
	}
	if log != nil {
		log.WithError(err).Error("request failed")
	}
	WriteError(w, serr)
}

// HandleJSON decodes a JSON request body into Req, calls fn, and writes the
// result as a JSON response, collapsing the decode -> execute -> respond
// boilerplate that every control-plane endpoint repeats.
func HandleJSON[Req any, Resp any](
	log *logrus.Entry,
	status int,
	fn func(r *http.Request, req *Req) (Resp, error),
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Req
		if !DecodeJSON(w, r, &req) {
			return
		}
		resp, err := fn(r, &req)
		if err != nil {
			HandleError(w, log, err)
			return
		}
		WriteJSON(w, status, resp)
	}
}

// HandleNoBody handles requests that carry no JSON body (typically GET).
func HandleNoBody[Resp any](
	log *logrus.Entry,
	fn func(r *http.Request) (Resp, error),
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := fn(r)
		if err != nil {
			HandleError(w, log, err)
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}
