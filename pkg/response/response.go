// Package response provides common HTTP response helpers.
package response

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"

	commonerrors "github.com/ronanzhan/servicecomb-saga/pkg/errors"
)

// RequestIDFromRequest extracts request ID from headers.
func RequestIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Header.Get(RequestIDHeader))
}

// WriteError writes a structured error response based on common error type.
func WriteError(w http.ResponseWriter, r *http.Request, err *commonerrors.Error) {
	if w == nil || err == nil {
		return
	}
	payload := *err
	if reqID := RequestIDFromRequest(r); reqID != "" {
		payload.RequestID = reqID
	}
	writeJSON(w, payload.HTTPStatus(), &payload)
}

// WriteErrorCode writes an error response using error code and message.
func WriteErrorCode(w http.ResponseWriter, r *http.Request, code commonerrors.Code, message string) {
	err := commonerrors.NewWithDefault(code, message)
	WriteError(w, r, err)
}

// WriteJSON writes a successful JSON payload.
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	if w == nil {
		return
	}
	writeJSON(w, status, payload)
}

// WriteErr maps any error to a structured response; non-coded errors become INTERNAL.
func WriteErr(w http.ResponseWriter, r *http.Request, err error) {
	var ce *commonerrors.Error
	if stderrors.As(err, &ce) && ce != nil {
		WriteError(w, r, ce)
		return
	}
	WriteErrorCode(w, r, commonerrors.CodeInternal, "")
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
