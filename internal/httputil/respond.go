package httputil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	apperrors "chatengine/internal/errors"
	"chatengine/internal/tracing"
)

// WriteJSON encodes v with the given status. Encoding errors are returned so
// callers can log them; the status line is already sent by then.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return nil
	}
	return json.NewEncoder(w).Encode(v)
}

// WriteError renders err as the standard error envelope, choosing the status
// from its error code.
func WriteError(w http.ResponseWriter, r *http.Request, err error) int {
	status := apperrors.HTTPStatusCode(err)
	_ = WriteJSON(w, status, apperrors.ToHTTPResponse(err, tracing.GetRequestID(r.Context())))
	return status
}

// DecodeJSON reads at most maxBytes of the body into v. Unknown fields are
// rejected.
func DecodeJSON(r *http.Request, maxBytes int64, v interface{}) error {
	body := io.LimitReader(r.Body, maxBytes+1)
	data, err := io.ReadAll(body)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "failed to read request body")
	}
	if int64(len(data)) > maxBytes {
		return apperrors.NewValidationError("body", "", fmt.Sprintf("request body exceeds %d bytes", maxBytes))
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.NewValidationError("body", "", "invalid JSON: "+err.Error())
	}
	return nil
}
