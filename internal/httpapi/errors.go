package httpapi

import (
	"encoding/json"
	"net/http"

	"visiond/internal/fault"
	"visiond/pkg/types"
)

// statusFromFault maps the error taxonomy onto HTTP status codes.
func statusFromFault(err error) int {
	switch fault.KindOf(err) {
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindPermissionDenied:
		return http.StatusForbidden
	case fault.KindInvalidInput:
		return http.StatusBadRequest
	case fault.KindConflict:
		return http.StatusConflict
	case fault.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON encodes v as the response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg, Code: status})
}

// writeFault renders err using the fault mapping. Internal details are not
// leaked: the message of an internal fault is replaced by a generic one.
func writeFault(w http.ResponseWriter, err error) {
	status := statusFromFault(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSONError(w, status, msg)
}
