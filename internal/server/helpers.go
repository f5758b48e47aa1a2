package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bobmcallan/qflow/internal/common"
)

// ErrorResponse is the standard error format for API responses. Code carries
// the machine-readable error kind; Detail the specific failure.
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, statusCode int, message string) {
	WriteJSON(w, statusCode, ErrorResponse{Error: message})
}

// WriteKindError maps a classified error onto the wire: status from the
// kind, catalog text, and the specific detail. Internal failures keep their
// detail out of responses.
func WriteKindError(w http.ResponseWriter, err error) {
	kind := common.KindOf(err)
	resp := ErrorResponse{Error: common.DefaultDetail(kind), Code: string(kind)}
	if kind != common.KindInternal {
		resp.Detail = err.Error()
	}
	WriteJSON(w, StatusForKind(kind), resp)
}

// StatusForKind maps an error kind to its HTTP status code.
func StatusForKind(kind common.Kind) int {
	switch kind {
	case common.KindUnauthenticated:
		return http.StatusUnauthorized
	case common.KindUnauthorized:
		return http.StatusForbidden
	case common.KindNotFound:
		return http.StatusNotFound
	case common.KindUnknownBackend:
		return http.StatusBadRequest
	case common.KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case common.KindQuotaExceeded, common.KindResourceExhausted:
		return http.StatusTooManyRequests
	case common.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case common.KindAlreadyTerminal, common.KindIllegalTransition, common.KindConcurrentModification:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// RequireMethod validates the HTTP method and returns true if it matches.
// If it doesn't match, it writes a 405 response and returns false.
func RequireMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	return false
}

// decodeJSON reads the request body into v, bounded by the surface's message
// cap. Returns false after writing the error response when decoding fails.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil {
		WriteError(w, http.StatusBadRequest, "Request body is required")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Request exceeds the %d byte message limit", tooLarge.Limit))
			return false
		}
		WriteError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return false
	}
	return true
}

// BearerToken returns the opaque token from the Authorization header, or ""
// when absent or malformed. Tokens are never inspected here; the token-info
// service is the only authority.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}

// requireToken extracts the caller's bearer token, rejecting the request
// when it is missing.
func (s *Server) requireToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := BearerToken(r)
	if token == "" {
		w.Header().Set("WWW-Authenticate", "Bearer")
		WriteKindError(w, common.E(common.KindUnauthenticated, "missing bearer token"))
		return "", false
	}
	return token, true
}

// PathParam extracts a path parameter from the URL path.
// For a pattern like /api/jobs/{id}/result, calling PathParam(r, "/api/jobs/", "/result")
// extracts the {id} part.
func PathParam(r *http.Request, prefix, suffix string) string {
	path := r.URL.Path
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	rest := path[len(prefix):]
	if suffix != "" {
		idx := strings.Index(rest, suffix)
		if idx < 0 {
			return rest
		}
		return rest[:idx]
	}
	// No suffix: return up to the next /
	if idx := strings.Index(rest, "/"); idx >= 0 {
		return rest[:idx]
	}
	return rest
}
