package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bobmcallan/qflow/internal/common"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"missing", "", ""},
		{"wrong_scheme", "Token abc123", ""},
		{"bare_scheme", "Bearer", ""},
		{"well_formed", "Bearer abc123", "abc123"},
		{"padded", "Bearer   abc123  ", "abc123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/jobs/job-1", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if got := BearerToken(req); got != tt.want {
				t.Errorf("BearerToken = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPathParam(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		prefix string
		suffix string
		want   string
	}{
		{"with_suffix", "/api/jobs/job-42/result", "/api/jobs/", "/result", "job-42"},
		{"suffix_absent", "/api/jobs/job-42", "/api/jobs/", "/result", "job-42"},
		{"no_suffix", "/api/backends/qpu", "/api/backends/", "", "qpu"},
		{"no_suffix_stops_at_slash", "/api/backends/qpu/extra", "/api/backends/", "", "qpu"},
		{"wrong_prefix", "/api/users/u1", "/api/jobs/", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if got := PathParam(req, tt.prefix, tt.suffix); got != tt.want {
				t.Errorf("PathParam(%q, %q, %q) = %q, want %q", tt.path, tt.prefix, tt.suffix, got, tt.want)
			}
		})
	}
}

func TestStatusForKind(t *testing.T) {
	tests := []struct {
		kind common.Kind
		want int
	}{
		{common.KindUnauthenticated, http.StatusUnauthorized},
		{common.KindUnauthorized, http.StatusForbidden},
		{common.KindUnknownBackend, http.StatusBadRequest},
		{common.KindBackendUnavailable, http.StatusServiceUnavailable},
		{common.KindQuotaExceeded, http.StatusTooManyRequests},
		{common.KindPayloadTooLarge, http.StatusRequestEntityTooLarge},
		{common.KindResourceExhausted, http.StatusTooManyRequests},
		{common.KindNotFound, http.StatusNotFound},
		{common.KindAlreadyTerminal, http.StatusConflict},
		{common.KindIllegalTransition, http.StatusConflict},
		{common.KindConcurrentModification, http.StatusConflict},
		{common.KindInternal, http.StatusInternalServerError},
		{common.Kind("SOMETHING_NEW"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := StatusForKind(tt.kind); got != tt.want {
			t.Errorf("StatusForKind(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestWriteKindError_Classified(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteKindError(rec, common.E(common.KindQuotaExceeded, "GUEST has 5 active jobs"))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Code != "QUOTA_EXCEEDED" {
		t.Errorf("code = %q, want QUOTA_EXCEEDED", resp.Code)
	}
	if resp.Detail != "GUEST has 5 active jobs" {
		t.Errorf("detail = %q, want the original message", resp.Detail)
	}
	if resp.Error != common.DefaultDetail(common.KindQuotaExceeded) {
		t.Errorf("error = %q, want the catalog text", resp.Error)
	}
}

func TestWriteKindError_InternalDetailSuppressed(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteKindError(rec, errors.New("conditional write failed on job_records"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Code != "INTERNAL" {
		t.Errorf("code = %q, want INTERNAL", resp.Code)
	}
	if resp.Detail != "" {
		t.Errorf("internal detail leaked to the caller: %q", resp.Detail)
	}
}

func TestRequireMethod_Mismatch(t *testing.T) {
	req := httptest.NewRequest(http.MethodDelete, "/api/jobs", nil)
	rec := httptest.NewRecorder()

	if RequireMethod(rec, req, http.MethodGet, http.MethodPost) {
		t.Fatal("expected RequireMethod to reject DELETE")
	}
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != "GET, POST" {
		t.Errorf("Allow = %q, want %q", allow, "GET, POST")
	}
}

func TestRequireMethod_Match(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", nil)
	rec := httptest.NewRecorder()

	if !RequireMethod(rec, req, http.MethodPost) {
		t.Fatal("expected RequireMethod to accept POST")
	}
	if rec.Body.Len() != 0 {
		t.Errorf("expected no body written, got %q", rec.Body.String())
	}
}

func TestDecodeJSON_NilBody(t *testing.T) {
	s := &Server{maxBytes: 1024}
	rec := httptest.NewRecorder()

	if s.decodeJSON(rec, &http.Request{}, &struct{}{}) {
		t.Fatal("expected decode failure for a nil body")
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestDecodeJSON_InvalidJSON(t *testing.T) {
	s := &Server{maxBytes: 1024}
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()

	var v map[string]interface{}
	if s.decodeJSON(rec, req, &v) {
		t.Fatal("expected decode failure")
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	var resp ErrorResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if !strings.Contains(resp.Error, "Invalid JSON") {
		t.Errorf("error = %q, want an Invalid JSON message", resp.Error)
	}
}

func TestDecodeJSON_BodyOverLimit(t *testing.T) {
	s := &Server{maxBytes: 16}
	body := strings.NewReader(`{"program":"` + strings.Repeat("A", 64) + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	rec := httptest.NewRecorder()

	var v map[string]interface{}
	if s.decodeJSON(rec, req, &v) {
		t.Fatal("expected decode failure")
	}
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
	var resp ErrorResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if !strings.Contains(resp.Error, "byte message limit") {
		t.Errorf("error = %q, want the byte limit message", resp.Error)
	}
}
