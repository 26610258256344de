package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDoJSON_DecodesReply(t *testing.T) {
	t.Parallel()

	mock := NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, `{"session_id":"abc"}`)

	body, err := JSONBody(map[string]string{"model": "full"})
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		SessionID string `json:"session_id"`
	}
	err = DoJSON(context.Background(), mock, http.MethodPost, "http://sidecar/v1/sessions", "application/json", body, &out)
	if err != nil {
		t.Fatalf("DoJSON: %v", err)
	}
	if out.SessionID != "abc" {
		t.Errorf("session_id = %q, want abc", out.SessionID)
	}

	req, sent := mock.GetRequest(0)
	if ct := req.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q", ct)
	}
	if string(sent) != `{"model":"full"}` {
		t.Errorf("body = %s", sent)
	}
}

func TestDoJSON_StatusError(t *testing.T) {
	t.Parallel()

	mock := NewMockHTTPClient()
	mock.AddResponse(http.StatusServiceUnavailable, "no gpu\n")

	err := DoJSON(context.Background(), mock, http.MethodPost, "http://sidecar/x", "", nil, nil)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusServiceUnavailable || se.Body != "no gpu" {
		t.Errorf("unexpected error %+v", se)
	}
}

func TestDoJSON_TransportError(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	mock := NewMockHTTPClient()
	mock.AddErrorResponse(boom)

	err := DoJSON(context.Background(), mock, http.MethodDelete, "http://sidecar/x", "", nil, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped transport error, got %v", err)
	}
}

func TestStandardClient_AgainstServer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSONOK(w, map[string]string{"method": r.Method})
	}))
	defer srv.Close()

	var out map[string]string
	err := DoJSON(context.Background(), NewStandardClient(srv.Client()), http.MethodPut, srv.URL, "", nil, &out)
	if err != nil {
		t.Fatal(err)
	}
	if out["method"] != http.MethodPut {
		t.Errorf("method = %q", out["method"])
	}
}

func TestWriteJSONError(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	NotFound(rec, "analysis not found")

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %s, want application/json", ct)
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["error"] != "analysis not found" {
		t.Errorf("error = %s", resp["error"])
	}
}

func TestQueryParsers(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/x?t=1500&w=1280.5&bad=abc", nil)

	if v, err := QueryInt64(r, "t", 0); err != nil || v != 1500 {
		t.Errorf("QueryInt64(t) = %d, %v", v, err)
	}
	if v, err := QueryInt64(r, "missing", 7); err != nil || v != 7 {
		t.Errorf("QueryInt64(missing) = %d, %v", v, err)
	}
	if _, err := QueryInt64(r, "bad", 0); err == nil || !strings.Contains(err.Error(), "bad") {
		t.Errorf("QueryInt64(bad) err = %v", err)
	}
	if v, err := QueryFloat(r, "w", 0); err != nil || v != 1280.5 {
		t.Errorf("QueryFloat(w) = %f, %v", v, err)
	}
	if _, err := QueryFloat(r, "bad", 0); err == nil {
		t.Error("QueryFloat(bad) should fail")
	}
}
