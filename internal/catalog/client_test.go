package catalog

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordedCall struct {
	method string
	path   string
	auth   string
	body   map[string]any
}

func recordingServer(t *testing.T, status int) (*httptest.Server, *[]recordedCall) {
	t.Helper()
	var calls []recordedCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		calls = append(calls, recordedCall{
			method: r.Method,
			path:   r.URL.Path,
			auth:   r.Header.Get("Authorization"),
			body:   body,
		})
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestCreateVideo(t *testing.T) {
	srv, calls := recordingServer(t, http.StatusCreated)
	c := NewClient(srv.URL, "default-key", testLogger())

	if err := c.CreateVideo(t.Context(), "", "clip.mp4", "https://cdn/x.mp4", "job-1"); err != nil {
		t.Fatal(err)
	}

	call := (*calls)[0]
	if call.method != http.MethodPost || call.path != "/user/videos" {
		t.Fatalf("call = %+v", call)
	}
	if call.auth != "Bearer default-key" {
		t.Fatalf("auth = %q, config key must be the default", call.auth)
	}
	if call.body["name"] != "clip.mp4" || call.body["importJobId"] != "job-1" {
		t.Fatalf("body = %v", call.body)
	}
}

func TestPerJobAPIKeyWins(t *testing.T) {
	srv, calls := recordingServer(t, http.StatusOK)
	c := NewClient(srv.URL, "default-key", testLogger())

	if err := c.UpdateSourceLink(t.Context(), "job-key", "cat-9", "https://cdn/x.mp4", "job-2"); err != nil {
		t.Fatal(err)
	}

	call := (*calls)[0]
	if call.method != http.MethodPut || call.path != "/user/videos/cat-9/source-link" {
		t.Fatalf("call = %+v", call)
	}
	if call.auth != "Bearer job-key" {
		t.Fatalf("auth = %q, per-job key must win", call.auth)
	}
}

func TestReportImportSuccessIsRetry(t *testing.T) {
	srv, calls := recordingServer(t, http.StatusOK)
	c := NewClient(srv.URL, "k", testLogger())

	if err := c.ReportImportSuccess(t.Context(), "", "cat-1", "https://cdn/x.mp4", "job-3"); err != nil {
		t.Fatal(err)
	}

	call := (*calls)[0]
	if call.path != "/user/videos/cat-1/import-success" {
		t.Fatalf("path = %s", call.path)
	}
	if call.body["isRetry"] != true {
		t.Fatalf("isRetry missing: %v", call.body)
	}
}

func TestReportImportFailure(t *testing.T) {
	srv, calls := recordingServer(t, http.StatusOK)
	c := NewClient(srv.URL, "k", testLogger())

	if err := c.ReportImportFailure(t.Context(), "", "cat-2", "all egress identities failed", "https://src", 2); err != nil {
		t.Fatal(err)
	}

	call := (*calls)[0]
	if call.path != "/user/videos/cat-2/import-failed" {
		t.Fatalf("path = %s", call.path)
	}
	if call.body["retryCount"] != float64(2) || call.body["sourceUrl"] != "https://src" {
		t.Fatalf("body = %v", call.body)
	}
}

func TestNon2xxReturnsError(t *testing.T) {
	srv, _ := recordingServer(t, http.StatusBadGateway)
	c := NewClient(srv.URL, "k", testLogger())

	if err := c.CreateVideo(t.Context(), "", "n", "s", "j"); err == nil {
		t.Fatal("rejected webhook reported as success")
	}
}

func TestDisabledClientIsNoop(t *testing.T) {
	c := NewClient("", "k", testLogger())
	if c.Enabled() {
		t.Fatal("empty base url must disable the client")
	}
	if err := c.CreateVideo(t.Context(), "", "n", "s", "j"); err != nil {
		t.Fatalf("disabled client returned error: %v", err)
	}
}
