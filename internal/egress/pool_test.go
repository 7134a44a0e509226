package egress

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/clipstash/importd/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSortIdentities(t *testing.T) {
	identities := []domain.Identity{
		{ID: "c", Priority: 1, SuccessRate: 0.9},
		{ID: "a", Priority: 5, SuccessRate: 0.5},
		{ID: "b", Priority: 5, SuccessRate: 0.8},
		{ID: "d", Priority: 1, SuccessRate: 0.99},
	}
	SortIdentities(identities)

	got := []string{identities[0].ID, identities[1].ID, identities[2].ID, identities[3].ID}
	want := []string{"b", "a", "d", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestPoolFetchesAndCaches(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/internal/proxies" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-internal-secret") != "shh" {
			t.Errorf("missing internal secret header")
		}
		calls.Add(1)
		_ = json.NewEncoder(w).Encode([]adminIdentity{
			{ID: "p2", Host: "p2.proxy", Port: 8080, Type: "http", Status: "active", Priority: 1, SuccessRate: 0.7},
			{ID: "p1", URL: "http://user:pw@p1.proxy:8080", Status: "active", Priority: 9, SuccessRate: 0.9},
			{ID: "dead", Host: "dead.proxy", Port: 1, Status: "disabled", Priority: 99},
		})
	}))
	defer srv.Close()

	p := NewPool(srv.URL, "shh", nil, testLogger())

	identities, err := p.List(t.Context())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(identities) != 2 {
		t.Fatalf("identities = %d, want disabled filtered out", len(identities))
	}
	if identities[0].ID != "p1" {
		t.Fatalf("order wrong: %+v", identities)
	}
	if identities[1].URL != "http://p2.proxy:8080" {
		t.Fatalf("assembled url = %q", identities[1].URL)
	}

	// Second list must come from the in-memory cache.
	if _, err := p.List(t.Context()); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Fatalf("admin called %d times within cache window", calls.Load())
	}
}

func TestPoolFallsBackOnAdminFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewPool(srv.URL, "shh", nil, testLogger())

	identities, err := p.List(t.Context())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(identities) == 0 {
		t.Fatal("no fallback identities")
	}
	for _, identity := range identities {
		if !identity.IsFallback() {
			t.Fatalf("non-fallback identity after admin failure: %+v", identity)
		}
	}
}

func TestPoolReportsResults(t *testing.T) {
	reports := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/internal/proxies":
			_ = json.NewEncoder(w).Encode([]adminIdentity{
				{ID: "p1", URL: "http://p1:8080", Status: "active", Priority: 1, SuccessRate: 1},
			})
		case "/api/internal/proxies/report":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			reports <- body
		}
	}))
	defer srv.Close()

	p := NewPool(srv.URL, "shh", nil, testLogger())
	if _, err := p.List(t.Context()); err != nil {
		t.Fatal(err)
	}

	p.ReportResult(t.Context(), "http://p1:8080", true, 1234)

	select {
	case body := <-reports:
		if body["url"] != "http://p1:8080" || body["success"] != true {
			t.Fatalf("report body: %v", body)
		}
	default:
		t.Fatal("no report delivered")
	}
}

func TestPoolNeverReportsFallbacks(t *testing.T) {
	var reported atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/internal/proxies/report" {
			reported.Store(true)
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewPool(srv.URL, "shh", nil, testLogger())
	identities, _ := p.List(t.Context()) // admin down: fallback list

	for _, identity := range identities {
		p.ReportResult(t.Context(), identity.URL, false, 10)
	}
	if reported.Load() {
		t.Fatal("fallback identity result was reported")
	}
}
