package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/quarry/internal/model"
	"github.com/seantiz/quarry/internal/source"
)

func TestHealthzIdle(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var body healthResponse
	getJSON(t, ts.URL+"/healthz", http.StatusOK, &body)

	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if body.InFlight != 0 {
		t.Errorf("in_flight = %d, want 0", body.InFlight)
	}
}

func TestHealthzReportsInFlight(t *testing.T) {
	slow := &source.Stub{Cols: []string{"n"}, Rows: [][]any{{int64(1)}}, Delay: 5 * time.Second}
	srv := newTestServerWith(t, testOptions{source: slow})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	_, j := postJob(t, ts.URL, "query", "alice", `{"query":"SELECT 1"}`)
	waitForStatus(t, ts.URL, j.ID, model.StatusProcessing)

	var body healthResponse
	getJSON(t, ts.URL+"/healthz", http.StatusOK, &body)
	if body.InFlight != 1 {
		t.Errorf("in_flight = %d, want 1", body.InFlight)
	}
}

func TestMetricsExposition(t *testing.T) {
	srv := newTestServerWith(t, testOptions{rateLimit: RateLimit{PerSecond: 0.001, Burst: 1}})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	postJob(t, ts.URL, "query", "alice", `{"query":"SELECT 1"}`)
	postJob(t, ts.URL, "query", "alice", `{"query":"SELECT 1"}`)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/plain") && !strings.Contains(ct, "text/openmetrics") {
		t.Errorf("Content-Type = %q, want prometheus exposition", ct)
	}

	data, _ := io.ReadAll(resp.Body)
	body := string(data)
	for _, want := range []string{
		`quarry_http_requests_total{code="202",method="POST",route="/v1/jobs/query"}`,
		"quarry_http_request_duration_seconds",
		"quarry_http_requests_in_flight",
		`quarry_http_submissions_throttled_total{kind="query"}`,
		"quarry_jobs_submitted_total",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}
