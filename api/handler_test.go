package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/api"
	"github.com/xraph/beacon/store/memory"
)

var _ api.Pipeline = (*beacon.Beacon)(nil)

// testServer creates a Handler over a memory-backed Beacon that talks to
// a fake collector, and returns the admin test server.
func testServer(t *testing.T) (*httptest.Server, *beacon.Beacon) {
	t.Helper()

	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ping":
			w.WriteHeader(http.StatusOK)
		case "/info":
			_, _ = io.WriteString(w, `{"version":"1.4.0","status":"healthy","acceptingEvents":true}`)
		default:
			var body struct {
				Events []json.RawMessage `json:"events"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			_, _ = fmt.Fprintf(w, `{"success":true,"accepted":%d,"rejected":0}`, len(body.Events))
		}
	}))
	t.Cleanup(collector.Close)

	b, err := beacon.New(
		beacon.WithStore(memory.New()),
		beacon.WithEndpoint(collector.URL),
	)
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(api.NewHandler(b, slog.Default()))
	t.Cleanup(srv.Close)
	return srv, b
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, url, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func recordEvents(t *testing.T, srv *httptest.Server, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		resp := doJSON(t, http.MethodPost, srv.URL+"/events", map[string]any{
			"sessionId": "sess-1",
			"eventType": "screen.view",
			"eventData": map[string]any{"screen": "home"},
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("record: expected 201, got %d", resp.StatusCode)
		}
		var out struct {
			ID string `json:"id"`
		}
		decodeBody(t, resp, &out)
		if out.ID == "" {
			t.Fatal("record: expected an id")
		}
	}
}

func TestRecordAndFlush(t *testing.T) {
	srv, _ := testServer(t)
	recordEvents(t, srv, 2)

	var stats struct {
		Pending int64 `json:"pending"`
		Total   int64 `json:"total"`
	}
	decodeBody(t, doJSON(t, http.MethodGet, srv.URL+"/queue/stats", nil), &stats)
	if stats.Pending != 2 || stats.Total != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	var flushed struct {
		Skipped  bool `json:"skipped"`
		Success  bool `json:"success"`
		Accepted int  `json:"accepted"`
	}
	resp := doJSON(t, http.MethodPost, srv.URL+"/queue/flush", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("flush: expected 200, got %d", resp.StatusCode)
	}
	decodeBody(t, resp, &flushed)
	if flushed.Skipped || !flushed.Success || flushed.Accepted != 2 {
		t.Fatalf("unexpected flush %+v", flushed)
	}

	// Nothing left: the next flush is skipped.
	decodeBody(t, doJSON(t, http.MethodPost, srv.URL+"/queue/flush", nil), &flushed)
	if !flushed.Skipped {
		t.Fatalf("expected skipped flush, got %+v", flushed)
	}
}

func TestRecordRejectsInvalidEvent(t *testing.T) {
	srv, _ := testServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/events", map[string]any{"sessionId": "s"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodPost, srv.URL+"/events", bytes.NewBufferString("{"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", resp.StatusCode)
	}
}

func TestClearAndCleanup(t *testing.T) {
	srv, _ := testServer(t)
	recordEvents(t, srv, 3)

	var removed struct {
		Removed int64 `json:"removed"`
	}
	decodeBody(t, doJSON(t, http.MethodPost, srv.URL+"/queue/cleanup?older_than=1h", nil), &removed)
	if removed.Removed != 0 {
		t.Fatalf("expected nothing old enough to purge, got %d", removed.Removed)
	}

	resp := doJSON(t, http.MethodPost, srv.URL+"/queue/cleanup", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without older_than, got %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodPost, srv.URL+"/queue/cleanup?older_than=soon", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad duration, got %d", resp.StatusCode)
	}

	decodeBody(t, doJSON(t, http.MethodDelete, srv.URL+"/queue", nil), &removed)
	if removed.Removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed.Removed)
	}
}

func TestSetEnabledAndStatus(t *testing.T) {
	srv, b := testServer(t)

	var out map[string]bool
	decodeBody(t, doJSON(t, http.MethodPut, srv.URL+"/submission/enabled", map[string]bool{"enabled": false}), &out)
	if out["enabled"] || b.Enabled() {
		t.Fatal("expected submission disabled")
	}

	resp := doJSON(t, http.MethodPut, srv.URL+"/submission/enabled", map[string]any{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without enabled, got %d", resp.StatusCode)
	}

	var status struct {
		Enabled bool `json:"enabled"`
		Running bool `json:"running"`
		Queue   struct {
			Total int64 `json:"total"`
		} `json:"queue"`
	}
	decodeBody(t, doJSON(t, http.MethodGet, srv.URL+"/status", nil), &status)
	if status.Enabled || status.Running || status.Queue.Total != 0 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestServerDiagnostics(t *testing.T) {
	srv, _ := testServer(t)

	var ping map[string]bool
	decodeBody(t, doJSON(t, http.MethodGet, srv.URL+"/server/ping", nil), &ping)
	if !ping["reachable"] {
		t.Fatal("expected collector reachable")
	}

	var info struct {
		Version string `json:"version"`
		Status  string `json:"status"`
	}
	resp := doJSON(t, http.MethodGet, srv.URL+"/server/info", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("info: expected 200, got %d", resp.StatusCode)
	}
	decodeBody(t, resp, &info)
	if info.Version != "1.4.0" || info.Status != "healthy" {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestUnknownRoute(t *testing.T) {
	srv, _ := testServer(t)
	resp := doJSON(t, http.MethodGet, srv.URL+"/nope", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
