package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

type stubStats struct {
	rooms, sessions int
}

func (s stubStats) Stats() (int, int) {
	return s.rooms, s.sessions
}

func newTestServer(t *testing.T, staticDir string) *httptest.Server {
	t.Helper()
	logger := zerolog.Nop()
	srv := NewServer(Config{
		Logger: &logger,
		Stats:  stubStats{rooms: 2, sessions: 3},
		Signaling: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
		StaticDir: staticDir,
	})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var health HealthResponse
	if err = json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health != (HealthResponse{Status: "ok", Rooms: 2, Sessions: 3}) {
		t.Errorf("health = %+v", health)
	}
}

func TestServer_Routes(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html></html>"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		staticDir  string
		method     string
		path       string
		wantStatus int
	}{
		{name: "signaling", method: http.MethodGet, path: "/ws", wantStatus: http.StatusTeapot},
		{name: "signaling wrong method", method: http.MethodPost, path: "/ws", wantStatus: http.StatusMethodNotAllowed},
		{name: "no static dir", method: http.MethodGet, path: "/index.html", wantStatus: http.StatusNotFound},
		{name: "static file", staticDir: dir, method: http.MethodGet, path: "/index.html", wantStatus: http.StatusOK},
		{name: "missing static file", staticDir: dir, method: http.MethodGet, path: "/nope.js", wantStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.staticDir)
			req, err := http.NewRequest(tt.method, ts.URL+tt.path, http.NoBody)
			if err != nil {
				t.Fatal(err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			_ = resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}
