package main

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestRun_InvalidConfigReturnsExitCode(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("SECRETS_PROVIDER", "env")
	t.Setenv("LOG_LEVEL", "error")
	if code := run(); code != 1 {
		t.Errorf("run() = %d, want 1 for an unsupported store backend", code)
	}
}

func TestHealthcheck(t *testing.T) {
	ready := true
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ready" || !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()
	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORT", u.Port())

	if got := healthcheck(); got != 0 {
		t.Errorf("healthcheck() = %d while ready", got)
	}
	ready = false
	if got := healthcheck(); got != 1 {
		t.Errorf("healthcheck() = %d while not ready", got)
	}
}
