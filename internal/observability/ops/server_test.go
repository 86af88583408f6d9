package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "vaultbot/pkg/logx"
)

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9090":          false,
		"0.0.0.0:9090":   false,
		"10.0.0.5:80":    false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestHandlerAuthAndRoutes(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("m 1\n")) })
	s := New(Config{}, metrics, nil, logx.Nop())
	h := s.handler(Config{Token: "secret"})

	do := func(path, auth string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if got := do("/metrics", ""); got != http.StatusUnauthorized {
		t.Errorf("no token: %d", got)
	}
	if got := do("/metrics", "Bearer wrong"); got != http.StatusUnauthorized {
		t.Errorf("wrong token: %d", got)
	}
	if got := do("/metrics", "Bearer secret"); got != http.StatusOK {
		t.Errorf("bearer: %d", got)
	}
	if got := do("/healthz?token=secret", ""); got != http.StatusOK {
		t.Errorf("query token: %d", got)
	}
	if got := do("/debug/pprof/?token=secret", ""); got != http.StatusNotFound {
		t.Errorf("pprof disabled: %d", got)
	}

	h = s.handler(Config{Pprof: true})
	if got := do("/debug/pprof/", ""); got != http.StatusOK {
		t.Errorf("pprof enabled: %d", got)
	}
}

func TestHealthReportsProblems(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil, func(context.Context) map[string]string {
		return map[string]string{"storage": "closed"}
	}, logx.Nop())
	rec := httptest.NewRecorder()
	s.handler(Config{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d", rec.Code)
	}
	var body struct {
		Status   string
		Problems map[string]string
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "degraded" || body.Problems["storage"] != "closed" {
		t.Fatalf("body = %+v", body)
	}
}

func TestStartStopLoopback(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, nil, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatal("server did not start")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	if s.Addr() != "" {
		t.Fatal("listener still set after stop")
	}
}
