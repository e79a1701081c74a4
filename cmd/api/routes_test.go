package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"callrelay/internal/auth"
	"callrelay/internal/config"
	"callrelay/internal/metrics"
	"callrelay/internal/ratelimit"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

func newTestRouter(t *testing.T, env string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Config{
		App:     config.AppConfig{Env: env},
		Auth:    config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Hour, RefreshTokenTTL: time.Hour},
		Session: config.SessionConfig{Backend: config.BackendMemory},
	}
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	d := buildDeps(cfg, nil, nil, collector)
	m, err := auth.NewManager(cfg.Auth)
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	d.auth = m
	d.registry = reg
	d.limiter = ratelimit.New(ratelimit.Config{Rate: 1, Burst: 1}, collector)
	t.Cleanup(d.limiter.Stop)

	r := gin.New()
	r.Use(collector.Middleware())
	registerRoutes(r, d)
	return r
}

func TestRoutes_HealthAndMetrics(t *testing.T) {
	r := newTestRouter(t, "local")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("healthz: %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), "callrelay_http_requests_total") {
		t.Fatalf("metrics missing request counter")
	}
}

func TestRoutes_DevTokenFollowsEnvironment(t *testing.T) {
	for env, want := range map[string]int{"local": http.StatusOK, "staging": http.StatusNotFound} {
		r := newTestRouter(t, env)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/auth/dev-token", bytes.NewBufferString(`{"identity":"alice"}`))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		if w.Code != want {
			t.Fatalf("%s: expected %d, got %d", env, want, w.Code)
		}
	}
}

func TestRoutes_SignalRoutesAreRateLimited(t *testing.T) {
	r := newTestRouter(t, "local")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/dev-token", bytes.NewBufferString(`{"identity":"alice"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &tok); err != nil || tok.AccessToken == "" {
		t.Fatalf("dev token: %v %s", err, w.Body.String())
	}

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/signals", nil)
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("expected 200 then 429, got %v", codes)
	}
}
