package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"playground-sandbox/internal/config"
	"playground-sandbox/internal/engine"
	"playground-sandbox/internal/metrics"
	"playground-sandbox/internal/monitor"
	"playground-sandbox/internal/sandbox"
	"playground-sandbox/internal/security"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Security.RateLimitRPS = 10000
	cfg.Security.RateLimitBurst = 10000
	if mutate != nil {
		mutate(cfg)
	}

	policy, err := security.NewPolicyManager(cfg.Security.PolicyRules)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	limits := cfg.LimitsTable()
	mon := sandbox.NewResourceMonitor(limits,
		sandbox.WithSampleInterval(time.Hour),
		sandbox.WithHistorySize(cfg.Sandbox.HistorySize),
	)
	t.Cleanup(mon.Close)
	ctrl := sandbox.NewExecutionController()
	collector := metrics.NewCollector(cfg.Sandbox.HistorySize)
	engines := engine.DefaultRegistry()
	prod := monitor.NewProductionMonitor(cfg.Alerts.Thresholds, ctrl.ActiveCount)

	executor := sandbox.NewExecutor(
		sandbox.ExecutorConfig{
			MaxCodeSize:   cfg.Sandbox.MaxCodeSize,
			MaxOutputSize: cfg.Sandbox.MaxOutputSize,
			MaxPerSession: cfg.Sandbox.MaxPerSession,
		},
		limits, security.NewDetector(), policy, mon, ctrl, engines, collector, prod,
	)

	handlers := NewHandlers(executor, mon, ctrl, collector, prod, engines, nil, nil)
	return NewServer(cfg, handlers, nil)
}

func doJSON(t *testing.T, s *Server, method, path string, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("response is not JSON: %v\n%s", err, rec.Body.String())
		}
	}
	return rec, decoded
}

func TestExecuteEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	rec, body := doJSON(t, s, http.MethodPost, "/execute",
		`{"code": "console.log('hi from api')", "language": "javascript", "session_id": "s1"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if body["success"] != true {
		t.Fatalf("response = %v", body)
	}
	if out, _ := body["output"].(string); !strings.Contains(out, "hi from api") {
		t.Fatalf("output = %q", out)
	}
	if body["session_id"] != "s1" {
		t.Fatalf("session id = %v", body["session_id"])
	}
}

func TestExecuteUserCodeFailureIsStill200(t *testing.T) {
	s := newTestServer(t, nil)

	rec, body := doJSON(t, s, http.MethodPost, "/execute",
		`{"code": "nope.nope()", "language": "javascript"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("user-code failures are results, not HTTP errors: %d", rec.Code)
	}
	if body["success"] != false || body["error"] == "" {
		t.Fatalf("response = %v", body)
	}
}

func TestExecuteRefusedCodeIsStill200(t *testing.T) {
	s := newTestServer(t, nil)

	rec, body := doJSON(t, s, http.MethodPost, "/execute",
		`{"code": "require('fs')", "language": "javascript"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["success"] != false {
		t.Fatal("refused code must not succeed")
	}
	errText, _ := body["error"].(string)
	if !strings.Contains(errText, "malicious code detected") {
		t.Fatalf("error = %q", errText)
	}
}

func TestExecuteValidation(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{{{`},
		{"missing code", `{"language": "javascript"}`},
		{"missing language", `{"code": "1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := doJSON(t, s, http.MethodPost, "/execute", tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if body["code"] != "bad_request" {
				t.Fatalf("error code = %v", body["code"])
			}
		})
	}
}

func TestExecuteOptionsDuration(t *testing.T) {
	s := newTestServer(t, nil)

	rec, body := doJSON(t, s, http.MethodPost, "/execute",
		`{"code": "1 + 1", "language": "javascript", "options": {"timeout": "2s"}}`, nil)
	if rec.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("status = %d, body %v", rec.Code, body)
	}
}

func TestAuthGating(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Security.AllowedKeys = []string{"sekrit"}
	})

	rec, body := doJSON(t, s, http.MethodGet, "/stats", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without key = %d, want 401", rec.Code)
	}
	if body["code"] != "unauthorized" {
		t.Fatalf("error code = %v", body["code"])
	}

	rec, _ = doJSON(t, s, http.MethodGet, "/stats", "", map[string]string{"X-API-Key": "sekrit"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status with key = %d, want 200", rec.Code)
	}

	// Health and metrics bypass auth.
	rec, _ = doJSON(t, s, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	mrec := httptest.NewRecorder()
	s.Handler().ServeHTTP(mrec, req)
	if mrec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", mrec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	rec, body := doJSON(t, s, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["status"] != "ok" {
		t.Fatalf("health = %v", body)
	}
	langs, _ := body["languages"].([]any)
	if len(langs) != 7 {
		t.Fatalf("languages = %v, want all 7", langs)
	}
}

func TestHistoryAndStatsEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	doJSON(t, s, http.MethodPost, "/execute", `{"code": "1", "language": "javascript"}`, nil)

	rec, body := doJSON(t, s, http.MethodGet, "/history", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d", rec.Code)
	}
	if count, _ := body["count"].(float64); count != 1 {
		t.Fatalf("history count = %v, want 1", body["count"])
	}

	rec, body = doJSON(t, s, http.MethodGet, "/stats", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	for _, key := range []string{"resource", "performance", "real_time", "queue"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("stats missing %q: %v", key, body)
		}
	}
}

func TestLanguagesEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	rec, body := doJSON(t, s, http.MethodGet, "/languages", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	langs, _ := body["languages"].([]any)
	if len(langs) != 7 {
		t.Fatalf("languages = %v", langs)
	}
}

func TestAlertEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	rec, body := doJSON(t, s, http.MethodGet, "/alerts", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if count, _ := body["count"].(float64); count != 0 {
		t.Fatalf("alert count = %v, want 0", body["count"])
	}

	rec, _ = doJSON(t, s, http.MethodPost, "/alerts/ghost/resolve", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("resolving unknown alert = %d, want 404", rec.Code)
	}
}

func TestCancelUnknownExecution(t *testing.T) {
	s := newTestServer(t, nil)

	rec, _ := doJSON(t, s, http.MethodDelete, "/executions/ghost", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestStorageDisabledEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	rec, body := doJSON(t, s, http.MethodGet, "/executions", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if body["code"] != "storage_disabled" {
		t.Fatalf("error code = %v", body["code"])
	}
}

func TestRequestIDPropagation(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "trace-me")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "trace-me" {
		t.Fatalf("request id = %q, want echoed", got)
	}

	rec2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec2.Header().Get("X-Request-ID") == "" {
		t.Fatal("request id should be generated when absent")
	}
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t, nil)

	rec, _ := doJSON(t, s, http.MethodGet, "/health", "", nil)
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("nosniff header missing")
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatal("frame options header missing")
	}
}

func TestRateLimiting(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Security.RateLimitRPS = 0.001
		cfg.Security.RateLimitBurst = 2
	})

	var limited bool
	for i := 0; i < 5; i++ {
		rec, _ := doJSON(t, s, http.MethodGet, "/health", "", nil)
		if rec.Code == http.StatusTooManyRequests {
			limited = true
		}
	}
	if !limited {
		t.Fatal("rate limiter never tripped past the burst")
	}
}

func TestMaxBodyLimit(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.MaxRequestBody = 64
	})

	big := `{"code": "` + strings.Repeat("a", 200) + `", "language": "javascript"}`
	rec, _ := doJSON(t, s, http.MethodPost, "/execute", big, nil)
	if rec.Code == http.StatusOK {
		t.Fatalf("oversized body accepted: %d", rec.Code)
	}
}
