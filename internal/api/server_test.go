package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/delmic/odemis-sub009/internal/auth"
	"github.com/delmic/odemis-sub009/internal/component"
	"github.com/delmic/odemis-sub009/internal/infrastructure/config"
	"github.com/delmic/odemis-sub009/internal/infrastructure/logging"
	"github.com/delmic/odemis-sub009/internal/remote"
	"github.com/delmic/odemis-sub009/internal/va"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

// testServer creates a Server for a container holding a single stage.
func testServer(t *testing.T, secret string) *Server {
	t.Helper()

	ct := component.NewContainer("back1")
	stage := component.New("stage", "stage")
	stage.AddVA("speed", va.NewFloatContinuous(2.0, 0, 10, va.Unit("m/s")))
	stage.Expose("stop", func() {})
	if err := ct.Register(stage); err != nil {
		t.Fatalf("Register: %v", err)
	}
	t.Cleanup(ct.Terminate)

	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	srv, err := New(Deps{
		Transport: config.TransportConfig{
			Host:           "127.0.0.1",
			Port:           0,
			Path:           "/ws",
			MaxMessageSize: 1 << 20,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security: config.SecurityConfig{
			JWT: config.JWTConfig{Secret: secret, AccessTokenTTL: 15},
		},
		Logger:    log,
		Container: ct,
		Version:   "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	srv.startTime = time.Now()
	return srv
}

func token(t *testing.T, role auth.Role) string {
	t.Helper()
	tok, err := auth.GenerateAccessToken("tester", role, testSecret, 5*time.Minute)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	return tok
}

func get(t *testing.T, h http.Handler, path, tok string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// ─── Configuration Tests ───────────────────────────────────────────

func TestHubConfig(t *testing.T) {
	def := remote.DefaultServerConfig()
	tests := []struct {
		name string
		cfg  config.TransportConfig
		want remote.ServerConfig
	}{
		{"unset keeps the defaults", config.TransportConfig{}, def},
		{
			"configured",
			config.TransportConfig{MaxMessageSize: 1 << 20, PingInterval: 5, PongTimeout: 2, SendBuffer: 8, SendTimeoutMS: 250},
			remote.ServerConfig{
				MaxMessageSize: 1 << 20,
				PingInterval:   5 * time.Second,
				PongTimeout:    2 * time.Second,
				SendBuffer:     8,
				SendTimeout:    250 * time.Millisecond,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HubConfig(tt.cfg); got != tt.want {
				t.Errorf("HubConfig() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// ─── Health Endpoint Tests ─────────────────────────────────────────

func TestHealth(t *testing.T) {
	srv := testServer(t, "")
	srv.server = &http.Server{}
	router := srv.buildRouter()

	w := get(t, router, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["status"] != "ok" || resp["container"] != "back1" || resp["version"] != "test" {
		t.Errorf("health = %v", resp)
	}
}

func TestHealth_Unavailable(t *testing.T) {
	tests := []struct {
		name    string
		started bool
	}{
		{"not started", false},
		{"container terminated", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testServer(t, "")
			if tt.started {
				srv.server = &http.Server{}
				srv.ct.Terminate()
			}
			w := get(t, srv.buildRouter(), "/api/v1/health", "")
			if w.Code != http.StatusServiceUnavailable {
				t.Errorf("health status = %d, want %d", w.Code, http.StatusServiceUnavailable)
			}
		})
	}
}

// ─── Middleware Tests ──────────────────────────────────────────────

func TestRequestID(t *testing.T) {
	srv := testServer(t, "")
	router := srv.buildRouter()

	if w := get(t, router, "/api/v1/health", ""); w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestNotFound(t *testing.T) {
	srv := testServer(t, "")
	w := get(t, srv.buildRouter(), "/api/v1/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAuth(t *testing.T) {
	srv := testServer(t, testSecret)
	router := srv.buildRouter()

	tests := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{"health needs no token", "/api/v1/health", "", http.StatusServiceUnavailable},
		{"missing token", "/api/v1/components", "", http.StatusUnauthorized},
		{"garbage token", "/api/v1/components", "not-a-jwt", http.StatusUnauthorized},
		{"observer", "/api/v1/components", token(t, auth.RoleObserver), http.StatusOK},
		{"operator", "/api/v1/metrics", token(t, auth.RoleOperator), http.StatusOK},
		{"websocket without token", "/ws", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := get(t, router, tt.path, tt.token); w.Code != tt.want {
				t.Errorf("GET %s = %d, want %d", tt.path, w.Code, tt.want)
			}
		})
	}
}

// ─── Component Endpoint Tests ──────────────────────────────────────

func TestListComponents(t *testing.T) {
	srv := testServer(t, "")
	w := get(t, srv.buildRouter(), "/api/v1/components", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp struct {
		Container  string             `json:"container"`
		Components []componentSummary `json:"components"`
		Count      int                `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Container != "back1" || resp.Count != 1 {
		t.Fatalf("list = %+v", resp)
	}
	if got := resp.Components[0]; got.Ref.Name != "stage" || got.Role != "stage" || got.VAs != 1 || got.Children != 0 {
		t.Errorf("component = %+v", got)
	}
}

func TestGetComponent(t *testing.T) {
	srv := testServer(t, "")
	router := srv.buildRouter()

	tests := []struct {
		name string
		path string
		want int
	}{
		{"component", "/api/v1/components/stage", http.StatusOK},
		{"unknown component", "/api/v1/components/focus", http.StatusNotFound},
		{"va", "/api/v1/components/stage/vas/speed", http.StatusOK},
		{"unknown va", "/api/v1/components/stage/vas/position", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := get(t, router, tt.path, ""); w.Code != tt.want {
				t.Errorf("GET %s = %d, want %d", tt.path, w.Code, tt.want)
			}
		})
	}

	w := get(t, router, "/api/v1/components/stage/vas/speed", "")
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["value"] != 2.0 {
		t.Errorf("speed = %v, want 2", resp["value"])
	}
}

func TestMetrics(t *testing.T) {
	srv := testServer(t, "")
	w := get(t, srv.buildRouter(), "/api/v1/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var m SystemMetrics
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Container.Name != "back1" || m.Container.Components != 1 || m.Container.Sessions != 0 {
		t.Errorf("container metrics = %+v", m.Container)
	}
	if m.Runtime.Goroutines == 0 {
		t.Error("goroutines = 0")
	}
}

func TestWriteComponentError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{"unknown component", fmt.Errorf("%w: focus", component.ErrLookup), http.StatusNotFound, ErrCodeNotFound},
		{"unknown attribute", fmt.Errorf("%w: zoom", component.ErrNoAttribute), http.StatusNotFound, ErrCodeNotFound},
		{"other failure", errors.New("hardware fault"), http.StatusInternalServerError, ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeComponentError(w, tt.err)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			var body Error
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body.Code != tt.wantBody || body.Message != tt.err.Error() {
				t.Errorf("body = %+v", body)
			}
		})
	}
}

// ─── Websocket Endpoint Tests ──────────────────────────────────────

func TestWebsocket_ObserverIsReadOnly(t *testing.T) {
	srv := testServer(t, testSecret)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Close() }) //nolint:errcheck // Best-effort test cleanup

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tests := []struct {
		name    string
		role    auth.Role
		wantErr error
	}{
		{"observer", auth.RoleObserver, remote.ErrPermission},
		{"operator", auth.RoleOperator, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := remote.DefaultClientConfig()
			cfg.Token = token(t, tt.role)
			conn, err := remote.Dial(ctx, srv.URL(), cfg)
			if err != nil {
				t.Fatalf("Dial: %v", err)
			}
			defer conn.Close()

			stage, err := remote.NewComponentProxy(ctx, conn, "stage", nil)
			if err != nil {
				t.Fatalf("NewComponentProxy: %v", err)
			}
			speed, err := stage.VA("speed")
			if err != nil {
				t.Fatalf("VA: %v", err)
			}
			if v, err := speed.Value(ctx); err != nil || v != 2.0 {
				t.Errorf("speed = %v, %v; want 2", v, err)
			}

			_, err = stage.Invoke(ctx, "stop")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Invoke(stop) error = %v, want %v", err, tt.wantErr)
			}
			if err := speed.Set(ctx, 3.0); !errors.Is(err, tt.wantErr) {
				t.Errorf("Set(speed) error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestWebsocket_NoToken(t *testing.T) {
	srv := testServer(t, testSecret)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Close() }) //nolint:errcheck // Best-effort test cleanup

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := remote.Dial(ctx, srv.URL(), remote.DefaultClientConfig()); err == nil {
		t.Fatal("Dial without token succeeded")
	}
}
