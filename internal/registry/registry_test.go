package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/delmic/odemis-sub009/internal/auth"
	"github.com/delmic/odemis-sub009/internal/component"
	"github.com/delmic/odemis-sub009/internal/directory"
	"github.com/delmic/odemis-sub009/internal/infrastructure/config"
	"github.com/delmic/odemis-sub009/internal/infrastructure/database"
	"github.com/delmic/odemis-sub009/internal/infrastructure/logging"
	"github.com/delmic/odemis-sub009/internal/remote"
	"github.com/delmic/odemis-sub009/internal/va"
	"github.com/delmic/odemis-sub009/migrations"
)

func newTestDirectory(t *testing.T) *directory.Directory {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{Path: database.MemoryPath, BusyTimeout: 1})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return directory.New(db.DB)
}

// newTestRegistry creates a registry on dir. Registries sharing dir stand
// for separate processes.
func newTestRegistry(t *testing.T, dir *directory.Directory, secret string) *Registry {
	t.Helper()
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	r, err := New(Deps{
		Directory: dir,
		Transport: config.TransportConfig{Host: "127.0.0.1", Path: "/ws", CallTimeout: 5},
		Security:  config.SecurityConfig{JWT: config.JWTConfig{Secret: secret, AccessTokenTTL: 5}},
		Logger:    log,
		Version:   "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

// newBackend creates container back1 holding a stage.
func newBackend(t *testing.T, r *Registry) *component.Container {
	t.Helper()
	ct, err := r.CreateContainer(context.Background(), "back1")
	if err != nil {
		t.Fatalf("CreateContainer() error = %v", err)
	}
	stage := component.New("stage", "stage")
	stage.AddVA("speed", va.NewFloatContinuous(2.0, -1, 3.4, va.Unit("m/s")))
	stage.Expose("count", func() int { return 7 })
	if err := ct.Register(stage); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return ct
}

func TestClientConfig(t *testing.T) {
	const secret = "registry-test-secret"
	tests := []struct {
		name        string
		tc          config.TransportConfig
		sc          config.SecurityConfig
		wantTimeout time.Duration
		wantSize    int64
		wantToken   bool
	}{
		{"defaults", config.TransportConfig{}, config.SecurityConfig{}, 30 * time.Second, 16 << 20, false},
		{
			"configured",
			config.TransportConfig{CallTimeout: 5, MaxMessageSize: 1 << 20},
			config.SecurityConfig{JWT: config.JWTConfig{Secret: secret, AccessTokenTTL: 2}},
			5 * time.Second, 1 << 20, true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ClientConfig(tt.tc, tt.sc)
			if cfg.CallTimeout != tt.wantTimeout {
				t.Errorf("CallTimeout = %v, want %v", cfg.CallTimeout, tt.wantTimeout)
			}
			if cfg.MaxMessageSize != tt.wantSize {
				t.Errorf("MaxMessageSize = %d, want %d", cfg.MaxMessageSize, tt.wantSize)
			}
			if (cfg.TokenSource != nil) != tt.wantToken {
				t.Fatalf("TokenSource set = %v, want %v", cfg.TokenSource != nil, tt.wantToken)
			}
			if !tt.wantToken {
				return
			}
			token, err := cfg.TokenSource()
			if err != nil {
				t.Fatalf("TokenSource() error = %v", err)
			}
			claims, err := auth.ParseToken(token, secret)
			if err != nil {
				t.Fatalf("ParseToken() error = %v", err)
			}
			if claims.Role != auth.RoleOperator {
				t.Errorf("role = %q, want %q", claims.Role, auth.RoleOperator)
			}
			if got := claims.ExpiresAt.Sub(claims.IssuedAt.Time); got != 2*time.Minute {
				t.Errorf("token lifetime = %v, want 2m", got)
			}
		})
	}
}

func TestRegistry_LocalLookup(t *testing.T) {
	r := newTestRegistry(t, newTestDirectory(t), "")
	newBackend(t, r)
	ctx := context.Background()

	p, err := r.LookupName(ctx, "back1", "stage")
	if err != nil {
		t.Fatalf("LookupName() error = %v", err)
	}
	if _, ok := p.(*component.LocalProxy); !ok {
		t.Fatalf("LookupName() = %T, want *component.LocalProxy", p)
	}
	again, err := r.Lookup(ctx, component.Ref{Container: "back1", Name: "stage"})
	if err != nil || again != p {
		t.Errorf("second Lookup() = %v, %v; want the same proxy", again, err)
	}

	if got := r.Containers(); len(got) != 1 || got[0] != "back1" {
		t.Errorf("Containers() = %v, want [back1]", got)
	}
	if _, ok := r.Server("back1"); !ok {
		t.Error("Server(back1) not found")
	}
}

func TestRegistry_RemoteLookup(t *testing.T) {
	tests := []struct {
		name   string
		secret string
	}{
		{"open", ""},
		{"with token", "test-secret-key-at-least-32-characters-long"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := newTestDirectory(t)
			back := newTestRegistry(t, dir, tt.secret)
			newBackend(t, back)
			front := newTestRegistry(t, dir, tt.secret)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			p, err := front.LookupName(ctx, "back1", "stage")
			if err != nil {
				t.Fatalf("LookupName() error = %v", err)
			}
			if _, ok := p.(*remote.ComponentProxy); !ok {
				t.Fatalf("LookupName() = %T, want *remote.ComponentProxy", p)
			}
			if v, err := p.Invoke(ctx, "count"); err != nil || v != 7 {
				t.Errorf("Invoke(count) = %v, %v; want 7", v, err)
			}
			speed, err := p.VA("speed")
			if err != nil {
				t.Fatalf("VA() error = %v", err)
			}
			if err := speed.Set(ctx, 3.0); err != nil {
				t.Errorf("Set() error = %v", err)
			}
			if err := speed.Set(ctx, 4.0); !errors.Is(err, va.ErrOutOfRange) {
				t.Errorf("Set(4) error = %v, want ErrOutOfRange", err)
			}

			again, err := front.LookupName(ctx, "back1", "stage")
			if err != nil || again != p {
				t.Errorf("second LookupName() = %v, %v; want the same proxy", again, err)
			}
		})
	}
}

func TestRegistry_LookupErrors(t *testing.T) {
	dir := newTestDirectory(t)
	back := newTestRegistry(t, dir, "")
	newBackend(t, back)
	front := newTestRegistry(t, dir, "")
	ctx := context.Background()

	tests := []struct {
		name      string
		r         *Registry
		container string
		component string
	}{
		{"unknown container", front, "back2", "stage"},
		{"unknown local component", back, "back1", "focus"},
		{"unknown remote component", front, "back1", "focus"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.r.LookupName(ctx, tt.container, tt.component); !errors.Is(err, component.ErrLookup) {
				t.Errorf("LookupName(%s, %s) error = %v, want ErrLookup", tt.container, tt.component, err)
			}
		})
	}
}

func TestRegistry_NameInUse(t *testing.T) {
	dir := newTestDirectory(t)
	first := newTestRegistry(t, dir, "")
	newBackend(t, first)
	second := newTestRegistry(t, dir, "")
	ctx := context.Background()

	if _, err := first.CreateContainer(ctx, "back1"); !errors.Is(err, component.ErrNameInUse) {
		t.Errorf("CreateContainer() in the same process error = %v, want ErrNameInUse", err)
	}
	if _, err := second.CreateContainer(ctx, "back1"); !errors.Is(err, component.ErrNameInUse) {
		t.Errorf("CreateContainer() in another process error = %v, want ErrNameInUse", err)
	}
	if names := second.Containers(); len(names) != 0 {
		t.Errorf("Containers() = %v after a failed creation", names)
	}
}

func TestRegistry_Terminate(t *testing.T) {
	dir := newTestDirectory(t)
	back := newTestRegistry(t, dir, "")
	ct := newBackend(t, back)
	front := newTestRegistry(t, dir, "")
	ctx := context.Background()

	p, err := front.LookupName(ctx, "back1", "stage")
	if err != nil {
		t.Fatalf("LookupName() error = %v", err)
	}
	ct.Terminate()

	select {
	case <-p.(*remote.ComponentProxy).Conn().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed")
	}
	if _, err := p.Invoke(ctx, "count"); !errors.Is(err, remote.ErrConnectionClosed) {
		t.Errorf("Invoke() error = %v, want ErrConnectionClosed", err)
	}
	if _, err := dir.Resolve(ctx, "back1"); !errors.Is(err, component.ErrLookup) {
		t.Errorf("Resolve() error = %v, want ErrLookup", err)
	}
	if _, ok := back.Server("back1"); ok {
		t.Error("Server(back1) still present")
	}

	// The name is free again.
	if _, err := back.CreateContainer(ctx, "back1"); err != nil {
		t.Errorf("CreateContainer() after termination error = %v", err)
	}
}

func TestRegistry_Close(t *testing.T) {
	r := newTestRegistry(t, newTestDirectory(t), "")
	newBackend(t, r)
	r.Close()

	if names := r.Containers(); len(names) != 0 {
		t.Errorf("Containers() = %v after Close", names)
	}
	if _, err := r.CreateContainer(context.Background(), "back2"); !errors.Is(err, component.ErrTerminated) {
		t.Errorf("CreateContainer() error = %v, want ErrTerminated", err)
	}
}
