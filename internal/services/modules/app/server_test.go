package server

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	platformgrpc "github.com/palettehq/palette/internal/platform/grpc"
	modulesapi "github.com/palettehq/palette/internal/services/modules/api/modules"
	"github.com/palettehq/palette/internal/services/modules/grant"
)

func setGrantEnv(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	t.Setenv("PALETTE_ACTOR_GRANT_ISSUER", "palette-auth")
	t.Setenv("PALETTE_ACTOR_GRANT_AUDIENCE", "palette-modules")
	t.Setenv("PALETTE_ACTOR_GRANT_PUBLIC_KEY", base64.StdEncoding.EncodeToString(public))
	return private
}

func mintAdminGrant(t *testing.T, private ed25519.PrivateKey, tenantID string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss":       "palette-auth",
		"aud":       "palette-modules",
		"sub":       "actor-1",
		"iat":       jwt.NewNumericDate(time.Now()),
		"exp":       jwt.NewNumericDate(time.Now().Add(time.Hour)),
		"tenant_id": tenantID,
		"roles":     []string{grant.RoleAdmin},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(private)
	if err != nil {
		t.Fatalf("sign grant: %v", err)
	}
	return token
}

func TestServer_HealthAndProjectionRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PALETTE_MODULES_DB_PATH", filepath.Join(dir, "modules.db"))
	t.Setenv("PALETTE_RATELIMIT_DB_PATH", filepath.Join(dir, "ratelimit.db"))
	private := setGrantEnv(t)

	srv, err := NewWithAddr("127.0.0.1:0")
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- srv.Serve(runCtx)
	}()
	t.Cleanup(func() {
		runCancel()
		select {
		case serveErr := <-serveDone:
			if serveErr != nil {
				t.Fatalf("serve: %v", serveErr)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for server shutdown")
		}
	})

	conn, err := platformgrpc.DialWithHealth(context.Background(), nil, srv.Addr(),
		5*time.Second, t.Logf, platformgrpc.DefaultClientDialOptions()...)
	if err != nil {
		t.Fatalf("dial modules server: %v", err)
	}
	t.Cleanup(func() {
		if closeErr := conn.Close(); closeErr != nil {
			t.Fatalf("close gRPC connection: %v", closeErr)
		}
	})

	healthCtx, healthCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer healthCancel()
	if err := platformgrpc.WaitForHealth(healthCtx, conn, "modules", t.Logf); err != nil {
		t.Fatalf("modules health check: %v", err)
	}

	token := mintAdminGrant(t, private, "tenant-1")
	resp, err := srv.Service().GetProjection(context.Background(), modulesapi.GetProjectionRequest{Grant: token})
	if err != nil {
		t.Fatalf("get projection: %v", err)
	}
	if len(resp.Projections) != 0 {
		t.Fatalf("projections = %d, want 0 with empty catalog", len(resp.Projections))
	}
}

func TestNewWithAddrRequiresGrantConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PALETTE_MODULES_DB_PATH", filepath.Join(dir, "modules.db"))
	t.Setenv("PALETTE_RATELIMIT_DB_PATH", filepath.Join(dir, "ratelimit.db"))
	t.Setenv("PALETTE_ACTOR_GRANT_ISSUER", "")
	t.Setenv("PALETTE_ACTOR_GRANT_AUDIENCE", "")
	t.Setenv("PALETTE_ACTOR_GRANT_PUBLIC_KEY", "")

	if _, err := NewWithAddr("127.0.0.1:0"); err == nil {
		t.Fatal("expected error without actor grant config")
	}
}
