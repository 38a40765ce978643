package vcs

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/quashbugs/magnus/internal/config"
	"github.com/quashbugs/magnus/internal/database"
	"github.com/quashbugs/magnus/internal/events"
	"github.com/quashbugs/magnus/internal/lifecycle"
	"github.com/quashbugs/magnus/internal/scan"
	"github.com/quashbugs/magnus/internal/secure"
	"github.com/quashbugs/magnus/internal/store"
	"github.com/quashbugs/magnus/internal/tasks"
	"github.com/quashbugs/magnus/models"
)

func newTestDeps(t *testing.T, cfg *config.Config) Deps {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "vcs-test.db")
	db, err := database.NewSQLite(config.DatabaseConfig{Path: dbPath})
	if err != nil {
		t.Fatalf("new sqlite db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate db: %v", err)
	}

	stores := store.New(db)
	life := lifecycle.New(stores.Repos, events.Discard{}, tasks.Sync{})
	enc, err := secure.NewEncryptor(base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x2a}, 32)))
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}
	return Deps{
		Cfg:    cfg,
		Stores: stores,
		Life:   life,
		Scans:  scan.New(cfg.Analysis, enc, life),
	}
}

func TestRegistryResolvesAllProviders(t *testing.T) {
	reg, err := NewRegistry(newTestDeps(t, &config.Config{}))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	for _, provider := range []string{models.ProviderGitHub, models.ProviderGitLab, models.ProviderBitbucket} {
		a, err := reg.ForProvider(provider)
		if err != nil {
			t.Fatalf("resolving %s: %v", provider, err)
		}
		if a.Provider() != provider {
			t.Fatalf("adapter for %s reports provider %s", provider, a.Provider())
		}
	}

	if _, err := reg.ForProvider("azure"); err == nil {
		t.Fatal("expected an error for an unsupported provider")
	}
}

func TestUpdateExistingMemberKeepsRefreshTokenWhenPayloadOmitsIt(t *testing.T) {
	deps := newTestDeps(t, &config.Config{})
	ctx := context.Background()
	user := models.User{WorkEmail: "dev@acme.io"}

	if _, err := createMember(ctx, deps.Stores, user, models.ProviderGitLab, models.TokenPayload{
		AccessToken:  "t1",
		RefreshToken: "r1",
		ExpiresIn:    7200,
	}, time.Now().Unix()); err != nil {
		t.Fatalf("create member: %v", err)
	}

	m, err := updateMember(ctx, deps.Stores, user, models.ProviderGitLab, models.TokenPayload{
		AccessToken: "t2",
	}, time.Now().Unix())
	if err != nil {
		t.Fatalf("update member: %v", err)
	}
	if m.AccessToken != "t2" || m.RefreshToken != "r1" {
		t.Fatalf("expected rotated access token with kept refresh token, got %+v", m)
	}

	m, err = updateMember(ctx, deps.Stores, user, models.ProviderGitLab, models.TokenPayload{
		AccessToken:  "t3",
		RefreshToken: "r2",
	}, time.Now().Unix())
	if err != nil {
		t.Fatalf("update member: %v", err)
	}
	if m.RefreshToken != "r2" {
		t.Fatalf("expected refresh token rotation, got %q", m.RefreshToken)
	}
}

func TestUpdateExistingMemberFailsWithoutMember(t *testing.T) {
	deps := newTestDeps(t, &config.Config{})

	_, err := updateMember(context.Background(), deps.Stores, models.User{WorkEmail: "ghost@acme.io"},
		models.ProviderGitHub, models.TokenPayload{AccessToken: "t"}, time.Now().Unix())
	if !errors.Is(err, ErrCredential) {
		t.Fatalf("expected ErrCredential, got %v", err)
	}
}

func TestTokenExpiringSoon(t *testing.T) {
	if tokenExpiringSoon(0, installationTokenMargin) {
		t.Fatal("zero expiry means a non-expiring token")
	}
	if tokenExpiringSoon(time.Now().Add(time.Hour).Unix(), installationTokenMargin) {
		t.Fatal("an hour out is not inside a 5-minute margin")
	}
	if !tokenExpiringSoon(time.Now().Add(time.Minute).Unix(), installationTokenMargin) {
		t.Fatal("a minute out is inside a 5-minute margin")
	}
	if !tokenExpiringSoon(time.Now().Add(-time.Hour).Unix(), installationTokenMargin) {
		t.Fatal("an already expired token must report as expiring")
	}
}
