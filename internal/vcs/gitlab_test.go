package vcs

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quashbugs/magnus/internal/config"
	"github.com/quashbugs/magnus/models"
)

func TestGitLabRefreshesExpiredTokenBeforeListingGroups(t *testing.T) {
	var refreshed bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/oauth/token":
			if err := r.ParseForm(); err != nil {
				t.Fatalf("parsing refresh form: %v", err)
			}
			if got := r.Form.Get("grant_type"); got != "refresh_token" {
				t.Fatalf("unexpected grant_type %q", got)
			}
			if got := r.Form.Get("refresh_token"); got != "r1" {
				t.Fatalf("unexpected refresh_token %q", got)
			}
			if got := r.Form.Get("client_id"); got != "cid" {
				t.Fatalf("unexpected client_id %q", got)
			}
			refreshed = true
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"access_token":"fresh","refresh_token":"r2","expires_in":7200,"created_at":%d}`,
				time.Now().Unix())
		case r.Method == http.MethodGet && r.URL.Path == "/api/v4/groups":
			if got := r.Header.Get("Authorization"); got != "Bearer fresh" {
				t.Fatalf("groups listed with stale credential %q", got)
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `[{"id":42,"name":"Platform"}]`)
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	deps := newTestDeps(t, &config.Config{
		GitLab: config.GitLabConfig{
			ClientID:     "cid",
			ClientSecret: "secret",
			RedirectURI:  "https://app.acme.io/auth/gitlab",
			BaseURL:      srv.URL,
		},
	})
	ctx := context.Background()
	user := models.User{WorkEmail: "dev@acme.io"}

	if _, err := deps.Stores.Members.Create(ctx, models.Member{
		UserEmail:    user.WorkEmail,
		Provider:     models.ProviderGitLab,
		AccessToken:  "stale",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(-time.Minute).Unix(),
	}); err != nil {
		t.Fatalf("seed member: %v", err)
	}

	adapter := NewGitLab(deps)
	orgs, err := adapter.FetchAndUpdateUserOrganizations(ctx, user)
	if err != nil {
		t.Fatalf("fetch organisations: %v", err)
	}
	if !refreshed {
		t.Fatal("expected a token refresh before the API call")
	}
	if len(orgs) != 1 || orgs[0].GroupID != "42" || orgs[0].Name != "Platform" {
		t.Fatalf("unexpected organisations %+v", orgs)
	}

	member, err := deps.Stores.Members.GetByUserProvider(ctx, user.WorkEmail, models.ProviderGitLab)
	if err != nil {
		t.Fatalf("reload member: %v", err)
	}
	if member.AccessToken != "fresh" || member.RefreshToken != "r2" {
		t.Fatalf("rotated credential not persisted: %+v", member)
	}
	if len(member.OrgIDs) != 1 || member.OrgIDs[0] != orgs[0].ID {
		t.Fatalf("visible orgs not updated: %v", member.OrgIDs)
	}
}

func TestGitLabGroupUpsertIsStableAcrossRenames(t *testing.T) {
	name := "Platform"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v4/groups" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `[{"id":42,"name":%q}]`, name)
	}))
	defer srv.Close()

	deps := newTestDeps(t, &config.Config{GitLab: config.GitLabConfig{BaseURL: srv.URL}})
	ctx := context.Background()
	user := models.User{WorkEmail: "dev@acme.io"}

	if _, err := deps.Stores.Members.Create(ctx, models.Member{
		UserEmail:   user.WorkEmail,
		Provider:    models.ProviderGitLab,
		AccessToken: "t1",
	}); err != nil {
		t.Fatalf("seed member: %v", err)
	}

	adapter := NewGitLab(deps)
	first, err := adapter.FetchAndUpdateUserOrganizations(ctx, user)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}

	name = "Platform Engineering"
	second, err := adapter.FetchAndUpdateUserOrganizations(ctx, user)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}

	if len(second) != 1 || second[0].ID != first[0].ID {
		t.Fatalf("rename must update in place, got %+v then %+v", first, second)
	}
	if second[0].Name != "Platform Engineering" {
		t.Fatalf("expected renamed organisation, got %q", second[0].Name)
	}
}
