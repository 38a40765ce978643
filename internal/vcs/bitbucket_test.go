package vcs

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"

	"github.com/quashbugs/magnus/internal/config"
	"github.com/quashbugs/magnus/models"
)

func seedBitbucketMember(t *testing.T, deps Deps, user models.User) {
	t.Helper()
	if _, err := deps.Stores.Members.Create(context.Background(), models.Member{
		UserEmail:   user.WorkEmail,
		Provider:    models.ProviderBitbucket,
		AccessToken: "bb-token",
	}); err != nil {
		t.Fatalf("seed member: %v", err)
	}
}

func TestBitbucketPersonalOrganisationIsNoOp(t *testing.T) {
	adapter := NewBitbucket(newTestDeps(t, &config.Config{}))

	org, err := adapter.CreatePersonalOrganisation(context.Background(), models.User{WorkEmail: "dev@acme.io"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if org != nil {
		t.Fatalf("expected no organisation, got %+v", org)
	}
}

func TestBitbucketWorkspaceListingFollowsNextPages(t *testing.T) {
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/workspaces" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer bb-token" {
			t.Fatalf("unexpected credential %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `{"values":[{"slug":"beta","name":"Beta Labs"}]}`)
			return
		}
		fmt.Fprintf(w, `{"values":[{"slug":"acme","name":"Acme"}],"next":"%s/workspaces?page=2"}`, srvURL)
	}))
	defer srv.Close()
	srvURL = srv.URL

	deps := newTestDeps(t, &config.Config{Bitbucket: config.BitbucketConfig{BaseURL: srv.URL}})
	user := models.User{WorkEmail: "dev@acme.io"}
	seedBitbucketMember(t, deps, user)

	adapter := NewBitbucket(deps)
	orgs, err := adapter.FetchAndUpdateUserOrganizations(context.Background(), user)
	if err != nil {
		t.Fatalf("fetch organisations: %v", err)
	}
	if len(orgs) != 2 {
		t.Fatalf("expected both pages collected, got %+v", orgs)
	}

	// A second listing must upsert by slug, not duplicate.
	again, err := adapter.FetchAndUpdateUserOrganizations(context.Background(), user)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if len(again) != 2 || again[0].ID != orgs[0].ID || again[1].ID != orgs[1].ID {
		t.Fatalf("workspace upsert not stable: %+v then %+v", orgs, again)
	}

	member, err := deps.Stores.Members.GetByUserProvider(context.Background(), user.WorkEmail, models.ProviderBitbucket)
	if err != nil {
		t.Fatalf("reload member: %v", err)
	}
	if len(member.OrgIDs) != 2 {
		t.Fatalf("visible orgs not updated: %v", member.OrgIDs)
	}
}

func TestBitbucketListFilesCrawlsSrcTree(t *testing.T) {
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/repositories/acme/app":
			fmt.Fprint(w, `{"mainbranch":{"name":"main"}}`)
		case "/repositories/acme/app/src/main/":
			if r.URL.Query().Get("page") == "2" {
				fmt.Fprint(w, `{"values":[{"type":"commit_file","path":"pubspec.yaml"}]}`)
				return
			}
			fmt.Fprintf(w, `{
				"values":[
					{"type":"commit_file","path":"README.md"},
					{"type":"commit_directory","path":"lib"}
				],
				"next":"%s/repositories/acme/app/src/main/?page=2"
			}`, srvURL)
		case "/repositories/acme/app/src/main/lib/":
			fmt.Fprint(w, `{"values":[{"type":"commit_file","path":"lib/main.dart"}]}`)
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()
	srvURL = srv.URL

	deps := newTestDeps(t, &config.Config{
		Bitbucket: config.BitbucketConfig{BaseURL: srv.URL},
		Sync:      config.SyncConfig{Workers: 2},
	})
	user := models.User{WorkEmail: "dev@acme.io"}
	seedBitbucketMember(t, deps, user)

	adapter := NewBitbucket(deps)
	// No stored default branch: the crawl resolves it from the repo detail.
	files, err := adapter.ListFiles(context.Background(), user, models.Repo{
		OrgID:    1,
		Provider: models.ProviderBitbucket,
		Name:     "app",
		Owner:    "acme",
		Slug:     "app",
	})
	if err != nil {
		t.Fatalf("list files: %v", err)
	}

	got := make([]string, 0, len(files))
	for _, f := range files {
		got = append(got, f.Path)
	}
	sort.Strings(got)
	want := []string{"README.md", "lib/main.dart", "pubspec.yaml"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
