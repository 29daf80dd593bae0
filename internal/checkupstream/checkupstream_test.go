package checkupstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-github/v27/github"

	"github.com/kraklabs/scint"
)

func TestGithubOwnerRepoParsesHTTPSRemote(t *testing.T) {
	owner, repo, ok := githubOwnerRepo("https://github.com/ffi/ffi.git")
	if !ok || owner != "ffi" || repo != "ffi" {
		t.Fatalf("owner=%q repo=%q ok=%v", owner, repo, ok)
	}
}

func TestGithubOwnerRepoRejectsNonGitHubRemote(t *testing.T) {
	_, _, ok := githubOwnerRepo("https://gitlab.com/foo/bar.git")
	if ok {
		t.Fatal("expected a non-github.com remote to be rejected")
	}
}

func TestCheckReportsNewerTag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tags := []*github.RepositoryTag{
			{Name: github.String("v1.17.0"), Commit: &github.Commit{SHA: github.String("newsha")}},
			{Name: github.String("v1.16.0"), Commit: &github.Commit{SHA: github.String("oldsha")}},
		}
		json.NewEncoder(w).Encode(tags)
	}))
	defer srv.Close()

	gh := github.NewClient(nil)
	base, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	gh.BaseURL = base

	c := &Client{gh: gh}
	specs := []scint.ResolvedSpec{
		{Name: "ffi", Source: scint.Source{Kind: scint.SourceGit, GitURI: "https://github.com/ffi/ffi.git", Revision: "oldsha"}},
	}
	out, err := c.Check(context.Background(), specs)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].LatestRevision != "newsha" {
		t.Fatalf("out = %+v", out)
	}
}

func TestCheckSkipsUpToDateSpecs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tags := []*github.RepositoryTag{
			{Name: github.String("v1.17.0"), Commit: &github.Commit{SHA: github.String("newsha")}},
		}
		json.NewEncoder(w).Encode(tags)
	}))
	defer srv.Close()

	gh := github.NewClient(nil)
	base, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	gh.BaseURL = base

	c := &Client{gh: gh}
	specs := []scint.ResolvedSpec{
		{Name: "ffi", Source: scint.Source{Kind: scint.SourceGit, GitURI: "https://github.com/ffi/ffi.git", Revision: "newsha"}},
	}
	out, err := c.Check(context.Background(), specs)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Fatalf("out = %+v, want no outdated specs", out)
	}
}

func TestCheckSkipsNonGitSources(t *testing.T) {
	c := &Client{gh: github.NewClient(nil)}
	specs := []scint.ResolvedSpec{
		{Name: "rack", Source: scint.Source{Kind: scint.SourceRegistry}},
	}
	out, err := c.Check(context.Background(), specs)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Fatalf("out = %+v, want no outdated specs for a registry source", out)
	}
}
