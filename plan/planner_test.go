package plan

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kraklabs/scint"
	"github.com/kraklabs/scint/cache"
)

func mustPrefix(t *testing.T) Prefix {
	t.Helper()
	return Prefix{Dir: t.TempDir(), RubyVersion: "3.3.0"}
}

func TestPlanBuiltinWinsOverEverything(t *testing.T) {
	prefix := mustPrefix(t)
	root := cache.Root{Dir: t.TempDir()}
	spec := scint.ResolvedSpec{Name: "rubygems-update", Version: "3.5.0", Platform: "ruby"}

	entries, err := Plan(context.Background(), []scint.ResolvedSpec{spec}, prefix, root, "amd64", BuiltinNames{"rubygems-update": true}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []scint.PlanEntry{{Spec: spec, Action: scint.ActionBuiltin}}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Errorf("Plan() mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanSkipWhenAlreadyInstalled(t *testing.T) {
	prefix := mustPrefix(t)
	root := cache.Root{Dir: t.TempDir()}
	spec := scint.ResolvedSpec{Name: "rack", Version: "2.2.8", Platform: "ruby"}

	if err := os.MkdirAll(prefix.SpecificationsDir(), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(prefix.installedSpecPath(spec), []byte(""), 0644); err != nil {
		t.Fatal(err)
	}

	entries, err := Plan(context.Background(), []scint.ResolvedSpec{spec}, prefix, root, "amd64", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].Action != scint.ActionSkip {
		t.Fatalf("Action = %v, want skip", entries[0].Action)
	}
	if entries[0].GemPath != prefix.installedGemDir(spec) {
		t.Fatalf("GemPath = %q, want %q", entries[0].GemPath, prefix.installedGemDir(spec))
	}
}

func TestPlanLinkWhenCachedAndNoExtensions(t *testing.T) {
	prefix := mustPrefix(t)
	root := cache.Root{Dir: t.TempDir()}
	spec := scint.ResolvedSpec{Name: "rack", Version: "2.2.8", Platform: "ruby"}

	cachedPath, err := root.CachedPath("amd64", spec)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(cachedPath, 0755); err != nil {
		t.Fatal(err)
	}

	entries, err := Plan(context.Background(), []scint.ResolvedSpec{spec}, prefix, root, "amd64", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].Action != scint.ActionLink {
		t.Fatalf("Action = %v, want link", entries[0].Action)
	}
	if entries[0].CachedPath != cachedPath {
		t.Fatalf("CachedPath = %q, want %q", entries[0].CachedPath, cachedPath)
	}
}

type fakeExtChecker struct{ present bool }

func (f fakeExtChecker) Present(string, scint.ResolvedSpec) bool { return f.present }

type fakeValidator struct{ valid bool }

func (f fakeValidator) CacheValid(context.Context, scint.ResolvedSpec, string) bool { return f.valid }

func TestPlanRedownloadsStaleGitCachedTree(t *testing.T) {
	prefix := mustPrefix(t)
	root := cache.Root{Dir: t.TempDir()}
	spec := scint.ResolvedSpec{
		Name:     "rails",
		Version:  "7.1.0",
		Platform: "ruby",
		Source:   scint.Source{Kind: scint.SourceGit, GitURI: "https://github.com/rails/rails.git", Branch: "main"},
	}

	// The cached tree exists, but it was materialized from a commit the
	// branch has since moved past.
	cachedPath, err := root.CachedPath("amd64", spec)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(cachedPath, 0755); err != nil {
		t.Fatal(err)
	}

	entries, err := Plan(context.Background(), []scint.ResolvedSpec{spec}, prefix, root, "amd64", nil, nil, fakeValidator{valid: false})
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].Action != scint.ActionDownload {
		t.Fatalf("Action = %v, want download for a stale git cached tree", entries[0].Action)
	}

	entries, err = Plan(context.Background(), []scint.ResolvedSpec{spec}, prefix, root, "amd64", nil, nil, fakeValidator{valid: true})
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].Action != scint.ActionLink {
		t.Fatalf("Action = %v, want link when the revision marker is current", entries[0].Action)
	}
}

func TestPlanBuildExtWhenCachedButExtensionMissing(t *testing.T) {
	prefix := mustPrefix(t)
	root := cache.Root{Dir: t.TempDir()}
	spec := scint.ResolvedSpec{Name: "nokogiri", Version: "1.16.0", Platform: "ruby", HasExtensions: true}

	cachedPath, err := root.CachedPath("amd64", spec)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(cachedPath, 0755); err != nil {
		t.Fatal(err)
	}

	entries, err := Plan(context.Background(), []scint.ResolvedSpec{spec}, prefix, root, "amd64", nil, fakeExtChecker{present: false}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].Action != scint.ActionBuildExt {
		t.Fatalf("Action = %v, want build_ext", entries[0].Action)
	}
}

func TestPlanDownloadWhenNothingCached(t *testing.T) {
	prefix := mustPrefix(t)
	root := cache.Root{Dir: t.TempDir()}
	spec := scint.ResolvedSpec{Name: "json", Version: "2.7.1", Platform: "ruby"}

	entries, err := Plan(context.Background(), []scint.ResolvedSpec{spec}, prefix, root, "amd64", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].Action != scint.ActionDownload {
		t.Fatalf("Action = %v, want download", entries[0].Action)
	}
}

func TestPlanPreservesInputOrder(t *testing.T) {
	prefix := mustPrefix(t)
	root := cache.Root{Dir: t.TempDir()}
	specs := []scint.ResolvedSpec{
		{Name: "zeitwerk", Version: "2.6.0", Platform: "ruby"},
		{Name: "ast", Version: "2.4.2", Platform: "ruby"},
		{Name: "rack", Version: "2.2.8", Platform: "ruby"},
	}

	entries, err := Plan(context.Background(), specs, prefix, root, "amd64", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i, e := range entries {
		if e.Spec.Name != specs[i].Name {
			t.Fatalf("entries[%d].Spec.Name = %q, want %q", i, e.Spec.Name, specs[i].Name)
		}
	}
}

func TestPrefixLayout(t *testing.T) {
	prefix := Prefix{Dir: "/opt/app", RubyVersion: "3.3.0"}
	want := filepath.Join("/opt/app", "ruby", "3.3.0", "gems")
	if got := prefix.GemsDir(); got != want {
		t.Fatalf("GemsDir() = %q, want %q", got, want)
	}
}
