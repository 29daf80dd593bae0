package main

import (
	"testing"

	"golang.org/x/xerrors"

	"github.com/kraklabs/scint"
	"github.com/kraklabs/scint/internal/manifestfile"
	"github.com/kraklabs/scint/schedule"
)

func TestAdjustMetaGemsInjectsSelfSpecFirst(t *testing.T) {
	resolved := []scint.ResolvedSpec{
		{Name: "rack", Version: "2.2.8", Platform: "ruby"},
	}
	out := adjustMetaGems(resolved)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[0].Name != "bundler" || out[0].Source.Kind != scint.SourceBuiltin {
		t.Fatalf("out[0] = %+v, want the builtin self-spec", out[0])
	}
}

func TestAdjustMetaGemsSelfSpecWinsNameCollision(t *testing.T) {
	resolved := []scint.ResolvedSpec{
		{Name: "bundler", Version: "1.0.0", Platform: "ruby", Source: scint.Source{Kind: scint.SourceRegistry}},
		{Name: "rake", Version: "13.2.1", Platform: "ruby"},
	}
	out := adjustMetaGems(resolved)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2 (resolver's bundler dropped)", len(out))
	}
	if out[0].Version != selfVersion || out[0].Source.Kind != scint.SourceBuiltin {
		t.Fatalf("out[0] = %+v, want the builtin self-spec", out[0])
	}
}

func TestAdjustMetaGemsDeduplicatesByKey(t *testing.T) {
	resolved := []scint.ResolvedSpec{
		{Name: "rack", Version: "2.2.8", Platform: "ruby"},
		{Name: "rack", Version: "2.2.8", Platform: "ruby"},
		{Name: "rack", Version: "2.2.8", Platform: "x86_64-linux"},
	}
	out := adjustMetaGems(resolved)
	if len(out) != 3 {
		t.Fatalf("len = %d, want 3 (self + two distinct platform variants)", len(out))
	}
}

func TestSourcesByNameBuildsGitSource(t *testing.T) {
	m := &manifestfile.Manifest{
		Dependencies: []scint.Dependency{
			{Name: "rails", SourceOpts: scint.SourceOpts{
				Kind:   scint.SourceOptsGit,
				Git:    "https://github.com/rails/rails.git",
				Branch: "main",
			}},
			{Name: "rack", SourceOpts: scint.SourceOpts{}},
		},
	}
	sources := sourcesByName(m, defaultRegistry)
	src, ok := sources["rails"]
	if !ok {
		t.Fatal("rails missing from sources")
	}
	if src.Kind != scint.SourceGit || src.GitURI != "https://github.com/rails/rails.git" || src.Branch != "main" {
		t.Fatalf("src = %+v", src)
	}
	if _, ok := sources["rack"]; ok {
		t.Fatal("default-source dependency must not appear in the map")
	}
}

func TestFirstErrorKeepsTypedStatus(t *testing.T) {
	typed := scint.NewError(scint.ErrNetwork, "downloading", nil)
	errs := []schedule.JobError{{Name: "download:rack-2.2.8", Type: schedule.Download, Err: typed}}
	got := firstError(errs)
	var out *scint.Error
	if !xerrors.As(got, &out) || out.Kind != scint.ErrNetwork {
		t.Fatalf("firstError = %v, want the typed network error", got)
	}
	if exitCode(got) != int(scint.ErrNetwork) {
		t.Fatalf("exitCode = %d, want %d", exitCode(got), int(scint.ErrNetwork))
	}
}
