package manifestfile

import (
	"testing"

	"github.com/kraklabs/scint"
)

const sample = `source "https://rubygems.org"

gem "rack", "~> 2.2"
gem "rake"

group :test do
  gem "rspec", "3.13.0"
end

gem "ffi", git: "https://github.com/ffi/ffi.git", branch: "main"
gem "local-tool", path: "../local-tool"
`

func TestParseSourcesAndPlainGems(t *testing.T) {
	m, err := Parse(sample)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Sources) != 1 || m.Sources[0].URI != "https://rubygems.org" {
		t.Fatalf("Sources = %+v", m.Sources)
	}
	if len(m.Dependencies) != 5 {
		t.Fatalf("len(Dependencies) = %d, want 5", len(m.Dependencies))
	}
	if m.Dependencies[0].Name != "rack" || m.Dependencies[0].VersionReqs[0] != "~> 2.2" {
		t.Fatalf("Dependencies[0] = %+v", m.Dependencies[0])
	}
}

func TestParseGroupAssignsGroupToGem(t *testing.T) {
	m, err := Parse(sample)
	if err != nil {
		t.Fatal(err)
	}
	var rspec *scint.Dependency
	for i := range m.Dependencies {
		if m.Dependencies[i].Name == "rspec" {
			rspec = &m.Dependencies[i]
		}
	}
	if rspec == nil {
		t.Fatal("rspec dependency not found")
	}
	if len(rspec.Groups) != 1 || rspec.Groups[0] != "test" {
		t.Fatalf("Groups = %v, want [test]", rspec.Groups)
	}
}

func TestParseGitSource(t *testing.T) {
	m, err := Parse(sample)
	if err != nil {
		t.Fatal(err)
	}
	var ffi *scint.Dependency
	for i := range m.Dependencies {
		if m.Dependencies[i].Name == "ffi" {
			ffi = &m.Dependencies[i]
		}
	}
	if ffi == nil {
		t.Fatal("ffi dependency not found")
	}
	if ffi.SourceOpts.Kind != scint.SourceOptsGit {
		t.Fatalf("SourceOpts.Kind = %v, want git", ffi.SourceOpts.Kind)
	}
	if ffi.SourceOpts.Git != "https://github.com/ffi/ffi.git" || ffi.SourceOpts.Branch != "main" {
		t.Fatalf("SourceOpts = %+v", ffi.SourceOpts)
	}
}

func TestParsePathSource(t *testing.T) {
	m, err := Parse(sample)
	if err != nil {
		t.Fatal(err)
	}
	var tool *scint.Dependency
	for i := range m.Dependencies {
		if m.Dependencies[i].Name == "local-tool" {
			tool = &m.Dependencies[i]
		}
	}
	if tool == nil {
		t.Fatal("local-tool dependency not found")
	}
	if tool.SourceOpts.Kind != scint.SourceOptsPath || tool.SourceOpts.Path != "../local-tool" {
		t.Fatalf("SourceOpts = %+v", tool.SourceOpts)
	}
}

func TestParseRejectsUnrecognizedLine(t *testing.T) {
	if _, err := Parse(`eval_gemfile "other"` + "\n"); err == nil {
		t.Fatal("expected an error for an unrecognized directive")
	}
}
