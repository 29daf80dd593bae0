package lockfile

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

const sample = `GEM
  remote: https://rubygems.org/
  specs:
    rack (2.2.8)
    rake (13.2.1)

PLATFORMS
  ruby
  x86_64-linux

DEPENDENCIES
  rack
  rake

RUBY VERSION
   ruby 3.3.0p0

BUNDLED WITH
   2.5.6
`

func TestParseThenStringRoundTrips(t *testing.T) {
	lock, err := Parse(sample)
	if err != nil {
		t.Fatal(err)
	}
	if got := lock.String(); got != sample {
		t.Fatalf("round trip mismatch:\ngot:\n%s\nwant:\n%s", got, sample)
	}
}

func TestParseGemSection(t *testing.T) {
	lock, err := Parse(sample)
	if err != nil {
		t.Fatal(err)
	}
	want := []SpecLine{
		{Name: "rack", Version: "2.2.8"},
		{Name: "rake", Version: "13.2.1"},
	}
	if diff := cmp.Diff(want, lock.Gem[0].Specs); diff != "" {
		t.Errorf("Gem[0].Specs mismatch (-want +got):\n%s", diff)
	}
}

func TestParsePlatformsSortedOnWrite(t *testing.T) {
	lock := &Lock{
		Platforms:    []string{"x86_64-linux", "ruby", "arm64-darwin"},
		Dependencies: []DependencyLine{{Name: "rack"}},
	}
	out := lock.String()
	reparsed, err := Parse(out)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"arm64-darwin", "ruby", "x86_64-linux"}
	if diff := cmp.Diff(want, reparsed.Platforms); diff != "" {
		t.Errorf("Platforms mismatch (-want +got):\n%s", diff)
	}
}

const gitSample = `GIT
  remote: https://github.com/example/dep.git
  revision: abc123
  branch: main
  specs:
    dep (1.0.0)
      ast (>= 2.0)

DEPENDENCIES
  dep!
`

func TestParseGitSectionWithPinnedDependency(t *testing.T) {
	lock, err := Parse(gitSample)
	if err != nil {
		t.Fatal(err)
	}
	if len(lock.Git) != 1 || lock.Git[0].Revision != "abc123" || lock.Git[0].Branch != "main" {
		t.Fatalf("Git[0] = %+v", lock.Git)
	}
	if len(lock.Git[0].Specs) != 1 || len(lock.Git[0].Specs[0].Deps) != 1 {
		t.Fatalf("Specs = %+v", lock.Git[0].Specs)
	}
	if !lock.Dependencies[0].Pinned {
		t.Fatal("expected dep to be pinned (git source)")
	}
	if got := lock.String(); got != gitSample {
		t.Fatalf("round trip mismatch:\ngot:\n%s\nwant:\n%s", got, gitSample)
	}
}
