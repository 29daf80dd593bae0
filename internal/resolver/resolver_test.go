package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/kraklabs/scint"
)

type fakeIndex struct {
	entries map[string][]IndexEntry
}

func (f fakeIndex) Versions(ctx context.Context, name string) ([]IndexEntry, error) {
	return f.entries[name], nil
}

func TestResolvePicksHighestSatisfyingVersion(t *testing.T) {
	idx := fakeIndex{entries: map[string][]IndexEntry{
		"rack": {{Version: "2.1.0"}, {Version: "2.2.8"}, {Version: "3.0.0"}},
	}}
	p := NewProvider(map[string]IndexClient{"https://registry": idx}, "https://registry")

	resolved, err := Resolve(context.Background(), []scint.Dependency{
		{Name: "rack", VersionReqs: []string{"~> 2.2"}},
	}, p, "ruby")
	if err != nil {
		t.Fatal(err)
	}
	if len(resolved) != 1 || resolved[0].Version != "2.2.8" {
		t.Fatalf("resolved = %+v, want rack 2.2.8", resolved)
	}
}

func TestResolveWalksTransitiveDependencies(t *testing.T) {
	idx := fakeIndex{entries: map[string][]IndexEntry{
		"ffi": {{Version: "1.17.0", Dependencies: []scint.SpecDependency{{Name: "dep", Reqs: []string{">= 1.0"}}}}},
		"dep": {{Version: "1.0.0"}, {Version: "0.9.0"}},
	}}
	p := NewProvider(map[string]IndexClient{"https://registry": idx}, "https://registry")

	resolved, err := Resolve(context.Background(), []scint.Dependency{
		{Name: "ffi"},
	}, p, "ruby")
	if err != nil {
		t.Fatal(err)
	}
	if len(resolved) != 2 {
		t.Fatalf("resolved = %+v, want 2 specs", resolved)
	}
	names := map[string]string{}
	for _, r := range resolved {
		names[r.Name] = r.Version
	}
	if names["ffi"] != "1.17.0" || names["dep"] != "1.0.0" {
		t.Fatalf("names = %v", names)
	}
}

func TestResolveFailsWhenNoCandidateSatisfies(t *testing.T) {
	idx := fakeIndex{entries: map[string][]IndexEntry{
		"rack": {{Version: "1.0.0"}},
	}}
	p := NewProvider(map[string]IndexClient{"https://registry": idx}, "https://registry")

	_, err := Resolve(context.Background(), []scint.Dependency{
		{Name: "rack", VersionReqs: []string{">= 2.0"}},
	}, p, "ruby")
	if err == nil {
		t.Fatal("expected a resolve error")
	}
	var scErr *scint.Error
	if !errors.As(err, &scErr) {
		t.Fatalf("error is not *scint.Error: %v", err)
	}
	if scErr.Kind != scint.ErrResolve {
		t.Fatalf("Kind = %v, want ErrResolve", scErr.Kind)
	}
}

func TestPathGemBypassesIndex(t *testing.T) {
	p := NewProvider(nil, "")
	p.SetPathGem("local-tool", PathGemInfo{Version: "0.1.0"}, scint.Source{Kind: scint.SourcePath, Path: "/work/local-tool"})

	resolved, err := Resolve(context.Background(), []scint.Dependency{{Name: "local-tool"}}, p, "ruby")
	if err != nil {
		t.Fatal(err)
	}
	if len(resolved) != 1 || resolved[0].Version != "0.1.0" || resolved[0].Source.Kind != scint.SourcePath {
		t.Fatalf("resolved = %+v", resolved)
	}
}

func TestTildeGreaterThanOperatorRespectsUpperBound(t *testing.T) {
	req := ParseRequirement("~> 2.2")
	if !req.Satisfies("2.2.8") {
		t.Fatal("2.2.8 should satisfy ~> 2.2")
	}
	if !req.Satisfies("2.9.9") {
		t.Fatal("2.9.9 should satisfy ~> 2.2")
	}
	if req.Satisfies("3.0.0") {
		t.Fatal("3.0.0 should not satisfy ~> 2.2")
	}
	if req.Satisfies("2.1.0") {
		t.Fatal("2.1.0 should not satisfy ~> 2.2")
	}
}
