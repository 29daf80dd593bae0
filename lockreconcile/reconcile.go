// Package lockreconcile implements the Lockfile Reconciler: it
// decides whether a prior lock can be reused as-is, projects a lock into a
// resolved set, and writes a new lock that preserves as much of the prior
// one as the reuse rules allow.
package lockreconcile

import (
	"context"
	"strings"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/kraklabs/scint"
	"github.com/kraklabs/scint/internal/lockfile"
	"github.com/kraklabs/scint/internal/resolver"
)

// GitRepoChecker answers whether a git-sourced lock spec's cached repo
// still contains a gemspec for that name at the locked revision.
type GitRepoChecker interface {
	HasGemspecAtRevision(remote, revision, name string) bool
}

// CanReuse decides whether the prior lock can be trusted without
// re-resolving; all three conditions must hold.
func CanReuse(manifestDeps []scint.Dependency, platform string, lock *lockfile.Lock, gitChecker GitRepoChecker) bool {
	if lock == nil {
		return false
	}
	return depsPresentInLock(manifestDeps, platform, lock) &&
		lockGraphSelfConsistent(lock) &&
		gitSpecsReachable(lock, gitChecker)
}

// depsPresentInLock implements condition 1: every manifest dependency
// relevant to platform appears by name somewhere in the lock's specs.
func depsPresentInLock(manifestDeps []scint.Dependency, platform string, lock *lockfile.Lock) bool {
	names := lockSpecNames(lock)
	for _, d := range manifestDeps {
		if !platformApplies(d.Platforms, platform) {
			continue
		}
		if !names[d.Name] {
			return false
		}
	}
	return true
}

func platformApplies(restrictions []string, local string) bool {
	if len(restrictions) == 0 {
		return true
	}
	for _, r := range restrictions {
		if r == local {
			return true
		}
	}
	return false
}

func lockSpecNames(lock *lockfile.Lock) map[string]bool {
	names := make(map[string]bool)
	for _, r := range lock.Gem {
		for _, s := range r.Specs {
			names[s.Name] = true
		}
	}
	for _, r := range lock.Git {
		for _, s := range r.Specs {
			names[s.Name] = true
		}
	}
	for _, r := range lock.Path {
		for _, s := range r.Specs {
			names[s.Name] = true
		}
	}
	return names
}

// lockGraphSelfConsistent implements condition 2: every dep edge of every
// lock spec resolves to another lock spec whose version satisfies the
// recorded requirement.
func lockGraphSelfConsistent(lock *lockfile.Lock) bool {
	g := simple.NewDirectedGraph()
	type node struct {
		id      int64
		name    string
		version string
	}
	byName := make(map[string]*node)
	var nextID int64
	nodeFor := func(name, version string) *node {
		if n, ok := byName[name]; ok {
			return n
		}
		n := &node{id: nextID, name: name, version: version}
		nextID++
		byName[name] = n
		g.AddNode(gnode{n.id})
		return n
	}

	forEachSpec(lock, func(s lockfile.SpecLine) {
		nodeFor(s.Name, s.Version)
	})

	ok := true
	forEachSpec(lock, func(s lockfile.SpecLine) {
		from := nodeFor(s.Name, s.Version)
		for _, dep := range s.Deps {
			to, known := byName[dep.Name]
			if !known {
				if isBundlerOnly(dep.Name) {
					continue
				}
				ok = false
				continue
			}
			if dep.Reqs != "" {
				if !resolver.ParseRequirement(dep.Reqs).Satisfies(to.version) {
					ok = false
					continue
				}
			}
			if from.id != to.id {
				g.SetEdge(g.NewEdge(gnode{from.id}, gnode{to.id}))
			}
		}
	})
	if !ok {
		return false
	}
	// A dependency cycle in the lock is treated as inconsistent; falling
	// back to a full resolve is the conservative outcome.
	if _, err := topo.Sort(g); err != nil {
		return false
	}
	return true
}

type gnode struct{ id int64 }

func (n gnode) ID() int64 { return n.id }

func forEachSpec(lock *lockfile.Lock, fn func(lockfile.SpecLine)) {
	for _, r := range lock.Gem {
		for _, s := range r.Specs {
			fn(s)
		}
	}
	for _, r := range lock.Git {
		for _, s := range r.Specs {
			fn(s)
		}
	}
	for _, r := range lock.Path {
		for _, s := range r.Specs {
			fn(s)
		}
	}
}

// isBundlerOnly reports whether a dependency name is one of bundler's own
// implicit deps, exempt from the self-consistency check.
func isBundlerOnly(name string) bool {
	return name == "bundler"
}

// gitSpecsReachable implements condition 3: for every git-sourced lock
// spec, the cached repo exists and contains a gemspec for that name at
// the locked revision.
func gitSpecsReachable(lock *lockfile.Lock, checker GitRepoChecker) bool {
	if checker == nil {
		return len(lock.Git) == 0
	}
	for _, r := range lock.Git {
		for _, s := range r.Specs {
			if !checker.HasGemspecAtRevision(r.Remote, r.Revision, s.Name) {
				return false
			}
		}
	}
	return true
}

// Project turns a lockfile into a resolved set: group lock specs by
// (name, version), pick one platform variant per
// group by preference order, then optionally upgrade a ruby-platform
// registry spec if a better local match exists.
func Project(ctx context.Context, lock *lockfile.Lock, localPlatform string, upgrader PlatformUpgrader) ([]scint.ResolvedSpec, error) {
	type key struct{ name, version string }
	groups := make(map[key][]projectedVariant)
	var order []key

	collect := func(specs []lockfile.SpecLine, src scint.Source) {
		for _, s := range specs {
			version, platform := splitVersionPlatform(s.Version)
			k := key{name: s.Name, version: version}
			if _, seen := groups[k]; !seen {
				order = append(order, k)
			}
			groups[k] = append(groups[k], projectedVariant{spec: s, source: src, version: version, platform: platform})
		}
	}
	for _, r := range lock.Gem {
		collect(r.Specs, scint.Source{Kind: scint.SourceRegistry, Remotes: []string{r.Remote}})
	}
	for _, r := range lock.Git {
		collect(r.Specs, scint.Source{Kind: scint.SourceGit, GitURI: r.Remote, Revision: r.Revision, Branch: r.Branch, Tag: r.Tag})
	}
	for _, r := range lock.Path {
		collect(r.Specs, scint.Source{Kind: scint.SourcePath, Path: r.Remote})
	}

	out := make([]scint.ResolvedSpec, 0, len(order))
	for _, k := range order {
		variants := groups[k]
		chosen := pickPreferredVariant(variants, localPlatform)
		spec := scint.ResolvedSpec{
			Name:     chosen.spec.Name,
			Version:  chosen.version,
			Platform: chosen.platform,
			Source:   chosen.source,
		}
		for _, d := range chosen.spec.Deps {
			spec.Dependencies = append(spec.Dependencies, scint.SpecDependency{Name: d.Name, Reqs: splitReqs(d.Reqs)})
		}

		if spec.Platform == "ruby" && spec.Source.Kind == scint.SourceRegistry && upgrader != nil {
			if better, ok := upgrader.BestCompatiblePlatform(ctx, spec.Name, spec.Version, localPlatform); ok {
				spec.Platform = better
			}
		}
		out = append(out, spec)
	}
	return out, nil
}

type projectedVariant struct {
	spec     lockfile.SpecLine
	source   scint.Source
	version  string
	platform string
}

// splitVersionPlatform splits a lock spec version like "1.16.0-x86_64-linux"
// into its numeric version and platform triple, the way bundler encodes a
// non-ruby platform variant inline with the version: the split is at the
// first '-'. A version with no '-' is "ruby".
func splitVersionPlatform(v string) (version, platform string) {
	idx := strings.IndexFunc(v, func(r rune) bool { return r == '-' })
	if idx == -1 {
		return v, "ruby"
	}
	numeric, suffix := v[:idx], v[idx+1:]
	if suffix == "" {
		return v, "ruby"
	}
	return numeric, suffix
}

// PlatformUpgrader re-queries a registry index for a better local match
// when a projected spec is still platform "ruby". Swallow
// network errors at the call site and keep the original platform.
type PlatformUpgrader interface {
	BestCompatiblePlatform(ctx context.Context, name, version, localPlatform string) (string, bool)
}

// pickPreferredVariant picks by preference order: exact local match >
// compatible match (treated here as any non-ruby match, since full
// platform-compatibility tables are out of scope) > ruby > first.
func pickPreferredVariant(variants []projectedVariant, localPlatform string) projectedVariant {
	for _, v := range variants {
		if v.platform == localPlatform {
			return v
		}
	}
	for _, v := range variants {
		if v.platform != "ruby" {
			return v
		}
	}
	for _, v := range variants {
		if v.platform == "ruby" {
			return v
		}
	}
	return variants[0]
}

func splitReqs(reqs string) []string {
	if reqs == "" {
		return nil
	}
	return []string{reqs}
}
