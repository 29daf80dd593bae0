// Package plan implements the installer's Planner: it diffs
// the resolved set against installed state and cache state and emits the
// minimal action set, without mutating anything.
package plan

import (
	"context"
	"path/filepath"

	"github.com/kraklabs/scint"
	"github.com/kraklabs/scint/cache"
)

// Prefix is the per-project install prefix.
type Prefix struct {
	Dir         string
	RubyVersion string // e.g. "3.3.0", used for the ruby/<x.y.0> path component
}

func (p Prefix) rubyDir() string {
	return filepath.Join(p.Dir, "ruby", p.RubyVersion)
}

func (p Prefix) GemsDir() string          { return filepath.Join(p.rubyDir(), "gems") }
func (p Prefix) SpecificationsDir() string { return filepath.Join(p.rubyDir(), "specifications") }
func (p Prefix) ExtensionsDir() string    { return filepath.Join(p.rubyDir(), "extensions") }
func (p Prefix) BinDir() string           { return filepath.Join(p.rubyDir(), "bin") }

func (p Prefix) installedSpecPath(spec scint.ResolvedSpec) string {
	return p.InstalledSpecPath(spec)
}

func (p Prefix) installedGemDir(spec scint.ResolvedSpec) string {
	return p.InstalledGemDir(spec)
}

// InstalledSpecPath is the prefix's specifications/<full-name>.gemspec path.
func (p Prefix) InstalledSpecPath(spec scint.ResolvedSpec) string {
	return filepath.Join(p.SpecificationsDir(), spec.FullName()+".gemspec")
}

// InstalledGemDir is the prefix's gems/<full-name>/ path.
func (p Prefix) InstalledGemDir(spec scint.ResolvedSpec) string {
	return filepath.Join(p.GemsDir(), spec.FullName())
}

// ExtArtifactChecker reports, through Present, whether a compiled extension
// artifact exists for spec, under extensions/<arch>/<api>/<full-name>/.
type ExtArtifactChecker interface {
	Present(prefixOrCache string, spec scint.ResolvedSpec) bool
}

// CacheValidator decides whether an existing cached tree may be linked
// as-is. The cache keys trees by full-name only, so a git-sourced tree
// materialized from an older commit is indistinguishable by path from a
// current one; the validator is where that revision check lives. A nil
// validator treats directory existence as validity.
type CacheValidator interface {
	CacheValid(ctx context.Context, spec scint.ResolvedSpec, cachedPath string) bool
}

// BuiltinNames is the set of self-install package names.
type BuiltinNames map[string]bool

// Plan computes one PlanEntry per resolved spec, preserving input order.
// The planner never mutates state.
//
// Note: when a gem is present in the prefix with a matching spec file,
// rule 2 treats that as sufficient for `skip` even if the installed
// gemspec's require_paths contain now-invalid absolute entries;
// runtimeconfig separately re-reads the gemspec and may disagree.
func Plan(ctx context.Context, resolved []scint.ResolvedSpec, prefix Prefix, root cache.Root, abi string, builtins BuiltinNames, extChecker ExtArtifactChecker, validator CacheValidator) ([]scint.PlanEntry, error) {
	entries := make([]scint.PlanEntry, 0, len(resolved))
	for _, spec := range resolved {
		entry, err := planOne(ctx, spec, prefix, root, abi, builtins, extChecker, validator)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func planOne(ctx context.Context, spec scint.ResolvedSpec, prefix Prefix, root cache.Root, abi string, builtins BuiltinNames, extChecker ExtArtifactChecker, validator CacheValidator) (scint.PlanEntry, error) {
	// Rule 1: a builtin name wins unconditionally; the synthetic self-spec
	// takes precedence over a same-named resolver output.
	if builtins[spec.Name] {
		return scint.PlanEntry{Spec: spec, Action: scint.ActionBuiltin}, nil
	}

	installedSpecFile := prefix.installedSpecPath(spec)
	extOK := !spec.HasExtensions || extChecker == nil || extChecker.Present(prefix.ExtensionsDir(), spec)

	// Rule 2: already installed in the prefix.
	if cache.Exists(installedSpecFile) && extOK {
		return scint.PlanEntry{Spec: spec, Action: scint.ActionSkip, GemPath: prefix.installedGemDir(spec)}, nil
	}

	cachedPath, err := root.CachedPath(abi, spec)
	if err != nil {
		return scint.PlanEntry{}, err
	}
	cachedValid := cache.Exists(cachedPath)
	if cachedValid && validator != nil {
		// A stale tree (e.g. a git source whose branch tip moved past the
		// recorded revision marker) falls through to rule 5 and is
		// re-materialized.
		cachedValid = validator.CacheValid(ctx, spec, cachedPath)
	}

	// Rule 3: cache has a valid tree and the extension (if any) is built.
	if cachedValid && extOK {
		return scint.PlanEntry{Spec: spec, Action: scint.ActionLink, CachedPath: cachedPath}, nil
	}

	// Rule 4: cache has the tree, but the extension still needs building.
	if cachedValid && spec.HasExtensions {
		return scint.PlanEntry{Spec: spec, Action: scint.ActionBuildExt, CachedPath: cachedPath}, nil
	}

	// Rule 5: otherwise, download.
	return scint.PlanEntry{Spec: spec, Action: scint.ActionDownload}, nil
}
