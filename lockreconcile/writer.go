package lockreconcile

import (
	"sort"
	"strings"

	"github.com/kraklabs/scint"
	"github.com/kraklabs/scint/internal/lockfile"
)

// WriteResult is what the writer decided for a successful install run.
type WriteResult struct {
	Lock     *lockfile.Lock
	Preserve bool // the prior lock was reused verbatim
}

// Write produces the new lockfile: given the newly resolved set, the
// manifest's inline source declarations, and the prior lock (if any),
// produce the new lockfile's specs and sources.
//
// If every resolved (name, version) is present in the prior lock, the
// prior lock's specs and sources are preserved verbatim; this is what
// keeps a warm, unchanged re-install byte-equal.
func Write(resolved []scint.ResolvedSpec, manifestSources map[string]scint.Source, prior *lockfile.Lock) WriteResult {
	if prior != nil && allPresentInLock(resolved, prior) {
		return WriteResult{Lock: prior, Preserve: true}
	}

	lock := &lockfile.Lock{}
	bySourceKey := make(map[string]*lockfile.GemRemote)
	byGitKey := make(map[string]*lockfile.Remote)
	byPathKey := make(map[string]*lockfile.Remote)
	var gitOrder, pathOrder, gemOrder []string
	platforms := map[string]bool{}

	for _, spec := range resolved {
		src := chooseSource(spec, manifestSources, prior)
		specLine := toSpecLine(spec)
		platforms[spec.Platform] = true

		switch src.Kind {
		case scint.SourceGit:
			key := src.NormalizedKey()
			r, ok := byGitKey[key]
			if !ok {
				r = &lockfile.Remote{Remote: normalizedGitRemote(src), Revision: src.Revision, Branch: src.Branch, Tag: src.Tag}
				byGitKey[key] = r
				gitOrder = append(gitOrder, key)
			}
			r.Specs = append(r.Specs, specLine)
		case scint.SourcePath:
			key := src.NormalizedKey()
			r, ok := byPathKey[key]
			if !ok {
				r = &lockfile.Remote{Remote: src.Path}
				byPathKey[key] = r
				pathOrder = append(pathOrder, key)
			}
			r.Specs = append(r.Specs, specLine)
		default:
			key := src.NormalizedKey()
			r, ok := bySourceKey[key]
			if !ok {
				remote := "https://rubygems.org"
				if len(src.Remotes) > 0 {
					remote = src.Remotes[0]
				}
				r = &lockfile.GemRemote{Remote: remote}
				bySourceKey[key] = r
				gemOrder = append(gemOrder, key)
			}
			r.Specs = append(r.Specs, specLine)
		}
	}

	for _, key := range gitOrder {
		lock.Git = append(lock.Git, *byGitKey[key])
	}
	for _, key := range pathOrder {
		lock.Path = append(lock.Path, *byPathKey[key])
	}
	for _, key := range gemOrder {
		lock.Gem = append(lock.Gem, *bySourceKey[key])
	}

	for p := range platforms {
		lock.Platforms = append(lock.Platforms, p)
	}
	sort.Strings(lock.Platforms)

	lock.Dependencies = dependencyLines(resolved, manifestSources)

	return WriteResult{Lock: lock, Preserve: false}
}

func allPresentInLock(resolved []scint.ResolvedSpec, lock *lockfile.Lock) bool {
	names := make(map[string]bool)
	forEachSpec(lock, func(s lockfile.SpecLine) {
		v, _ := splitVersionPlatform(s.Version)
		names[s.Name+"@"+v] = true
	})
	for _, spec := range resolved {
		if !names[spec.Name+"@"+spec.Version] {
			return false
		}
	}
	return true
}

// chooseSource implements the writer's source-preference order: (1) the
// prior lock's source for a spec of the same name, (2) the manifest's
// inline source declaration for that name, otherwise (3) the spec's own
// recorded source as is. No other candidate sources are searched by
// normalized key; sources are deduplicated by key only afterwards, in Write.
func chooseSource(spec scint.ResolvedSpec, manifestSources map[string]scint.Source, prior *lockfile.Lock) scint.Source {
	if prior != nil {
		if src, ok := priorSourceFor(prior, spec.Name); ok {
			return src
		}
	}
	if src, ok := manifestSources[spec.Name]; ok {
		return src
	}
	return spec.Source
}

func priorSourceFor(prior *lockfile.Lock, name string) (scint.Source, bool) {
	for _, r := range prior.Git {
		for _, s := range r.Specs {
			if s.Name == name {
				return scint.Source{Kind: scint.SourceGit, GitURI: r.Remote, Revision: r.Revision, Branch: r.Branch, Tag: r.Tag}, true
			}
		}
	}
	for _, r := range prior.Path {
		for _, s := range r.Specs {
			if s.Name == name {
				return scint.Source{Kind: scint.SourcePath, Path: r.Remote}, true
			}
		}
	}
	for _, r := range prior.Gem {
		for _, s := range r.Specs {
			if s.Name == name {
				return scint.Source{Kind: scint.SourceRegistry, Remotes: []string{r.Remote}}, true
			}
		}
	}
	return scint.Source{}, false
}

func normalizedGitRemote(src scint.Source) string {
	return src.GitURI
}

func toSpecLine(spec scint.ResolvedSpec) lockfile.SpecLine {
	version := spec.Version
	if spec.Platform != "" && spec.Platform != "ruby" {
		version = spec.Version + "-" + spec.Platform
	}
	line := lockfile.SpecLine{Name: spec.Name, Version: version}
	for _, d := range spec.Dependencies {
		line.Deps = append(line.Deps, lockfile.Dep{Name: d.Name, Reqs: strings.Join(d.Reqs, ", ")})
	}
	return line
}

func dependencyLines(resolved []scint.ResolvedSpec, manifestSources map[string]scint.Source) []lockfile.DependencyLine {
	names := make([]string, 0, len(resolved))
	pinned := make(map[string]bool)
	for _, spec := range resolved {
		names = append(names, spec.Name)
		if src, ok := manifestSources[spec.Name]; ok && (src.Kind == scint.SourceGit || src.Kind == scint.SourcePath) {
			pinned[spec.Name] = true
		}
	}
	sort.Strings(names)
	out := make([]lockfile.DependencyLine, 0, len(names))
	for _, n := range names {
		out = append(out, lockfile.DependencyLine{Name: n, Pinned: pinned[n]})
	}
	return out
}
