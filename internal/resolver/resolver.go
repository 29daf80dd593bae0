// Package resolver implements the minimal resolver the installer falls
// back to when the lock cannot be reused: a
// Provider abstracts "where do candidate versions for a name come from"
// (registry index, inline source, local path gem), and Resolve walks the
// dependency graph picking, at each name, the highest candidate version
// that satisfies every requirement accumulated against it so far.
package resolver

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/kraklabs/scint"
)

// IndexEntry is one version listing returned by a compact-index client.
type IndexEntry struct {
	Version       string
	Platform      string
	Dependencies  []scint.SpecDependency
	HasExtensions bool
	Checksum      string
}

// IndexClient queries a single registry for a gem's available versions.
type IndexClient interface {
	Versions(ctx context.Context, name string) ([]IndexEntry, error)
}

// PathGemInfo is the version/deps pair read from a local or git-extracted
// gemspec, used for Path and Git dependencies where there is no index.
type PathGemInfo struct {
	Version       string
	Dependencies  []scint.SpecDependency
	HasExtensions bool
}

// Provider supplies resolution candidates for a dependency: one index
// client per unique registry URI, a name→source map for inline sources,
// and a name→PathGemInfo map for path/git gems.
type Provider struct {
	indexByRegistry map[string]IndexClient
	defaultRegistry string
	inlineSource    map[string]string // dependency name -> registry URI
	pathGems        map[string]PathGemInfo
	sourceOverride  map[string]scint.Source // dependency name -> concrete Source (git/path)
}

// NewProvider constructs a Provider. indexByRegistry maps a registry URI
// to the client that serves it; defaultRegistry is used for dependencies
// without an explicit inline source.
func NewProvider(indexByRegistry map[string]IndexClient, defaultRegistry string) *Provider {
	return &Provider{
		indexByRegistry: indexByRegistry,
		defaultRegistry: defaultRegistry,
		inlineSource:    make(map[string]string),
		pathGems:        make(map[string]PathGemInfo),
		sourceOverride:  make(map[string]scint.Source),
	}
}

// SetInlineSource pins name to a specific registry URI (the manifest's
// `source:` dependency option).
func (p *Provider) SetInlineSource(name, registryURI string) {
	p.inlineSource[name] = registryURI
}

// SetPathGem registers a path- or git-sourced dependency's locally-known
// version and dependency list, bypassing the index entirely.
func (p *Provider) SetPathGem(name string, info PathGemInfo, src scint.Source) {
	p.pathGems[name] = info
	p.sourceOverride[name] = src
}

func (p *Provider) registryFor(name string) string {
	if uri, ok := p.inlineSource[name]; ok {
		return uri
	}
	return p.defaultRegistry
}

// candidates returns every version the provider knows about for name,
// along with the source those versions come from.
func (p *Provider) candidates(ctx context.Context, name string) ([]IndexEntry, scint.Source, error) {
	if info, ok := p.pathGems[name]; ok {
		return []IndexEntry{{Version: info.Version, Platform: "ruby", Dependencies: info.Dependencies, HasExtensions: info.HasExtensions}}, p.sourceOverride[name], nil
	}
	registryURI := p.registryFor(name)
	client, ok := p.indexByRegistry[registryURI]
	if !ok {
		return nil, scint.Source{}, xerrors.Errorf("resolver: no index client for registry %q (dependency %q)", registryURI, name)
	}
	entries, err := client.Versions(ctx, name)
	if err != nil {
		return nil, scint.Source{}, err
	}
	return entries, scint.Source{Kind: scint.SourceRegistry, Remotes: []string{registryURI}}, nil
}

// pendingDep is one not-yet-resolved requirement on a name.
type pendingDep struct {
	name string
	reqs []Requirement
}

// Resolve walks the dependency graph breadth-first from deps, resolving
// each name to the highest version satisfying every accumulated
// requirement, and returns the flattened, deduplicated resolved set. It
// returns an Install-taxonomy Resolve error when no candidate satisfies
// the accumulated requirements for some name.
func Resolve(ctx context.Context, deps []scint.Dependency, provider *Provider, platform string) ([]scint.ResolvedSpec, error) {
	reqsByName := make(map[string][]Requirement)
	order := []string{}
	queue := []pendingDep{}

	addReqs := func(name string, reqs []Requirement) {
		if _, seen := reqsByName[name]; !seen {
			order = append(order, name)
		}
		reqsByName[name] = append(reqsByName[name], reqs...)
	}

	for _, d := range deps {
		reqs := make([]Requirement, 0, len(d.VersionReqs))
		for _, r := range d.VersionReqs {
			reqs = append(reqs, ParseRequirement(r))
		}
		addReqs(d.Name, reqs)
		queue = append(queue, pendingDep{name: d.Name, reqs: reqs})
	}

	resolved := make(map[string]scint.ResolvedSpec)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, done := resolved[cur.name]; done {
			continue
		}

		entries, src, err := provider.candidates(ctx, cur.name)
		if err != nil {
			return nil, scint.NewError(scint.ErrResolve, "resolve "+cur.name, err)
		}

		versions := make([]string, 0, len(entries))
		byVersion := make(map[string]IndexEntry, len(entries))
		for _, e := range entries {
			versions = append(versions, e.Version)
			byVersion[e.Version] = e
		}

		best, ok := Best(versions, reqsByName[cur.name])
		if !ok {
			return nil, scint.NewError(scint.ErrResolve, "no version of "+cur.name+" satisfies the recorded requirements", nil)
		}
		entry := byVersion[best]

		spec := scint.ResolvedSpec{
			Name:          cur.name,
			Version:       entry.Version,
			Platform:      platformFor(entry.Platform, platform),
			Dependencies:  entry.Dependencies,
			Source:        src,
			HasExtensions: entry.HasExtensions,
			Checksum:      entry.Checksum,
		}
		resolved[cur.name] = spec

		for _, dep := range entry.Dependencies {
			reqs := []Requirement{}
			for _, r := range dep.Reqs {
				reqs = append(reqs, ParseRequirement(r))
			}
			addReqs(dep.Name, reqs)
			queue = append(queue, pendingDep{name: dep.Name, reqs: reqs})
		}
	}

	out := make([]scint.ResolvedSpec, 0, len(order))
	for _, name := range order {
		if spec, ok := resolved[name]; ok {
			out = append(out, spec)
		}
	}
	return out, nil
}

func platformFor(indexPlatform, local string) string {
	if indexPlatform == "" {
		return "ruby"
	}
	return indexPlatform
}
