// Package acquire implements the per-source acquisition state machines:
// registry, git, path and builtin, each behind the same two-phase
// Acquirer contract.
package acquire

import (
	"context"

	"github.com/kraklabs/scint"
	"github.com/kraklabs/scint/cache"
)

// Acquirer materializes one ResolvedSpec's source onto disk in two
// idempotent phases.
type Acquirer interface {
	// Download makes a source-specific blob locally available.
	Download(ctx context.Context, spec scint.ResolvedSpec) error
	// Extract materializes the cached tree via assemble→promote, and
	// returns the path the spec's files live at (cache-owned, except for
	// Path sources which return the user-provided directory directly).
	Extract(ctx context.Context, spec scint.ResolvedSpec) (extractedPath string, err error)
}

// ABI is the cache-partitioning key (spec glossary: "ABI key").
type ABI string

// DefaultABI is the single-architecture default; multi-ABI hosts override
// it per Registry.
const DefaultABI ABI = "amd64"

// Registry selects an Acquirer implementation by source kind.
type Registry struct {
	Root       cache.Root
	Promoter   *cache.Promoter
	Downloader Downloader
	ABI        ABI

	gitMu *gitMutexes
}

// NewRegistry wires the four acquirers together.
func NewRegistry(root cache.Root, promoter *cache.Promoter, dl Downloader) *Registry {
	return &Registry{Root: root, Promoter: promoter, Downloader: dl, ABI: DefaultABI, gitMu: newGitMutexes()}
}

// CacheValid implements the planner's freshness check: a cached tree is
// linkable when it passes the layout check and, for git sources, when its
// revision marker still matches the commit the source resolves to today.
// A git tree whose marker is missing or stale must be re-materialized
// even though its path already exists, since the cache keys trees by
// full-name only.
func (r *Registry) CacheValid(ctx context.Context, spec scint.ResolvedSpec, cachedPath string) bool {
	abi := string(r.ABI)
	if !manifestValid(r.Root, abi, spec) {
		return false
	}
	if spec.Source.Kind != scint.SourceGit {
		return true
	}
	a, ok := r.For(spec).(*GitAcquirer)
	if !ok {
		return false
	}
	commit, err := a.ResolveRevision(ctx, spec)
	if err != nil {
		return false
	}
	return revisionMarkerMatches(r.Root, abi, spec, commit)
}

// PromoteAfterBuild moves a spec's assembling tree into the cache once its
// native extensions are built; extraction leaves extension-bearing specs
// in assembling/ so the build happens before the tree becomes immutable.
// A spec whose tree was already promoted (or never staged) is a no-op.
func (r *Registry) PromoteAfterBuild(spec scint.ResolvedSpec) error {
	abi := string(r.ABI)
	assembling, err := r.Root.AssemblingPath(abi, spec)
	if err != nil {
		return err
	}
	if !cache.Exists(assembling) {
		return nil
	}
	cached, err := r.Root.CachedPath(abi, spec)
	if err != nil {
		return err
	}
	if _, err := r.Promoter.Promote(spec.FullName(), assembling, cached); err != nil {
		return scint.NewError(scint.ErrCache, "promoting "+cached, err)
	}
	return writeManifestSidecar(r.Root, abi, spec, cached)
}

func (r *Registry) For(spec scint.ResolvedSpec) Acquirer {
	switch spec.Source.Kind {
	case scint.SourceGit:
		return &GitAcquirer{root: r.Root, promoter: r.Promoter, abi: string(r.ABI), mu: r.gitMu}
	case scint.SourcePath:
		return &PathAcquirer{}
	case scint.SourceBuiltin:
		return &BuiltinAcquirer{}
	default:
		return &RegistryAcquirer{root: r.Root, promoter: r.Promoter, abi: string(r.ABI), dl: r.Downloader}
	}
}
