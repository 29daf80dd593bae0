// Package orchestrate builds the per-install task DAG from a Plan and
// hands it to the schedule package.
package orchestrate

import (
	"context"
	"sync"

	"github.com/kraklabs/scint"
	"github.com/kraklabs/scint/acquire"
	"github.com/kraklabs/scint/schedule"
)

// ExtensionBuilder decides whether a materialized tree needs a native
// extension build and performs it.
type ExtensionBuilder interface {
	NeedsBuild(spec scint.ResolvedSpec, extractedDir string) bool
	Build(ctx context.Context, spec scint.ResolvedSpec, extractedDir string) error
}

// Linker materializes a cached or extracted tree into the install prefix.
type Linker interface {
	Link(ctx context.Context, spec scint.ResolvedSpec, sourceDir string) error
}

// BuiltinLinker materializes the embedded library tree for a builtin spec.
type BuiltinLinker interface {
	LinkBuiltin(ctx context.Context, spec scint.ResolvedSpec) error
}

// Binstubber writes executable shims for a spec's declared executables.
type Binstubber interface {
	WriteBinstubs(ctx context.Context, spec scint.ResolvedSpec) error
}

// Orchestrator wires acquirers, linkers, and extension builders into
// scheduler jobs.
type Orchestrator struct {
	Acquirers     *acquire.Registry
	Linker        Linker
	BuiltinLinker BuiltinLinker
	ExtBuilder    ExtensionBuilder
	Binstub       Binstubber
}

// BuildResult reports what the DAG construction enqueued. Extract
// follow-ups keep adding build_ext jobs after Build returns, so read the
// count only once the scheduler has drained.
type BuildResult struct {
	mu           sync.Mutex
	buildExtJobs int
}

// BuildExtJobs returns how many build_ext jobs were enqueued so far.
func (r *BuildResult) BuildExtJobs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buildExtJobs
}

func (r *BuildResult) addBuildExt() {
	r.mu.Lock()
	r.buildExtJobs++
	r.mu.Unlock()
}

// linkIndex records each spec's link job id. Extract follow-ups run on
// worker goroutines while Build may still be enqueueing, so access is
// serialized.
type linkIndex struct {
	mu sync.Mutex
	m  map[string]schedule.JobID
}

func newLinkIndex() *linkIndex {
	return &linkIndex{m: make(map[string]schedule.JobID)}
}

func (l *linkIndex) set(name string, id schedule.JobID) {
	l.mu.Lock()
	l.m[name] = id
	l.mu.Unlock()
}

func (l *linkIndex) get(name string) (schedule.JobID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.m[name]
	return id, ok
}

// Build enqueues jobs for every plan entry onto s, wiring the cross-spec
// build_ext→link-of-runtime-deps edges. It returns once every job is
// enqueued; it does not wait for completion.
func (o *Orchestrator) Build(s *schedule.Scheduler, plan []scint.PlanEntry) (*BuildResult, error) {
	links := newLinkIndex()
	result := &BuildResult{}

	for _, e := range plan {
		switch e.Action {
		case scint.ActionSkip:
			// no jobs

		case scint.ActionBuiltin:
			spec := e.Spec
			linkID := s.Enqueue(schedule.Link, "builtin-link:"+spec.FullName(), func(ctx context.Context) error {
				return o.BuiltinLinker.LinkBuiltin(ctx, spec)
			}, nil, nil)
			links.set(spec.Name, linkID)

		case scint.ActionLink:
			spec := e.Spec
			sourceDir := e.CachedPath
			linkID := s.Enqueue(schedule.Link, "link:"+spec.FullName(), func(ctx context.Context) error {
				return o.Linker.Link(ctx, spec, sourceDir)
			}, nil, nil)
			links.set(spec.Name, linkID)
			o.enqueueBinstubOnly(s, spec, linkID)

		case scint.ActionBuildExt:
			spec := e.Spec
			sourceDir := e.CachedPath
			linkID := s.Enqueue(schedule.Link, "link:"+spec.FullName(), func(ctx context.Context) error {
				return o.Linker.Link(ctx, spec, sourceDir)
			}, nil, nil)
			links.set(spec.Name, linkID)
			result.addBuildExt()
			o.enqueueBuildExtChain(s, spec, sourceDir, linkID, links)

		case scint.ActionDownload:
			spec := e.Spec
			acq := o.Acquirers.For(spec)
			var extractedDir string
			downloadID := s.Enqueue(schedule.Download, "download:"+spec.FullName(), func(ctx context.Context) error {
				return acq.Download(ctx, spec)
			}, nil, nil)
			s.Enqueue(schedule.Extract, "extract:"+spec.FullName(), func(ctx context.Context) error {
				dir, err := acq.Extract(ctx, spec)
				extractedDir = dir
				return err
			}, []schedule.JobID{downloadID}, o.downloadExtractFollowUp(spec, &extractedDir, links, result))
		}
	}
	return result, nil
}

// downloadExtractFollowUp runs synchronously right after extraction
// succeeds and decides whether the freshly materialized tree still needs a
// link+build_ext chain or just a link+binstub chain.
func (o *Orchestrator) downloadExtractFollowUp(spec scint.ResolvedSpec, extractedDir *string, links *linkIndex, result *BuildResult) schedule.FollowUp {
	return func(s *schedule.Scheduler, extractID schedule.JobID) error {
		dir := *extractedDir
		linkID := s.Enqueue(schedule.Link, "link:"+spec.FullName(), func(ctx context.Context) error {
			return o.Linker.Link(ctx, spec, dir)
		}, []schedule.JobID{extractID}, nil)
		links.set(spec.Name, linkID)

		if o.ExtBuilder != nil && o.ExtBuilder.NeedsBuild(spec, dir) {
			result.addBuildExt()
			o.enqueueBuildExtChain(s, spec, dir, linkID, links)
		} else {
			o.enqueueBinstubOnly(s, spec, linkID)
		}
		return nil
	}
}

// enqueueBuildExtChain enqueues build_ext (depending on this spec's link
// job and the link job of each runtime dependency) followed by binstub
// (depending on link and build_ext). A runtime dependency's link job is
// resolved only if that dependency appears in this same plan run; a
// dependency already satisfied by a prior skip has no link job to depend
// on, and its headers are assumed present in the prefix from the earlier
// install.
func (o *Orchestrator) enqueueBuildExtChain(s *schedule.Scheduler, spec scint.ResolvedSpec, extractedDir string, linkID schedule.JobID, links *linkIndex) {
	deps := []schedule.JobID{linkID}
	for _, d := range spec.Dependencies {
		if id, ok := links.get(d.Name); ok {
			deps = append(deps, id)
		}
	}
	buildExtID := s.Enqueue(schedule.BuildExt, "build_ext:"+spec.FullName(), func(ctx context.Context) error {
		if err := o.ExtBuilder.Build(ctx, spec, extractedDir); err != nil {
			return err
		}
		// Extension-bearing trees stay in assembling/ until their build
		// succeeds; promote now so the cache only ever holds built trees.
		if o.Acquirers != nil {
			return o.Acquirers.PromoteAfterBuild(spec)
		}
		return nil
	}, deps, nil)

	s.Enqueue(schedule.Binstub, "binstub:"+spec.FullName(), func(ctx context.Context) error {
		return o.Binstub.WriteBinstubs(ctx, spec)
	}, []schedule.JobID{linkID, buildExtID}, nil)
}

func (o *Orchestrator) enqueueBinstubOnly(s *schedule.Scheduler, spec scint.ResolvedSpec, linkID schedule.JobID) {
	s.Enqueue(schedule.Binstub, "binstub:"+spec.FullName(), func(ctx context.Context) error {
		return o.Binstub.WriteBinstubs(ctx, spec)
	}, []schedule.JobID{linkID}, nil)
}
