package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"github.com/kraklabs/scint"
	"github.com/kraklabs/scint/acquire"
	"github.com/kraklabs/scint/cache"
	"github.com/kraklabs/scint/install"
	"github.com/kraklabs/scint/internal/archive"
	"github.com/kraklabs/scint/internal/config"
	"github.com/kraklabs/scint/internal/downloadpool"
	"github.com/kraklabs/scint/internal/extbuild"
	"github.com/kraklabs/scint/internal/lockfile"
	"github.com/kraklabs/scint/internal/manifestfile"
	"github.com/kraklabs/scint/internal/progress"
	"github.com/kraklabs/scint/internal/resolver"
	"github.com/kraklabs/scint/lockreconcile"
	"github.com/kraklabs/scint/orchestrate"
	"github.com/kraklabs/scint/plan"
	"github.com/kraklabs/scint/runtimeconfig"
	"github.com/kraklabs/scint/schedule"
)

const installHelp = `Resolve the manifest's dependency graph, fetch and
extract each package, link everything into the install prefix and write
the lockfile plus the runtime load-path map.
`

const (
	defaultRegistry = "https://rubygems.org"

	// selfVersion is the version the synthetic self-spec is installed and
	// locked as.
	selfVersion = "2.5.11"

	// rubyAPIVersion is the ruby/<x.y.0> prefix path component.
	rubyAPIVersion = "3.3.0"

	// compileSlots is how many workers the lane limits reserve for native
	// extension builds.
	compileSlots = 2
)

func defaultWorkers() int {
	n := runtime.NumCPU() * 2
	if n > 50 {
		n = 50
	}
	return n
}

func cmdinstall(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("install", flag.ExitOnError)
	fset.Usage = func() {
		fmt.Fprint(os.Stderr, installHelp)
		fset.PrintDefaults()
	}
	var (
		jobs    = fset.Int("jobs", defaultWorkers(), "maximum number of worker threads")
		path    = fset.String("path", "", "install prefix (default: $BUNDLER_PATH, then .bundle)")
		force   = fset.Bool("force", false, "purge all cache and prefix artifacts for the resolved set before installing")
		verbose = fset.Bool("verbose", false, "verbose progress output")
		gemfile = fset.String("gemfile", "Gemfile", "manifest to install from")
	)
	fset.IntVar(jobs, "j", *jobs, "alias for -jobs")
	fset.BoolVar(force, "f", *force, "alias for -force")
	fset.Parse(args)

	manifest, err := readManifest(*gemfile)
	if err != nil {
		return err
	}
	prior, err := readLock(*gemfile + ".lock")
	if err != nil {
		return err
	}

	config.ApplyColorPreference(os.Stdout)

	prefix := plan.Prefix{Dir: config.InstallPath(*path), RubyVersion: rubyAPIVersion}
	root := cache.DefaultRoot()
	promoter := cache.NewPromoter(root)
	pool := downloadpool.New(8)
	acq := acquire.NewRegistry(root, promoter, pool)
	abi := string(acq.ABI)
	arch := localPlatform()

	mat := &install.Materializer{Prefix: prefix, Root: root, ABI: abi, Arch: arch, API: rubyAPIVersion}

	// Runs after the scheduler has drained, success or failure, so no
	// stranded assembling/ tree survives the run.
	cleanup := new(scint.CleanupList)
	cleanup.Register(func() error { return root.SweepAssembling(abi) })
	defer func() {
		if err := cleanup.Run(); err != nil {
			log.Printf("cleanup: %v", err)
		}
	}()

	reporter := progress.New(os.Stdout, 0)
	sched := schedule.New(*jobs, schedule.DefaultLimits(*jobs, compileSlots), true, reporter)
	sched.Start(ctx)
	defer sched.Shutdown()

	registry := defaultRegistry
	if len(manifest.Sources) > 0 {
		registry = manifest.Sources[0].URI
	}
	manifestSources := sourcesByName(manifest, registry)

	// Phase 1: warm the registry indexes and clone git repos in parallel
	// before anything needs their answers.
	indexClients := prefetchIndexes(sched, pool, manifest, registry)
	cloneGitSources(sched, acq, manifestSources)
	sched.WaitFor(schedule.FetchIndex)
	sched.WaitFor(schedule.GitClone)
	if errs := sched.Errors(); len(errs) > 0 {
		reporter.Summary(sched.Stats())
		return firstError(errs)
	}

	// Phase 2: reuse the lock if it still covers the manifest, otherwise
	// run the resolver against the warmed indexes.
	platform := localPlatform()
	var resolved []scint.ResolvedSpec
	if lockreconcile.CanReuse(manifest.Dependencies, platform, prior, acq) {
		if *verbose {
			log.Printf("lockfile is current, skipping resolution")
		}
		resolved, err = lockreconcile.Project(ctx, prior, platform, &platformUpgrader{client: indexClients[registry]})
	} else {
		resolved, err = resolveManifest(ctx, manifest, manifestSources, indexClients, registry, acq, platform)
	}
	if err != nil {
		return err
	}

	if err := pinGitRevisions(ctx, acq, resolved); err != nil {
		return err
	}
	resolved = adjustMetaGems(resolved)

	if *force {
		if err := orchestrate.Purge(resolved, prefix, root, abi, arch, rubyAPIVersion); err != nil {
			return scint.NewError(scint.ErrCache, "purging before forced install", err)
		}
	}

	entries, err := plan.Plan(ctx, resolved, prefix, root, abi, install.DefaultBuiltins(), mat, acq)
	if err != nil {
		return err
	}
	if *verbose {
		for _, e := range entries {
			log.Printf("%-10s %s", e.Action, e.Spec.FullName())
		}
	}

	builder := &extbuild.Builder{OnBuilt: mat.MarkExtensionBuilt}
	orc := &orchestrate.Orchestrator{
		Acquirers:     acq,
		Linker:        mat,
		BuiltinLinker: mat,
		ExtBuilder:    builder,
		Binstub:       mat,
	}
	result, err := orc.Build(sched, entries)
	if err != nil {
		return err
	}
	sched.WaitAll()

	stats := sched.Stats()
	reporter.Summary(stats)
	if errs := sched.Errors(); len(errs) > 0 {
		// Partial success never mutates the lockfile.
		return firstError(errs)
	}
	if *verbose && result.BuildExtJobs() > 0 {
		log.Printf("compiled %d native extension(s)", result.BuildExtJobs())
	}

	wr := lockreconcile.Write(resolved, manifestSources, prior)
	if err := renameio.WriteFile(*gemfile+".lock", []byte(wr.Lock.String()), 0644); err != nil {
		return scint.NewError(scint.ErrPermission, "writing "+*gemfile+".lock", err)
	}

	rcw := &runtimeconfig.Writer{Prefix: prefix, Arch: arch, API: rubyAPIVersion, RequirePaths: mat}
	if err := rcw.Write(resolved); err != nil {
		return scint.NewError(scint.ErrInstall, "writing runtime manifest", err)
	}
	return nil
}

func readManifest(path string) (*manifestfile.Manifest, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		// An absent manifest installs just the self-spec.
		return &manifestfile.Manifest{}, nil
	}
	if err != nil {
		return nil, scint.NewError(scint.ErrManifestParse, "reading "+path, err)
	}
	m, err := manifestfile.Parse(string(b))
	if err != nil {
		return nil, scint.NewError(scint.ErrManifestParse, "parsing "+path, err)
	}
	return m, nil
}

func readLock(path string) (*lockfile.Lock, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, scint.NewError(scint.ErrLockfileParse, "reading "+path, err)
	}
	l, err := lockfile.Parse(string(b))
	if err != nil {
		return nil, scint.NewError(scint.ErrLockfileParse, "parsing "+path, err)
	}
	return l, nil
}

// sourcesByName maps each manifest dependency with an inline source option
// to its concrete Source.
func sourcesByName(m *manifestfile.Manifest, registry string) map[string]scint.Source {
	out := make(map[string]scint.Source)
	for _, d := range m.Dependencies {
		switch d.SourceOpts.Kind {
		case scint.SourceOptsGit:
			out[d.Name] = scint.Source{
				Kind:       scint.SourceGit,
				GitURI:     d.SourceOpts.Git,
				Ref:        d.SourceOpts.Ref,
				Branch:     d.SourceOpts.Branch,
				Tag:        d.SourceOpts.Tag,
				Submodules: d.SourceOpts.Submodules,
				Glob:       d.SourceOpts.Glob,
				GitGemName: d.Name,
			}
		case scint.SourceOptsPath:
			out[d.Name] = scint.Source{
				Kind:        scint.SourcePath,
				Path:        d.SourceOpts.Path,
				Glob:        d.SourceOpts.Glob,
				PathGemName: d.Name,
			}
		case scint.SourceOptsRegistry:
			out[d.Name] = scint.Source{Kind: scint.SourceRegistry, Remotes: []string{d.SourceOpts.Registry}}
		}
	}
	return out
}

// prefetchIndexes enqueues one fetch_index job per registry-sourced
// dependency (git and path dependencies are skipped) so the compact-index
// listings are memoized before the resolver (or the
// platform upgrader) asks for them.
func prefetchIndexes(sched *schedule.Scheduler, pool *downloadpool.Pool, m *manifestfile.Manifest, registry string) map[string]resolver.IndexClient {
	clients := make(map[string]resolver.IndexClient)
	clientFor := func(uri string) *downloadpool.IndexClient {
		if c, ok := clients[uri]; ok {
			return c.(*downloadpool.IndexClient)
		}
		c := &downloadpool.IndexClient{BaseURL: uri, Fetcher: pool}
		clients[uri] = c
		return c
	}
	clientFor(registry)

	for _, d := range m.Dependencies {
		uri := registry
		switch d.SourceOpts.Kind {
		case scint.SourceOptsGit, scint.SourceOptsPath:
			continue
		case scint.SourceOptsRegistry:
			uri = d.SourceOpts.Registry
		}
		c := clientFor(uri)
		name := d.Name
		sched.Enqueue(schedule.FetchIndex, "index:"+name, func(ctx context.Context) error {
			_, err := c.Versions(ctx, name)
			return err
		}, nil, nil)
	}
	return clients
}

// cloneGitSources enqueues one git_clone job per unique git remote.
func cloneGitSources(sched *schedule.Scheduler, acq *acquire.Registry, sources map[string]scint.Source) {
	seen := make(map[string]bool)
	for name, src := range sources {
		if src.Kind != scint.SourceGit || seen[src.NormalizedKey()] {
			continue
		}
		seen[src.NormalizedKey()] = true
		spec := scint.ResolvedSpec{Name: name, Source: src}
		a := acq.For(spec)
		sched.Enqueue(schedule.GitClone, "clone:"+src.GitURI, func(ctx context.Context) error {
			return a.Download(ctx, spec)
		}, nil, nil)
	}
}

// resolveManifest runs the fallback resolver with a provider built from
// the warmed index clients, inline source pins and locally readable
// gemspecs for path and git dependencies.
func resolveManifest(ctx context.Context, m *manifestfile.Manifest, sources map[string]scint.Source, clients map[string]resolver.IndexClient, registry string, acq *acquire.Registry, platform string) ([]scint.ResolvedSpec, error) {
	provider := resolver.NewProvider(clients, registry)
	for name, src := range sources {
		switch src.Kind {
		case scint.SourceRegistry:
			if len(src.Remotes) > 0 {
				provider.SetInlineSource(name, src.Remotes[0])
			}
		case scint.SourcePath:
			info, err := pathGemInfo(src.Path, name)
			if err != nil {
				return nil, scint.NewError(scint.ErrResolve, "reading gemspec for "+name, err)
			}
			provider.SetPathGem(name, info, src)
		case scint.SourceGit:
			raw, err := acq.GemspecAtRevision(ctx, scint.ResolvedSpec{Name: name, Source: src})
			if err != nil {
				return nil, scint.NewError(scint.ErrResolve, "reading gemspec for "+name, err)
			}
			info := resolver.PathGemInfo{Version: archive.ParseGemspecVersion(raw)}
			if info.Version == "" {
				info.Version = "0"
			}
			provider.SetPathGem(name, info, src)
		}
	}
	return resolver.Resolve(ctx, m.Dependencies, provider, platform)
}

// pathGemInfo reads a path dependency's version straight from its gemspec
// text, without evaluating the gemspec body.
func pathGemInfo(dir, name string) (resolver.PathGemInfo, error) {
	raw, err := os.ReadFile(dir + "/" + name + ".gemspec")
	if err != nil {
		return resolver.PathGemInfo{}, err
	}
	version := archive.ParseGemspecVersion(raw)
	if version == "" {
		version = "0"
	}
	return resolver.PathGemInfo{Version: version}, nil
}

// pinGitRevisions resolves each git-sourced spec's symbolic ref to the
// commit hash the lockfile will record.
func pinGitRevisions(ctx context.Context, acq *acquire.Registry, resolved []scint.ResolvedSpec) error {
	for i := range resolved {
		if resolved[i].Source.Kind != scint.SourceGit {
			continue
		}
		commit, err := acq.ResolveGitRevision(ctx, resolved[i])
		if err != nil {
			return err
		}
		resolved[i].Source.Revision = commit
	}
	return nil
}

// adjustMetaGems injects the synthetic self-spec and deduplicates the
// resolved set by (name, version, platform). The self-spec always wins
// over a same-named resolver output.
func adjustMetaGems(resolved []scint.ResolvedSpec) []scint.ResolvedSpec {
	self := scint.ResolvedSpec{
		Name:     "bundler",
		Version:  selfVersion,
		Platform: "ruby",
		Source:   scint.Source{Kind: scint.SourceBuiltin},
	}
	out := []scint.ResolvedSpec{self}
	seen := map[scint.SpecKey]bool{self.Key(): true}
	for _, spec := range resolved {
		if spec.Name == self.Name || seen[spec.Key()] {
			continue
		}
		seen[spec.Key()] = true
		out = append(out, spec)
	}
	return out
}

// firstError surfaces the first recorded job failure; typed errors keep
// their status codes, anything else becomes a generic install error.
func firstError(errs []schedule.JobError) error {
	first := errs[0]
	var typed *scint.Error
	if xerrors.As(first.Err, &typed) {
		return first.Err
	}
	return scint.NewError(scint.ErrInstall, first.Name, first.Err)
}

// platformUpgrader re-queries the warmed index to upgrade a projected
// ruby-platform registry spec to a better local variant; network errors
// keep the original platform.
type platformUpgrader struct {
	client resolver.IndexClient
}

func (u *platformUpgrader) BestCompatiblePlatform(ctx context.Context, name, version, localPlatform string) (string, bool) {
	if u.client == nil {
		return "", false
	}
	entries, err := u.client.Versions(ctx, name)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.Version == version && e.Platform == localPlatform {
			return localPlatform, true
		}
	}
	return "", false
}
