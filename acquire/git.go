package acquire

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/xerrors"

	"github.com/kraklabs/scint"
	"github.com/kraklabs/scint/cache"
	"github.com/kraklabs/scint/internal/archive"
)

// gitMutexes serializes all VCS subprocess invocations per repo directory:
// git cannot tolerate concurrent index-lock contention on the same repo.
type gitMutexes struct {
	mu   sync.Mutex
	byID map[string]*sync.Mutex
}

func newGitMutexes() *gitMutexes {
	return &gitMutexes{byID: make(map[string]*sync.Mutex)}
}

func (g *gitMutexes) lockFor(repoPath string) func() {
	g.mu.Lock()
	m, ok := g.byID[repoPath]
	if !ok {
		m = &sync.Mutex{}
		g.byID[repoPath] = m
	}
	g.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// topWhitelist lists top-of-repo files that gemspecs commonly reference
// across subdir boundaries.
var topWhitelist = []string{"VERSION", "RAILS_VERSION", "CHANGELOG.md", "LICENSE"}

// GitAcquirer materializes git-sourced gems from a cached bare repo.
type GitAcquirer struct {
	root     cache.Root
	promoter *cache.Promoter
	abi      string
	mu       *gitMutexes
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", xerrors.Errorf("git %v: %v: %s", args, err, stderr.String())
	}
	return strings.TrimSpace(out.String()), nil
}

func (a *GitAcquirer) Download(ctx context.Context, spec scint.ResolvedSpec) error {
	repoPath, err := a.root.GitPath(spec.Source.GitURI)
	if err != nil {
		return err
	}
	unlock := a.mu.lockFor(repoPath)
	defer unlock()

	if !cache.Exists(repoPath) {
		if err := os.MkdirAll(filepath.Dir(repoPath), 0755); err != nil {
			return err
		}
		if _, err := runGit(ctx, filepath.Dir(repoPath), "clone", "--bare", spec.Source.GitURI, repoPath); err != nil {
			return scint.NewError(scint.ErrNetwork, "cloning "+spec.Source.GitURI, err)
		}
		if spec.Source.Submodules {
			if _, err := runGit(ctx, repoPath, "submodule", "update", "--init", "--recursive"); err != nil {
				return scint.NewError(scint.ErrInstall, "submodule update for "+spec.Source.GitURI, err)
			}
		}
		return nil
	}

	// Present: fetch all refs with prune. Whether to fetch is
	// decided by the caller (lockfile reconciler: branch-pinned sources
	// re-fetch every run, revision-pinned ones do not); Download always
	// fetches when called, keeping the decision out of the acquirer.
	if _, err := runGit(ctx, repoPath, "fetch", "--all", "--prune", "--tags"); err != nil {
		return scint.NewError(scint.ErrNetwork, "fetching "+spec.Source.GitURI, err)
	}
	return nil
}

// ResolveRevision resolves the requested revision/ref/branch/tag to a
// commit hash. Precedence: revision > ref > branch > tag > HEAD.
func (a *GitAcquirer) ResolveRevision(ctx context.Context, spec scint.ResolvedSpec) (string, error) {
	repoPath, err := a.root.GitPath(spec.Source.GitURI)
	if err != nil {
		return "", err
	}
	rev := "HEAD"
	switch {
	case spec.Source.Revision != "":
		rev = spec.Source.Revision
	case spec.Source.Ref != "":
		rev = spec.Source.Ref
	case spec.Source.Branch != "":
		rev = spec.Source.Branch
	case spec.Source.Tag != "":
		rev = spec.Source.Tag
	}
	out, err := runGit(ctx, repoPath, "rev-parse", rev+"^{commit}")
	if err != nil {
		return "", scint.NewError(scint.ErrInstall, "resolving revision "+rev, err)
	}
	return out, nil
}

func (a *GitAcquirer) Extract(ctx context.Context, spec scint.ResolvedSpec) (string, error) {
	cached, err := a.root.CachedPath(a.abi, spec)
	if err != nil {
		return "", err
	}

	commit, err := a.ResolveRevision(ctx, spec)
	if err != nil {
		return "", err
	}

	if manifestValid(a.root, a.abi, spec) && revisionMarkerMatches(a.root, a.abi, spec, commit) {
		return cached, nil
	}

	repoPath, err := a.root.GitPath(spec.Source.GitURI)
	if err != nil {
		return "", err
	}
	unlock := a.mu.lockFor(repoPath)
	defer unlock()

	tmp, err := a.root.AssemblingTempPath(a.abi, spec, os.Getpid(), tid())
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmp)

	worktree := tmp + ".worktree"
	defer os.RemoveAll(worktree)
	if _, err := runGit(ctx, repoPath, "worktree", "add", "--detach", worktree, commit); err != nil {
		return "", scint.NewError(scint.ErrInstall, "checking out "+commit, err)
	}
	defer runGit(ctx, repoPath, "worktree", "remove", "--force", worktree)

	gemSubdir, err := findGemSubdir(worktree, spec.Name, spec.Source.Glob)
	if err != nil {
		return "", scint.NewError(scint.ErrInstall, "locating gemspec for "+spec.Name, err)
	}

	if err := os.MkdirAll(tmp, 0755); err != nil {
		return "", err
	}
	if err := copyTree(gemSubdir, tmp, true /* stripGit */); err != nil {
		return "", err
	}
	for _, fn := range topWhitelist {
		src := filepath.Join(worktree, fn)
		if _, err := os.Stat(src); err == nil {
			copyFile(src, filepath.Join(tmp, fn))
		}
	}

	assembling, err := a.root.AssemblingPath(a.abi, spec)
	if err != nil {
		return "", err
	}
	os.RemoveAll(assembling)
	if err := os.Rename(tmp, assembling); err != nil {
		return "", scint.NewError(scint.ErrCache, "staging "+assembling, err)
	}

	gemspec := archive.Gemspec{Name: spec.Name, Version: spec.Version}
	if raw, err := os.ReadFile(filepath.Join(gemSubdir, spec.Name+".gemspec")); err == nil {
		gemspec.RequirePaths, gemspec.Executables = archive.ParseGemspecText(raw)
	}
	if err := writeSpecSidecar(a.root, a.abi, spec, gemspec); err != nil {
		return "", err
	}
	if err := writeRevisionMarker(a.root, a.abi, spec, commit); err != nil {
		return "", err
	}

	if spec.HasExtensions {
		return assembling, nil
	}
	if _, err := a.promoter.Promote(spec.FullName(), assembling, cached); err != nil {
		return "", scint.NewError(scint.ErrCache, "promoting "+cached, err)
	}
	writeManifestSidecar(a.root, a.abi, spec, cached)
	return cached, nil
}

// HasGemspecAtRevision reports whether the cached repo for remote exists
// and its tree at revision contains a gemspec named for name. Used by the
// lockfile reconciler to decide whether a git-sourced lock spec is still
// materializable without a network round trip.
func (r *Registry) HasGemspecAtRevision(remote, revision, name string) bool {
	repoPath, err := r.Root.GitPath(remote)
	if err != nil || !cache.Exists(repoPath) {
		return false
	}
	unlock := r.gitMu.lockFor(repoPath)
	defer unlock()
	out, err := runGit(context.Background(), repoPath, "ls-tree", "-r", "--name-only", revision)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.HasSuffix(line, name+".gemspec") {
			return true
		}
	}
	return false
}

// GemspecAtRevision reads a git-sourced dependency's gemspec text at the
// source's pinned revision straight out of the cached bare repo, without
// materializing a worktree; the resolver uses it to learn a git gem's
// version and dependency list before any extract job runs.
func (r *Registry) GemspecAtRevision(ctx context.Context, spec scint.ResolvedSpec) ([]byte, error) {
	repoPath, err := r.Root.GitPath(spec.Source.GitURI)
	if err != nil {
		return nil, err
	}
	unlock := r.gitMu.lockFor(repoPath)
	defer unlock()

	a, ok := r.For(spec).(*GitAcquirer)
	if !ok {
		return nil, xerrors.Errorf("%s is not git-sourced", spec.Name)
	}
	commit, err := a.ResolveRevision(ctx, spec)
	if err != nil {
		return nil, err
	}
	listing, err := runGit(ctx, repoPath, "ls-tree", "-r", "--name-only", commit)
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(listing, "\n") {
		if strings.HasSuffix(line, spec.Name+".gemspec") {
			out, err := runGit(ctx, repoPath, "show", commit+":"+line)
			if err != nil {
				return nil, err
			}
			return []byte(out), nil
		}
	}
	return nil, xerrors.Errorf("no gemspec for %s at %s", spec.Name, commit)
}

// ResolveGitRevision resolves a git-sourced spec's pinned ref/branch/tag
// to a commit hash so the lockfile can record it.
func (r *Registry) ResolveGitRevision(ctx context.Context, spec scint.ResolvedSpec) (string, error) {
	a, ok := r.For(spec).(*GitAcquirer)
	if !ok {
		return "", xerrors.Errorf("%s is not git-sourced", spec.Name)
	}
	return a.ResolveRevision(ctx, spec)
}

// findGemSubdir locates the gem's directory inside a checked-out repo:
// exact <repo>/<name>.gemspec first, then the configured glob, then any
// **/*.gemspec whose basename matches.
func findGemSubdir(root, name, glob string) (string, error) {
	exact := filepath.Join(root, name+".gemspec")
	if _, err := os.Stat(exact); err == nil {
		return root, nil
	}
	if glob != "" {
		matches, _ := filepath.Glob(filepath.Join(root, glob))
		for _, m := range matches {
			if strings.HasSuffix(m, ".gemspec") {
				return filepath.Dir(m), nil
			}
		}
	}
	var found string
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || found != "" {
			return nil
		}
		if !info.IsDir() && filepath.Base(path) == name+".gemspec" {
			found = filepath.Dir(path)
		}
		return nil
	})
	if found == "" {
		return "", xerrors.Errorf("no gemspec found for %s under %s", name, root)
	}
	return found, nil
}
