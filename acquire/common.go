package acquire

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/kraklabs/scint"
	"github.com/kraklabs/scint/cache"
	"github.com/kraklabs/scint/internal/archive"
)

var tidCounter int64

// tid returns a process-unique counter standing in for a thread id, used
// only to make assembling/<k>.tmp.<pid>.<tid> paths collision-free; Go
// has no stable OS-thread id to read.
func tid() int {
	return int(atomic.AddInt64(&tidCounter, 1))
}

// specMetadata is the YAML shape cached at cached/<abi>/<full-name>.spec.
type specMetadata struct {
	Name          string   `yaml:"name"`
	Version       string   `yaml:"version"`
	Platform      string   `yaml:"platform"`
	Dependencies  []string `yaml:"dependencies"`
	HasExtensions bool     `yaml:"has_extensions"`
	Checksum      string   `yaml:"checksum,omitempty"`
	RequirePaths  []string `yaml:"require_paths,omitempty"`
	Executables   []string `yaml:"executables,omitempty"`
}

// writeSpecSidecar persists the cache-side spec metadata sidecar. gemspec
// carries the require_paths/executables read off the real gemspec (the
// parsed metadata.gz for registry sources, or a regex-parsed .gemspec
// text file for git sources); install.Materializer reads this sidecar
// back to know what to write into the install prefix without re-parsing
// the gem a second time.
func writeSpecSidecar(root cache.Root, abi string, spec scint.ResolvedSpec, gemspec archive.Gemspec) error {
	specPath, err := root.CachedSpecPath(abi, spec)
	if err != nil {
		return err
	}
	meta := specMetadata{
		Name:          spec.Name,
		Version:       spec.Version,
		Platform:      spec.Platform,
		HasExtensions: spec.HasExtensions,
		Checksum:      spec.Checksum,
		RequirePaths:  gemspec.RequirePaths,
		Executables:   gemspec.Executables,
	}
	for _, d := range spec.Dependencies {
		meta.Dependencies = append(meta.Dependencies, d.Name)
	}
	b, err := yaml.Marshal(meta)
	if err != nil {
		return err
	}
	return cache.WriteSidecar(specPath, b)
}

// ReadSpecSidecar reads back the require_paths/executables recorded by
// writeSpecSidecar, for callers (the link/binstub stage) that need them
// without re-parsing the original gemspec. ok is false if no sidecar was
// ever written for this key (e.g. a Path source, which never populates
// the cache).
func ReadSpecSidecar(root cache.Root, abi string, spec scint.ResolvedSpec) (requirePaths, executables []string, ok bool) {
	specPath, err := root.CachedSpecPath(abi, spec)
	if err != nil {
		return nil, nil, false
	}
	b, err := os.ReadFile(specPath)
	if err != nil {
		return nil, nil, false
	}
	var meta specMetadata
	if err := yaml.Unmarshal(b, &meta); err != nil {
		return nil, nil, false
	}
	return meta.RequirePaths, meta.Executables, true
}

// writeManifestSidecar records a freshly promoted tree's content manifest
// next to it. Written strictly after cached/<k>/ exists; readers tolerate
// a missing manifest, so failures here do not fail the extract.
func writeManifestSidecar(root cache.Root, abi string, spec scint.ResolvedSpec, cachedDir string) error {
	manifestPath, err := root.CachedManifestPath(abi, spec)
	if err != nil {
		return err
	}
	hash, err := cache.ContentManifest(cachedDir)
	if err != nil {
		return err
	}
	var files []string
	filepath.Walk(cachedDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		if rel, err := filepath.Rel(cachedDir, path); err == nil {
			files = append(files, rel)
		}
		return nil
	})
	return cache.WriteManifestSidecar(manifestPath, hash, files)
}

// copyTree copies src into dst, optionally stripping .git artifacts.
func copyTree(src, dst string, stripGit bool) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if stripGit && (rel == ".git" || strings.HasPrefix(rel, ".git"+string(filepath.Separator))) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// writeRevisionMarker and revisionMarkerMatches track which commit a
// cached tree was materialized from, so a changed branch tip is detected
// without re-walking the tree.
func writeRevisionMarker(root cache.Root, abi string, spec scint.ResolvedSpec, commit string) error {
	p, err := root.CachedSpecPath(abi, spec)
	if err != nil {
		return err
	}
	marker := p + ".revision"
	return cache.WriteSidecar(marker, []byte(commit))
}

func revisionMarkerMatches(root cache.Root, abi string, spec scint.ResolvedSpec, commit string) bool {
	p, err := root.CachedSpecPath(abi, spec)
	if err != nil {
		return false
	}
	b, err := os.ReadFile(p + ".revision")
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(b)) == commit
}

// manifestValid reports whether a cached tree at cached/<abi>/<full-name>
// already exists and can be reused without re-extracting.
func manifestValid(root cache.Root, abi string, spec scint.ResolvedSpec) bool {
	cached, err := root.CachedPath(abi, spec)
	if err != nil {
		return false
	}
	if !cache.Exists(cached) {
		return false
	}
	return !isStaleLibLayout(cached)
}

// isStaleLibLayout detects a half-extracted leftover from an older
// archive layout: a require_paths=["lib"] tree whose lib/ contains only a
// single hyphenated
// subdirectory (e.g. lib/concurrent-ruby/). Such trees must be refreshed
// from the inbound archive.
func isStaleLibLayout(cachedDir string) bool {
	lib := filepath.Join(cachedDir, "lib")
	entries, err := os.ReadDir(lib)
	if err != nil || len(entries) != 1 || !entries[0].IsDir() {
		return false
	}
	return strings.Contains(entries[0].Name(), "-")
}
