// Package cache implements the installer's on-disk cache layout and the
// assemble→promote protocol.
package cache

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/xerrors"

	"github.com/kraklabs/scint"
)

// Root is a cache root directory: an explicit override, else
// XDG_CACHE_HOME, else a default under the user's home directory.
type Root struct {
	Dir string
}

// DefaultRoot resolves the cache root: explicit env var first, then a
// conventional default.
func DefaultRoot() Root {
	if dir := os.Getenv("SCINT_CACHE_ROOT"); dir != "" {
		return Root{Dir: dir}
	}
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return Root{Dir: filepath.Join(xdg, "scint")}
	}
	return Root{Dir: os.ExpandEnv("$HOME/.cache/scint")}
}

// validateWithinRoot rejects path-escape attempts: every path handed out
// by Root must, canonicalized, lie under the cache root.
func (r Root) validateWithinRoot(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	rootAbs, err := filepath.Abs(r.Dir)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(rootAbs, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", xerrors.Errorf("path %q escapes cache root %q", p, r.Dir)
	}
	return abs, nil
}

func (r Root) join(parts ...string) (string, error) {
	p := filepath.Join(append([]string{r.Dir}, parts...)...)
	return r.validateWithinRoot(p)
}

// InboundPath is inbound/<abi>/<full-name>.gem.
func (r Root) InboundPath(abi string, spec scint.ResolvedSpec) (string, error) {
	return r.join("inbound", abi, spec.FullName()+".gem")
}

// AssemblingPath is assembling/<abi>/<full-name>/.
func (r Root) AssemblingPath(abi string, spec scint.ResolvedSpec) (string, error) {
	return r.join("assembling", abi, spec.FullName())
}

// AssemblingTempPath is a scratch path under assembling/ unique to this
// worker, renamed into AssemblingPath before being promoted; per spec
// §4.2's assembling/<k>.tmp.<pid>.<tid> naming.
func (r Root) AssemblingTempPath(abi string, spec scint.ResolvedSpec, pid, tid int) (string, error) {
	name := spec.FullName() + ".tmp." + strconv.Itoa(pid) + "." + strconv.Itoa(tid)
	return r.join("assembling", abi, name)
}

// CachedPath is cached/<abi>/<full-name>/.
func (r Root) CachedPath(abi string, spec scint.ResolvedSpec) (string, error) {
	return r.join("cached", abi, spec.FullName())
}

// CachedSpecPath is cached/<abi>/<full-name>.spec.
func (r Root) CachedSpecPath(abi string, spec scint.ResolvedSpec) (string, error) {
	return r.join("cached", abi, spec.FullName()+".spec")
}

// CachedManifestPath is cached/<abi>/<full-name>.manifest.
func (r Root) CachedManifestPath(abi string, spec scint.ResolvedSpec) (string, error) {
	return r.join("cached", abi, spec.FullName()+".manifest")
}

// GitPath is git/<uri-hash>/.
func (r Root) GitPath(uri string) (string, error) {
	return r.join("git", hashURI(uri))
}

// ExtPath is extensions/<arch>/<api>/<full-name>/.
func (r Root) ExtPath(arch, api string, spec scint.ResolvedSpec) (string, error) {
	return r.join("extensions", arch, api, spec.FullName())
}

// SweepAssembling removes leftover assembling/<abi>/ entries. A crashed
// or failed run may strand partially-built trees there; sweeping at exit
// keeps the staging area empty between runs.
func (r Root) SweepAssembling(abi string) error {
	dir, err := r.join("assembling", abi)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var first error
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Exists reports whether p exists.
func Exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

