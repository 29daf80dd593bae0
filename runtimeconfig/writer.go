// Package runtimeconfig writes the runtime load-path manifest consumed by
// the install prefix's runtime shim.
package runtimeconfig

import (
	"bytes"
	"encoding/gob"
	"path/filepath"

	"github.com/google/renameio"

	"github.com/kraklabs/scint"
	"github.com/kraklabs/scint/cache"
	"github.com/kraklabs/scint/plan"
)

// Entry is one gem's runtime load-path record.
type Entry struct {
	Version   string
	LoadPaths []string
}

// RequirePathsReader reads the require_paths declared by an installed
// gemspec file, without evaluating its Ruby body.
type RequirePathsReader interface {
	RequirePaths(installedSpecFile string) ([]string, error)
}

// Writer produces the binary `name → {version, load_paths}` map the
// runtime shim consults.
type Writer struct {
	Prefix       plan.Prefix
	Arch         string
	API          string
	RequirePaths RequirePathsReader
}

// FileName is the runtime manifest's name inside the install prefix; the
// runtime shim reads the same name.
const FileName = "scint.lock.marshal"

// Path is the runtime manifest's location inside the prefix.
func (w *Writer) Path() string {
	return filepath.Join(w.Prefix.Dir, FileName)
}

// Write computes load paths for every resolved spec and atomically
// replaces the runtime manifest.
func (w *Writer) Write(resolved []scint.ResolvedSpec) error {
	out := make(map[string]Entry, len(resolved))
	for _, spec := range resolved {
		loadPaths, err := w.loadPathsFor(spec)
		if err != nil {
			return err
		}
		out[spec.Name] = Entry{Version: spec.Version, LoadPaths: loadPaths}
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(out); err != nil {
		return err
	}

	f, err := renameio.TempFile("", w.Path())
	if err != nil {
		return err
	}
	defer f.Cleanup()
	if _, err := f.Write(buf.Bytes()); err != nil {
		return err
	}
	return f.CloseAtomicallyReplace()
}

// loadPathsFor unions the require_path-derived gem dirs, the lib/ fallback,
// and the extension dir, keeping only directories that exist and removing
// duplicates while preserving first occurrence.
func (w *Writer) loadPathsFor(spec scint.ResolvedSpec) ([]string, error) {
	gemDir := w.Prefix.InstalledGemDir(spec)

	var requirePaths []string
	if w.RequirePaths != nil {
		rp, err := w.RequirePaths.RequirePaths(w.Prefix.InstalledSpecPath(spec))
		if err == nil {
			requirePaths = rp
		}
	}

	var candidates []string
	for _, rp := range requirePaths {
		if filepath.IsAbs(rp) {
			candidates = append(candidates, rp)
		} else {
			candidates = append(candidates, filepath.Join(gemDir, rp))
		}
	}
	if len(candidates) == 0 {
		candidates = append(candidates, filepath.Join(gemDir, "lib"))
	}

	extDir := filepath.Join(w.Prefix.ExtensionsDir(), w.Arch, w.API, spec.FullName())
	candidates = append(candidates, extDir)

	seen := make(map[string]bool, len(candidates))
	var result []string
	for _, p := range candidates {
		if seen[p] || !cache.Exists(p) {
			continue
		}
		seen[p] = true
		result = append(result, p)
	}
	return result, nil
}
