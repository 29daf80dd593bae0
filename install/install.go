// Package install materializes a resolved spec's extracted tree into an
// install prefix: copying files into gems/<full-name>/, writing a
// specifications/<full-name>.gemspec sidecar, and writing executable
// shims into bin/.
package install

import (
	"bytes"
	"context"
	"embed"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/google/renameio"

	"github.com/kraklabs/scint"
	"github.com/kraklabs/scint/acquire"
	"github.com/kraklabs/scint/cache"
	"github.com/kraklabs/scint/internal/archive"
	"github.com/kraklabs/scint/orchestrate"
	"github.com/kraklabs/scint/plan"
	"github.com/kraklabs/scint/runtimeconfig"
)

var (
	_ orchestrate.Linker               = (*Materializer)(nil)
	_ orchestrate.BuiltinLinker        = (*Materializer)(nil)
	_ orchestrate.Binstubber           = (*Materializer)(nil)
	_ plan.ExtArtifactChecker          = (*Materializer)(nil)
	_ runtimeconfig.RequirePathsReader = (*Materializer)(nil)
)

//go:embed builtin
var builtinFS embed.FS

// builtinSpecName is the synthetic self-spec every run installs
// regardless of manifest contents; an empty manifest still locks it.
const builtinSpecName = "bundler"

// DefaultBuiltins is the BuiltinNames set the planner should be given.
func DefaultBuiltins() plan.BuiltinNames {
	return plan.BuiltinNames{builtinSpecName: true}
}

// Materializer implements orchestrate.Linker, orchestrate.BuiltinLinker,
// orchestrate.Binstubber, plan.ExtArtifactChecker and
// runtimeconfig.RequirePathsReader: the whole "turn a cache-owned or
// embedded tree into prefix state" surface.
type Materializer struct {
	Prefix plan.Prefix
	Root   cache.Root
	ABI    string
	Arch   string // extensions/<arch>/... partition key
	API    string // extensions/.../<api>/... partition key (ruby ABI version)
}

// Link implements orchestrate.Linker: copies sourceDir into the prefix's
// gems/<full-name>/ and writes its specifications/<full-name>.gemspec.
func (m *Materializer) Link(ctx context.Context, spec scint.ResolvedSpec, sourceDir string) error {
	dest := m.Prefix.InstalledGemDir(spec)
	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	if err := copyTree(sourceDir, dest); err != nil {
		return scint.NewError(scint.ErrInstall, "linking "+spec.FullName(), err)
	}

	requirePaths, executables := m.gemspecInfo(spec, sourceDir)
	return writeGemspec(m.Prefix.InstalledSpecPath(spec), spec, requirePaths, executables)
}

// LinkBuiltin implements orchestrate.BuiltinLinker: copies the embedded
// self-spec library tree into the install prefix and writes a synthetic
// gemspec.
func (m *Materializer) LinkBuiltin(ctx context.Context, spec scint.ResolvedSpec) error {
	dest := m.Prefix.InstalledGemDir(spec)
	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	sub, err := fs.Sub(builtinFS, "builtin")
	if err != nil {
		return err
	}
	if err := copyEmbedTree(sub, dest); err != nil {
		return scint.NewError(scint.ErrInstall, "linking builtin "+spec.FullName(), err)
	}
	return writeGemspec(m.Prefix.InstalledSpecPath(spec), spec, []string{"lib"}, nil)
}

// Present implements plan.ExtArtifactChecker: a compiled extension
// artifact exists when extensions/<arch>/<api>/<full-name>/ is non-empty.
func (m *Materializer) Present(prefixOrCache string, spec scint.ResolvedSpec) bool {
	dir := filepath.Join(prefixOrCache, m.Arch, m.API, spec.FullName())
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

// MarkExtensionBuilt records a sentinel under extensions/<arch>/<api>/
// <full-name>/ so a later Present() call (in a subsequent install run)
// sees this spec's native extension as already compiled without having
// to re-scan the gem's own ext/ directory. Wired as extbuild.Builder's
// OnBuilt hook.
func (m *Materializer) MarkExtensionBuilt(spec scint.ResolvedSpec) error {
	dir := filepath.Join(m.Prefix.ExtensionsDir(), m.Arch, m.API, spec.FullName())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ".built"), []byte(spec.Version), 0644)
}

// RequirePaths implements runtimeconfig.RequirePathsReader: reads back a
// gemspec this package wrote, without evaluating it.
func (m *Materializer) RequirePaths(installedSpecFile string) ([]string, error) {
	raw, err := os.ReadFile(installedSpecFile)
	if err != nil {
		return nil, err
	}
	requirePaths, _ := archive.ParseGemspecText(raw)
	return requirePaths, nil
}

// WriteBinstubs implements orchestrate.Binstubber: one shim per declared
// executable, installed atomically (renameio.TempFile + chmod 0755 +
// CloseAtomicallyReplace).
func (m *Materializer) WriteBinstubs(ctx context.Context, spec scint.ResolvedSpec) error {
	installedSpec := m.Prefix.InstalledSpecPath(spec)
	raw, err := os.ReadFile(installedSpec)
	if err != nil {
		return err
	}
	_, executables := archive.ParseGemspecText(raw)
	gemDir := m.Prefix.InstalledGemDir(spec)

	for _, name := range executables {
		if err := m.writeBinstub(name, gemDir); err != nil {
			return scint.NewError(scint.ErrInstall, "writing binstub "+name, err)
		}
	}
	return nil
}

var binstubTmpl = template.Must(template.New("binstub").Parse(`#!/usr/bin/env bash
exec ruby "{{.GemDir}}/exe/{{.Name}}" "$@"
`))

func (m *Materializer) writeBinstub(name, gemDir string) error {
	dest := filepath.Join(m.Prefix.BinDir(), name)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := binstubTmpl.Execute(&buf, struct{ GemDir, Name string }{gemDir, name}); err != nil {
		return err
	}
	f, err := renameio.TempFile("", dest)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return err
	}
	if err := f.Chmod(0755); err != nil {
		return err
	}
	return f.CloseAtomicallyReplace()
}

// gemspecInfo recovers require_paths/executables for a linked spec: the
// cache sidecar written at extract time (registry and git sources), else
// a direct regex parse of a Path source's on-disk .gemspec, else the
// lib/ convention fallback runtimeconfig.Writer also applies.
func (m *Materializer) gemspecInfo(spec scint.ResolvedSpec, sourceDir string) (requirePaths, executables []string) {
	if rp, ex, ok := acquire.ReadSpecSidecar(m.Root, m.ABI, spec); ok {
		return withDefault(rp), ex
	}
	if raw, err := os.ReadFile(filepath.Join(sourceDir, spec.Name+".gemspec")); err == nil {
		rp, ex := archive.ParseGemspecText(raw)
		return withDefault(rp), ex
	}
	return []string{"lib"}, scanExecutables(sourceDir)
}

func withDefault(requirePaths []string) []string {
	if len(requirePaths) == 0 {
		return []string{"lib"}
	}
	return requirePaths
}

// scanExecutables applies the exe/ convention bundler gemspecs commonly
// use when no explicit gemspec text was available to parse.
func scanExecutables(sourceDir string) []string {
	entries, err := os.ReadDir(filepath.Join(sourceDir, "exe"))
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}

var gemspecTmpl = template.Must(template.New("gemspec").Parse(`# generated by scint install, do not edit
Gem::Specification.new do |s|
  s.name = {{printf "%q" .Name}}
  s.version = {{printf "%q" .Version}}
  s.require_paths = [{{range $i, $p := .RequirePaths}}{{if $i}}, {{end}}{{printf "%q" $p}}{{end}}]
  s.executables = [{{range $i, $e := .Executables}}{{if $i}}, {{end}}{{printf "%q" $e}}{{end}}]
end
`))

func writeGemspec(dest string, spec scint.ResolvedSpec, requirePaths, executables []string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := gemspecTmpl.Execute(&buf, struct {
		Name, Version string
		RequirePaths  []string
		Executables   []string
	}{spec.Name, spec.Version, requirePaths, executables}); err != nil {
		return err
	}
	f, err := renameio.TempFile("", dest)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return err
	}
	return f.CloseAtomicallyReplace()
}

// copyTree recursively copies src onto dst, skipping .git artifacts the
// way acquire's own copyTree does, generalized here to the link step
// rather than the git extract step.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return os.MkdirAll(dst, 0755)
		}
		if rel == ".git" || strings.HasPrefix(rel, ".git"+string(filepath.Separator)) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		switch {
		case info.IsDir():
			return os.MkdirAll(target, 0755)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return copyFile(path, target, info.Mode())
		}
	})
}

func copyEmbedTree(src fs.FS, dst string) error {
	return fs.WalkDir(src, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		target := filepath.Join(dst, p)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		b, err := fs.ReadFile(src, p)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		return os.WriteFile(target, b, 0644)
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode.Perm())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
