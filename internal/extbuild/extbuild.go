// Package extbuild compiles a gem's native C extensions by running
// extconf.rb and the resulting Makefile, capturing combined output into a
// per-extension build log.
package extbuild

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/kraklabs/scint"
)

// extconfGlob matches the conventional location of a gem's extension
// config scripts: ext/<name>/extconf.rb.
const extconfGlob = "ext/*/extconf.rb"

// Builder shells out to build one extension directory, implementing
// orchestrate.ExtensionBuilder.
type Builder struct {
	// RubyExe is the ruby interpreter used to run extconf.rb, defaulting
	// to "ruby" on the PATH.
	RubyExe string
	// MakeExe is the make binary, defaulting to "make".
	MakeExe string
	// LogDir, if set, receives a copy of each extension's combined
	// build output as "<spec full name>.log".
	LogDir string
	// OnBuilt, if set, runs after every extconf/make pair in Build
	// succeeds, so the caller can record the extensions/<arch>/<api>/
	// artifact marker plan.ExtArtifactChecker later reads back.
	OnBuilt func(spec scint.ResolvedSpec) error
}

func (b *Builder) rubyExe() string {
	if b.RubyExe != "" {
		return b.RubyExe
	}
	return "ruby"
}

func (b *Builder) makeExe() string {
	if b.MakeExe != "" {
		return b.MakeExe
	}
	return "make"
}

// NeedsBuild reports whether extractedDir contains any extension config
// scripts under ext/*/extconf.rb.
func (b *Builder) NeedsBuild(spec scint.ResolvedSpec, extractedDir string) bool {
	matches, _ := filepath.Glob(filepath.Join(extractedDir, extconfGlob))
	return len(matches) > 0
}

// Build runs, for each extconf.rb found under extractedDir, `ruby
// extconf.rb` followed by `make` in the script's directory.
func (b *Builder) Build(ctx context.Context, spec scint.ResolvedSpec, extractedDir string) error {
	matches, err := filepath.Glob(filepath.Join(extractedDir, extconfGlob))
	if err != nil {
		return scint.NewError(scint.ErrExtensionBuild, fmt.Sprintf("%s: globbing extension scripts", spec.Name), err)
	}
	for _, extPath := range matches {
		dir := filepath.Dir(extPath)
		var log bytes.Buffer

		if err := b.runIn(ctx, dir, &log, b.rubyExe(), filepath.Base(extPath)); err != nil {
			b.flushLog(spec, log.Bytes())
			return scint.NewError(scint.ErrExtensionBuild, fmt.Sprintf("%s: extconf failed: %s", spec.Name, extPath), err)
		}
		if err := b.runIn(ctx, dir, &log, b.makeExe()); err != nil {
			b.flushLog(spec, log.Bytes())
			return scint.NewError(scint.ErrExtensionBuild, fmt.Sprintf("%s: make failed: %s", spec.Name, extPath), err)
		}
		b.flushLog(spec, log.Bytes())
	}
	if b.OnBuilt != nil {
		return b.OnBuilt(spec)
	}
	return nil
}

func (b *Builder) runIn(ctx context.Context, dir string, log io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = log
	cmd.Stderr = log
	return cmd.Run()
}

func (b *Builder) flushLog(spec scint.ResolvedSpec, data []byte) {
	if b.LogDir == "" || len(data) == 0 {
		return
	}
	name := spec.FullName() + ".log"
	f, err := os.OpenFile(filepath.Join(b.LogDir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	f.Write(data)
}
