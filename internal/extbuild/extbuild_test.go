package extbuild

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kraklabs/scint"
)

func writeScript(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0755); err != nil {
		t.Fatal(err)
	}
}

func TestNeedsBuildFindsExtconf(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, filepath.Join(dir, "ext", "widget_ext", "extconf.rb"), "require 'mkmf'\ncreate_makefile('widget_ext')\n")

	b := &Builder{}
	if !b.NeedsBuild(scint.ResolvedSpec{Name: "widget"}, dir) {
		t.Fatal("expected NeedsBuild to find ext/widget_ext/extconf.rb")
	}
}

func TestNeedsBuildFalseWithoutExtensions(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, filepath.Join(dir, "lib", "widget.rb"), "module Widget; end\n")

	b := &Builder{}
	if b.NeedsBuild(scint.ResolvedSpec{Name: "widget"}, dir) {
		t.Fatal("expected NeedsBuild to be false for a pure-Ruby gem")
	}
}

func TestBuildRunsExtconfAndMake(t *testing.T) {
	dir := t.TempDir()
	extDir := filepath.Join(dir, "ext", "widget_ext")
	writeScript(t, filepath.Join(extDir, "extconf.rb"), "")

	rubyStub := filepath.Join(dir, "fake-ruby")
	writeScript(t, rubyStub, "#!/bin/sh\ntouch \"$(dirname \"$1\")/ran-extconf\"\n")

	makeStub := filepath.Join(dir, "fake-make")
	writeScript(t, makeStub, "#!/bin/sh\ntouch ran\n")

	b := &Builder{RubyExe: rubyStub, MakeExe: makeStub}
	if err := b.Build(context.Background(), scint.ResolvedSpec{Name: "widget", Version: "1.0"}, dir); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(extDir, "ran-extconf")); err != nil {
		t.Fatalf("extconf stub did not run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(extDir, "ran")); err != nil {
		t.Fatalf("make stub did not run: %v", err)
	}
}

func TestBuildWritesLogOnFailure(t *testing.T) {
	dir := t.TempDir()
	extDir := filepath.Join(dir, "ext", "widget_ext")
	writeScript(t, filepath.Join(extDir, "extconf.rb"), "")

	failStub := filepath.Join(dir, "fake-ruby-fail")
	writeScript(t, failStub, "#!/bin/sh\necho boom 1>&2\nexit 1\n")

	logDir := t.TempDir()
	b := &Builder{RubyExe: failStub, LogDir: logDir}
	err := b.Build(context.Background(), scint.ResolvedSpec{Name: "widget", Version: "1.0"}, dir)
	if err == nil {
		t.Fatal("expected an error from the failing extconf stub")
	}
	data, readErr := os.ReadFile(filepath.Join(logDir, "widget-1.0.log"))
	if readErr != nil {
		t.Fatalf("expected a build log file: %v", readErr)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty build log")
	}
}
