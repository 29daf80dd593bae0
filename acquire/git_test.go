package acquire

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindGemSubdirExact(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "rack.gemspec"), []byte(""), 0644); err != nil {
		t.Fatal(err)
	}
	got, err := findGemSubdir(dir, "rack", "")
	if err != nil {
		t.Fatal(err)
	}
	if got != dir {
		t.Fatalf("findGemSubdir() = %q, want %q", got, dir)
	}
}

func TestFindGemSubdirRecursiveFallback(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "pkg", "rack")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "rack.gemspec"), []byte(""), 0644); err != nil {
		t.Fatal(err)
	}
	got, err := findGemSubdir(dir, "rack", "")
	if err != nil {
		t.Fatal(err)
	}
	if got != sub {
		t.Fatalf("findGemSubdir() = %q, want %q", got, sub)
	}
}

func TestFindGemSubdirNotFound(t *testing.T) {
	dir := t.TempDir()
	if _, err := findGemSubdir(dir, "rack", ""); err == nil {
		t.Fatal("expected error for missing gemspec")
	}
}

func TestIsStaleLibLayout(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "lib", "concurrent-ruby")
	if err := os.MkdirAll(lib, 0755); err != nil {
		t.Fatal(err)
	}
	if !isStaleLibLayout(dir) {
		t.Fatalf("expected stale layout to be detected")
	}
}
