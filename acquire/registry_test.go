package acquire

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/kraklabs/scint/internal/archive"
)

func TestExtractGemUnpacksDataTree(t *testing.T) {
	srcDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "lib.rb"), []byte("puts 1\n"), 0644); err != nil {
		t.Fatal(err)
	}

	var gem bytes.Buffer
	if err := archive.Write(&gem, archive.Gemspec{Name: "widget", Version: "1.0.0", RequirePaths: []string{"lib"}}, srcDir); err != nil {
		t.Fatal(err)
	}

	gemPath := filepath.Join(t.TempDir(), "widget-1.0.0.gem")
	if err := os.WriteFile(gemPath, gem.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}

	destDir := t.TempDir()
	gemspec, err := extractGem(gemPath, destDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(gemspec.RequirePaths) != 1 || gemspec.RequirePaths[0] != "lib" {
		t.Fatalf("gemspec.RequirePaths = %v", gemspec.RequirePaths)
	}

	got, err := os.ReadFile(filepath.Join(destDir, "lib.rb"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "puts 1\n" {
		t.Fatalf("lib.rb content = %q", got)
	}
}
