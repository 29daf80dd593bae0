// Package config resolves the small set of environment inputs the
// installer reads directly: an explicit override first, then a
// conventional fallback.
package config

import (
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// InstallPath resolves the --path flag's fallback chain: BUNDLER_PATH,
// else .bundle under the working directory.
func InstallPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv("BUNDLER_PATH"); p != "" {
		return p
	}
	return ".bundle"
}

// ColorEnabled reports whether progress output should use ANSI color:
// honors NO_COLOR (https://no-color.org) unconditionally, then falls back
// to TTY detection on out.
func ColorEnabled(out *os.File) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd())
}

// ApplyColorPreference sets the global fatih/color switch used by
// internal/progress's Summary, since that package's color calls have no
// per-Reporter override.
func ApplyColorPreference(out *os.File) {
	color.NoColor = !ColorEnabled(out)
}

// AbsInstallPath makes InstallPath's result absolute.
func AbsInstallPath(flagValue string) (string, error) {
	p := InstallPath(flagValue)
	return filepath.Abs(p)
}
