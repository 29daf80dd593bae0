package acquire

import (
	"context"
	"path/filepath"

	"github.com/kraklabs/scint"
)

// PathAcquirer serves gems from a user-provided directory: download is a
// no-op, and extract does not populate the cache, it locates the gem
// subdir inside the user-provided directory directly.
type PathAcquirer struct{}

func (a *PathAcquirer) Download(ctx context.Context, spec scint.ResolvedSpec) error {
	return nil
}

func (a *PathAcquirer) Extract(ctx context.Context, spec scint.ResolvedSpec) (string, error) {
	dir, err := findGemSubdir(spec.Source.Path, spec.Name, spec.Source.Glob)
	if err != nil {
		// The top-level path itself may already be the gem root.
		return filepath.Clean(spec.Source.Path), nil
	}
	return dir, nil
}
