package acquire

import (
	"context"

	"github.com/kraklabs/scint"
)

// BuiltinAcquirer handles the synthetic self-install gem: it copies the
// embedded library tree into the install prefix and writes a synthetic
// gemspec; it never touches the cache. The embedded tree itself is
// supplied by the caller (the orchestrator knows the install prefix),
// so both phases are no-ops here and materialization happens in the
// builtin link job.
type BuiltinAcquirer struct{}

func (a *BuiltinAcquirer) Download(ctx context.Context, spec scint.ResolvedSpec) error {
	return nil
}

func (a *BuiltinAcquirer) Extract(ctx context.Context, spec scint.ResolvedSpec) (string, error) {
	return "", nil
}
