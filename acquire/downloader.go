package acquire

import (
	"context"
	"io"
)

// Downloader is the HTTP fetch capability the registry acquirer consumes.
// One Downloader instance is shared across an entire install run.
type Downloader interface {
	// Fetch returns a reader for url. Callers must Close it.
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}
