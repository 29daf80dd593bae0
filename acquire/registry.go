package acquire

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/orcaman/writerseeker"
	"golang.org/x/exp/mmap"

	"github.com/kraklabs/scint"
	"github.com/kraklabs/scint/cache"
	"github.com/kraklabs/scint/internal/archive"
)

// RegistryAcquirer fetches
// <remote>/gems/<full-name>.gem into inbound/, then unpack into
// cached/<abi>/<full-name>/ via assemble→promote.
type RegistryAcquirer struct {
	root     cache.Root
	promoter *cache.Promoter
	abi      string
	dl       Downloader
}

func (a *RegistryAcquirer) Download(ctx context.Context, spec scint.ResolvedSpec) error {
	inbound, err := a.root.InboundPath(a.abi, spec)
	if err != nil {
		return err
	}
	if cache.Exists(inbound) {
		return nil // skip if file already present
	}
	if len(spec.Source.Remotes) == 0 {
		return scint.NewError(scint.ErrInstall, "no registry remote configured for "+spec.Name, nil)
	}
	remote := spec.Source.Remotes[0]
	url := remote + "/gems/" + spec.FullName() + ".gem"

	rc, err := a.dl.Fetch(ctx, url)
	if err != nil {
		return scint.NewError(scint.ErrNetwork, "downloading "+url, err)
	}
	defer rc.Close()

	// Buffer the whole body in an in-memory seekable writer before creating
	// the inbound file, so a download that fails mid-stream leaves no
	// partial .gem behind. No checksum is computed over the bytes.
	ws := &writerseeker.WriterSeeker{}
	if _, err := io.Copy(ws, rc); err != nil {
		return scint.NewError(scint.ErrNetwork, "reading "+url, err)
	}

	if err := os.MkdirAll(filepath.Dir(inbound), 0755); err != nil {
		return err
	}
	f, err := os.Create(inbound)
	if err != nil {
		return scint.NewError(scint.ErrPermission, "creating "+inbound, err)
	}
	defer f.Close()
	rs := ws.Reader()
	if _, err := io.Copy(f, rs); err != nil {
		return err
	}
	return nil
}

// ArchiveExtractor is the external archive-reader capability: given a
// .gem-style tarball, it extracts a tree and reports whether the gem has
// native extensions.
type ArchiveExtractor interface {
	Extract(gemPath, destDir string) (hasExtensions bool, err error)
}

func (a *RegistryAcquirer) Extract(ctx context.Context, spec scint.ResolvedSpec) (string, error) {
	cached, err := a.root.CachedPath(a.abi, spec)
	if err != nil {
		return "", err
	}
	if manifestValid(a.root, a.abi, spec) {
		return cached, nil
	}

	inbound, err := a.root.InboundPath(a.abi, spec)
	if err != nil {
		return "", err
	}
	tmp, err := a.root.AssemblingTempPath(a.abi, spec, os.Getpid(), tid())
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return "", err
	}
	defer os.RemoveAll(tmp) // best-effort cleanup on any early-return path

	gemspec, err := extractGem(inbound, tmp)
	if err != nil {
		return "", scint.NewError(scint.ErrInstall, "extracting "+inbound, err)
	}

	assembling, err := a.root.AssemblingPath(a.abi, spec)
	if err != nil {
		return "", err
	}
	if err := os.Rename(tmp, assembling); err != nil {
		return "", scint.NewError(scint.ErrCache, "staging "+assembling, err)
	}

	if err := writeSpecSidecar(a.root, a.abi, spec, gemspec); err != nil {
		return "", err
	}

	if spec.HasExtensions {
		// Promotion is deferred until after the extension build.
		return assembling, nil
	}

	if _, err := a.promoter.Promote(spec.FullName(), assembling, cached); err != nil {
		return "", scint.NewError(scint.ErrCache, "promoting "+cached, err)
	}
	writeManifestSidecar(a.root, a.abi, spec, cached)
	return cached, nil
}

// extractGem unpacks a .gem file (an uncompressed outer tar containing
// metadata.gz and data.tar.gz) into destDir, mmap'ing the source so a
// large gem's outer tar isn't fully buffered in memory before reading it,
// and returns the decoded gemspec for the caller's sidecar.
func extractGem(src, destDir string) (archive.Gemspec, error) {
	ra, err := mmap.Open(src)
	if err != nil {
		return archive.Gemspec{}, err
	}
	defer ra.Close()

	gemspec, dataTarGz, err := archive.Read(io.NewSectionReader(ra, 0, int64(ra.Len())))
	if err != nil {
		return archive.Gemspec{}, err
	}
	if err := archive.ExtractDataTar(dataTarGz, destDir); err != nil {
		return archive.Gemspec{}, err
	}
	return gemspec, nil
}
