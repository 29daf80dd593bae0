// Package archive reads and writes the .gem package format: a tar archive
// containing metadata.gz (the gemspec, YAML-encoded) and data.tar.gz (the
// gem's file tree), plus an optional checksums.yaml.gz.
package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/klauspost/pgzip"
	"gopkg.in/yaml.v3"

	"github.com/kraklabs/scint"
)

// Gemspec is the subset of gem metadata the installer needs once a .gem
// has been extracted.
type Gemspec struct {
	Name         string   `yaml:"name"`
	Version      string   `yaml:"version"`
	RequirePaths []string `yaml:"require_paths"`
	Extensions   []string `yaml:"extensions"`
	Executables  []string `yaml:"executables"`
}

// Read parses a .gem file's outer tar, returning the decoded gemspec and
// the raw (still gzip-compressed) data.tar.gz bytes for ExtractDataTar.
func Read(r io.Reader) (Gemspec, []byte, error) {
	tr := tar.NewReader(r)
	var spec Gemspec
	var dataTarGz []byte
	var sawMetadata bool

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Gemspec{}, nil, scint.NewError(scint.ErrCache, "reading .gem outer tar", err)
		}
		switch hdr.Name {
		case "metadata.gz":
			raw, err := io.ReadAll(io.LimitReader(tr, hdr.Size))
			if err != nil {
				return Gemspec{}, nil, err
			}
			spec, err = parseMetadata(raw)
			if err != nil {
				return Gemspec{}, nil, err
			}
			sawMetadata = true
		case "data.tar.gz":
			raw, err := io.ReadAll(io.LimitReader(tr, hdr.Size))
			if err != nil {
				return Gemspec{}, nil, err
			}
			dataTarGz = raw
		}
	}
	if !sawMetadata {
		return Gemspec{}, nil, scint.NewError(scint.ErrCache, "gem archive has no metadata.gz", nil)
	}
	return spec, dataTarGz, nil
}

func parseMetadata(gzipped []byte) (Gemspec, error) {
	zr, err := gzip.NewReader(bytes.NewReader(gzipped))
	if err != nil {
		return Gemspec{}, scint.NewError(scint.ErrCache, "decompressing metadata.gz", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return Gemspec{}, scint.NewError(scint.ErrCache, "reading metadata.gz", err)
	}
	var spec Gemspec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return Gemspec{}, scint.NewError(scint.ErrCache, "parsing gemspec YAML", err)
	}
	return spec, nil
}

// ExtractDataTar unpacks a gzip-compressed data tar into destDir, the way
// `gem unpack` lays a gem's file tree onto disk. Uses pgzip for parallel
// decompression of larger gems.
func ExtractDataTar(dataTarGz []byte, destDir string) error {
	zr, err := pgzip.NewReader(bytes.NewReader(dataTarGz))
	if err != nil {
		return scint.NewError(scint.ErrCache, "decompressing data.tar.gz", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return scint.NewError(scint.ErrCache, "reading data.tar.gz", err)
		}
		target := filepath.Join(destDir, hdr.Name)
		if err := extractEntry(tr, hdr, target); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(tr *tar.Reader, hdr *tar.Header, target string) error {
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, os.FileMode(hdr.Mode)|0755)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(f, tr); err != nil {
			return err
		}
		return nil
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		os.Remove(target)
		return os.Symlink(hdr.Linkname, target)
	default:
		return nil
	}
}

// Write packages a directory tree plus a gemspec into a .gem tar, the
// inverse of Read.
func Write(w io.Writer, spec Gemspec, dataDir string) error {
	specYAML, err := yaml.Marshal(spec)
	if err != nil {
		return err
	}
	var metaBuf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&metaBuf, gzip.BestSpeed)
	if err != nil {
		return err
	}
	if _, err := zw.Write(specYAML); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	var dataBuf bytes.Buffer
	dzw := pgzip.NewWriter(&dataBuf)
	dtw := tar.NewWriter(dzw)
	if err := addDirToTar(dtw, dataDir, ""); err != nil {
		return err
	}
	if err := dtw.Close(); err != nil {
		return err
	}
	if err := dzw.Close(); err != nil {
		return err
	}

	tw := tar.NewWriter(w)
	if err := writeTarEntry(tw, "metadata.gz", metaBuf.Bytes()); err != nil {
		return err
	}
	if err := writeTarEntry(tw, "data.tar.gz", dataBuf.Bytes()); err != nil {
		return err
	}
	return tw.Close()
}

func writeTarEntry(tw *tar.Writer, name string, data []byte) error {
	if err := tw.WriteHeader(&tar.Header{
		Name:   name,
		Size:   int64(len(data)),
		Mode:   0644,
		Format: tar.FormatGNU,
	}); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

func addDirToTar(tw *tar.Writer, root, prefix string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		full := filepath.Join(root, e.Name())
		name := e.Name()
		if prefix != "" {
			name = prefix + "/" + e.Name()
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		if e.IsDir() {
			if err := tw.WriteHeader(&tar.Header{
				Name:     name + "/",
				Typeflag: tar.TypeDir,
				Mode:     0755,
				Format:   tar.FormatGNU,
			}); err != nil {
				return err
			}
			if err := addDirToTar(tw, full, name); err != nil {
				return err
			}
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			link, err := os.Readlink(full)
			if err != nil {
				return err
			}
			if err := tw.WriteHeader(&tar.Header{
				Name:     name,
				Typeflag: tar.TypeSymlink,
				Linkname: link,
				Mode:     0777,
				Format:   tar.FormatGNU,
			}); err != nil {
				return err
			}
			continue
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return err
		}
		if err := tw.WriteHeader(&tar.Header{
			Name:   name,
			Size:   int64(len(data)),
			Mode:   int64(info.Mode().Perm()),
			Format: tar.FormatGNU,
		}); err != nil {
			return err
		}
		if _, err := tw.Write(data); err != nil {
			return err
		}
	}
	return nil
}

var (
	requirePathsRe = regexp.MustCompile(`\.require_paths\s*=\s*(\[[^\]]*\]|(['"])[^'"]*\2)`)
	executablesRe  = regexp.MustCompile(`\.executables\s*=\s*(\[[^\]]*\]|(['"])[^'"]*\2)`)
	versionRe      = regexp.MustCompile(`\.version\s*=\s*(['"])([^'"]*)\1`)
	quotedRe       = regexp.MustCompile(`(['"])(.*?)\1`)
)

// ParseGemspecVersion extracts a literal version assignment from .gemspec
// source text; empty when the gemspec computes its version (e.g. reads a
// VERSION file), in which case the caller falls back to other evidence.
func ParseGemspecVersion(src []byte) string {
	if m := versionRe.FindSubmatch(src); m != nil {
		return string(m[2])
	}
	return ""
}

// ParseGemspecText extracts require_paths and executables from a literal
// .gemspec source file without evaluating it as Ruby, for git/path
// sources where no metadata.gz exists. Assignments the regexes don't
// recognize are silently ignored.
func ParseGemspecText(src []byte) (requirePaths, executables []string) {
	text := string(src)
	if m := requirePathsRe.FindStringSubmatch(text); m != nil {
		requirePaths = quotedValues(m[1])
	}
	if m := executablesRe.FindStringSubmatch(text); m != nil {
		executables = quotedValues(m[1])
	}
	return requirePaths, executables
}

func quotedValues(s string) []string {
	matches := quotedRe.FindAllStringSubmatch(s, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[2])
	}
	return out
}
