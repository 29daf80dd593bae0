package cache

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/pgzip"
	"golang.org/x/mod/sumdb/dirhash"
)

// ContentManifest computes the content-addressed hash of an extracted tree
// for the cached/<abi>/<full-name>.manifest sidecar. dirhash already
// implements this "hash of a directory's file list + contents" shape for
// Go's own module cache.
func ContentManifest(dir string) (string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return "", err
	}
	return dirhash.Hash1(files, func(name string) (io.ReadCloser, error) {
		return os.Open(filepath.Join(dir, name))
	})
}

// WriteManifestSidecar gzip-compresses the (hash, file-list) manifest
// payload before writing it atomically; trees with thousands of files
// produce a file list worth compressing.
func WriteManifestSidecar(path, hash string, files []string) error {
	var buf bytes.Buffer
	zw := pgzip.NewWriter(&buf)
	io.WriteString(zw, hash+"\n"+strings.Join(files, "\n")+"\n")
	if err := zw.Close(); err != nil {
		return err
	}
	return WriteSidecar(path, buf.Bytes())
}
