package cache

import (
	"github.com/google/renameio"
)

// WriteSidecar atomically writes a .spec or .manifest sibling file.
// Sidecars are only written once their cached/<k>/ tree exists, and a
// reader must never observe a half-written file.
func WriteSidecar(path string, data []byte) error {
	f, err := renameio.TempFile("", path)
	if err != nil {
		return err
	}
	defer f.Cleanup()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.CloseAtomicallyReplace()
}
