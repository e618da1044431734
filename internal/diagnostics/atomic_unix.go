//go:build !windows

package diagnostics

import (
	"os"

	"github.com/google/renameio/v2"
)

// replaceFile swaps path for a file holding data. Readers see either the
// previous dump or the new one, never a partial write.
func replaceFile(path string, data []byte, perm os.FileMode) error {
	f, err := renameio.NewPendingFile(path, renameio.WithPermissions(perm))
	if err != nil {
		return err
	}
	defer func() { _ = f.Cleanup() }()

	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.CloseAtomicallyReplace()
}
