// Package atomicfile writes files through a temporary sibling and a rename,
// so the destination path never holds partial content.
package atomicfile

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/schaermu/pkgsyncd/internal/syncerr"
)

// TempPrefix starts the name of every temporary file created by Write.
const TempPrefix = ".pkgsyncd-tmp-"

// IsTemp reports whether name (a base name) looks like a leftover temporary file.
func IsTemp(name string) bool {
	return strings.HasPrefix(name, TempPrefix)
}

// Write streams r into a temporary file next to dst and renames it into place.
//
// If verify is non-nil it is called with the temporary path after the data is
// flushed and before the rename. A verify error is returned unchanged and dst
// is left untouched. All other failures are IO_ERRORs. The temporary file is
// removed on every failure path.
func Write(dst string, r io.Reader, perm os.FileMode, verify func(tmpPath string) error) (int64, error) {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, syncerr.IO("create directory", dir, err)
	}

	tmpFile, err := os.CreateTemp(dir, TempPrefix+"*")
	if err != nil {
		return 0, syncerr.IO("create temp file", dir, err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error, no-op after rename

	n, err := io.Copy(tmpFile, r)
	if err != nil {
		_ = tmpFile.Close()
		return n, syncerr.IO("write file", tmpPath, err)
	}

	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		return n, syncerr.IO("chmod file", tmpPath, err)
	}

	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return n, syncerr.IO("sync file", tmpPath, err)
	}

	if err := tmpFile.Close(); err != nil {
		return n, syncerr.IO("close file", tmpPath, err)
	}

	if verify != nil {
		if err := verify(tmpPath); err != nil {
			return n, err
		}
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		return n, syncerr.IO("rename temp file", dst, err)
	}

	return n, nil
}
