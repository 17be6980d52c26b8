package manifest

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/schaermu/pkgsyncd/internal/syncerr"
)

// ValidateName checks that name is a non-empty slash-separated path that
// stays inside the install directory and does not shadow the manifest file.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("empty file name")
	}
	if strings.Contains(name, "\\") {
		return fmt.Errorf("file name %q must use forward slashes", name)
	}
	if !filepath.IsLocal(filepath.FromSlash(name)) {
		return fmt.Errorf("file name %q escapes the install directory", name)
	}
	if filepath.Clean(filepath.FromSlash(name)) == FileName {
		return fmt.Errorf("file name %q is reserved", name)
	}
	return nil
}

// Resolve maps an entry name onto a path inside installDir.
func Resolve(installDir, name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", syncerr.New(syncerr.KindInvalidInput, "resolve path", installDir, err)
	}
	return filepath.Join(installDir, filepath.FromSlash(name)), nil
}
