package reconcile

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/denormal/go-gitignore"

	"github.com/schaermu/pkgsyncd/internal/atomicfile"
	"github.com/schaermu/pkgsyncd/internal/manifest"
	"github.com/schaermu/pkgsyncd/internal/syncerr"
)

// KeepList matches install directory children that a sweep must leave in
// place, using gitignore pattern syntax.
type KeepList struct {
	matcher gitignore.GitIgnore
}

// NewKeepList compiles patterns relative to installDir. Blank lines and
// comments are skipped; malformed patterns are logged and ignored.
func NewKeepList(installDir string, patterns []string, logger *slog.Logger) *KeepList {
	var lines []string
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}
		lines = append(lines, strings.ReplaceAll(p, "\\", "/"))
	}
	if len(lines) == 0 {
		return &KeepList{}
	}

	matcher := gitignore.New(strings.NewReader(strings.Join(lines, "\n")), installDir, func(err gitignore.Error) bool {
		logger.Warn("ignoring invalid keep pattern", "error", err)
		return true
	})
	return &KeepList{matcher: matcher}
}

// Keeps reports whether the slash-separated name (relative to the install
// directory) is protected from the sweep.
func (k *KeepList) Keeps(name string, isDir bool) bool {
	if k == nil || k.matcher == nil {
		return false
	}
	m := k.matcher.Relative(name, isDir)
	return m != nil && m.Ignore()
}

// SweepExtraneous deletes every direct child of installDir that is neither
// the manifest file, kept by keep, nor covered by a manifest entry (either
// the entry itself or one of its ancestor directories). Directories are
// removed recursively. Leftover temporary files inside covered directories
// are removed as well. The removed names are returned.
func SweepExtraneous(installDir string, local *manifest.Local, keep *KeepList, logger *slog.Logger) ([]string, error) {
	covered := make(map[string]bool, len(local.Files))
	for _, f := range local.Files {
		covered[topLevel(f.Name)] = true
	}

	children, err := os.ReadDir(installDir)
	if err != nil {
		return nil, syncerr.IO("read install directory", installDir, err)
	}

	var removed []string
	for _, child := range children {
		name := child.Name()
		if name == manifest.FileName {
			continue
		}
		if covered[name] {
			if child.IsDir() {
				temps, err := sweepTemp(installDir, name, logger)
				removed = append(removed, temps...)
				if err != nil {
					return removed, err
				}
			}
			continue
		}
		if keep.Keeps(name, child.IsDir()) {
			logger.Debug("keeping untracked path", "path", name)
			continue
		}

		path := filepath.Join(installDir, name)
		logger.Info("removing untracked path", "path", path)
		if child.IsDir() {
			err = os.RemoveAll(path)
		} else {
			err = os.Remove(path)
		}
		if err != nil {
			return removed, syncerr.IO("remove untracked path", path, err)
		}
		removed = append(removed, name)
	}
	return removed, nil
}

// sweepTemp removes the temporary files an interrupted write left below the
// covered directory dir
func sweepTemp(installDir, dir string, logger *slog.Logger) ([]string, error) {
	var removed []string
	err := filepath.WalkDir(filepath.Join(installDir, dir), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !atomicfile.IsTemp(d.Name()) {
			return nil
		}
		logger.Info("removing leftover temporary file", "path", path)
		if err := os.Remove(path); err != nil {
			return err
		}
		rel, err := filepath.Rel(installDir, path)
		if err != nil {
			return err
		}
		removed = append(removed, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return removed, syncerr.IO("remove temporary files", filepath.Join(installDir, dir), err)
	}
	return removed, nil
}

// topLevel returns the first path element of a slash-separated name.
func topLevel(name string) string {
	name = filepath.ToSlash(filepath.Clean(filepath.FromSlash(name)))
	if i := strings.IndexByte(name, '/'); i >= 0 {
		return name[:i]
	}
	return name
}
