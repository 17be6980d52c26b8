// Package reconcile aligns an install directory and its local manifest with
// a remote manifest: it drops obsolete entries, finds entries whose backing
// files are gone, computes what must be fetched and sweeps stray content.
package reconcile

import (
	"log/slog"
	"os"

	"github.com/schaermu/pkgsyncd/internal/manifest"
)

// Partition splits the local entries into those retained against remote and
// the obsolete ones, both in manifest order. An entry is obsolete when its
// (name, size, hash) triple is not declared by remote; archive members are
// obsolete together with their archive. It does not touch the disk.
func Partition(local *manifest.Local, remote *manifest.Remote) (kept, obsolete []manifest.FileEntry) {
	drop := obsoleteSet(local, remote)
	kept = make([]manifest.FileEntry, 0, len(local.Files)-len(drop))
	obsolete = make([]manifest.FileEntry, 0, len(drop))
	for i, f := range local.Files {
		if drop[i] {
			obsolete = append(obsolete, f)
		} else {
			kept = append(kept, f)
		}
	}
	return kept, obsolete
}

// RemoveObsolete deletes every obsolete entry from disk and drops it from
// local. Deletion failures are logged and skipped; the entry is dropped
// regardless. The removed entries are returned in manifest order.
func RemoveObsolete(installDir string, local *manifest.Local, remote *manifest.Remote, logger *slog.Logger) []manifest.FileEntry {
	drop := obsoleteSet(local, remote)
	if len(drop) == 0 {
		return nil
	}

	removed := make([]manifest.FileEntry, 0, len(drop))
	kept := make([]manifest.FileEntry, 0, len(local.Files)-len(drop))
	for i, f := range local.Files {
		if !drop[i] {
			kept = append(kept, f)
			continue
		}
		removed = append(removed, f)

		path, err := manifest.Resolve(installDir, f.Name)
		if err != nil {
			logger.Warn("skipping obsolete entry with unsafe name", "file", f.Name, "error", err)
			continue
		}
		logger.Debug("removing obsolete file", "file", f.Name, "path", path)
		if err := os.RemoveAll(path); err != nil {
			logger.Warn("failed to remove obsolete file", "file", f.Name, "path", path, "error", err)
		}
	}
	local.Files = kept
	return removed
}

// FindMissing returns the fetchable entries of local whose backing content
// is absent from installDir. An archive is reported when any of its members
// is missing; members themselves are never reported. Read-only.
func FindMissing(installDir string, local *manifest.Local) []manifest.FileEntry {
	members := membersByArchive(local)
	missing := make([]manifest.FileEntry, 0)
	for _, f := range local.Files {
		if f.Archive != "" {
			continue
		}
		if !present(installDir, f, members) {
			missing = append(missing, f)
		}
	}
	return missing
}

// SumPresentSize sums the declared sizes of the fetchable entries whose
// backing content currently exists. Archive members are counted through
// their archive's declared size.
func SumPresentSize(installDir string, local *manifest.Local) uint64 {
	members := membersByArchive(local)
	var total uint64
	for _, f := range local.Files {
		if f.Archive != "" {
			continue
		}
		if present(installDir, f, members) {
			total += f.Size
		}
	}
	return total
}

// PlanFetch returns the remote entries that must be fetched, in remote
// order: those not recorded locally, recorded with a different size or
// hash, or whose backing content is missing.
func PlanFetch(installDir string, local *manifest.Local, remote *manifest.Remote) []manifest.FileEntry {
	recorded := make(map[string]manifest.FileEntry, len(local.Files))
	for _, f := range local.Files {
		if f.Archive != "" {
			continue
		}
		if _, ok := recorded[f.Name]; !ok {
			recorded[f.Name] = f
		}
	}
	members := membersByArchive(local)

	plan := make([]manifest.FileEntry, 0)
	for _, want := range remote.Files {
		have, ok := recorded[want.Name]
		if ok && have.Key() == want.Key() && present(installDir, have, members) {
			continue
		}
		plan = append(plan, want)
	}
	return plan
}

// TotalSize sums the declared sizes of files.
func TotalSize(files []manifest.FileEntry) uint64 {
	var total uint64
	for _, f := range files {
		total += f.Size
	}
	return total
}

// obsoleteSet returns the indices of local entries to drop.
func obsoleteSet(local *manifest.Local, remote *manifest.Remote) map[int]bool {
	wanted := make(map[manifest.Key]bool, len(remote.Files))
	for _, f := range remote.Files {
		wanted[f.Key()] = true
	}

	drop := make(map[int]bool)
	keptArchives := make(map[string]bool)
	for i, f := range local.Files {
		if f.Archive != "" {
			continue
		}
		if wanted[f.Key()] {
			keptArchives[f.Name] = true
		} else {
			drop[i] = true
		}
	}
	for i, f := range local.Files {
		if f.Archive != "" && !keptArchives[f.Archive] {
			drop[i] = true
		}
	}
	return drop
}

func membersByArchive(local *manifest.Local) map[string][]manifest.FileEntry {
	members := make(map[string][]manifest.FileEntry)
	for _, f := range local.Files {
		if f.Archive != "" {
			members[f.Archive] = append(members[f.Archive], f)
		}
	}
	return members
}

// present reports whether the content of a fetchable entry is on disk. An
// archive is present when all of its members are.
func present(installDir string, f manifest.FileEntry, members map[string][]manifest.FileEntry) bool {
	if ms := members[f.Name]; len(ms) > 0 {
		for _, m := range ms {
			if !exists(installDir, m.Name) {
				return false
			}
		}
		return true
	}
	return exists(installDir, f.Name)
}

func exists(installDir, name string) bool {
	path, err := manifest.Resolve(installDir, name)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

