package sync

import (
	"github.com/Masterminds/semver/v3"
)

// VersionChange classifies moving an install from one version to another
type VersionChange string

const (
	ChangeNotInstalled VersionChange = "not-installed"
	ChangeUpToDate     VersionChange = "up-to-date"
	ChangeUpgrade      VersionChange = "upgrade"
	ChangeDowngrade    VersionChange = "downgrade"
	// ChangeReinstall covers versions that differ but do not parse as semver
	ChangeReinstall VersionChange = "reinstall"
)

// CompareVersions classifies the move from installed to target. Semantic
// versions are ordered; anything else is compared as plain strings.
func CompareVersions(installed, target string) VersionChange {
	if installed == "" {
		return ChangeNotInstalled
	}

	from, errFrom := semver.NewVersion(installed)
	to, errTo := semver.NewVersion(target)
	if errFrom == nil && errTo == nil {
		switch from.Compare(to) {
		case 0:
			return ChangeUpToDate
		case -1:
			return ChangeUpgrade
		default:
			return ChangeDowngrade
		}
	}

	if installed == target {
		return ChangeUpToDate
	}
	return ChangeReinstall
}
