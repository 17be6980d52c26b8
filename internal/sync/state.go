package sync

import (
	"path/filepath"

	"github.com/schaermu/pkgsyncd/internal/config"
	"github.com/schaermu/pkgsyncd/internal/control"
	"github.com/schaermu/pkgsyncd/internal/fetch"
	"github.com/schaermu/pkgsyncd/internal/manifest"
	"github.com/schaermu/pkgsyncd/internal/syncerr"
)

// Request describes one sync of a package version into an install directory
type Request struct {
	Bucket       string `json:"bucket"`
	PathPrefix   string `json:"pathPrefix"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	APIURL       string `json:"apiUrl"`
	InstallPath  string `json:"installPath"`

	// FilesToDownload is fetched in order. When nil, the list is planned
	// from the remote manifest and the install directory.
	FilesToDownload []manifest.FileEntry `json:"filesToDownload"`

	DesktopShortcut bool             `json:"desktopShortcut"`
	Title           string           `json:"title"`
	Version         string           `json:"version"`
	BinarySize      uint64           `json:"binarySize"`
	PackageID       uint64           `json:"packageId"`
	UserID          uint64           `json:"userId"`
	RemoteManifest  *manifest.Remote `json:"remoteManifest"`

	// Flags, when set, are the already reset control flags of the package.
	// Otherwise Run resets them itself.
	Flags *control.Flags `json:"-"`
}

// ApplyDefaults fills empty source fields from the configuration and the
// version from the remote manifest
func (r *Request) ApplyDefaults(cfg *config.Config) {
	if r.APIURL == "" {
		r.APIURL = cfg.Source.APIURL
	}
	if r.Bucket == "" {
		r.Bucket = cfg.Source.Bucket
	}
	if r.PathPrefix == "" {
		r.PathPrefix = cfg.Source.PathPrefix
	}
	if r.OS == "" {
		r.OS = cfg.Source.OS
	}
	if r.Architecture == "" {
		r.Architecture = cfg.Source.Architecture
	}
	if r.Version == "" && r.RemoteManifest != nil {
		r.Version = r.RemoteManifest.Version
	}
}

// Validate checks that the request can be acted on
func (r *Request) Validate() error {
	if r.InstallPath == "" {
		return syncerr.Invalid("validate request", "installPath is required")
	}
	if !filepath.IsAbs(r.InstallPath) {
		return syncerr.Invalid("validate request", "installPath must be absolute: %s", r.InstallPath)
	}
	if r.RemoteManifest == nil {
		return syncerr.Invalid("validate request", "remoteManifest is required")
	}
	if err := r.RemoteManifest.Validate(); err != nil {
		return err
	}
	if r.Version == "" {
		return syncerr.Invalid("validate request", "version is required")
	}
	for i, f := range r.FilesToDownload {
		if err := manifest.ValidateName(f.Name); err != nil {
			return syncerr.Invalid("validate request", "filesToDownload[%d]: %v", i, err)
		}
		if err := manifest.ValidateHash(f.Hash); err != nil {
			return syncerr.Invalid("validate request", "filesToDownload[%d] %s: %v", i, f.Name, err)
		}
	}
	return nil
}

// Source returns the remote location of the requested version
func (r *Request) Source() fetch.Source {
	return fetch.Source{
		APIURL:       r.APIURL,
		Bucket:       r.Bucket,
		PathPrefix:   r.PathPrefix,
		Version:      r.Version,
		Architecture: r.Architecture,
	}
}

// Plan represents the work a sync would do
type Plan struct {
	Obsolete  []manifest.FileEntry `json:"obsolete"`
	Fetch     []manifest.FileEntry `json:"fetch"`
	FetchSize uint64               `json:"fetchSize"`
	Baseline  uint64               `json:"baseline"`
	Change    VersionChange        `json:"change"`
}

// Status reports an install directory against a target version
type Status struct {
	InstallPath string               `json:"installPath"`
	Installed   bool                 `json:"installed"`
	Version     string               `json:"version,omitempty"`
	Target      string               `json:"target,omitempty"`
	Change      VersionChange        `json:"change"`
	Files       int                  `json:"files"`
	PresentSize uint64               `json:"presentSize"`
	Missing     []manifest.FileEntry `json:"missing"`
}
