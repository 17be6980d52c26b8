// Package fetch retrieves package files from the remote store.
//
// Two transports are provided: HTTPFetcher talks to the download API
// (apiUrl?bucketName=...&pathFilename=...), S3Fetcher reads objects from the
// bucket directly. Both stream the body and expose its declared content type.
package fetch

import (
	"context"
	"fmt"
	"io"

	"github.com/schaermu/pkgsyncd/internal/manifest"
	"github.com/schaermu/pkgsyncd/internal/syncerr"
)

// ManifestName is the name of the remote manifest stored next to a
// version's files.
const ManifestName = "manifest.json"

// ZipContentType marks a payload that must be expanded as an archive.
const ZipContentType = "application/zip"

// Source locates one package version in the remote store.
type Source struct {
	APIURL       string
	Bucket       string
	PathPrefix   string
	Version      string
	Architecture string
}

// Key returns the object key of name: <prefix><version>/<architecture>/<name>.
func (s Source) Key(name string) string {
	return s.PathPrefix + s.Version + "/" + s.Architecture + "/" + name
}

// Response is a successful fetch. The caller must close Body.
type Response struct {
	// ContentType is the declared content type, verbatim.
	ContentType string

	// Size is the declared body length, or -1 when unknown.
	Size int64

	Body io.ReadCloser
}

// Fetcher streams the content of one remote file. A non-success response
// is returned as a *syncerr.StatusError.
type Fetcher interface {
	Fetch(ctx context.Context, src Source, name string) (*Response, error)
}

// RemoteManifest fetches and decodes the manifest of src's version.
func RemoteManifest(ctx context.Context, f Fetcher, src Source) (*manifest.Remote, error) {
	resp, err := f.Fetch(ctx, src, ManifestName)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch remote manifest: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	remote, err := manifest.DecodeRemote(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode remote manifest %s: %w", src.Key(ManifestName), err)
	}
	if remote.Version == "" {
		remote.Version = src.Version
	}
	return remote, nil
}

func transferError(op, name string, err error) error {
	return syncerr.New(syncerr.KindTransfer, op, name, err)
}
