// Package archive expands zip payloads into an install directory.
package archive

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/opencontainers/go-digest"

	"github.com/schaermu/pkgsyncd/internal/atomicfile"
	"github.com/schaermu/pkgsyncd/internal/manifest"
	"github.com/schaermu/pkgsyncd/internal/syncerr"
)

const zipMIME = "application/zip"

// Entry is one file written from an archive.
type Entry struct {
	Name string // slash-separated path relative to the install directory
	Hash string
	Size uint64
}

// IsZip reports whether data looks like a zip container, including formats
// built on zip.
func IsZip(data []byte) bool {
	for mt := mimetype.Detect(data); mt != nil; mt = mt.Parent() {
		if mt.Is(zipMIME) {
			return true
		}
	}
	return false
}

// Expand writes every regular file of the zip payload data to its own path
// inside installDir and calls onEntry after each one is in place. Entries
// are written atomically. Entries escaping installDir, unsupported entry
// types and unreadable payloads are ARCHIVE_ERRORs; an onEntry error stops
// the expansion and is returned unchanged.
func Expand(data []byte, installDir string, onEntry func(Entry) error) error {
	if !IsZip(data) {
		return syncerr.New(syncerr.KindArchive, "open archive", installDir,
			fmt.Errorf("payload is %s, not a zip archive", mimetype.Detect(data).String()))
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return syncerr.New(syncerr.KindArchive, "open archive", installDir, err)
	}

	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() || strings.HasSuffix(zf.Name, "/") {
			continue
		}
		if !zf.Mode().IsRegular() {
			return syncerr.New(syncerr.KindArchive, "expand archive", zf.Name,
				fmt.Errorf("unsupported entry type %s", zf.Mode().Type()))
		}

		entry, err := extract(zf, installDir)
		if err != nil {
			return err
		}
		if onEntry != nil {
			if err := onEntry(entry); err != nil {
				return err
			}
		}
	}
	return nil
}

func extract(zf *zip.File, installDir string) (Entry, error) {
	name := zf.Name
	if err := manifest.ValidateName(name); err != nil {
		return Entry{}, syncerr.New(syncerr.KindArchive, "expand archive", name, err)
	}
	dst := filepath.Join(installDir, filepath.FromSlash(name))

	rc, err := zf.Open()
	if err != nil {
		return Entry{}, syncerr.New(syncerr.KindArchive, "open archive entry", name, err)
	}
	defer func() {
		_ = rc.Close()
	}()

	digester := digest.SHA256.Digester()
	src := &trackingReader{r: io.TeeReader(rc, digester.Hash())}

	n, err := atomicfile.Write(dst, src, entryPerm(zf.Mode()), nil)
	if src.err != nil {
		return Entry{}, syncerr.New(syncerr.KindArchive, "read archive entry", name, src.err)
	}
	if err != nil {
		return Entry{}, err
	}

	return Entry{Name: name, Hash: digester.Digest().Encoded(), Size: uint64(n)}, nil
}

func entryPerm(mode os.FileMode) os.FileMode {
	perm := mode.Perm()
	if perm == 0 {
		return 0644
	}
	return perm&0755 | 0600
}

// trackingReader records the first non-EOF read error so corrupt entries
// can be told apart from write failures.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF && t.err == nil {
		t.err = err
	}
	return n, err
}
