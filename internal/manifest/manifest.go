// Package manifest holds the local and remote manifest model and its
// persistence inside an install directory.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/schaermu/pkgsyncd/internal/atomicfile"
	"github.com/schaermu/pkgsyncd/internal/syncerr"
)

// FileName is the name of the persisted local manifest inside an install directory.
const FileName = "manifest_local.json"

// FileEntry describes one file of a package.
type FileEntry struct {
	Name string `json:"name"` // slash-separated path relative to the install directory
	Hash string `json:"hash"` // lowercase hex SHA-256 of the content
	Size uint64 `json:"size"`

	// Archive is set on files expanded from an archive and names the
	// archive entry that owns them.
	Archive string `json:"archive,omitempty"`
}

// Key identifies an entry's content for "unchanged" comparisons.
type Key struct {
	Name string
	Size uint64
	Hash string
}

// Key returns the (name, size, hash) triple of the entry.
func (f FileEntry) Key() Key {
	return Key{Name: f.Name, Size: f.Size, Hash: f.Hash}
}

// Local is the engine's record of what is correctly installed.
type Local struct {
	InstallPath string      `json:"pathInstallLocation"`
	PackageID   uint64      `json:"gameId"`
	Title       string      `json:"gameTitle"`
	BinarySize  uint64      `json:"gameBinarySize"`
	Version     string      `json:"version"`
	Files       []FileEntry `json:"files"`
}

// Remote is the target state of one sync operation. Each entry describes
// the bytes served for its name; for an archive that is the zip payload, not
// its extracted content.
type Remote struct {
	Version string      `json:"version"`
	Files   []FileEntry `json:"files"`
}

// Path returns the location of the persisted manifest for installPath.
func Path(installPath string) string {
	return filepath.Join(installPath, FileName)
}

// LoadOrCreate reads the manifest persisted in installPath, or returns a new
// empty manifest carrying the supplied metadata when none exists.
func LoadOrCreate(installPath string, packageID uint64, title string, binarySize uint64, version string) (*Local, error) {
	m, err := Load(installPath)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	return &Local{
		InstallPath: installPath,
		PackageID:   packageID,
		Title:       title,
		BinarySize:  binarySize,
		Version:     version,
		Files:       []FileEntry{},
	}, nil
}

// Load reads the manifest persisted in installPath. A missing manifest is an
// IO_ERROR wrapping os.ErrNotExist.
func Load(installPath string) (*Local, error) {
	path := Path(installPath)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, syncerr.IO("read manifest", path, err)
	}

	var m Local
	if err := decodeStrict(data, &m); err != nil {
		return nil, syncerr.Format("parse manifest", path, err)
	}
	if m.Files == nil {
		m.Files = []FileEntry{}
	}
	return &m, nil
}

// Save persists m into installPath as indented JSON, replacing the previous
// manifest atomically.
func Save(installPath string, m *Local) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return syncerr.Format("encode manifest", installPath, err)
	}

	_, err = atomicfile.Write(Path(installPath), bytes.NewReader(data), 0644, nil)
	return err
}

// Dedup keeps the first entry for each name and drops later duplicates in place.
func Dedup(m *Local) {
	seen := make(map[string]bool, len(m.Files))
	kept := m.Files[:0]
	for _, f := range m.Files {
		if seen[f.Name] {
			continue
		}
		seen[f.Name] = true
		kept = append(kept, f)
	}
	// clear the dropped tail
	for i := len(kept); i < len(m.Files); i++ {
		m.Files[i] = FileEntry{}
	}
	m.Files = kept
}

// Members returns the entries expanded from the archive entry called name.
func (m *Local) Members(name string) []FileEntry {
	var members []FileEntry
	for _, f := range m.Files {
		if f.Archive == name {
			members = append(members, f)
		}
	}
	return members
}

// LoadRemote reads a remote manifest from path, or from stdin when path is "-".
func LoadRemote(path string) (*Remote, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, syncerr.IO("read remote manifest", path, err)
		}
		defer func() {
			_ = f.Close()
		}()
		r = f
	}

	remote, err := DecodeRemote(r)
	if err != nil {
		return nil, fmt.Errorf("failed to load remote manifest %s: %w", path, err)
	}
	return remote, nil
}

// DecodeRemote parses and validates a remote manifest.
func DecodeRemote(r io.Reader) (*Remote, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, syncerr.IO("read remote manifest", "", err)
	}

	var remote Remote
	if err := decodeStrict(data, &remote); err != nil {
		return nil, syncerr.Format("parse remote manifest", "", err)
	}
	if err := remote.Validate(); err != nil {
		return nil, err
	}
	return &remote, nil
}

// Validate checks that every entry has a safe relative name, a valid
// digest and that no name repeats.
func (r *Remote) Validate() error {
	seen := make(map[string]bool, len(r.Files))
	for i, f := range r.Files {
		if err := ValidateName(f.Name); err != nil {
			return syncerr.Invalid("validate remote manifest", "files[%d]: %v", i, err)
		}
		if err := ValidateHash(f.Hash); err != nil {
			return syncerr.Invalid("validate remote manifest", "files[%d] %s: %v", i, f.Name, err)
		}
		if seen[f.Name] {
			return syncerr.Invalid("validate remote manifest", "files[%d]: duplicate name %s", i, f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}

// decodeStrict unmarshals a single JSON object and rejects trailing data.
func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after manifest object")
	}
	return nil
}
