package manifest

import (
	_ "crypto/sha256" // registers SHA-256 for go-digest
	"fmt"
	"os"

	"github.com/opencontainers/go-digest"

	"github.com/schaermu/pkgsyncd/internal/syncerr"
)

// HashFile returns the lowercase hex SHA-256 of the file at path, streaming
// it from disk.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", syncerr.IO("open file for hashing", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	d, err := digest.SHA256.FromReader(f)
	if err != nil {
		return "", syncerr.IO("hash file", path, err)
	}
	return d.Encoded(), nil
}

// HashBytes returns the lowercase hex SHA-256 of data.
func HashBytes(data []byte) string {
	return digest.SHA256.FromBytes(data).Encoded()
}

// ValidateHash checks that h is a lowercase hex SHA-256 digest. Hashes are
// compared byte for byte everywhere else, so uppercase digests are rejected.
func ValidateHash(h string) error {
	if err := digest.NewDigestFromEncoded(digest.SHA256, h).Validate(); err != nil {
		return fmt.Errorf("invalid sha256 digest %q: %w", h, err)
	}
	return nil
}
