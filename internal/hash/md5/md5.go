// Package md5 provides MD5 content hashing for comparing files on disk.
package md5

import (
	"crypto/md5" // #nosec G501 -- content comparison, not security
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Hasher implements downloader.FileHasher using MD5.
type Hasher struct{}

// New returns an MD5 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := md5.Sum(data) // #nosec G401
	return hex.EncodeToString(sum[:]), nil
}

// HashFile streams the file through MD5 and returns a hex digest.
func (h *Hasher) HashFile(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304 -- caller controls download paths
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	digest := md5.New() // #nosec G401
	if _, err := io.Copy(digest, f); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}
