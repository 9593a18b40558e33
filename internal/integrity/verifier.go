// Package integrity computes an informational content digest for a finished
// artifact. It never gates finalization: dlm-go has no authoritative
// external hash to verify transferred bytes against, so the digest it
// produces is exposed for the caller's own records, not compared against
// anything. Grounded on the original FileVerifier's SHA-256/MD5 helpers,
// narrowed from a pass/fail Verify into a pure digest computer.
package integrity

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// ContentDigester computes a hash of a finished download for display/export
// purposes. It holds no state and is safe to share across tasks.
type ContentDigester struct{}

func NewContentDigester() *ContentDigester {
	return &ContentDigester{}
}

// Digest computes the hash of the file at path under algo ("sha256" or "md5"),
// for the caller to attach to a record. It does not compare against anything
// and never fails a download on its own.
func (d *ContentDigester) Digest(path, algo string) (string, error) {
	return CalculateHash(path, algo)
}

// CalculateHash computes the hash of a file.
// algorithm should be "sha256" or "md5".
func CalculateHash(filePath string, algorithm string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	var hash string
	switch algorithm {
	case "sha256":
		hasher := sha256.New()
		if _, err := io.Copy(hasher, file); err != nil {
			return "", err
		}
		hash = hex.EncodeToString(hasher.Sum(nil))
	case "md5":
		hasher := md5.New()
		if _, err := io.Copy(hasher, file); err != nil {
			return "", err
		}
		hash = hex.EncodeToString(hasher.Sum(nil))
	default:
		return "", fmt.Errorf("unsupported algorithm: %s", algorithm)
	}

	return hash, nil
}
