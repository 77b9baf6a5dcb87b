package util

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

// FullHashThreshold is the size above which files are fingerprinted by
// size + prefix hash instead of a full content hash. Hashing a multi-GB
// file twice per operation would dominate commit latency.
const FullHashThreshold = 32 * 1024 * 1024 // 32MB

// PrefixLen is how many leading bytes feed the large-file prefix hash.
const PrefixLen = 4 * 1024 * 1024 // 4MB

// FileFingerprint captures the pre/post state of a file for transaction
// verification. Small files get a full SHA-256; large files get their size
// plus an xxhash of the first PrefixLen bytes, which detects truncation,
// header corruption and wrong-file moves without a full read.
func FileFingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	if info.Size() <= FullHashThreshold {
		h := sha256.New()
		if _, err := io.Copy(h, f); err != nil {
			return "", err
		}
		return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
	}

	h := xxhash.New()
	if _, err := io.CopyN(h, f, PrefixLen); err != nil && err != io.EOF {
		return "", err
	}
	return fmt.Sprintf("xx64:%d:%016x", info.Size(), h.Sum64()), nil
}

// HashBytes returns the full SHA-256 of a byte slice, in the same encoded
// form FileFingerprint uses for small files.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
