package registry

import (
	"crypto/sha1" // #nosec G505 - SHA1 is the digest published by the portal
	"encoding/hex"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
)

// FileInfo is a set of meta data of a downloaded file.
type FileInfo struct {
	path string
	size uint64
	sha1 []byte
}

// Path returns the path the file info was computed for.
func (fi *FileInfo) Path() string {
	return fi.path
}

// Size returns the number of bytes of the file body.
func (fi *FileInfo) Size() uint64 {
	return fi.size
}

// SHA1 returns the hex encoded sha1 digest.
func (fi *FileInfo) SHA1() string {
	return hex.EncodeToString(fi.sha1)
}

// MatchesSHA1 reports whether the digest equals the hex string sum.
// Comparison is case insensitive.
func (fi *FileInfo) MatchesSHA1(sum string) bool {
	want, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(sum)))
	if err != nil || len(want) != sha1.Size {
		return false
	}
	return string(want) == string(fi.sha1)
}

// CopyWithFileInfo copies from src to dst until either EOF is reached
// on src or an error occurs, and returns FileInfo calculated while copying.
func CopyWithFileInfo(dst io.Writer, src io.Reader, p string) (*FileInfo, error) {
	sha1hash := sha1.New() // #nosec G401 - SHA1 is the digest published by the portal

	w := io.MultiWriter(sha1hash, dst)
	n, err := io.Copy(w, src)
	if err != nil {
		return nil, err
	}

	return &FileInfo{
		path: p,
		size: uint64(n), // #nosec G115 - io.Copy returns int64, n >= 0
		sha1: sha1hash.Sum(nil),
	}, nil
}

// HashFile computes the FileInfo of the file at p.
func HashFile(p string) (*FileInfo, error) {
	f, err := os.Open(p) // #nosec G304 - p is built from validated names
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := CopyWithFileInfo(io.Discard, f, p)
	if err != nil {
		return nil, errors.Wrap(err, "HashFile: "+p)
	}
	return fi, nil
}
