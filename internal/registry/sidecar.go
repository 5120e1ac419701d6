package registry

import (
	"path"
	"strings"

	"github.com/cockroachdb/errors"
)

const sidecarExt = ".sha1"

// SidecarName returns the name of the checksum file for an archive: the
// archive name with its last extension replaced by ".sha1".
func SidecarName(fileName string) string {
	ext := path.Ext(fileName)
	if ext == fileName {
		// dotfile without extension
		ext = ""
	}
	return strings.TrimSuffix(fileName, ext) + sidecarExt
}

// SidecarLine formats the content of a checksum file the way sha1sum -c
// expects it: digest, two spaces, relative path, newline.
func SidecarLine(sha1, fileName string) string {
	return sha1 + "  ./" + fileName + "\n"
}

// ParseSidecar is the inverse of SidecarLine.
func ParseSidecar(data []byte) (sum, fileName string, err error) {
	line := strings.TrimSuffix(string(data), "\n")
	if strings.Contains(line, "\n") {
		return "", "", errors.New("sidecar has more than one line")
	}
	sum, rest, ok := strings.Cut(line, "  ")
	if !ok {
		return "", "", errors.Newf("malformed sidecar line: %q", line)
	}
	fileName = strings.TrimPrefix(rest, "./")
	if sum == "" || fileName == "" {
		return "", "", errors.Newf("malformed sidecar line: %q", line)
	}
	return sum, fileName, nil
}
