// Package registry describes the wire format of the mod portal API and the
// small on-disk formats derived from it.
package registry

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// releaseIDSegment is the index of the release id in a "/"-split download
// URL such as "/download/<name>/<id>".
const releaseIDSegment = 3

// Catalog is the response of the package listing endpoint.
type Catalog struct {
	Results []CatalogEntry `json:"results"`
}

// CatalogEntry is one package of the catalog.
type CatalogEntry struct {
	Name string `json:"name"`

	// LatestRelease is nil when the portal reports no release at all.
	LatestRelease *LatestRelease `json:"latest_release"`
}

// LatestRelease is the abbreviated release embedded in a catalog entry.
type LatestRelease struct {
	Version string `json:"version"`
}

// LatestVersion returns the latest version and whether there is one.
func (e CatalogEntry) LatestVersion() (string, bool) {
	if e.LatestRelease == nil {
		return "", false
	}
	return e.LatestRelease.Version, true
}

// PackageDetail is the response of the per-package "full" endpoint.
type PackageDetail struct {
	Name     string    `json:"name"`
	Releases []Release `json:"releases"`
}

// Release is one downloadable artifact of a package.
type Release struct {
	DownloadURL string `json:"download_url"`
	FileName    string `json:"file_name"`
	SHA1        string `json:"sha1"`
	Version     string `json:"version"`
}

// ID returns the release id derived from the download URL.
func (r Release) ID() (string, error) {
	return ReleaseID(r.DownloadURL)
}

// ReleaseID extracts the release id from a download URL. The id is stable
// across catalog refreshes and keys the release in the ledger.
func ReleaseID(downloadURL string) (string, error) {
	parts := strings.Split(downloadURL, "/")
	if len(parts) <= releaseIDSegment || parts[releaseIDSegment] == "" {
		return "", errors.Newf("malformed download url: %q", downloadURL)
	}
	return parts[releaseIDSegment], nil
}

// ValidName checks that name can be used as a single path component below
// the data directory.
func ValidName(name string) error {
	switch {
	case name == "":
		return errors.New("empty name")
	case name == "." || name == "..":
		return errors.New("unsafe name: " + name)
	case strings.ContainsAny(name, "/\\\x00"):
		return errors.New("unsafe name (contains path separator): " + name)
	}
	return nil
}
