package mirror

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/modmirror/internal/registry"
)

// DownloadError aborts the run: continuing with a missing or partial
// archive would record a release that does not exist locally.
type DownloadError struct {
	Package string
	File    string
	Err     error
}

func (e *DownloadError) Error() string {
	return "download " + e.Package + "/" + e.File + ": " + e.Err.Error()
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// ChecksumMismatchError is logged and the run continues. The release stays
// not uploaded and is retried by the next run.
type ChecksumMismatchError struct {
	Package string
	File    string
	Output  string
	Err     error
}

func (e *ChecksumMismatchError) Error() string {
	return "sha1 mismatch at " + e.Package + "/" + e.File + ": " + e.Err.Error()
}

func (e *ChecksumMismatchError) Unwrap() error {
	return e.Err
}

// fetchAndVerify downloads a candidate release, writes its sidecar and
// verifies it. A verified release is handed to the offsite mover when
// uploading is enabled.
func (m *Mirror) fetchAndVerify(ctx context.Context, i, total int, pkg, pkgDir string,
	release registry.Release, rec *ReleaseRecord) error {
	rec.FileName = release.FileName
	rec.SHA1 = release.SHA1
	rec.Version = release.Version

	if err := registry.ValidName(rec.FileName); err != nil {
		return &DownloadError{Package: pkg, File: rec.FileName, Err: err}
	}

	m.progress.Report(i+1, total, "Downloading "+rec.FileName, true)
	dest := filepath.Join(pkgDir, rec.FileName)
	downloadURL := m.config.DownloadURL(release.DownloadURL)
	out := m.downloader.Download(ctx, downloadURL, dest)
	if !out.OK() {
		err := m.config.MaskError(out.Err)
		slog.Error("couldn't download archive", "path", dest, "url", m.config.MaskSecrets(downloadURL), "error", err)
		return &DownloadError{Package: pkg, File: rec.FileName, Err: err}
	}
	m.stats.Downloaded++

	verified, err := m.verify(ctx, pkg, pkgDir, rec)
	if err != nil || !verified {
		return err
	}

	m.moveOffsite(ctx, i, total, pkg, pkgDir, rec)
	return nil
}

// verify writes the sidecar of rec and runs the verifier on it. A checksum
// mismatch is logged and reported as false; only failing to write the
// sidecar is an error.
func (m *Mirror) verify(ctx context.Context, pkg, pkgDir string, rec *ReleaseRecord) (bool, error) {
	sidecar := registry.SidecarName(rec.FileName)
	line := registry.SidecarLine(rec.SHA1, rec.FileName)
	if err := writeFileAtomic(filepath.Join(pkgDir, sidecar), []byte(line), 0644); err != nil {
		return false, errors.Wrap(err, "write sidecar")
	}

	out := m.verifier.Verify(ctx, pkgDir, sidecar)
	if !out.OK() {
		mismatch := &ChecksumMismatchError{
			Package: pkg,
			File:    rec.FileName,
			Output:  strings.TrimSpace(string(out.Output)),
			Err:     out.Err,
		}
		slog.Warn("sha1 mismatch", "package", pkg, "file", rec.FileName, "output", mismatch.Output, "error", mismatch.Err)
		m.stats.Mismatched++
		return false, nil
	}

	m.stats.Verified++
	return true, nil
}
