package mirror

import (
	"context"
	"log/slog"
	"strings"

	"github.com/mirrorctl/modmirror/internal/registry"
)

// MoveError describes a failed or suspicious offsite move. It is logged and
// the run continues.
type MoveError struct {
	Package string
	File    string
	Output  string
	Err     error
}

func (e *MoveError) Error() string {
	if e.Err == nil {
		return "move " + e.Package + "/" + e.File + ": unexpected output: " + e.Output
	}
	return "move " + e.Package + "/" + e.File + ": " + e.Err.Error()
}

func (e *MoveError) Unwrap() error {
	return e.Err
}

// remoteDest returns the offsite folder of a package.
func remoteDest(remote, pkg string) string {
	return strings.TrimSuffix(remote, "/") + "/" + pkg
}

// moveOffsite moves a verified archive and its sidecar. The release is
// marked uploaded only when both moves succeed without output.
//
// A partial failure leaves the record not uploaded, which makes the next
// sync download the release again.
func (m *Mirror) moveOffsite(ctx context.Context, i, total int, pkg, pkgDir string, rec *ReleaseRecord) {
	if m.mover == nil {
		return
	}

	dest := remoteDest(m.config.Upload.Remote, pkg)
	var failures []*MoveError
	for _, file := range []string{rec.FileName, registry.SidecarName(rec.FileName)} {
		m.progress.Report(i+1, total, "Uploading "+file, true)
		out := m.mover.Move(ctx, pkgDir, file, dest)

		if !out.OK() {
			failures = append(failures, &MoveError{Package: pkg, File: file, Err: m.config.MaskError(out.Err)})
		}
		// a successful move prints nothing
		if len(out.Output) > 0 {
			failures = append(failures, &MoveError{Package: pkg, File: file, Output: m.config.MaskSecrets(string(out.Output))})
		}
	}

	if len(failures) > 0 {
		for _, f := range failures {
			slog.Error("upload failed", "package", f.Package, "file", f.File, "error", f)
		}
		m.stats.MoveFailed++
		return
	}

	rec.Uploaded = true
	m.stats.Uploaded++
}
