package mirror

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/modmirror/internal/registry"
)

// Outcome is the result of one synchronous call to an external collaborator.
type Outcome struct {
	// Output is the diagnostic output of the call, e.g. the standard output
	// of a subprocess.
	Output []byte
	Err    error
}

// OK returns true if the call succeeded.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Downloader stores the resource at rawURL in the file dest.
type Downloader interface {
	Download(ctx context.Context, rawURL, dest string) Outcome
}

// Verifier checks the checksum file sidecar, relative to dir.
type Verifier interface {
	Verify(ctx context.Context, dir, sidecar string) Outcome
}

// Mover moves the file dir/file to the remote location dest.
type Mover interface {
	Move(ctx context.Context, dir, file, dest string) Outcome
}

// runTool runs an external program and captures its standard output.
func runTool(ctx context.Context, dir string, env []string, name string, args ...string) Outcome {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...) // #nosec G204 - fixed program names
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if env != nil {
		cmd.Env = env
	}

	err := cmd.Run()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = errors.Wrap(err, name+": "+msg)
		} else {
			err = errors.Wrap(err, name)
		}
	}
	return Outcome{Output: stdout.Bytes(), Err: err}
}

// ExecDownloader downloads with curl.
type ExecDownloader struct {
	Program string
}

// Download implements Downloader.
func (d ExecDownloader) Download(ctx context.Context, rawURL, dest string) Outcome {
	return runTool(ctx, "", nil, d.Program, "-fLs", "-o", dest, "--", rawURL)
}

// HTTPDownloader downloads in-process with a single attempt. The file is
// written to a temporary name and renamed into place when complete.
type HTTPDownloader struct {
	client   *http.Client
	progress bool
}

// NewHTTPDownloader constructs HTTPDownloader. When progress is true a
// progress bar is drawn on stderr for each download.
func NewHTTPDownloader(timeout time.Duration, progress bool) *HTTPDownloader {
	return &HTTPDownloader{
		client:   newHTTPClient(timeout),
		progress: progress,
	}
}

// Download implements Downloader.
func (d *HTTPDownloader) Download(ctx context.Context, rawURL, dest string) Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		// the URL carries credentials, keep it out of the message
		return Outcome{Err: errors.Wrap(unwrapURLError(err), "download request")}
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return Outcome{Err: errors.Wrap(unwrapURLError(err), "download request")}
	}
	defer closeRespBody(resp)

	if resp.StatusCode != http.StatusOK {
		return Outcome{Err: errors.Newf("download status %d", resp.StatusCode)}
	}

	tempfile, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".part*")
	if err != nil {
		return Outcome{Err: err}
	}
	defer func() {
		tempfile.Close()
		os.Remove(tempfile.Name())
	}()

	var body io.Reader = resp.Body
	if d.progress {
		total := resp.ContentLength
		if total < 0 {
			total = 0
		}
		bar := pb.New64(total).SetTemplate(pb.Full).SetWriter(os.Stderr)
		bar.Set("prefix", filepath.Base(dest)+" ")
		bar.Start()
		defer bar.Finish()
		body = bar.NewProxyReader(resp.Body)
	}

	fi, err := registry.CopyWithFileInfo(tempfile, body, dest)
	if err != nil {
		return Outcome{Err: errors.Wrap(err, "download body")}
	}
	if err := tempfile.Sync(); err != nil {
		return Outcome{Err: err}
	}
	if err := tempfile.Close(); err != nil {
		return Outcome{Err: err}
	}
	if err := os.Rename(tempfile.Name(), dest); err != nil {
		return Outcome{Err: err}
	}

	slog.Debug("file downloaded", "path", dest, "size", fi.Size(), "sha1", fi.SHA1())
	return Outcome{}
}

func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}

// ExecVerifier checks a sidecar with sha1sum -c.
type ExecVerifier struct {
	Program string
}

// Verify implements Verifier.
func (v ExecVerifier) Verify(ctx context.Context, dir, sidecar string) Outcome {
	return runTool(ctx, dir, nil, v.Program, "-c", "--", "./"+sidecar)
}

// SHA1Verifier checks a sidecar in-process.
type SHA1Verifier struct{}

// Verify implements Verifier.
func (SHA1Verifier) Verify(_ context.Context, dir, sidecar string) Outcome {
	data, err := os.ReadFile(filepath.Join(dir, sidecar)) // #nosec G304 - names validated by the pipeline
	if err != nil {
		return Outcome{Err: err}
	}
	sum, name, err := registry.ParseSidecar(data)
	if err != nil {
		return Outcome{Err: err}
	}
	if err := registry.ValidName(name); err != nil {
		return Outcome{Err: err}
	}

	fi, err := registry.HashFile(filepath.Join(dir, name))
	if err != nil {
		return Outcome{Output: []byte("./" + name + ": FAILED open or read\n"), Err: err}
	}
	if !fi.MatchesSHA1(sum) {
		return Outcome{
			Output: []byte("./" + name + ": FAILED\n"),
			Err:    errors.Newf("computed sha1 %s, want %s", fi.SHA1(), sum),
		}
	}
	return Outcome{Output: []byte("./" + name + ": OK\n")}
}

// RcloneMover moves files to a Google Drive remote with rclone,
// impersonating a GSuite account.
type RcloneMover struct {
	Program  string
	Email    string
	Password string
}

// Move implements Mover.
func (m RcloneMover) Move(ctx context.Context, dir, file, dest string) Outcome {
	env := []string{
		"HOME=" + os.Getenv("HOME"),
		"RCLONE_CONFIG_PASS=" + m.Password,
	}
	return runTool(ctx, dir, env, m.Program,
		"--drive-impersonate", m.Email,
		"--retries", "3",
		"--retries-sleep", "3s",
		"move", "./"+file, dest)
}
