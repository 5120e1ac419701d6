package mirror

import (
	"context"
	"log/slog"
	"os/exec"

	"github.com/cockroachdb/errors"
)

// RunOptions are the per invocation switches of Run.
type RunOptions struct {
	// Drain uploads pending archives instead of syncing with the portal.
	Drain bool

	// ShowDownloadProgress draws a progress bar per download.
	ShowDownloadProgress bool

	Progress Progress
}

func newDownloader(config *Config, showProgress bool) (Downloader, error) {
	switch config.Tools.Downloader {
	case downloaderCurl:
		p, err := exec.LookPath("curl")
		if err != nil {
			return nil, errors.Wrap(err, "downloader")
		}
		return ExecDownloader{Program: p}, nil
	case downloaderHTTP:
		return NewHTTPDownloader(config.Timeout.Duration, showProgress), nil
	}
	return nil, errors.New("unknown downloader: " + config.Tools.Downloader)
}

func newVerifier(config *Config) (Verifier, error) {
	switch config.Tools.Verifier {
	case verifierSHA1Sum:
		p, err := exec.LookPath("sha1sum")
		if err != nil {
			return nil, errors.Wrap(err, "verifier")
		}
		return ExecVerifier{Program: p}, nil
	case verifierBuiltin:
		return SHA1Verifier{}, nil
	}
	return nil, errors.New("unknown verifier: " + config.Tools.Verifier)
}

func newMover(config *Config) (Mover, error) {
	if !config.Upload.Enabled {
		return nil, nil
	}
	p, err := exec.LookPath("rclone")
	if err != nil {
		return nil, errors.Wrap(err, "mover")
	}
	return RcloneMover{
		Program:  p,
		Email:    config.Upload.Email,
		Password: config.Upload.Password,
	}, nil
}

// NewMirrorFromConfig wires a Mirror with the collaborators selected by
// config. External programs are looked up before any network activity.
func NewMirrorFromConfig(config *Config, opts RunOptions) (*Mirror, error) {
	var downloader Downloader
	if !opts.Drain {
		var err error
		downloader, err = newDownloader(config, opts.ShowDownloadProgress)
		if err != nil {
			return nil, err
		}
	}
	verifier, err := newVerifier(config)
	if err != nil {
		return nil, err
	}
	mover, err := newMover(config)
	if err != nil {
		return nil, err
	}

	store := NewLedgerStore(config.LedgerPath())
	catalog := NewCatalogManager(config.Dir, config.BaseURL.URL, config.PageSize, config.Timeout.Duration)
	return NewMirror(config, store, catalog, downloader, verifier, mover, opts.Progress), nil
}

// Run starts mirroring.
//
// Running two instances on the same data directory is not supported and
// nothing prevents it; the ledger and snapshot files would be corrupted.
func Run(ctx context.Context, config *Config, opts RunOptions) (RunStats, error) {
	if opts.Drain {
		if err := config.CheckDrain(); err != nil {
			return RunStats{}, err
		}
	} else {
		if err := config.Check(); err != nil {
			return RunStats{}, err
		}
	}

	m, err := NewMirrorFromConfig(config, opts)
	if err != nil {
		return RunStats{}, err
	}

	if opts.Drain {
		slog.Info("drain starts", "dir", config.Dir)
		err = m.Drain(ctx)
	} else {
		slog.Info("update starts", "dir", config.Dir, "compare_all", config.CompareAll, "upload", config.Upload.Enabled)
		err = m.Update(ctx)
	}
	return m.Stats(), err
}
