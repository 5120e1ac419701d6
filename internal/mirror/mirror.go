package mirror

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/modmirror/internal/registry"
)

// Progress receives human oriented progress lines. Important lines are
// kept on screen; the others may be overwritten by the next line.
type Progress interface {
	Report(i, n int, msg string, important bool)
}

type nopProgress struct{}

func (nopProgress) Report(int, int, string, bool) {}

// RunStats counts what a run did.
type RunStats struct {
	Packages   int // catalog entries seen
	Skipped    int // latest version already archived
	Excluded   int // matched an exclude pattern
	Invalid    int // unusable package name
	Processed  int // package detail inspected
	Candidates int // releases handed to the pipeline
	Downloaded int
	Verified   int
	Mismatched int
	Uploaded   int
	MoveFailed int
}

func (s *RunStats) log(msg string) {
	slog.Info(msg,
		"packages", s.Packages,
		"skipped", s.Skipped,
		"excluded", s.Excluded,
		"invalid", s.Invalid,
		"processed", s.Processed,
		"candidates", s.Candidates,
		"downloaded", s.Downloaded,
		"verified", s.Verified,
		"mismatched", s.Mismatched,
		"uploaded", s.Uploaded,
		"move_failed", s.MoveFailed)
}

// Mirror implements mirroring logics.
//
// A Mirror runs strictly sequentially: one package at a time, one release
// at a time. It must not be shared between goroutines.
type Mirror struct {
	config     *Config
	store      *LedgerStore
	catalog    *CatalogManager
	downloader Downloader
	verifier   Verifier
	mover      Mover
	progress   Progress
	stats      RunStats
}

// NewMirror constructs a Mirror from its collaborators. mover may be nil
// when uploading is disabled; progress may be nil.
func NewMirror(config *Config, store *LedgerStore, catalog *CatalogManager,
	downloader Downloader, verifier Verifier, mover Mover, progress Progress) *Mirror {
	if progress == nil {
		progress = nopProgress{}
	}
	if !config.Upload.Enabled {
		mover = nil
	}
	return &Mirror{
		config:     config,
		store:      store,
		catalog:    catalog,
		downloader: downloader,
		verifier:   verifier,
		mover:      mover,
		progress:   progress,
	}
}

// Stats returns the counters of the last run.
func (m *Mirror) Stats() RunStats {
	return m.stats
}

// Update refreshes the catalog and archives every release that is not
// archived yet. The ledger is saved after each inspected package, so an
// aborted run loses at most the package in progress.
//
// Fatal errors (catalog, package detail or download failures) abort the run
// immediately. Cancelling ctx stops the run between packages.
func (m *Mirror) Update(ctx context.Context) error {
	m.stats = RunStats{}

	ledger, err := m.store.Load()
	if err != nil {
		return err
	}

	err = m.catalog.Rotate()
	if err != nil {
		return err
	}

	catalog, err := m.catalog.RefreshCatalog(ctx)
	if err != nil {
		return err
	}

	total := len(catalog.Results)
	for i, entry := range catalog.Results {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.stats.Packages++

		inspected, err := m.syncPackage(ctx, i, total, entry, ledger)
		if err != nil {
			return errors.Wrap(err, entry.Name)
		}
		if !inspected {
			continue
		}

		err = m.store.Save(ledger)
		if err != nil {
			return err
		}
	}

	err = m.catalog.Cleanup()
	if err != nil {
		return err
	}

	m.stats.log("update succeeded")
	return nil
}

// syncPackage reconciles one catalog entry against the ledger. It returns
// true when the package detail was inspected and the ledger may have
// changed.
func (m *Mirror) syncPackage(ctx context.Context, i, total int, entry registry.CatalogEntry, ledger Ledger) (bool, error) {
	name := entry.Name
	if err := registry.ValidName(name); err != nil {
		slog.Warn("skipping package with unusable name", "package", name, "error", err)
		m.stats.Invalid++
		return false, nil
	}
	if m.config.Filters.Excluded(name) {
		slog.Debug("package excluded by pattern", "package", name)
		m.stats.Excluded++
		return false, nil
	}

	pkgDir := filepath.Join(m.config.Dir, name)
	if err := os.MkdirAll(pkgDir, 0750); err != nil {
		return false, err
	}

	record, known := ledger[name]
	if known {
		if !m.config.CompareAll && latestArchived(entry, record) {
			m.stats.Skipped++
			return false, nil
		}
	} else {
		record = NewPackageRecord()
		ledger[name] = record
	}

	m.progress.Report(i+1, total, "Getting data for "+name, false)
	detail, err := m.catalog.FetchPackageDetail(ctx, name)
	if err != nil {
		return false, err
	}
	m.stats.Processed++

	for _, release := range detail.Releases {
		id, err := release.ID()
		if err != nil {
			slog.Warn("skipping release", "package", name, "version", release.Version, "error", err)
			continue
		}

		rec, seen := record.Releases[id]
		if seen && rec.Uploaded {
			continue
		}
		if !seen {
			rec = &ReleaseRecord{}
			record.Releases[id] = rec
		}

		m.stats.Candidates++
		if err := m.fetchAndVerify(ctx, i, total, name, pkgDir, release, rec); err != nil {
			return true, err
		}
	}
	return true, nil
}

// latestArchived reports whether the catalog's latest version of a package
// is already recorded. A package without latest release never qualifies.
func latestArchived(entry registry.CatalogEntry, record *PackageRecord) bool {
	latest, ok := entry.LatestVersion()
	if !ok {
		return false
	}
	_, ok = record.Versions()[latest]
	return ok
}

// Drain verifies and moves offsite every downloaded archive whose record
// is not marked uploaded. It never contacts the portal: the package order
// comes from the cached catalog snapshot and release data from the ledger.
func (m *Mirror) Drain(ctx context.Context) error {
	m.stats = RunStats{}
	if m.mover == nil {
		return errors.New("drain requires upload to be enabled")
	}

	ledger, err := m.store.Load()
	if err != nil {
		return err
	}

	err = m.catalog.Rotate()
	if err != nil {
		return err
	}

	catalog, err := m.catalog.ReuseCachedCatalog()
	if err != nil {
		return err
	}

	total := len(catalog.Results)
	for i, entry := range catalog.Results {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.stats.Packages++

		record, ok := ledger[entry.Name]
		if !ok {
			continue
		}
		if err := registry.ValidName(entry.Name); err != nil {
			m.stats.Invalid++
			continue
		}

		pending := record.PendingIDs()
		if len(pending) == 0 {
			continue
		}
		m.stats.Processed++

		pkgDir := filepath.Join(m.config.Dir, entry.Name)
		for _, id := range pending {
			rec := record.Releases[id]
			if err := m.drainRelease(ctx, i, total, entry.Name, pkgDir, id, rec); err != nil {
				return errors.Wrap(err, entry.Name)
			}
		}

		err = m.store.Save(ledger)
		if err != nil {
			return err
		}
	}

	err = m.catalog.Cleanup()
	if err != nil {
		return err
	}

	m.stats.log("drain succeeded")
	return nil
}

func (m *Mirror) drainRelease(ctx context.Context, i, total int, pkg, pkgDir, id string, rec *ReleaseRecord) error {
	if err := registry.ValidName(rec.FileName); err != nil {
		slog.Warn("skipping release with unusable file name", "package", pkg, "release", id, "error", err)
		return nil
	}
	ok, err := fileExists(filepath.Join(pkgDir, rec.FileName))
	if err != nil {
		return err
	}
	if !ok {
		slog.Warn("archive missing, next sync will fetch it", "package", pkg, "file", rec.FileName)
		return nil
	}

	m.stats.Candidates++
	verified, err := m.verify(ctx, pkg, pkgDir, rec)
	if err != nil || !verified {
		return err
	}
	m.moveOffsite(ctx, i, total, pkg, pkgDir, rec)
	return nil
}
