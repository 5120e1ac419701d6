package mirror

import (
	"bytes"
	"encoding/json"
	"os"
	"sort"

	"github.com/cockroachdb/errors"
)

// ReleaseRecord is the archive state of one release.
//
// Fields are declared in key order so that the JSON encoding has sorted keys.
type ReleaseRecord struct {
	FileName string `json:"file_name"`
	SHA1     string `json:"sha1"`
	Uploaded bool   `json:"uploaded"`
	Version  string `json:"version"`
}

// PackageRecord holds the releases of a package keyed by release id.
type PackageRecord struct {
	Releases map[string]*ReleaseRecord `json:"releases"`
}

// NewPackageRecord returns an empty PackageRecord.
func NewPackageRecord() *PackageRecord {
	return &PackageRecord{Releases: make(map[string]*ReleaseRecord)}
}

// Versions returns the set of versions recorded for the package.
func (p *PackageRecord) Versions() map[string]struct{} {
	versions := make(map[string]struct{}, len(p.Releases))
	for _, r := range p.Releases {
		versions[r.Version] = struct{}{}
	}
	return versions
}

// PendingIDs returns the ids of releases not yet uploaded, sorted.
func (p *PackageRecord) PendingIDs() []string {
	var ids []string
	for id, r := range p.Releases {
		if !r.Uploaded {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Ledger maps package names to their records. Records are added or updated
// but never removed, even when a package disappears from the catalog.
type Ledger map[string]*PackageRecord

// normalize replaces null entries left by hand edits or older versions.
func (l Ledger) normalize() {
	for name, p := range l {
		if p == nil {
			p = NewPackageRecord()
			l[name] = p
		}
		if p.Releases == nil {
			p.Releases = make(map[string]*ReleaseRecord)
		}
		for id, r := range p.Releases {
			if r == nil {
				p.Releases[id] = &ReleaseRecord{}
			}
		}
	}
}

// CorruptLedgerError is returned when the ledger file exists but cannot be
// decoded. It is fatal; the file is never repaired automatically.
type CorruptLedgerError struct {
	Path string
	Err  error
}

func (e *CorruptLedgerError) Error() string {
	return "corrupt ledger " + e.Path + ": " + e.Err.Error()
}

func (e *CorruptLedgerError) Unwrap() error {
	return e.Err
}

// LedgerStore loads and persists the ledger file.
//
// Only one process may use a ledger file at a time; nothing enforces this.
type LedgerStore struct {
	path     string
	deferrer *signalDeferrer
}

// NewLedgerStore constructs LedgerStore for the file at path.
func NewLedgerStore(path string) *LedgerStore {
	return &LedgerStore{
		path:     path,
		deferrer: newSignalDeferrer(),
	}
}

// Path returns the ledger file path.
func (s *LedgerStore) Path() string {
	return s.path
}

// Load reads the ledger. A missing file yields an empty ledger.
func (s *LedgerStore) Load() (Ledger, error) {
	data, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
		return make(Ledger), nil
	case err != nil:
		return nil, errors.Wrap(err, "LedgerStore.Load")
	}

	var l Ledger
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, &CorruptLedgerError{Path: s.path, Err: err}
	}
	if l == nil {
		// the file contained "null"
		l = make(Ledger)
	}
	l.normalize()
	return l, nil
}

// encodeLedger returns the canonical encoding of l: sorted keys, two space
// indentation, trailing newline.
func encodeLedger(l Ledger) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(l); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Save atomically replaces the ledger file with l. Interrupt and terminate
// signals are held back until the file is completely written.
func (s *LedgerStore) Save(l Ledger) error {
	data, err := encodeLedger(l)
	if err != nil {
		return errors.Wrap(err, "LedgerStore.Save")
	}

	err = s.deferrer.run(func() error {
		return writeFileAtomic(s.path, data, 0644)
	})
	if err != nil {
		return errors.Wrap(err, "LedgerStore.Save: "+s.path)
	}
	return nil
}
