package mirror

import (
	"context"
	"crypto/sha1" // #nosec G505 - the portal publishes sha1 digests
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/modmirror/internal/registry"
)

// fakeRegistry serves the catalog and package detail endpoints and keeps
// the archive contents for fakeDownloader.
type fakeRegistry struct {
	mu       sync.Mutex
	order    []string
	latest   map[string]*registry.LatestRelease
	releases map[string][]registry.Release
	files    map[string][]byte // download path -> content

	catalogStatus int
	detailStatus  map[string]int

	catalogRequests int
	detailRequests  map[string]int
	userAgents      []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		latest:         make(map[string]*registry.LatestRelease),
		releases:       make(map[string][]registry.Release),
		files:          make(map[string][]byte),
		detailStatus:   make(map[string]int),
		detailRequests: make(map[string]int),
	}
}

func sha1Hex(data []byte) string {
	sum := sha1.Sum(data) // #nosec G401
	return hex.EncodeToString(sum[:])
}

// addPackage registers a package in catalog order. A package without
// releases has a null latest_release.
func (r *fakeRegistry) addPackage(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, name)
	r.releases[name] = []registry.Release{}
}

// addRelease publishes a release and makes it the latest one. The
// returned release id keys the release in the ledger.
func (r *fakeRegistry) addRelease(name, ver, id string, content []byte) registry.Release {
	r.mu.Lock()
	defer r.mu.Unlock()
	rel := registry.Release{
		DownloadURL: "/download/" + name + "/" + id,
		FileName:    name + "_" + ver + ".zip",
		SHA1:        sha1Hex(content),
		Version:     ver,
	}
	r.releases[name] = append(r.releases[name], rel)
	r.latest[name] = &registry.LatestRelease{Version: ver}
	r.files[rel.DownloadURL] = content
	return rel
}

func (r *fakeRegistry) corruptRelease(name, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files["/download/"+name+"/"+id] = []byte("tampered")
}

func (r *fakeRegistry) details(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.detailRequests[name]
}

func (r *fakeRegistry) totalRequests() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.catalogRequests
	for _, c := range r.detailRequests {
		n += c
	}
	return n
}

func (r *fakeRegistry) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/mods", func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.catalogRequests++
		r.userAgents = append(r.userAgents, req.UserAgent())
		if r.catalogStatus != 0 {
			http.Error(w, "catalog unavailable", r.catalogStatus)
			return
		}

		var catalog registry.Catalog
		catalog.Results = []registry.CatalogEntry{}
		for _, name := range r.order {
			catalog.Results = append(catalog.Results, registry.CatalogEntry{
				Name:          name,
				LatestRelease: r.latest[name],
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(catalog)
	})
	mux.HandleFunc("GET /api/mods/{name}/full", func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		defer r.mu.Unlock()
		name := req.PathValue("name")
		r.detailRequests[name]++
		if status := r.detailStatus[name]; status != 0 {
			http.Error(w, "detail unavailable", status)
			return
		}
		rels, ok := r.releases[name]
		if !ok {
			http.NotFound(w, req)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(registry.PackageDetail{Name: name, Releases: rels})
	})
	mux.HandleFunc("GET /download/{name}/{id}", func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		content, ok := r.files[req.URL.Path]
		r.mu.Unlock()
		if !ok {
			http.NotFound(w, req)
			return
		}
		if req.URL.Query().Get("token") == "" {
			http.Error(w, "login required", http.StatusForbidden)
			return
		}
		_, _ = w.Write(content)
	})
	return mux
}

// fakeDownloader serves archive contents from a fakeRegistry without HTTP.
type fakeDownloader struct {
	reg  *fakeRegistry
	fail map[string]bool // download path -> fail

	mu    sync.Mutex
	calls []string // download paths
	query []url.Values
}

func (d *fakeDownloader) Download(_ context.Context, rawURL, dest string) Outcome {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Outcome{Err: err}
	}
	d.mu.Lock()
	d.calls = append(d.calls, u.Path)
	d.query = append(d.query, u.Query())
	d.mu.Unlock()

	if d.fail[u.Path] {
		return Outcome{Err: errors.New("connection reset by peer")}
	}
	d.reg.mu.Lock()
	content, ok := d.reg.files[u.Path]
	d.reg.mu.Unlock()
	if !ok {
		return Outcome{Err: errors.Newf("no such file: %s", u.Path)}
	}
	if err := os.WriteFile(dest, content, 0644); err != nil {
		return Outcome{Err: err}
	}
	return Outcome{}
}

func (d *fakeDownloader) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// fakeMover imitates "rclone move": the local file disappears on success.
type fakeMover struct {
	outcomes map[string]Outcome // file name -> forced outcome

	mu    sync.Mutex
	calls []string // "<file> -> <dest>"
}

func (m *fakeMover) Move(_ context.Context, dir, file, dest string) Outcome {
	m.mu.Lock()
	m.calls = append(m.calls, file+" -> "+dest)
	m.mu.Unlock()

	if out, ok := m.outcomes[file]; ok {
		return out
	}
	if err := os.Remove(filepath.Join(dir, file)); err != nil {
		return Outcome{Err: err}
	}
	return Outcome{}
}

func (m *fakeMover) moved() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// recordingProgress keeps every reported line.
type recordingProgress struct {
	lines     []string
	important []bool
}

func (p *recordingProgress) Report(_, _ int, msg string, important bool) {
	p.lines = append(p.lines, msg)
	p.important = append(p.important, important)
}

type testEnv struct {
	reg        *fakeRegistry
	server     *httptest.Server
	config     *Config
	downloader *fakeDownloader
	mover      *fakeMover
	progress   *recordingProgress
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	reg := newFakeRegistry()
	server := httptest.NewServer(reg.handler())
	t.Cleanup(server.Close)

	base, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}

	config := NewConfig()
	config.Dir = filepath.Join(t.TempDir(), "data")
	config.BaseURL = tomlURL{base}
	config.Creds = Credentials{User: "archivist", Token: "s3cr3t"}
	config.Upload.Remote = "remote:/mods"
	config.Log.File = ""

	return &testEnv{
		reg:        reg,
		server:     server,
		config:     config,
		downloader: &fakeDownloader{reg: reg, fail: make(map[string]bool)},
		mover:      &fakeMover{outcomes: make(map[string]Outcome)},
		progress:   &recordingProgress{},
	}
}

func (e *testEnv) enableUpload() {
	e.config.Upload.Enabled = true
	e.config.Upload.Email = "backup@example.com"
	e.config.Upload.Password = "pass"
}

func (e *testEnv) mirror() *Mirror {
	store := NewLedgerStore(e.config.LedgerPath())
	catalog := NewCatalogManager(e.config.Dir, e.config.BaseURL.URL, e.config.PageSize, time.Minute)
	return NewMirror(e.config, store, catalog, e.downloader, SHA1Verifier{}, e.mover, e.progress)
}

func (e *testEnv) update(t *testing.T) RunStats {
	t.Helper()
	m := e.mirror()
	if err := m.Update(context.Background()); err != nil {
		t.Fatalf("Update() = %+v", err)
	}
	return m.Stats()
}

func (e *testEnv) ledger(t *testing.T) Ledger {
	t.Helper()
	l, err := NewLedgerStore(e.config.LedgerPath()).Load()
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func (e *testEnv) pkgPath(parts ...string) string {
	return filepath.Join(append([]string{e.config.Dir}, parts...)...)
}
