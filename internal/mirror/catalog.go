package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gowebpki/jcs"

	"github.com/mirrorctl/modmirror/internal/registry"
)

const (
	catalogFile      = "mods.json"
	catalogCacheFile = "mods-cache.json"
	detailFile       = "mod.json"

	maxErrorBody = 512
)

// userAgent is sent with every portal request. The CLI sets the version.
var userAgent = "modmirror/dev"

// SetUserAgentVersion sets the version reported in the User-Agent header.
func SetUserAgentVersion(version string) {
	userAgent = "modmirror/" + version
}

// CatalogFetchError reports a failed catalog or package detail request.
// There is no retry; the run aborts.
type CatalogFetchError struct {
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *CatalogFetchError) Error() string {
	if e.Err != nil {
		return "fetch " + e.URL + ": " + e.Err.Error()
	}
	return fmt.Sprintf("fetch %s: status %d: %s", e.URL, e.StatusCode, e.Body)
}

func (e *CatalogFetchError) Unwrap() error {
	return e.Err
}

// CatalogManager fetches the remote catalog and keeps its snapshots on disk.
//
// The current snapshot is <dir>/mods.json. Before a refresh it is rotated to
// <dir>/mods-cache.json, which survives an aborted run for inspection and
// is removed by Cleanup after a successful one.
type CatalogManager struct {
	dir      string
	baseURL  *url.URL
	pageSize int
	client   *http.Client
}

// NewCatalogManager constructs a CatalogManager.
func NewCatalogManager(dir string, baseURL *url.URL, pageSize int, timeout time.Duration) *CatalogManager {
	return &CatalogManager{
		dir:      dir,
		baseURL:  baseURL,
		pageSize: pageSize,
		client:   newHTTPClient(timeout),
	}
}

// Rotate moves the current snapshot aside as the recovery cache. The data
// directory is created if it does not exist.
func (cm *CatalogManager) Rotate() error {
	if err := os.MkdirAll(cm.dir, 0750); err != nil {
		return errors.Wrap(err, "Rotate")
	}

	current := filepath.Join(cm.dir, catalogFile)
	cache := filepath.Join(cm.dir, catalogCacheFile)

	ok, err := fileExists(current)
	if err != nil {
		return errors.Wrap(err, "Rotate")
	}
	if !ok {
		return nil
	}

	if err := os.Remove(cache); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "Rotate: remove old cache")
	}
	if err := os.Rename(current, cache); err != nil {
		return errors.Wrap(err, "Rotate")
	}
	slog.Debug("rotated catalog snapshot", "cache", cache)
	return DirSync(cm.dir)
}

// RefreshCatalog downloads the full package list and stores it as the
// current snapshot.
func (cm *CatalogManager) RefreshCatalog(ctx context.Context) (*registry.Catalog, error) {
	u := cm.endpoint("/api/mods")
	q := url.Values{}
	q.Set("page_size", strconv.Itoa(cm.pageSize))
	u.RawQuery = q.Encode()

	raw, err := cm.get(ctx, u.String())
	if err != nil {
		return nil, err
	}

	var catalog registry.Catalog
	if err := json.Unmarshal(raw, &catalog); err != nil {
		return nil, &CatalogFetchError{URL: u.String(), StatusCode: http.StatusOK, Err: errors.Wrap(err, "decode catalog")}
	}

	if err := writeSnapshot(filepath.Join(cm.dir, catalogFile), raw); err != nil {
		return nil, errors.Wrap(err, "RefreshCatalog")
	}
	slog.Info("catalog refreshed", "packages", len(catalog.Results))
	return &catalog, nil
}

// FetchPackageDetail downloads the release list of one package and stores
// it at <dir>/<name>/mod.json. The package folder must exist.
func (cm *CatalogManager) FetchPackageDetail(ctx context.Context, name string) (*registry.PackageDetail, error) {
	u := cm.endpoint("/api/mods/" + name + "/full")

	raw, err := cm.get(ctx, u.String())
	if err != nil {
		return nil, err
	}

	var detail registry.PackageDetail
	if err := json.Unmarshal(raw, &detail); err != nil {
		return nil, &CatalogFetchError{URL: u.String(), StatusCode: http.StatusOK, Err: errors.Wrap(err, "decode package detail")}
	}

	if err := writeSnapshot(filepath.Join(cm.dir, name, detailFile), raw); err != nil {
		return nil, errors.Wrap(err, "FetchPackageDetail")
	}
	return &detail, nil
}

// ReuseCachedCatalog loads the recovery cache instead of contacting the
// portal and reinstates it as the current snapshot.
func (cm *CatalogManager) ReuseCachedCatalog() (*registry.Catalog, error) {
	cache := filepath.Join(cm.dir, catalogCacheFile)
	raw, err := os.ReadFile(cache) // #nosec G304 - path built from configured dir
	if err != nil {
		return nil, errors.Wrap(err, "no cached catalog")
	}

	var catalog registry.Catalog
	if err := json.Unmarshal(raw, &catalog); err != nil {
		return nil, errors.Wrap(err, "decode "+cache)
	}

	if err := writeSnapshot(filepath.Join(cm.dir, catalogFile), raw); err != nil {
		return nil, errors.Wrap(err, "ReuseCachedCatalog")
	}
	return &catalog, nil
}

// Cleanup removes the recovery cache after a successful run.
func (cm *CatalogManager) Cleanup() error {
	err := os.Remove(filepath.Join(cm.dir, catalogCacheFile))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "Cleanup")
	}
	return nil
}

func (cm *CatalogManager) endpoint(p string) *url.URL {
	u := *cm.baseURL
	u.Path = cm.baseURL.Path + p
	u.RawPath = ""
	u.RawQuery = ""
	return &u
}

// get issues exactly one GET request and returns the body of a 200 response.
func (cm *CatalogManager) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &CatalogFetchError{URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := cm.client.Do(req)
	if err != nil {
		return nil, &CatalogFetchError{URL: rawURL, Err: err}
	}
	defer closeRespBody(resp)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &CatalogFetchError{URL: rawURL, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &CatalogFetchError{URL: rawURL, StatusCode: resp.StatusCode, Err: err}
	}
	return body, nil
}

// writeSnapshot stores raw JSON with sorted keys and two space indentation
// so that snapshots can be diffed between runs.
func writeSnapshot(p string, raw []byte) error {
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return errors.Wrap(err, "canonicalize "+p)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, canonical, "", "  "); err != nil {
		return errors.Wrap(err, "indent "+p)
	}
	buf.WriteByte('\n')
	return writeFileAtomic(p, buf.Bytes(), 0644)
}

// closeRespBody closes HTTP response body.
func closeRespBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err)
	}
}

// newHTTPClient creates an HTTP client with a cloned default transport.
func newHTTPClient(timeout time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxIdleConnsPerHost = 10
	tr.IdleConnTimeout = 90 * time.Second

	return &http.Client{
		Transport: tr,
		Timeout:   timeout,
	}
}
