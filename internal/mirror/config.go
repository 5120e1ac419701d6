package mirror

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fluxcd/pkg/masktoken"
)

const (
	defaultBaseURL  = "https://mods.factorio.com"
	defaultPageSize = 1000000
	defaultTimeout  = 10 * time.Minute
	defaultRemote   = "gdrive:/archive/factorio-mods"
	defaultLogFile  = "modmirror.log"

	downloaderCurl = "curl"
	downloaderHTTP = "http"

	verifierSHA1Sum = "sha1sum"
	verifierBuiltin = "builtin"
)

type tomlURL struct {
	*url.URL
}

func (u *tomlURL) UnmarshalText(text []byte) error {
	parsedURL, err := url.Parse(string(text))
	if err != nil {
		return err
	}
	switch parsedURL.Scheme {
	case "http":
	case "https":
	default:
		return errors.New("unsupported scheme: " + parsedURL.Scheme)
	}

	// download URLs from the portal are absolute paths
	parsedURL.Path = strings.TrimSuffix(parsedURL.Path, "/")
	parsedURL.RawPath = strings.TrimSuffix(parsedURL.RawPath, "/")

	u.URL = parsedURL
	return nil
}

// duration is a time.Duration decodable from TOML strings like "10m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Credentials authenticate release downloads.
//
// The portal expects them in the query string of the download URL, so they
// appear in clear in every download request.
type Credentials struct {
	User  string `toml:"user"`
	Token string `toml:"token"`
}

// UploadConfig configures the offsite mover.
type UploadConfig struct {
	Enabled  bool   `toml:"enabled"`
	Email    string `toml:"email"`
	Password string `toml:"password"`
	Remote   string `toml:"remote"`
}

// Check validates the upload configuration.
func (uc *UploadConfig) Check() error {
	if !uc.Enabled {
		return nil
	}
	if uc.Email == "" || uc.Password == "" {
		return errors.New("upload requires email and password")
	}
	if uc.Remote == "" {
		return errors.New("upload remote is not set")
	}
	return nil
}

// ToolsConfig selects the implementations of the external collaborators.
type ToolsConfig struct {
	Downloader string `toml:"downloader"`
	Verifier   string `toml:"verifier"`
}

// Check validates the tool names.
func (tc *ToolsConfig) Check() error {
	switch tc.Downloader {
	case downloaderCurl, downloaderHTTP:
	default:
		return errors.New("unknown downloader: " + tc.Downloader)
	}
	switch tc.Verifier {
	case verifierSHA1Sum, verifierBuiltin:
	default:
		return errors.New("unknown verifier: " + tc.Verifier)
	}
	return nil
}

// PackageFilters defines filtering rules for packages
type PackageFilters struct {
	ExcludePatterns []string `toml:"exclude_patterns,omitempty"`
}

// Check validates the patterns.
func (pf *PackageFilters) Check() error {
	for _, p := range pf.ExcludePatterns {
		if _, err := path.Match(p, ""); err != nil {
			return errors.New("invalid exclude pattern: " + p)
		}
	}
	return nil
}

// Excluded returns true if name matches one of the exclude patterns.
func (pf *PackageFilters) Excluded(name string) bool {
	for _, p := range pf.ExcludePatterns {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}

// ProgressConfig controls terminal progress lines.
type ProgressConfig struct {
	Flush         bool `toml:"flush"`
	KeepImportant bool `toml:"keep_important"`
}

// LogConfig represents slog configuration options
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`

	// File receives warnings and errors, appended across runs.
	// An empty string disables the persistent log.
	File string `toml:"file"`

	file *os.File
}

// Apply configures the global slog logger based on the configuration
func (logConfig *LogConfig) Apply() error {
	var level slog.Level
	switch strings.ToLower(logConfig.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return errors.New("invalid log level: " + logConfig.Level)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(logConfig.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "plain", "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return errors.New("invalid log format: " + logConfig.Format)
	}

	if logConfig.File != "" {
		if logConfig.file == nil {
			f, err := os.OpenFile(logConfig.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644) // #nosec G302,G304 - operator supplied log path
			if err != nil {
				return errors.New("cannot open log file: " + err.Error())
			}
			logConfig.file = f
		}
		fileHandler := slog.NewTextHandler(logConfig.file, &slog.HandlerOptions{Level: slog.LevelWarn})
		handler = teeHandler{handler, fileHandler}
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// Close closes the persistent log file, if any.
func (logConfig *LogConfig) Close() error {
	if logConfig.file == nil {
		return nil
	}
	err := logConfig.file.Close()
	logConfig.file = nil
	return err
}

// teeHandler sends each record to every handler that is enabled for it.
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range t {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}

// Config is a struct to read TOML configurations.
//
// Use https://github.com/BurntSushi/toml as follows:
//
//	config := mirror.NewConfig()
//	md, err := toml.DecodeFile("/path/to/modmirror.toml", config)
//	if err != nil {
//	    ...
//	}
type Config struct {
	Dir        string         `toml:"dir"`
	BaseURL    tomlURL        `toml:"base_url"`
	PageSize   int            `toml:"page_size"`
	CompareAll bool           `toml:"compare_all"`
	Timeout    duration       `toml:"timeout"`
	Creds      Credentials    `toml:"credentials"`
	Upload     UploadConfig   `toml:"upload"`
	Tools      ToolsConfig    `toml:"tools"`
	Filters    PackageFilters `toml:"filters"`
	Log        LogConfig      `toml:"log"`
	Progress   ProgressConfig `toml:"progress"`
}

// Check validates the configuration for a sync run.
//
// It is called before any network activity so that operator mistakes
// are reported immediately.
func (c *Config) Check() error {
	if err := c.checkCommon(); err != nil {
		return err
	}
	if c.Creds.User == "" || c.Creds.Token == "" {
		return errors.New("user and token are required")
	}
	return nil
}

// CheckDrain validates the configuration for a drain run, which uploads
// already downloaded archives and never talks to the portal.
func (c *Config) CheckDrain() error {
	if err := c.checkCommon(); err != nil {
		return err
	}
	if !c.Upload.Enabled {
		return errors.New("drain requires upload to be enabled")
	}
	return nil
}

func (c *Config) checkCommon() error {
	if c.Dir == "" {
		return errors.New("dir is not set")
	}
	if c.BaseURL.URL == nil {
		return errors.New("base_url is not set")
	}
	if c.PageSize <= 0 {
		return errors.New("page_size must be positive")
	}
	if err := c.Tools.Check(); err != nil {
		return err
	}
	if err := c.Filters.Check(); err != nil {
		return err
	}
	return c.Upload.Check()
}

// envPrefix prefixes environment variables overriding the configuration.
const envPrefix = "MODMIRROR_"

// ApplyEnvironmentVariables overrides configuration values with the
// MODMIRROR_* environment variables that are set.
func (c *Config) ApplyEnvironmentVariables() error {
	strs := map[string]*string{
		"DIR":             &c.Dir,
		"USER":            &c.Creds.User,
		"TOKEN":           &c.Creds.Token,
		"UPLOAD_EMAIL":    &c.Upload.Email,
		"UPLOAD_PASSWORD": &c.Upload.Password,
		"UPLOAD_REMOTE":   &c.Upload.Remote,
		"LOG_LEVEL":       &c.Log.Level,
		"LOG_FORMAT":      &c.Log.Format,
		"LOG_FILE":        &c.Log.File,
	}
	for name, field := range strs {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*field = v
		}
	}

	bools := map[string]*bool{
		"COMPARE_ALL":    &c.CompareAll,
		"UPLOAD_ENABLED": &c.Upload.Enabled,
	}
	for name, field := range bools {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return errors.New("invalid boolean in " + envPrefix + name + ": " + v)
			}
			*field = b
		}
	}

	if v, ok := os.LookupEnv(envPrefix + "PAGE_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.New("invalid integer in " + envPrefix + "PAGE_SIZE: " + v)
		}
		c.PageSize = n
	}
	return nil
}

// ImplyUpload enables upload when destination credentials were supplied.
func (c *Config) ImplyUpload() {
	if c.Upload.Email != "" || c.Upload.Password != "" {
		c.Upload.Enabled = true
	}
}

// LedgerPath returns the path of the ledger file, which lives next to the
// data directory: "<dir>.json".
func (c *Config) LedgerPath() string {
	return filepath.Clean(c.Dir) + ".json"
}

// DownloadURL returns the authenticated URL of a release.
func (c *Config) DownloadURL(downloadPath string) string {
	return c.BaseURL.String() + downloadPath +
		"?username=" + url.QueryEscape(c.Creds.User) +
		"&token=" + url.QueryEscape(c.Creds.Token)
}

// MaskSecrets replaces the access token and the upload password in s,
// in clear and in query-escaped form, with "*****". Every message that may
// contain a download URL or tool output goes through it before it is
// logged or returned.
func (c *Config) MaskSecrets(s string) string {
	for _, secret := range []string{c.Creds.Token, c.Upload.Password} {
		if secret == "" {
			continue
		}
		for _, form := range []string{url.QueryEscape(secret), secret} {
			masked, err := masktoken.MaskTokenFromString(s, form)
			if err != nil {
				// the token cannot be matched, hide everything
				return "*****"
			}
			s = masked
		}
	}
	return s
}

// MaskError returns err with its message passed through MaskSecrets. err is
// returned unchanged when it contains no secret.
func (c *Config) MaskError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	masked := c.MaskSecrets(msg)
	if masked == msg {
		return err
	}
	return errors.New(masked)
}

// NewConfig creates Config with default values.
func NewConfig() *Config {
	base, _ := url.Parse(defaultBaseURL)
	return &Config{
		Dir:      "data",
		BaseURL:  tomlURL{base},
		PageSize: defaultPageSize,
		Timeout:  duration{defaultTimeout},
		Upload: UploadConfig{
			Remote: defaultRemote,
		},
		Tools: ToolsConfig{
			Downloader: downloaderHTTP,
			Verifier:   verifierBuiltin,
		},
		Log: LogConfig{
			File: defaultLogFile,
		},
		Progress: ProgressConfig{
			Flush:         true,
			KeepImportant: true,
		},
	}
}
