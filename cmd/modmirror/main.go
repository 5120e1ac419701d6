// Package main implements the modmirror command-line tool for archiving
// releases of the Factorio mod portal.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mirrorctl/modmirror/internal/mirror"
)

const (
	defaultConfigPath = "/etc/modmirror/modmirror.toml"
)

var (
	// Build information - can be set via build flags
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "modmirror",
	Short: "Archive releases of the Factorio mod portal",
	Long: `modmirror keeps a local archive of every release published on the Factorio
mod portal. Repeated runs only download what is new; progress is recorded in
a ledger file next to the data directory.

Running two instances against the same data directory is not supported.`,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Download and verify releases that are not archived yet",
	Long: `Refreshes the mod catalog, downloads every release that is not archived yet,
verifies its sha1 and optionally moves it offsite.

Usage:
  # Archive new releases
  modmirror sync --user USER --token TOKEN

  # Inspect every mod, not only those whose latest release is missing
  modmirror sync --compare-all

  # Move verified archives to Google Drive
  modmirror sync --upload --email admin@example.com --password SECRET

  # Use a custom configuration file
  modmirror sync --config /path/to/modmirror.toml`,
	Run: runSync,
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Upload downloaded archives that are not uploaded yet",
	Long: `Verifies and moves offsite every downloaded archive whose ledger record is not
marked uploaded. The catalog snapshot of the previous run is reused; the mod
portal is not contacted.`,
	Run: runDrain,
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger [mod...]",
	Short: "Show archived releases",
	Long: `Prints the ledger as a tree of mods and releases, newest release first.

Examples:
  modmirror ledger
  modmirror ledger Krastorio2 space-exploration`,
	Run: runLedger,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information including build details",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("modmirror %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", buildDate)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long:  `Validate the configuration file and report any issues.`,
	Run:   runValidate,
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateCmd)

	addGlobalFlags(rootCmd)
}

// addGlobalFlags registers the flags shared by every subcommand.
func addGlobalFlags(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringP("config", "c", defaultConfigPath, "configuration file path")
	pf.StringP("log-level", "l", "", "override log level (debug, info, warn, error)")
	pf.Bool("verbose-errors", false, "show detailed error information including stack traces")
	pf.BoolP("quiet", "q", false, "suppress all output except for errors")

	pf.StringP("directory", "d", "", "data folder which keeps the archives; the ledger is <directory>.json")
	pf.StringP("user", "u", "", "the factorio username to download files with")
	pf.StringP("token", "t", "", "the token belonging to the factorio user account")
	pf.BoolP("compare-all", "a", false, "inspect every mod instead of only those whose latest release is missing")
	pf.BoolP("upload", "U", false, "move verified archives offsite")
	pf.StringP("email", "e", "", "GSuite email used to upload files to Google Drive")
	pf.StringP("password", "p", "", "rclone configuration password")
	pf.BoolP("no-flush", "f", false, "print every progress line on its own line")
	pf.Bool("no-keep-important", false, "let important progress lines be overwritten too")
}

// formatError returns a human-friendly error message, optionally with stack trace
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err) // Full details with stack trace
	}

	flattened := errors.FlattenDetails(err)
	if flattened != "" {
		return err.Error() + ": " + flattened
	}

	return err.Error()
}

// formatUndecodedError builds a user-friendly error message for undecoded TOML keys
func formatUndecodedError(undecoded []toml.Key) string {
	keys := make([]string, 0, len(undecoded))
	for _, key := range undecoded {
		keys = append(keys, key.String())
	}

	var errorMsg strings.Builder
	errorMsg.WriteString("configuration contains unknown keys: ")
	errorMsg.WriteString(strings.Join(keys, ", "))
	errorMsg.WriteString("\nNote: Configuration key names are case-sensitive and must match exactly.")
	return errorMsg.String()
}

// loadConfig reads the configuration file, applies MODMIRROR_* environment
// variables and command-line overrides, in that order, and configures
// logging. The default configuration file may be absent.
func loadConfig(cmd *cobra.Command) (*mirror.Config, error) {
	config := mirror.NewConfig()
	flags := cmd.Flags()

	configPath, _ := flags.GetString("config")
	meta, err := toml.DecodeFile(configPath, config)
	switch {
	case os.IsNotExist(err) && !flags.Changed("config"):
		slog.Debug("no configuration file, using defaults", "path", configPath)
	case err != nil:
		return nil, errors.Wrap(err, "decode "+configPath)
	default:
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, errors.New(formatUndecodedError(undecoded))
		}
	}

	if err := config.ApplyEnvironmentVariables(); err != nil {
		return nil, err
	}

	if flags.Changed("directory") {
		config.Dir, _ = flags.GetString("directory")
	}
	if flags.Changed("user") {
		config.Creds.User, _ = flags.GetString("user")
	}
	if flags.Changed("token") {
		config.Creds.Token, _ = flags.GetString("token")
	}
	if flags.Changed("compare-all") {
		config.CompareAll, _ = flags.GetBool("compare-all")
	}
	if flags.Changed("upload") {
		config.Upload.Enabled, _ = flags.GetBool("upload")
	}
	if flags.Changed("email") {
		config.Upload.Email, _ = flags.GetString("email")
	}
	if flags.Changed("password") {
		config.Upload.Password, _ = flags.GetString("password")
	}
	if noFlush, _ := flags.GetBool("no-flush"); noFlush {
		config.Progress.Flush = false
	}
	if noKeep, _ := flags.GetBool("no-keep-important"); noKeep {
		config.Progress.KeepImportant = false
	}
	config.ImplyUpload()

	if logLevel, _ := flags.GetString("log-level"); logLevel != "" {
		config.Log.Level = logLevel
	}
	if quiet, _ := flags.GetBool("quiet"); quiet {
		config.Log.Level = "error"
	}
	if err := config.Log.Apply(); err != nil {
		return nil, errors.Wrap(err, "log config")
	}
	return config, nil
}

func fail(msg string, err error, verbose bool) {
	slog.Error(msg, "error", formatError(err, verbose))
	if !verbose {
		slog.Info("run with --verbose-errors for detailed stack traces")
	}
	os.Exit(1)
}

func runSync(cmd *cobra.Command, _ []string) {
	run(cmd, false)
}

func runDrain(cmd *cobra.Command, _ []string) {
	run(cmd, true)
}

func run(cmd *cobra.Command, drain bool) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	quiet, _ := cmd.Flags().GetBool("quiet")

	config, err := loadConfig(cmd)
	if err != nil {
		fail("failed to load configuration", err, verboseErrors)
	}
	defer config.Log.Close()

	// operator errors are reported before any network activity
	checkErr := config.Check()
	if drain {
		checkErr = config.CheckDrain()
	}
	if checkErr != nil {
		slog.Error("invalid configuration", "error", checkErr)
		_ = cmd.Usage()
		os.Exit(1)
	}

	mirror.SetUserAgentVersion(version)

	opts := mirror.RunOptions{
		Drain:                drain,
		ShowDownloadProgress: !quiet && term.IsTerminal(int(os.Stderr.Fd())),
	}
	if !quiet {
		opts.Progress = newTerminalProgress(os.Stdout, config.Progress.Flush, config.Progress.KeepImportant)
	}

	if _, err := mirror.Run(context.Background(), config, opts); err != nil {
		fail("mirror run failed", err, verboseErrors)
	}
}

func runLedger(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config, err := loadConfig(cmd)
	if err != nil {
		fail("failed to load configuration", err, verboseErrors)
	}
	defer config.Log.Close()

	store := mirror.NewLedgerStore(config.LedgerPath())
	ledger, err := store.Load()
	if err != nil {
		fail("failed to load ledger", err, verboseErrors)
	}

	sums, err := mirror.Summarize(ledger, args)
	if err != nil {
		fail("failed to summarize ledger", err, verboseErrors)
	}
	fmt.Print(mirror.RenderTree(store.Path(), sums))
}

func runValidate(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config, err := loadConfig(cmd)
	if err != nil {
		fail("failed to load configuration", err, verboseErrors)
	}
	defer config.Log.Close()

	var validationErrors []error
	if err := config.Check(); err != nil {
		validationErrors = append(validationErrors, errors.Wrap(err, "sync"))
	}
	if config.Upload.Enabled {
		if err := config.CheckDrain(); err != nil {
			validationErrors = append(validationErrors, errors.Wrap(err, "drain"))
		}
	}

	if len(validationErrors) > 0 {
		slog.Error("the toml configuration file is not valid")
		for _, err := range validationErrors {
			slog.Error(err.Error())
		}
		os.Exit(1)
	}

	slog.Info("the toml configuration file passes validation checks")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
