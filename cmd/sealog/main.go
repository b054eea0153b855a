// Package main is the CLI entry point for sealog, a signed, encrypted,
// key-rotating audit log.
//
// Every recorded event is digested (BLAKE2b-256 and SHA3-512), the digest
// is signed with Ed25519, the event is encrypted with XChaCha20-Poly1305,
// and the envelope is appended to a hash-chained JSONL log. Key material
// rotates on a schedule and is sealed at rest with a local master key or a
// KMS.
//
// Architecture overview:
//
//	client --> POST /v1/events --> sealog daemon (:3200)
//	                                 |-- digest + sign + encrypt (current key)
//	                                 |-- append to ~/.sealog/audit/*.jsonl
//	                                 |-- index in SQLite
//	                                 +-- fan out to /v1/feed
//
// CLI commands (cobra):
//
//	sealog start             - Run the daemon (HTTP API + key rotation)
//	sealog stop              - Stop the daemon
//	sealog record            - Record an event
//	sealog verify [seq]      - Verify one entry or the whole log
//	sealog show <seq>        - Print an envelope, optionally decrypted
//	sealog tail [-f]         - Show recent entries
//	sealog query             - Filter entries by kind, key, time
//	sealog export            - Dump the log as jsonl, json or csv
//	sealog keys              - Inspect and rotate key material
//	sealog config            - Show or initialise configuration
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ctrlai/sealog/internal/audit"
	"github.com/ctrlai/sealog/internal/config"
	"github.com/ctrlai/sealog/internal/keystore"
	"github.com/ctrlai/sealog/internal/metrics"
	"github.com/ctrlai/sealog/internal/server"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-02-10"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultConfigDir returns ~/.sealog/, where config.yaml, .env, the keyring
// and the audit log live.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sealog"
	}
	return filepath.Join(home, ".sealog")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

var (
	configDir string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "sealog",
	Short: "sealog: signed, encrypted, key-rotating audit log",
	Long: `sealog records audit events as signed, encrypted envelopes in an
append-only, hash-chained log. Anyone holding an envelope can check its
signature with the embedded public key; only holders of the key material
can decrypt it.

Run 'sealog config init' once, then 'sealog start' to run the daemon.`,
	Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := setupLogging(logLevel, logFormat); err != nil {
			return err
		}
		return config.LoadEnv(configDir)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir(), "Path to sealog config and state directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text, json")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(configCmd)
}

// setupLogging installs the default slog handler on stderr.
func setupLogging(level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch format {
	case "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid --log-format %q (want text or json)", format)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

// ============================================================================
// Shared wiring
// ============================================================================

func configPath() string { return filepath.Join(configDir, "config.yaml") }

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newSealer builds the at-rest sealer from config and the environment.
func newSealer(ctx context.Context, cfg *config.Config) (keystore.Sealer, error) {
	sc := keystore.SealConfig{
		Provider: cfg.Seal.Provider,
		KeyID:    cfg.Seal.KeyID,
		Options:  cfg.Seal.Config,
	}
	if sc.Provider == keystore.ProviderAEAD {
		key, err := config.MasterKey()
		if err != nil {
			return nil, err
		}
		sc.MasterKey = key
	}
	sealer, err := keystore.NewSealer(ctx, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise %s sealer: %w", sc.Provider, err)
	}
	return sealer, nil
}

func openKeys(ctx context.Context, cfg *config.Config) (*keystore.Store, error) {
	sealer, err := newSealer(ctx, cfg)
	if err != nil {
		return nil, err
	}
	keys, err := keystore.Open(ctx, cfg.Keys.Dir, sealer, keystore.Options{CacheTTL: cfg.Keys.CacheTTL})
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return keys, nil
}

// openLogReadOnly opens the audit log without key material: enough for
// verify, tail, query and export.
func openLogReadOnly(cfg *config.Config) (*audit.AuditLog, error) {
	auditLog, err := audit.New(cfg.Audit.Dir, audit.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return auditLog, nil
}

func openLogWithKeys(ctx context.Context, cfg *config.Config) (*audit.AuditLog, *keystore.Store, error) {
	keys, err := openKeys(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	auditLog, err := audit.New(cfg.Audit.Dir, audit.Options{Keys: keys})
	if err != nil {
		if errors.Is(err, audit.ErrLocked) {
			return nil, nil, fmt.Errorf("%w (is the daemon running but not answering on %s?)", err, daemonURL(cfg))
		}
		return nil, nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return auditLog, keys, nil
}

// openLogForDecrypt opens the log with key material but without the writer
// lock, so show and verify --decrypt work next to a running daemon.
func openLogForDecrypt(ctx context.Context, cfg *config.Config) (*audit.AuditLog, error) {
	keys, err := openKeys(ctx, cfg)
	if err != nil {
		return nil, err
	}
	auditLog, err := audit.New(cfg.Audit.Dir, audit.Options{Keys: keys, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return auditLog, nil
}

// ============================================================================
// sealog start: Run the daemon
// ============================================================================

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the sealog daemon",
	Long: `Start the sealog daemon in the foreground. The daemon owns the audit
log and the keyring: it serves the HTTP API, rotates key material on
schedule, and hot-reloads the rotation interval when config.yaml changes.

The API binds to the address in ~/.sealog/config.yaml (default
127.0.0.1:3200).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart(cmd.Context())
	},
}

// runStart wires the stack together:
//
//  1. Load config (+ .env) and build the sealer
//  2. Open the keyring, provisioning key material on first boot
//  3. Open the audit log with metrics as its observer
//  4. Start the rotator
//  5. Build the HTTP server (API, feed, metrics)
//  6. Write the PID file and start the config watcher
//  7. Serve until SIGINT/SIGTERM or POST /shutdown
func runStart(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Step 1: Config and sealer ---
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sealer, err := newSealer(ctx, cfg)
	if err != nil {
		return err
	}
	if err := keystore.HealthCheck(ctx, sealer); err != nil {
		return err
	}

	// --- Step 2: Keyring ---
	keys, err := keystore.Open(ctx, cfg.Keys.Dir, sealer, keystore.Options{CacheTTL: cfg.Keys.CacheTTL})
	if err != nil {
		return fmt.Errorf("failed to open keyring: %w", err)
	}

	// --- Step 3: Audit log ---
	var m *metrics.Metrics
	opts := audit.Options{Keys: keys}
	if cfg.Metrics.Enabled {
		if m, err = metrics.New(); err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		m.SetCurrentKey(keys.Current())
		opts.Observer = m
	}
	auditLog, err := audit.New(cfg.Audit.Dir, opts)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer auditLog.Close()

	auditLog.LogLifecycle(ctx, "start", map[string]any{
		"version": version,
		"key_id":  keys.Current().ID(),
	})

	// --- Step 4: Rotator ---
	rotator := keystore.NewRotator(keys, keystore.RotatorConfig{
		Interval:       cfg.Rotation.Interval,
		Timeout:        cfg.Rotation.Timeout,
		InitialBackoff: cfg.Rotation.InitialBackoff,
		MaxBackoff:     cfg.Rotation.MaxBackoff,
		OnRotate: func(km *keystore.KeyMaterial) {
			if m != nil {
				m.RotationDone(km, nil)
			}
			auditLog.LogLifecycle(ctx, "key_rotated", map[string]any{"key_id": km.ID()})
		},
		OnFailure: func(err error) {
			if m != nil {
				m.RotationDone(nil, err)
			}
			auditLog.LogLifecycle(ctx, "key_rotation_failed", map[string]any{
				"key_id": keys.Current().ID(),
				"error":  err.Error(),
			})
		},
	})
	rotatorDone := make(chan struct{})
	go func() {
		defer close(rotatorDone)
		if err := rotator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("key rotator stopped", "error", err)
		}
	}()

	// --- Step 5: HTTP server ---
	shutdownCh := make(chan struct{}, 1)
	api := server.New(server.Options{
		Log:     auditLog,
		Keys:    keys,
		Rotate:  rotator.RotateNow,
		Metrics: m,
		Feed:    cfg.Feed.Enabled,
		Version: version,
		Shutdown: func() {
			select {
			case shutdownCh <- struct{}{}:
			default:
			}
		},
	})
	defer api.Close()

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// --- Step 6: PID file and config watcher ---
	pidFile := filepath.Join(configDir, "sealog.pid")
	if err := writePIDFile(pidFile); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer removePIDFile(pidFile)

	watcher, err := config.NewWatcher(configDir, config.WatchTargets{
		OnConfigChange: func() {
			newCfg, err := config.Load(configPath())
			if err != nil {
				slog.Warn("config reload failed, keeping previous settings", "error", err)
				return
			}
			rotator.SetInterval(newCfg.Rotation.Interval)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	// --- Step 7: Serve ---
	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[sealog] API listening on http://%s\n", addr)
		fmt.Printf("[sealog] Current key %s, rotating every %s\n", keys.Current().ID(), cfg.Rotation.Interval)
		fmt.Println("[sealog] Press Ctrl+C to stop")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[sealog] Shutting down (signal received)...")
	case <-shutdownCh:
		fmt.Println("[sealog] Shutting down (stop command received)...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "[sealog] Shutdown error: %v\n", err)
	}

	stop()
	<-rotatorDone

	auditLog.LogLifecycle(context.Background(), "stop", nil)
	fmt.Println("[sealog] Stopped")
	return nil
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePIDFile(path string) {
	os.Remove(path)
}

// ============================================================================
// sealog stop: Stop the daemon
// ============================================================================

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running sealog daemon",
	Long: `Stop a running daemon. Tries POST /shutdown first, then falls back to
the PID file and SIGTERM on Unix systems.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Post(daemonURL(cfg)+"/shutdown", "application/json", nil)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				fmt.Println("[sealog] Stop signal sent to daemon")
				return nil
			}
		}

		if runtime.GOOS == "windows" {
			return fmt.Errorf("daemon is not responding at %s", daemonURL(cfg))
		}

		pidFile := filepath.Join(configDir, "sealog.pid")
		pidBytes, err := os.ReadFile(pidFile)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("daemon is not running (no PID file and HTTP unreachable)")
			}
			return fmt.Errorf("failed to read PID file: %w", err)
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
		if err != nil {
			return fmt.Errorf("invalid PID in %s: %w", pidFile, err)
		}
		process, err := os.FindProcess(pid)
		if err != nil {
			return fmt.Errorf("failed to find process %d: %w", pid, err)
		}
		if err := process.Signal(syscall.SIGTERM); err != nil {
			os.Remove(pidFile)
			return fmt.Errorf("failed to stop daemon (PID %d): %w", pid, err)
		}
		fmt.Printf("[sealog] Sent stop signal to daemon (PID %d)\n", pid)
		return nil
	},
}

// ============================================================================
// Daemon client
// ============================================================================

// daemonURL is the base URL of the local daemon. Wildcard binds are reached
// over loopback.
func daemonURL(cfg *config.Config) string {
	host := cfg.Server.Host
	if host == "0.0.0.0" || host == "::" || host == "" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port))
}

// daemonRunning reports whether a daemon answers /health. Commands that
// write (record, keys rotate) go through it when it does, so the daemon
// stays the single writer of the chain.
func daemonRunning(cfg *config.Config) bool {
	client := &http.Client{Timeout: time.Second}
	resp, err := client.Get(daemonURL(cfg) + "/health")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// callDaemon sends in as JSON (if non-nil) and decodes a 2xx response into
// out. Error bodies carry {"error": "..."}.
func callDaemon(ctx context.Context, cfg *config.Config, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, daemonURL(cfg)+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := (&http.Client{Timeout: 2 * time.Minute}).Do(req)
	if err != nil {
		return fmt.Errorf("calling daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("daemon: %s (HTTP %d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("daemon: HTTP %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ============================================================================
// sealog record: Record an event
// ============================================================================

var (
	recordKind     string
	recordActor    string
	recordAction   string
	recordResource string
	recordSource   string
	recordSuccess  bool
	recordError    string
	recordMeta     map[string]string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record an audit event",
	Long: `Record one event. If the daemon is running the event is sent to it;
otherwise the log and keyring are opened directly.

Example:
  sealog record --kind auth.login --actor alice --source 10.0.0.7 --meta method=totp`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ev := audit.Event{
			Kind:     recordKind,
			Actor:    recordActor,
			Action:   recordAction,
			Resource: recordResource,
			Source:   recordSource,
			Success:  recordSuccess,
			Error:    recordError,
		}
		if len(recordMeta) > 0 {
			ev.Metadata = make(map[string]any, len(recordMeta))
			for k, v := range recordMeta {
				ev.Metadata[k] = v
			}
		}
		if err := ev.Validate(); err != nil {
			return err
		}

		var e audit.Entry
		if daemonRunning(cfg) {
			if err := callDaemon(ctx, cfg, http.MethodPost, "/v1/events", ev, &e); err != nil {
				return err
			}
		} else {
			auditLog, _, err := openLogWithKeys(ctx, cfg)
			if err != nil {
				return err
			}
			defer auditLog.Close()
			if e, err = auditLog.Record(ctx, ev); err != nil {
				return fmt.Errorf("failed to record event: %w", err)
			}
		}

		printEntry(e)
		return nil
	},
}

func init() {
	recordCmd.Flags().StringVar(&recordKind, "kind", "", "Event kind, e.g. auth.login (required)")
	recordCmd.Flags().StringVar(&recordActor, "actor", "", "Who performed the action")
	recordCmd.Flags().StringVar(&recordAction, "action", "", "What was done")
	recordCmd.Flags().StringVar(&recordResource, "resource", "", "What it was done to")
	recordCmd.Flags().StringVar(&recordSource, "source", "", "Origin, e.g. client IP")
	recordCmd.Flags().BoolVar(&recordSuccess, "success", true, "Whether the action succeeded")
	recordCmd.Flags().StringVar(&recordError, "error", "", "Error message for failed actions")
	recordCmd.Flags().StringToStringVar(&recordMeta, "meta", nil, "Extra key=value metadata")
	recordCmd.MarkFlagRequired("kind")
}

// ============================================================================
// sealog verify: Verify entries
// ============================================================================

var verifyDecrypt bool

var verifyCmd = &cobra.Command{
	Use:   "verify [seq]",
	Short: "Verify one entry or the whole log",
	Long: `Without arguments, verify every entry: digest format, Ed25519 signature
against the embedded public key, chain hash, chain linkage and sequence
continuity. With --decrypt, also decrypt each entry and compare the
plaintext digest (needs key material).

With a sequence number, verify just that entry. Exits non-zero if anything
is flagged.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		var auditLog *audit.AuditLog
		if verifyDecrypt {
			auditLog, err = openLogForDecrypt(ctx, cfg)
		} else {
			auditLog, err = openLogReadOnly(cfg)
		}
		if err != nil {
			return err
		}
		defer auditLog.Close()

		if len(args) == 1 {
			return verifyOne(ctx, auditLog, args[0])
		}

		report, err := auditLog.VerifyLog(ctx, audit.VerifyOptions{Decrypt: verifyDecrypt})
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
		if report.Valid {
			fmt.Printf("[sealog] Log VALID (%d entries verified", report.EntriesChecked)
			if verifyDecrypt {
				fmt.Printf(", %d decrypted", report.Decrypted)
			}
			fmt.Println(")")
			return nil
		}

		fmt.Printf("[sealog] Log INVALID: %d finding(s) in %d entries\n", len(report.Findings), report.EntriesChecked)
		for _, f := range report.Findings {
			loc := fmt.Sprintf("#%d", f.Seq)
			if f.File != "" && f.Line > 0 {
				loc = fmt.Sprintf("%s:%d", f.File, f.Line)
			}
			fmt.Printf("  %-24s %-16s %s\n", loc, f.Reason, f.Detail)
		}
		return fmt.Errorf("audit log integrity violation detected")
	},
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyDecrypt, "decrypt", false, "Also decrypt entries and check plaintext digests")
}

func verifyOne(ctx context.Context, auditLog *audit.AuditLog, arg string) error {
	seq, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid sequence number %q", arg)
	}
	e, err := auditLog.Get(seq)
	if err != nil {
		return err
	}
	if err := auditLog.Verify(e); err != nil {
		fmt.Printf("[sealog] Entry #%d INVALID: %v\n", seq, err)
		return err
	}
	if verifyDecrypt {
		if _, err := auditLog.Open(ctx, e); err != nil {
			fmt.Printf("[sealog] Entry #%d signature valid, decryption FAILED: %v\n", seq, err)
			return err
		}
	}
	fmt.Printf("[sealog] Entry #%d VALID (key %s)\n", seq, e.KeyID)
	return nil
}

// ============================================================================
// sealog show: Print one envelope
// ============================================================================

var showDecrypt bool

var showCmd = &cobra.Command{
	Use:   "show <seq>",
	Short: "Print an envelope, optionally decrypted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		seq, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid sequence number %q", args[0])
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		var auditLog *audit.AuditLog
		if showDecrypt {
			auditLog, err = openLogForDecrypt(ctx, cfg)
		} else {
			auditLog, err = openLogReadOnly(cfg)
		}
		if err != nil {
			return err
		}
		defer auditLog.Close()

		e, err := auditLog.Get(seq)
		if err != nil {
			return err
		}

		out := map[string]any{"entry": e}
		if showDecrypt {
			ev, err := auditLog.Open(ctx, e)
			if err != nil {
				return fmt.Errorf("failed to open entry #%d: %w", seq, err)
			}
			out["event"] = ev
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	showCmd.Flags().BoolVar(&showDecrypt, "decrypt", false, "Decrypt the event (needs key material)")
}

// ============================================================================
// sealog tail / query / export: Read the log
// ============================================================================

var (
	tailFollow bool
	tailLimit  int
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent entries",
	Long:  `Show the most recent entries. Use -f to follow new entries (like tail -f).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		auditLog, err := openLogReadOnly(cfg)
		if err != nil {
			return err
		}
		defer auditLog.Close()

		entries, err := auditLog.Tail(tailLimit)
		if err != nil {
			return fmt.Errorf("failed to read audit log: %w", err)
		}
		for _, e := range entries {
			printEntry(e)
		}

		if tailFollow {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			err := auditLog.Follow(ctx, printEntry)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		return nil
	},
}

func init() {
	tailCmd.Flags().BoolVarP(&tailFollow, "follow", "f", false, "Follow new entries in real-time")
	tailCmd.Flags().IntVarP(&tailLimit, "limit", "n", 20, "Number of recent entries to show")
}

var queryParams audit.QueryParams

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query entries with filters",
	Long: `Query the log by kind (exact or glob), key ID and time range.

Examples:
  sealog query --kind 'auth.*' --since 1h
  sealog query --key-id 6f1c... --limit 100
  sealog query --since 2026-02-10T00:00:00Z`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		auditLog, err := openLogReadOnly(cfg)
		if err != nil {
			return err
		}
		defer auditLog.Close()

		entries, err := auditLog.Query(queryParams)
		if err != nil {
			return fmt.Errorf("audit query failed: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("No matching audit entries found.")
			return nil
		}
		for _, e := range entries {
			printEntry(e)
		}
		fmt.Printf("\n%d entries found.\n", len(entries))
		return nil
	},
}

func init() {
	queryCmd.Flags().StringVar(&queryParams.Kind, "kind", "", "Filter by kind; globs like auth.* or **.failed")
	queryCmd.Flags().StringVar(&queryParams.KeyID, "key-id", "", "Filter by signing key ID")
	queryCmd.Flags().StringVar(&queryParams.Since, "since", "", "Duration (1h, 24h) or RFC 3339 timestamp")
	queryCmd.Flags().IntVar(&queryParams.Limit, "limit", 50, "Maximum number of entries (newest)")
}

var exportFormat string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the audit log",
	Long: `Export every envelope to stdout. Formats: jsonl, json, csv.

Example:
  sealog export --format csv > audit.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		auditLog, err := openLogReadOnly(cfg)
		if err != nil {
			return err
		}
		defer auditLog.Close()

		return auditLog.Export(os.Stdout, exportFormat)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "jsonl", "Export format: jsonl, json, csv")
}

// printEntry prints one envelope summary line.
func printEntry(e audit.Entry) {
	digest := e.Digest
	if len(digest) > 19 {
		digest = digest[:19] + "…"
	}
	fmt.Printf("[%s] #%-6d %-24s key=%s digest=%s\n",
		e.Time().Format(time.RFC3339), e.Seq, e.Kind, shortID(e.KeyID), digest)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ============================================================================
// sealog keys: Key material
// ============================================================================

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Inspect and rotate key material",
	Long: `Key material is an Ed25519 signing pair plus a 256-bit encryption key.
Every generation is kept in ~/.sealog/keys/keyring.json, sealed with the
configured provider, so entries written under retired keys stay readable.`,
}

func init() {
	keysCmd.AddCommand(keysCurrentCmd)
	keysCmd.AddCommand(keysRotateCmd)
	keysCmd.AddCommand(keysListCmd)
}

type keyJSON struct {
	ID        string    `json:"id"`
	PublicKey []byte    `json:"public_key"`
	CreatedAt time.Time `json:"created_at"`
}

var keysCurrentCmd = &cobra.Command{
	Use:   "current",
	Short: "Show the current key ID and public key",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		var k keyJSON
		if daemonRunning(cfg) {
			if err := callDaemon(ctx, cfg, http.MethodGet, "/v1/keys/current", nil, &k); err != nil {
				return err
			}
		} else {
			keys, err := openKeys(ctx, cfg)
			if err != nil {
				return err
			}
			km := keys.Current()
			k = keyJSON{ID: km.ID(), PublicKey: km.PublicKey(), CreatedAt: km.CreatedAt()}
		}

		fmt.Printf("Key ID:     %s\n", k.ID)
		fmt.Printf("Public key: %s\n", base64.StdEncoding.EncodeToString(k.PublicKey))
		fmt.Printf("Created:    %s (%s ago)\n", k.CreatedAt.Format(time.RFC3339), time.Since(k.CreatedAt).Round(time.Second))
		return nil
	},
}

var keysRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate key material now",
	Long: `Generate fresh key material and make it current. If the daemon is
running it performs the rotation; otherwise the keyring is updated directly.
On failure the previous key stays current.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		var k keyJSON
		if daemonRunning(cfg) {
			if err := callDaemon(ctx, cfg, http.MethodPost, "/v1/keys/rotate", nil, &k); err != nil {
				return err
			}
		} else {
			auditLog, keys, err := openLogWithKeys(ctx, cfg)
			if err != nil {
				return err
			}
			defer auditLog.Close()

			rctx, cancel := context.WithTimeout(ctx, cfg.Rotation.Timeout)
			defer cancel()
			km, err := keys.Rotate(rctx)
			if err != nil {
				auditLog.LogLifecycle(ctx, "key_rotation_failed", map[string]any{"error": err.Error()})
				return fmt.Errorf("rotation failed, previous key kept: %w", err)
			}
			auditLog.LogLifecycle(ctx, "key_rotated", map[string]any{"key_id": km.ID(), "manual": true})
			k = keyJSON{ID: km.ID(), PublicKey: km.PublicKey(), CreatedAt: km.CreatedAt()}
		}

		fmt.Printf("[sealog] Rotated to key %s\n", k.ID)
		return nil
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every key generation",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		var infos []keystore.KeyInfo
		if daemonRunning(cfg) {
			err = callDaemon(ctx, cfg, http.MethodGet, "/v1/keys", nil, &infos)
		} else {
			var keys *keystore.Store
			if keys, err = openKeys(ctx, cfg); err == nil {
				infos, err = keys.List()
			}
		}
		if err != nil {
			return err
		}

		fmt.Printf("%-38s %-8s %-22s %s\n", "ID", "STATUS", "CREATED", "RETIRED")
		for _, k := range infos {
			status := "retired"
			if k.Active {
				status = "ACTIVE"
			}
			retired := "-"
			if k.RetiredAt != nil {
				retired = k.RetiredAt.Format(time.RFC3339)
			}
			fmt.Printf("%-38s %-8s %-22s %s\n", k.ID, status, k.CreatedAt.Format(time.RFC3339), retired)
		}
		return nil
	},
}

// ============================================================================
// sealog config: Configuration management
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or initialise configuration",
	Long: `The config file lives at ~/.sealog/config.yaml and defines the API bind
address, log and keyring locations, the rotation schedule and the seal
provider. Secrets are read from the environment or ~/.sealog/.env.`,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  `Print the configuration after defaults and SEALOG_* overrides are applied.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config.yaml and a local master key",
	Long: `Create ~/.sealog/config.yaml with defaults if it does not exist, and,
unless SEALOG_MASTER_KEY is already set, generate a random 32-byte master
key into ~/.sealog/.env (mode 0600). Keep a copy of that key: without it
the keyring, and therefore the encrypted log, cannot be opened.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o700); err != nil {
			return fmt.Errorf("failed to create %s: %w", configDir, err)
		}

		if _, err := os.Stat(configPath()); os.IsNotExist(err) {
			if err := config.WriteDefault(configPath()); err != nil {
				return fmt.Errorf("failed to write default config: %w", err)
			}
			fmt.Printf("[sealog] Wrote %s\n", configPath())
		} else {
			fmt.Printf("[sealog] %s already exists, leaving it unchanged\n", configPath())
		}

		if os.Getenv(config.EnvMasterKey) != "" {
			fmt.Printf("[sealog] %s is already set\n", config.EnvMasterKey)
			return nil
		}

		envPath := filepath.Join(configDir, ".env")
		env := map[string]string{}
		if existing, err := godotenv.Read(envPath); err == nil {
			env = existing
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read %s: %w", envPath, err)
		}

		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return fmt.Errorf("failed to generate master key: %w", err)
		}
		env[config.EnvMasterKey] = base64.StdEncoding.EncodeToString(key)

		if err := godotenv.Write(env, envPath); err != nil {
			return fmt.Errorf("failed to write %s: %w", envPath, err)
		}
		if err := os.Chmod(envPath, 0o600); err != nil {
			return fmt.Errorf("failed to restrict %s: %w", envPath, err)
		}
		fmt.Printf("[sealog] Generated master key in %s (back it up)\n", envPath)
		return nil
	},
}
