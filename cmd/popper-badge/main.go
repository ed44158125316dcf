package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ivotron/popper-badge-server/internal/archive"
	"github.com/ivotron/popper-badge-server/internal/cache"
	"github.com/ivotron/popper-badge-server/internal/client"
	"github.com/ivotron/popper-badge-server/internal/config"
	"github.com/ivotron/popper-badge-server/internal/events"
	"github.com/ivotron/popper-badge-server/internal/resolver"
	"github.com/ivotron/popper-badge-server/internal/server"
	"github.com/ivotron/popper-badge-server/internal/service"
	"github.com/ivotron/popper-badge-server/internal/status"
	"github.com/ivotron/popper-badge-server/internal/storage"
	"github.com/ivotron/popper-badge-server/internal/submission"
	"github.com/ivotron/popper-badge-server/internal/version"
	"github.com/logrusorgru/aurora"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "popper-badge",
		Short:         "Build status badges for Popper pipelines",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("config", "", "Config file (default: search current directory)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")

	rootCmd.AddCommand(
		serverCmd(),
		reportCmd(),
		historyCmd(),
		exportCmd(),
		reposCmd(),
		configCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch format {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("log format %q: must be text or json", format)
	}
}

func loggerFor(cmd *cobra.Command) (*slog.Logger, error) {
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	return newLogger(os.Stderr, level, format)
}

// loadConfig reads the config file, then applies flags, then POPPER_*
// environment variables.
func loadConfig(cmd *cobra.Command, getenv func(string) string) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	var cfg *config.Config
	if path != "" {
		c, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = c
	} else {
		workDir, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		c, _, err := config.Load(workDir)
		switch {
		case errors.Is(err, config.ErrNoConfig):
			cfg = config.Default()
		case err != nil:
			return nil, err
		default:
			cfg = c
		}
	}

	if f := cmd.Flags().Lookup("addr"); f != nil && f.Changed {
		cfg.Addr = f.Value.String()
	}
	if f := cmd.Flags().Lookup("database"); f != nil && f.Changed {
		cfg.Database = f.Value.String()
	}

	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the badge server",
		RunE:  runServer,
	}
	cmd.Flags().String("addr", ":8080", "Address to listen on")
	cmd.Flags().String("database", config.DefaultDatabase, "SQLite path or postgres:// DSN")
	return cmd
}

func runServer(cmd *cobra.Command, args []string) error {
	log, err := loggerFor(cmd)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	cfg, err := loadConfig(cmd, os.Getenv)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Info("initializing storage", "database", redactDSN(cfg.Database))
	store, err := storage.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer store.Close()

	statusCache, err := newCache(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	if statusCache != nil {
		defer statusCache.Close()
	} else {
		log.Info("status cache disabled")
	}

	if cfg.BranchFilter.Enabled {
		log.Info("branch filtering enabled", "primary", cfg.BranchFilter.Primary)
	}

	res := resolver.New(store, statusCache, log)
	validator := submission.NewValidator(submission.Policy{
		FilterBranches: cfg.BranchFilter.Enabled,
		PrimaryBranch:  cfg.BranchFilter.Primary,
	})
	hub := events.NewHub()
	svc := service.New(store, validator, res, hub, log)

	handler := server.NewRouter(server.Deps{
		Service:  svc,
		Resolver: res,
		Hub:      hub,
		Badge: server.BadgeOptions{
			Redirect:   cfg.Badge.Mode == config.BadgeModeRedirect,
			Label:      cfg.Badge.Label,
			ShieldsURL: cfg.Badge.ShieldsURL,
		},
		Log: log,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", cfg.Addr, "version", version.Version, "badge_mode", cfg.Badge.Mode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown error", "error", err)
		}
	}

	return nil
}

// newCache returns nil when caching is disabled.
func newCache(cfg config.Cache) (cache.Cache, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	ttl := cfg.TTL.Duration()
	if cfg.RedisURL != "" {
		r, err := cache.NewRedis(cfg.RedisURL, ttl)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return cache.NewMemory(ttl), nil
}

// redactDSN hides the password in a postgres URL.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	userinfo, host, ok := strings.Cut(rest, "@")
	if !ok {
		return dsn
	}
	user, _, hasPass := strings.Cut(userinfo, ":")
	if !hasPass {
		return dsn
	}
	return scheme + "://" + user + ":xxxxx@" + host
}

// splitRepo parses "org/repo".
func splitRepo(s string) (org, repo string, err error) {
	org, repo, ok := strings.Cut(s, "/")
	if !ok || org == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fmt.Errorf("repository must be org/repo, got %q", s)
	}
	return org, repo, nil
}

func clientFlags(cmd *cobra.Command) {
	cmd.Flags().String("server", "http://localhost:8080", "Badge server URL")
	cmd.Flags().Int("retries", 3, "Retries on connection errors and 5xx responses")
	cmd.Flags().Duration("timeout", 10*time.Second, "Per-attempt request timeout")
}

func newClient(cmd *cobra.Command) *client.Client {
	serverURL, _ := cmd.Flags().GetString("server")
	retries, _ := cmd.Flags().GetInt("retries")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if env := os.Getenv("POPPER_SERVER"); env != "" {
		serverURL = env
	}
	return client.New(serverURL, retries, timeout)
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <org/repo>",
		Short: "Submit a pipeline result to a badge server",
		Long: `Submit a pipeline result to a badge server.

Examples:
  popper-badge report systemslab/popper --commit abc123 --status SUCCESS
  popper-badge report systemslab/popper --commit abc123 --status FAIL --branch master`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			org, repo, err := splitRepo(args[0])
			if err != nil {
				return err
			}
			commit, _ := cmd.Flags().GetString("commit")
			st, _ := cmd.Flags().GetString("status")
			branch, _ := cmd.Flags().GetString("branch")
			ts, _ := cmd.Flags().GetInt64("timestamp")
			if ts == 0 {
				ts = time.Now().Unix()
			}

			res, err := newClient(cmd).Report(cmd.Context(), org, repo, client.Report{
				CommitID:  commit,
				Timestamp: ts,
				Status:    st,
				Branch:    branch,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			return nil
		},
	}
	clientFlags(cmd)
	cmd.Flags().String("commit", "", "Commit ID")
	cmd.Flags().String("status", "", "Pipeline status (SUCCESS, GOLD, FAIL)")
	cmd.Flags().String("branch", "", "Branch the pipeline ran on")
	cmd.Flags().Int64("timestamp", 0, "Unix timestamp (default: now)")
	cmd.MarkFlagRequired("commit")
	cmd.MarkFlagRequired("status")
	return cmd
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <org/repo>",
		Short: "Show recorded pipeline results, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			org, repo, err := splitRepo(args[0])
			if err != nil {
				return err
			}
			entries, err := newClient(cmd).History(cmd.Context(), org, repo)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			color := false
			if f, ok := out.(*os.File); ok {
				color = term.IsTerminal(int(f.Fd()))
			}
			printHistory(out, entries, color)
			return nil
		},
	}
	clientFlags(cmd)
	return cmd
}

func printHistory(w io.Writer, entries []client.HistoryEntry, color bool) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no records")
		return
	}

	au := aurora.NewAurora(color)
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Timestamp", "Commit", "Status"})
	table.SetBorder(false)
	for _, e := range entries {
		table.Append([]string{e.Timestamp, e.CommitID, colorStatus(au, e.Status)})
	}
	table.Render()
}

func colorStatus(au aurora.Aurora, raw string) string {
	switch status.Describe(status.Parse(raw)).Color {
	case "green":
		return au.Green(raw).String()
	case "yellow":
		return au.Yellow(raw).String()
	case "red":
		return au.Red(raw).String()
	default:
		return au.BrightBlack(raw).String()
	}
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export [org/repo]",
		Short: "Write history snapshots to the configured archive",
		Long: `Write gzipped NDJSON history snapshots to a directory or S3-compatible bucket.

Without arguments every repository is exported.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runExport,
	}
	cmd.Flags().String("database", config.DefaultDatabase, "SQLite path or postgres:// DSN")
	return cmd
}

func runExport(cmd *cobra.Command, args []string) error {
	log, err := loggerFor(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd, os.Getenv)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var sink archive.Sink
	switch {
	case cfg.Archive.Bucket != "":
		sink, err = archive.NewS3Sink(cmd.Context(), archive.S3Config{
			Bucket:          cfg.Archive.Bucket,
			Endpoint:        cfg.Archive.Endpoint,
			Region:          cfg.Archive.Region,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		})
	case cfg.Archive.Dir != "":
		sink, err = archive.NewFilesystemSink(cfg.Archive.Dir)
	default:
		return errors.New("no archive configured: set archive.dir or archive.bucket")
	}
	if err != nil {
		return fmt.Errorf("initialize archive: %w", err)
	}

	store, err := storage.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer store.Close()

	exp := archive.NewExporter(store, sink, log)
	if len(args) == 1 {
		org, repo, err := splitRepo(args[0])
		if err != nil {
			return err
		}
		n, err := exp.ExportRepo(cmd.Context(), storage.RepoKey(org, repo))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "exported %d records\n", n)
		return nil
	}

	sum, err := exp.ExportAll(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "exported %d records from %d repositories\n", sum.Records, sum.Repos)
	return nil
}

func reposCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repos",
		Short: "List repositories with recorded results",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, os.Getenv)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := storage.Open(cfg.Database)
			if err != nil {
				return fmt.Errorf("initialize storage: %w", err)
			}
			defer store.Close()

			keys, err := store.ListRepos(cmd.Context())
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}
	cmd.Flags().String("database", config.DefaultDatabase, "SQLite path or postgres:// DSN")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, os.Getenv)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Valid")
			fmt.Fprintf(out, "  addr: %s\n", cfg.Addr)
			fmt.Fprintf(out, "  database: %s\n", redactDSN(cfg.Database))
			fmt.Fprintf(out, "  badge: %s (label %q)\n", cfg.Badge.Mode, cfg.Badge.Label)
			if cfg.BranchFilter.Enabled {
				fmt.Fprintf(out, "  branch filter: %s\n", cfg.BranchFilter.Primary)
			}
			if !cfg.Cache.Enabled() {
				fmt.Fprintln(out, "  cache: disabled")
			} else if cfg.Cache.RedisURL != "" {
				fmt.Fprintf(out, "  cache: redis, ttl %s\n", cfg.Cache.TTL.Duration())
			} else {
				fmt.Fprintf(out, "  cache: memory, ttl %s\n", cfg.Cache.TTL.Duration())
			}
			return nil
		},
	}
}
