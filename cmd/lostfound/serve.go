package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/erazemk/lostfound/internal/api"
	"github.com/erazemk/lostfound/internal/config"
	"github.com/erazemk/lostfound/internal/db"
	"github.com/erazemk/lostfound/internal/hub"
	"github.com/erazemk/lostfound/internal/imaging"
	"github.com/erazemk/lostfound/internal/moderation"
	"github.com/erazemk/lostfound/internal/store"
)

// Applied mutation ids are kept long enough for any offline replica to
// replay its outbox.
const (
	mutationRetention   = 30 * 24 * time.Hour
	maintenanceInterval = time.Hour
)

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)

	var configPath, dbPath, addr, logPath string
	fs.StringVar(&configPath, "config", "", "")
	fs.StringVar(&configPath, "c", "", "")
	fs.StringVar(&dbPath, "db", "", "")
	fs.StringVar(&dbPath, "d", "", "")
	fs.StringVar(&addr, "addr", "", "")
	fs.StringVar(&addr, "a", "", "")
	fs.StringVar(&logPath, "log", "", "")
	fs.StringVar(&logPath, "l", "", "")

	fs.Usage = func() {
		fmt.Fprint(os.Stdout, `Usage: lostfound serve [flags]

Flags:
  -c, -config <path>      config file (default: search $LOSTFOUND_CONFIG, ./lostfound.yaml, ...)
  -d, -db <path>          SQLite database path (default: lostfound.sqlite3)
  -a, -addr <host:port>   listen address (default: :8080)
  -l, -log <path>         log file path (default: no file, stdout/stderr only)
  -h, -help               show this help and exit
`)
	}
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	cfg, loadedPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logPath != "" {
		cfg.Log.Path = logPath
	}

	level, err := cfg.Log.SlogLevel()
	if err != nil {
		return err
	}
	closeLog, err := setupLogger(cfg.Log.Path, level)
	if err != nil {
		return err
	}
	defer closeLog()

	if loadedPath != "" {
		slog.Info("config loaded", "path", loadedPath)
	}

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.EnsureSchema(database); err != nil {
		return fmt.Errorf("ensuring database schema: %w", err)
	}
	slog.Info("database ready", "path", cfg.Database.Path)

	// First run: create the admin account.
	password, err := ensureAdmin(context.Background(), database, cfg.Admin)
	if err != nil {
		return err
	}
	if password != "" {
		printAdminCredentials(cfg.Admin.Email, password)
	}

	secret, err := store.SessionSecret(context.Background(), database)
	if err != nil {
		return err
	}

	events := hub.New()
	policy := moderation.NewLive(cfg.Moderation.Policy())
	images := imaging.NewProcessor(cfg.Images.MaxDimension, cfg.Images.JPEGQuality)

	handler := api.LoggingMiddleware(api.NewRouter(database, secret, api.Services{
		Hub:        events,
		Policy:     policy,
		Images:     images,
		SessionTTL: cfg.Server.SessionTTL.Duration(),
	}))

	// No WriteTimeout: event streams stay open for as long as clients listen.
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout.Duration(),
		ReadTimeout:       cfg.Server.ReadTimeout.Duration(),
		IdleTimeout:       cfg.Server.IdleTimeout.Duration(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return events.Run(ctx)
	})

	g.Go(func() error {
		slog.Info("server started", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server forced to shutdown", "error", err)
		}
		return nil
	})

	if loadedPath != "" {
		g.Go(func() error {
			return config.Watch(ctx, loadedPath, config.DefaultDebounce, func(c *config.Config) {
				policy.Store(c.Moderation.Policy())
				slog.Info("moderation policy reloaded",
					"default_status", c.Moderation.DefaultStatus,
					"temp_block_strikes", c.Moderation.TempBlockStrikes,
					"permanent_block_strikes", c.Moderation.PermanentBlockStrikes)
			})
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(maintenanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				maintain(ctx, database)
			}
		}
	})

	err = g.Wait()
	slog.Info("server stopped, closing database")
	return err
}

// loadConfig loads the config at path, or searches the default locations
// when path is empty.
func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

// maintain drops bookkeeping rows that can no longer matter: old mutation
// ids and revocations of expired sessions.
func maintain(ctx context.Context, database *sql.DB) {
	if n, err := store.PruneMutations(ctx, database, time.Now().Add(-mutationRetention)); err != nil {
		slog.Error("failed to prune mutation ledger", "error", err)
	} else if n > 0 {
		slog.Info("pruned mutation ledger", "removed", n)
	}
	if n, err := store.PurgeRevokedSessions(ctx, database); err != nil {
		slog.Error("failed to purge revoked sessions", "error", err)
	} else if n > 0 {
		slog.Info("purged revoked sessions", "removed", n)
	}
}
