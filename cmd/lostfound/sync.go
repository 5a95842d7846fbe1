package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/erazemk/lostfound/internal/client"
	"github.com/erazemk/lostfound/internal/model"
	"github.com/erazemk/lostfound/internal/replica"
)

// EnvPassword supplies the sync password without putting it on the
// command line.
const EnvPassword = "LOSTFOUND_PASSWORD"

func cmdSync(args []string) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)

	var serverURL, replicaPath, email, level string
	var every time.Duration
	fs.StringVar(&serverURL, "server", "http://localhost:8080", "")
	fs.StringVar(&serverURL, "s", "http://localhost:8080", "")
	fs.StringVar(&replicaPath, "replica", "lostfound-replica.sqlite3", "")
	fs.StringVar(&replicaPath, "r", "lostfound-replica.sqlite3", "")
	fs.StringVar(&email, "email", "", "")
	fs.StringVar(&email, "e", "", "")
	fs.DurationVar(&every, "every", 0, "")
	fs.StringVar(&level, "level", "info", "")

	fs.Usage = func() {
		fmt.Fprintf(os.Stdout, `Usage: lostfound sync [flags]

Flags:
  -s, -server <url>     server base URL (default: http://localhost:8080)
  -r, -replica <path>   local replica database (default: lostfound-replica.sqlite3)
  -e, -email <email>    log in as this user; the password is read from $%s
  -every <duration>     keep syncing at this interval until interrupted
  -level <level>        log level (default: info)
  -h, -help             show this help and exit
`, EnvPassword)
	}
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q", level)
	}
	closeLog, err := setupLogger("", logLevel)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	local, err := replica.OpenLocal(replicaPath)
	if err != nil {
		return err
	}
	defer local.Close()

	remote := client.New(serverURL)
	rep, err := replica.Open(ctx, local, remote, 0)
	if err != nil {
		return err
	}

	if email != "" {
		session, err := remote.Login(ctx, email, os.Getenv(EnvPassword))
		if err != nil {
			return fmt.Errorf("logging in: %w", err)
		}
		err = rep.SetSession(ctx, replica.Session{
			Token:  session.Token,
			UserID: session.User.ID,
			Role:   session.User.Role,
		})
		if err != nil {
			return err
		}
		slog.Info("logged in", "user", session.User.ID)
	} else {
		remote.SetToken(rep.Session().Token)
	}

	if every <= 0 {
		return syncOnce(ctx, rep)
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if err := syncOnce(ctx, rep); err != nil {
			slog.Warn("sync failed, retrying", "in", every, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func syncOnce(ctx context.Context, rep *replica.Replica) error {
	err := rep.Sync(ctx)
	slog.Info("replica synced",
		"items", len(rep.Items(model.Filter{})),
		"favorites", len(rep.Favorites()),
		"pending", rep.Pending(),
		"cursor", rep.Cursor())
	return err
}
