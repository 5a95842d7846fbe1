package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"

	"github.com/erazemk/lostfound/internal/auth"
	"github.com/erazemk/lostfound/internal/config"
	"github.com/erazemk/lostfound/internal/db"
	"github.com/erazemk/lostfound/internal/model"
	"github.com/erazemk/lostfound/internal/store"
)

func cmdInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)

	var configPath, dbPath string
	fs.StringVar(&configPath, "config", config.ConfigFileName, "")
	fs.StringVar(&configPath, "c", config.ConfigFileName, "")
	fs.StringVar(&dbPath, "db", "", "")
	fs.StringVar(&dbPath, "d", "", "")

	fs.Usage = func() {
		fmt.Fprintf(os.Stdout, `Usage: lostfound init [flags]

Flags:
  -c, -config <path>   config file to create if missing (default: %s)
  -d, -db <path>       SQLite database path (default: from config)
  -h, -help            show this help and exit
`, config.ConfigFileName)
	}
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	cfg := config.Default()
	if _, err := os.Stat(configPath); err == nil {
		if cfg, _, err = config.LoadFromPath(configPath); err != nil {
			return err
		}
	} else {
		if dbPath != "" {
			cfg.Database.Path = dbPath
		}
		if err := cfg.Save(configPath); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}
		fmt.Printf("Config written: %s\n", configPath)
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}

	if _, err := os.Stat(cfg.Database.Path); err == nil {
		return fmt.Errorf("database file %s already exists", cfg.Database.Path)
	}

	database, password, err := initDatabase(cfg.Database.Path, cfg.Admin)
	if err != nil {
		return err
	}
	database.Close()

	fmt.Printf("Database created: %s\n", cfg.Database.Path)
	fmt.Println("Schema initialized.")
	printAdminCredentials(cfg.Admin.Email, password)
	return nil
}

// initDatabase creates a new database with the schema and the admin account.
// The file is removed again if any step fails.
func initDatabase(path string, admin config.AdminConfig) (*sql.DB, string, error) {
	database, err := db.Open(path)
	if err != nil {
		return nil, "", err
	}

	fail := func(err error) (*sql.DB, string, error) {
		database.Close()
		os.Remove(path)
		return nil, "", err
	}

	if err := db.EnsureSchema(database); err != nil {
		return fail(fmt.Errorf("ensuring schema: %w", err))
	}
	password, err := ensureAdmin(context.Background(), database, admin)
	if err != nil {
		return fail(err)
	}
	return database, password, nil
}

// ensureAdmin creates the configured admin account if no admin exists and
// returns its generated password. It returns "" when an admin exists.
func ensureAdmin(ctx context.Context, database *sql.DB, admin config.AdminConfig) (string, error) {
	exists, err := store.HasAdmin(ctx, database)
	if err != nil {
		return "", err
	}
	if exists {
		return "", nil
	}

	password, err := generatePassword(16)
	if err != nil {
		return "", fmt.Errorf("generating password: %w", err)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return "", err
	}
	user, err := store.CreateUser(ctx, database, admin.Name, admin.Email, hash, model.RoleAdmin)
	if err != nil {
		return "", fmt.Errorf("creating admin user: %w", err)
	}
	slog.Info("admin account created", "user", user.ID, "email", user.Email)
	return password, nil
}

// printAdminCredentials prints the first-run admin login to stdout.
func printAdminCredentials(email, password string) {
	fmt.Println()
	fmt.Println("Admin account created:")
	fmt.Printf("  Email:    %s\n", email)
	fmt.Printf("  Password: %s\n", password)
	fmt.Println()
	fmt.Println("Save this password, it cannot be recovered.")
	fmt.Println("The admin can change it after logging in.")
	fmt.Println()
}

// generatePassword creates a random password of the given length.
func generatePassword(length int) (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%&*"
	result := make([]byte, length)
	for i := range result {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		result[i] = charset[n.Int64()]
	}
	return string(result), nil
}
