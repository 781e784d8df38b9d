package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"streamchat/internal/auth"
	"streamchat/internal/catalog"
	"streamchat/internal/config"
	"streamchat/internal/provider"
	"streamchat/internal/sqldb"
)

type checkResults struct {
	passed, warned, failed int
}

func (r *checkResults) pass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
	r.passed++
}

func (r *checkResults) warn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
	r.warned++
}

func (r *checkResults) fail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
	r.failed++
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your streamchat installation",
		Long: `Verifies that the configuration, database, providers, model catalog and
listen port are usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("streamchat doctor v%s\n\n", version)
			var r checkResults

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'streamchat init' to create a default configuration.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", r.passed, r.failed)
				return fmt.Errorf("config invalid")
			}
			r.pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			if err := checkDatabase(ctx, cfg.Database); err != nil {
				r.fail("Database", err.Error())
			} else {
				r.pass("Database", cfg.Database.Driver)
			}

			switch cfg.Stream.Backend {
			case "none":
				r.warn("Stream store", "disabled; clients cannot resume")
			case "memory":
				r.warn("Stream store", "memory; streams are lost on restart")
			default:
				r.pass("Stream store", cfg.Stream.Backend)
			}

			if _, err := auth.New(auth.Config{Secret: cfg.Auth.Secret}); err != nil {
				r.fail("Auth secret", err.Error())
			} else if cfg.Auth.Secret == "change-me" {
				r.warn("Auth secret", "using the default secret; set STREAMCHAT_AUTH_SECRET")
			} else {
				r.pass("Auth secret", "set")
			}

			if c, err := catalog.Load(cfg.Catalog.Path, logger); err != nil {
				r.fail("Model catalog", err.Error())
			} else {
				r.pass("Model catalog", fmt.Sprintf("%d models", len(c.Models())))
			}

			results := provider.NewFactory(cfg, logger).Check(ctx)
			if len(results) == 0 {
				r.fail("Providers", "no providers enabled")
			}
			names := make([]string, 0, len(results))
			for name := range results {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				if err := results[name]; err != nil {
					r.warn("Provider: "+name, err.Error())
				} else {
					r.pass("Provider: "+name, "healthy")
				}
			}

			if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
				r.warn("Server port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
			} else {
				r.pass("Server port", fmt.Sprintf("%s:%d available", cfg.Server.Host, cfg.Server.Port))
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			return nil
		},
	}
}

// checkDatabase opens the configured database and verifies it accepts writes.
func checkDatabase(ctx context.Context, dbCfg config.DatabaseConfig) error {
	db, err := sqldb.Open(ctx, dbCfg.Driver, dbCfg.DSN, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	if _, err := db.Exec(ctx, "CREATE TABLE IF NOT EXISTS doctor_probe (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	_, err = db.Exec(ctx, "DROP TABLE IF EXISTS doctor_probe")
	return err
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	return ln.Close()
}
