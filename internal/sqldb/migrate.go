package sqldb

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Migration is one schema step for a component. Statements run one at a
// time so the same list works on drivers without multi-statement support.
type Migration struct {
	Version     int
	Description string
	Statements  []string
}

const schemaVersionTable = `
CREATE TABLE IF NOT EXISTS schema_version (
	component   VARCHAR(64) NOT NULL,
	version     INTEGER NOT NULL,
	description VARCHAR(255),
	applied_at  BIGINT NOT NULL,
	PRIMARY KEY (component, version)
)`

// RunMigrations applies all pending migrations for component, tracked in
// the schema_version table.
func RunMigrations(ctx context.Context, db *DB, component string, migrations []Migration, logger *slog.Logger) error {
	if _, err := db.Exec(ctx, schemaVersionTable); err != nil {
		return errors.Wrap(err, "create schema_version table")
	}

	currentVersion, err := SchemaVersion(ctx, db, component)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		logger.Info("applying migration",
			"component", component,
			"version", m.Version,
			"description", m.Description,
		)

		if err := applyMigrationStatements(ctx, db, m, logger); err != nil {
			return errors.Wrapf(err, "%s migration v%d", component, m.Version)
		}

		if _, err := db.Exec(ctx,
			"INSERT INTO schema_version (component, version, description, applied_at) VALUES (?, ?, ?, ?)",
			component, m.Version, m.Description, Millis(time.Now()),
		); err != nil {
			return errors.Wrapf(err, "record %s migration v%d", component, m.Version)
		}

		logger.Info("migration applied", "component", component, "version", m.Version)
	}

	return nil
}

// applyMigrationStatements applies each statement individually, skipping
// "already exists" and "duplicate" errors left behind by an interrupted run.
func applyMigrationStatements(ctx context.Context, db *DB, m Migration, logger *slog.Logger) error {
	for _, stmt := range m.Statements {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(ctx, stmt); err != nil {
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate") {
				logger.Debug("migration statement skipped (already applied)", "stmt_prefix", truncate(stmt, 60))
				continue
			}
			return errors.Wrapf(err, "statement failed\nSQL: %s", truncate(stmt, 200))
		}
	}
	return nil
}

// SchemaVersion returns the highest applied version for component, or 0
// when nothing has been applied yet.
func SchemaVersion(ctx context.Context, db *DB, component string) (int, error) {
	var version int
	err := db.QueryRow(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_version WHERE component = ?", component,
	).Scan(&version)
	if err != nil {
		return 0, errors.Wrap(err, "query schema version")
	}
	return version, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
