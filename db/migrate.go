package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/crmsync/errors"
	"github.com/teranos/crmsync/logger"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

const migrationDir = "sqlite/migrations"

// migration is one embedded NNN_name.sql file.
type migration struct {
	version string
	file    string
}

// loadMigrations lists the embedded migrations in version order.
// 000 creates schema_migrations and therefore sorts first.
func loadMigrations() ([]migration, error) {
	entries, err := migrations.ReadDir(migrationDir)
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}
	var out []migration
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, errors.AssertionFailedf("migration %s has no version prefix", name)
		}
		out = append(out, migration{version: version, file: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// appliedVersions returns the recorded versions. A database without
// schema_migrations has none.
func appliedVersions(db *sql.DB) (map[string]bool, error) {
	var exists int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'").Scan(&exists)
	if err != nil {
		return nil, errors.Wrap(err, "inspect schema")
	}
	applied := make(map[string]bool)
	if exists == 0 {
		return applied, nil
	}
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, errors.Wrap(err, "read schema_migrations")
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "scan schema_migrations")
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// Migrate applies every embedded migration not yet recorded in
// schema_migrations, each in its own transaction. log may be nil.
func Migrate(db *sql.DB, log *zap.SugaredLogger) error {
	log = logger.OrNop(log)
	all, err := loadMigrations()
	if err != nil {
		return err
	}
	applied, err := appliedVersions(db)
	if err != nil {
		return err
	}

	n := 0
	for _, m := range all {
		if applied[m.version] {
			continue
		}
		if err := apply(db, m); err != nil {
			return err
		}
		log.Debugw("Applied migration", "migration", m.file)
		n++
	}
	if n > 0 {
		log.Infow("Migrations complete", "applied", n, "schema_version", all[len(all)-1].version)
	}
	return nil
}

func apply(db *sql.DB, m migration) error {
	stmt, err := migrations.ReadFile(path.Join(migrationDir, m.file))
	if err != nil {
		return errors.Wrapf(err, "read %s", m.file)
	}
	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin %s", m.file)
	}
	if _, err := tx.Exec(string(stmt)); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "execute %s", m.file)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "record %s", m.file)
	}
	return errors.Wrapf(tx.Commit(), "commit %s", m.file)
}

// SchemaVersion returns the highest applied migration version, or "" for
// an empty database.
func SchemaVersion(db *sql.DB) (string, error) {
	applied, err := appliedVersions(db)
	if err != nil {
		return "", err
	}
	latest := ""
	for v := range applied {
		if v > latest {
			latest = v
		}
	}
	return latest, nil
}
