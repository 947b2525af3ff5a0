package migrations

import (
	"context"
	"database/sql"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	gobrokers "github.com/quantfolio/go-brokers"
)

func TestFilesystems_ReturnsPostgresAndSQLite(t *testing.T) {
	filesystems, err := Filesystems()
	if err != nil {
		t.Fatalf("filesystems: %v", err)
	}
	if len(filesystems) != 2 {
		t.Fatalf("expected 2 filesystems, got %d", len(filesystems))
	}

	var postgresFound bool
	var sqliteFound bool
	for _, entry := range filesystems {
		matches, globErr := fs.Glob(entry.FS, "*.up.sql")
		if globErr != nil {
			t.Fatalf("glob %s: %v", entry.Dialect, globErr)
		}
		if len(matches) == 0 {
			t.Fatalf("expected %s migration files, got none", entry.Dialect)
		}
		switch entry.Dialect {
		case DialectPostgres:
			postgresFound = true
		case DialectSQLite:
			sqliteFound = true
		}
	}

	if !postgresFound {
		t.Fatalf("expected postgres filesystem")
	}
	if !sqliteFound {
		t.Fatalf("expected sqlite filesystem")
	}
}

func TestRegister_UsesValidationTargets(t *testing.T) {
	var calls []string
	_, err := Register(context.Background(), func(_ context.Context, dialect string, _ string, _ fs.FS) error {
		calls = append(calls, dialect)
		return nil
	}, WithValidationTargets(DialectSQLite))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if len(calls) != 1 {
		t.Fatalf("expected 1 registration call, got %d", len(calls))
	}
	if calls[0] != DialectSQLite {
		t.Fatalf("expected sqlite registration, got %q", calls[0])
	}
}

func TestRegister_RequiresRegisterFunc(t *testing.T) {
	if _, err := Register(context.Background(), nil); err == nil {
		t.Fatalf("expected missing register function to fail")
	}
}

func TestBrokerCoreMigrationPair_ExistsForBothDialects(t *testing.T) {
	root := gobrokers.GetCoreMigrationsFS()
	paths := []string{
		"data/sql/migrations/0001_broker_core.up.sql",
		"data/sql/migrations/0001_broker_core.down.sql",
		"data/sql/migrations/sqlite/0001_broker_core.up.sql",
		"data/sql/migrations/sqlite/0001_broker_core.down.sql",
	}
	for _, migrationPath := range paths {
		content, err := fs.ReadFile(root, migrationPath)
		if err != nil {
			t.Fatalf("read migration %s: %v", migrationPath, err)
		}
		if strings.TrimSpace(string(content)) == "" {
			t.Fatalf("expected migration %s to have SQL content", migrationPath)
		}
	}
}

func TestSQLiteBrokerCoreMigration_ApplyAndRollback(t *testing.T) {
	db, err := sql.Open("sqlite3", "file:migrations-broker-core?mode=memory&cache=shared&_foreign_keys=on")
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	defer func() { _ = db.Close() }()

	root := gobrokers.GetCoreMigrationsFS()
	sqliteMigrations, err := fs.Sub(root, "data/sql/migrations/sqlite")
	if err != nil {
		t.Fatalf("resolve sqlite migrations: %v", err)
	}

	if err := execSQLMigration(context.Background(), db, sqliteMigrations, "0001_broker_core.up.sql"); err != nil {
		t.Fatalf("apply broker core migration up: %v", err)
	}

	requiredTables := []string{
		"broker_connections",
		"broker_credentials",
		"broker_position_snapshots",
	}
	for _, tableName := range requiredTables {
		var count int
		if err := db.QueryRowContext(
			context.Background(),
			`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`,
			tableName,
		).Scan(&count); err != nil {
			t.Fatalf("query sqlite_master for %s: %v", tableName, err)
		}
		if count != 1 {
			t.Fatalf("expected table %s to exist after up migration", tableName)
		}
	}

	insertConnection := `
		INSERT INTO broker_connections
			(id, user_id, broker, external_account_id, status, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := db.ExecContext(
		context.Background(),
		insertConnection,
		"conn_1", "usr_1", "zerodha", "ZR1", "active", "",
		"2026-08-01T00:00:00Z", "2026-08-01T00:00:00Z",
	); err != nil {
		t.Fatalf("insert connection: %v", err)
	}
	if _, err := db.ExecContext(
		context.Background(),
		insertConnection,
		"conn_2", "usr_1", "zerodha", "ZR2", "active", "",
		"2026-08-02T00:00:00Z", "2026-08-02T00:00:00Z",
	); err == nil {
		t.Fatalf("expected one-active-per-user-broker index violation")
	}
	if _, err := db.ExecContext(
		context.Background(),
		insertConnection,
		"conn_3", "usr_1", "zerodha", "ZR3", "disconnected", "",
		"2026-08-03T00:00:00Z", "2026-08-03T00:00:00Z",
	); err != nil {
		t.Fatalf("expected non-active duplicate to insert: %v", err)
	}

	if err := execSQLMigration(context.Background(), db, sqliteMigrations, "0001_broker_core.down.sql"); err != nil {
		t.Fatalf("apply broker core migration down: %v", err)
	}

	var count int
	if err := db.QueryRowContext(
		context.Background(),
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`,
		"broker_connections",
	).Scan(&count); err != nil {
		t.Fatalf("query sqlite_master after down migration: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected broker_connections to be dropped after down migration")
	}
}

func execSQLMigration(ctx context.Context, db *sql.DB, fsys fs.FS, filename string) error {
	content, err := fs.ReadFile(fsys, filepath.Clean(filename))
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, string(content))
	return err
}
