package repository

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const defaultSQLitePath = "./kestrel.db"

// sqlitePragmas tune the embedded store for a write-heavy append workload.
// WAL keeps the dispatcher's inserts from blocking the analytics reads.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"busy_timeout(5000)",
	"foreign_keys(ON)",
}

// openSQLite opens the embedded Community-tier store. modernc.org/sqlite is
// pure Go, so the binary stays CGO-free.
func openSQLite(path string) (*sql.DB, error) {
	if path == "" {
		path = defaultSQLitePath
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	var dsn strings.Builder
	fmt.Fprintf(&dsn, "file:%s", path)
	for _, pragma := range sqlitePragmas {
		fmt.Fprintf(&dsn, "&_pragma=%s", pragma)
	}

	db, err := sql.Open("sqlite", strings.Replace(dsn.String(), "&", "?", 1))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	return db, nil
}
