// Package database persists deployment history and the operation audit in
// SQLite.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"ckpt-go/internal/config"
	"ckpt-go/internal/database/migrations"
)

const memoryPath = ":memory:"

// SQLiteDatabase implements ckpt.DeploymentStore and the operation audit.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

// connParams are applied by the driver to every pooled connection.
const connParams = "_foreign_keys=on&_busy_timeout=5000"

// dsn appends connParams to path. The driver strips the query from
// non-URI names before opening the file.
func dsn(path string) string {
	return path + "?" + connParams
}

// OpenConnection opens path with foreign keys and a busy timeout on every
// connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == memoryPath {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema.
func Open(path string) (*SQLiteDatabase, error) {
	if path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteDatabase{db: db, path: path}, nil
}

// New opens the database described by cfg.
func New(cfg config.DatabaseConfig) (*SQLiteDatabase, error) {
	switch cfg.Type {
	case "sqlite", "":
		if cfg.Path == "" {
			return nil, fmt.Errorf("database path required for sqlite")
		}
		return Open(cfg.Path)
	case "memory":
		return Open(memoryPath)
	default:
		return nil, fmt.Errorf("unknown database type %q", cfg.Type)
	}
}

// Path returns the database file, or ":memory:".
func (s *SQLiteDatabase) Path() string { return s.path }

// CheckMigrations verifies the schema is current.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.Status(s.db)
}

func (s *SQLiteDatabase) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
