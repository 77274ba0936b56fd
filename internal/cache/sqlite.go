package cache

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// SQLite is a Journal kept in a SQLite database file
type SQLite struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewSQLite opens (creating if needed) the journal database at dbPath
func NewSQLite(dbPath string, logger *logrus.Logger) (*SQLite, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Pragmas are per connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	journal := &SQLite{
		db:     db,
		logger: logger,
	}

	if err := journal.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.WithField("path", dbPath).Info("Journal initialized")
	return journal, nil
}

// initSchema initializes the database schema
func (j *SQLite) initSchema() error {
	if _, err := j.db.Exec(Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (j *SQLite) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}
