package sqlite

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverCGO  = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPure = "sqlite"  // modernc.org/sqlite
)

const readerPoolSize = 8

// DB wraps the SQLite database with one writer connection and a reader pool.
// WAL journaling lets readers proceed while the writer commits.
type DB struct {
	writer  *sql.DB
	readers *sql.DB
	mu      sync.Mutex // serializes writes
}

// New opens the database at dbPath with the default cgo driver.
func New(dbPath string) (*DB, error) {
	return Open(DriverCGO, dbPath)
}

// Open creates and initializes a SQLite database using the named driver.
func Open(driver, dbPath string) (*DB, error) {
	writer, err := sql.Open(driver, dsn(driver, dbPath, "FULL"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(0)

	db := &DB{writer: writer}

	if err := db.migrate(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	readers, err := sql.Open(driver, dsn(driver, dbPath, "NORMAL"))
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to open reader pool: %w", err)
	}
	readers.SetMaxOpenConns(readerPoolSize)
	readers.SetMaxIdleConns(readerPoolSize)

	if err := readers.Ping(); err != nil {
		writer.Close()
		readers.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.readers = readers
	return db, nil
}

func dsn(driver, dbPath, synchronous string) string {
	if driver == DriverPure {
		return "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(" + synchronous + ")"
	}
	return dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=" + synchronous
}

// migrate creates the necessary tables if they don't exist.
func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		brand TEXT,
		product_name TEXT,
		conf REAL,
		image_path TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_records_timestamp ON records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_records_product ON records(product_name);
	CREATE INDEX IF NOT EXISTS idx_records_image_path ON records(image_path);
	`

	_, err := db.writer.Exec(schema)
	return err
}

// Close closes both connection pools.
func (db *DB) Close() error {
	var firstErr error
	if db.readers != nil {
		firstErr = db.readers.Close()
	}
	if err := db.writer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Writer returns the single writer connection. Callers must hold Lock.
func (db *DB) Writer() *sql.DB {
	return db.writer
}

// Reader returns the reader pool.
func (db *DB) Reader() *sql.DB {
	return db.readers
}

func (db *DB) Lock()   { db.mu.Lock() }
func (db *DB) Unlock() { db.mu.Unlock() }
