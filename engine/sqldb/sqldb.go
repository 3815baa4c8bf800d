package sqldb

import (
	"database/sql"
	"sync"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/gomesh/gomesh/engine/common"
	"github.com/gomesh/gomesh/engine/gmlog"
)

// DB wraps a sql.DB for durable storage. sql.DB pools connections and is
// safe for concurrent handler goroutines, so calls block the caller directly.
type DB struct {
	db  *sql.DB
	url string

	ensureLock    sync.Mutex
	ensuredTables common.StringSet
}

// Open opens the durable storage and verifies the connection
func Open(driverName, dataSourceName string) (*DB, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, errors.Wrap(err, "sql open failed")
	}

	err = db.Ping()
	if err != nil {
		return nil, errors.Wrap(err, "sql ping failed")
	}

	return &DB{
		db:            db,
		url:           dataSourceName,
		ensuredTables: common.StringSet{},
	}, nil
}

// URL returns the data source name the DB was opened with
func (db *DB) URL() string {
	return db.url
}

// EnsureTable creates the table if it does not exist, once per table name
func (db *DB) EnsureTable(name string, createStmt string) error {
	db.ensureLock.Lock()
	defer db.ensureLock.Unlock()

	if db.ensuredTables.Contains(name) {
		return nil
	}

	if _, err := db.db.Exec(createStmt); err != nil {
		return errors.Wrapf(err, "create table %s failed", name)
	}
	gmlog.Infof("sqldb: table %s is ready", name)
	db.ensuredTables.Add(name)
	return nil
}

// Exec executes a statement
func (db *DB) Exec(query string, args ...interface{}) (sql.Result, error) {
	return db.db.Exec(query, args...)
}

// Query runs a query returning rows
func (db *DB) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return db.db.Query(query, args...)
}

// QueryRow runs a query returning at most one row
func (db *DB) QueryRow(query string, args ...interface{}) *sql.Row {
	return db.db.QueryRow(query, args...)
}

// Close closes the database
func (db *DB) Close() error {
	return db.db.Close()
}

// IsDuplicateEntryError reports whether err is a unique key violation
func IsDuplicateEntryError(err error) bool {
	if err == nil {
		return false
	}
	if me, ok := errors.Cause(err).(*mysql.MySQLError); ok {
		return me.Number == 1062
	}
	return false
}

// IsNoRowsError reports whether err means the query matched no row
func IsNoRowsError(err error) bool {
	return errors.Cause(err) == sql.ErrNoRows
}
