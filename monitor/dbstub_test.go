package monitor

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/gomesh/gomesh/engine/sqldb"
)

// roleRow is one durable role row held by the in-memory test database.
type roleRow struct {
	roid       int64
	username   string
	nickname   string
	updateTime int64
	avatar     []byte
	profile    []byte
	whole      []byte
}

// stubDB is an in-memory stand-in for the role table, reached through
// database/sql so the handlers run their real statements against it.
type stubDB struct {
	mu   sync.Mutex
	rows map[int64]*roleRow
}

var (
	stubRegistryMu sync.Mutex
	stubRegistry   = map[string]*stubDB{}
	stubDriverOnce sync.Once
	stubSeq        int
)

// openStubDB opens a fresh in-memory database through sqldb and returns
// both handles so tests can inspect the rows directly.
func openStubDB(t *testing.T) (*sqldb.DB, *stubDB) {
	stubDriverOnce.Do(func() { sql.Register("roletable-stub", stubDriver{}) })

	sdb := &stubDB{rows: map[int64]*roleRow{}}
	stubRegistryMu.Lock()
	stubSeq++
	dsn := fmt.Sprintf("stub-%d", stubSeq)
	stubRegistry[dsn] = sdb
	stubRegistryMu.Unlock()

	db, err := sqldb.Open("roletable-stub", dsn)
	if err != nil {
		t.Fatal(err)
	}
	return db, sdb
}

type stubDriver struct{}

func (stubDriver) Open(dsn string) (driver.Conn, error) {
	stubRegistryMu.Lock()
	sdb := stubRegistry[dsn]
	stubRegistryMu.Unlock()
	if sdb == nil {
		return nil, errors.Errorf("unknown stub database %s", dsn)
	}
	return &stubConn{db: sdb}, nil
}

type stubConn struct {
	db *stubDB
}

func (c *stubConn) Prepare(query string) (driver.Stmt, error) {
	return &stubStmt{db: c.db, query: query}, nil
}

func (c *stubConn) Close() error { return nil }

func (c *stubConn) Begin() (driver.Tx, error) {
	return nil, errors.New("transactions not supported")
}

type stubStmt struct {
	db    *stubDB
	query string
}

func (s *stubStmt) Close() error { return nil }

func (s *stubStmt) NumInput() int { return -1 }

func (s *stubStmt) Exec(args []driver.Value) (driver.Result, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	switch {
	case strings.HasPrefix(s.query, "CREATE TABLE"):
		return driver.RowsAffected(0), nil

	case strings.HasPrefix(s.query, "INSERT IGNORE INTO role"):
		roid := args[0].(int64)
		if _, ok := s.db.rows[roid]; ok {
			return driver.RowsAffected(0), nil
		}
		s.db.rows[roid] = &roleRow{
			roid:       roid,
			username:   args[1].(string),
			nickname:   args[2].(string),
			updateTime: args[3].(int64),
		}
		return driver.RowsAffected(1), nil

	case strings.HasPrefix(s.query, "UPDATE role SET"):
		roid := args[6].(int64)
		row, ok := s.db.rows[roid]
		if !ok {
			return driver.RowsAffected(0), nil
		}
		row.username = args[0].(string)
		row.nickname = args[1].(string)
		row.updateTime = args[2].(int64)
		row.avatar = cloneBlob(args[3])
		row.profile = cloneBlob(args[4])
		row.whole = cloneBlob(args[5])
		return driver.RowsAffected(1), nil
	}
	return nil, errors.Errorf("unexpected statement: %s", s.query)
}

func (s *stubStmt) Query(args []driver.Value) (driver.Rows, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	switch {
	case strings.HasPrefix(s.query, "SELECT nickname,"):
		// retried create, matched by roid and owner
		row, ok := s.db.rows[args[0].(int64)]
		if !ok || row.username != args[1].(string) {
			return &stubRows{}, nil
		}
		return &stubRows{
			cols: []string{"nickname", "update_time", "avatar", "profile", "whole"},
			vals: [][]driver.Value{{row.nickname, row.updateTime, row.avatar, row.profile, row.whole}},
		}, nil

	case strings.HasPrefix(s.query, "SELECT username, nickname,"):
		row, ok := s.db.rows[args[0].(int64)]
		if !ok {
			return &stubRows{}, nil
		}
		return &stubRows{
			cols: []string{"username", "nickname", "update_time", "avatar", "profile", "whole"},
			vals: [][]driver.Value{{row.username, row.nickname, row.updateTime, row.avatar, row.profile, row.whole}},
		}, nil

	case strings.HasPrefix(s.query, "SELECT roid, avatar"):
		username := args[0].(string)
		rows := &stubRows{cols: []string{"roid", "avatar"}}
		for _, row := range s.db.rows {
			if row.username == username {
				rows.vals = append(rows.vals, []driver.Value{row.roid, row.avatar})
			}
		}
		return rows, nil
	}
	return nil, errors.Errorf("unexpected query: %s", s.query)
}

type stubRows struct {
	cols []string
	vals [][]driver.Value
	next int
}

func (r *stubRows) Columns() []string { return r.cols }

func (r *stubRows) Close() error { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.next >= len(r.vals) {
		return io.EOF
	}
	copy(dest, r.vals[r.next])
	r.next++
	return nil
}

func cloneBlob(v driver.Value) []byte {
	b, _ := v.([]byte)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
