// Package testutil provides an in-memory database/sql driver that models the
// bucket table written by the postgres store.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

var stubSeq atomic.Int64

// ErrUnsupported is returned for statements the stub does not model.
var ErrUnsupported = errors.New("stub: unsupported statement")

// StubConn keeps the bucket table in memory. Only the statements issued by
// the postgres store are understood: the state DDL, the bucket upsert and
// the full-table select. Upserts inside a transaction become visible on
// commit.
type StubConn struct {
	mu      sync.Mutex
	Execs   []string
	buckets map[string][]byte
	pending map[string][]byte
	Commits int

	FailPing   bool
	FailBegin  bool
	FailCommit bool
	FailWrites bool
	FailReads  bool
}

// NewStubDB registers a sql.DB backed by a fresh stub connection.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{buckets: make(map[string][]byte)}
	name := fmt.Sprintf("stubpg%d", stubSeq.Add(1))
	sql.Register(name, stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	return db, conn
}

// Buckets returns the committed bucket names in order.
func (c *StubConn) Buckets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.buckets))
}

// Payload returns a copy of the committed payload of bucket.
func (c *StubConn) Payload(bucket string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.buckets[bucket]
	return slices.Clone(p), ok
}

// Seed stores payload as if it had been committed earlier.
func (c *StubConn) Seed(bucket string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buckets[bucket] = slices.Clone(payload)
}

type stubDriver struct{ conn *StubConn }

func (d stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, ErrUnsupported }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(context.Context) error {
	if c.FailPing {
		return errors.New("stub: connection refused")
	}
	return nil
}

// BeginTx implements driver.ConnBeginTx.
func (c *StubConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if c.FailBegin {
		return nil, errors.New("stub: too many connections")
	}
	c.mu.Lock()
	c.pending = make(map[string][]byte)
	c.mu.Unlock()
	return stubTx{conn: c}, nil
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Execs = append(c.Execs, query)
	norm := strings.ToUpper(strings.Join(strings.Fields(query), " "))
	switch {
	case strings.HasPrefix(norm, "CREATE TABLE IF NOT EXISTS STATE"):
		return driver.RowsAffected(0), nil
	case strings.HasPrefix(norm, "INSERT INTO STATE"):
		if c.FailWrites {
			return nil, errors.New("stub: disk full")
		}
		if len(args) != 2 {
			return nil, fmt.Errorf("stub: upsert expects 2 args, got %d", len(args))
		}
		bucket, ok := args[0].Value.(string)
		if !ok {
			return nil, fmt.Errorf("stub: bucket name is %T", args[0].Value)
		}
		payload, _ := args[1].Value.([]byte)
		target := c.buckets
		if c.pending != nil {
			target = c.pending
		}
		target[bucket] = slices.Clone(payload)
		return driver.RowsAffected(1), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, query)
	}
}

// QueryContext implements driver.QueryerContext.
func (c *StubConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	norm := strings.ToUpper(strings.Join(strings.Fields(query), " "))
	if norm != "SELECT BUCKET, PAYLOAD FROM STATE" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, query)
	}
	if c.FailReads {
		return nil, errors.New("stub: relation is locked")
	}
	rows := &stubRows{}
	for _, name := range slices.Sorted(maps.Keys(c.buckets)) {
		rows.rows = append(rows.rows, [2]driver.Value{name, slices.Clone(c.buckets[name])})
	}
	return rows, nil
}

type stubTx struct{ conn *StubConn }

func (t stubTx) Commit() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	pending := t.conn.pending
	t.conn.pending = nil
	if t.conn.FailCommit {
		return errors.New("stub: serialization failure")
	}
	maps.Copy(t.conn.buckets, pending)
	t.conn.Commits++
	return nil
}

func (t stubTx) Rollback() error {
	t.conn.mu.Lock()
	t.conn.pending = nil
	t.conn.mu.Unlock()
	return nil
}

type stubRows struct {
	rows [][2]driver.Value
	idx  int
}

func (r *stubRows) Columns() []string { return []string{"bucket", "payload"} }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx][:])
	r.idx++
	return nil
}
