package executor

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// SQLDialer builds the default Dialer used when a caller has no custom
// driver: one *sql.DB per call, scheme-dispatched the same way
// pkg/lstore.Store picks a driver for a shard location ("postgres://" or
// "mysql://").
func SQLDialer(logger *zap.Logger) Dialer {
	return func(ctx context.Context, target ShardTarget) (ShardConn, error) {
		driverName, dsn, err := dialDriver(target.ConnectionString)
		if err != nil {
			return nil, err
		}
		return &sqlShardConn{driverName: driverName, dsn: dsn, logger: logger}, nil
	}
}

func dialDriver(connStr string) (driverName, dsn string, err error) {
	switch {
	case strings.HasPrefix(connStr, "postgres://"), strings.HasPrefix(connStr, "postgresql://"):
		return "postgres", connStr, nil
	case strings.HasPrefix(connStr, "mysql://"):
		return "mysql", strings.TrimPrefix(connStr, "mysql://"), nil
	default:
		return "", "", fmt.Errorf("executor: connection string has no recognized driver scheme")
	}
}

// sqlShardConn is the database/sql-backed ShardConn the module ships by
// default; a caller with a non-SQL or mocked target supplies its own
// Dialer instead.
type sqlShardConn struct {
	driverName string
	dsn        string
	logger     *zap.Logger

	db     *sql.DB
	cancel context.CancelFunc
}

func (c *sqlShardConn) Open(ctx context.Context) error {
	db, err := sql.Open(c.driverName, c.dsn)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return err
	}
	c.db = db
	return nil
}

func (c *sqlShardConn) ExecuteReader(ctx context.Context, command string, args []any) (RowReader, error) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	rows, err := c.db.QueryContext(runCtx, command, args...)
	if err != nil {
		cancel()
		return nil, err
	}
	return &sqlRowReader{rows: rows, cancel: cancel}, nil
}

func (c *sqlShardConn) Cancel() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *sqlShardConn) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// sqlRowReader adapts *sql.Rows to the RowReader contract, buffering one
// row's values at a time between Read calls.
type sqlRowReader struct {
	rows    *sql.Rows
	cols    []string
	types   []string
	current []any
	cancel  context.CancelFunc
}

func (r *sqlRowReader) Read(ctx context.Context) (bool, error) {
	if r.cols == nil {
		cols, err := r.rows.Columns()
		if err != nil {
			return false, err
		}
		r.cols = cols

		colTypes, err := r.rows.ColumnTypes()
		if err != nil {
			return false, err
		}
		r.types = make([]string, len(colTypes))
		for i, ct := range colTypes {
			r.types[i] = ct.DatabaseTypeName()
		}
	}

	if !r.rows.Next() {
		return false, r.rows.Err()
	}

	values := make([]any, len(r.cols))
	pointers := make([]any, len(r.cols))
	for i := range values {
		pointers[i] = &values[i]
	}
	if err := r.rows.Scan(pointers...); err != nil {
		return false, err
	}
	r.current = values
	return true, nil
}

func (r *sqlRowReader) ColumnNames() []string { return r.cols }
func (r *sqlRowReader) ColumnTypes() []string { return r.types }

func (r *sqlRowReader) Value(ordinal int) (any, error) {
	if ordinal < 0 || ordinal >= len(r.current) {
		return nil, fmt.Errorf("executor: column ordinal %d out of range", ordinal)
	}
	return r.current[ordinal], nil
}

func (r *sqlRowReader) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	return r.rows.Close()
}
