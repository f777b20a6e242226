// Package lstore implements the per-shard local store: the mirror of a
// shard's own mappings used during recovery reconciliation and upgraded
// in lockstep with the global store. Shards are ordinary SQL databases;
// this package speaks to them through database/sql with a driver chosen
// per shard's connection string scheme ("postgres://" or "mysql://").
package lstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/sharding-system/pkg/mserrors"
	"github.com/sharding-system/pkg/storeproto"
	"go.uber.org/zap"
)

const shardSchemaTable = `CREATE TABLE IF NOT EXISTS msq_local_mappings (
	mapping_id   VARCHAR(36) PRIMARY KEY,
	map_id       VARCHAR(36) NOT NULL,
	status       VARCHAR(16) NOT NULL,
	lock_token   VARCHAR(36),
	payload      TEXT NOT NULL,
	version      BIGINT NOT NULL
)`

const shardVersionTable = `CREATE TABLE IF NOT EXISTS msq_local_schema (
	location     VARCHAR(255) PRIMARY KEY,
	version      BIGINT NOT NULL
)`

// Store is a database/sql-backed storeproto.LocalStore. One *sql.DB pool
// is kept per shard location, opened lazily and reused, the same
// double-checked-locking shape the teacher's router used for its
// connection cache.
type Store struct {
	logger   *zap.Logger
	maxConns int
	connTTL  time.Duration

	mu    sync.RWMutex
	pools map[string]*sql.DB

	// dial resolves a shard location to (driverName, dataSourceName);
	// swappable in tests.
	dial func(location string) (driver, dsn string, err error)
}

// NewStore builds a Store whose dial function derives the driver from
// the location string's scheme.
func NewStore(logger *zap.Logger, maxConns int, connTTL time.Duration) *Store {
	return &Store{
		logger:   logger,
		maxConns: maxConns,
		connTTL:  connTTL,
		pools:    make(map[string]*sql.DB),
		dial:     defaultDial,
	}
}

func defaultDial(location string) (string, string, error) {
	switch {
	case len(location) >= len("postgres://") && location[:len("postgres://")] == "postgres://":
		return "postgres", location, nil
	case len(location) >= len("mysql://") && location[:len("mysql://")] == "mysql://":
		return "mysql", location[len("mysql://"):], nil
	default:
		return "", "", fmt.Errorf("location %q has no recognized driver scheme", location)
	}
}

func (s *Store) pool(location string) (*sql.DB, error) {
	s.mu.RLock()
	db, ok := s.pools[location]
	s.mu.RUnlock()
	if ok {
		if err := db.Ping(); err == nil {
			return db, nil
		}
		s.mu.Lock()
		delete(s.pools, location)
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.pools[location]; ok {
		return db, nil
	}

	driver, dsn, err := s.dial(location)
	if err != nil {
		return nil, err
	}
	db, err = sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open shard %q: %w", location, err)
	}
	db.SetMaxOpenConns(s.maxConns)
	db.SetMaxIdleConns(s.maxConns / 2)
	db.SetConnMaxLifetime(s.connTTL)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping shard %q: %w", location, err)
	}
	if _, err := db.Exec(shardSchemaTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("provision shard %q mapping table: %w", location, err)
	}
	if _, err := db.Exec(shardVersionTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("provision shard %q schema table: %w", location, err)
	}
	s.pools[location] = db
	return db, nil
}

// SchemaVersion implements storeproto.LocalStore.
func (s *Store) SchemaVersion(ctx context.Context, location string) (int64, error) {
	db, err := s.pool(location)
	if err != nil {
		return 0, err
	}
	var v sql.NullInt64
	err = db.QueryRowContext(ctx, `SELECT version FROM msq_local_schema WHERE location = $1`, location).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v.Int64, nil
}

// Upgrade records the shard's new local schema version.
func (s *Store) Upgrade(ctx context.Context, location string, toVersion int64) error {
	db, err := s.pool(location)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO msq_local_schema (location, version) VALUES ($1, $2)
		ON CONFLICT (location) DO UPDATE SET version = EXCLUDED.version`, location, toVersion)
	return err
}

// Reflect implements storeproto.LocalStore: apply one local-store side
// effect inside its own transaction, honoring a lock token when the
// mapping being touched carries one.
func (s *Store) Reflect(ctx context.Context, location string, op storeproto.LocalOp) error {
	db, err := s.pool(location)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := s.apply(ctx, tx, op); err != nil {
		tx.Rollback()
		return mserrors.Wrap(err, mserrors.KindStorageOperationFailure, mserrors.CategoryCatalog,
			fmt.Sprintf("local reflection of %s failed on %s", op.Kind, location))
	}
	return tx.Commit()
}

func (s *Store) apply(ctx context.Context, tx *sql.Tx, op storeproto.LocalOp) error {
	switch op.Kind {
	case "add_mapping":
		payload, _ := op.Payload.(string)
		var lockToken any
		if op.LockToken != nil {
			lockToken = op.LockToken.String()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO msq_local_mappings (mapping_id, map_id, status, lock_token, payload, version)
			VALUES ($1, $1, 'online', $2, $3, 1)
			ON CONFLICT (mapping_id) DO UPDATE SET status = 'online', payload = EXCLUDED.payload`,
			op.MappingID.String(), lockToken, payload)
		return err
	case "remove_mapping":
		res, err := tx.ExecContext(ctx, `DELETE FROM msq_local_mappings WHERE mapping_id = $1 AND
			(lock_token IS NULL OR lock_token = $2)`, op.MappingID.String(), lockTokenString(op.LockToken))
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return mserrors.New(mserrors.KindMappingLockOwnerIdDoesNotMatch, mserrors.CategoryRecovery,
				"local mapping removal refused: lock token mismatch or mapping absent")
		}
		return nil
	case "set_status":
		status, _ := op.Payload.(string)
		_, err := tx.ExecContext(ctx, `UPDATE msq_local_mappings SET status = $1 WHERE mapping_id = $2`,
			status, op.MappingID.String())
		return err
	default:
		return mserrors.New(mserrors.KindNotSupported, mserrors.CategoryCatalog,
			fmt.Sprintf("unknown local op kind %q", op.Kind))
	}
}

// LocalMappingRecord is one row of a shard's local mapping mirror, the
// shape the recovery manager compares against the global store's record
// of the same mapping.
type LocalMappingRecord struct {
	MappingID uuid.UUID
	Status    string
	LockToken *string
	Payload   string
	Version   int64
}

// ListLocalMappings returns every mapping a shard's local store currently
// mirrors, for recovery reconciliation against the global store.
func (s *Store) ListLocalMappings(ctx context.Context, location string) ([]LocalMappingRecord, error) {
	db, err := s.pool(location)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT mapping_id, status, lock_token, payload, version FROM msq_local_mappings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LocalMappingRecord
	for rows.Next() {
		var idStr string
		var rec LocalMappingRecord
		var lockToken sql.NullString
		if err := rows.Scan(&idStr, &rec.Status, &lockToken, &rec.Payload, &rec.Version); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		rec.MappingID = id
		if lockToken.Valid {
			rec.LockToken = &lockToken.String
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// lockTokenString renders a lock token for the DELETE ... lock_token = $2
// comparison, or "" when the mapping carries no lock (the query's
// lock_token IS NULL branch then matches instead).
func lockTokenString(t *uuid.UUID) string {
	if t == nil {
		return ""
	}
	return t.String()
}

// Close closes every pooled connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for location, db := range s.pools {
		if err := db.Close(); err != nil {
			s.logger.Error("failed to close shard connection", zap.String("location", location), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
