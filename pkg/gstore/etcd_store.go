// Package gstore implements the global shard map store on etcd: the
// single authoritative record of every shard map, shard and mapping,
// versioned so concurrent catalog managers can detect a stale read.
package gstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sharding-system/pkg/models"
	"github.com/sharding-system/pkg/mserrors"
	"github.com/sharding-system/pkg/storeproto"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	prefixMaps     = "/msq/maps/"
	prefixMapNames = "/msq/map_names/"
	prefixShards   = "/msq/shards/"
	prefixMappings = "/msq/mappings/"
	keySchema      = "/msq/schema_version"
)

// Store is the etcd-backed storeproto.GlobalStore.
type Store struct {
	client *clientv3.Client
	logger *zap.Logger
}

// NewStore dials etcd at endpoints and bootstraps the schema version key
// if the store is empty.
func NewStore(ctx context.Context, endpoints []string, logger *zap.Logger) (*Store, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("dial etcd: %w", err)
	}
	s := &Store{client: client, logger: logger}
	if err := s.bootstrap(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) bootstrap(ctx context.Context) error {
	resp, err := s.client.Get(ctx, keySchema)
	if err != nil {
		return fmt.Errorf("bootstrap schema version: %w", err)
	}
	if len(resp.Kvs) == 0 {
		_, err := s.client.Put(ctx, keySchema, "1")
		return err
	}
	return nil
}

// SchemaVersion implements storeproto.GlobalStore.
func (s *Store) SchemaVersion(ctx context.Context) (int64, error) {
	resp, err := s.client.Get(ctx, keySchema)
	if err != nil {
		return 0, err
	}
	if len(resp.Kvs) == 0 {
		return 0, nil
	}
	var v int64
	if _, err := fmt.Sscanf(string(resp.Kvs[0].Value), "%d", &v); err != nil {
		return 0, fmt.Errorf("parse schema version: %w", err)
	}
	return v, nil
}

// Upgrade bumps the schema version key. Real migrations would run DDL
// against each registered shard's local store first; this module's
// schema has had no breaking revisions since v1.
func (s *Store) Upgrade(ctx context.Context, toVersion int64) error {
	_, err := s.client.Put(ctx, keySchema, fmt.Sprintf("%d", toVersion))
	return err
}

// Begin starts a staged transaction: reads go straight to etcd, writes
// are buffered until Commit, which applies them via a single etcd Txn so
// the whole operation is atomic from etcd's point of view.
func (s *Store) Begin(ctx context.Context) (storeproto.GlobalTxn, error) {
	return &Txn{store: s, ctx: ctx}, nil
}

// txnOp is one buffered write, applied on Commit.
type txnOp struct {
	put    bool
	key    string
	value  string
}

// Txn is a staged global-store transaction.
type Txn struct {
	store *Store
	ctx   context.Context
	ops   []txnOp
}

func mapKey(id uuid.UUID) string      { return prefixMaps + id.String() }
func mapNameKey(name string) string   { return prefixMapNames + name }
func shardKey(mapID, id uuid.UUID) string {
	return prefixShards + mapID.String() + "/" + id.String()
}
func mappingKey(mapID, id uuid.UUID) string {
	return prefixMappings + mapID.String() + "/" + id.String()
}

// GetShardMap fetches a shard map by ID directly from etcd (no local
// buffering — reads inside a Txn always see the committed state plus
// whatever this process has already Commit-ed, never its own
// in-flight writes, matching the teacher's get-then-txn style).
func (t *Txn) GetShardMap(id uuid.UUID) (*models.ShardMap, bool, error) {
	resp, err := t.store.client.Get(t.ctx, mapKey(id))
	if err != nil {
		return nil, false, err
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	var m models.ShardMap
	if err := json.Unmarshal(resp.Kvs[0].Value, &m); err != nil {
		return nil, false, err
	}
	return &m, true, nil
}

// GetShardMapByName resolves a map's ID from the name index, then fetches it.
func (t *Txn) GetShardMapByName(name string) (*models.ShardMap, bool, error) {
	resp, err := t.store.client.Get(t.ctx, mapNameKey(name))
	if err != nil {
		return nil, false, err
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	id, err := uuid.Parse(string(resp.Kvs[0].Value))
	if err != nil {
		return nil, false, err
	}
	return t.GetShardMap(id)
}

// ListShardMaps scans the maps/ prefix.
func (t *Txn) ListShardMaps() ([]models.ShardMap, error) {
	resp, err := t.store.client.Get(t.ctx, prefixMaps, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]models.ShardMap, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var m models.ShardMap
		if err := json.Unmarshal(kv.Value, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// PutShardMap stages a create/update of m, also staging its name index
// entry so GetShardMapByName stays consistent after Commit.
func (t *Txn) PutShardMap(m models.ShardMap) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	t.ops = append(t.ops,
		txnOp{put: true, key: mapKey(m.ID), value: string(data)},
		txnOp{put: true, key: mapNameKey(m.Name), value: m.ID.String()},
	)
	return nil
}

// DeleteShardMap stages removal of m and its name index entry.
func (t *Txn) DeleteShardMap(m models.ShardMap) {
	t.ops = append(t.ops,
		txnOp{put: false, key: mapKey(m.ID)},
		txnOp{put: false, key: mapNameKey(m.Name)},
	)
}

// GetShard fetches one shard.
func (t *Txn) GetShard(mapID, id uuid.UUID) (*models.Shard, bool, error) {
	resp, err := t.store.client.Get(t.ctx, shardKey(mapID, id))
	if err != nil {
		return nil, false, err
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	var sh models.Shard
	if err := json.Unmarshal(resp.Kvs[0].Value, &sh); err != nil {
		return nil, false, err
	}
	return &sh, true, nil
}

// ListShards scans every shard registered under mapID.
func (t *Txn) ListShards(mapID uuid.UUID) ([]models.Shard, error) {
	resp, err := t.store.client.Get(t.ctx, prefixShards+mapID.String()+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]models.Shard, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var sh models.Shard
		if err := json.Unmarshal(kv.Value, &sh); err != nil {
			continue
		}
		out = append(out, sh)
	}
	return out, nil
}

// PutShard stages a create/update of sh.
func (t *Txn) PutShard(sh models.Shard) error {
	data, err := json.Marshal(sh)
	if err != nil {
		return err
	}
	t.ops = append(t.ops, txnOp{put: true, key: shardKey(sh.MapID, sh.ID), value: string(data)})
	return nil
}

// DeleteShard stages removal of a shard.
func (t *Txn) DeleteShard(mapID, id uuid.UUID) {
	t.ops = append(t.ops, txnOp{put: false, key: shardKey(mapID, id)})
}

// MappingRecord is the on-the-wire shape for both list and range
// mappings; the catalog layer decodes into whichever type the map's
// Kind calls for via AsListMapping/AsRangeMapping.
type MappingRecord struct {
	ID        uuid.UUID            `json:"id"`
	MapID     uuid.UUID            `json:"map_id"`
	ShardID   uuid.UUID            `json:"shard_id"`
	Key       []byte               `json:"key,omitempty"`
	Low       []byte               `json:"low,omitempty"`
	High      []byte               `json:"high,omitempty"`
	Status    models.MappingStatus `json:"status"`
	LockToken *uuid.UUID           `json:"lock_token,omitempty"`
	Version   int64                `json:"version"`
}

// IsRange reports whether this record carries range bounds rather than a
// single list key.
func (r MappingRecord) IsRange() bool { return r.Low != nil || r.High != nil }

// AsListMapping converts the record to a models.ListMapping.
func (r MappingRecord) AsListMapping() models.ListMapping {
	return models.ListMapping{
		ID: r.ID, MapID: r.MapID, ShardID: r.ShardID, Key: r.Key,
		Status: r.Status, LockToken: r.LockToken, Version: r.Version,
	}
}

// AsRangeMapping converts the record to a models.RangeMapping.
func (r MappingRecord) AsRangeMapping() models.RangeMapping {
	return models.RangeMapping{
		ID: r.ID, MapID: r.MapID, ShardID: r.ShardID, Low: r.Low, High: r.High,
		Status: r.Status, LockToken: r.LockToken, Version: r.Version,
	}
}

// ListMappings scans every mapping registered under mapID.
func (t *Txn) ListMappings(mapID uuid.UUID) ([]MappingRecord, error) {
	resp, err := t.store.client.Get(t.ctx, prefixMappings+mapID.String()+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]MappingRecord, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var r MappingRecord
		if err := json.Unmarshal(kv.Value, &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// PutListMapping stages a create/update of a list mapping.
func (t *Txn) PutListMapping(m models.ListMapping) error {
	return t.putMapping(MappingRecord{
		ID: m.ID, MapID: m.MapID, ShardID: m.ShardID, Key: m.Key,
		Status: m.Status, LockToken: m.LockToken, Version: m.Version,
	})
}

// PutRangeMapping stages a create/update of a range mapping.
func (t *Txn) PutRangeMapping(m models.RangeMapping) error {
	return t.putMapping(MappingRecord{
		ID: m.ID, MapID: m.MapID, ShardID: m.ShardID, Low: m.Low, High: m.High,
		Status: m.Status, LockToken: m.LockToken, Version: m.Version,
	})
}

func (t *Txn) putMapping(r MappingRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	t.ops = append(t.ops, txnOp{put: true, key: mappingKey(r.MapID, r.ID), value: string(data)})
	return nil
}

// DeleteMapping stages removal of a mapping.
func (t *Txn) DeleteMapping(mapID, id uuid.UUID) {
	t.ops = append(t.ops, txnOp{put: false, key: mappingKey(mapID, id)})
}

// Commit applies every staged write as a single etcd transaction,
// mirroring the teacher's compare-and-swap Txn usage in catalog.go
// (there keyed on clientv3.Version; here the store protocol's own
// schema-version check upstream already serializes writers, so Commit
// only needs atomicity, not a compare guard).
func (t *Txn) Commit(ctx context.Context) error {
	if len(t.ops) == 0 {
		return nil
	}
	etcdTxn := t.store.client.Txn(ctx)
	thenOps := make([]clientv3.Op, 0, len(t.ops))
	for _, op := range t.ops {
		if op.put {
			thenOps = append(thenOps, clientv3.OpPut(op.key, op.value))
		} else {
			thenOps = append(thenOps, clientv3.OpDelete(op.key))
		}
	}
	resp, err := etcdTxn.Then(thenOps...).Commit()
	if err != nil {
		return mserrors.Wrap(err, mserrors.KindStorageOperationFailure, mserrors.CategoryCatalog,
			"etcd transaction commit failed")
	}
	if !resp.Succeeded {
		return mserrors.New(mserrors.KindStorageOperationFailure, mserrors.CategoryCatalog,
			"etcd transaction did not succeed")
	}
	return nil
}

// Rollback discards staged writes; etcd itself was never touched by
// this transaction until Commit, so rollback is local bookkeeping only.
func (t *Txn) Rollback(ctx context.Context) error {
	t.ops = nil
	return nil
}
