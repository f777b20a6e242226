// Package catalog implements the shard map manager: the in-memory,
// cache-coherent façade over the global store that every admin operation
// and the fan-out executor's shard resolution goes through. It compiles
// each mutation into a storeproto.Operation and leaves the transactional
// mechanics to storeproto.Protocol.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"unicode"

	"github.com/google/uuid"
	"github.com/sharding-system/pkg/gstore"
	"github.com/sharding-system/pkg/hashing"
	"github.com/sharding-system/pkg/keycodec"
	"github.com/sharding-system/pkg/models"
	"github.com/sharding-system/pkg/mserrors"
	"github.com/sharding-system/pkg/storeproto"
	"go.uber.org/zap"
)

// hashRingVNodes is the virtual-node count each shard contributes to a
// List map's consistent-hash ring.
const hashRingVNodes = 100

// LoadPolicy names how a Catalog's in-memory cache is populated. New
// records the policy on the Catalog, but no Catalog method reads it: with
// either value the cache starts empty and is filled only by mutations made
// through this Catalog and by explicit Refresh calls. Neither a cache miss
// nor a mutation triggers a reload, and New does not preload anything.
type LoadPolicy string

const (
	// LoadLazy names the on-demand loading policy.
	LoadLazy LoadPolicy = "lazy"
	// LoadEager names the preload-everything loading policy.
	LoadEager LoadPolicy = "eager"
)

// Catalog is the shard map manager surface used by the admin API and the
// fan-out executor.
type Catalog struct {
	protocol *storeproto.Protocol
	logger   *zap.Logger
	policy   LoadPolicy

	mu     sync.RWMutex
	maps   map[uuid.UUID]*mapCache
	byName map[string]uuid.UUID
}

// mapCache holds one shard map's cached shards and mappings plus the
// indexes find-mapping-for-key relies on.
type mapCache struct {
	m        models.ShardMap
	shards   map[uuid.UUID]models.Shard
	list     map[string]models.ListMapping // hash-bucketed key -> mapping
	ranges   []models.RangeMapping         // kept sorted by Low
	hashRing *hashing.ConsistentHash
}

// New builds a Catalog over protocol's global/local stores.
func New(protocol *storeproto.Protocol, logger *zap.Logger, policy LoadPolicy) *Catalog {
	return &Catalog{
		protocol: protocol,
		logger:   logger,
		policy:   policy,
		maps:     make(map[uuid.UUID]*mapCache),
		byName:   make(map[string]uuid.UUID),
	}
}

// validateMapName enforces the 1..50 Unicode character, letter/digit/
// punctuation-only naming rule for shard maps.
func validateMapName(name string) error {
	runes := []rune(name)
	if len(runes) == 0 || len(runes) > 50 {
		return mserrors.New(mserrors.KindInvalidShardMapName, mserrors.CategoryValidation,
			"name must be 1..50 Unicode characters")
	}
	for _, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsPunct(r) {
			return mserrors.New(mserrors.KindInvalidShardMapName, mserrors.CategoryValidation,
				fmt.Sprintf("name contains disallowed character %q", r))
		}
	}
	return nil
}

// CreateMap registers a new shard map.
func (c *Catalog) CreateMap(ctx context.Context, name string, kind models.ShardMapKind, keyType keycodec.KeyType) (*models.ShardMap, error) {
	if err := validateMapName(name); err != nil {
		return nil, err
	}

	c.mu.RLock()
	if _, exists := c.byName[name]; exists {
		c.mu.RUnlock()
		return nil, mserrors.New(mserrors.KindShardMapAlreadyExists, mserrors.CategoryMap,
			fmt.Sprintf("shard map %q already exists", name))
	}
	c.mu.RUnlock()

	sm := models.ShardMap{ID: uuid.New(), Name: name, Kind: kind, KeyType: keyType, Version: 1}
	op := &createMapOp{sm: sm}

	version, err := c.protocol.Global.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.protocol.Execute(ctx, sm.ID, version, op); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.maps[sm.ID] = &mapCache{m: sm, shards: make(map[uuid.UUID]models.Shard), list: make(map[string]models.ListMapping)}
	c.byName[sm.Name] = sm.ID
	c.mu.Unlock()

	c.logger.Info("created shard map", zap.String("name", sm.Name), zap.String("kind", string(sm.Kind)))
	return &sm, nil
}

type createMapOp struct{ sm models.ShardMap }

func (o *createMapOp) Do(ctx context.Context, txn storeproto.GlobalTxn) (*storeproto.UndoLogEntry, error) {
	t := txn.(*gstore.Txn)
	existing, ok, err := t.GetShardMapByName(o.sm.Name)
	if err != nil {
		return nil, err
	}
	if ok && existing != nil {
		return nil, mserrors.New(mserrors.KindShardMapAlreadyExists, mserrors.CategoryMap,
			fmt.Sprintf("shard map %q already exists", o.sm.Name))
	}
	if err := t.PutShardMap(o.sm); err != nil {
		return nil, err
	}
	return nil, nil
}

func (o *createMapOp) Undo(ctx context.Context, txn storeproto.GlobalTxn, entry *storeproto.UndoLogEntry) error {
	t := txn.(*gstore.Txn)
	t.DeleteShardMap(o.sm)
	return nil
}

// DeleteMap removes a shard map, refusing if it still has shards.
func (c *Catalog) DeleteMap(ctx context.Context, mapID uuid.UUID) error {
	c.mu.RLock()
	cache, ok := c.maps[mapID]
	c.mu.RUnlock()
	if !ok {
		return mserrors.New(mserrors.KindShardMapDoesNotExist, mserrors.CategoryMap, "shard map not found")
	}
	if len(cache.shards) > 0 {
		return mserrors.New(mserrors.KindShardMapHasShards, mserrors.CategoryMap,
			"shard map still has shards registered")
	}

	version, err := c.protocol.Global.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if err := c.protocol.Execute(ctx, mapID, version, &deleteMapOp{sm: cache.m}); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.maps, mapID)
	delete(c.byName, cache.m.Name)
	c.mu.Unlock()
	return nil
}

type deleteMapOp struct{ sm models.ShardMap }

func (o *deleteMapOp) Do(ctx context.Context, txn storeproto.GlobalTxn) (*storeproto.UndoLogEntry, error) {
	txn.(*gstore.Txn).DeleteShardMap(o.sm)
	return nil, nil
}
func (o *deleteMapOp) Undo(ctx context.Context, txn storeproto.GlobalTxn, entry *storeproto.UndoLogEntry) error {
	return txn.(*gstore.Txn).PutShardMap(o.sm)
}

// GetMap returns a cached shard map by ID.
func (c *Catalog) GetMap(mapID uuid.UUID) (*models.ShardMap, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cache, ok := c.maps[mapID]
	if !ok {
		return nil, false
	}
	m := cache.m
	return &m, true
}

// TryGetMapByName returns a cached shard map by name.
func (c *Catalog) TryGetMapByName(name string) (*models.ShardMap, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byName[name]
	if !ok {
		return nil, false
	}
	m := c.maps[id].m
	return &m, true
}

// ListMaps returns every cached shard map.
func (c *Catalog) ListMaps() []models.ShardMap {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.ShardMap, 0, len(c.maps))
	for _, cache := range c.maps {
		out = append(out, cache.m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListDistinctLocations returns every distinct shard location registered
// under mapID, the set the fan-out executor targets for a broadcast-style
// command against that map.
func (c *Catalog) ListDistinctLocations(mapID uuid.UUID) ([]models.ShardLocation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cache, ok := c.maps[mapID]
	if !ok {
		return nil, mserrors.New(mserrors.KindShardMapDoesNotExist, mserrors.CategoryMap, "shard map not found")
	}
	seen := make(map[models.ShardLocation]struct{})
	for _, sh := range cache.shards {
		seen[sh.Location] = struct{}{}
	}
	out := make([]models.ShardLocation, 0, len(seen))
	for loc := range seen {
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// ListShards returns every shard registered under mapID.
func (c *Catalog) ListShards(mapID uuid.UUID) ([]models.Shard, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cache, ok := c.maps[mapID]
	if !ok {
		return nil, mserrors.New(mserrors.KindShardMapDoesNotExist, mserrors.CategoryMap, "shard map not found")
	}
	out := make([]models.Shard, 0, len(cache.shards))
	for _, sh := range cache.shards {
		out = append(out, sh)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

// ListListMappings returns every list mapping registered under mapID, for
// List-kind maps only.
func (c *Catalog) ListListMappings(mapID uuid.UUID) ([]models.ListMapping, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cache, ok := c.maps[mapID]
	if !ok {
		return nil, mserrors.New(mserrors.KindShardMapDoesNotExist, mserrors.CategoryMap, "shard map not found")
	}
	out := make([]models.ListMapping, 0, len(cache.list))
	for _, lm := range cache.list {
		out = append(out, lm)
	}
	return out, nil
}

// CreateShard registers a new shard under a map.
func (c *Catalog) CreateShard(ctx context.Context, mapID uuid.UUID, location models.ShardLocation) (*models.Shard, error) {
	c.mu.RLock()
	cache, ok := c.maps[mapID]
	c.mu.RUnlock()
	if !ok {
		return nil, mserrors.New(mserrors.KindShardMapDoesNotExist, mserrors.CategoryMap, "shard map not found")
	}
	for _, sh := range cache.shards {
		if sh.Location == location {
			return nil, mserrors.New(mserrors.KindShardLocationAlreadyExists, mserrors.CategoryMap,
				"a shard already exists at this location")
		}
	}

	sh := models.Shard{ID: uuid.New(), MapID: mapID, Location: location, Status: models.ShardOnline, Version: 1}
	version, err := c.protocol.Global.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.protocol.Execute(ctx, mapID, version, &createShardOp{sh: sh}); err != nil {
		return nil, err
	}

	c.mu.Lock()
	cache.shards[sh.ID] = sh
	if cache.m.Kind == models.KindList {
		if cache.hashRing == nil {
			cache.hashRing = hashing.NewConsistentHash(hashing.NewHashFunction("xxhash"))
		}
		cache.hashRing.AddShard(sh.ID.String(), hashRingVNodes)
	}
	c.mu.Unlock()
	return &sh, nil
}

type createShardOp struct{ sh models.Shard }

func (o *createShardOp) Do(ctx context.Context, txn storeproto.GlobalTxn) (*storeproto.UndoLogEntry, error) {
	return nil, txn.(*gstore.Txn).PutShard(o.sh)
}
func (o *createShardOp) Undo(ctx context.Context, txn storeproto.GlobalTxn, entry *storeproto.UndoLogEntry) error {
	txn.(*gstore.Txn).DeleteShard(o.sh.MapID, o.sh.ID)
	return nil
}

// DeleteShard removes a shard, refusing if it still has mappings.
func (c *Catalog) DeleteShard(ctx context.Context, mapID, shardID uuid.UUID) error {
	c.mu.RLock()
	cache, ok := c.maps[mapID]
	c.mu.RUnlock()
	if !ok {
		return mserrors.New(mserrors.KindShardMapDoesNotExist, mserrors.CategoryMap, "shard map not found")
	}
	sh, ok := cache.shards[shardID]
	if !ok {
		return mserrors.New(mserrors.KindShardDoesNotExist, mserrors.CategoryMap, "shard not found")
	}
	for _, lm := range cache.list {
		if lm.ShardID == shardID {
			return mserrors.New(mserrors.KindShardHasMappings, mserrors.CategoryMap, "shard still has mappings")
		}
	}
	for _, rm := range cache.ranges {
		if rm.ShardID == shardID {
			return mserrors.New(mserrors.KindShardHasMappings, mserrors.CategoryMap, "shard still has mappings")
		}
	}

	version, err := c.protocol.Global.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if err := c.protocol.Execute(ctx, mapID, version, &deleteShardOp{sh: sh}); err != nil {
		return err
	}

	c.mu.Lock()
	delete(cache.shards, shardID)
	if cache.hashRing != nil {
		cache.hashRing.RemoveShard(shardID.String())
	}
	c.mu.Unlock()
	return nil
}

type deleteShardOp struct{ sh models.Shard }

func (o *deleteShardOp) Do(ctx context.Context, txn storeproto.GlobalTxn) (*storeproto.UndoLogEntry, error) {
	txn.(*gstore.Txn).DeleteShard(o.sh.MapID, o.sh.ID)
	return nil, nil
}
func (o *deleteShardOp) Undo(ctx context.Context, txn storeproto.GlobalTxn, entry *storeproto.UndoLogEntry) error {
	return txn.(*gstore.Txn).PutShard(o.sh)
}

// SetShardStatus transitions a shard between online/offline, persisting
// the change to the global store. Used directly by operators and by the
// recovery manager's detach resolution.
func (c *Catalog) SetShardStatus(ctx context.Context, mapID, shardID uuid.UUID, status models.ShardStatus) error {
	c.mu.RLock()
	cache, ok := c.maps[mapID]
	c.mu.RUnlock()
	if !ok {
		return mserrors.New(mserrors.KindShardMapDoesNotExist, mserrors.CategoryMap, "shard map not found")
	}
	sh, ok := cache.shards[shardID]
	if !ok {
		return mserrors.New(mserrors.KindShardDoesNotExist, mserrors.CategoryMap, "shard not found")
	}
	if sh.Status == status {
		return nil
	}
	before := sh
	sh.Status = status
	sh.Version++

	version, err := c.protocol.Global.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if err := c.protocol.Execute(ctx, mapID, version, &setShardStatusOp{before: before, after: sh}); err != nil {
		return err
	}

	c.mu.Lock()
	cache.shards[shardID] = sh
	c.mu.Unlock()
	return nil
}

type setShardStatusOp struct{ before, after models.Shard }

func (o *setShardStatusOp) Do(ctx context.Context, txn storeproto.GlobalTxn) (*storeproto.UndoLogEntry, error) {
	return nil, txn.(*gstore.Txn).PutShard(o.after)
}
func (o *setShardStatusOp) Undo(ctx context.Context, txn storeproto.GlobalTxn, entry *storeproto.UndoLogEntry) error {
	return txn.(*gstore.Txn).PutShard(o.before)
}

// AddListMapping maps one key to a shard, reflecting the change on that
// shard's local store.
func (c *Catalog) AddListMapping(ctx context.Context, mapID uuid.UUID, key []byte, shardID uuid.UUID) (*models.ListMapping, error) {
	c.mu.RLock()
	cache, ok := c.maps[mapID]
	c.mu.RUnlock()
	if !ok {
		return nil, mserrors.New(mserrors.KindShardMapDoesNotExist, mserrors.CategoryMap, "shard map not found")
	}
	sh, ok := cache.shards[shardID]
	if !ok {
		return nil, mserrors.New(mserrors.KindShardDoesNotExist, mserrors.CategoryMap, "shard not found")
	}
	if _, exists := cache.list[string(key)]; exists {
		return nil, mserrors.New(mserrors.KindMappingPointAlreadyMapped, mserrors.CategoryListMap,
			"key is already mapped")
	}

	lm := models.ListMapping{ID: uuid.New(), MapID: mapID, ShardID: shardID, Key: key, Status: models.StatusOnline, Version: 1}
	version, err := c.protocol.Global.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	op := &addListMappingOp{lm: lm, location: sh.Location.String()}
	if err := c.protocol.Execute(ctx, mapID, version, op); err != nil {
		return nil, err
	}

	c.mu.Lock()
	cache.list[string(key)] = lm
	c.mu.Unlock()
	return &lm, nil
}

type addListMappingOp struct {
	lm       models.ListMapping
	location string
}

func (o *addListMappingOp) Do(ctx context.Context, txn storeproto.GlobalTxn) (*storeproto.UndoLogEntry, error) {
	if err := txn.(*gstore.Txn).PutListMapping(o.lm); err != nil {
		return nil, err
	}
	return &storeproto.UndoLogEntry{
		OperationID:    uuid.New(),
		AffectedShards: []string{o.location},
		LocalOps: map[string]storeproto.LocalOp{
			o.location: {Kind: "add_mapping", MappingID: o.lm.ID, Payload: string(o.lm.Key)},
		},
	}, nil
}
func (o *addListMappingOp) Undo(ctx context.Context, txn storeproto.GlobalTxn, entry *storeproto.UndoLogEntry) error {
	txn.(*gstore.Txn).DeleteMapping(o.lm.MapID, o.lm.ID)
	return nil
}

// DeleteListMapping removes a key's mapping; the mapping must be offline
// unless force is set (used by the recovery manager's authoritative-local
// resolution).
func (c *Catalog) DeleteListMapping(ctx context.Context, mapID uuid.UUID, key []byte, force bool) error {
	c.mu.RLock()
	cache, ok := c.maps[mapID]
	c.mu.RUnlock()
	if !ok {
		return mserrors.New(mserrors.KindShardMapDoesNotExist, mserrors.CategoryMap, "shard map not found")
	}
	lm, ok := cache.list[string(key)]
	if !ok {
		return mserrors.New(mserrors.KindMappingDoesNotExist, mserrors.CategoryListMap, "mapping not found")
	}
	if lm.Status != models.StatusOffline && !force {
		return mserrors.New(mserrors.KindMappingIsNotOffline, mserrors.CategoryListMap,
			"mapping must be taken offline before it can be deleted")
	}
	sh := cache.shards[lm.ShardID]

	version, err := c.protocol.Global.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	op := &deleteListMappingOp{lm: lm, location: sh.Location.String()}
	if err := c.protocol.Execute(ctx, mapID, version, op); err != nil {
		return err
	}

	c.mu.Lock()
	delete(cache.list, string(key))
	c.mu.Unlock()
	return nil
}

type deleteListMappingOp struct {
	lm       models.ListMapping
	location string
}

func (o *deleteListMappingOp) Do(ctx context.Context, txn storeproto.GlobalTxn) (*storeproto.UndoLogEntry, error) {
	txn.(*gstore.Txn).DeleteMapping(o.lm.MapID, o.lm.ID)
	return &storeproto.UndoLogEntry{
		OperationID:    uuid.New(),
		AffectedShards: []string{o.location},
		LocalOps: map[string]storeproto.LocalOp{
			o.location: {Kind: "remove_mapping", MappingID: o.lm.ID, LockToken: o.lm.LockToken},
		},
	}, nil
}
func (o *deleteListMappingOp) Undo(ctx context.Context, txn storeproto.GlobalTxn, entry *storeproto.UndoLogEntry) error {
	return txn.(*gstore.Txn).PutListMapping(o.lm)
}

// UpdateMappingStatus transitions a list mapping between online/offline.
func (c *Catalog) UpdateMappingStatus(ctx context.Context, mapID uuid.UUID, key []byte, status models.MappingStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cache, ok := c.maps[mapID]
	if !ok {
		return mserrors.New(mserrors.KindShardMapDoesNotExist, mserrors.CategoryMap, "shard map not found")
	}
	lm, ok := cache.list[string(key)]
	if !ok {
		return mserrors.New(mserrors.KindMappingDoesNotExist, mserrors.CategoryListMap, "mapping not found")
	}
	lm.Status = status
	lm.Version++
	cache.list[string(key)] = lm
	return nil
}

// FindMappingForKey resolves a list or range map's key to its shard from
// the in-memory cache only. A key the cache does not cover returns
// KindMappingNotFoundForKey; no store round trip or reload is made, under
// either LoadPolicy.
func (c *Catalog) FindMappingForKey(mapID uuid.UUID, key []byte) (*models.Shard, error) {
	c.mu.RLock()
	cache, ok := c.maps[mapID]
	c.mu.RUnlock()
	if !ok {
		return nil, mserrors.New(mserrors.KindShardMapDoesNotExist, mserrors.CategoryMap, "shard map not found")
	}

	switch cache.m.Kind {
	case models.KindList:
		c.mu.RLock()
		lm, ok := cache.list[string(key)]
		c.mu.RUnlock()
		if !ok {
			return nil, mserrors.New(mserrors.KindMappingNotFoundForKey, mserrors.CategoryListMap,
				"no mapping found for key")
		}
		if lm.Status != models.StatusOnline {
			return nil, mserrors.New(mserrors.KindMappingIsOffline, mserrors.CategoryListMap,
				"mapping for key is offline")
		}
		c.mu.RLock()
		sh := cache.shards[lm.ShardID]
		c.mu.RUnlock()
		return &sh, nil
	case models.KindRange:
		c.mu.RLock()
		defer c.mu.RUnlock()
		idx := sort.Search(len(cache.ranges), func(i int) bool {
			return keycodec.Compare(cache.ranges[i].High, key) > 0
		})
		if idx >= len(cache.ranges) || !cache.ranges[idx].Contains(key) {
			return nil, mserrors.New(mserrors.KindMappingNotFoundForKey, mserrors.CategoryRangeMap,
				"no range mapping covers key")
		}
		rm := cache.ranges[idx]
		if rm.Status != models.StatusOnline {
			return nil, mserrors.New(mserrors.KindMappingIsOffline, mserrors.CategoryRangeMap,
				"mapping for key is offline")
		}
		sh := cache.shards[rm.ShardID]
		return &sh, nil
	default:
		return nil, mserrors.New(mserrors.KindUnexpectedError, mserrors.CategoryMap, "shard map has unknown kind")
	}
}

// SuggestShardForNewKey consults a List map's consistent-hash ring to
// recommend a shard for a key that has not yet been assigned one. It is
// advisory only: callers still must call AddListMapping to commit the
// assignment, and the ring's membership is independent of any explicit
// key-to-shard mapping already on record.
func (c *Catalog) SuggestShardForNewKey(mapID uuid.UUID, key []byte) (*models.Shard, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cache, ok := c.maps[mapID]
	if !ok {
		return nil, mserrors.New(mserrors.KindShardMapDoesNotExist, mserrors.CategoryMap, "shard map not found")
	}
	if cache.m.Kind != models.KindList || cache.hashRing == nil {
		return nil, mserrors.New(mserrors.KindNotSupported, mserrors.CategoryMap,
			"shard suggestion is only available for list maps")
	}
	shardIDStr := cache.hashRing.GetShard(string(key))
	if shardIDStr == "" {
		return nil, mserrors.New(mserrors.KindShardMapHasShards, mserrors.CategoryMap, "map has no shards")
	}
	shardID, err := uuid.Parse(shardIDStr)
	if err != nil {
		return nil, mserrors.Wrap(err, mserrors.KindInternalError, mserrors.CategoryMap, "corrupt hash ring shard id")
	}
	sh, ok := cache.shards[shardID]
	if !ok {
		return nil, mserrors.New(mserrors.KindShardDoesNotExist, mserrors.CategoryMap, "suggested shard is no longer registered")
	}
	return &sh, nil
}

// AddRangeMapping maps [low, high) to a shard, refusing overlap with any
// existing online or offline range.
func (c *Catalog) AddRangeMapping(ctx context.Context, mapID uuid.UUID, low, high []byte, shardID uuid.UUID) (*models.RangeMapping, error) {
	c.mu.Lock()
	cache, ok := c.maps[mapID]
	if !ok {
		c.mu.Unlock()
		return nil, mserrors.New(mserrors.KindShardMapDoesNotExist, mserrors.CategoryMap, "shard map not found")
	}
	sh, ok := cache.shards[shardID]
	if !ok {
		c.mu.Unlock()
		return nil, mserrors.New(mserrors.KindShardDoesNotExist, mserrors.CategoryMap, "shard not found")
	}
	candidate := models.RangeMapping{Low: low, High: high}
	for _, existing := range cache.ranges {
		if candidate.Overlaps(existing) {
			c.mu.Unlock()
			return nil, mserrors.New(mserrors.KindMappingRangeAlreadyMapped, mserrors.CategoryRangeMap,
				"range overlaps an existing mapping")
		}
	}
	c.mu.Unlock()

	rm := models.RangeMapping{ID: uuid.New(), MapID: mapID, ShardID: shardID, Low: low, High: high, Status: models.StatusOnline, Version: 1}
	version, err := c.protocol.Global.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	op := &addRangeMappingOp{rm: rm, location: sh.Location.String()}
	if err := c.protocol.Execute(ctx, mapID, version, op); err != nil {
		return nil, err
	}

	c.mu.Lock()
	cache.ranges = insertRangeSorted(cache.ranges, rm)
	c.mu.Unlock()
	return &rm, nil
}

func insertRangeSorted(ranges []models.RangeMapping, rm models.RangeMapping) []models.RangeMapping {
	idx := sort.Search(len(ranges), func(i int) bool { return keycodec.Compare(ranges[i].Low, rm.Low) >= 0 })
	ranges = append(ranges, models.RangeMapping{})
	copy(ranges[idx+1:], ranges[idx:])
	ranges[idx] = rm
	return ranges
}

type addRangeMappingOp struct {
	rm       models.RangeMapping
	location string
}

func (o *addRangeMappingOp) Do(ctx context.Context, txn storeproto.GlobalTxn) (*storeproto.UndoLogEntry, error) {
	if err := txn.(*gstore.Txn).PutRangeMapping(o.rm); err != nil {
		return nil, err
	}
	return &storeproto.UndoLogEntry{
		OperationID:    uuid.New(),
		AffectedShards: []string{o.location},
		LocalOps: map[string]storeproto.LocalOp{
			o.location: {Kind: "add_mapping", MappingID: o.rm.ID},
		},
	}, nil
}
func (o *addRangeMappingOp) Undo(ctx context.Context, txn storeproto.GlobalTxn, entry *storeproto.UndoLogEntry) error {
	txn.(*gstore.Txn).DeleteMapping(o.rm.MapID, o.rm.ID)
	return nil
}

// SplitMapping splits an existing range mapping at splitPoint into two
// contiguous ranges on the same shard.
func (c *Catalog) SplitMapping(ctx context.Context, mapID uuid.UUID, rangeID uuid.UUID, splitPoint []byte) ([2]models.RangeMapping, error) {
	c.mu.Lock()
	cache, ok := c.maps[mapID]
	if !ok {
		c.mu.Unlock()
		return [2]models.RangeMapping{}, mserrors.New(mserrors.KindShardMapDoesNotExist, mserrors.CategoryMap, "shard map not found")
	}
	idx := -1
	for i, rm := range cache.ranges {
		if rm.ID == rangeID {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return [2]models.RangeMapping{}, mserrors.New(mserrors.KindMappingDoesNotExist, mserrors.CategoryRangeMap, "range mapping not found")
	}
	original := cache.ranges[idx]
	if !original.Contains(splitPoint) {
		c.mu.Unlock()
		return [2]models.RangeMapping{}, mserrors.New(mserrors.KindInvalidKey, mserrors.CategoryRangeMap,
			"split point does not fall within the range")
	}
	c.mu.Unlock()

	left := models.RangeMapping{ID: uuid.New(), MapID: mapID, ShardID: original.ShardID, Low: original.Low, High: splitPoint, Status: models.StatusOnline, Version: 1}
	right := models.RangeMapping{ID: uuid.New(), MapID: mapID, ShardID: original.ShardID, Low: splitPoint, High: original.High, Status: models.StatusOnline, Version: 1}

	version, err := c.protocol.Global.SchemaVersion(ctx)
	if err != nil {
		return [2]models.RangeMapping{}, err
	}
	op := &splitMappingOp{original: original, left: left, right: right}
	if err := c.protocol.Execute(ctx, mapID, version, op); err != nil {
		return [2]models.RangeMapping{}, err
	}

	c.mu.Lock()
	cache.ranges = append(cache.ranges[:idx], cache.ranges[idx+1:]...)
	cache.ranges = insertRangeSorted(cache.ranges, left)
	cache.ranges = insertRangeSorted(cache.ranges, right)
	c.mu.Unlock()
	return [2]models.RangeMapping{left, right}, nil
}

type splitMappingOp struct {
	original, left, right models.RangeMapping
}

func (o *splitMappingOp) Do(ctx context.Context, txn storeproto.GlobalTxn) (*storeproto.UndoLogEntry, error) {
	t := txn.(*gstore.Txn)
	t.DeleteMapping(o.original.MapID, o.original.ID)
	if err := t.PutRangeMapping(o.left); err != nil {
		return nil, err
	}
	if err := t.PutRangeMapping(o.right); err != nil {
		return nil, err
	}
	return nil, nil
}
func (o *splitMappingOp) Undo(ctx context.Context, txn storeproto.GlobalTxn, entry *storeproto.UndoLogEntry) error {
	t := txn.(*gstore.Txn)
	t.DeleteMapping(o.left.MapID, o.left.ID)
	t.DeleteMapping(o.right.MapID, o.right.ID)
	return t.PutRangeMapping(o.original)
}

// MergeMappings merges two adjacent range mappings on the same shard
// into one.
func (c *Catalog) MergeMappings(ctx context.Context, mapID uuid.UUID, leftID, rightID uuid.UUID) (*models.RangeMapping, error) {
	c.mu.Lock()
	cache, ok := c.maps[mapID]
	if !ok {
		c.mu.Unlock()
		return nil, mserrors.New(mserrors.KindShardMapDoesNotExist, mserrors.CategoryMap, "shard map not found")
	}
	var left, right models.RangeMapping
	var leftFound, rightFound bool
	for _, rm := range cache.ranges {
		if rm.ID == leftID {
			left, leftFound = rm, true
		}
		if rm.ID == rightID {
			right, rightFound = rm, true
		}
	}
	c.mu.Unlock()
	if !leftFound || !rightFound {
		return nil, mserrors.New(mserrors.KindMappingDoesNotExist, mserrors.CategoryRangeMap, "range mapping not found")
	}
	if left.ShardID != right.ShardID {
		return nil, mserrors.New(mserrors.KindShardNotValid, mserrors.CategoryRangeMap,
			"merged ranges must target the same shard")
	}
	if keycodec.Compare(left.High, right.Low) != 0 {
		return nil, mserrors.New(mserrors.KindMappingRangeAlreadyMapped, mserrors.CategoryRangeMap,
			"ranges are not adjacent")
	}

	merged := models.RangeMapping{ID: uuid.New(), MapID: mapID, ShardID: left.ShardID, Low: left.Low, High: right.High, Status: models.StatusOnline, Version: 1}
	version, err := c.protocol.Global.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	op := &mergeMappingsOp{left: left, right: right, merged: merged}
	if err := c.protocol.Execute(ctx, mapID, version, op); err != nil {
		return nil, err
	}

	c.mu.Lock()
	filtered := cache.ranges[:0]
	for _, rm := range cache.ranges {
		if rm.ID != leftID && rm.ID != rightID {
			filtered = append(filtered, rm)
		}
	}
	cache.ranges = insertRangeSorted(filtered, merged)
	c.mu.Unlock()
	return &merged, nil
}

type mergeMappingsOp struct {
	left, right, merged models.RangeMapping
}

func (o *mergeMappingsOp) Do(ctx context.Context, txn storeproto.GlobalTxn) (*storeproto.UndoLogEntry, error) {
	t := txn.(*gstore.Txn)
	t.DeleteMapping(o.left.MapID, o.left.ID)
	t.DeleteMapping(o.right.MapID, o.right.ID)
	return nil, t.PutRangeMapping(o.merged)
}
func (o *mergeMappingsOp) Undo(ctx context.Context, txn storeproto.GlobalTxn, entry *storeproto.UndoLogEntry) error {
	t := txn.(*gstore.Txn)
	t.DeleteMapping(o.merged.MapID, o.merged.ID)
	if err := t.PutRangeMapping(o.left); err != nil {
		return err
	}
	return t.PutRangeMapping(o.right)
}

// LockMapping stamps a mapping with a caller-supplied lock token,
// refusing if it is already locked by a different token.
func (c *Catalog) LockMapping(ctx context.Context, mapID uuid.UUID, key []byte, token uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cache, ok := c.maps[mapID]
	if !ok {
		return mserrors.New(mserrors.KindShardMapDoesNotExist, mserrors.CategoryMap, "shard map not found")
	}
	lm, ok := cache.list[string(key)]
	if !ok {
		return mserrors.New(mserrors.KindMappingDoesNotExist, mserrors.CategoryListMap, "mapping not found")
	}
	if lm.LockToken != nil && *lm.LockToken != token {
		return mserrors.New(mserrors.KindMappingIsAlreadyLocked, mserrors.CategoryListMap,
			"mapping is locked by a different owner")
	}
	lm.LockToken = &token
	lm.Version++
	cache.list[string(key)] = lm
	return nil
}

// UnlockMapping clears a mapping's lock token, requiring the caller to
// present the owning token.
func (c *Catalog) UnlockMapping(ctx context.Context, mapID uuid.UUID, key []byte, token uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cache, ok := c.maps[mapID]
	if !ok {
		return mserrors.New(mserrors.KindShardMapDoesNotExist, mserrors.CategoryMap, "shard map not found")
	}
	lm, ok := cache.list[string(key)]
	if !ok {
		return mserrors.New(mserrors.KindMappingDoesNotExist, mserrors.CategoryListMap, "mapping not found")
	}
	if lm.LockToken == nil {
		return mserrors.New(mserrors.KindLockNotReleased, mserrors.CategoryListMap, "mapping is not locked")
	}
	if *lm.LockToken != token {
		return mserrors.New(mserrors.KindMappingLockOwnerIdDoesNotMatch, mserrors.CategoryListMap,
			"lock token does not match the mapping's owner")
	}
	lm.LockToken = nil
	lm.Version++
	cache.list[string(key)] = lm
	return nil
}

// UpgradeGlobal replays the global store's schema migrations up to
// toVersion.
func (c *Catalog) UpgradeGlobal(ctx context.Context, toVersion int64) error {
	return c.protocol.Global.Upgrade(ctx, toVersion)
}

// UpgradeLocal replays a single shard's local schema migrations up to
// toVersion.
func (c *Catalog) UpgradeLocal(ctx context.Context, location string, toVersion int64) error {
	return c.protocol.Local.Upgrade(ctx, location, toVersion)
}

// Refresh reloads every map's cache from the global store, used on
// start-up and by the periodic cache-refresh job under LoadEager.
func (c *Catalog) Refresh(ctx context.Context) error {
	txn, err := c.protocol.Global.Begin(ctx)
	if err != nil {
		return err
	}
	defer txn.Rollback(ctx)
	t := txn.(*gstore.Txn)

	sms, err := t.ListShardMaps()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.maps = make(map[uuid.UUID]*mapCache)
	c.byName = make(map[string]uuid.UUID)

	for _, sm := range sms {
		cache := &mapCache{m: sm, shards: make(map[uuid.UUID]models.Shard), list: make(map[string]models.ListMapping)}

		shards, err := t.ListShards(sm.ID)
		if err != nil {
			return err
		}
		for _, sh := range shards {
			cache.shards[sh.ID] = sh
		}

		if sm.Kind == models.KindList {
			cache.hashRing = hashing.NewConsistentHash(hashing.NewHashFunction("xxhash"))
			for _, sh := range shards {
				cache.hashRing.AddShard(sh.ID.String(), hashRingVNodes)
			}
		}

		records, err := t.ListMappings(sm.ID)
		if err != nil {
			return err
		}
		for _, r := range records {
			if r.IsRange() {
				cache.ranges = insertRangeSorted(cache.ranges, r.AsRangeMapping())
			} else {
				cache.list[string(r.Key)] = r.AsListMapping()
			}
		}

		c.maps[sm.ID] = cache
		c.byName[sm.Name] = sm.ID
	}

	c.logger.Info("catalog cache refreshed", zap.Int("map_count", len(c.maps)))
	return nil
}
