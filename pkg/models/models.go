// Package models holds the shard map catalog's data model: shard maps,
// shards, list and range mappings, and the request/response shapes the
// admin API and the fan-out executor exchange.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/sharding-system/pkg/keycodec"
)

// ShardMapKind distinguishes list shard maps from range shard maps.
type ShardMapKind string

const (
	KindList  ShardMapKind = "list"
	KindRange ShardMapKind = "range"
)

// MappingStatus is the lifecycle state of a mapping.
type MappingStatus string

const (
	StatusOnline  MappingStatus = "online"
	StatusOffline MappingStatus = "offline"
)

// ShardStatus is the lifecycle state of a shard.
type ShardStatus string

const (
	ShardOnline  ShardStatus = "online"
	ShardOffline ShardStatus = "offline"
)

// ShardMap is a named directory associating keys or ranges with shards.
// Names are unique within a catalog (1..50 Unicode characters, each a
// letter, digit or punctuation mark).
type ShardMap struct {
	ID      uuid.UUID       `json:"id"`
	Name    string          `json:"name"`
	Kind    ShardMapKind    `json:"kind"`
	KeyType keycodec.KeyType `json:"key_type"`
	Version int64           `json:"version"`
}

// ShardLocation identifies the server/database pair backing a shard.
type ShardLocation struct {
	Server   string `json:"server"`
	Database string `json:"database"`
}

// String renders the location the way the $ShardName pseudo-column does:
// "<server>;<database>".
func (l ShardLocation) String() string {
	return l.Server + ";" + l.Database
}

// Shard is one physical database hosting a subset of a shard map's data.
// A shard belongs to exactly one map; (MapID, Location) is unique.
type Shard struct {
	ID       uuid.UUID     `json:"id"`
	MapID    uuid.UUID     `json:"map_id"`
	Location ShardLocation `json:"location"`
	Status   ShardStatus   `json:"status"`
	Version  int64         `json:"version"`
}

// ListMapping maps a single encoded key to a shard.
type ListMapping struct {
	ID        uuid.UUID     `json:"id"`
	MapID     uuid.UUID     `json:"map_id"`
	ShardID   uuid.UUID     `json:"shard_id"`
	Key       []byte        `json:"key"`
	Status    MappingStatus `json:"status"`
	LockToken *uuid.UUID    `json:"lock_token,omitempty"`
	Version   int64         `json:"version"`
}

// RangeMapping maps a half-open key interval [Low, High) to a shard. High
// may be keycodec.PositiveInfinity to denote an unbounded upper edge.
type RangeMapping struct {
	ID        uuid.UUID     `json:"id"`
	MapID     uuid.UUID     `json:"map_id"`
	ShardID   uuid.UUID     `json:"shard_id"`
	Low       []byte        `json:"low"`
	High      []byte        `json:"high"`
	Status    MappingStatus `json:"status"`
	LockToken *uuid.UUID    `json:"lock_token,omitempty"`
	Version   int64         `json:"version"`
}

// Contains reports whether key falls in [Low, High).
func (m RangeMapping) Contains(key []byte) bool {
	return keycodec.Compare(key, m.Low) >= 0 && keycodec.Compare(key, m.High) < 0
}

// Overlaps reports whether two half-open ranges intersect.
func (m RangeMapping) Overlaps(o RangeMapping) bool {
	return keycodec.Compare(m.Low, o.High) < 0 && keycodec.Compare(o.Low, m.High) < 0
}

// RecoveryResolution names the three ways a shard whose local store
// disagrees with the global store can be reconciled; catalog.Resolve
// takes its own catalog.Resolution type instead.
type RecoveryResolution string

const (
	ResolveAuthoritativeGlobal RecoveryResolution = "authoritative_global"
	ResolveAuthoritativeLocal  RecoveryResolution = "authoritative_local"
	ResolveDetach              RecoveryResolution = "detach"
)

// RecoveryReport describes one shard's local/global discrepancy and, once
// applied, the resolution chosen for it.
type RecoveryReport struct {
	ShardID      uuid.UUID           `json:"shard_id"`
	Orphaned     []ListMapping       `json:"orphaned,omitempty"`
	Duplicated   []ListMapping       `json:"duplicated,omitempty"`
	Resolution   RecoveryResolution  `json:"resolution,omitempty"`
	ResolvedAt   time.Time           `json:"resolved_at,omitempty"`
}

// SchemaInfo is a versioned metadata record for a shard map. No catalog
// API stores or loads it.
type SchemaInfo struct {
	MapID     uuid.UUID `json:"map_id"`
	Version   int64     `json:"version"`
	Payload   string    `json:"payload"`
	UpdatedAt time.Time `json:"updated_at"`
}
