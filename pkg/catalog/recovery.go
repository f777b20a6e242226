package catalog

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sharding-system/pkg/lstore"
	"github.com/sharding-system/pkg/models"
	"github.com/sharding-system/pkg/mserrors"
	"github.com/sharding-system/pkg/storeproto"
)

// DiscrepancyKind classifies how a shard's local store disagrees with the
// global store's record of its mappings.
type DiscrepancyKind string

const (
	// DiscrepancyOrphan is a mapping the shard's local store carries but
	// the global store no longer assigns to it.
	DiscrepancyOrphan DiscrepancyKind = "orphan"
	// DiscrepancyMissing is a mapping the global store assigns to the
	// shard but the shard's local store has no record of.
	DiscrepancyMissing DiscrepancyKind = "missing"
)

// Discrepancy is one mapping whose local and global records disagree.
type Discrepancy struct {
	Kind      DiscrepancyKind
	MapID     uuid.UUID
	ShardID   uuid.UUID
	Location  string
	MappingID uuid.UUID
	Key       []byte // the list mapping's key, known for both kinds
}

// Resolution is one of the recovery manager's three ways to settle a
// Discrepancy.
type Resolution string

const (
	// ResolutionAuthoritativeGlobal rewrites the shard's local store to
	// match what the global store says.
	ResolutionAuthoritativeGlobal Resolution = "authoritative_global"
	// ResolutionAuthoritativeLocal rewrites the global store to match
	// what the shard's local store already has.
	ResolutionAuthoritativeLocal Resolution = "authoritative_local"
	// ResolutionDetach marks the shard Offline in the global store and
	// leaves the mappings in both stores untouched, reporting the
	// discrepancy for manual handling.
	ResolutionDetach Resolution = "detach"
)

// DetectDiscrepancies compares mapID's cached global mappings against
// every one of its shards' local mirrors, returning every mapping found
// on one side but not the other. A failure partway through a shard's
// comparison does not roll back any prior shard's findings; the caller
// sees a partial result plus the error.
func (c *Catalog) DetectDiscrepancies(ctx context.Context, mapID uuid.UUID) ([]Discrepancy, error) {
	local, ok := c.protocol.Local.(*lstore.Store)
	if !ok {
		return nil, mserrors.New(mserrors.KindNotSupported, mserrors.CategoryRecovery,
			"recovery manager requires a *lstore.Store local store")
	}

	shards, err := c.ListShards(mapID)
	if err != nil {
		return nil, err
	}

	var out []Discrepancy
	for _, sh := range shards {
		location := sh.Location.String()

		globalByID := make(map[uuid.UUID][]byte)
		lm, err := c.ListListMappings(mapID)
		if err != nil {
			return out, err
		}
		for _, m := range lm {
			if m.ShardID == sh.ID {
				globalByID[m.ID] = m.Key
			}
		}

		localRecords, err := local.ListLocalMappings(ctx, location)
		if err != nil {
			return out, fmt.Errorf("list local mappings on %s: %w", location, err)
		}
		localIDs := make(map[uuid.UUID]struct{}, len(localRecords))
		for _, r := range localRecords {
			localIDs[r.MappingID] = struct{}{}
			if _, onGlobal := globalByID[r.MappingID]; !onGlobal {
				out = append(out, Discrepancy{
					Kind: DiscrepancyOrphan, MapID: mapID, ShardID: sh.ID,
					Location: location, MappingID: r.MappingID, Key: []byte(r.Payload),
				})
			}
		}
		for id, key := range globalByID {
			if _, onLocal := localIDs[id]; !onLocal {
				out = append(out, Discrepancy{
					Kind: DiscrepancyMissing, MapID: mapID, ShardID: sh.ID,
					Location: location, MappingID: id, Key: key,
				})
			}
		}
	}
	return out, nil
}

// Resolve settles one Discrepancy using the chosen Resolution.
func (c *Catalog) Resolve(ctx context.Context, d Discrepancy, resolution Resolution) error {
	local, ok := c.protocol.Local.(*lstore.Store)
	if !ok {
		return mserrors.New(mserrors.KindNotSupported, mserrors.CategoryRecovery,
			"recovery manager requires a *lstore.Store local store")
	}

	switch resolution {
	case ResolutionDetach:
		return c.SetShardStatus(ctx, d.MapID, d.ShardID, models.ShardOffline)

	case ResolutionAuthoritativeGlobal:
		switch d.Kind {
		case DiscrepancyOrphan:
			return local.Reflect(ctx, d.Location, storeproto.LocalOp{Kind: "remove_mapping", MappingID: d.MappingID})
		case DiscrepancyMissing:
			return local.Reflect(ctx, d.Location, storeproto.LocalOp{Kind: "add_mapping", MappingID: d.MappingID, Payload: string(d.Key)})
		default:
			return mserrors.New(mserrors.KindUnexpectedError, mserrors.CategoryRecovery, "unknown discrepancy kind")
		}

	case ResolutionAuthoritativeLocal:
		switch d.Kind {
		case DiscrepancyOrphan:
			// The shard believes this mapping exists; adopt it into the
			// global store pointed at this shard.
			_, err := c.AddListMapping(ctx, d.MapID, d.Key, d.ShardID)
			return err
		case DiscrepancyMissing:
			// The global store believes this mapping belongs here but the
			// shard has no record; removing it from the global store
			// brings the two back into agreement without touching data
			// the shard was never told about.
			return c.DeleteListMapping(ctx, d.MapID, d.Key, true)
		default:
			return mserrors.New(mserrors.KindUnexpectedError, mserrors.CategoryRecovery, "unknown discrepancy kind")
		}

	default:
		return mserrors.New(mserrors.KindNotSupported, mserrors.CategoryRecovery,
			fmt.Sprintf("unknown resolution %q", resolution))
	}
}
