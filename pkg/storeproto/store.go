// Package storeproto implements the store operation protocol of §4.2: a
// do/undo/finalize contract that every catalog mutation is compiled to,
// wrapping a transactional global store and, where the operation must
// reflect on a shard, that shard's local store.
package storeproto

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sharding-system/pkg/mserrors"
	"github.com/sharding-system/pkg/retry"
)

// GlobalStore is the authoritative catalog database. A single store
// holds every shard map, shard and mapping record, plus the monotonic
// schema version compared against on every mutation.
type GlobalStore interface {
	// SchemaVersion returns the store's current schema version.
	SchemaVersion(ctx context.Context) (int64, error)
	// Begin starts a transaction scoped to a single logical change.
	Begin(ctx context.Context) (GlobalTxn, error)
	// Upgrade replays migration steps to bring the store from its
	// current version to toVersion, idempotently.
	Upgrade(ctx context.Context, toVersion int64) error
}

// GlobalTxn is one transaction against the global store. Do performs the
// logical mutation; Commit/Rollback finish the transaction.
type GlobalTxn interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// LocalStore is the per-shard mirror of the mappings it owns.
type LocalStore interface {
	// SchemaVersion returns the local store's current schema version
	// for the given shard location.
	SchemaVersion(ctx context.Context, location string) (int64, error)
	// Reflect applies one local-store side effect (add/remove mapping,
	// online/offline transition) described by op, presenting lockToken
	// when the target mapping carries one.
	Reflect(ctx context.Context, location string, op LocalOp) error
	// Upgrade replays migration steps for the shard at location.
	Upgrade(ctx context.Context, location string, toVersion int64) error
}

// LocalOp describes one local-store side effect of a global mutation.
type LocalOp struct {
	Kind      string // "add_mapping", "remove_mapping", "set_status"
	MappingID uuid.UUID
	LockToken *uuid.UUID
	Payload   any
}

// UndoLogEntry records that a logical global-store change has been made
// and which shards must still be reflected locally before the entry can
// be finalized. If a local-store reflection fails, Execute passes the
// entry to Operation.Undo to roll the global change back. The entry is
// held in memory only and is not persisted, so a crash between the
// global commit and the local reflections leaves no entry to undo from.
type UndoLogEntry struct {
	OperationID     uuid.UUID
	AffectedShards  []string
	LocalOps        map[string]LocalOp // location -> op
	Finalized       bool
}

// Operation is one catalog mutation compiled to the store protocol's
// three phases.
type Operation interface {
	// Do performs the logical change against txn and returns the undo
	// log entry describing which shards must be reflected locally.
	Do(ctx context.Context, txn GlobalTxn) (*UndoLogEntry, error)
	// Undo reverses Do's logical change; called when a local-store
	// reflection fails.
	Undo(ctx context.Context, txn GlobalTxn, entry *UndoLogEntry) error
}

// Protocol executes Operations against a GlobalStore and, where needed,
// a LocalStore, serializing concurrent mutations of one map with an
// advisory per-map lock and retrying transient faults via retry.Engine.
type Protocol struct {
	Global GlobalStore
	Local  LocalStore
	Retry  *retry.Engine

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

// NewProtocol constructs a Protocol. engine may be nil, in which case a
// default retry.Engine (see retry.NewDefaultEngine) is used.
func NewProtocol(global GlobalStore, local LocalStore, engine *retry.Engine) *Protocol {
	if engine == nil {
		engine = retry.NewDefaultEngine()
	}
	return &Protocol{
		Global: global,
		Local:  local,
		Retry:  engine,
		locks:  make(map[uuid.UUID]*sync.Mutex),
	}
}

func (p *Protocol) lockFor(mapID uuid.UUID) *sync.Mutex {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	l, ok := p.locks[mapID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[mapID] = l
	}
	return l
}

// Execute runs op under the store protocol contract of §4.2: acquire the
// map-scope lock, verify the caller's expectedSchemaVersion against the
// store, perform the logical change, reflect it on every affected shard's
// local store, and undo on local-store failure. The whole sequence is
// retried by p.Retry for transient faults.
func (p *Protocol) Execute(ctx context.Context, mapID uuid.UUID, expectedSchemaVersion int64, op Operation) error {
	lock := p.lockFor(mapID)
	lock.Lock()
	defer lock.Unlock()

	return p.Retry.Do(ctx, func(ctx context.Context) error {
		return p.executeOnce(ctx, expectedSchemaVersion, op)
	})
}

func (p *Protocol) executeOnce(ctx context.Context, expectedSchemaVersion int64, op Operation) error {
	current, err := p.Global.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if current != expectedSchemaVersion {
		return mserrors.New(mserrors.KindGlobalStoreVersionMismatch, mserrors.CategoryCatalog,
			"global store schema version does not match caller's expectation")
	}

	txn, err := p.Global.Begin(ctx)
	if err != nil {
		return err
	}

	entry, err := op.Do(ctx, txn)
	if err != nil {
		txn.Rollback(ctx)
		return err
	}

	if err := txn.Commit(ctx); err != nil {
		return err
	}

	if entry == nil || len(entry.AffectedShards) == 0 {
		return nil
	}

	for _, location := range entry.AffectedShards {
		localOp, ok := entry.LocalOps[location]
		if !ok {
			continue
		}
		if err := p.Local.Reflect(ctx, location, localOp); err != nil {
			if undoErr := p.undo(ctx, op, entry); undoErr != nil {
				return mserrors.Wrap(undoErr, mserrors.KindStorageOperationFailure, mserrors.CategoryCatalog,
					"local store reflection failed and undo also failed")
			}
			return mserrors.Wrap(err, mserrors.KindStorageOperationFailure, mserrors.CategoryCatalog,
				"local store reflection failed; global change rolled back")
		}
	}

	entry.Finalized = true
	return nil
}

func (p *Protocol) undo(ctx context.Context, op Operation, entry *UndoLogEntry) error {
	txn, err := p.Global.Begin(ctx)
	if err != nil {
		return err
	}
	if err := op.Undo(ctx, txn, entry); err != nil {
		txn.Rollback(ctx)
		return err
	}
	return txn.Commit(ctx)
}
