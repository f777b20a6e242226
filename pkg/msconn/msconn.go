// Package msconn is the public entry point applications use to run a
// command across a shard map: MultiShardConnection resolves the map's
// current shard set from the catalog, and MultiShardCommand drives the
// executor/mergedreader pair to produce one flattened result set.
package msconn

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sharding-system/pkg/catalog"
	"github.com/sharding-system/pkg/executor"
	"github.com/sharding-system/pkg/mergedreader"
	"github.com/sharding-system/pkg/models"
	"github.com/sharding-system/pkg/mserrors"
	"github.com/sharding-system/pkg/policy"
	"github.com/sharding-system/pkg/retry"
	"go.uber.org/zap"
)

// Connection binds a shard map to the catalog and the dialer its
// executor will use to reach each shard.
type Connection struct {
	Catalog              *catalog.Catalog
	MapID                uuid.UUID
	ConnectionStringTemplate string
	Dial                 executor.Dialer
	Logger               *zap.Logger
}

// NewConnection builds a Connection for mapID, failing fast if the map
// is not registered in the catalog.
func NewConnection(cat *catalog.Catalog, mapID uuid.UUID, connStringTemplate string, dial executor.Dialer, logger *zap.Logger) (*Connection, error) {
	if _, ok := cat.GetMap(mapID); !ok {
		return nil, mserrors.New(mserrors.KindShardMapDoesNotExist, mserrors.CategoryMap, "shard map not found")
	}
	return &Connection{Catalog: cat, MapID: mapID, ConnectionStringTemplate: connStringTemplate, Dial: dial, Logger: logger}, nil
}

// Command is one fan-out query against every shard of a Connection's
// map. Its field names mirror the public surface a caller configures
// before calling ExecuteReader: CommandText is the query itself, CommandTimeout/CommandTimeoutPerShard bound execution, and
// ExecutionPolicy/ExecutionOptions control how faults and schema are
// handled.
type Command struct {
	conn *Connection

	CommandText            string
	Args                    []any
	CommandTimeout          time.Duration
	CommandTimeoutPerShard  time.Duration
	ExecutionPolicy         policy.ExecutionPolicy
	ExecutionOptions        policy.ExecutionOptions
	RetryPolicy             *retry.Policy
	OnEvent                 executor.EventFunc

	cancel context.CancelFunc
}

// NewCommand builds a Command bound to conn with the library's default
// execution policy (PartialResults, no $ShardName column).
func (c *Connection) NewCommand(commandText string, args ...any) *Command {
	return &Command{
		conn:            c,
		CommandText:     commandText,
		Args:            args,
		ExecutionPolicy: policy.PartialResults,
	}
}

// ExecuteReader resolves the command's targets from the catalog and
// returns a merged reader streaming every shard's rows. The returned
// context.CancelFunc-backed Cancel method stops all in-flight shard
// tasks; callers must eventually Close the reader.
func (cmd *Command) ExecuteReader(ctx context.Context) (*mergedreader.Reader, error) {
	locations, err := cmd.conn.Catalog.ListDistinctLocations(cmd.conn.MapID)
	if err != nil {
		return nil, err
	}
	if len(locations) == 0 {
		return nil, fmt.Errorf("msconn: shard map has no registered shards")
	}

	targets := make([]executor.ShardTarget, 0, len(locations))
	for _, loc := range locations {
		connStr := executor.BuildConnectionString(cmd.conn.ConnectionStringTemplate, loc, cmd.CommandText)
		targets = append(targets, executor.ShardTarget{Location: loc, ConnectionString: connStr})
	}

	var engine *retry.Engine
	if cmd.RetryPolicy != nil {
		engine = retry.NewEngine(*cmd.RetryPolicy)
	}

	ex := executor.New(cmd.conn.Dial, cmd.conn.Logger)

	runCtx, cancel := context.WithCancel(ctx)
	cmd.cancel = cancel

	results, err := ex.Execute(runCtx, cmd.CommandText, cmd.Args, targets, executor.Options{
		CommandTimeout:         cmd.CommandTimeout,
		CommandTimeoutPerShard: cmd.CommandTimeoutPerShard,
		ExecutionPolicy:        cmd.ExecutionPolicy,
		ExecutionOptions:       cmd.ExecutionOptions,
		Retry:                  engine,
		OnEvent:                cmd.OnEvent,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	// Under CompleteResults the merged reader itself gates delivery: it
	// drains every shard's outcome before yielding a first row, so a
	// fault fails Next with the aggregate before any row is visible.
	reader := mergedreader.New(len(targets), cmd.ExecutionPolicy, cmd.ExecutionOptions)
	go reader.Feed(results)
	return reader, nil
}

// Cancel stops every in-flight shard task started by the last
// ExecuteReader call.
func (cmd *Command) Cancel() {
	if cmd.cancel != nil {
		cmd.cancel()
	}
}

// ExecuteNonQuery is not supported: every command against a shard map is
// a reader, matching the library-level Non-goal that this module does
// not expose row-count-only execution.
func (cmd *Command) ExecuteNonQuery(ctx context.Context) error {
	return mserrors.New(mserrors.KindNotSupported, mserrors.CategoryGeneral,
		"ExecuteNonQuery is not supported; use ExecuteReader")
}

// ExecuteScalar is not supported for the same reason as ExecuteNonQuery.
func (cmd *Command) ExecuteScalar(ctx context.Context) (any, error) {
	return nil, mserrors.New(mserrors.KindNotSupported, mserrors.CategoryGeneral,
		"ExecuteScalar is not supported; use ExecuteReader")
}

// AggregateError builds the MultiShardAggregateException for every
// shard fault the last ExecuteReader run recorded, or nil if none.
func AggregateError(reader *mergedreader.Reader) error {
	exceptions := reader.Exceptions()
	if len(exceptions) == 0 {
		return nil
	}
	return policy.NewMultiShardAggregateException(exceptions)
}

// FindShardForKey resolves a single key's shard without running a
// command, the non-fan-out counterpart used by point lookups.
func FindShardForKey(cat *catalog.Catalog, mapID uuid.UUID, key []byte) (*models.Shard, error) {
	return cat.FindMappingForKey(mapID, key)
}
