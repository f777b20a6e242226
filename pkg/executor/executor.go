// Package executor implements the fan-out execution engine: one
// goroutine per targeted shard, opening a connection, running the
// command and streaming rows back on a shared result channel under a
// single cooperative cancellation signal.
package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sharding-system/pkg/models"
	"github.com/sharding-system/pkg/policy"
	"github.com/sharding-system/pkg/retry"
	"go.uber.org/zap"
)

// ShardConn is the driver-level connection contract a shard target must
// implement; MultiShardConnection's own callers never see this, only the
// RowReader results it produces.
type ShardConn interface {
	Open(ctx context.Context) error
	ExecuteReader(ctx context.Context, command string, args []any) (RowReader, error)
	Cancel()
	Close() error
}

// RowReader streams one shard's result set.
type RowReader interface {
	Read(ctx context.Context) (bool, error)
	ColumnNames() []string
	ColumnTypes() []string
	Value(ordinal int) (any, error)
	Close() error
}

// ShardTarget is one shard the executor must reach, paired with the
// connection string its driver needs to open a session.
type ShardTarget struct {
	Location         models.ShardLocation
	ConnectionString string
}

// EventKind distinguishes the four lifecycle events a per-shard task can
// raise.
type EventKind string

const (
	EventBegan     EventKind = "began"
	EventSucceeded EventKind = "succeeded"
	EventFaulted   EventKind = "faulted"
	EventCanceled  EventKind = "canceled"
)

// Event is one per-shard lifecycle notification.
type Event struct {
	Kind          EventKind
	ShardLocation models.ShardLocation
	Err           error
	At            time.Time
}

// EventFunc observes Events as they occur; it must not block.
type EventFunc func(Event)

// Options configures one fan-out Execute call.
type Options struct {
	// CommandTimeout bounds the whole fan-out; 0 means no bound beyond
	// ctx's own deadline.
	CommandTimeout time.Duration
	// CommandTimeoutPerShard bounds each individual shard's
	// open+execute; 0 means no per-shard bound.
	CommandTimeoutPerShard time.Duration
	// ExecutionPolicy selects whether one shard's fault cancels the
	// rest (CompleteResults) or is merely reported (PartialResults).
	ExecutionPolicy policy.ExecutionPolicy
	// ExecutionOptions carries options the merged reader consumes
	// ($ShardName column, per-shard row caps).
	ExecutionOptions policy.ExecutionOptions
	// Retry, if set, wraps each shard's Open+ExecuteReader for
	// transient faults; nil disables retrying.
	Retry *retry.Engine
	// OnEvent, if set, is invoked for every per-shard lifecycle event.
	OnEvent EventFunc
}

// LabeledResult is one shard's outcome: either a RowReader ready to be
// consumed by the merged reader, or the error that shard faulted with.
type LabeledResult struct {
	ShardLocation      models.ShardLocation
	OriginatingCommand string
	Reader             RowReader
	Err                error
}

// Dialer opens a ShardConn for a target's connection string.
type Dialer func(ctx context.Context, target ShardTarget) (ShardConn, error)

// Executor runs a command against every target in parallel.
type Executor struct {
	Dial   Dialer
	Logger *zap.Logger
}

// New builds an Executor around dial.
func New(dial Dialer, logger *zap.Logger) *Executor {
	return &Executor{Dial: dial, Logger: logger}
}

// Execute dispatches command to every target concurrently and returns a
// channel carrying one LabeledResult per target, closed once every
// shard has reported in (successfully or not). Every target's task starts
// at once; under CompleteResults, the first fault cancels the shared
// context, so tasks still opening or executing end with the context's
// error as their result.
func (e *Executor) Execute(ctx context.Context, command string, args []any, targets []ShardTarget, opts Options) (<-chan LabeledResult, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("executor: no shard targets supplied")
	}

	runCtx := ctx
	var cancelTimeout context.CancelFunc
	if opts.CommandTimeout > 0 {
		runCtx, cancelTimeout = context.WithTimeout(ctx, opts.CommandTimeout)
	}
	runCtx, cancelAll := context.WithCancel(runCtx)

	out := make(chan LabeledResult, len(targets))
	var wg sync.WaitGroup

	for _, target := range targets {
		wg.Add(1)
		go func(target ShardTarget) {
			defer wg.Done()
			res := e.runShard(runCtx, command, args, target, opts)
			out <- res
			if res.Err != nil && opts.ExecutionPolicy == policy.CompleteResults {
				cancelAll()
			}
		}(target)
	}

	go func() {
		wg.Wait()
		close(out)
		cancelAll()
		if cancelTimeout != nil {
			cancelTimeout()
		}
	}()

	return out, nil
}

func (e *Executor) runShard(ctx context.Context, command string, args []any, target ShardTarget, opts Options) LabeledResult {
	shardCtx := ctx
	var cancelShard context.CancelFunc
	if opts.CommandTimeoutPerShard > 0 {
		shardCtx, cancelShard = context.WithTimeout(ctx, opts.CommandTimeoutPerShard)
		defer cancelShard()
	}

	e.emit(opts, Event{Kind: EventBegan, ShardLocation: target.Location, At: time.Now()})

	var conn ShardConn
	var reader RowReader
	open := func(ctx context.Context) error {
		c, err := e.Dial(ctx, target)
		if err != nil {
			return err
		}
		if err := c.Open(ctx); err != nil {
			return err
		}
		r, err := c.ExecuteReader(ctx, command, args)
		if err != nil {
			c.Close()
			return err
		}
		conn, reader = c, r
		return nil
	}

	var err error
	if opts.Retry != nil {
		err = opts.Retry.Do(shardCtx, open)
	} else {
		err = open(shardCtx)
	}

	if err != nil && shardCtx.Err() != nil {
		e.emit(opts, Event{Kind: EventCanceled, ShardLocation: target.Location, Err: shardCtx.Err(), At: time.Now()})
		return LabeledResult{ShardLocation: target.Location, Err: shardCtx.Err()}
	}
	if err != nil {
		e.emit(opts, Event{Kind: EventFaulted, ShardLocation: target.Location, Err: err, At: time.Now()})
		if conn != nil {
			conn.Close()
		}
		return LabeledResult{ShardLocation: target.Location, Err: err}
	}

	e.emit(opts, Event{Kind: EventSucceeded, ShardLocation: target.Location, At: time.Now()})
	return LabeledResult{ShardLocation: target.Location, Reader: reader}
}

func (e *Executor) emit(opts Options, ev Event) {
	if opts.OnEvent != nil {
		opts.OnEvent(ev)
	}
}

// maxApplicationNameSuffix is the wire limit most drivers place on a
// connection string's application_name attribute; BuildConnectionString
// truncates the per-shard suffix it appends to this many bytes; the
// template's own text is not counted.
const maxApplicationNameSuffix = 128

// BuildConnectionString derives one shard's connection string from a
// template shared by every shard in the map: the literal tokens
// "{server}" and "{database}" are substituted with the shard's
// location, and an application-name suffix identifying the originating
// command is appended (truncated to fit the driver's limit) so server-
// side logs can be correlated back to the fan-out that issued them.
func BuildConnectionString(template string, location models.ShardLocation, appNameSuffix string) string {
	s := strings.ReplaceAll(template, "{server}", location.Server)
	s = strings.ReplaceAll(s, "{database}", location.Database)

	suffix := appNameSuffix
	if len(suffix) > maxApplicationNameSuffix {
		suffix = suffix[:maxApplicationNameSuffix]
	}
	if suffix == "" {
		return s
	}
	if strings.Contains(s, "application_name=") {
		return s + "-" + suffix
	}
	return s + ";application_name=" + suffix
}
