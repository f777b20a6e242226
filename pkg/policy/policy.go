// Package policy defines the fan-out execution policies and the
// exception types a multi-shard command can raise, including the
// aggregate exception that collects one failure per faulted shard.
package policy

import (
	"fmt"
	"strings"

	"github.com/sharding-system/pkg/mserrors"
)

// ExecutionPolicy controls whether a multi-shard command returns
// whatever rows it collected before a shard failed, or fails the whole
// command.
type ExecutionPolicy string

const (
	// PartialResults lets the merged reader surface rows from
	// succeeded shards even if others faulted or timed out.
	PartialResults ExecutionPolicy = "partial_results"
	// CompleteResults fails the command as soon as any shard faults.
	CompleteResults ExecutionPolicy = "complete_results"
)

// ExecutionOptions are per-command execution knobs orthogonal to the
// execution policy.
type ExecutionOptions struct {
	// IncludeShardNameColumn appends the $ShardName pseudo-column to
	// every row.
	IncludeShardNameColumn bool
	// MaxRowsPerShard caps how many rows are read from a single shard,
	// 0 meaning unlimited.
	MaxRowsPerShard int
}

// ShardException is one shard's failure within a multi-shard command.
type ShardException struct {
	ShardLocation string `json:"shard_location"`
	Message       string `json:"message"`
	Kind          mserrors.Kind     `json:"kind"`
	Category      mserrors.Category `json:"category"`
}

func (e *ShardException) Error() string {
	return fmt.Sprintf("shard %s: %s [%s/%s]", e.ShardLocation, e.Message, e.Category, e.Kind)
}

// NewShardException wraps err as a ShardException for shardLocation,
// preserving its mserrors.Kind/Category when err carries one.
func NewShardException(shardLocation string, err error) *ShardException {
	se := &ShardException{ShardLocation: shardLocation, Message: err.Error(),
		Kind: mserrors.KindUnexpectedError, Category: mserrors.CategoryGeneral}
	var me *mserrors.Error
	if as, ok := err.(*mserrors.Error); ok {
		me = as
		se.Kind = me.Kind
		se.Category = me.Category
		se.Message = me.Message
	}
	return se
}

// MultiShardAggregateException collects every ShardException raised
// while executing one command, preserved across JSON serialization so a
// caller that marshals/unmarshals an error sees the identical set of
// per-shard failures (property P9).
type MultiShardAggregateException struct {
	Message    string            `json:"message"`
	Exceptions []*ShardException `json:"exceptions"`
}

func (e *MultiShardAggregateException) Error() string {
	parts := make([]string, 0, len(e.Exceptions))
	for _, se := range e.Exceptions {
		parts = append(parts, se.Error())
	}
	return fmt.Sprintf("%s: [%s]", e.Message, strings.Join(parts, "; "))
}

// NewMultiShardAggregateException builds an aggregate from the
// exceptions collected for a single command.
func NewMultiShardAggregateException(exceptions []*ShardException) *MultiShardAggregateException {
	return &MultiShardAggregateException{
		Message:    fmt.Sprintf("%d of the shards targeted by this command faulted", len(exceptions)),
		Exceptions: exceptions,
	}
}
