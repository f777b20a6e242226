package policy

import (
	"errors"
	"strings"
	"testing"

	"github.com/sharding-system/pkg/mserrors"
)

func TestNewShardException_PreservesMsErrorKind(t *testing.T) {
	err := mserrors.New(mserrors.KindTimeout, mserrors.CategoryGeneral, "shard timed out")
	se := NewShardException("db1;shard1", err)

	if se.Kind != mserrors.KindTimeout {
		t.Errorf("expected Kind Timeout, got %v", se.Kind)
	}
	if se.Category != mserrors.CategoryGeneral {
		t.Errorf("expected Category General, got %v", se.Category)
	}
	if se.ShardLocation != "db1;shard1" {
		t.Errorf("unexpected shard location %q", se.ShardLocation)
	}
}

func TestNewShardException_DefaultsForPlainError(t *testing.T) {
	se := NewShardException("db1;shard1", errors.New("connection refused"))
	if se.Kind != mserrors.KindUnexpectedError {
		t.Errorf("expected Kind UnexpectedError for a plain error, got %v", se.Kind)
	}
	if se.Category != mserrors.CategoryGeneral {
		t.Errorf("expected Category General, got %v", se.Category)
	}
	if !strings.Contains(se.Error(), "connection refused") {
		t.Errorf("expected Error() to include the original message, got %q", se.Error())
	}
}

func TestNewMultiShardAggregateException(t *testing.T) {
	exceptions := []*ShardException{
		NewShardException("shard1", errors.New("boom")),
		NewShardException("shard2", mserrors.New(mserrors.KindSchemaMismatch, mserrors.CategorySchemaInfo, "columns differ")),
	}
	agg := NewMultiShardAggregateException(exceptions)

	if len(agg.Exceptions) != 2 {
		t.Fatalf("expected 2 exceptions, got %d", len(agg.Exceptions))
	}
	msg := agg.Error()
	if !strings.Contains(msg, "shard1") || !strings.Contains(msg, "shard2") {
		t.Errorf("expected aggregate message to mention both shards, got %q", msg)
	}
}
