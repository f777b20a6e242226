package msconn

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/sharding-system/pkg/catalog"
	"github.com/sharding-system/pkg/mergedreader"
	"github.com/sharding-system/pkg/policy"
	"go.uber.org/zap/zaptest"
)

func TestAggregateError_NilWhenNoExceptions(t *testing.T) {
	r := mergedreader.New(0, policy.PartialResults, policy.ExecutionOptions{})
	if err := AggregateError(r); err != nil {
		t.Errorf("expected nil aggregate error, got %v", err)
	}
}

func TestNewConnection_ErrorsForUnknownMap(t *testing.T) {
	cat := catalog.New(nil, zaptest.NewLogger(t), catalog.LoadLazy)
	_, err := NewConnection(cat, uuid.New(), "host={server};dbname={database}", nil, zaptest.NewLogger(t))
	if err == nil {
		t.Fatal("expected an error for a map the catalog has never registered")
	}
}

func TestCommand_ExecuteReader_UnknownMapErrors(t *testing.T) {
	cat := catalog.New(nil, zaptest.NewLogger(t), catalog.LoadLazy)
	conn := &Connection{
		Catalog:                  cat,
		MapID:                    uuid.New(),
		ConnectionStringTemplate: "host={server}",
		Logger:                   zaptest.NewLogger(t),
	}

	cmd := conn.NewCommand("SELECT 1")
	_, err := cmd.ExecuteReader(context.Background())
	if err == nil {
		t.Fatal("expected an error when the map is not registered in the catalog")
	}
}

func TestCommand_NonQueryOperationsAreUnsupported(t *testing.T) {
	cmd := &Command{conn: &Connection{}}

	if err := cmd.ExecuteNonQuery(context.Background()); err == nil {
		t.Error("expected ExecuteNonQuery to be unsupported")
	}
	if _, err := cmd.ExecuteScalar(context.Background()); err == nil {
		t.Error("expected ExecuteScalar to be unsupported")
	}
}

func TestAggregateError_WithFaults(t *testing.T) {
	exceptions := []*policy.ShardException{
		policy.NewShardException("s1;d", context.DeadlineExceeded),
	}
	agg := policy.NewMultiShardAggregateException(exceptions)
	if agg.Error() == "" {
		t.Error("expected a non-empty aggregate error message")
	}
}
