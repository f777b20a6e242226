package mergedreader

import (
	"context"
	"errors"
	"testing"

	"github.com/sharding-system/pkg/executor"
	"github.com/sharding-system/pkg/models"
	"github.com/sharding-system/pkg/mserrors"
	"github.com/sharding-system/pkg/policy"
)

type fakeReader struct {
	cols   []string
	types  []string
	rows   [][]any
	idx    int
	closed bool
}

func (r *fakeReader) Read(ctx context.Context) (bool, error) {
	if r.idx >= len(r.rows) {
		return false, nil
	}
	r.idx++
	return true, nil
}
func (r *fakeReader) ColumnNames() []string { return r.cols }
func (r *fakeReader) ColumnTypes() []string { return r.types }
func (r *fakeReader) Value(ordinal int) (any, error) {
	return r.rows[r.idx-1][ordinal], nil
}
func (r *fakeReader) Close() error { r.closed = true; return nil }

func TestReader_MergesRowsAcrossShards(t *testing.T) {
	results := make(chan executor.LabeledResult, 2)
	results <- executor.LabeledResult{
		ShardLocation: models.ShardLocation{Server: "s1", Database: "d"},
		Reader:        &fakeReader{cols: []string{"id"}, types: []string{"int"}, rows: [][]any{{1}, {2}}},
	}
	results <- executor.LabeledResult{
		ShardLocation: models.ShardLocation{Server: "s2", Database: "d"},
		Reader:        &fakeReader{cols: []string{"id"}, types: []string{"int"}, rows: [][]any{{3}}},
	}
	close(results)

	r := New(2, policy.PartialResults, policy.ExecutionOptions{})
	go r.Feed(results)

	count := 0
	for {
		ok, err := r.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		count++
	}
	if count != 3 {
		t.Errorf("expected 3 merged rows, got %d", count)
	}
	if r.State() != StateNoMoreReaders {
		t.Errorf("expected StateNoMoreReaders, got %v", r.State())
	}
}

func TestReader_RecordsShardExceptions(t *testing.T) {
	results := make(chan executor.LabeledResult, 1)
	results <- executor.LabeledResult{
		ShardLocation: models.ShardLocation{Server: "s1", Database: "d"},
		Err:           errors.New("dial failed"),
	}
	close(results)

	r := New(1, policy.PartialResults, policy.ExecutionOptions{})
	r.Feed(results)

	for {
		ok, err := r.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
	}

	exceptions := r.Exceptions()
	if len(exceptions) != 1 {
		t.Fatalf("expected 1 exception, got %d", len(exceptions))
	}
	if exceptions[0].ShardLocation != "s1;d" {
		t.Errorf("unexpected shard location %q", exceptions[0].ShardLocation)
	}
}

// TestReader_SchemaMismatchIsReported exercises scenario 4: a reader
// whose schema doesn't match the reference is recorded as exactly one
// SchemaMismatch exception and closed, while rows from the compliant
// reader already seen (or seen later, under PartialResults) remain
// readable.
func TestReader_SchemaMismatchIsReported(t *testing.T) {
	results := make(chan executor.LabeledResult, 2)
	results <- executor.LabeledResult{
		ShardLocation: models.ShardLocation{Server: "s1", Database: "d"},
		Reader: &fakeReader{cols: []string{"id"}, types: []string{"int"},
			rows: [][]any{{1}, {2}, {3}}},
	}
	results <- executor.LabeledResult{
		ShardLocation: models.ShardLocation{Server: "s2", Database: "d"},
		Reader: &fakeReader{cols: []string{"id", "extra"}, types: []string{"int", "string"},
			rows: [][]any{{4, "x"}}},
	}
	close(results)

	r := New(2, policy.PartialResults, policy.ExecutionOptions{})
	r.Feed(results)

	rows := 0
	for {
		ok, err := r.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		rows++
	}

	if rows < 3 {
		t.Errorf("expected at least 3 rows from the compliant reader, got %d", rows)
	}

	exceptions := r.Exceptions()
	if len(exceptions) != 1 {
		t.Fatalf("expected exactly 1 exception, got %d", len(exceptions))
	}
	if exceptions[0].Kind != mserrors.KindSchemaMismatch {
		t.Errorf("expected a SchemaMismatch exception, got kind %q", exceptions[0].Kind)
	}
}

// TestReader_SchemaMismatchAbortsUnderCompleteResults confirms that the
// same mismatch fails the whole read when CompleteResults is in force,
// rather than being skipped over.
func TestReader_SchemaMismatchAbortsUnderCompleteResults(t *testing.T) {
	results := make(chan executor.LabeledResult, 2)
	results <- executor.LabeledResult{
		ShardLocation: models.ShardLocation{Server: "s1", Database: "d"},
		Reader:        &fakeReader{cols: []string{"id"}, types: []string{"int"}, rows: [][]any{{1}}},
	}
	results <- executor.LabeledResult{
		ShardLocation: models.ShardLocation{Server: "s2", Database: "d"},
		Reader:        &fakeReader{cols: []string{"id", "extra"}, types: []string{"int", "string"}, rows: [][]any{{2, "x"}}},
	}
	close(results)

	r := New(2, policy.CompleteResults, policy.ExecutionOptions{})
	r.Feed(results)

	var gotErr error
	rows := 0
	for {
		ok, err := r.Next(context.Background())
		if err != nil {
			gotErr = err
			break
		}
		if !ok {
			break
		}
		rows++
	}
	if gotErr == nil {
		t.Fatal("expected CompleteResults to fail the read on a schema mismatch")
	}
	if rows != 0 {
		t.Errorf("expected no rows visible under CompleteResults, got %d", rows)
	}
}

func TestReader_IncludeShardNameColumn(t *testing.T) {
	results := make(chan executor.LabeledResult, 1)
	loc := models.ShardLocation{Server: "s1", Database: "d"}
	results <- executor.LabeledResult{
		ShardLocation: loc,
		Reader:        &fakeReader{cols: []string{"id"}, types: []string{"int"}, rows: [][]any{{1}}},
	}
	close(results)

	r := New(1, policy.PartialResults, policy.ExecutionOptions{IncludeShardNameColumn: true})
	r.Feed(results)

	ok, err := r.Next(context.Background())
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}

	cols := r.ColumnNames()
	if len(cols) != 2 || cols[1] != "$ShardName" {
		t.Fatalf("expected $ShardName appended, got %v", cols)
	}
	if got := r.FieldCount(); got != 2 {
		t.Errorf("expected field_count == base+1 == 2, got %d", got)
	}
	if got := r.VisibleFieldCount(); got != 2 {
		t.Errorf("expected visible_field_count == 2, got %d", got)
	}
	if ord, err := r.GetOrdinal("$ShardName"); err != nil || ord != 1 {
		t.Errorf("expected $ShardName at ordinal 1, got %d err=%v", ord, err)
	}
	if name, err := r.GetName(1); err != nil || name != "$ShardName" {
		t.Errorf("expected ordinal 1 named $ShardName, got %q err=%v", name, err)
	}

	v, err := r.Value(1)
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if v != loc.String() {
		t.Errorf("expected shard name column to be %q, got %q", loc.String(), v)
	}
}

func TestReader_NextResultIsNotSupported(t *testing.T) {
	r := New(1, policy.PartialResults, policy.ExecutionOptions{})
	if _, err := r.NextResult(context.Background()); err == nil {
		t.Error("expected NextResult to fail NotSupported")
	}
}

func TestReader_HasRowsAndIsClosed(t *testing.T) {
	results := make(chan executor.LabeledResult, 1)
	results <- executor.LabeledResult{
		ShardLocation: models.ShardLocation{Server: "s1", Database: "d"},
		Reader:        &fakeReader{cols: []string{"id"}, types: []string{"int"}, rows: [][]any{{1}}},
	}
	close(results)

	r := New(1, policy.PartialResults, policy.ExecutionOptions{})
	r.Feed(results)

	if r.HasRows() {
		t.Error("expected HasRows to be false before the first read")
	}
	if ok, err := r.Next(context.Background()); err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if !r.HasRows() {
		t.Error("expected HasRows to be true after a successful read")
	}
	if r.IsClosed() {
		t.Error("expected IsClosed to be false before Close")
	}
	r.Close()
	if !r.IsClosed() {
		t.Error("expected IsClosed to be true after Close")
	}
}

// TestReader_CompleteResultsGatesRowsOnFault exercises P6: a fault on
// any shard, discovered before the first row is read, keeps every row
// from succeeding shards from ever becoming visible.
func TestReader_CompleteResultsGatesRowsOnFault(t *testing.T) {
	results := make(chan executor.LabeledResult, 2)
	results <- executor.LabeledResult{
		ShardLocation: models.ShardLocation{Server: "s1", Database: "d"},
		Reader:        &fakeReader{cols: []string{"id"}, types: []string{"int"}, rows: [][]any{{1}, {2}}},
	}
	results <- executor.LabeledResult{
		ShardLocation: models.ShardLocation{Server: "s2", Database: "d"},
		Err:           errors.New("raiserror"),
	}
	close(results)

	r := New(2, policy.CompleteResults, policy.ExecutionOptions{})
	r.Feed(results)

	ok, err := r.Next(context.Background())
	if err == nil {
		t.Fatal("expected the first Next to fail with the aggregate exception")
	}
	if ok {
		t.Error("expected no row to be visible under CompleteResults")
	}
	if r.HasRows() {
		t.Error("expected HasRows to stay false: no row was ever surfaced")
	}
}

func TestReader_CloseIsIdempotent(t *testing.T) {
	results := make(chan executor.LabeledResult)
	close(results)
	r := New(1, policy.PartialResults, policy.ExecutionOptions{})
	r.Feed(results)

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if r.State() != StateClosed {
		t.Errorf("expected StateClosed, got %v", r.State())
	}
}
