package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sharding-system/pkg/models"
	"github.com/sharding-system/pkg/policy"
	"go.uber.org/zap/zaptest"
)

// mockConn implements ShardConn for testing; it can be configured to
// fail on Open or ExecuteReader, and to block until released.
type mockConn struct {
	openErr   error
	readerErr error
	block     <-chan struct{}
	closed    bool
}

func (m *mockConn) Open(ctx context.Context) error {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.openErr
}

func (m *mockConn) ExecuteReader(ctx context.Context, command string, args []any) (RowReader, error) {
	if m.readerErr != nil {
		return nil, m.readerErr
	}
	return &mockReader{rows: [][]any{{"a"}, {"b"}}}, nil
}

func (m *mockConn) Cancel()      {}
func (m *mockConn) Close() error { m.closed = true; return nil }

type mockReader struct {
	rows [][]any
	idx  int
}

func (r *mockReader) Read(ctx context.Context) (bool, error) {
	if r.idx >= len(r.rows) {
		return false, nil
	}
	r.idx++
	return true, nil
}
func (r *mockReader) ColumnNames() []string { return []string{"col"} }
func (r *mockReader) ColumnTypes() []string { return []string{"string"} }
func (r *mockReader) Value(ordinal int) (any, error) {
	return r.rows[r.idx-1][ordinal], nil
}
func (r *mockReader) Close() error { return nil }

func newTestExecutor(t *testing.T, conns map[string]*mockConn) *Executor {
	return New(func(ctx context.Context, target ShardTarget) (ShardConn, error) {
		c, ok := conns[target.Location.Server]
		if !ok {
			return nil, errors.New("no mock configured for target")
		}
		return c, nil
	}, zaptest.NewLogger(t))
}

func TestExecute_AllSucceed(t *testing.T) {
	conns := map[string]*mockConn{
		"s1": {}, "s2": {},
	}
	ex := newTestExecutor(t, conns)
	targets := []ShardTarget{
		{Location: models.ShardLocation{Server: "s1", Database: "d"}},
		{Location: models.ShardLocation{Server: "s2", Database: "d"}},
	}

	results, err := ex.Execute(context.Background(), "SELECT 1", nil, targets, Options{ExecutionPolicy: policy.PartialResults})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	count := 0
	for res := range results {
		if res.Err != nil {
			t.Errorf("unexpected shard error: %v", res.Err)
		}
		count++
	}
	if count != 2 {
		t.Errorf("expected 2 results, got %d", count)
	}
}

func TestExecute_OneFaultsPartialResults(t *testing.T) {
	conns := map[string]*mockConn{
		"s1": {},
		"s2": {openErr: errors.New("connection refused")},
	}
	ex := newTestExecutor(t, conns)
	targets := []ShardTarget{
		{Location: models.ShardLocation{Server: "s1", Database: "d"}},
		{Location: models.ShardLocation{Server: "s2", Database: "d"}},
	}

	results, err := ex.Execute(context.Background(), "SELECT 1", nil, targets, Options{ExecutionPolicy: policy.PartialResults})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	var succeeded, faulted int
	for res := range results {
		if res.Err != nil {
			faulted++
		} else {
			succeeded++
		}
	}
	if succeeded != 1 || faulted != 1 {
		t.Errorf("expected 1 success and 1 fault, got %d/%d", succeeded, faulted)
	}
}

func TestExecute_NoTargets(t *testing.T) {
	ex := newTestExecutor(t, nil)
	_, err := ex.Execute(context.Background(), "SELECT 1", nil, nil, Options{})
	if err == nil {
		t.Fatal("expected error for empty target list")
	}
}

func TestBuildConnectionString_SubstitutesAndTruncatesSuffix(t *testing.T) {
	loc := models.ShardLocation{Server: "db1.internal", Database: "accounts"}
	template := "host={server};dbname={database}"

	longSuffix := make([]byte, 200)
	for i := range longSuffix {
		longSuffix[i] = 'x'
	}

	out := BuildConnectionString(template, loc, string(longSuffix))
	if !containsSubstr(out, "host=db1.internal") || !containsSubstr(out, "dbname=accounts") {
		t.Errorf("expected substitution of server/database, got %q", out)
	}
	if len(out)-len("host=db1.internal;dbname=accounts;application_name=") > maxApplicationNameSuffix {
		t.Errorf("expected application name suffix to be truncated to %d bytes", maxApplicationNameSuffix)
	}
}

func containsSubstr(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func TestExecute_CommandTimeoutPerShard(t *testing.T) {
	block := make(chan struct{})
	conns := map[string]*mockConn{
		"s1": {block: block},
	}
	ex := newTestExecutor(t, conns)
	targets := []ShardTarget{{Location: models.ShardLocation{Server: "s1", Database: "d"}}}

	results, err := ex.Execute(context.Background(), "SELECT 1", nil, targets, Options{
		ExecutionPolicy:        policy.PartialResults,
		CommandTimeoutPerShard: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	res := <-results
	if res.Err == nil {
		t.Error("expected timeout error for blocked shard")
	}
}
