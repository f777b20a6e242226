// Package mergedreader implements the single-consumer merged row reader
// that flattens every shard's RowReader into one logical result set,
// reconciling each shard's schema against the first one seen and
// appending the $ShardName pseudo-column when requested.
package mergedreader

import (
	"context"
	"fmt"
	"sync"

	"github.com/sharding-system/pkg/executor"
	"github.com/sharding-system/pkg/models"
	"github.com/sharding-system/pkg/mserrors"
	"github.com/sharding-system/pkg/policy"
)

// State is the reader's lifecycle state. A reader moves back and forth
// between AwaitingReaders, Reading and ReaderExhausted as shard readers
// are consumed, and ends in NoMoreReaders or Closed.
type State int

const (
	StateEmpty State = iota
	StateAwaitingReaders
	StateReading
	StateReaderExhausted
	StateNoMoreReaders
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "Empty"
	case StateAwaitingReaders:
		return "AwaitingReaders"
	case StateReading:
		return "Reading"
	case StateReaderExhausted:
		return "ReaderExhausted"
	case StateNoMoreReaders:
		return "NoMoreReaders"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// shardNameColumn is the synthetic trailing column's name.
const shardNameColumn = "$ShardName"

// labeledReader pairs one shard's RowReader with the location used to
// populate $ShardName.
type labeledReader struct {
	reader   executor.RowReader
	location models.ShardLocation
}

// Reader merges a dynamically-growing set of per-shard RowReaders into
// one sequential cursor. It is single-consumer: Next/Value/Close are not
// safe to call concurrently, matching the teacher's non-thread-safe
// sql.Rows-like cursor contract.
type Reader struct {
	mu    sync.Mutex
	state State

	incoming chan labeledReader // bounded MPSC: executor goroutines send, consumer drains
	done     chan struct{}

	executionPolicy  policy.ExecutionPolicy
	referenceColumns []string
	referenceTypes   []string
	includeShardName bool
	maxRowsPerShard  int

	current     labeledReader
	currentRows int
	haveCurrent bool
	sawAnyRow   bool
	closeErr    error

	// CompleteResults gating: every reader is drained into pending before
	// the first row is ever handed to the caller, so a fault discovered
	// on any shard keeps rows from shards that already succeeded from
	// becoming visible.
	gateDone bool
	pending  []labeledReader
	fatalErr error

	// excMu guards exceptions independently of mu. Feed appends a fault
	// while Next may be blocked inside mu holding a select on incoming
	// or ctx.Done(); sharing one lock between the two would deadlock.
	excMu      sync.Mutex
	exceptions []*policy.ShardException
}

// New builds a Reader. incomingCapacity bounds the channel executor
// goroutines publish readers on; a small bound (e.g. the shard count)
// is enough since the executor blocks on send until the consumer drains.
func New(incomingCapacity int, execPolicy policy.ExecutionPolicy, opts policy.ExecutionOptions) *Reader {
	if incomingCapacity < 1 {
		incomingCapacity = 1
	}
	return &Reader{
		state:            StateEmpty,
		incoming:         make(chan labeledReader, incomingCapacity),
		done:             make(chan struct{}),
		executionPolicy:  execPolicy,
		includeShardName: opts.IncludeShardNameColumn,
		maxRowsPerShard:  opts.MaxRowsPerShard,
	}
}

// addException appends a fault under excMu, independent of mu.
func (r *Reader) addException(exc *policy.ShardException) {
	r.excMu.Lock()
	r.exceptions = append(r.exceptions, exc)
	r.excMu.Unlock()
}

// exceptionsSnapshot returns a copy of the recorded exceptions.
func (r *Reader) exceptionsSnapshot() []*policy.ShardException {
	r.excMu.Lock()
	defer r.excMu.Unlock()
	return append([]*policy.ShardException(nil), r.exceptions...)
}

// Feed consumes the executor's LabeledResult channel in the background,
// pushing successful readers into the merged reader's incoming queue and
// recording faults as ShardExceptions. Feed returns once results is
// closed, and itself closes the reader's incoming queue so Next can
// observe NoMoreReaders.
func (r *Reader) Feed(results <-chan executor.LabeledResult) {
	r.mu.Lock()
	if r.state == StateEmpty {
		r.state = StateAwaitingReaders
	}
	r.mu.Unlock()

	for res := range results {
		if res.Err != nil {
			r.addException(policy.NewShardException(res.ShardLocation.String(), res.Err))
			continue
		}
		select {
		case r.incoming <- labeledReader{reader: res.Reader, location: res.ShardLocation}:
		case <-r.done:
			res.Reader.Close()
		}
	}
	close(r.incoming)
}

// gateForCompleteResults fully drains incoming into pending before any
// row is read, so a fault recorded for any shard can fail the whole
// operation before a single row from a succeeding shard is surfaced.
// Only meaningful under CompleteResults; called once, lazily, from Next.
func (r *Reader) gateForCompleteResults(ctx context.Context) error {
	for {
		select {
		case next, ok := <-r.incoming:
			if !ok {
				r.gateDone = true
				if excs := r.exceptionsSnapshot(); len(excs) > 0 {
					for _, lr := range r.pending {
						lr.reader.Close()
					}
					r.pending = nil
					return policy.NewMultiShardAggregateException(excs)
				}
				return nil
			}
			r.pending = append(r.pending, next)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// nextReaderLocked returns the next labeled reader to consume, drawing
// from the buffered pending slice once CompleteResults has gated, or
// blocking on incoming otherwise.
func (r *Reader) nextReaderLocked(ctx context.Context) (labeledReader, bool, error) {
	if r.executionPolicy == policy.CompleteResults && r.gateDone {
		if len(r.pending) == 0 {
			return labeledReader{}, false, nil
		}
		next := r.pending[0]
		r.pending = r.pending[1:]
		return next, true, nil
	}

	r.state = StateAwaitingReaders
	select {
	case next, ok := <-r.incoming:
		if !ok {
			return labeledReader{}, false, nil
		}
		return next, true, nil
	case <-ctx.Done():
		return labeledReader{}, false, ctx.Err()
	}
}

// Next advances to the next row, opening the next shard reader in the
// queue when the current one is exhausted. It returns false once every
// shard reader has been drained (NoMoreReaders).
func (r *Reader) Next(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateClosed {
		return false, fmt.Errorf("mergedreader: Next called after Close")
	}
	if r.fatalErr != nil {
		return false, r.fatalErr
	}

	if r.executionPolicy == policy.CompleteResults && !r.gateDone {
		if err := r.gateForCompleteResults(ctx); err != nil {
			r.fatalErr = err
			return false, err
		}
	}

	for {
		if r.haveCurrent {
			if r.maxRowsPerShard > 0 && r.currentRows >= r.maxRowsPerShard {
				r.current.reader.Close()
				r.haveCurrent = false
				r.state = StateReaderExhausted
				continue
			}
			r.state = StateReading
			ok, err := r.current.reader.Read(ctx)
			if err != nil {
				return false, err
			}
			if ok {
				r.currentRows++
				if mismatch := r.reconcileSchema(); mismatch != nil {
					exc := policy.NewShardException(r.current.location.String(), mismatch)
					r.addException(exc)
					r.current.reader.Close()
					r.haveCurrent = false
					r.state = StateReaderExhausted

					if r.executionPolicy == policy.CompleteResults {
						for _, lr := range r.pending {
							lr.reader.Close()
						}
						r.pending = nil
						aggErr := policy.NewMultiShardAggregateException(r.exceptionsSnapshot())
						r.fatalErr = aggErr
						return false, aggErr
					}
					// PartialResults: record and continue with the next reader.
					continue
				}
				r.sawAnyRow = true
				return true, nil
			}
			r.current.reader.Close()
			r.haveCurrent = false
			r.state = StateReaderExhausted
			continue
		}

		next, ok, err := r.nextReaderLocked(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			r.state = StateNoMoreReaders
			return false, nil
		}
		r.current = next
		r.currentRows = 0
		r.haveCurrent = true
	}
}

// reconcileSchema checks the current shard's schema against the first
// schema observed; a mismatch is returned to the caller, which records
// it as a SchemaMismatchException rather than silently merging
// incompatible result sets.
func (r *Reader) reconcileSchema() error {
	cols := r.current.reader.ColumnNames()
	types := r.current.reader.ColumnTypes()
	if r.referenceColumns == nil {
		r.referenceColumns = cols
		r.referenceTypes = types
		return nil
	}
	if len(cols) != len(r.referenceColumns) {
		return mserrors.New(mserrors.KindSchemaMismatch, mserrors.CategorySchemaInfo,
			fmt.Sprintf("shard %s returned %d columns, expected %d", r.current.location, len(cols), len(r.referenceColumns)))
	}
	for i := range cols {
		if cols[i] != r.referenceColumns[i] || (i < len(types) && types[i] != r.referenceTypes[i]) {
			return mserrors.New(mserrors.KindSchemaMismatch, mserrors.CategorySchemaInfo,
				fmt.Sprintf("shard %s column %d (%s) does not match reference schema", r.current.location, i, cols[i]))
		}
	}
	return nil
}

// ColumnNames returns the reference schema's column names, with
// $ShardName appended when requested.
func (r *Reader) ColumnNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	cols := append([]string(nil), r.referenceColumns...)
	if r.includeShardName {
		cols = append(cols, shardNameColumn)
	}
	return cols
}

// FieldCount returns the number of columns in the reference schema,
// including the synthetic $ShardName column when enabled.
func (r *Reader) FieldCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.referenceColumns)
	if r.includeShardName {
		n++
	}
	return n
}

// VisibleFieldCount mirrors FieldCount; this reader never hides columns
// from a reference schema it has already reconciled.
func (r *Reader) VisibleFieldCount() int {
	return r.FieldCount()
}

// GetName returns the column name at ordinal, counting the synthetic
// $ShardName column, if enabled, as the last ordinal.
func (r *Reader) GetName(ordinal int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.includeShardName && ordinal == len(r.referenceColumns) {
		return shardNameColumn, nil
	}
	if ordinal < 0 || ordinal >= len(r.referenceColumns) {
		return "", mserrors.New(mserrors.KindInvalidKey, mserrors.CategoryValidation,
			fmt.Sprintf("ordinal %d out of range", ordinal))
	}
	return r.referenceColumns[ordinal], nil
}

// GetOrdinal returns the ordinal of the column named name, matching the
// synthetic $ShardName column when enabled.
func (r *Reader) GetOrdinal(name string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.referenceColumns {
		if c == name {
			return i, nil
		}
	}
	if r.includeShardName && name == shardNameColumn {
		return len(r.referenceColumns), nil
	}
	return -1, mserrors.New(mserrors.KindInvalidKey, mserrors.CategoryValidation,
		fmt.Sprintf("no column named %q", name))
}

// NextResult always fails NotSupported: the merged reader presents one
// flattened result set, never a batch of them.
func (r *Reader) NextResult(ctx context.Context) (bool, error) {
	return false, mserrors.New(mserrors.KindNotSupported, mserrors.CategoryGeneral,
		"MultiShardDataReader does not support multiple result sets")
}

// HasRows reports whether at least one row has been read so far.
func (r *Reader) HasRows() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sawAnyRow
}

// IsClosed reports whether Close has been called.
func (r *Reader) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateClosed
}

// Value returns the current row's value at ordinal, where ordinal
// len(referenceColumns) (when $ShardName is enabled) resolves to the
// current shard's "<server>;<database>" label instead of delegating to
// the underlying reader.
func (r *Reader) Value(ordinal int) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.haveCurrent {
		return nil, fmt.Errorf("mergedreader: Value called with no current row")
	}
	if r.includeShardName && ordinal == len(r.referenceColumns) {
		return r.current.location.String(), nil
	}
	return r.current.reader.Value(ordinal)
}

// Exceptions returns every ShardException recorded while feeding this
// reader, accumulated regardless of ExecutionPolicy so a PartialResults
// caller can still inspect what failed alongside the rows it got.
func (r *Reader) Exceptions() []*policy.ShardException {
	return r.exceptionsSnapshot()
}

// State reports the reader's current lifecycle state.
func (r *Reader) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Close releases the current shard reader, signals Feed to stop handing
// off new readers, and drains and closes any still-queued readers.
func (r *Reader) Close() error {
	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		return r.closeErr
	}
	if r.haveCurrent {
		r.closeErr = r.current.reader.Close()
		r.haveCurrent = false
	}
	for _, lr := range r.pending {
		lr.reader.Close()
	}
	r.pending = nil
	r.state = StateClosed
	r.mu.Unlock()

	close(r.done)
	for lr := range r.incoming {
		lr.reader.Close()
	}
	return r.closeErr
}
