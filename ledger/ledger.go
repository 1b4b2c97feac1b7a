// Package ledger decouples "what the user changed" from "what has been
// durably committed". Edits are applied optimistically to an in-memory view
// and held per record until an explicit batch commit writes them remotely.
package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/gridware/go-sheet-sync/internal/apperrors"
)

// Record is a generic mutable entity: an opaque id, the 1-based sheet row it
// lives on (0 when not yet placed remotely), and named primitive fields.
type Record struct {
	ID     string
	Row    int
	Fields map[string]string
}

func (r Record) clone() Record {
	fields := make(map[string]string, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	r.Fields = fields
	return r
}

// RowWriter performs one full-row remote write. The row is written atomically
// from the caller's perspective (one call covers the whole row range). It
// returns the 1-based sheet row the record occupies after the write, so a
// record placed by an append is updated in place on later commits instead of
// appended again. A return of 0 means the placement is unknown.
type RowWriter interface {
	WriteRow(ctx context.Context, record Record) (int, error)
}

// CommitResult reports the graduated outcome of a batch commit. All-or-nothing
// is not achievable against the remote store, so partial success is the
// contract: failed entries stay in the ledger for retry.
type CommitResult struct {
	Committed int
	Failed    int
	FailedIDs []string
}

// Ledger holds pending edits keyed by record id. One Ledger exists per
// application lifetime; all mutation goes through its methods.
type Ledger struct {
	writer RowWriter
	log    zerolog.Logger

	lock     sync.Mutex
	pending  map[string]Record // dirty records, union of snapshot + edits
	view     map[string]Record // optimistic committed view, what the UI reads
	base     map[string]Record // snapshot at first local edit, discard target
	inFlight map[string]bool   // records with an outstanding commit
}

// Option defines a function type to modify the Ledger instance.
type Option func(*Ledger)

// WithLogger sets the component logger.
func WithLogger(log zerolog.Logger) Option {
	return func(l *Ledger) {
		l.log = log
	}
}

// New creates an empty Ledger writing through the given RowWriter.
func New(writer RowWriter, options ...Option) (*Ledger, error) {
	if writer == nil {
		return nil, errors.New("[ledger.New] RowWriter is required")
	}
	l := &Ledger{
		writer:   writer,
		log:      zerolog.Nop(),
		pending:  map[string]Record{},
		view:     map[string]Record{},
		base:     map[string]Record{},
		inFlight: map[string]bool{},
	}
	for _, opt := range options {
		opt(l)
	}
	return l, nil
}

// LoadSnapshot replaces the committed view with freshly-read remote state.
// Pending edits are reapplied on top so unsaved work survives a re-read.
func (l *Ledger) LoadSnapshot(records []Record) {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.view = make(map[string]Record, len(records))
	for _, rec := range records {
		l.view[rec.ID] = rec.clone()
	}
	for id, entry := range l.pending {
		if committed, ok := l.view[id]; ok {
			l.base[id] = committed.clone()
		} else {
			delete(l.base, id)
		}
		l.view[id] = entry.clone()
	}
}

// Get returns the optimistic view of a record.
func (l *Ledger) Get(id string) (Record, bool) {
	l.lock.Lock()
	defer l.lock.Unlock()

	rec, ok := l.view[id]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// RecordLocalEdit merges a local edit into the pending entry for id, creating
// one only when at least one field differs from the current view, and updates
// the view immediately so the UI reflects the change. Per-field last-write-wins
// across repeated edits to the same record. Edits to a record whose commit is
// outstanding are rejected.
func (l *Ledger) RecordLocalEdit(id string, fields map[string]string) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.inFlight[id] {
		return errors.Wrapf(apperrors.ErrCommitInFlight, "[Ledger.RecordLocalEdit] record %q", id)
	}

	current, known := l.view[id]
	if !known {
		current = Record{ID: id, Fields: map[string]string{}}
	}

	entry, dirty := l.pending[id]
	if !dirty {
		if !differs(current, fields) {
			return nil
		}
		// First edit: snapshot for discard, seed entry from committed state
		if known {
			l.base[id] = current.clone()
		}
		entry = current.clone()
	}

	for name, value := range fields {
		entry.Fields[name] = value
	}
	l.pending[id] = entry
	l.view[id] = entry.clone()
	return nil
}

// CommitAll writes every pending entry remotely, one write per entry,
// dispatched in parallel. A failure in one entry does not abort the others.
// Successes leave the ledger; failures are retained for retry and counted.
func (l *Ledger) CommitAll(ctx context.Context) CommitResult {
	l.lock.Lock()
	batch := make([]Record, 0, len(l.pending))
	for id, entry := range l.pending {
		if l.inFlight[id] {
			continue
		}
		l.inFlight[id] = true
		batch = append(batch, entry.clone())
	}
	l.lock.Unlock()

	if len(batch) == 0 {
		return CommitResult{}
	}

	type outcome struct {
		id  string
		row int
		err error
	}
	outcomes := make(chan outcome, len(batch))

	var wg sync.WaitGroup
	for _, rec := range batch {
		wg.Add(1)
		go func(rec Record) {
			defer wg.Done()
			row, err := l.writer.WriteRow(ctx, rec)
			outcomes <- outcome{id: rec.ID, row: row, err: err}
		}(rec)
	}
	wg.Wait()
	close(outcomes)

	var result CommitResult
	l.lock.Lock()
	for o := range outcomes {
		delete(l.inFlight, o.id)
		if o.err != nil {
			result.Failed++
			result.FailedIDs = append(result.FailedIDs, o.id)
			l.log.Error().Err(o.err).Str("record_id", o.id).Msg("commit failed, edit retained")
			continue
		}
		result.Committed++
		// The entry is now the committed state; an appended record learns
		// its placed row here so the next commit updates instead of appending
		committed := l.view[o.id].clone()
		if o.row > 0 {
			committed.Row = o.row
		}
		l.view[o.id] = committed
		l.base[o.id] = committed.clone()
		delete(l.pending, o.id)
	}
	l.lock.Unlock()

	sort.Strings(result.FailedIDs)
	if result.Failed > 0 {
		l.log.Warn().Int("failed", result.Failed).Int("committed", result.Committed).Msg("batch commit partially succeeded")
	}
	return result
}

// Discard drops the pending edit for id and reverts the optimistic view to
// the last committed snapshot.
func (l *Ledger) Discard(id string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.discardLocked(id)
}

// DiscardAll drops every pending edit without writing.
func (l *Ledger) DiscardAll() {
	l.lock.Lock()
	defer l.lock.Unlock()

	for id := range l.pending {
		l.discardLocked(id)
	}
}

func (l *Ledger) discardLocked(id string) {
	if _, dirty := l.pending[id]; !dirty {
		return
	}
	if snapshot, ok := l.base[id]; ok {
		l.view[id] = snapshot.clone()
	} else {
		// Record never existed remotely, drop it from the view entirely
		delete(l.view, id)
	}
	delete(l.pending, id)
	delete(l.base, id)
}

// HasUnsavedWork reports whether any pending edit exists. Callers use it to
// intercept navigation/teardown and offer commit, discard or cancel.
func (l *Ledger) HasUnsavedWork() bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.pending) > 0
}

// Pending returns the dirty records, sorted by id.
func (l *Ledger) Pending() []Record {
	l.lock.Lock()
	defer l.lock.Unlock()

	out := make([]Record, 0, len(l.pending))
	for _, entry := range l.pending {
		out = append(out, entry.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func differs(current Record, fields map[string]string) bool {
	for name, value := range fields {
		if current.Fields[name] != value {
			return true
		}
	}
	return false
}
