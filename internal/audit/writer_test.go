package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/routerstream/internal/broker"
	"github.com/rickgao/routerstream/internal/device"
)

type fakeResults struct {
	err error
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	if r.err != nil {
		return pgconn.CommandTag{}, r.err
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}
func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("not supported") }
func (r *fakeResults) QueryRow() pgx.Row        { return nil }
func (r *fakeResults) Close() error             { return nil }

type fakeDB struct {
	mu      sync.Mutex
	batches []int
	args    [][]any
	err     error
}

func (db *fakeDB) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.batches = append(db.batches, b.Len())
	for _, q := range b.QueuedQueries {
		db.args = append(db.args, q.Arguments)
	}
	return &fakeResults{err: db.err}
}

func (db *fakeDB) rows() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, b := range db.batches {
		n += b
	}
	return n
}

func record(id string) broker.CommandRecord {
	return broker.CommandRecord{
		ExecID:    id,
		SessionID: "sess-1",
		Device:    "10.0.0.1:8729",
		Command:   "/system/resource/print",
		Params:    device.Params{"detail": "yes"},
		Outcome:   "ok",
		Rows:      1,
		IssuedAt:  time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC),
		Duration:  1500 * time.Microsecond,
	}
}

func TestWriter_FlushOnBatchSize(t *testing.T) {
	db := &fakeDB{}
	w := NewWriter(Config{BatchSize: 3, FlushInterval: time.Hour}, db, nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	for _, id := range []string{"a", "b", "c"} {
		w.Record(record(id))
	}

	deadline := time.Now().Add(2 * time.Second)
	for db.rows() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := db.rows(); got != 3 {
		t.Fatalf("rows written = %d, want 3", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}

	stats := w.Stats()
	if stats.Inserts != 3 || stats.Flushes != 1 {
		t.Errorf("Stats() = %+v, want 3 inserts in 1 flush", stats)
	}
}

func TestWriter_FlushOnInterval(t *testing.T) {
	db := &fakeDB{}
	w := NewWriter(Config{BatchSize: 100, FlushInterval: 20 * time.Millisecond}, db, nil)
	w.Start(context.Background())
	defer w.Stop(context.Background())

	w.Record(record("a"))

	deadline := time.Now().Add(2 * time.Second)
	for db.rows() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := db.rows(); got != 1 {
		t.Errorf("rows written = %d, want 1", got)
	}
}

func TestWriter_StopDrains(t *testing.T) {
	db := &fakeDB{}
	w := NewWriter(Config{BatchSize: 100, FlushInterval: time.Hour}, db, nil)
	w.Start(context.Background())

	for i := 0; i < 10; i++ {
		w.Record(record(string(rune('a' + i))))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := db.rows(); got != 10 {
		t.Errorf("rows written = %d, want 10", got)
	}

	// Records after Stop are dropped, not queued.
	w.Record(record("late"))
	if got := w.Stats().Dropped; got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}
}

func TestWriter_BufferLimit(t *testing.T) {
	w := NewWriter(Config{BatchSize: 10, FlushInterval: time.Hour, BufferSize: 2}, &fakeDB{}, nil)

	// Not started: nothing drains the buffer.
	for i := 0; i < 5; i++ {
		w.Record(record("x"))
	}
	if got := w.Stats().Dropped; got != 3 {
		t.Errorf("Dropped = %d, want 3", got)
	}
}

func TestWriter_InsertError(t *testing.T) {
	db := &fakeDB{err: errors.New("relation \"exec_audit\" does not exist")}
	w := NewWriter(Config{BatchSize: 1, FlushInterval: time.Hour}, db, nil)
	w.Start(context.Background())

	w.Record(record("a"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	w.Stop(ctx)

	stats := w.Stats()
	if stats.Errors != 1 {
		t.Errorf("Errors = %d, want 1", stats.Errors)
	}
	if stats.Inserts != 0 {
		t.Errorf("Inserts = %d, want 0", stats.Inserts)
	}
}

func TestWriter_RowArguments(t *testing.T) {
	db := &fakeDB{}
	w := NewWriter(Config{BatchSize: 1, FlushInterval: time.Hour}, db, nil)
	w.Start(context.Background())

	rec := record("a")
	rec.Outcome = "error"
	rec.ErrorKind = broker.KindCommand
	rec.Error = "no such command"
	w.Record(rec)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	w.Stop(ctx)

	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.args) != 1 {
		t.Fatalf("queued queries = %d, want 1", len(db.args))
	}
	args := db.args[0]
	if args[4] != `{"detail":"yes"}` {
		t.Errorf("params = %v, want normalized params", args[4])
	}
	if args[6] != "command" {
		t.Errorf("error_kind = %v, want command", args[6])
	}
	if args[10] != int64(1500) {
		t.Errorf("duration_us = %v, want 1500", args[10])
	}
}
