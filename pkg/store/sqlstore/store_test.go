package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stratalog/strata/pkg/store"
)

func openSQLite(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Driver == "" {
		opts.Driver = "sqlite3"
	}
	if opts.DSN == "" {
		opts.DSN = "file:" + filepath.Join(t.TempDir(), "chunks.db")
	}
	s, err := Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_Validation(t *testing.T) {
	ctx := context.Background()

	if _, err := Open(ctx, Options{Driver: "sqlite3"}); err == nil {
		t.Fatalf("expected error without DSN")
	}
	if _, err := Open(ctx, Options{DSN: "file:x.db"}); err == nil {
		t.Fatalf("expected error without driver")
	}
	_, err := Open(ctx, Options{Driver: "oracle", DSN: "x"})
	var ioerr *store.InvalidOptionsError
	if !errors.As(err, &ioerr) {
		t.Fatalf("err = %v, want InvalidOptionsError", err)
	}
}

func TestAppendRead_RoundTrip(t *testing.T) {
	s := openSQLite(t, Options{})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		c, err := s.Append(ctx, "acct-1", store.AutoIndex, []byte(fmt.Sprintf("e%d", i)), fmt.Sprintf("op-%d", i))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if c.Position != int64(i) || c.Index != int64(i) {
			t.Fatalf("chunk %d: %+v", i, c)
		}
	}

	rec := &store.Recorder{}
	if err := s.ReadForward(ctx, "acct-1", 1, rec, store.MaxIndex, store.NoLimit); err != nil {
		t.Fatalf("ReadForward: %v", err)
	}
	chunks := rec.Chunks()
	if len(chunks) != 3 {
		t.Fatalf("delivered %d, want 3", len(chunks))
	}
	if string(chunks[0].Payload.([]byte)) != "e1" {
		t.Fatalf("payload 0 = %v", chunks[0].Payload)
	}
	if kind, last := rec.Terminal(); kind != store.TerminalCompleted || last != 3 {
		t.Fatalf("terminal = %v(%d), want Completed(3)", kind, last)
	}
}

func TestAppend_IndexCollisionWritesFiller(t *testing.T) {
	s := openSQLite(t, Options{})
	ctx := context.Background()

	if _, err := s.Append(ctx, "s", 5, []byte("x"), "op1"); err != nil {
		t.Fatalf("append: %v", err)
	}

	_, err := s.Append(ctx, "s", 5, []byte("y"), "op2")
	var dup *store.DuplicateStreamIndexError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateStreamIndexError, got %v", err)
	}

	last, err := s.ReadLastPosition(ctx)
	if err != nil {
		t.Fatalf("ReadLastPosition: %v", err)
	}
	if last != 2 {
		t.Fatalf("last position = %d, want 2", last)
	}

	rec := &store.Recorder{}
	if err := s.ReadAll(ctx, 1, rec, store.NoLimit); err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	chunks := rec.Chunks()
	if len(chunks) != 2 || !chunks[1].IsFiller() {
		t.Fatalf("expected live chunk + filler, got %+v", chunks)
	}
}

func TestAppend_OperationIdempotency(t *testing.T) {
	s := openSQLite(t, Options{})
	ctx := context.Background()

	first, err := s.Append(ctx, "s", store.AutoIndex, []byte("x"), "op1")
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	second, err := s.Append(ctx, "s", store.AutoIndex, []byte("y"), "op1")
	if err != nil {
		t.Fatalf("idempotent append errored: %v", err)
	}
	if second != nil {
		t.Fatalf("idempotent append returned %+v", second)
	}

	byOp, err := s.ReadByOperationID(ctx, "s", "op1")
	if err != nil {
		t.Fatalf("ReadByOperationID: %v", err)
	}
	if byOp == nil || byOp.Position != first.Position {
		t.Fatalf("ReadByOperationID = %+v", byOp)
	}
}

func TestAppendBatch_PerJobOutcomes(t *testing.T) {
	s := openSQLite(t, Options{})
	ctx := context.Background()

	if _, err := s.Append(ctx, "s", 1, []byte("pre"), "pre-op"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	jobs := []*store.WriteJob{
		store.NewWriteJob("s", 1, []byte("a"), "o1"),
		store.NewWriteJob("s", 2, []byte("b"), "o2"),
		store.NewWriteJob("s", 3, []byte("c"), "pre-op"),
	}
	if err := s.AppendBatch(ctx, jobs); err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}
	if got := jobs[0].Result(); got != store.JobDuplicatedIndex {
		t.Fatalf("job 0 = %v", got)
	}
	if got := jobs[1].Result(); got != store.JobSucceeded {
		t.Fatalf("job 1 = %v", got)
	}
	if got := jobs[2].Result(); got != store.JobDuplicatedOperation {
		t.Fatalf("job 2 = %v", got)
	}
}

func TestDelete_SoftDeleteKeepsPositions(t *testing.T) {
	s := openSQLite(t, Options{})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if _, err := s.Append(ctx, "p", int64(i), []byte{byte(i)}, ""); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := s.Delete(ctx, "p", 2, 4); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	rec := &store.Recorder{}
	if err := s.ReadForward(ctx, "p", 1, rec, store.MaxIndex, store.NoLimit); err != nil {
		t.Fatalf("ReadForward: %v", err)
	}
	chunks := rec.Chunks()
	if len(chunks) != 2 || chunks[0].Index != 1 || chunks[1].Index != 5 {
		t.Fatalf("surviving chunks: %+v", chunks)
	}

	last, err := s.ReadLastPosition(ctx)
	if err != nil {
		t.Fatalf("ReadLastPosition: %v", err)
	}
	if last != 5 {
		t.Fatalf("last position = %d, want 5", last)
	}

	err = s.Delete(ctx, "p", 2, 4)
	var sderr *store.StreamDeleteError
	if !errors.As(err, &sderr) {
		t.Fatalf("second delete: %v, want StreamDeleteError", err)
	}
}

func TestReadBackward_Descending(t *testing.T) {
	s := openSQLite(t, Options{})
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		if _, err := s.Append(ctx, "p", int64(i), []byte{byte(i)}, ""); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	rec := &store.Recorder{}
	if err := s.ReadBackward(ctx, "p", store.MaxIndex, rec, 1, 2); err != nil {
		t.Fatalf("ReadBackward: %v", err)
	}
	chunks := rec.Chunks()
	if len(chunks) != 2 || chunks[0].Index != 4 || chunks[1].Index != 3 {
		t.Fatalf("chunks: %+v", chunks)
	}
}

func TestReadSingleBackward(t *testing.T) {
	s := openSQLite(t, Options{})
	ctx := context.Background()

	for _, idx := range []int64{1, 3, 5} {
		if _, err := s.Append(ctx, "p", idx, []byte("x"), ""); err != nil {
			t.Fatalf("append %d: %v", idx, err)
		}
	}

	c, err := s.ReadSingleBackward(ctx, "p", 4)
	if err != nil {
		t.Fatalf("ReadSingleBackward: %v", err)
	}
	if c == nil || c.Index != 3 {
		t.Fatalf("got %+v, want index 3", c)
	}
}

func TestSharedSequence_SurvivesReopen(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "chunks.db")
	ctx := context.Background()

	s1, err := Open(ctx, Options{Driver: "sqlite3", DSN: dsn, SharedSequence: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s1.Append(ctx, "p", store.AutoIndex, []byte("a"), ""); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(ctx, Options{Driver: "sqlite3", DSN: dsn, SharedSequence: true})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = s2.Close() })

	c, err := s2.Append(ctx, "p", store.AutoIndex, []byte("b"), "")
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if c.Position != 2 {
		t.Fatalf("position = %d, want 2 (counter persisted)", c.Position)
	}
}

func TestLocalSequence_PrimedFromMaxPosition(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "chunks.db")
	ctx := context.Background()

	s1, err := Open(ctx, Options{Driver: "sqlite3", DSN: dsn})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s1.Append(ctx, "p", store.AutoIndex, []byte("x"), ""); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(ctx, Options{Driver: "sqlite3", DSN: dsn})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = s2.Close() })

	c, err := s2.Append(ctx, "p", store.AutoIndex, []byte("y"), "")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if c.Position != 4 {
		t.Fatalf("position = %d, want 4", c.Position)
	}
}

func TestJSONSerializerTag_RoundTrip(t *testing.T) {
	s := openSQLite(t, Options{})
	ctx := context.Background()

	// A non-bytes payload takes the JSON path and is tagged accordingly.
	if _, err := s.Append(ctx, "p", store.AutoIndex, map[string]any{"n": 1}, ""); err != nil {
		t.Fatalf("append: %v", err)
	}

	rec := &store.Recorder{}
	if err := s.ReadForward(ctx, "p", 1, rec, store.MaxIndex, store.NoLimit); err != nil {
		t.Fatalf("ReadForward: %v", err)
	}
	payload := rec.Chunks()[0].Payload
	m, ok := payload.(map[string]any)
	if !ok || m["n"] != float64(1) {
		t.Fatalf("payload = %#v", payload)
	}
}

func TestSQLiteViolationMapping(t *testing.T) {
	s := openSQLite(t, Options{})
	ctx := context.Background()

	if _, err := s.Append(ctx, "p", 1, []byte("a"), "op-a"); err != nil {
		t.Fatalf("append: %v", err)
	}

	chunk := &store.Chunk{Position: 99, PartitionID: "p", Index: 1, OperationID: "other"}
	err := s.insert(ctx, chunk, []byte("b"), serializerBytes)
	if got := s.dialect.Violation(err); got != violationIndex {
		t.Fatalf("violation = %v, want index (err: %v)", got, err)
	}

	chunk = &store.Chunk{Position: 100, PartitionID: "p", Index: 2, OperationID: "op-a"}
	err = s.insert(ctx, chunk, []byte("b"), serializerBytes)
	if got := s.dialect.Violation(err); got != violationOperation {
		t.Fatalf("violation = %v, want operation (err: %v)", got, err)
	}

	chunk = &store.Chunk{Position: 1, PartitionID: "q", Index: 1, OperationID: "fresh"}
	err = s.insert(ctx, chunk, []byte("b"), serializerBytes)
	if got := s.dialect.Violation(err); got != violationPosition {
		t.Fatalf("violation = %v, want position (err: %v)", got, err)
	}
}
