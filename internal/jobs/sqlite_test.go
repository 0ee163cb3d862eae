package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestRecord(id string) *Record {
	return &Record{
		ID:          id,
		Status:      StatusSubmitted,
		Filename:    id + ".pdf",
		InputPath:   "/tmp/" + id + ".pdf",
		SubmittedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestSQLiteCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record := newTestRecord("job-1")
	if err := store.Create(ctx, record); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "job-1" || got.Status != StatusSubmitted || got.Filename != "job-1.pdf" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if !got.SubmittedAt.Equal(record.SubmittedAt) {
		t.Fatalf("submittedAt = %v, want %v", got.SubmittedAt, record.SubmittedAt)
	}
}

func TestSQLiteCreateConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, newTestRecord("dup")); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := store.Create(ctx, newTestRecord("dup")); !errors.Is(err, ErrConflict) {
		t.Fatalf("second create = %v, want ErrConflict", err)
	}
}

func TestSQLiteConcurrentCreateExactlyOneWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := newTestRecord("race")
	first.Filename = "winner.pdf"
	second := newTestRecord("race")
	second.Filename = "loser.pdf"

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, record := range []*Record{first, second} {
		record := record
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.Create(ctx, record)
		}()
	}
	wg.Wait()
	close(errs)

	var ok, conflict int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrConflict):
			conflict++
		default:
			t.Fatalf("unexpected create error: %v", err)
		}
	}
	if ok != 1 || conflict != 1 {
		t.Fatalf("got %d successes and %d conflicts, want exactly one of each", ok, conflict)
	}

	// 負けた側の内容で上書きされていないこと
	got, err := store.Get(ctx, "race")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Filename != "winner.pdf" && got.Filename != "loser.pdf" {
		t.Fatalf("stored record belongs to neither caller: %+v", got)
	}
}

func TestSQLiteGetNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get = %v, want ErrNotFound", err)
	}
}

func TestSQLiteGetIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record := newTestRecord("idem")
	record.Result = map[string]any{"pages": float64(3)}
	record.AppendLog(time.Now(), "job submitted")
	if err := store.Create(ctx, record); err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := store.Get(ctx, "idem")
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	second, err := store.Get(ctx, "idem")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("repeated get returned different records:\n%+v\n%+v", first, second)
	}
}

func TestSQLiteUpdateAppliesTransition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, newTestRecord("job-2")); err != nil {
		t.Fatalf("create: %v", err)
	}

	started := time.Now().UTC().Truncate(time.Millisecond)
	updated, err := store.Update(ctx, "job-2", func(record *Record) error {
		record.Status = StatusStarted
		record.StartedAt = &started
		record.WorkerPID = 1234
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != StatusStarted {
		t.Fatalf("updated status = %s, want started", updated.Status)
	}

	got, err := store.Get(ctx, "job-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusStarted || got.WorkerPID != 1234 {
		t.Fatalf("update not visible: %+v", got)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Fatalf("startedAt = %v, want %v", got.StartedAt, started)
	}
}

func TestSQLiteUpdateMutatorErrorAborts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, newTestRecord("job-3")); err != nil {
		t.Fatalf("create: %v", err)
	}

	wantErr := errors.New("transition rejected")
	if _, err := store.Update(ctx, "job-3", func(record *Record) error {
		record.Status = StatusFailed
		return wantErr
	}); !errors.Is(err, wantErr) {
		t.Fatalf("update = %v, want mutator error", err)
	}

	got, err := store.Get(ctx, "job-3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusSubmitted {
		t.Fatalf("aborted update leaked: status = %s", got.Status)
	}
}

func TestSQLiteUpdateNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Update(context.Background(), "missing", func(*Record) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update = %v, want ErrNotFound", err)
	}
}

func TestSQLiteNoLostUpdatesAcrossIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const n = 16
	for i := 0; i < n; i++ {
		if err := store.Create(ctx, newTestRecord(fmt.Sprintf("job-%d", i))); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, fmt.Sprintf("job-%d", i), func(record *Record) error {
				record.WorkerPID = i + 1
				return nil
			})
			if err != nil {
				t.Errorf("update %d: %v", i, err)
			}
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		got, err := store.Get(ctx, fmt.Sprintf("job-%d", i))
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if got.WorkerPID != i+1 {
			t.Fatalf("job-%d lost its update: workerPid = %d, want %d", i, got.WorkerPID, i+1)
		}
	}
}

func TestSQLiteListSnapshot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		record := newTestRecord(fmt.Sprintf("job-%d", i))
		record.SubmittedAt = record.SubmittedAt.Add(time.Duration(i) * time.Second)
		if err := store.Create(ctx, record); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	records, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("list returned %d records, want 3", len(records))
	}
}

func TestSQLiteDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, newTestRecord("gone")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Delete(ctx, "gone"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, "gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete = %v, want ErrNotFound", err)
	}
}
