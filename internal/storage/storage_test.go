package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "pacer/pkg/logx"
	"pacer/pkg/scheduler"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = (%v, %v), want (nil, nil)", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "mongo", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
}

func TestFromResult(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := FromResult("b1", scheduler.Result{
		ID:       "t1",
		Category: scheduler.CategoryHigh,
		Outcome:  scheduler.OutcomeFailure,
		Err:      errors.New("boom"),
		Attempts: 3,
		Elapsed:  1500 * time.Millisecond,
		Value:    map[string]int{"n": 1},
	}, at)

	if rec.BatchID != "b1" || rec.TaskID != "t1" || rec.Outcome != "failure" || rec.Error != "boom" {
		t.Fatalf("record = %+v", rec)
	}
	if rec.ElapsedMS != 1500 || rec.Attempts != 3 || string(rec.Value) != `{"n":1}` {
		t.Fatalf("record = %+v", rec)
	}

	// Values that cannot be encoded are dropped, not fatal.
	rec = FromResult("b1", scheduler.Result{ID: "t2", Value: func() {}}, at)
	if rec.Value != nil {
		t.Fatalf("value = %s, want nil", rec.Value)
	}
}

func TestDrivers(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "nested", "journal.db")
			st, err := Open(Config{Driver: driver, Path: path, BusyTimeout: time.Second}, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer st.Close()

			ctx := context.Background()
			now := time.Now().UTC()
			recs := []Record{
				{At: now, BatchID: "a", TaskID: "1", Outcome: "success", Attempts: 1, Value: []byte(`"ok"`)},
				{At: now, BatchID: "b", TaskID: "x", Outcome: "cancelled"},
				{At: now, BatchID: "a", TaskID: "2", Category: "low", Outcome: "failure", Attempts: 3, Error: "boom"},
			}
			for _, r := range recs {
				if err := st.AppendResult(ctx, r); err != nil {
					t.Fatalf("AppendResult: %v", err)
				}
			}

			got, err := st.Results(ctx, "a")
			if err != nil {
				t.Fatalf("Results: %v", err)
			}
			if len(got) != 2 || got[0].TaskID != "1" || got[1].TaskID != "2" {
				t.Fatalf("results = %+v", got)
			}
			if got[1].Error != "boom" || got[1].Category != "low" || got[1].Attempts != 3 {
				t.Fatalf("second record = %+v", got[1])
			}
			if string(got[0].Value) != `"ok"` {
				t.Fatalf("value = %s", got[0].Value)
			}

			none, err := st.Results(ctx, "missing")
			if err != nil || len(none) != 0 {
				t.Fatalf("Results(missing) = (%v, %v)", none, err)
			}
		})
	}
}

func TestFileStoreClosed(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "j")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := st.AppendResult(context.Background(), Record{BatchID: "a"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("AppendResult after close = %v, want ErrClosed", err)
	}
}
