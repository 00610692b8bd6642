package task

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"

	"pdftranslate-server/internal/types"
)

type storeFactory struct {
	name string
	open func(t *testing.T) (Store, func(time.Time))
}

func factories() []storeFactory {
	return []storeFactory{
		{
			name: "memory",
			open: func(t *testing.T) (Store, func(time.Time)) {
				s := NewMemoryStore()
				return s, func(now time.Time) { s.now = func() time.Time { return now } }
			},
		},
		{
			name: "sqlite",
			open: func(t *testing.T) (Store, func(time.Time)) {
				s, err := NewGormStore(sqlite.Open(filepath.Join(t.TempDir(), "tasks.db")+"?_busy_timeout=10000"), false)
				require.NoError(t, err)
				t.Cleanup(func() { s.Close() })
				return s, func(now time.Time) { s.now = func() time.Time { return now.UTC() } }
			},
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store, setNow func(time.Time))) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			s, setNow := f.open(t)
			fn(t, s, setNow)
		})
	}
}

func toProcessing(progress float64, msg string) Mutator {
	return func(t *TaskStatus) error {
		t.Status = StatusProcessing
		t.Progress = progress
		t.Message = msg
		return nil
	}
}

func TestCreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ func(time.Time)) {
		ctx := context.Background()
		id := uuid.NewString()

		created, err := s.Create(ctx, id, "/tmp/work")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, created.Status)
		assert.Equal(t, 0.0, created.Progress)
		assert.Equal(t, PendingMessage, created.Message)
		assert.Empty(t, created.ResultFiles)

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, got.TaskID)
		assert.Equal(t, StatusPending, got.Status)
		assert.Equal(t, "/tmp/work", got.WorkDir)

		_, err = s.Create(ctx, id, "")
		assert.True(t, types.HasCode(err, types.ErrDuplicateTask), "got %v", err)
	})
}

func TestGetUnknown(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ func(time.Time)) {
		_, err := s.Get(context.Background(), "missing")
		assert.True(t, types.HasCode(err, types.ErrNotFound), "got %v", err)

		_, err = s.Files(context.Background(), "missing")
		assert.True(t, types.HasCode(err, types.ErrNotFound), "got %v", err)

		_, err = s.Update(context.Background(), "missing", toProcessing(1, "x"))
		assert.True(t, types.HasCode(err, types.ErrNotFound), "got %v", err)
	})
}

func TestLifecycleToCompleted(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ func(time.Time)) {
		ctx := context.Background()
		id := uuid.NewString()
		_, err := s.Create(ctx, id, "")
		require.NoError(t, err)

		_, err = s.Update(ctx, id, toProcessing(0, "initializing"))
		require.NoError(t, err)
		_, err = s.Update(ctx, id, toProcessing(42.5, "Translate Paragraphs (3/10)"))
		require.NoError(t, err)

		files, err := s.Files(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, files, "files are not visible before completion")

		done, err := s.Update(ctx, id, func(t *TaskStatus) error {
			t.Status = StatusCompleted
			t.Progress = 100
			t.Message = "translation completed"
			t.ResultFiles = map[string]string{KindDual: "/out/a.dual.pdf"}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, done.Status)
		assert.False(t, done.FinishedAt.IsZero())

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 100.0, got.Progress)
		assert.Equal(t, map[string]string{KindDual: "/out/a.dual.pdf"}, got.ResultFiles)

		files, err = s.Files(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{KindDual: "/out/a.dual.pdf"}, files)
	})
}

func TestRejectedTransitions(t *testing.T) {
	tests := []struct {
		name  string
		setup []Mutator
		bad   Mutator
	}{
		{
			name:  "progress decrease while processing",
			setup: []Mutator{toProcessing(50, "half")},
			bad:   toProcessing(40, "back"),
		},
		{
			name:  "regression to pending",
			setup: []Mutator{toProcessing(10, "x")},
			bad:   func(t *TaskStatus) error { t.Status = StatusPending; return nil },
		},
		{
			name: "progress above 100",
			bad:  toProcessing(101, "too far"),
		},
		{
			name: "negative progress",
			bad:  toProcessing(-1, "before start"),
		},
		{
			name: "result files while processing",
			bad: func(t *TaskStatus) error {
				t.Status = StatusProcessing
				t.ResultFiles = map[string]string{KindMono: "/x.pdf"}
				return nil
			},
		},
		{
			name: "unknown status",
			bad:  func(t *TaskStatus) error { t.Status = "paused"; return nil },
		},
		{
			name: "changing the id",
			bad:  func(t *TaskStatus) error { t.TaskID = "other"; return nil },
		},
		{
			name: "modifying a failed task",
			setup: []Mutator{func(t *TaskStatus) error {
				t.Status = StatusFailed
				t.Message = "translation failed: boom"
				return nil
			}},
			bad: func(t *TaskStatus) error { t.Message = "retrying"; return nil },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forEachStore(t, func(t *testing.T, s Store, _ func(time.Time)) {
				ctx := context.Background()
				id := uuid.NewString()
				_, err := s.Create(ctx, id, "")
				require.NoError(t, err)
				for _, m := range tt.setup {
					_, err := s.Update(ctx, id, m)
					require.NoError(t, err)
				}
				before, err := s.Get(ctx, id)
				require.NoError(t, err)

				_, err = s.Update(ctx, id, tt.bad)
				assert.True(t, types.HasCode(err, types.ErrInvalidTransition), "got %v", err)

				after, err := s.Get(ctx, id)
				require.NoError(t, err)
				assert.Equal(t, before.Status, after.Status)
				assert.Equal(t, before.Progress, after.Progress)
				assert.Equal(t, before.Message, after.Message)
			})
		})
	}
}

func TestMutatorErrorAbortsUpdate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ func(time.Time)) {
		ctx := context.Background()
		id := uuid.NewString()
		_, err := s.Create(ctx, id, "")
		require.NoError(t, err)

		boom := fmt.Errorf("mutator refused")
		_, err = s.Update(ctx, id, func(t *TaskStatus) error {
			t.Status = StatusProcessing
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
	})
}

func TestSnapshotsAreIndependent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ func(time.Time)) {
		ctx := context.Background()
		id := uuid.NewString()
		_, err := s.Create(ctx, id, "")
		require.NoError(t, err)
		_, err = s.Update(ctx, id, func(t *TaskStatus) error {
			t.Status = StatusCompleted
			t.Progress = 100
			t.ResultFiles = map[string]string{KindMono: "/m.pdf"}
			return nil
		})
		require.NoError(t, err)

		snap, err := s.Get(ctx, id)
		require.NoError(t, err)
		snap.ResultFiles[KindDual] = "/injected.pdf"
		snap.Message = "changed"

		files, err := s.Files(ctx, id)
		require.NoError(t, err)
		files[KindDual] = "/injected.pdf"

		again, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.NotContains(t, again.ResultFiles, KindDual)
		assert.NotEqual(t, "changed", again.Message)

		files, err = s.Files(ctx, id)
		require.NoError(t, err)
		assert.NotContains(t, files, KindDual)
	})
}

func TestConcurrentReadersSeeMonotonicProgress(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ func(time.Time)) {
		ctx := context.Background()
		id := uuid.NewString()
		_, err := s.Create(ctx, id, "")
		require.NoError(t, err)

		var wg sync.WaitGroup
		stop := make(chan struct{})
		violations := make(chan string, 4)

		for r := 0; r < 4; r++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				last := -1.0
				for {
					select {
					case <-stop:
						return
					default:
					}
					got, err := s.Get(ctx, id)
					if err != nil {
						violations <- err.Error()
						return
					}
					if got.Progress < last {
						violations <- fmt.Sprintf("progress went from %v to %v", last, got.Progress)
						return
					}
					last = got.Progress
				}
			}()
		}

		for p := 0; p <= 100; p += 5 {
			_, err := s.Update(ctx, id, toProcessing(float64(p), "working"))
			require.NoError(t, err)
		}
		close(stop)
		wg.Wait()
		close(violations)

		for v := range violations {
			t.Error(v)
		}
	})
}

func TestEvict(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, setNow func(time.Time)) {
		ctx := context.Background()
		base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
		setNow(base)

		oldDone := uuid.NewString()
		oldFailed := uuid.NewString()
		running := uuid.NewString()
		recent := uuid.NewString()
		for _, id := range []string{oldDone, oldFailed, running, recent} {
			_, err := s.Create(ctx, id, "/work/"+id)
			require.NoError(t, err)
		}

		_, err := s.Update(ctx, oldDone, func(t *TaskStatus) error {
			t.Status = StatusCompleted
			t.Progress = 100
			t.ResultFiles = map[string]string{KindDual: "/d.pdf"}
			return nil
		})
		require.NoError(t, err)
		_, err = s.Update(ctx, oldFailed, func(t *TaskStatus) error {
			t.Status = StatusFailed
			return nil
		})
		require.NoError(t, err)
		_, err = s.Update(ctx, running, toProcessing(30, "busy"))
		require.NoError(t, err)

		setNow(base.Add(2 * time.Hour))
		_, err = s.Update(ctx, recent, func(t *TaskStatus) error {
			t.Status = StatusFailed
			return nil
		})
		require.NoError(t, err)

		evicted, err := s.Evict(ctx, base.Add(time.Hour))
		require.NoError(t, err)

		ids := make([]string, 0, len(evicted))
		for _, e := range evicted {
			ids = append(ids, e.TaskID)
			assert.Equal(t, "/work/"+e.TaskID, e.WorkDir)
		}
		assert.ElementsMatch(t, []string{oldDone, oldFailed}, ids)

		_, err = s.Get(ctx, oldDone)
		assert.True(t, types.HasCode(err, types.ErrNotFound))
		_, err = s.Files(ctx, oldDone)
		assert.True(t, types.HasCode(err, types.ErrNotFound))

		for _, id := range []string{running, recent} {
			_, err := s.Get(ctx, id)
			assert.NoError(t, err)
		}
	})
}

func TestStatusJSONContract(t *testing.T) {
	ts := newPending("abc", "/secret/dir", time.Now())
	data, err := json.Marshal(ts)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Len(t, raw, 5)
	assert.Equal(t, "abc", raw["task_id"])
	assert.Equal(t, "pending", raw["status"])
	assert.Equal(t, 0.0, raw["progress"])
	assert.Equal(t, PendingMessage, raw["message"])
	assert.Equal(t, map[string]interface{}{}, raw["result_files"])
}

func TestOpen(t *testing.T) {
	s, err := Open("", false)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open("sqlite://"+filepath.Join(t.TempDir(), "open.db"), false)
	require.NoError(t, err)
	assert.IsType(t, &GormStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open("mysql://nope", false)
	assert.True(t, types.HasCode(err, types.ErrConfig))
}
