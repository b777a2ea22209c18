package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stratonas/middled/internal/common/errorx"
	"github.com/stratonas/middled/internal/common/filterx"
	"github.com/stratonas/middled/internal/events"
	"github.com/stratonas/middled/internal/registry"
)

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.StateDir == "" {
		opts.StateDir = t.TempDir()
	}
	if opts.Retention == 0 {
		opts.Retention = 1000
	}
	if opts.RingSize == 0 {
		opts.RingSize = 100
	}
	if opts.Workers == 0 {
		opts.Workers = 4
	}
	bus := events.New(zap.NewNop(), 64, nil, nil)
	t.Cleanup(bus.Close)
	m, err := NewManager(zap.NewNop(), bus, nil, opts)
	require.NoError(t, err)
	return m
}

func jobDesc(name string, handler registry.HandlerFunc, mutate func(*registry.Descriptor)) *registry.Descriptor {
	d := &registry.Descriptor{
		Name:    name,
		Kind:    registry.KindJob,
		Handler: handler,
	}
	if mutate != nil {
		mutate(d)
	}
	return d
}

func TestSubmitRunsToSuccess(t *testing.T) {
	m := newTestManager(t, Options{})
	desc := jobDesc("test.ok", func(c *registry.Call) (any, error) {
		c.Logf("working")
		c.Progress(50, "halfway", nil)
		return "done", nil
	}, nil)

	job, err := m.Submit(desc, nil, nil, "root", SubmitOptions{})
	require.NoError(t, err)

	result, err := m.Wait(context.Background(), job.ID())
	require.NoError(t, err)
	assert.Equal(t, "done", result)
	assert.Equal(t, StateSuccess, job.State())

	snap := job.Snapshot()
	assert.Equal(t, "SUCCESS", snap["state"])
	assert.Equal(t, float64(100), snap["progress"].(map[string]any)["percent"])
	assert.Nil(t, snap["error"])
	assert.NotNil(t, snap["time_finished"])
}

func TestSubmitFailureCarriesCallError(t *testing.T) {
	m := newTestManager(t, Options{})
	desc := jobDesc("test.fail", func(c *registry.Call) (any, error) {
		return nil, errorx.Validation("bad input", nil)
	}, nil)

	job, err := m.Submit(desc, nil, nil, "root", SubmitOptions{})
	require.NoError(t, err)

	_, err = m.Wait(context.Background(), job.ID())
	require.Error(t, err)
	assert.True(t, errorx.Is(err, errorx.TypeValidationError))
	assert.Equal(t, StateFailed, job.State())
}

func TestPanicBecomesInternalError(t *testing.T) {
	m := newTestManager(t, Options{})
	desc := jobDesc("test.panic", func(c *registry.Call) (any, error) {
		panic("boom")
	}, nil)

	job, err := m.Submit(desc, nil, nil, "root", SubmitOptions{})
	require.NoError(t, err)

	_, err = m.Wait(context.Background(), job.ID())
	require.Error(t, err)
	assert.True(t, errorx.Is(err, errorx.TypeInternal))
}

func TestLockSerializesJobs(t *testing.T) {
	m := newTestManager(t, Options{})

	var inFlight, maxInFlight atomic.Int64
	release := make(chan struct{})
	desc := jobDesc("test.locked", func(c *registry.Call) (any, error) {
		cur := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return nil, nil
	}, func(d *registry.Descriptor) {
		d.LockKey = func([]any) string { return "tank" }
	})

	first, err := m.Submit(desc, nil, nil, "root", SubmitOptions{})
	require.NoError(t, err)
	second, err := m.Submit(desc, nil, nil, "root", SubmitOptions{})
	require.NoError(t, err)

	// The second job queues behind the lock with the waiting flag set.
	require.Eventually(t, func() bool {
		return first.State() == StateRunning
	}, time.Second, 5*time.Millisecond)
	snap := second.Snapshot()
	assert.Equal(t, "QUEUED", snap["state"])
	assert.Equal(t, true, snap["waiting"])

	close(release)
	_, err = m.Wait(context.Background(), first.ID())
	require.NoError(t, err)
	_, err = m.Wait(context.Background(), second.ID())
	require.NoError(t, err)

	assert.Equal(t, int64(1), maxInFlight.Load())
}

func TestLockQueueFull(t *testing.T) {
	m := newTestManager(t, Options{})

	release := make(chan struct{})
	desc := jobDesc("test.capped", func(c *registry.Call) (any, error) {
		<-release
		return nil, nil
	}, func(d *registry.Descriptor) {
		d.LockKey = func([]any) string { return "tank" }
		d.LockQueueSize = 1
	})

	holder, err := m.Submit(desc, nil, nil, "root", SubmitOptions{})
	require.NoError(t, err)
	_, err = m.Submit(desc, nil, nil, "root", SubmitOptions{})
	require.NoError(t, err)

	// Holder plus one waiter fills the queue; the third is rejected
	// without ever becoming a job.
	_, err = m.Submit(desc, nil, nil, "root", SubmitOptions{})
	require.Error(t, err)
	assert.True(t, errorx.Is(err, errorx.TypeLockQueueFull))

	close(release)
	_, err = m.Wait(context.Background(), holder.ID())
	require.NoError(t, err)
}

func TestAbortRunningJob(t *testing.T) {
	m := newTestManager(t, Options{})

	started := make(chan struct{})
	desc := jobDesc("test.abortable", func(c *registry.Call) (any, error) {
		close(started)
		<-c.Done()
		return nil, c.Err()
	}, func(d *registry.Descriptor) {
		d.Abortable = true
	})

	job, err := m.Submit(desc, nil, nil, "root", SubmitOptions{})
	require.NoError(t, err)
	<-started

	require.NoError(t, m.Abort(job.ID()))
	_, err = m.Wait(context.Background(), job.ID())
	require.Error(t, err)
	assert.True(t, errorx.Is(err, errorx.TypeAborted))
	assert.Equal(t, StateAborted, job.State())

	// A second abort hits a terminal job.
	err = m.Abort(job.ID())
	assert.True(t, errorx.Is(err, errorx.TypeConflict))
}

func TestAbortQueuedWaiter(t *testing.T) {
	m := newTestManager(t, Options{})

	release := make(chan struct{})
	desc := jobDesc("test.queued", func(c *registry.Call) (any, error) {
		<-release
		return nil, nil
	}, func(d *registry.Descriptor) {
		d.Abortable = true
		d.LockKey = func([]any) string { return "tank" }
	})

	holder, err := m.Submit(desc, nil, nil, "root", SubmitOptions{})
	require.NoError(t, err)
	waiter, err := m.Submit(desc, nil, nil, "root", SubmitOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Abort(waiter.ID()))
	_, err = m.Wait(context.Background(), waiter.ID())
	assert.True(t, errorx.Is(err, errorx.TypeAborted))

	// The lock is free for later submissions once the holder finishes.
	close(release)
	_, err = m.Wait(context.Background(), holder.ID())
	require.NoError(t, err)

	third, err := m.Submit(desc, nil, nil, "root", SubmitOptions{})
	require.NoError(t, err)
	_, err = m.Wait(context.Background(), third.ID())
	require.NoError(t, err)
}

func TestAbortNotAbortable(t *testing.T) {
	m := newTestManager(t, Options{})

	release := make(chan struct{})
	desc := jobDesc("test.stubborn", func(c *registry.Call) (any, error) {
		<-release
		return nil, nil
	}, nil)

	job, err := m.Submit(desc, nil, nil, "root", SubmitOptions{})
	require.NoError(t, err)

	err = m.Abort(job.ID())
	assert.True(t, errorx.Is(err, errorx.TypeConflict))

	close(release)
	_, err = m.Wait(context.Background(), job.ID())
	require.NoError(t, err)
}

func TestWaitHonorsContext(t *testing.T) {
	m := newTestManager(t, Options{})

	release := make(chan struct{})
	defer close(release)
	desc := jobDesc("test.slow", func(c *registry.Call) (any, error) {
		<-release
		return nil, nil
	}, nil)

	job, err := m.Submit(desc, nil, nil, "root", SubmitOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Wait(ctx, job.ID())
	assert.True(t, errorx.Is(err, errorx.TypeTimeout))
}

func TestQueryFiltersSnapshots(t *testing.T) {
	m := newTestManager(t, Options{})

	ok := jobDesc("test.ok", func(c *registry.Call) (any, error) { return nil, nil }, nil)
	bad := jobDesc("test.bad", func(c *registry.Call) (any, error) {
		return nil, errors.New("nope")
	}, nil)

	j1, err := m.Submit(ok, nil, nil, "root", SubmitOptions{})
	require.NoError(t, err)
	j2, err := m.Submit(bad, nil, nil, "root", SubmitOptions{})
	require.NoError(t, err)
	_, _ = m.Wait(context.Background(), j1.ID())
	_, _ = m.Wait(context.Background(), j2.ID())

	filter, err := filterx.Parse([]any{
		[]any{"state", "=", "FAILED"},
	})
	require.NoError(t, err)

	rows, err := m.Query(filter, filterx.Options{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, j2.ID(), rows[0]["id"])

	// get on an empty result is NotFound.
	none, err := filterx.Parse([]any{[]any{"method", "=", "test.missing"}})
	require.NoError(t, err)
	_, err = m.Query(none, filterx.Options{Get: true})
	assert.True(t, errorx.Is(err, errorx.TypeNotFound))
}

func TestRetentionEvictsTerminalJobs(t *testing.T) {
	m := newTestManager(t, Options{Retention: 2})

	desc := jobDesc("test.quick", func(c *registry.Call) (any, error) { return nil, nil }, nil)

	var first *Job
	for i := 0; i < 3; i++ {
		job, err := m.Submit(desc, nil, nil, "root", SubmitOptions{})
		require.NoError(t, err)
		if i == 0 {
			first = job
		}
		_, err = m.Wait(context.Background(), job.ID())
		require.NoError(t, err)
	}

	// One more submission pushes the table over the cap and evicts the
	// oldest terminal job along with its log file.
	job, err := m.Submit(desc, nil, nil, "root", SubmitOptions{})
	require.NoError(t, err)
	_, err = m.Wait(context.Background(), job.ID())
	require.NoError(t, err)

	_, err = m.Get(first.ID())
	assert.True(t, errorx.Is(err, errorx.TypeNotFound))
	_, statErr := os.Stat(filepath.Join(m.logDir, "1.log"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestProgressNeverRegresses(t *testing.T) {
	m := newTestManager(t, Options{})

	desc := jobDesc("test.progress", func(c *registry.Call) (any, error) {
		c.Progress(80, "almost", nil)
		c.Progress(30, "stale report", nil)
		return nil, nil
	}, nil)

	job, err := m.Submit(desc, nil, nil, "root", SubmitOptions{})
	require.NoError(t, err)
	_, err = m.Wait(context.Background(), job.ID())
	require.NoError(t, err)

	// Terminal success forces 100 regardless of the last report.
	snap := job.Snapshot()
	assert.Equal(t, float64(100), snap["progress"].(map[string]any)["percent"])
}

func TestSnapshotShowsRedactedArgs(t *testing.T) {
	m := newTestManager(t, Options{})

	desc := jobDesc("test.secret", func(c *registry.Call) (any, error) { return nil, nil }, nil)
	args := []any{"root", "hunter2"}
	redacted := []any{"root", "********"}

	job, err := m.Submit(desc, args, redacted, "root", SubmitOptions{})
	require.NoError(t, err)
	_, err = m.Wait(context.Background(), job.ID())
	require.NoError(t, err)

	snap := job.Snapshot()
	assert.Equal(t, redacted, snap["arguments"].([]any))
}

func TestJobEventsOnStream(t *testing.T) {
	opts := Options{StateDir: t.TempDir(), Retention: 1000, RingSize: 100, Workers: 4}
	bus := events.New(zap.NewNop(), 64, nil, nil)
	defer bus.Close()
	m, err := NewManager(zap.NewNop(), bus, nil, opts)
	require.NoError(t, err)

	got := make(chan *events.Event, 16)
	_, err = bus.Subscribe("sub-1", "conn-1", StreamJobs, nil,
		func(_ *events.Subscription, ev *events.Event) { got <- ev },
		func(*events.Subscription, *errorx.CallError) {})
	require.NoError(t, err)

	desc := jobDesc("test.events", func(c *registry.Call) (any, error) { return nil, nil }, nil)
	job, err := m.Submit(desc, nil, nil, "root", SubmitOptions{})
	require.NoError(t, err)
	_, err = m.Wait(context.Background(), job.ID())
	require.NoError(t, err)

	var kinds []string
	deadline := time.After(time.Second)
	for len(kinds) < 3 {
		select {
		case ev := <-got:
			kinds = append(kinds, ev.Kind)
		case <-deadline:
			t.Fatalf("timed out, saw kinds %v", kinds)
		}
	}
	assert.Equal(t, "added", kinds[0])
	assert.Contains(t, kinds, "changed")
}

func TestAbortStartRaceLeavesRunningJobAlone(t *testing.T) {
	m := newTestManager(t, Options{})

	release := make(chan struct{})
	desc := jobDesc("test.raced", func(c *registry.Call) (any, error) {
		<-release
		return "ok", nil
	}, func(d *registry.Descriptor) {
		d.Abortable = true
		d.LockKey = func([]any) string { return "tank" }
	})

	job, err := m.Submit(desc, nil, nil, "root", SubmitOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return job.State() == StateRunning
	}, time.Second, 5*time.Millisecond)

	// An abort that observed the job as queued arrives after the state
	// already flipped to running; it must not force a terminal state.
	m.finishQueued(job)
	assert.Equal(t, StateRunning, job.State())

	close(release)
	result, err := m.Wait(context.Background(), job.ID())
	require.NoError(t, err)
	assert.Equal(t, "ok", result)

	// The lock queue still admits and runs new jobs afterwards.
	next, err := m.Submit(desc, nil, nil, "root", SubmitOptions{})
	require.NoError(t, err)
	_, err = m.Wait(context.Background(), next.ID())
	require.NoError(t, err)
}

func TestLockAdmissionHoldsUnderConcurrentSubmit(t *testing.T) {
	m := newTestManager(t, Options{})

	release := make(chan struct{})
	desc := jobDesc("test.burst", func(c *registry.Call) (any, error) {
		<-release
		return nil, nil
	}, func(d *registry.Descriptor) {
		d.LockKey = func([]any) string { return "tank" }
		d.LockQueueSize = 1
	})

	holder, err := m.Submit(desc, nil, nil, "root", SubmitOptions{})
	require.NoError(t, err)

	var admitted, rejected atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Submit(desc, nil, nil, "root", SubmitOptions{})
			if err == nil {
				admitted.Add(1)
				return
			}
			assert.True(t, errorx.Is(err, errorx.TypeLockQueueFull))
			rejected.Add(1)
		}()
	}
	wg.Wait()

	// Exactly one waiter fits behind the holder, no matter how the
	// submissions interleave.
	assert.Equal(t, int64(1), admitted.Load())
	assert.Equal(t, int64(7), rejected.Load())

	close(release)
	_, err = m.Wait(context.Background(), holder.ID())
	require.NoError(t, err)
}

func TestQueryAppliesOrderBy(t *testing.T) {
	m := newTestManager(t, Options{})

	desc := jobDesc("test.ordered", func(c *registry.Call) (any, error) { return nil, nil }, nil)
	var ids []int64
	for i := 0; i < 3; i++ {
		job, err := m.Submit(desc, nil, nil, "root", SubmitOptions{})
		require.NoError(t, err)
		_, err = m.Wait(context.Background(), job.ID())
		require.NoError(t, err)
		ids = append(ids, job.ID())
	}

	rows, err := m.Query(nil, filterx.Options{OrderBy: []string{"-id"}})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, ids[2], rows[0]["id"])
	assert.Equal(t, ids[1], rows[1]["id"])
	assert.Equal(t, ids[0], rows[2]["id"])
}
