package jobs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stratonas/middled/internal/common/errorx"
	"github.com/stratonas/middled/internal/common/filterx"
	"github.com/stratonas/middled/internal/events"
	"github.com/stratonas/middled/internal/registry"
	"github.com/stratonas/middled/pkg/metrics"
)

// StreamJobs is the event stream fed by every job state, progress, or log
// change. It doubles as the core.get_jobs change stream.
const StreamJobs = "core.get_jobs"

// Options tunes a Manager.
type Options struct {
	StateDir  string // job log files live under StateDir/jobs
	Retention int    // max retained jobs; oldest terminal evicted first
	RingSize  int    // in-memory log lines per job
	Workers   int    // worker pool size for blocking methods
}

// SubmitOptions carries the optional byte streams of sidecar-bound jobs.
type SubmitOptions struct {
	Input      io.ReadCloser // upload payload handed to the method
	WantOutput bool          // allocate a download pipe
}

type lockState struct {
	limit   int
	waiters []*Job // waiters[0] holds the lock while RUNNING
}

// Manager owns every job in the process.
type Manager struct {
	logger  *zap.Logger
	bus     *events.Bus
	metrics *metrics.Metrics
	opts    Options
	logDir  string

	mu      sync.Mutex
	nextID  int64
	jobs    map[int64]*Job
	order   []int64 // insertion order, for retention eviction
	locks   map[string]*lockState
	running int

	workers chan struct{}
	wg      sync.WaitGroup
}

// NewManager creates a Manager and its on-disk log directory.
func NewManager(logger *zap.Logger, bus *events.Bus, m *metrics.Metrics, opts Options) (*Manager, error) {
	logDir := filepath.Join(opts.StateDir, "jobs")
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create job log directory: %w", err)
	}
	bus.Declare(StreamJobs)

	return &Manager{
		logger:  logger.Named("jobs"),
		bus:     bus,
		metrics: m,
		opts:    opts,
		logDir:  logDir,
		jobs:    make(map[int64]*Job),
		locks:   make(map[string]*lockState),
		workers: make(chan struct{}, opts.Workers),
	}, nil
}

// Submit queues a job for the given descriptor. args must already be
// validated; redactedArgs is what snapshots and audit may show. The job
// runs under the submitting identity even if that connection goes away.
func (m *Manager) Submit(desc *registry.Descriptor, args, redactedArgs []any, identity string, sopts SubmitOptions) (*Job, error) {
	lockKey := ""
	if desc.LockKey != nil {
		lockKey = desc.LockKey(args)
	}

	m.mu.Lock()
	if lockKey != "" {
		ls := m.locks[lockKey]
		if ls != nil && desc.LockQueueSize > 0 && len(ls.waiters) >= desc.LockQueueSize+1 {
			m.mu.Unlock()
			return nil, errorx.LockQueueFull(lockKey)
		}
	}

	m.nextID++
	id := m.nextID
	logPath := filepath.Join(m.logDir, fmt.Sprintf("%d.log", id))
	m.mu.Unlock()

	logs, err := NewLogBuffer(m.opts.RingSize, logPath)
	if err != nil {
		return nil, errorx.Internal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		id:           id,
		method:       desc.Name,
		desc:         desc,
		args:         args,
		redactedArgs: redactedArgs,
		identity:     identity,
		lockKey:      lockKey,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		logs:         logs,
		logPath:      logPath,
		state:        StateQueued,
		created:      time.Now(),
	}

	pipes := &registry.Pipes{Input: sopts.Input}
	if sopts.WantOutput {
		pr, pw := io.Pipe()
		job.output = pr
		pipes.Output = pw
	}
	job.pipes = pipes

	m.mu.Lock()
	startNow := true
	if lockKey != "" {
		ls := m.locks[lockKey]
		// Re-check the cap; the mutex was dropped to build the log buffer
		// and another submission may have taken the slot.
		if ls != nil && desc.LockQueueSize > 0 && len(ls.waiters) >= desc.LockQueueSize+1 {
			m.mu.Unlock()
			logs.Close()
			_ = os.Remove(logPath)
			cancel()
			return nil, errorx.LockQueueFull(lockKey)
		}
		if ls == nil {
			ls = &lockState{limit: desc.LockQueueSize}
			m.locks[lockKey] = ls
		}
		ls.waiters = append(ls.waiters, job)
		if len(ls.waiters) > 1 {
			job.waiting = true
			startNow = false
		}
	}
	m.jobs[id] = job
	m.order = append(m.order, id)
	evicted := m.evictLocked()
	m.mu.Unlock()

	for _, eid := range evicted {
		m.bus.Publish(StreamJobs, "removed", eid, nil)
	}
	m.publish(job, "added")
	m.logger.Info("job submitted",
		zap.Int64("job_id", id),
		zap.String("method", desc.Name),
		zap.String("identity", identity),
		zap.String("lock", lockKey))

	if startNow {
		m.start(job)
	}
	return job, nil
}

// start launches the job's goroutine, honoring the worker pool for
// blocking methods.
func (m *Manager) start(job *Job) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if job.desc.Blocking {
			m.workers <- struct{}{}
			defer func() { <-m.workers }()
		}
		m.run(job)
	}()
}

// run executes one job to its terminal state.
func (m *Manager) run(job *Job) {
	job.mu.Lock()
	if job.state.Terminal() {
		// Aborted while queued; it may still hold the head lock slot.
		job.mu.Unlock()
		if next := m.releaseLock(job); next != nil {
			m.start(next)
		}
		return
	}
	job.state = StateRunning
	job.waiting = false
	job.started = time.Now()
	job.mu.Unlock()

	m.mu.Lock()
	m.running++
	running := m.running
	m.mu.Unlock()
	m.metrics.JobStateChanged(string(StateRunning), running)
	m.publish(job, "changed")

	call := &registry.Call{
		Context: job.ctx,
		Params:  job.args,
		Logger:  m.logger.With(zap.Int64("job_id", job.id)),
		Pipes:   job.pipes,
		Progress: func(percent float64, description string, extra any) {
			m.reportProgress(job, percent, description, extra)
		},
		Logf: func(format string, args ...any) {
			job.logs.Logf(format, args...)
			m.publish(job, "changed")
		},
		SendEvent: func(stream, kind string, fields map[string]any) {
			m.bus.Publish(stream, kind, nil, fields)
		},
	}

	result, err := m.invoke(job, call)

	// The method saw the cancellation; normalize its error to ABORTED.
	job.mu.Lock()
	aborting := job.aborting
	job.mu.Unlock()

	var terminal State
	var callErr *errorx.CallError
	switch {
	case aborting:
		terminal = StateAborted
		callErr = errorx.Aborted("job %d aborted", job.id)
	case err != nil:
		terminal = StateFailed
		callErr = errorx.Convert(err)
	default:
		terminal = StateSuccess
	}

	m.finish(job, terminal, result, callErr)
}

// invoke runs the handler with panic containment.
func (m *Manager) invoke(job *Job, call *registry.Call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("job panicked",
				zap.Int64("job_id", job.id),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = errorx.Internal(fmt.Errorf("panic: %v", r))
		}
	}()
	return job.desc.Handler(call)
}

// finish moves the job to its terminal state, flushes progress, releases
// the lock, and wakes the next waiter.
func (m *Manager) finish(job *Job, state State, result any, callErr *errorx.CallError) {
	job.mu.Lock()
	if job.state.Terminal() {
		job.mu.Unlock()
		return
	}
	// Flush any coalesced progress before the terminal event.
	if job.progressTimer != nil {
		job.progressTimer.Stop()
		job.progressTimer = nil
	}
	flushProgress := job.progressDirty
	job.progressDirty = false
	if state == StateSuccess {
		job.progress.Percent = 100
	}
	job.state = state
	job.result = result
	job.err = callErr
	job.finished = time.Now()
	job.mu.Unlock()

	if flushProgress {
		m.publish(job, "changed")
	}

	job.logs.Logf("job %d finished: %s", job.id, state)
	job.logs.Close()
	if job.pipes != nil && job.pipes.Output != nil {
		_ = job.pipes.Output.Close()
	}
	if job.pipes != nil && job.pipes.Input != nil {
		_ = job.pipes.Input.Close()
	}
	job.cancel()
	close(job.done)

	m.mu.Lock()
	m.running--
	running := m.running
	m.mu.Unlock()
	next := m.releaseLock(job)

	m.metrics.JobStateChanged(string(state), running)
	m.publish(job, "changed")
	m.logger.Info("job finished",
		zap.Int64("job_id", job.id),
		zap.String("state", string(state)))

	if next != nil {
		m.start(next)
	}
}

// releaseLock pops job off the head of its lock queue and returns the next
// waiter to start, if any.
func (m *Manager) releaseLock(job *Job) *Job {
	if job.lockKey == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ls := m.locks[job.lockKey]
	if ls == nil {
		return nil
	}
	if len(ls.waiters) > 0 && ls.waiters[0] == job {
		ls.waiters = ls.waiters[1:]
	}
	if len(ls.waiters) == 0 {
		delete(m.locks, job.lockKey)
		return nil
	}
	return ls.waiters[0]
}

// reportProgress coalesces progress updates to one event per interval.
func (m *Manager) reportProgress(job *Job, percent float64, description string, extra any) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	job.mu.Lock()
	if job.state.Terminal() {
		job.mu.Unlock()
		return
	}
	// Progress never regresses.
	if percent > job.progress.Percent {
		job.progress.Percent = percent
	}
	job.progress.Description = description
	if extra != nil {
		job.progress.Extra = extra
	}

	now := time.Now()
	if now.Sub(job.lastProgressAt) >= progressInterval {
		job.lastProgressAt = now
		job.progressDirty = false
		job.mu.Unlock()
		m.publish(job, "changed")
		return
	}
	job.progressDirty = true
	if job.progressTimer == nil {
		delay := progressInterval - now.Sub(job.lastProgressAt)
		job.progressTimer = time.AfterFunc(delay, func() {
			job.mu.Lock()
			job.progressTimer = nil
			if !job.progressDirty || job.state.Terminal() {
				job.mu.Unlock()
				return
			}
			job.progressDirty = false
			job.lastProgressAt = time.Now()
			job.mu.Unlock()
			m.publish(job, "changed")
		})
	}
	job.mu.Unlock()
}

// Abort requests cooperative cancellation. Queued jobs abort immediately;
// running jobs get their context cancelled and are expected to exit at the
// next checkpoint. Terminal jobs are rejected.
func (m *Manager) Abort(id int64) error {
	job, err := m.Get(id)
	if err != nil {
		return err
	}

	job.mu.Lock()
	if job.state.Terminal() {
		job.mu.Unlock()
		return errorx.Conflict("job %d is already %s", id, job.state)
	}
	if !job.desc.Abortable {
		job.mu.Unlock()
		return errorx.Conflict("job %d is not abortable", id)
	}
	queued := job.state == StateQueued
	job.aborting = true
	job.mu.Unlock()

	m.logger.Info("job abort requested", zap.Int64("job_id", id), zap.Bool("queued", queued))
	job.cancel()

	if queued {
		// Never started; finish it ourselves and free its lock slot.
		m.mu.Lock()
		if job.lockKey != "" {
			if ls := m.locks[job.lockKey]; ls != nil {
				for i, w := range ls.waiters {
					if w == job && i > 0 {
						ls.waiters = append(ls.waiters[:i], ls.waiters[i+1:]...)
						break
					}
				}
			}
		}
		m.mu.Unlock()
		m.finishQueued(job)
	}
	return nil
}

// finishQueued terminates a job that never reached RUNNING. A job that won
// the race and is already running is left to the normal abort path; its
// context is cancelled and the handler exits at the next checkpoint.
func (m *Manager) finishQueued(job *Job) {
	job.mu.Lock()
	if job.state != StateQueued {
		job.mu.Unlock()
		return
	}
	job.state = StateAborted
	job.err = errorx.Aborted("job %d aborted before start", job.id)
	job.finished = time.Now()
	job.mu.Unlock()

	job.logs.Close()
	close(job.done)
	m.publish(job, "changed")
}

// Wait blocks until the job terminates or ctx is cancelled.
func (m *Manager) Wait(ctx context.Context, id int64) (any, error) {
	job, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-job.Done():
	case <-ctx.Done():
		return nil, errorx.Timeout("timed out waiting for job %d", id)
	}
	result, callErr := job.Result()
	if callErr != nil {
		return nil, callErr
	}
	return result, nil
}

// Get returns the job with the given id.
func (m *Manager) Get(id int64) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, errorx.NotFound("job %d does not exist", id)
	}
	return job, nil
}

// Query filters job snapshots with the shared filter DSL, in id order
// unless order_by overrides it.
func (m *Manager) Query(filters filterx.Filter, opts filterx.Options) ([]map[string]any, error) {
	m.mu.Lock()
	ids := make([]int64, len(m.order))
	copy(ids, m.order)
	table := make(map[int64]*Job, len(m.jobs))
	for id, j := range m.jobs {
		table[id] = j
	}
	m.mu.Unlock()

	var rows []map[string]any
	for _, id := range ids {
		job, ok := table[id]
		if !ok {
			continue
		}
		snap := job.Snapshot()
		if filters.Match(snap) {
			rows = append(rows, snap)
		}
	}

	opts.Sort(rows)
	if opts.Offset > 0 {
		if opts.Offset >= len(rows) {
			rows = nil
		} else {
			rows = rows[opts.Offset:]
		}
	}
	if opts.Limit > 0 && opts.Limit < len(rows) {
		rows = rows[:opts.Limit]
	}
	if opts.Get {
		if len(rows) == 0 {
			return nil, errorx.NotFound("no job matched the query")
		}
		rows = rows[:1]
	}
	return rows, nil
}

// FollowLogs streams a job's log lines; the channel closes once the job is
// terminal and the buffer drained.
func (m *Manager) FollowLogs(id int64) (<-chan string, error) {
	job, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return job.logs.Follow(), nil
}

// publish emits the job's snapshot onto the jobs stream.
func (m *Manager) publish(job *Job, kind string) {
	m.bus.Publish(StreamJobs, kind, job.id, job.Snapshot())
}

// evictLocked enforces the retention cap: oldest terminal jobs go first,
// their log files with them. Callers hold m.mu. Returns the evicted ids.
func (m *Manager) evictLocked() []int64 {
	var evicted []int64
	for len(m.order) > m.opts.Retention {
		found := false
		for i, id := range m.order {
			job := m.jobs[id]
			if job == nil || job.State().Terminal() {
				m.order = append(m.order[:i], m.order[i+1:]...)
				if job != nil {
					delete(m.jobs, id)
					_ = os.Remove(job.logPath)
					evicted = append(evicted, id)
				}
				found = true
				break
			}
		}
		if !found {
			// Everything retained is still live; let it ride.
			break
		}
	}
	return evicted
}

// Shutdown cancels all running jobs and waits for their goroutines.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, job := range m.jobs {
		if !job.State().Terminal() {
			job.cancel()
		}
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
