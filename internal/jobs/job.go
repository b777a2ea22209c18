// Package jobs owns all long-running work: lifecycle, progress, logs,
// cancellation, retention, and per-lock-key serialization.
package jobs

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/stratonas/middled/internal/common/errorx"
	"github.com/stratonas/middled/internal/registry"
)

// State is a job's lifecycle state. Transitions are monotonic:
// QUEUED (optionally via WAITING) -> RUNNING -> {SUCCESS, FAILED, ABORTED}.
type State string

const (
	StateQueued  State = "QUEUED"
	StateRunning State = "RUNNING"
	StateSuccess State = "SUCCESS"
	StateFailed  State = "FAILED"
	StateAborted State = "ABORTED"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateAborted
}

// Progress is a job's most recent progress report.
type Progress struct {
	Percent     float64 `json:"percent"`
	Description string  `json:"description"`
	Extra       any     `json:"extra,omitempty"`
}

// progressInterval coalesces progress events; the last report is always
// flushed before the terminal transition.
const progressInterval = 500 * time.Millisecond

// Job is one unit of asynchronous work. All mutable fields are guarded by
// mu; external observers only ever see snapshots.
type Job struct {
	id           int64
	method       string
	desc         *registry.Descriptor
	args         []any // validated, unredacted; used for execution only
	redactedArgs []any // what snapshots and audit see
	identity     string
	lockKey      string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	logs    *LogBuffer
	logPath string

	pipes      *registry.Pipes
	output     *io.PipeReader
	outputUsed bool

	mu             sync.Mutex
	state          State
	waiting        bool // blocked on the lock queue; a sub-state of QUEUED
	aborting       bool
	progress       Progress
	progressDirty  bool
	progressTimer  *time.Timer
	lastProgressAt time.Time
	result         any
	err            *errorx.CallError
	created        time.Time
	started        time.Time
	finished       time.Time
}

// ID returns the job id.
func (j *Job) ID() int64 { return j.id }

// Method returns the registered method name the job runs.
func (j *Job) Method() string { return j.method }

// Done is closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// State returns the current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Result returns the terminal result and error; valid once Done is closed.
func (j *Job) Result() (any, *errorx.CallError) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result, j.err
}

// OutputPipe hands the download stream to the sidecar exactly once. The
// second caller gets false, which the sidecar maps to 410.
func (j *Job) OutputPipe() (*io.PipeReader, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.output == nil || j.outputUsed {
		return nil, false
	}
	j.outputUsed = true
	return j.output, true
}

// Snapshot renders the job as the map seen by queries, events, and audit.
// The mutable record itself is never shared.
func (j *Job) Snapshot() map[string]any {
	j.mu.Lock()
	defer j.mu.Unlock()

	// A lock-blocked job stays QUEUED on the wire; the waiting flag is
	// the only visible difference.
	snap := map[string]any{
		"id":        j.id,
		"method":    j.method,
		"arguments": j.redactedArgs,
		"state":     string(j.state),
		"waiting":   j.waiting,
		"abortable": j.desc.Abortable,
		"identity":  j.identity,
		"progress": map[string]any{
			"percent":     j.progress.Percent,
			"description": j.progress.Description,
			"extra":       j.progress.Extra,
		},
		"logs_path":     j.logPath,
		"time_created":  timeOrNil(j.created),
		"time_started":  timeOrNil(j.started),
		"time_finished": timeOrNil(j.finished),
		"result":        j.result,
	}
	if j.err != nil {
		snap["error"] = map[string]any{
			"type":   string(j.err.Type),
			"reason": j.err.Reason,
			"extra":  j.err.Extra,
		}
	} else {
		snap["error"] = nil
	}
	return snap
}

func timeOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
