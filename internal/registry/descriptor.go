// Package registry holds the immutable set of callable methods mounted at
// process start, with their schemas, roles, audit policy, and execution kind.
package registry

import (
	"context"
	"io"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"go.uber.org/zap"

	"github.com/stratonas/middled/internal/schema"
	"github.com/stratonas/middled/internal/session"
)

// Kind classifies how a method executes.
type Kind string

const (
	KindSimple      Kind = "simple"       // synchronous call
	KindJob         Kind = "job"          // returns a job id, runs async
	KindFilterable  Kind = "filterable"   // query accepting the filter DSL
	KindEventSource Kind = "event_source" // declares an event stream
)

// AuditPolicy controls what the audit trail records for a method.
type AuditPolicy string

const (
	AuditNone     AuditPolicy = "none"
	AuditRedacted AuditPolicy = "redacted"
	AuditFull     AuditPolicy = "full"
)

// RateLimit bounds calls per session to a method.
type RateLimit struct {
	Calls int
	Per   time.Duration
}

// Pipes carries the byte streams of a sidecar-bound job.
type Pipes struct {
	Input  io.ReadCloser  // upload payload, nil unless the method declared it
	Output *io.PipeWriter // download payload sink, nil unless requested
}

// Call is the per-invocation handle passed to every method implementation.
// It carries identity, cancellation, and the progress/log/event sinks.
type Call struct {
	context.Context

	Session *session.Session
	ConnID  string // empty for calls with no owning connection
	Params  []any
	Logger  *zap.Logger
	Pipes   *Pipes

	// Progress reports job progress; a no-op for simple calls.
	Progress func(percent float64, description string, extra any)

	// Logf appends a line to the job log; routed to the daemon log for
	// simple calls.
	Logf func(format string, args ...any)

	// SendEvent publishes onto a declared event stream.
	SendEvent func(stream, kind string, fields map[string]any)
}

// Abortable methods should poll Aborted at safe points.
func (c *Call) Aborted() bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

// HandlerFunc is a method implementation.
type HandlerFunc func(c *Call) (any, error)

// LockKeyFunc derives a serialization key from validated params. Returning
// "" means the job takes no lock.
type LockKeyFunc func(params []any) string

// Descriptor is the complete registration record of one method.
type Descriptor struct {
	Name          string
	Params        []schema.Param
	Result        *openapi3.Schema
	Roles         []string
	Audit         AuditPolicy
	AuditTemplate string // rendered into the audit summary
	Kind          Kind
	NoAuth        bool // callable before login
	Private       bool // hidden from core.get_methods
	CLI           bool // surfaced in CLI listings
	Idempotent    bool
	Blocking      bool // run on the worker pool, not inline
	Abortable     bool
	WantsOutput   bool // job allocates a download pipe at submit
	LockKey       LockKeyFunc
	LockQueueSize int // 0 means unbounded
	RateLimit     *RateLimit
	Handler       HandlerFunc
}

// Mutating reports whether calls to the method belong in the audit trail.
func (d *Descriptor) Mutating() bool {
	return d.Audit != AuditNone
}
