// Package dispatcher routes decoded frames through the request pipeline:
// resolve, authorize, validate, execute, redact, respond, audit.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/stratonas/middled/internal/audit"
	"github.com/stratonas/middled/internal/auth"
	"github.com/stratonas/middled/internal/common/cnst"
	"github.com/stratonas/middled/internal/common/errorx"
	"github.com/stratonas/middled/internal/events"
	"github.com/stratonas/middled/internal/jobs"
	"github.com/stratonas/middled/internal/registry"
	"github.com/stratonas/middled/internal/schema"
	"github.com/stratonas/middled/internal/session"
	"github.com/stratonas/middled/internal/transport"
	"github.com/stratonas/middled/pkg/metrics"
	"github.com/stratonas/middled/pkg/trace"
)

// protocolVersion is the only handshake version this daemon speaks.
const protocolVersion = "1"

// Dispatcher implements transport.Handler and transport.UploadSubmitter.
type Dispatcher struct {
	logger   *zap.Logger
	reg      *registry.Registry
	jobs     *jobs.Manager
	bus      *events.Bus
	auth     *auth.Authenticator
	tokens   *auth.TokenStore
	sessions *session.Store
	audit    *audit.Sink
	metrics  *metrics.Metrics
	tracer   *trace.Builder
	workers  chan struct{} // blocking simple calls

	mu    sync.Mutex
	conns map[string]*connState
}

// connState is the dispatcher's view of one live connection.
type connState struct {
	conn    *transport.Conn
	cancels map[string]context.CancelFunc // in-flight sync calls by request id
	subs    map[string]string             // client sub id -> bus sub id
	rates   map[string]*rateWindow        // per-method fixed rate windows
}

// rateWindow counts calls inside one fixed rate-limit window.
type rateWindow struct {
	start time.Time
	count int
}

// Deps bundles the dispatcher's collaborators.
type Deps struct {
	Registry *registry.Registry
	Jobs     *jobs.Manager
	Bus      *events.Bus
	Auth     *auth.Authenticator
	Tokens   *auth.TokenStore
	Sessions *session.Store
	Audit    *audit.Sink
	Metrics  *metrics.Metrics
	Workers  int
}

// New creates a Dispatcher. Builtin methods are not registered; call
// RegisterBuiltins before sealing the registry.
func New(logger *zap.Logger, deps Deps) *Dispatcher {
	if deps.Workers <= 0 {
		deps.Workers = 16
	}
	return &Dispatcher{
		logger:   logger.Named("dispatcher"),
		reg:      deps.Registry,
		jobs:     deps.Jobs,
		bus:      deps.Bus,
		auth:     deps.Auth,
		tokens:   deps.Tokens,
		sessions: deps.Sessions,
		audit:    deps.Audit,
		metrics:  deps.Metrics,
		tracer:   trace.Tracer("middled/dispatcher"),
		workers:  make(chan struct{}, deps.Workers),
		conns:    make(map[string]*connState),
	}
}

var _ transport.Handler = (*Dispatcher)(nil)
var _ transport.UploadSubmitter = (*Dispatcher)(nil)

// HandleFrame routes one inbound frame. Called from the connection's read
// loop; anything slow is handed to a goroutine.
func (d *Dispatcher) HandleFrame(c *transport.Conn, raw []byte) {
	msg := transport.PeekMsg(raw)

	if msg == cnst.MsgConnect {
		d.handleConnect(c, raw)
		return
	}
	if !c.Handshaken() {
		c.Send(&transport.Frame{Msg: cnst.MsgFailed, Version: protocolVersion})
		c.CloseWithError(errorx.Validation("frame before connect handshake", nil))
		return
	}

	switch msg {
	case cnst.MsgPing:
		f, err := transport.ParseFrame(raw)
		if err != nil {
			return
		}
		c.Send(&transport.Frame{Msg: cnst.MsgPong, ID: f.ID})
	case cnst.MsgPong:
		// Liveness is tracked at the websocket layer.
	case cnst.MsgMethod:
		d.handleMethod(c, raw)
	case cnst.MsgSub:
		d.handleSub(c, raw)
	case cnst.MsgUnsub:
		d.handleUnsub(c, raw)
	default:
		d.logger.Warn("unknown message kind, closing connection",
			zap.String("conn_id", c.ID), zap.String("msg", msg))
		c.CloseWithError(errorx.Validation(fmt.Sprintf("unknown message kind %q", msg), nil))
	}
}

func (d *Dispatcher) handleConnect(c *transport.Conn, raw []byte) {
	f, err := transport.ParseFrame(raw)
	if err != nil || c.Handshaken() {
		c.Send(&transport.Frame{Msg: cnst.MsgFailed, Version: protocolVersion})
		c.Close()
		return
	}
	supported := f.Version == protocolVersion
	for _, v := range f.Support {
		if v == protocolVersion {
			supported = true
		}
	}
	if !supported {
		c.Send(&transport.Frame{Msg: cnst.MsgFailed, Version: protocolVersion})
		c.Close()
		return
	}

	c.MarkHandshaken()
	d.mu.Lock()
	d.conns[c.ID] = &connState{
		conn:    c,
		cancels: make(map[string]context.CancelFunc),
		subs:    make(map[string]string),
	}
	d.mu.Unlock()
	c.Send(&transport.Frame{Msg: cnst.MsgConnected, Session: c.ID})
}

// ConnClosed cancels the connection's sync calls and tears its
// subscriptions down. Jobs it submitted keep running.
func (d *Dispatcher) ConnClosed(c *transport.Conn) {
	d.mu.Lock()
	st := d.conns[c.ID]
	delete(d.conns, c.ID)
	d.mu.Unlock()

	if st != nil {
		for _, cancel := range st.cancels {
			cancel()
		}
	}
	d.bus.DropConnection(c.ID)
}

// handleMethod runs steps 2-5 of the pipeline inline, then hands execution
// to a goroutine so the read loop stays responsive.
func (d *Dispatcher) handleMethod(c *transport.Conn, raw []byte) {
	f, err := transport.ParseFrame(raw)
	if err != nil {
		c.Send(transport.ResultFrame("", nil, errorx.Convert(err)))
		return
	}
	if f.ID == "" {
		c.Send(transport.ResultFrame("", nil, errorx.Validation("method frame requires an id", nil)))
		return
	}

	desc, rerr := d.reg.Resolve(f.Method)
	if rerr != nil {
		c.Send(transport.ResultFrame(f.ID, nil, errorx.Convert(rerr)))
		return
	}

	if authErr := authorize(c.Session, desc); authErr != nil {
		c.Send(transport.ResultFrame(f.ID, nil, authErr))
		return
	}

	if desc.RateLimit != nil {
		if lerr := d.admitRate(c.ID, desc); lerr != nil {
			c.Send(transport.ResultFrame(f.ID, nil, lerr))
			return
		}
	}

	args, verr := schema.ValidateParams(f.Params, desc.Params)
	if verr != nil {
		c.Send(transport.ResultFrame(f.ID, nil, errorx.Convert(verr)))
		return
	}
	redacted := schema.RedactParams(args, desc.Params)

	go d.execute(c, f.ID, desc, args, redacted)
}

// admitRate counts the call against the method's fixed window for this
// connection, rejecting once the window's budget is spent.
func (d *Dispatcher) admitRate(connID string, desc *registry.Descriptor) *errorx.CallError {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.conns[connID]
	if st == nil {
		return nil
	}
	if st.rates == nil {
		st.rates = make(map[string]*rateWindow)
	}
	now := time.Now()
	w := st.rates[desc.Name]
	if w == nil || now.Sub(w.start) >= desc.RateLimit.Per {
		st.rates[desc.Name] = &rateWindow{start: now, count: 1}
		return nil
	}
	w.count++
	if w.count > desc.RateLimit.Calls {
		return errorx.TooManyRequests(desc.Name)
	}
	return nil
}

// authorize applies the no-auth bypass, the authentication gate, and the
// role-union check, in that order.
func authorize(sess *session.Session, desc *registry.Descriptor) *errorx.CallError {
	if desc.NoAuth {
		return nil
	}
	if !sess.Authenticated() {
		return errorx.Unauthorized()
	}
	if !sess.HasAnyRole(desc.Roles) {
		return errorx.Forbidden(desc.Name)
	}
	return nil
}

// execute runs steps 6-8: execute, respond, audit.
func (d *Dispatcher) execute(c *transport.Conn, reqID string, desc *registry.Descriptor, args, redacted []any) {
	identity := c.Session.Identity()
	if identity == "" {
		identity = "anonymous"
	}
	entry := audit.Entry{
		Method:       desc.Name,
		Identity:     identity,
		RedactedArgs: redacted,
	}

	span := d.tracer.Start(context.Background(), "call "+desc.Name).WithAttrs(
		attribute.String("method", desc.Name),
		attribute.String("conn_id", c.ID),
	)
	defer span.End()

	d.metrics.CallStarted(desc.Name)
	started := time.Now()

	d.audit.Begin(span.Ctx, desc, entry)

	var result any
	var callErr *errorx.CallError
	if desc.Kind == registry.KindJob {
		job, err := d.jobs.Submit(desc, args, redacted, identity,
			jobs.SubmitOptions{WantOutput: desc.WantsOutput})
		if err != nil {
			callErr = errorx.Convert(err)
		} else {
			result = job.ID()
			entry.JobID = job.ID()
		}
	} else {
		result, callErr = d.invokeSync(c, reqID, desc, args)
	}

	status := "success"
	if callErr != nil {
		status = string(callErr.Type)
	}
	d.metrics.ObserveCall(desc.Name, status, time.Since(started))
	d.metrics.CallFinished(desc.Name)
	span.WithAttrs(attribute.String("status", status))

	c.Send(transport.ResultFrame(reqID, result, callErr))
	d.audit.Finish(span.Ctx, desc, entry, callErr)
}

// invokeSync runs a simple or filterable method with a connection-scoped
// context. Blocking methods take a worker slot first.
func (d *Dispatcher) invokeSync(c *transport.Conn, reqID string, desc *registry.Descriptor, args []any) (any, *errorx.CallError) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.mu.Lock()
	if st := d.conns[c.ID]; st != nil {
		st.cancels[reqID] = cancel
	}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		if st := d.conns[c.ID]; st != nil {
			delete(st.cancels, reqID)
		}
		d.mu.Unlock()
	}()

	if desc.Blocking {
		select {
		case d.workers <- struct{}{}:
			defer func() { <-d.workers }()
		case <-ctx.Done():
			return nil, errorx.Aborted("call cancelled before execution")
		}
	}

	call := &registry.Call{
		Context:  ctx,
		Session:  c.Session,
		ConnID:   c.ID,
		Params:   args,
		Logger:   d.logger.With(zap.String("method", desc.Name)),
		Progress: func(float64, string, any) {},
		Logf: func(format string, a ...any) {
			d.logger.Info(fmt.Sprintf(format, a...), zap.String("method", desc.Name))
		},
		SendEvent: func(stream, kind string, fields map[string]any) {
			d.bus.Publish(stream, kind, nil, fields)
		},
	}

	result, err := d.invoke(desc, call)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			return nil, errorx.Aborted("call cancelled")
		case errors.Is(err, context.DeadlineExceeded):
			return nil, errorx.Timeout("call deadline elapsed")
		default:
			return nil, errorx.Convert(err)
		}
	}
	return result, nil
}

// invoke contains panics from method implementations.
func (d *Dispatcher) invoke(desc *registry.Descriptor, call *registry.Call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("method panicked",
				zap.String("method", desc.Name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = errorx.Internal(fmt.Errorf("panic: %v", r))
		}
	}()
	return desc.Handler(call)
}

// SubmitUpload starts an upload-consuming job for the HTTP sidecar. The
// transfer token already authenticated the caller.
func (d *Dispatcher) SubmitUpload(identity, method string, params []any, input io.ReadCloser) (int64, error) {
	desc, err := d.reg.Resolve(method)
	if err != nil {
		return 0, err
	}
	if desc.Kind != registry.KindJob {
		return 0, errorx.Validation("method "+method+" does not accept uploads", nil)
	}
	args, err := schema.ValidateParams(params, desc.Params)
	if err != nil {
		return 0, err
	}
	redacted := schema.RedactParams(args, desc.Params)

	job, err := d.jobs.Submit(desc, args, redacted, identity, jobs.SubmitOptions{Input: input})
	if err != nil {
		return 0, err
	}
	d.audit.Begin(context.Background(), desc, audit.Entry{
		Method: method, Identity: identity, RedactedArgs: redacted, JobID: job.ID(),
	})
	return job.ID(), nil
}
