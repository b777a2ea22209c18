// Package audit records who called which mutating method, before and after
// execution, with secrets already scrubbed from the argument vector.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
	"go.uber.org/zap"

	"github.com/stratonas/middled/internal/common/cnst"
	"github.com/stratonas/middled/internal/common/errorx"
	"github.com/stratonas/middled/internal/datastore"
	"github.com/stratonas/middled/internal/registry"
)

// PhaseBegin and PhaseFinish bracket one mutating call.
const (
	PhaseBegin  = "begin"
	PhaseFinish = "finish"
)

// Entry is what the dispatcher knows about a call when it reaches the sink.
type Entry struct {
	Method       string
	Identity     string
	RedactedArgs []any
	JobID        int64 // 0 for simple calls
}

// Sink appends audit records to the datastore. Write failures are logged
// and swallowed; auditing never fails the audited call.
type Sink struct {
	store  datastore.Store
	logger *zap.Logger

	mu    sync.Mutex
	tmpls map[string]*template.Template
}

// NewSink creates a Sink writing to the audit table of store.
func NewSink(logger *zap.Logger, store datastore.Store) *Sink {
	return &Sink{
		store:  store,
		logger: logger.Named("audit"),
		tmpls:  make(map[string]*template.Template),
	}
}

// Begin appends the pre-execution record for a mutating call. Non-mutating
// descriptors are a no-op.
func (s *Sink) Begin(ctx context.Context, desc *registry.Descriptor, e Entry) {
	if !desc.Mutating() {
		return
	}
	row := map[string]any{
		"timestamp": time.Now().UTC(),
		"identity":  e.Identity,
		"method":    e.Method,
		"phase":     PhaseBegin,
		"args":      s.renderArgs(desc, e),
		"summary":   s.renderSummary(desc, e),
	}
	s.write(ctx, row)
}

// Finish appends the post-execution record with the call's outcome.
func (s *Sink) Finish(ctx context.Context, desc *registry.Descriptor, e Entry, callErr *errorx.CallError) {
	if !desc.Mutating() {
		return
	}
	status := "success"
	errText := ""
	if callErr != nil {
		status = "error"
		errText = string(callErr.Type) + ": " + callErr.Reason
	}
	row := map[string]any{
		"timestamp": time.Now().UTC(),
		"identity":  e.Identity,
		"method":    e.Method,
		"phase":     PhaseFinish,
		"args":      s.renderArgs(desc, e),
		"status":    status,
		"error":     errText,
		"summary":   s.renderSummary(desc, e),
	}
	s.write(ctx, row)
}

func (s *Sink) write(ctx context.Context, row map[string]any) {
	if _, err := s.store.Insert(ctx, cnst.TableAudit, row); err != nil {
		s.logger.Error("failed to write audit record",
			zap.Any("method", row["method"]),
			zap.Error(err))
	}
}

// renderArgs serializes the redacted argument vector. The redacted policy
// keeps arguments out of the trail entirely; the summary is the record.
func (s *Sink) renderArgs(desc *registry.Descriptor, e Entry) string {
	if desc.Audit != registry.AuditFull {
		return ""
	}
	data, err := json.Marshal(e.RedactedArgs)
	if err != nil {
		s.logger.Warn("failed to marshal audit arguments",
			zap.String("method", e.Method), zap.Error(err))
		return ""
	}
	return string(data)
}

// renderSummary runs the descriptor's template over the call entry. A
// missing or broken template falls back to the method name.
func (s *Sink) renderSummary(desc *registry.Descriptor, e Entry) string {
	if desc.AuditTemplate == "" {
		return e.Method
	}
	tmpl, err := s.template(desc.Name, desc.AuditTemplate)
	if err != nil {
		s.logger.Warn("bad audit template",
			zap.String("method", desc.Name), zap.Error(err))
		return e.Method
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]any{
		"Method":   e.Method,
		"Identity": e.Identity,
		"Params":   e.RedactedArgs,
		"JobID":    e.JobID,
	}); err != nil {
		s.logger.Warn("audit template failed",
			zap.String("method", desc.Name), zap.Error(err))
		return e.Method
	}
	return buf.String()
}

// template compiles and caches per-method summary templates.
func (s *Sink) template(name, text string) (*template.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tmpls[name]; ok {
		return t, nil
	}
	t, err := template.New(name).Funcs(sprig.FuncMap()).Parse(text)
	if err != nil {
		return nil, err
	}
	s.tmpls[name] = t
	return t, nil
}
