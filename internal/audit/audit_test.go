package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stratonas/middled/internal/common/cnst"
	"github.com/stratonas/middled/internal/common/errorx"
	"github.com/stratonas/middled/internal/common/filterx"
	"github.com/stratonas/middled/internal/datastore"
	"github.com/stratonas/middled/internal/registry"
)

func newTestSink(t *testing.T) (*Sink, datastore.Store) {
	t.Helper()
	store, err := datastore.NewSQLite(zap.NewNop(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewSink(zap.NewNop(), store), store
}

func auditRows(t *testing.T, store datastore.Store) []map[string]any {
	t.Helper()
	rows, err := store.Query(context.Background(), cnst.TableAudit, nil, filterx.Options{})
	require.NoError(t, err)
	return rows
}

func TestMutatingCallLeavesBeginAndFinishRecords(t *testing.T) {
	sink, store := newTestSink(t)
	desc := &registry.Descriptor{
		Name:          "user.create",
		Audit:         registry.AuditFull,
		AuditTemplate: `{{.Identity}} created user {{index .Params 0}}`,
	}
	entry := Entry{
		Method:       "user.create",
		Identity:     "root",
		RedactedArgs: []any{"alice", cnst.RedactedSentinel},
	}

	sink.Begin(context.Background(), desc, entry)
	sink.Finish(context.Background(), desc, entry, nil)

	rows := auditRows(t, store)
	require.Len(t, rows, 2)

	begin, finish := rows[0], rows[1]
	assert.Equal(t, PhaseBegin, begin["phase"])
	assert.Equal(t, "root created user alice", begin["summary"])
	assert.Contains(t, begin["args"], cnst.RedactedSentinel)
	assert.NotContains(t, begin["args"], "hunter2")

	assert.Equal(t, PhaseFinish, finish["phase"])
	assert.Equal(t, "success", finish["status"])
}

func TestRedactedPolicyOmitsArguments(t *testing.T) {
	sink, store := newTestSink(t)
	desc := &registry.Descriptor{
		Name:          "user.update",
		Audit:         registry.AuditRedacted,
		AuditTemplate: `updated user {{index .Params 0}}`,
	}
	entry := Entry{
		Method:       "user.update",
		Identity:     "root",
		RedactedArgs: []any{"alice", map[string]any{"password": cnst.RedactedSentinel}},
	}

	sink.Begin(context.Background(), desc, entry)

	rows := auditRows(t, store)
	require.Len(t, rows, 1)
	assert.Equal(t, "", rows[0]["args"])
	assert.Equal(t, "updated user alice", rows[0]["summary"])
}

func TestFinishRecordsError(t *testing.T) {
	sink, store := newTestSink(t)
	desc := &registry.Descriptor{Name: "user.delete", Audit: registry.AuditFull}
	entry := Entry{Method: "user.delete", Identity: "root", RedactedArgs: []any{int64(7)}}

	sink.Finish(context.Background(), desc, entry, errorx.NotFound("user 7 does not exist"))

	rows := auditRows(t, store)
	require.Len(t, rows, 1)
	assert.Equal(t, "error", rows[0]["status"])
	assert.Contains(t, rows[0]["error"], "NotFound")
}

func TestNonMutatingCallIsNotAudited(t *testing.T) {
	sink, store := newTestSink(t)
	desc := &registry.Descriptor{Name: "user.query", Audit: registry.AuditNone}

	sink.Begin(context.Background(), desc, Entry{Method: "user.query"})
	sink.Finish(context.Background(), desc, Entry{Method: "user.query"}, nil)

	assert.Empty(t, auditRows(t, store))
}

func TestBrokenTemplateFallsBackToMethodName(t *testing.T) {
	sink, store := newTestSink(t)
	desc := &registry.Descriptor{
		Name:          "user.create",
		Audit:         registry.AuditRedacted,
		AuditTemplate: `{{unclosed`,
	}

	sink.Begin(context.Background(), desc, Entry{Method: "user.create", Identity: "root"})

	rows := auditRows(t, store)
	require.Len(t, rows, 1)
	assert.Equal(t, "user.create", rows[0]["summary"])
}
