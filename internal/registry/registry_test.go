package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stratonas/middled/internal/common/errorx"
)

func noop(_ *Call) (any, error) { return nil, nil }

func TestRegisterResolve(t *testing.T) {
	r := New(zap.NewNop())

	require.NoError(t, r.Register(&Descriptor{Name: "system.version", Kind: KindSimple, NoAuth: true, Handler: noop}))

	d, err := r.Resolve("system.version")
	require.NoError(t, err)
	assert.True(t, d.NoAuth)

	_, err = r.Resolve("no.such.method")
	assert.True(t, errorx.Is(err, errorx.TypeMethodNotFound))
}

func TestDuplicateRegistrationFails(t *testing.T) {
	r := New(zap.NewNop())
	require.NoError(t, r.Register(&Descriptor{Name: "x.y", Kind: KindSimple, Handler: noop}))
	assert.Error(t, r.Register(&Descriptor{Name: "x.y", Kind: KindSimple, Handler: noop}))
}

func TestSealedRegistryRejectsRegistration(t *testing.T) {
	r := New(zap.NewNop())
	r.Seal()
	assert.Error(t, r.Register(&Descriptor{Name: "late.method", Kind: KindSimple, Handler: noop}))
	assert.Error(t, r.DeclareStream(StreamDecl{Name: "late.stream", Source: StreamFromPlugin}))
}

func TestFilterableAutoDeclaresStream(t *testing.T) {
	r := New(zap.NewNop())
	require.NoError(t, r.Register(&Descriptor{Name: "user.query", Kind: KindFilterable, Handler: noop}))

	assert.True(t, r.HasStream("user.query"))
	streams := r.Streams()
	require.Len(t, streams, 1)
	assert.Equal(t, StreamFromRegistry, streams[0].Source)
}

func TestMethodsHidesPrivate(t *testing.T) {
	r := New(zap.NewNop())
	require.NoError(t, r.Register(&Descriptor{Name: "a.public", Kind: KindSimple, Handler: noop}))
	require.NoError(t, r.Register(&Descriptor{Name: "b.private", Kind: KindSimple, Private: true, Handler: noop}))

	assert.Len(t, r.Methods(false), 1)
	assert.Len(t, r.Methods(true), 2)
}

func TestValidationGuards(t *testing.T) {
	r := New(zap.NewNop())
	assert.Error(t, r.Register(&Descriptor{Name: "", Handler: noop}))
	assert.Error(t, r.Register(&Descriptor{Name: "no.handler"}))
}
