package filesystem

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stratonas/middled/internal/common/errorx"
	"github.com/stratonas/middled/internal/registry"
)

func testCall(params []any, pipes *registry.Pipes) *registry.Call {
	return &registry.Call{
		Context:   context.Background(),
		Params:    params,
		Logger:    zap.NewNop(),
		Pipes:     pipes,
		Progress:  func(float64, string, any) {},
		Logf:      func(string, ...any) {},
		SendEvent: func(string, string, map[string]any) {},
	}
}

func TestPutWritesUploadStream(t *testing.T) {
	target := filepath.Join(t.TempDir(), "sub", "config.tar")
	payload := strings.Repeat("backup bytes ", 1024)

	c := testCall([]any{target, nil},
		&registry.Pipes{Input: io.NopCloser(strings.NewReader(payload))})
	result, err := put(c)
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), result)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, payload, string(got))
}

func TestPutReplacesAtomically(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.tar")
	require.NoError(t, os.WriteFile(target, []byte("old contents"), 0o644))

	c := testCall([]any{target, nil},
		&registry.Pipes{Input: io.NopCloser(strings.NewReader("new contents"))})
	_, err := put(c)
	require.NoError(t, err)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "new contents", string(got))

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(target))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestPutRequiresUploadPipe(t *testing.T) {
	c := testCall([]any{filepath.Join(t.TempDir(), "x"), nil}, nil)
	_, err := put(c)
	require.Error(t, err)
	assert.True(t, errorx.Is(err, errorx.TypeValidationError))
}

func TestGetStreamsFileIntoOutputPipe(t *testing.T) {
	src := filepath.Join(t.TempDir(), "dump.bin")
	payload := strings.Repeat("x", 3<<20) // spans several chunks
	require.NoError(t, os.WriteFile(src, []byte(payload), 0o644))

	pr, pw := io.Pipe()
	c := testCall([]any{src}, &registry.Pipes{Output: pw})

	done := make(chan struct{})
	var got []byte
	go func() {
		defer close(done)
		got, _ = io.ReadAll(pr)
	}()

	result, err := get(c)
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), result)
	require.NoError(t, pw.Close())

	<-done
	assert.Len(t, got, len(payload))
}

func TestGetMissingFile(t *testing.T) {
	_, pw := io.Pipe()
	c := testCall([]any{filepath.Join(t.TempDir(), "missing")}, &registry.Pipes{Output: pw})
	_, err := get(c)
	require.Error(t, err)
	assert.True(t, errorx.Is(err, errorx.TypeNotFound))
}

func TestRegisterMountsBothMethods(t *testing.T) {
	reg := registry.New(zap.NewNop())
	require.NoError(t, Register(reg))
	reg.Seal()

	put, err := reg.Resolve("filesystem.put")
	require.NoError(t, err)
	assert.Equal(t, registry.KindJob, put.Kind)
	assert.False(t, put.WantsOutput)

	get, err := reg.Resolve("filesystem.get")
	require.NoError(t, err)
	assert.True(t, get.WantsOutput)
}

func TestPutAppliesModeOption(t *testing.T) {
	target := filepath.Join(t.TempDir(), "secret.key")

	c := testCall([]any{target, map[string]any{"mode": float64(0o600)}},
		&registry.Pipes{Input: io.NopCloser(strings.NewReader("key material"))})
	_, err := put(c)
	require.NoError(t, err)

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
