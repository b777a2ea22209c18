package errorx

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConvertPassthrough(t *testing.T) {
	orig := Forbidden("user.create")
	got := Convert(fmt.Errorf("wrapped: %w", orig))
	assert.Equal(t, TypeForbidden, got.Type)
	assert.Equal(t, orig.Reason, got.Reason)
}

func TestConvertUnknownBecomesInternal(t *testing.T) {
	got := Convert(errors.New("boom"))
	assert.Equal(t, TypeInternal, got.Type)
	assert.Equal(t, "boom", got.Reason)
	assert.NotEmpty(t, got.Trace)
}

func TestConvertNil(t *testing.T) {
	assert.Nil(t, Convert(nil))
}

func TestIs(t *testing.T) {
	err := fmt.Errorf("ctx: %w", LockQueueFull("scrub-tank"))
	assert.True(t, Is(err, TypeLockQueueFull))
	assert.False(t, Is(err, TypeTimeout))
	assert.False(t, Is(errors.New("plain"), TypeInternal))
}

func TestWireShape(t *testing.T) {
	e := Validation("arguments failed validation", []string{"0.username"})
	out, err := json.Marshal(e)
	assert.NoError(t, err)

	var decoded map[string]any
	assert.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "ValidationError", decoded["type"])
	assert.NotContains(t, decoded, "trace")
	assert.Equal(t, []any{"0.username"}, decoded["extra"].(map[string]any)["paths"])
}
