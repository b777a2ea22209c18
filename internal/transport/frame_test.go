package transport

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratonas/middled/internal/common/cnst"
	"github.com/stratonas/middled/internal/common/errorx"
)

func TestPeekMsg(t *testing.T) {
	assert.Equal(t, "method", PeekMsg([]byte(`{"msg":"method","id":"1"}`)))
	assert.Equal(t, "", PeekMsg([]byte(`{"id":"1"}`)))
	assert.Equal(t, "", PeekMsg([]byte(`not json`)))
}

func TestParseFrame(t *testing.T) {
	raw := []byte(`{"msg":"method","id":"42","method":"system.version","params":[]}`)
	f, err := ParseFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, cnst.MsgMethod, f.Msg)
	assert.Equal(t, "42", f.ID)
	assert.Equal(t, "system.version", f.Method)
	assert.Equal(t, json.RawMessage(raw), f.Raw)

	_, err = ParseFrame([]byte(`{`))
	require.Error(t, err)
	assert.True(t, errorx.Is(err, errorx.TypeValidationError))
}

func TestResultFrameCarriesError(t *testing.T) {
	f := ResultFrame("7", nil, errorx.MethodNotFound("bogus.method"))
	data, err := f.Encode()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "result", decoded["msg"])
	assert.Equal(t, "7", decoded["id"])
	errMap := decoded["error"].(map[string]any)
	assert.Equal(t, "MethodNotFound", errMap["type"])
}

func TestEventFrameEncodesIntegerID(t *testing.T) {
	f := EventFrame(cnst.MsgChanged, "core.get_jobs", int64(12), map[string]any{
		"state": "RUNNING",
	})
	data, err := f.Encode()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "changed", decoded["msg"])
	assert.Equal(t, "core.get_jobs", decoded["collection"])
	assert.Equal(t, float64(12), decoded["id"])
	assert.Equal(t, "RUNNING", decoded["fields"].(map[string]any)["state"])
}

func TestNosubFrame(t *testing.T) {
	f := NosubFrame("sub-1", errorx.New(errorx.TypeOverflow, "subscription queue overflow"))
	data, err := f.Encode()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "nosub", decoded["msg"])
	assert.Equal(t, "Overflow", decoded["error"].(map[string]any)["type"])
}
