// Package transport owns the three listeners (public websocket, internal
// unix socket, HTTP sidecar) and the framed JSON protocol they speak.
package transport

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/stratonas/middled/internal/common/cnst"
	"github.com/stratonas/middled/internal/common/errorx"
)

// Frame is one protocol message in either direction. Which fields are set
// depends on msg.
type Frame struct {
	Msg        string          `json:"msg"`
	ID         string          `json:"id,omitempty"`
	Session    string          `json:"session,omitempty"`
	Version    string          `json:"version,omitempty"`
	Support    []string        `json:"support,omitempty"`
	Method     string          `json:"method,omitempty"`
	Params     []any           `json:"params,omitempty"`
	Result     any             `json:"result,omitempty"`
	Error      *WireError      `json:"error,omitempty"`
	Name       string          `json:"name,omitempty"`       // sub: stream name
	Collection string          `json:"collection,omitempty"` // event frames
	EventID    any             `json:"-"`
	Fields     map[string]any  `json:"fields,omitempty"`
	Raw        json.RawMessage `json:"-"`
}

// WireError is the serialized form of a call error.
type WireError struct {
	Type   string         `json:"type"`
	Reason string         `json:"reason"`
	Trace  string         `json:"trace,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// ToWire converts a call error for transmission.
func ToWire(e *errorx.CallError) *WireError {
	if e == nil {
		return nil
	}
	return &WireError{
		Type:   string(e.Type),
		Reason: e.Reason,
		Trace:  e.Trace,
		Extra:  e.Extra,
	}
}

// PeekMsg extracts the msg discriminator without a full unmarshal, so
// malformed frames can be rejected by kind before any decoding work.
func PeekMsg(raw []byte) string {
	return gjson.GetBytes(raw, "msg").String()
}

// ParseFrame decodes one inbound frame, keeping the raw bytes attached for
// later field-level extraction.
func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errorx.Validation("malformed frame: "+err.Error(), nil)
	}
	f.Raw = raw
	return &f, nil
}

// ResultFrame builds the reply to a method frame.
func ResultFrame(id string, result any, callErr *errorx.CallError) *Frame {
	return &Frame{
		Msg:    cnst.MsgResult,
		ID:     id,
		Result: result,
		Error:  ToWire(callErr),
	}
}

// NosubFrame tells a client its subscription is gone.
func NosubFrame(id string, callErr *errorx.CallError) *Frame {
	return &Frame{
		Msg:   cnst.MsgNosub,
		ID:    id,
		Error: ToWire(callErr),
	}
}

// EventFrame renders a bus event as added/changed/removed.
func EventFrame(kind, collection string, id any, fields map[string]any) *Frame {
	return &Frame{
		Msg:        kind,
		Collection: collection,
		EventID:    id,
		Fields:     fields,
	}
}

// Encode serializes an outbound frame. Event ids ride in the otherwise
// unused top-level id slot.
func (f *Frame) Encode() ([]byte, error) {
	if f.EventID == nil {
		return json.Marshal(f)
	}
	type alias Frame
	return json.Marshal(struct {
		*alias
		EventID any `json:"id,omitempty"`
	}{alias: (*alias)(f), EventID: f.EventID})
}
