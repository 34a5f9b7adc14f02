package sandbox

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Context is the read-only envelope passed to every apply/handle
// invocation: causation/correlation metadata plus the aggregate's current
// stream position. Modules never see more of the store than this.
type Context struct {
	AggregateID   string            `msgpack:"aggregate_id"`
	CorrelationID string            `msgpack:"correlation_id,omitempty"`
	CausationID   string            `msgpack:"causation_id,omitempty"`
	StreamVersion uint64            `msgpack:"stream_version"`
	Extra         map[string]string `msgpack:"extra,omitempty"`
	Now           time.Time         `msgpack:"now"`
}

// EventOut is one event produced by a handle invocation, before the store
// assigns it stream/global ids.
type EventOut struct {
	Type    string `msgpack:"type"`
	Payload []byte `msgpack:"payload"`
}

// handleRequest/handleResponse and applyRequest are the wire shapes
// exchanged with the guest module. The guest never sees Go types directly;
// it decodes these same msgpack envelopes from the buffer the host writes
// into its linear memory.
type handleRequest struct {
	Command string  `msgpack:"command"`
	Payload []byte  `msgpack:"payload"`
	Context Context `msgpack:"context"`
}

type handleResponse struct {
	Events []EventOut `msgpack:"events,omitempty"`
	Error  *wireError `msgpack:"error,omitempty"`
}

type applyRequest struct {
	EventType string  `msgpack:"event_type"`
	Payload   []byte  `msgpack:"payload"`
	Context   Context `msgpack:"context"`
}

type applyResponse struct {
	Error *wireError `msgpack:"error,omitempty"`
}

// wireError is the structured-error shape crossing the boundary; Kind
// selects which taxonomy member to reconstruct on the host side.
type wireError struct {
	Kind string `msgpack:"kind"`
	Msg  string `msgpack:"msg,omitempty"`
}

const (
	kindCommand            = "command"
	kindIgnore             = "ignore"
	kindDeserializeCommand = "deserialize_command"
	kindDeserializeEvent   = "deserialize_event"
	kindSerializeEvent     = "serialize_event"
	kindDeserializeContext = "deserialize_context"
	kindUnknownCommand     = "unknown_command"
	kindUnknownEvent       = "unknown_event"
)

func errorFromWire(w *wireError) error {
	if w == nil {
		return nil
	}
	switch w.Kind {
	case kindCommand:
		return &CommandError{Msg: w.Msg}
	case kindIgnore:
		return &IgnoreError{Reason: w.Msg}
	case kindDeserializeCommand:
		return &DeserializeCommandError{Msg: w.Msg}
	case kindDeserializeEvent:
		return &DeserializeEventError{Msg: w.Msg}
	case kindSerializeEvent:
		return &SerializeEventError{Msg: w.Msg}
	case kindDeserializeContext:
		return &DeserializeContextError{Msg: w.Msg}
	case kindUnknownCommand:
		return &UnknownCommandError{Name: w.Msg}
	case kindUnknownEvent:
		return &UnknownEventError{Type: w.Msg}
	default:
		return &CommandError{Msg: w.Msg}
	}
}

func encodeHandleRequest(req handleRequest) ([]byte, error) { return msgpack.Marshal(req) }

func decodeHandleResponse(raw []byte) (handleResponse, error) {
	var resp handleResponse
	err := msgpack.Unmarshal(raw, &resp)
	return resp, err
}

func encodeApplyRequest(req applyRequest) ([]byte, error) { return msgpack.Marshal(req) }

func decodeApplyResponse(raw []byte) (applyResponse, error) {
	var resp applyResponse
	err := msgpack.Unmarshal(raw, &resp)
	return resp, err
}
