package storelog

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Metadata carries caller-supplied correlation and causation information
// alongside an event. All fields are optional.
type Metadata struct {
	CorrelationID string            `msgpack:"correlation_id,omitempty"`
	CausationID   string            `msgpack:"causation_id,omitempty"`
	Extra         map[string]string `msgpack:"extra,omitempty"`
}

// Message is a single stored event: the unit of append, iteration, and
// global ordering.
type Message struct {
	// StreamName is the fully-qualified stream this message belongs to.
	StreamName string `msgpack:"stream_name"`
	// StreamID is this message's zero-based position within its own stream.
	StreamID uint64 `msgpack:"stream_id"`
	// GlobalID is this message's position in the store-wide total order.
	// It is assigned at commit time and is unique and monotonic across
	// every stream in the store.
	GlobalID uint64 `msgpack:"global_id"`
	// Type names the event, interpreted by the owning aggregate module.
	Type string `msgpack:"type"`
	// Payload is the module-defined event body, left opaque to the store.
	Payload []byte `msgpack:"payload"`
	// Metadata carries optional correlation/causation information.
	Metadata Metadata `msgpack:"metadata,omitempty"`
	// RecordedAt is the wall-clock time the store assigned the message.
	RecordedAt time.Time `msgpack:"recorded_at"`
}

// NewEvent constructs a Message ready to append, leaving StreamID and
// GlobalID for the store to assign during Write.
func NewEvent(eventType string, payload []byte, meta Metadata) Message {
	return Message{
		Type:     eventType,
		Payload:  payload,
		Metadata: meta,
	}
}

func encodeMessage(m Message) ([]byte, error) {
	return msgpack.Marshal(m)
}

func decodeMessage(raw []byte) (Message, error) {
	var m Message
	if err := msgpack.Unmarshal(raw, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// globalIndexEntry is the compact value stored under the global log bucket:
// enough to locate the message's home record without duplicating its body.
type globalIndexEntry struct {
	StreamName string `msgpack:"stream_name"`
	StreamID   uint64 `msgpack:"stream_id"`
}

func encodeGlobalIndexEntry(e globalIndexEntry) ([]byte, error) {
	return msgpack.Marshal(e)
}

func decodeGlobalIndexEntry(raw []byte) (globalIndexEntry, error) {
	var e globalIndexEntry
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		return globalIndexEntry{}, err
	}
	return e, nil
}
