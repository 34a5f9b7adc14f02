package sandbox

import "fmt"

// CommandError is a domain-level rejection of a command: fatal to the
// command, not to the aggregate. The entity's in-memory state is left
// untouched and nothing is appended.
type CommandError struct{ Msg string }

func (e *CommandError) Error() string { return fmt.Sprintf("command rejected: %s", e.Msg) }

// IgnoreError signals the command is a no-op by domain decision. The host
// replies success with an empty event list; nothing is appended.
type IgnoreError struct{ Reason string }

func (e *IgnoreError) Error() string {
	if e.Reason == "" {
		return "command ignored"
	}
	return fmt.Sprintf("command ignored: %s", e.Reason)
}

// DeserializeCommandError means the command payload could not be decoded
// by the module. Fatal to the command only; the entity is not evicted.
type DeserializeCommandError struct{ Msg string }

func (e *DeserializeCommandError) Error() string {
	return fmt.Sprintf("deserialize command: %s", e.Msg)
}

// DeserializeEventError means an event payload could not be decoded during
// replay or apply. This is a boundary-format failure and evicts the
// entity so the next command reloads from the log.
type DeserializeEventError struct{ Msg string }

func (e *DeserializeEventError) Error() string {
	return fmt.Sprintf("deserialize event: %s", e.Msg)
}

// SerializeEventError means an event produced by handle could not be
// encoded back across the boundary. Evicts the entity.
type SerializeEventError struct{ Msg string }

func (e *SerializeEventError) Error() string {
	return fmt.Sprintf("serialize event: %s", e.Msg)
}

// DeserializeContextError means the context envelope could not be decoded
// by the module. Evicts the entity.
type DeserializeContextError struct{ Msg string }

func (e *DeserializeContextError) Error() string {
	return fmt.Sprintf("deserialize context: %s", e.Msg)
}

// UnknownCommandError means the module does not recognize the command
// name. Surfaced; not retried.
type UnknownCommandError struct{ Name string }

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command: %s", e.Name)
}

// UnknownEventError means the module does not recognize the event type
// during replay or apply. Surfaced; not retried.
type UnknownEventError struct{ Type string }

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("unknown event: %s", e.Type)
}

// TrapError represents a panic or WASM trap inside the sandbox. Always
// catastrophic: the entity is evicted and rebuilt from the log.
type TrapError struct{ Cause error }

func (e *TrapError) Error() string { return fmt.Sprintf("runtime trap: %v", e.Cause) }
func (e *TrapError) Unwrap() error { return e.Cause }

// Disposition classifies how the gateway/entity handler should react to a
// boundary error, matching the host-treatment table in the module
// contract.
type Disposition int

const (
	// DispositionReplyFailure fails the command but leaves the entity and
	// its in-memory state untouched; no eviction.
	DispositionReplyFailure Disposition = iota
	// DispositionEvict fails the command and evicts the entity so the
	// next command rebuilds state from the log.
	DispositionEvict
	// DispositionIgnore succeeds the command with an empty event list.
	DispositionIgnore
)

// Classify maps a boundary error to its disposition.
func Classify(err error) Disposition {
	switch err.(type) {
	case *IgnoreError:
		return DispositionIgnore
	case *CommandError, *DeserializeCommandError, *UnknownCommandError:
		return DispositionReplyFailure
	case *DeserializeEventError, *SerializeEventError, *DeserializeContextError, *UnknownEventError, *TrapError:
		return DispositionEvict
	default:
		return DispositionEvict
	}
}
