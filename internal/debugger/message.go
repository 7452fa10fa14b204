// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package debugger

import (
	"encoding/json"
	"fmt"
)

// Channel tags for the message envelope. Every message on the wire belongs
// to exactly one channel.
const (
	// ChannelCommand carries frontend-originated commands to the backend.
	ChannelCommand = "command"

	// ChannelResponse carries backend responses correlated to an earlier command.
	ChannelResponse = "response"

	// ChannelEvent carries backend-originated events (paused, output, ...).
	ChannelEvent = "event"
)

// Response methods understood by the bridge. The method names the command
// family (and therefore the pending table) a response belongs to.
const (
	MethodExpressionEvaluationResponse = "ExpressionEvaluationResponse"
	MethodGetPropertiesResponse        = "GetPropertiesResponse"
)

// Event names emitted by the debug backend.
const (
	EventPaused            = "paused"
	EventResumed           = "resumed"
	EventOutput            = "output"
	EventBreakpointAdded   = "breakpointAdded"
	EventBreakpointRemoved = "breakpointRemoved"
	EventLoaderBreakpoint  = "loaderBreakpoint"
)

// Envelope is the wire form of every message exchanged with the backend.
// Which fields are populated depends on Channel:
//
//   - command:  Method, Args
//   - response: Method, Key, and one of Result or Error
//   - event:    Event, Body
type Envelope struct {
	Channel string `json:"channel"`

	Method string `json:"method,omitempty"`
	Args   []any  `json:"args,omitempty"`

	Key    string          `json:"key,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	Event string          `json:"event,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
}

// NewCommandEnvelope builds a command envelope for the given method.
// Args are forwarded verbatim to the backend.
func NewCommandEnvelope(method string, args ...any) *Envelope {
	return &Envelope{
		Channel: ChannelCommand,
		Method:  method,
		Args:    args,
	}
}

// NewResponseEnvelope builds a response envelope for the given method and
// correlation key. Exactly one of result or errMsg should be set.
func NewResponseEnvelope(method string, key string, result json.RawMessage, errMsg string) *Envelope {
	return &Envelope{
		Channel: ChannelResponse,
		Method:  method,
		Key:     key,
		Result:  result,
		Error:   errMsg,
	}
}

// NewEventEnvelope builds an event envelope with the given body.
func NewEventEnvelope(event string, body json.RawMessage) *Envelope {
	return &Envelope{
		Channel: ChannelEvent,
		Event:   event,
		Body:    body,
	}
}

// DecodeEnvelope parses and validates a single wire message.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if unmarshalErr := json.Unmarshal(data, &env); unmarshalErr != nil {
		return nil, fmt.Errorf("failed to decode message: %w", unmarshalErr)
	}

	switch env.Channel {
	case ChannelCommand:
		if env.Method == "" {
			return nil, fmt.Errorf("command message is missing a method")
		}
	case ChannelResponse:
		if env.Method == "" {
			return nil, fmt.Errorf("response message is missing a method")
		}
		if env.Key == "" {
			return nil, fmt.Errorf("response message is missing a correlation key")
		}
	case ChannelEvent:
		if env.Event == "" {
			return nil, fmt.Errorf("event message is missing an event name")
		}
	default:
		return nil, fmt.Errorf("unknown message channel %q", env.Channel)
	}

	return &env, nil
}

// Encode serializes the envelope to its wire form.
func (e *Envelope) Encode() ([]byte, error) {
	data, marshalErr := json.Marshal(e)
	if marshalErr != nil {
		return nil, fmt.Errorf("failed to encode message: %w", marshalErr)
	}
	return data, nil
}

// Describe returns a short human-readable summary for logging.
func (e *Envelope) Describe() string {
	switch e.Channel {
	case ChannelCommand:
		return fmt.Sprintf("command %s", e.Method)
	case ChannelResponse:
		return fmt.Sprintf("response %s key=%s", e.Method, e.Key)
	case ChannelEvent:
		return fmt.Sprintf("event %s", e.Event)
	default:
		return fmt.Sprintf("unknown channel %q", e.Channel)
	}
}

// RemoteObject is the backend's representation of an evaluation result.
type RemoteObject struct {
	Type        string          `json:"type"`
	Subtype     string          `json:"subtype,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	Description string          `json:"description,omitempty"`
	ObjectID    string          `json:"objectId,omitempty"`
}

// PropertyDescriptor describes a single property of a remote object.
type PropertyDescriptor struct {
	Name  string        `json:"name"`
	Value *RemoteObject `json:"value,omitempty"`
}

// PausedEvent is the body of a "paused" event.
type PausedEvent struct {
	StopThreadID int    `json:"stopThreadId"`
	Reason       string `json:"reason,omitempty"`
}

// OutputEvent is the body of an "output" event.
type OutputEvent struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// BreakpointBinding is the body of breakpoint added/removed events.
type BreakpointBinding struct {
	Path     string `json:"path"`
	Line     int    `json:"line"`
	Resolved bool   `json:"resolved,omitempty"`
}
