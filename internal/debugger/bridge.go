// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package debugger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/go-logr/logr"
	"github.com/smallnest/chanx"
)

// Command names understood by the debug backend. Stepping commands follow
// the backend's historical capitalized names; request/response commands are
// camelCase.
const (
	CommandContinue = "Continue"
	CommandStepOver = "StepOver"
	CommandStepInto = "StepInto"
	CommandStepOut  = "StepOut"
	CommandPause    = "Pause"

	CommandEvaluateOnSelectedCallFrame = "evaluateOnSelectedCallFrame"
	CommandGetProperties               = "getProperties"
	CommandSetPauseOnException         = "setPauseOnException"
	CommandSetSingleThreadStepping     = "setSingleThreadStepping"
	CommandAddBreakpoint               = "addBreakpoint"
	CommandRemoveBreakpoint            = "removeBreakpoint"
)

// EventSink receives backend events dispatched by the bridge. Implementations
// do not need to be fast; events are queued so a slow sink never stalls
// response delivery.
type EventSink interface {
	// HandlePaused is called when execution stops (breakpoint, step, exception).
	HandlePaused(ev PausedEvent)

	// HandleResumed is called when execution resumes.
	HandleResumed()

	// HandleOutput is called for each output event.
	// level is "log", "info", "warning", "error", etc.
	HandleOutput(ev OutputEvent)

	// HandleBreakpointAdded is called when the backend binds a breakpoint.
	HandleBreakpointAdded(b BreakpointBinding)

	// HandleBreakpointRemoved is called when the backend drops a breakpoint.
	HandleBreakpointRemoved(b BreakpointBinding)
}

// BridgeConfig contains configuration for creating a Bridge.
type BridgeConfig struct {
	// EventSink receives backend events. If nil, events are dropped.
	EventSink EventSink

	// OnChannelLost is called when the bridge detaches itself because the
	// attached channel failed. It is not called for explicit Detach or Close.
	OnChannelLost func()

	// Logger for bridge operations.
	Logger logr.Logger
}

// Bridge connects a debugger frontend to a webview-hosted debug backend over
// a single message channel. It owns the channel handle and the pending
// request tables used to correlate command responses.
//
// The channel handle is nullable: a detached bridge turns every send into a
// no-op and resolves request-style commands to nil immediately. Attaching a
// new transport replaces the handle wholesale without failing requests that
// are already pending; those are still resolved if a matching response later
// arrives on the new transport, or drained when the bridge is closed.
type Bridge struct {
	log           logr.Logger
	sink          EventSink
	onChannelLost func()

	// mu protects transport and closed.
	mu        sync.Mutex
	transport Transport
	closed    bool

	// evaluations correlates evaluateOnSelectedCallFrame commands, keyed by
	// expression text.
	evaluations *pendingTable

	// properties correlates getProperties commands, keyed by object ID.
	properties *pendingTable

	// events decouples the reader pump from the event sink.
	events *chanx.UnboundedChan[*Envelope]

	lifetimeCtx context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewBridge creates a new bridge with the given configuration.
func NewBridge(config BridgeConfig) *Bridge {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &Bridge{
		log:           log,
		sink:          config.EventSink,
		onChannelLost: config.OnChannelLost,
		evaluations:   newPendingTable("evaluations", log),
		properties:    newPendingTable("properties", log),
		events:        chanx.NewUnboundedChan[*Envelope](ctx, 16),
		lifetimeCtx:   ctx,
		cancel:        cancel,
	}

	b.wg.Add(1)
	go b.eventLoop()

	return b
}

// Attach connects the bridge to a transport and starts reading from it.
// Any previously attached transport is closed first. Pending requests are
// carried over; they are not failed by the replacement.
func (b *Bridge) Attach(t Transport) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBridgeClosed
	}
	previous := b.transport
	b.transport = t
	// Add under the lock so a concurrent Close cannot start waiting before
	// the read loop is accounted for.
	b.wg.Add(1)
	b.mu.Unlock()

	if previous != nil {
		if closeErr := previous.Close(); closeErr != nil {
			b.log.V(1).Info("Failed to close replaced transport", "error", closeErr)
		}
	}

	go b.readLoop(t)

	b.log.Info("Bridge attached to channel")
	return nil
}

// Detach clears the channel handle. Subsequent sends are no-ops and
// request-style commands resolve to nil immediately. Pending requests stay
// pending.
func (b *Bridge) Detach() {
	b.mu.Lock()
	t := b.transport
	b.transport = nil
	b.mu.Unlock()

	if t != nil {
		if closeErr := t.Close(); closeErr != nil {
			b.log.V(1).Info("Failed to close transport on detach", "error", closeErr)
		}
		b.log.Info("Bridge detached from channel")
	}
}

// Attached reports whether the bridge currently has a channel handle.
func (b *Bridge) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transport != nil
}

// Close tears the bridge down: detaches the channel, drains every pending
// request (callers observe nil results), and stops the event pump.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.Detach()

	b.evaluations.drain(ErrBridgeClosed)
	b.properties.drain(ErrBridgeClosed)

	b.cancel()
	b.wg.Wait()

	b.log.Info("Bridge closed")
}

// currentTransport returns the channel handle, or nil when detached.
func (b *Bridge) currentTransport() Transport {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transport
}

// EvaluateOnSelectedCallFrame evaluates an expression in the context of the
// selected call frame. Concurrent evaluations of the same expression share a
// single underlying command. Returns nil when the bridge is detached or the
// evaluation fails; failures are logged, never returned.
func (b *Bridge) EvaluateOnSelectedCallFrame(ctx context.Context, expression string, objectGroup string) *RemoteObject {
	raw := b.sendWithResponse(ctx, b.evaluations, CommandEvaluateOnSelectedCallFrame, expression, objectGroup)
	if raw == nil {
		return nil
	}

	var obj RemoteObject
	if unmarshalErr := json.Unmarshal(raw, &obj); unmarshalErr != nil {
		b.log.Error(unmarshalErr, "Failed to decode evaluation result", "expression", expression)
		return nil
	}
	return &obj
}

// GetProperties fetches the properties of a remote object. Concurrent
// fetches for the same object ID share a single underlying command. Returns
// nil when the bridge is detached or the fetch fails.
func (b *Bridge) GetProperties(ctx context.Context, objectID string) []PropertyDescriptor {
	raw := b.sendWithResponse(ctx, b.properties, CommandGetProperties, objectID)
	if raw == nil {
		return nil
	}

	var props []PropertyDescriptor
	if unmarshalErr := json.Unmarshal(raw, &props); unmarshalErr != nil {
		b.log.Error(unmarshalErr, "Failed to decode properties result", "objectId", objectID)
		return nil
	}
	return props
}

// Continue resumes execution.
func (b *Bridge) Continue() { b.sendCommand(CommandContinue) }

// StepOver steps over the current line.
func (b *Bridge) StepOver() { b.sendCommand(CommandStepOver) }

// StepInto steps into the current call.
func (b *Bridge) StepInto() { b.sendCommand(CommandStepInto) }

// StepOut steps out of the current frame.
func (b *Bridge) StepOut() { b.sendCommand(CommandStepOut) }

// Pause interrupts execution at the next opportunity.
func (b *Bridge) Pause() { b.sendCommand(CommandPause) }

// SetPauseOnException configures the backend's exception pause state
// ("none", "uncaught", or "all").
func (b *Bridge) SetPauseOnException(state string) {
	b.sendCommand(CommandSetPauseOnException, state)
}

// SetSingleThreadStepping toggles single-thread stepping.
func (b *Bridge) SetSingleThreadStepping(enabled bool) {
	b.sendCommand(CommandSetSingleThreadStepping, enabled)
}

// AddBreakpoint asks the backend to set a breakpoint.
func (b *Bridge) AddBreakpoint(path string, line int) {
	b.sendCommand(CommandAddBreakpoint, path, line)
}

// RemoveBreakpoint asks the backend to clear a breakpoint.
func (b *Bridge) RemoveBreakpoint(path string, line int) {
	b.sendCommand(CommandRemoveBreakpoint, path, line)
}

// sendCommand writes a fire-and-forget command to the channel. A detached
// bridge makes this a no-op; write failures are logged with the command name
// and otherwise swallowed.
func (b *Bridge) sendCommand(method string, args ...any) {
	t := b.currentTransport()
	if t == nil {
		return
	}

	if writeErr := t.WriteMessage(NewCommandEnvelope(method, args...)); writeErr != nil {
		b.log.Error(writeErr, "Failed to send command", "command", method)
	}
}

// sendWithResponse issues a command expecting a correlated response and
// blocks until the response arrives, the bridge is closed, or ctx is done.
//
// Exactly one command message is written per outstanding (table, key) pair;
// callers issuing a key that is already pending share the in-flight waiter.
// Every failure mode (detached channel, transport write failure, remote
// error, drain at close) collapses to a nil result here; the settle path
// logs the failure with the command name.
func (b *Bridge) sendWithResponse(ctx context.Context, table *pendingTable, method string, key string, args ...any) json.RawMessage {
	t := b.currentTransport()
	if t == nil {
		return nil
	}

	w, created := table.intern(key, method)
	if created {
		cmdArgs := append([]any{key}, args...)
		if writeErr := t.WriteMessage(NewCommandEnvelope(method, cmdArgs...)); writeErr != nil {
			// Settle the new waiter so it is removed and every sharer
			// observes the failure as a nil result.
			w.settle(nil, writeErr)
		}
	}

	result, awaitErr := w.await(ctx)
	if awaitErr != nil {
		if errors.Is(awaitErr, context.Canceled) || errors.Is(awaitErr, context.DeadlineExceeded) {
			b.log.V(1).Info("Abandoning wait for command response",
				"command", method,
				"key", key,
				"reason", awaitErr.Error())
		}
		return nil
	}
	return result
}

// readLoop reads messages from t until the transport fails or is closed.
// Malformed frames are logged and skipped. When the failing transport is
// still the current channel handle, the bridge detaches itself and reports
// the lost channel.
func (b *Bridge) readLoop(t Transport) {
	defer b.wg.Done()

	for {
		env, readErr := t.ReadMessage()
		if readErr != nil {
			var malformed *MalformedMessageError
			if errors.As(readErr, &malformed) {
				// A bad frame does not mean the channel is broken.
				b.log.Error(readErr, "Skipping malformed message")
				continue
			}

			b.mu.Lock()
			current := b.transport == t
			if current {
				b.transport = nil
			}
			b.mu.Unlock()

			// Release the underlying connection; Close is idempotent, so
			// this is safe when the transport was already closed.
			_ = t.Close()

			if current {
				if !errors.Is(readErr, ErrChannelClosed) {
					b.log.Error(readErr, "Channel read failed, bridge detached")
				}
				if b.onChannelLost != nil {
					b.onChannelLost()
				}
			}
			return
		}

		b.dispatch(env)
	}
}

// dispatch routes an inbound message by channel tag. Responses settle
// pending waiters synchronously; events are queued for the sink.
func (b *Bridge) dispatch(env *Envelope) {
	b.log.V(1).Info("Received message", "message", env.Describe())

	switch env.Channel {
	case ChannelResponse:
		b.dispatchResponse(env)

	case ChannelEvent:
		select {
		case b.events.In <- env:
		case <-b.lifetimeCtx.Done():
		}

	default:
		b.log.V(1).Info("Dropping message on unexpected channel", "channel", env.Channel)
	}
}

// dispatchResponse extracts the correlation key from a response message and
// delivers it to the table for its command family.
func (b *Bridge) dispatchResponse(env *Envelope) {
	var deliveryErr error
	if env.Error != "" {
		deliveryErr = &RemoteError{Message: env.Error}
	}

	switch env.Method {
	case MethodExpressionEvaluationResponse:
		b.evaluations.deliver(env.Key, env.Result, deliveryErr)

	case MethodGetPropertiesResponse:
		b.properties.deliver(env.Key, env.Result, deliveryErr)

	default:
		b.log.V(1).Info("Dropping response with unknown method", "method", env.Method)
	}
}

// eventLoop delivers queued events to the sink.
func (b *Bridge) eventLoop() {
	defer b.wg.Done()

	for env := range b.events.Out {
		b.deliverEvent(env)
	}
}

func (b *Bridge) deliverEvent(env *Envelope) {
	if b.sink == nil {
		return
	}

	switch env.Event {
	case EventPaused:
		var ev PausedEvent
		if b.decodeEventBody(env, &ev) {
			b.sink.HandlePaused(ev)
		}

	case EventResumed:
		b.sink.HandleResumed()

	case EventOutput:
		var ev OutputEvent
		if b.decodeEventBody(env, &ev) {
			b.sink.HandleOutput(ev)
		}

	case EventBreakpointAdded:
		var binding BreakpointBinding
		if b.decodeEventBody(env, &binding) {
			b.sink.HandleBreakpointAdded(binding)
		}

	case EventBreakpointRemoved:
		var binding BreakpointBinding
		if b.decodeEventBody(env, &binding) {
			b.sink.HandleBreakpointRemoved(binding)
		}

	case EventLoaderBreakpoint:
		// The loader breakpoint is the initial stop before any user code runs.
		b.sink.HandlePaused(PausedEvent{Reason: "loader"})

	default:
		b.log.V(1).Info("Dropping unknown event", "event", env.Event)
	}
}

func (b *Bridge) decodeEventBody(env *Envelope, out any) bool {
	if unmarshalErr := json.Unmarshal(env.Body, out); unmarshalErr != nil {
		b.log.Error(unmarshalErr, "Failed to decode event body", "event", env.Event)
		return false
	}
	return true
}
