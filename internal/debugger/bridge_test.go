// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package debugger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink captures events delivered by the bridge.
type recordingSink struct {
	mu          sync.Mutex
	paused      []PausedEvent
	resumed     int
	outputs     []OutputEvent
	bpAdded     []BreakpointBinding
	bpRemoved   []BreakpointBinding
	gotPaused   chan struct{}
	gotResumed  chan struct{}
	gotOutput   chan struct{}
	gotBpChange chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		gotPaused:   make(chan struct{}, 16),
		gotResumed:  make(chan struct{}, 16),
		gotOutput:   make(chan struct{}, 16),
		gotBpChange: make(chan struct{}, 16),
	}
}

func (s *recordingSink) HandlePaused(ev PausedEvent) {
	s.mu.Lock()
	s.paused = append(s.paused, ev)
	s.mu.Unlock()
	s.gotPaused <- struct{}{}
}

func (s *recordingSink) HandleResumed() {
	s.mu.Lock()
	s.resumed++
	s.mu.Unlock()
	s.gotResumed <- struct{}{}
}

func (s *recordingSink) HandleOutput(ev OutputEvent) {
	s.mu.Lock()
	s.outputs = append(s.outputs, ev)
	s.mu.Unlock()
	s.gotOutput <- struct{}{}
}

func (s *recordingSink) HandleBreakpointAdded(b BreakpointBinding) {
	s.mu.Lock()
	s.bpAdded = append(s.bpAdded, b)
	s.mu.Unlock()
	s.gotBpChange <- struct{}{}
}

func (s *recordingSink) HandleBreakpointRemoved(b BreakpointBinding) {
	s.mu.Lock()
	s.bpRemoved = append(s.bpRemoved, b)
	s.mu.Unlock()
	s.gotBpChange <- struct{}{}
}

// readCommand reads the next command envelope from the backend side of a
// pipe, failing the test on timeout.
func readCommand(t *testing.T, backend Transport) *Envelope {
	t.Helper()

	type readResult struct {
		env *Envelope
		err error
	}
	ch := make(chan readResult, 1)
	go func() {
		env, err := backend.ReadMessage()
		ch <- readResult{env, err}
	}()

	select {
	case r := <-ch:
		require.NoError(t, r.err)
		require.Equal(t, ChannelCommand, r.env.Channel)
		return r.env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a command")
		return nil
	}
}

// assertNoCommand asserts that no further message arrives on the backend
// side within the grace period.
func assertNoCommand(t *testing.T, backend Transport) {
	t.Helper()

	ch := make(chan *Envelope, 1)
	go func() {
		if env, err := backend.ReadMessage(); err == nil {
			ch <- env
		}
	}()

	select {
	case env := <-ch:
		t.Fatalf("unexpected message sent to backend: %s", env.Describe())
	case <-time.After(50 * time.Millisecond):
	}
}

func newAttachedBridge(t *testing.T, sink EventSink) (*Bridge, Transport) {
	t.Helper()

	bridge := NewBridge(BridgeConfig{EventSink: sink, Logger: logr.Discard()})
	t.Cleanup(bridge.Close)

	frontendSide, backendSide := NewPipe()
	require.NoError(t, bridge.Attach(frontendSide))
	return bridge, backendSide
}

// newWebSocketBridge attaches a bridge to a real WebSocket connection and
// returns the bridge, its transport, and the raw server-side conn acting as
// the debug backend.
func newWebSocketBridge(t *testing.T, config BridgeConfig) (*Bridge, Transport, *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	serverConns := make(chan *websocket.Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, upgradeErr := upgrader.Upgrade(w, r, nil)
		require.NoError(t, upgradeErr)
		serverConns <- conn
	}))
	t.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, dialErr := DialWebSocket(ctx, "ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, dialErr)

	bridge := NewBridge(config)
	t.Cleanup(bridge.Close)
	require.NoError(t, bridge.Attach(client))

	backendConn := <-serverConns
	t.Cleanup(func() { _ = backendConn.Close() })
	return bridge, client, backendConn
}

func TestBridge_DisconnectedShortCircuit(t *testing.T) {
	t.Parallel()

	bridge := NewBridge(BridgeConfig{Logger: logr.Discard()})
	defer bridge.Close()

	ctx := context.Background()

	start := time.Now()
	assert.Nil(t, bridge.EvaluateOnSelectedCallFrame(ctx, "x+1", "console"))
	assert.Nil(t, bridge.GetProperties(ctx, "obj-1"))
	assert.Less(t, time.Since(start), time.Second, "detached sends must resolve immediately")

	assert.Equal(t, 0, bridge.evaluations.size(), "no entry may be created while detached")
	assert.Equal(t, 0, bridge.properties.size())

	// Fire-and-forget commands are silent no-ops.
	assert.NotPanics(t, func() {
		bridge.Continue()
		bridge.Pause()
		bridge.AddBreakpoint("/src/main.js", 10)
	})
}

func TestBridge_EvaluateRoundTrip(t *testing.T) {
	t.Parallel()

	bridge, backend := newAttachedBridge(t, nil)

	resultCh := make(chan *RemoteObject, 1)
	go func() {
		resultCh <- bridge.EvaluateOnSelectedCallFrame(context.Background(), "x+1", "console")
	}()

	cmd := readCommand(t, backend)
	assert.Equal(t, CommandEvaluateOnSelectedCallFrame, cmd.Method)
	require.Len(t, cmd.Args, 2)
	assert.Equal(t, "x+1", cmd.Args[0], "the correlation key is the first argument")
	assert.Equal(t, "console", cmd.Args[1])

	require.NoError(t, backend.WriteMessage(NewResponseEnvelope(
		MethodExpressionEvaluationResponse, "x+1", []byte(`{"type":"number","value":"2"}`), "")))

	select {
	case result := <-resultCh:
		require.NotNil(t, result)
		assert.Equal(t, "number", result.Type)
		assert.Equal(t, json.RawMessage(`"2"`), result.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("evaluation did not resolve")
	}

	assert.Equal(t, 0, bridge.evaluations.size(), "the table must be empty after resolution")
}

func TestBridge_ConcurrentEvaluationsDeduplicated(t *testing.T) {
	t.Parallel()

	bridge, backend := newAttachedBridge(t, nil)

	const callers = 4
	results := make(chan *RemoteObject, callers)
	for i := 0; i < callers; i++ {
		go func() {
			results <- bridge.EvaluateOnSelectedCallFrame(context.Background(), "x+1", "console")
		}()
	}

	// Exactly one command reaches the backend no matter how many callers race.
	cmd := readCommand(t, backend)
	assert.Equal(t, CommandEvaluateOnSelectedCallFrame, cmd.Method)

	require.Eventually(t, func() bool { return bridge.evaluations.size() == 1 },
		2*time.Second, time.Millisecond, "all callers should share one pending entry")
	assertNoCommand(t, backend)

	require.NoError(t, backend.WriteMessage(NewResponseEnvelope(
		MethodExpressionEvaluationResponse, "x+1", []byte(`{"type":"number","value":"2"}`), "")))

	for i := 0; i < callers; i++ {
		select {
		case result := <-results:
			require.NotNil(t, result)
			assert.Equal(t, "number", result.Type)
		case <-time.After(2 * time.Second):
			t.Fatal("caller did not resolve")
		}
	}

	assert.Equal(t, 0, bridge.evaluations.size())
}

func TestBridge_RemoteErrorCollapsesToNil(t *testing.T) {
	t.Parallel()

	bridge, backend := newAttachedBridge(t, nil)

	resultCh := make(chan []PropertyDescriptor, 1)
	go func() {
		resultCh <- bridge.GetProperties(context.Background(), "obj-1")
	}()

	cmd := readCommand(t, backend)
	assert.Equal(t, CommandGetProperties, cmd.Method)

	require.NoError(t, backend.WriteMessage(NewResponseEnvelope(
		MethodGetPropertiesResponse, "obj-1", nil, "no such object")))

	select {
	case result := <-resultCh:
		assert.Nil(t, result, "remote failures must surface as nil, not as errors")
	case <-time.After(2 * time.Second):
		t.Fatal("fetch did not resolve")
	}

	assert.Equal(t, 0, bridge.properties.size())
}

func TestBridge_TransportWriteFailure(t *testing.T) {
	t.Parallel()

	bridge := NewBridge(BridgeConfig{Logger: logr.Discard()})
	defer bridge.Close()

	frontendSide, backendSide := NewPipe()
	require.NoError(t, bridge.Attach(frontendSide))

	// Closing the backend end makes the next write fail.
	require.NoError(t, backendSide.Close())

	result := bridge.EvaluateOnSelectedCallFrame(context.Background(), "x+1", "console")
	assert.Nil(t, result)
	assert.Equal(t, 0, bridge.evaluations.size(), "a failed send must not leak an entry")
}

func TestBridge_SteppingCommands(t *testing.T) {
	t.Parallel()

	bridge, backend := newAttachedBridge(t, nil)

	bridge.Continue()
	assert.Equal(t, CommandContinue, readCommand(t, backend).Method)

	bridge.StepOver()
	assert.Equal(t, CommandStepOver, readCommand(t, backend).Method)

	bridge.StepInto()
	assert.Equal(t, CommandStepInto, readCommand(t, backend).Method)

	bridge.StepOut()
	assert.Equal(t, CommandStepOut, readCommand(t, backend).Method)

	bridge.Pause()
	assert.Equal(t, CommandPause, readCommand(t, backend).Method)

	bridge.SetPauseOnException("uncaught")
	cmd := readCommand(t, backend)
	assert.Equal(t, CommandSetPauseOnException, cmd.Method)
	assert.Equal(t, []any{"uncaught"}, cmd.Args)

	bridge.SetSingleThreadStepping(true)
	cmd = readCommand(t, backend)
	assert.Equal(t, CommandSetSingleThreadStepping, cmd.Method)
	assert.Equal(t, []any{true}, cmd.Args)

	bridge.AddBreakpoint("/src/main.js", 42)
	cmd = readCommand(t, backend)
	assert.Equal(t, CommandAddBreakpoint, cmd.Method)
	assert.Equal(t, []any{"/src/main.js", 42}, cmd.Args)

	bridge.RemoveBreakpoint("/src/main.js", 42)
	assert.Equal(t, CommandRemoveBreakpoint, readCommand(t, backend).Method)

	assert.Equal(t, 0, bridge.evaluations.size(), "stepping commands never create table entries")
	assert.Equal(t, 0, bridge.properties.size())
}

func TestBridge_DetachLeavesPendingAndReattachResolves(t *testing.T) {
	t.Parallel()

	bridge := NewBridge(BridgeConfig{Logger: logr.Discard()})
	defer bridge.Close()

	frontendSide, backendSide := NewPipe()
	require.NoError(t, bridge.Attach(frontendSide))

	resultCh := make(chan *RemoteObject, 1)
	go func() {
		resultCh <- bridge.EvaluateOnSelectedCallFrame(context.Background(), "x+1", "console")
	}()
	readCommand(t, backendSide)

	bridge.Detach()
	assert.False(t, bridge.Attached())
	assert.Equal(t, 1, bridge.evaluations.size(), "detach must not fail pending requests")

	select {
	case <-resultCh:
		t.Fatal("caller must remain pending across a detach")
	case <-time.After(50 * time.Millisecond):
	}

	// A replacement channel can still deliver the response.
	newFrontend, newBackend := NewPipe()
	require.NoError(t, bridge.Attach(newFrontend))
	require.NoError(t, newBackend.WriteMessage(NewResponseEnvelope(
		MethodExpressionEvaluationResponse, "x+1", []byte(`{"type":"number","value":"2"}`), "")))

	select {
	case result := <-resultCh:
		require.NotNil(t, result)
		assert.Equal(t, "number", result.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("pending evaluation was not resolved after re-attach")
	}
}

func TestBridge_CloseDrainsPending(t *testing.T) {
	t.Parallel()

	bridge := NewBridge(BridgeConfig{Logger: logr.Discard()})

	frontendSide, backendSide := NewPipe()
	require.NoError(t, bridge.Attach(frontendSide))

	resultCh := make(chan *RemoteObject, 1)
	go func() {
		resultCh <- bridge.EvaluateOnSelectedCallFrame(context.Background(), "x+1", "console")
	}()
	readCommand(t, backendSide)

	bridge.Close()

	select {
	case result := <-resultCh:
		assert.Nil(t, result, "drained callers observe nil results")
	case <-time.After(2 * time.Second):
		t.Fatal("caller was not released by Close")
	}

	assert.Equal(t, 0, bridge.evaluations.size())
	assert.ErrorIs(t, bridge.Attach(frontendSide), ErrBridgeClosed)
}

func TestBridge_EventDispatch(t *testing.T) {
	t.Parallel()

	sink := newRecordingSink()
	_, backend := newAttachedBridge(t, sink)

	require.NoError(t, backend.WriteMessage(NewEventEnvelope(EventPaused,
		[]byte(`{"stopThreadId":3,"reason":"breakpoint"}`))))
	require.NoError(t, backend.WriteMessage(NewEventEnvelope(EventOutput,
		[]byte(`{"level":"warning","text":"deprecated API"}`))))
	require.NoError(t, backend.WriteMessage(NewEventEnvelope(EventResumed, nil)))
	require.NoError(t, backend.WriteMessage(NewEventEnvelope(EventBreakpointAdded,
		[]byte(`{"path":"/src/main.js","line":42,"resolved":true}`))))
	require.NoError(t, backend.WriteMessage(NewEventEnvelope(EventLoaderBreakpoint, nil)))

	waitFor := func(ch chan struct{}, what string) {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", what)
		}
	}

	waitFor(sink.gotPaused, "paused event")
	waitFor(sink.gotOutput, "output event")
	waitFor(sink.gotResumed, "resumed event")
	waitFor(sink.gotBpChange, "breakpoint event")
	waitFor(sink.gotPaused, "loader breakpoint event")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.paused, 2)
	assert.Equal(t, PausedEvent{StopThreadID: 3, Reason: "breakpoint"}, sink.paused[0])
	assert.Equal(t, "loader", sink.paused[1].Reason)
	assert.Equal(t, 1, sink.resumed)
	require.Len(t, sink.outputs, 1)
	assert.Equal(t, OutputEvent{Level: "warning", Text: "deprecated API"}, sink.outputs[0])
	require.Len(t, sink.bpAdded, 1)
	assert.Equal(t, BreakpointBinding{Path: "/src/main.js", Line: 42, Resolved: true}, sink.bpAdded[0])
}

func TestBridge_UnknownInboundMessagesAreDropped(t *testing.T) {
	t.Parallel()

	sink := newRecordingSink()
	bridge, backend := newAttachedBridge(t, sink)

	// An unknown response method and an unknown event must not kill the pump.
	require.NoError(t, backend.WriteMessage(NewResponseEnvelope("FutureResponse", "k", nil, "")))
	require.NoError(t, backend.WriteMessage(NewEventEnvelope("futureEvent", []byte(`{}`))))

	// The channel still works afterwards.
	resultCh := make(chan *RemoteObject, 1)
	go func() {
		resultCh <- bridge.EvaluateOnSelectedCallFrame(context.Background(), "x", "console")
	}()
	readCommand(t, backend)
	require.NoError(t, backend.WriteMessage(NewResponseEnvelope(
		MethodExpressionEvaluationResponse, "x", []byte(`{"type":"string"}`), "")))

	select {
	case result := <-resultCh:
		require.NotNil(t, result)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge stopped processing after unknown messages")
	}
}

func TestBridge_ContextCancellationAbandonsWait(t *testing.T) {
	t.Parallel()

	bridge, backend := newAttachedBridge(t, nil)

	ctx, cancel := context.WithCancel(context.Background())

	resultCh := make(chan *RemoteObject, 1)
	go func() {
		resultCh <- bridge.EvaluateOnSelectedCallFrame(ctx, "slow", "console")
	}()
	readCommand(t, backend)

	cancel()

	select {
	case result := <-resultCh:
		assert.Nil(t, result)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	// The entry stays pending for a late delivery.
	assert.Equal(t, 1, bridge.evaluations.size())
	require.NoError(t, backend.WriteMessage(NewResponseEnvelope(
		MethodExpressionEvaluationResponse, "slow", []byte(`{"type":"number"}`), "")))
	require.Eventually(t, func() bool { return bridge.evaluations.size() == 0 },
		2*time.Second, time.Millisecond, "a late delivery still clears the entry")
}

func TestBridge_TableIsolation(t *testing.T) {
	t.Parallel()

	bridge, backend := newAttachedBridge(t, nil)

	evalCh := make(chan *RemoteObject, 1)
	propsCh := make(chan []PropertyDescriptor, 1)
	go func() {
		evalCh <- bridge.EvaluateOnSelectedCallFrame(context.Background(), "shared-key", "console")
	}()
	go func() {
		propsCh <- bridge.GetProperties(context.Background(), "shared-key")
	}()

	// Both commands go out; order is not guaranteed.
	methods := map[string]bool{}
	methods[readCommand(t, backend).Method] = true
	methods[readCommand(t, backend).Method] = true
	assert.True(t, methods[CommandEvaluateOnSelectedCallFrame])
	assert.True(t, methods[CommandGetProperties])

	require.NoError(t, backend.WriteMessage(NewResponseEnvelope(
		MethodExpressionEvaluationResponse, "shared-key", []byte(`{"type":"number"}`), "")))

	select {
	case result := <-evalCh:
		require.NotNil(t, result)
	case <-time.After(2 * time.Second):
		t.Fatal("evaluation did not resolve")
	}

	select {
	case <-propsCh:
		t.Fatal("property fetch must not be affected by the evaluation response")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, bridge.properties.size())

	require.NoError(t, backend.WriteMessage(NewResponseEnvelope(
		MethodGetPropertiesResponse, "shared-key", []byte(`[{"name":"a"}]`), "")))

	select {
	case props := <-propsCh:
		require.Len(t, props, 1)
		assert.Equal(t, "a", props[0].Name)
	case <-time.After(2 * time.Second):
		t.Fatal("property fetch did not resolve")
	}
}

func TestBridge_MalformedResultDecodesToNil(t *testing.T) {
	t.Parallel()

	bridge, backend := newAttachedBridge(t, nil)

	resultCh := make(chan *RemoteObject, 1)
	go func() {
		resultCh <- bridge.EvaluateOnSelectedCallFrame(context.Background(), "x", "console")
	}()
	readCommand(t, backend)

	// A result that is not a RemoteObject shape.
	require.NoError(t, backend.WriteMessage(NewResponseEnvelope(
		MethodExpressionEvaluationResponse, "x", []byte(`[1,2,3]`), "")))

	select {
	case result := <-resultCh:
		assert.Nil(t, result)
	case <-time.After(2 * time.Second):
		t.Fatal("evaluation did not resolve")
	}
}

func TestBridge_MalformedInboundMessageIsSkipped(t *testing.T) {
	t.Parallel()

	bridge, _, backendConn := newWebSocketBridge(t, BridgeConfig{Logger: logr.Discard()})

	// Neither invalid JSON nor an unknown channel may kill the reader pump.
	require.NoError(t, backendConn.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	require.NoError(t, backendConn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"telemetry"}`)))

	time.Sleep(200 * time.Millisecond)
	assert.True(t, bridge.Attached(), "a malformed message must be skipped, not detach the bridge")

	// The pump still works afterwards: a correlated command resolves.
	backend := NewWebSocketTransport(backendConn)
	resultCh := make(chan *RemoteObject, 1)
	go func() {
		resultCh <- bridge.EvaluateOnSelectedCallFrame(context.Background(), "x", "console")
	}()

	cmd, readErr := backend.ReadMessage()
	require.NoError(t, readErr)
	require.Equal(t, CommandEvaluateOnSelectedCallFrame, cmd.Method)
	require.NoError(t, backend.WriteMessage(NewResponseEnvelope(
		MethodExpressionEvaluationResponse, "x", []byte(`{"type":"number"}`), "")))

	select {
	case result := <-resultCh:
		require.NotNil(t, result)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge stopped processing after a malformed message")
	}
}

func TestBridge_ClosesFailedTransport(t *testing.T) {
	t.Parallel()

	lost := make(chan struct{}, 1)
	bridge, client, backendConn := newWebSocketBridge(t, BridgeConfig{
		Logger:        logr.Discard(),
		OnChannelLost: func() { lost <- struct{}{} },
	})

	require.NoError(t, backendConn.Close())

	require.Eventually(t, func() bool { return !bridge.Attached() },
		2*time.Second, time.Millisecond)

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("lost channel was not reported")
	}

	// The failed transport itself is released, not just dropped.
	require.Eventually(t, func() bool {
		writeErr := client.WriteMessage(NewCommandEnvelope("Pause"))
		return errors.Is(writeErr, ErrChannelClosed)
	}, 2*time.Second, time.Millisecond)
}

func TestBridge_ConcurrentAttachAndClose(t *testing.T) {
	t.Parallel()

	for i := 0; i < 50; i++ {
		bridge := NewBridge(BridgeConfig{Logger: logr.Discard()})
		frontendSide, backendSide := NewPipe()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = bridge.Attach(frontendSide)
		}()
		go func() {
			defer wg.Done()
			bridge.Close()
		}()
		wg.Wait()

		bridge.Close()
		_ = frontendSide.Close()
		_ = backendSide.Close()
	}
}

func TestBridge_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	bridge := NewBridge(BridgeConfig{Logger: logr.Discard()})
	bridge.Close()
	assert.NotPanics(t, bridge.Close)
}

var _ error = (*RemoteError)(nil)

func TestRemoteError_Message(t *testing.T) {
	t.Parallel()

	err := &RemoteError{Message: "variable is not defined"}
	assert.Equal(t, "remote error: variable is not defined", err.Error())

	var target *RemoteError
	assert.True(t, errors.As(error(err), &target))
}
