// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package debugger

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Transport provides an abstraction for bridge message I/O over different
// connection types. Implementations must be safe for one concurrent reader
// and one concurrent writer, but individual reads (or writes) may not be
// concurrent with each other.
type Transport interface {
	// ReadMessage reads the next message from the transport.
	// This method blocks until a complete message is available.
	ReadMessage() (*Envelope, error)

	// WriteMessage writes a message to the transport.
	WriteMessage(env *Envelope) error

	// Close closes the transport, releasing any associated resources.
	// After Close is called, any blocked ReadMessage or WriteMessage calls
	// should return with an error.
	Close() error
}

// webSocketTransport implements Transport over a WebSocket connection.
type webSocketTransport struct {
	conn *websocket.Conn

	// writeMu protects concurrent writes to the connection
	writeMu sync.Mutex

	// closed indicates whether the transport has been closed
	closed bool
	mu     sync.Mutex
}

// NewWebSocketTransport creates a new Transport backed by a WebSocket connection.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &webSocketTransport{conn: conn}
}

// DialWebSocket establishes a WebSocket connection to the specified URL and
// returns a Transport.
func DialWebSocket(ctx context.Context, url string, header http.Header) (Transport, error) {
	conn, resp, dialErr := websocket.DefaultDialer.DialContext(ctx, url, header)
	if dialErr != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, dialErr)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	return NewWebSocketTransport(conn), nil
}

func (t *webSocketTransport) ReadMessage() (*Envelope, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrChannelClosed
	}
	t.mu.Unlock()

	_, data, readErr := t.conn.ReadMessage()
	if readErr != nil {
		return nil, fmt.Errorf("failed to read message: %w", readErr)
	}

	env, decodeErr := DecodeEnvelope(data)
	if decodeErr != nil {
		// The frame is garbage but the connection is fine.
		return nil, &MalformedMessageError{Err: decodeErr}
	}
	return env, nil
}

func (t *webSocketTransport) WriteMessage(env *Envelope) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrChannelClosed
	}
	t.mu.Unlock()

	data, encodeErr := env.Encode()
	if encodeErr != nil {
		return encodeErr
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if writeErr := t.conn.WriteMessage(websocket.TextMessage, data); writeErr != nil {
		return fmt.Errorf("failed to write message: %w", writeErr)
	}

	return nil
}

func (t *webSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	t.closed = true
	return t.conn.Close()
}

// pipeTransport implements Transport over in-process channels. It is used
// for tests and for embedding a backend in the same process.
type pipeTransport struct {
	in  chan *Envelope
	out chan *Envelope

	closeCh   chan struct{}
	closeOnce sync.Once

	// peerClose is the peer's closeCh; a read also unblocks when the peer
	// closes its end.
	peerClose chan struct{}
}

// NewPipe returns a connected pair of in-process transports. Messages
// written to one end are read from the other. Closing either end unblocks
// pending reads on both.
func NewPipe() (Transport, Transport) {
	aToB := make(chan *Envelope, 16)
	bToA := make(chan *Envelope, 16)
	closeA := make(chan struct{})
	closeB := make(chan struct{})

	a := &pipeTransport{in: bToA, out: aToB, closeCh: closeA, peerClose: closeB}
	b := &pipeTransport{in: aToB, out: bToA, closeCh: closeB, peerClose: closeA}
	return a, b
}

func (t *pipeTransport) ReadMessage() (*Envelope, error) {
	select {
	case env := <-t.in:
		return env, nil
	case <-t.closeCh:
		return nil, ErrChannelClosed
	case <-t.peerClose:
		// Drain anything written before the peer closed.
		select {
		case env := <-t.in:
			return env, nil
		default:
			return nil, ErrChannelClosed
		}
	}
}

func (t *pipeTransport) WriteMessage(env *Envelope) error {
	// Check for closure first: a buffered send could otherwise succeed
	// against an already-closed peer.
	select {
	case <-t.closeCh:
		return ErrChannelClosed
	case <-t.peerClose:
		return ErrChannelClosed
	default:
	}

	select {
	case t.out <- env:
		return nil
	case <-t.closeCh:
		return ErrChannelClosed
	case <-t.peerClose:
		return ErrChannelClosed
	}
}

func (t *pipeTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closeCh)
	})
	return nil
}
