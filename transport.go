// Copyright (c) 2017 Jared Patrick <jared.patrick@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package wsjrpc

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
)

// State is the lifecycle state of a connection.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is a duplex, message oriented connection.
// Exactly one goroutine calls Receive; Send may be called concurrently.
type Transport interface {
	// Send writes one message.
	Send(data []byte) error
	// Receive blocks for the next message. A peer close is reported as a
	// *websocket.CloseError so that its reason reaches the callers.
	Receive() ([]byte, error)
	// Close tears the connection down and unblocks Receive. It may be
	// called more than once.
	Close() error
}

// Dialer opens transports to an endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, endpoint string) (Transport, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, endpoint string) (Transport, error) {
	return f(ctx, endpoint)
}

// WebsocketDialer dials websocket endpoints (ws:// or wss://).
type WebsocketDialer struct {
	// Dialer is the underlying websocket dialer. websocket.DefaultDialer is
	// used when nil.
	Dialer *websocket.Dialer
	// Headers are sent with the opening handshake.
	Headers map[string]string
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, endpoint string) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := make(http.Header, len(d.Headers))
	for k, v := range d.Headers {
		header.Set(k, v)
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Annotatef(err, "dial %s (status %d)", endpoint, resp.StatusCode)
		}
		return nil, errors.Annotatef(err, "dial %s", endpoint)
	}
	return &wsTransport{conn: conn}, nil
}

const closeWriteWait = time.Second

type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

func (t *wsTransport) Send(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return errors.Trace(t.conn.WriteMessage(websocket.TextMessage, data))
}

func (t *wsTransport) Receive() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) Close() error {
	var err error
	t.once.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
		err = t.conn.Close()
	})
	return err
}
