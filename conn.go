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
	stderrors "errors"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// manager holds the single connection a client owns, and the dial in flight
// when there is one.
type manager struct {
	mu    sync.Mutex
	conn  *connection
	dial  *dialAttempt
	state State // reported while neither conn nor dial is set
}

type connection struct {
	t     Transport
	state atomic.Int32
	done  chan struct{}
}

func (c *connection) State() State {
	return State(c.state.Load())
}

// dialAttempt is shared by every caller that needs a transport while it runs.
type dialAttempt struct {
	cancel context.CancelFunc
	done   chan struct{}
	conn   *connection
	err    error
}

// State reports the state of the client's connection.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.dial != nil:
		return StateConnecting
	case c.conn != nil:
		return c.conn.State()
	default:
		return c.state
	}
}

// acquire returns the open connection, dialing a new one if needed. Callers
// arriving during a dial wait for that dial instead of starting their own.
func (c *Client) acquire(ctx context.Context) (*connection, error) {
	c.mu.Lock()
	// A stored connection is always open: fault and shutdown clear it in
	// the same critical section that moves it out of StateOpen.
	if conn := c.conn; conn != nil {
		c.mu.Unlock()
		return conn, nil
	}
	a := c.dial
	if a == nil {
		dctx, cancel := context.WithCancel(context.Background())
		a = &dialAttempt{cancel: cancel, done: make(chan struct{})}
		c.dial = a
		go c.connect(dctx, a)
	}
	c.mu.Unlock()

	select {
	case <-a.done:
		return a.conn, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type dialResult struct {
	t   Transport
	err error
}

// connect races the dial against the connect timeout; whichever finishes
// first decides the attempt.
func (c *Client) connect(ctx context.Context, a *dialAttempt) {
	defer a.cancel()
	timeout := c.opts.ConnectTimeout
	c.log.Debug().Dur("timeout", timeout).Msg("connecting")

	results := make(chan dialResult, 1)
	go func() {
		t, err := c.opts.Dialer.Dial(ctx, c.endpoint)
		results <- dialResult{t: t, err: err}
	}()

	timer := c.opts.Clock.NewTimer(timeout)
	defer timer.Stop()

	var (
		t        Transport
		fail     *Error
		received bool
	)
	select {
	case r := <-results:
		received = true
		t = r.t
		switch {
		case r.err != nil:
			fail = transportError(r.err)
		case t == nil:
			fail = transportError(stderrors.New("dialer returned no transport"))
		}
	case <-timer.Chan():
		fail = connectTimeoutError(timeout)
	case <-ctx.Done():
	}
	if t == nil && ctx.Err() != nil {
		fail = &Error{Kind: KindClosed, Message: "client closed"}
	}
	if !received {
		// The dial may still complete; its transport is not wanted.
		a.cancel()
		go func() {
			if r := <-results; r.t != nil {
				_ = r.t.Close()
			}
		}()
	}

	c.mu.Lock()
	if c.dial == a {
		c.dial = nil
	}
	if fail == nil && ctx.Err() != nil {
		// Close ran while the dial was finishing.
		fail = &Error{Kind: KindClosed, Message: "client closed"}
	}
	if fail == nil {
		conn := &connection{t: t, done: make(chan struct{})}
		conn.state.Store(int32(StateOpen))
		c.conn = conn
		a.conn = conn
		c.mu.Unlock()

		c.log.Debug().Msg("connected")
		c.opts.Metrics.connect("ok")
		go c.readLoop(conn)
		close(a.done)
		return
	}
	c.state = StateClosed
	c.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
	a.err = fail
	c.opts.Metrics.connect(fail.Kind.String())
	if fail.Kind != KindClosed {
		c.log.Warn().Err(fail).Msg("connection failed")
		c.sweep(fail)
	}
	close(a.done)
}

func (c *Client) readLoop(conn *connection) {
	defer close(conn.done)
	for {
		data, err := conn.t.Receive()
		if err != nil {
			c.fault(conn, err)
			return
		}
		c.route(data)
	}
}

func (c *Client) write(conn *connection, data []byte) error {
	if conn.State() != StateOpen {
		return closedError("connection is " + conn.State().String())
	}
	if err := conn.t.Send(data); err != nil {
		fail := faultError(err)
		c.fault(conn, err)
		return fail
	}
	return nil
}

// fault handles a transport failure. The first failure of an open
// connection fails the pending calls; a connection closed on purpose by
// shutdown fails nothing.
func (c *Client) fault(conn *connection, err error) {
	c.mu.Lock()
	prev := State(conn.state.Swap(int32(StateClosed)))
	if c.conn == conn {
		c.conn = nil
		c.state = StateClosed
	}
	c.mu.Unlock()
	_ = conn.t.Close()

	if prev != StateOpen {
		return
	}
	fail := faultError(err)
	c.log.Warn().Err(fail).Msg("connection lost")
	c.sweep(fail)
}

// shutdown closes the current connection and abandons any dial in flight.
func (c *Client) shutdown() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	if conn != nil {
		conn.state.Store(int32(StateClosing))
	}
	if a := c.dial; a != nil {
		c.dial = nil
		a.cancel()
	}
	c.state = StateClosed
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.t.Close()
	<-conn.done
	conn.state.Store(int32(StateClosed))
	c.log.Debug().Msg("connection closed")
	return err
}

func faultError(err error) *Error {
	var closeErr *websocket.CloseError
	if stderrors.As(err, &closeErr) {
		return closedError(closeErr.Text)
	}
	return transportError(err)
}
