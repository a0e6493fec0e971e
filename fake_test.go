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
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

// fakeTransport is an in-memory Transport. Tests push inbound messages and
// read what the client sent.
type fakeTransport struct {
	sent     chan []byte
	inbox    chan []byte
	closed   chan struct{}
	once     sync.Once
	mu       sync.Mutex
	recvErr  error
	sendErr  error
	closeCnt int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sent:   make(chan []byte, 64),
		inbox:  make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) Send(data []byte) error {
	t.mu.Lock()
	err := t.sendErr
	t.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-t.closed:
		return errors.New("use of closed transport")
	default:
	}
	t.sent <- data
	return nil
}

func (t *fakeTransport) Receive() ([]byte, error) {
	select {
	case data := <-t.inbox:
		return data, nil
	case <-t.closed:
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.recvErr != nil {
			return nil, t.recvErr
		}
		return nil, errors.New("use of closed transport")
	}
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closeCnt++
	t.mu.Unlock()
	t.once.Do(func() { close(t.closed) })
	return nil
}

// fail makes Receive return err, as a dropped connection would.
func (t *fakeTransport) fail(err error) {
	t.mu.Lock()
	t.recvErr = err
	t.mu.Unlock()
	t.once.Do(func() { close(t.closed) })
}

func (t *fakeTransport) push(data string) {
	t.inbox <- []byte(data)
}

// next returns the next request the client sent.
func (t *fakeTransport) next(tb testing.TB) map[string]interface{} {
	tb.Helper()
	select {
	case data := <-t.sent:
		var req map[string]interface{}
		require.NoError(tb, json.Unmarshal(data, &req))
		return req
	case <-time.After(waitTimeout):
		tb.Fatal("timed out waiting for a request")
		return nil
	}
}

// fakeDialer hands out a new fakeTransport per dial.
type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	err     error
	gate    chan struct{}
	dialed  chan *fakeTransport
	current *fakeTransport
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeTransport, 16)}
}

// block makes dials wait until release is called or their context ends.
func (d *fakeDialer) block() {
	d.mu.Lock()
	d.gate = make(chan struct{})
	d.mu.Unlock()
}

func (d *fakeDialer) release() {
	d.mu.Lock()
	close(d.gate)
	d.gate = nil
	d.mu.Unlock()
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string) (Transport, error) {
	d.mu.Lock()
	d.dials++
	gate, err := d.gate, d.err
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	t := newFakeTransport()
	d.mu.Lock()
	d.current = t
	d.mu.Unlock()
	d.dialed <- t
	return t, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) transport() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

func newFakeClient(t *testing.T, opts ...Option) (*Client, *fakeDialer) {
	t.Helper()
	d := newFakeDialer()
	opts = append([]Option{WithDialer(d), WithIDGenerator(&SequenceGenerator{})}, opts...)
	c, err := NewClient("ws://fake", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, d
}

func waitCall(tb testing.TB, call *Call) *Call {
	tb.Helper()
	select {
	case done := <-call.Done:
		return done
	case <-time.After(waitTimeout):
		tb.Fatalf("call %s (%s) was not settled", call.ID, call.Method)
		return nil
	}
}

func requireRemoteError(tb testing.TB, err error, msg string) *Error {
	tb.Helper()
	require.Error(tb, err)
	var callErr *Error
	require.True(tb, errors.As(err, &callErr), "unexpected error type %T", err)
	require.Equal(tb, KindRemote, callErr.Kind)
	require.Equal(tb, msg, callErr.Error())
	return callErr
}
