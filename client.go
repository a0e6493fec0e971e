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
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeout is used for both connection establishment and requests when
// no timeout is configured.
const DefaultTimeout = 5000 * time.Millisecond

// ClientOptions options that used as configure JSON-RPC websocket client.
type ClientOptions struct {
	// Headers are sent with the websocket handshake by the default dialer.
	Headers map[string]string
	// ConnectTimeout bounds connection establishment.
	// RequestTimeout bounds each call, measured from registration.
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	Dialer         Dialer
	IDGenerator    IDGenerator
	Clock          clock.Clock
	Logger         zerolog.Logger
	Metrics        *Metrics
	TracerProvider trace.TracerProvider
}

// Option configures a Client.
type Option func(*ClientOptions)

// WithTimeout sets both the connect and the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *ClientOptions) {
		o.ConnectTimeout = d
		o.RequestTimeout = d
	}
}

// WithConnectTimeout sets the connection establishment timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *ClientOptions) { o.ConnectTimeout = d }
}

// WithRequestTimeout sets the per call timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *ClientOptions) { o.RequestTimeout = d }
}

// WithHeaders sets handshake headers for the default websocket dialer.
func WithHeaders(headers map[string]string) Option {
	return func(o *ClientOptions) { o.Headers = headers }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(o *ClientOptions) { o.Dialer = d }
}

// WithIDGenerator replaces the UUID request id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *ClientOptions) { o.IDGenerator = g }
}

// WithClock replaces the wall clock used for timeouts.
func WithClock(c clock.Clock) Option {
	return func(o *ClientOptions) { o.Clock = c }
}

// WithLogger sets the logger. Logging is disabled by default.
func WithLogger(l zerolog.Logger) Option {
	return func(o *ClientOptions) { o.Logger = l }
}

// WithMetrics enables metrics collection.
func WithMetrics(m *Metrics) Option {
	return func(o *ClientOptions) { o.Metrics = m }
}

// WithTracerProvider sets the provider calls are traced with. The global
// provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *ClientOptions) { o.TracerProvider = tp }
}

func (o *ClientOptions) setDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = o.ConnectTimeout
	}
	if o.Dialer == nil {
		o.Dialer = &WebsocketDialer{Headers: o.Headers}
	}
	if o.IDGenerator == nil {
		o.IDGenerator = UUIDGenerator{}
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
}

// Call represents an active RPC.
type Call struct {
	ID     string
	Method string
	Params interface{}
	// Result holds the raw result once the call succeeded.
	Result json.RawMessage
	// Error holds the failure once the call failed.
	Error error
	// Done receives the call exactly once, when it is settled.
	Done chan *Call

	start time.Time
	timer clock.Timer
	span  trace.Span
}

// Client is a JSON-RPC 2.0 client over a lazily established websocket.
// It is safe for concurrent use.
type Client struct {
	endpoint string
	opts     ClientOptions
	log      zerolog.Logger
	tracer   trace.Tracer
	pending  *pendingTable
	manager
}

// NewClient creates a client for endpoint. No connection is made until the
// first call.
func NewClient(endpoint string, opts ...Option) (*Client, error) {
	if endpoint == "" {
		return nil, errors.NotValidf("empty endpoint")
	}
	o := ClientOptions{Logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	o.setDefaults()

	c := &Client{
		endpoint: endpoint,
		opts:     o,
		log:      o.Logger.With().Str("endpoint", endpoint).Logger(),
		pending:  newPendingTable(),
	}
	c.tracer = newTracer(o.TracerProvider)
	return c, nil
}

// Go issues the call and returns without waiting for the response. It blocks
// only while the transport is acquired and the request written. The returned
// call is delivered on its Done channel exactly once: on the matching
// response, on its own timeout, or when a connection failure fails every
// pending call.
func (c *Client) Go(ctx context.Context, method string, params interface{}) *Call {
	call := &Call{
		ID:     c.opts.IDGenerator.NewID(),
		Method: method,
		Params: params,
		Done:   make(chan *Call, 1),
		start:  c.opts.Clock.Now(),
	}
	ctx, call.span = c.startSpan(ctx, call)

	data, err := newRequest(call.ID, method, params)
	if err != nil {
		c.settle(call, nil, errors.Annotatef(err, "encode %s params", method))
		return call
	}

	timeout := c.opts.RequestTimeout
	registered := c.pending.add(call, func() {
		call.timer = c.opts.Clock.AfterFunc(timeout, func() { c.expire(call.ID) })
	})
	if !registered {
		c.settle(call, nil, errors.Errorf("request id %q already pending", call.ID))
		return call
	}
	c.opts.Metrics.setPending(c.pending.len())

	conn, err := c.acquire(ctx)
	if err == nil {
		err = c.write(conn, data)
	}
	if err != nil {
		// Usually the call was already failed by the sweep that came with err.
		if taken := c.pending.take(call.ID); taken != nil {
			c.settle(taken, nil, err)
		}
		return call
	}
	c.log.Debug().Str("method", method).Str("id", call.ID).Msg("request sent")
	return call
}

// CallRaw issues the call and waits for its raw result. If ctx ends first
// the call is abandoned and ctx.Err() returned.
func (c *Client) CallRaw(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	call := c.Go(ctx, method, params)
	select {
	case <-call.Done:
	case <-ctx.Done():
		if taken := c.pending.take(call.ID); taken != nil {
			c.settle(taken, nil, ctx.Err())
		}
		<-call.Done
	}
	return call.Result, call.Error
}

// Call issues the call, waits for it and decodes the result into result,
// which should be a pointer. A nil result discards the value.
func (c *Client) Call(ctx context.Context, method string, params, result interface{}) error {
	raw, err := c.CallRaw(ctx, method, params)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	return errors.Annotatef(json.Unmarshal(raw, result), "decode %s result", method)
}

// Notify sends a request without an id. No response is expected.
func (c *Client) Notify(ctx context.Context, method string, params interface{}) error {
	data, err := newRequest("", method, params)
	if err != nil {
		return errors.Annotatef(err, "encode %s params", method)
	}
	conn, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	return c.write(conn, data)
}

// Pending returns the number of calls awaiting settlement.
func (c *Client) Pending() int {
	return c.pending.len()
}

// Close closes the active connection, if any. Calls still pending fail with
// ErrClosed. The client stays usable; the next call connects again.
func (c *Client) Close() error {
	err := c.shutdown()
	c.sweep(&Error{Kind: KindClosed, Message: "client closed"})
	return err
}

// route settles the call an inbound message answers. Messages without a
// known id are dropped; unparsable ones fail every pending call.
func (c *Client) route(data []byte) {
	var env responseEnvelope
	if !json.Valid(data) {
		var probe interface{}
		err := json.Unmarshal(data, &probe)
		if err == nil {
			err = errors.New("invalid JSON")
		}
		c.sweep(malformedError(err))
		return
	}
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Debug().Err(err).Msg("dropping non-object message")
		return
	}
	var id string
	if len(env.Id) == 0 || json.Unmarshal(env.Id, &id) != nil || id == "" {
		c.log.Debug().Str("id", string(env.Id)).Msg("dropping message without request id")
		return
	}
	call := c.pending.take(id)
	if call == nil {
		c.log.Debug().Str("id", id).Msg("dropping response for unknown request")
		return
	}
	if isPresent(env.Error) {
		c.settle(call, nil, remoteError(env.Error))
		return
	}
	result := env.Result
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	c.settle(call, result, nil)
}

func isPresent(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// sweep fails every pending call with err.
func (c *Client) sweep(err *Error) {
	calls := c.pending.drain()
	if len(calls) == 0 {
		return
	}
	c.log.Warn().Err(err).Stringer("kind", err.Kind).Int("pending", len(calls)).Msg("failing pending calls")
	c.opts.Metrics.sweep(err.Kind)
	for _, call := range calls {
		c.settle(call, nil, err)
	}
}

func (c *Client) expire(id string) {
	call := c.pending.take(id)
	if call == nil {
		return
	}
	c.log.Debug().Str("method", call.Method).Str("id", id).Msg("request timed out")
	c.settle(call, nil, requestTimeoutError(c.opts.RequestTimeout))
}

// settle completes a call. The caller must have taken it from the table, or
// never registered it.
func (c *Client) settle(call *Call, result json.RawMessage, err error) {
	if call.timer != nil {
		call.timer.Stop()
	}
	call.Result = result
	call.Error = err
	c.opts.Metrics.observeCall(call.Method, err, c.opts.Clock.Now().Sub(call.start))
	c.opts.Metrics.setPending(c.pending.len())
	endSpan(call.span, err)
	call.Done <- call
}
