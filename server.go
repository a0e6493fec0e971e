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
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
)

// Method represents an rpc method.
type Method struct {
	// Method is the callable function
	Method func(params json.RawMessage) (interface{}, *ErrorObject)
}

// MethodWithContext represents an rpc method with a context. The context is
// cancelled when the connection the request arrived on goes away.
type MethodWithContext struct {
	// Method is the callable function
	Method func(ctx context.Context, params json.RawMessage) (interface{}, *ErrorObject)
}

// Server represents a jsonrpc 2.0 capable websocket server. Each connection
// is read by one goroutine and every request is handled in its own
// goroutine, so responses go out in completion order.
type Server struct {
	// Route is the path to the rpc api when served by Start or Serve.
	// Methods contains the mapping of registered methods.
	// Headers contains handshake response headers.
	Route   string
	Methods map[string]MethodWithContext
	Headers map[string]string
	mrw     sync.RWMutex
	metrics *RpcMetrics
	log     zerolog.Logger

	upgrader websocket.Upgrader
	connMu   sync.Mutex
	conns    map[*serverConn]struct{}
	connWG   sync.WaitGroup
	server   *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithRoute sets the path the server answers on.
func WithRoute(route string) ServerOption {
	return func(s *Server) { s.Route = route }
}

// WithResponseHeaders sets headers sent with the handshake response.
func WithResponseHeaders(headers map[string]string) ServerOption {
	return func(s *Server) { s.Headers = headers }
}

// WithServerLogger sets the server logger.
func WithServerLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// WithServerMetrics enables per method metrics.
func WithServerMetrics(m *RpcMetrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a new server instance.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		Route:   "/",
		Methods: make(map[string]MethodWithContext),
		log:     zerolog.Nop(),
		conns:   make(map[*serverConn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) callOnBegin(method string) {
	if s.metrics == nil {
		return
	}
	s.metrics.Counter.With("method", method, "route", s.Route).Add(1)
}

func (s *Server) callOnEnd(method string, begin time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.Histogram.With("method", method, "route", s.Route).Observe(float64(time.Since(begin).Milliseconds()))
}

// Register maps the provided method to the given name for later method calls.
func (s *Server) Register(name string, method Method) {
	s.RegisterWithContext(name, MethodWithContext{
		Method: func(ctx context.Context, params json.RawMessage) (interface{}, *ErrorObject) {
			return method.Method(params)
		},
	})
}

// RegisterWithContext maps the provided method to the given name.
func (s *Server) RegisterWithContext(name string, method MethodWithContext) {
	s.mrw.Lock()
	defer s.mrw.Unlock()
	s.Methods[name] = method
}

// ServeHTTP upgrades the request to a websocket and serves JSON-RPC on it
// until the connection closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	header := make(http.Header, len(s.Headers))
	for k, v := range s.Headers {
		header.Set(k, v)
	}
	ws, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		s.log.Error().Err(err).Msg("problem initiating websocket")
		return
	}
	s.serveConn(ws)
}

type serverConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func (c *serverConn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) serveConn(ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	conn := &serverConn{ws: ws, ctx: ctx, cancel: cancel}

	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connWG.Add(1)
	s.connMu.Unlock()

	defer func() {
		cancel()
		conn.wg.Wait()
		_ = ws.Close()
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
		s.connWG.Done()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			s.log.Debug().Err(err).Stringer("remote", ws.RemoteAddr()).Msg("connection finished")
			return
		}
		s.handleMessage(conn, data)
	}
}

// handleMessage answers one inbound message without blocking the read loop.
func (s *Server) handleMessage(conn *serverConn, data []byte) {
	if !json.Valid(data) {
		_ = conn.write(NewResponse(nil, parseError(errors.New("invalid JSON")), nil, false))
		return
	}

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var raws []json.RawMessage
		if err := json.Unmarshal(data, &raws); err != nil {
			_ = conn.write(NewResponse(nil, parseError(err), nil, false))
			return
		}
		// Members that are not request objects become nil and are answered
		// with an invalid request error by HandleBatch.
		reqs := make([]*RequestObject, len(raws))
		for i, raw := range raws {
			req := new(RequestObject)
			if err := json.Unmarshal(raw, req); err == nil {
				reqs[i] = req
			}
		}
		conn.wg.Add(1)
		go func() {
			defer conn.wg.Done()
			if resp := s.HandleBatch(conn.ctx, reqs); resp != nil {
				_ = conn.write(resp)
			}
		}()
		return
	}

	req := new(RequestObject)
	if err := json.Unmarshal(data, req); err != nil {
		_ = conn.write(NewResponse(nil, invalidRequestError(err), requestID(data), false))
		return
	}
	conn.wg.Add(1)
	go func() {
		defer conn.wg.Done()
		if resp := s.HandleRequest(conn.ctx, req); resp != nil {
			_ = conn.write(resp)
		}
	}()
}

func invalidRequestError(err error) *ErrorObject {
	return &ErrorObject{
		Code:    InvalidRequestCode,
		Message: InvalidRequestMsg,
		Data:    errorData(err),
	}
}

// requestID recovers a string or number id from a request that failed to
// decode, or nil when there is none.
func requestID(data []byte) interface{} {
	var probe struct {
		Id interface{} `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil
	}
	switch probe.Id.(type) {
	case string, float64:
		return probe.Id
	}
	return nil
}

func parseError(err error) *ErrorObject {
	return &ErrorObject{
		Code:    ParseErrorCode,
		Message: ParseErrorMsg,
		Data:    errorData(err),
	}
}

// HandleRequest validates, calls, and returns the encoded response of a
// single request. Notifications produce no response and nil is returned.
func (s *Server) HandleRequest(ctx context.Context, req *RequestObject) []byte {
	if err := s.ValidateRequest(req); err != nil {
		return NewResponse(nil, err, req.Id, false)
	}

	result, err := s.Call(ctx, req.Method, req.Params)
	if req.IsNotification() {
		return nil
	}
	if err != nil {
		return NewResponse(nil, err, req.Id, false)
	}
	return NewResponse(result, nil, req.Id, false)
}

// Batch is a wrapper around multiple response objects.
type Batch struct {
	mu sync.Mutex
	// Responses contains the byte representations of a batch of responses.
	Responses [][]byte
}

// AddResponse inserts the response into the batch responses.
func (b *Batch) AddResponse(resp []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Responses = append(b.Responses, resp)
}

// MakeResponse creates a bytes encoded representation of a response object.
func (b *Batch) MakeResponse() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append(append([]byte("["), joinResponses(b.Responses)...), ']')
}

func joinResponses(resps [][]byte) []byte {
	var out []byte
	for i, body := range resps {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, body...)
	}
	return out
}

// HandleBatch validates, calls, and returns the results of a batch of requests.
// Batch methods are called in individual goroutines and collected in a single
// response. A batch of notifications produces no response.
func (s *Server) HandleBatch(ctx context.Context, reqs []*RequestObject) []byte {
	if len(reqs) < 1 {
		return NewResponse(nil, &ErrorObject{
			Code:    InvalidRequestCode,
			Message: InvalidRequestMsg,
			Data:    errorData(errors.New("batch must contain at least one request")),
		}, nil, false)
	}

	var wg sync.WaitGroup
	batch := new(Batch)
	for _, req := range reqs {
		if req == nil {
			batch.AddResponse(NewResponse(nil, &ErrorObject{
				Code:    InvalidRequestCode,
				Message: InvalidRequestMsg,
			}, nil, false))
			continue
		}
		wg.Add(1)
		go func(req *RequestObject) {
			defer wg.Done()
			if resp := s.HandleRequest(ctx, req); resp != nil {
				batch.AddResponse(resp)
			}
		}(req)
	}
	wg.Wait()

	if len(batch.Responses) == 0 {
		return nil
	}
	return batch.MakeResponse()
}

// ValidateRequest validates that the request json contains valid values.
func (s *Server) ValidateRequest(req *RequestObject) *ErrorObject {
	if req.Jsonrpc != Version {
		return &ErrorObject{
			Code:    InvalidRequestCode,
			Message: InvalidRequestMsg,
			Data:    errorData(errors.New("jsonrpc request member must be exactly '2.0'")),
		}
	}

	name, ok := req.Method.(string)
	if !ok {
		return &ErrorObject{
			Code:    InvalidRequestCode,
			Message: InvalidRequestMsg,
			Data:    errorData(errors.New("method name must be a string")),
		}
	}

	if strings.HasPrefix(name, "rpc.") {
		return &ErrorObject{
			Code:    InvalidRequestCode,
			Message: InvalidRequestMsg,
			Data:    errorData(errors.New("method cannot match the pattern rpc.*")),
		}
	}

	return nil
}

// Call invokes the named method with the provided parameters.
func (s *Server) Call(ctx context.Context, name interface{}, params json.RawMessage) (interface{}, *ErrorObject) {
	method, _ := name.(string)
	s.callOnBegin(method)
	defer func(begin time.Time) {
		s.callOnEnd(method, begin)
	}(time.Now())

	s.mrw.RLock()
	m, ok := s.Methods[method]
	s.mrw.RUnlock()
	if !ok || m.Method == nil {
		return nil, &ErrorObject{
			Code:    MethodNotFoundCode,
			Message: MethodNotFoundMsg,
		}
	}
	return m.Method(ctx, params)
}

// CloseConnections sends a going away close frame carrying reason on every
// live connection, closes them, and waits for their handlers to return.
func (s *Server) CloseConnections(reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	s.eachConn(func(c *serverConn) {
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
		_ = c.ws.Close()
	})
	s.connWG.Wait()
}

// DropConnections closes every live connection without a close frame, as a
// network failure would.
func (s *Server) DropConnections() {
	s.eachConn(func(c *serverConn) {
		_ = c.ws.UnderlyingConn().Close()
	})
	s.connWG.Wait()
}

func (s *Server) eachConn(fn func(*serverConn)) {
	s.connMu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()
	for _, c := range conns {
		fn(c)
	}
}

// Start binds the server to its route and serves on host until Stop.
func (s *Server) Start(host string) error {
	l, err := net.Listen("tcp", host)
	if err != nil {
		return errors.Trace(err)
	}
	return s.Serve(l)
}

// Serve binds the server to its route and serves on l until Stop.
func (s *Server) Serve(l net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(s.Route, s)
	s.connMu.Lock()
	s.server = &http.Server{Handler: mux}
	srv := s.server
	s.connMu.Unlock()

	s.log.Info().Stringer("addr", l.Addr()).Str("route", s.Route).Msg("starting server")
	if err := srv.Serve(l); err != http.ErrServerClosed {
		return errors.Trace(err)
	}
	return nil
}

// Stop stops the underlying http server with timeout in seconds, then closes
// the live websocket connections.
func (s *Server) Stop(timeout int) error {
	return s.stop(time.Duration(timeout) * time.Second)
}

func (s *Server) stop(timeout time.Duration) error {
	s.connMu.Lock()
	srv := s.server
	s.connMu.Unlock()
	if srv == nil {
		return nil
	}

	var err error
	if timeout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err = srv.Shutdown(ctx)
	} else {
		err = srv.Close()
	}
	s.CloseConnections("server stopping")
	if err != nil && err != http.ErrServerClosed {
		return errors.Trace(err)
	}
	return nil
}
