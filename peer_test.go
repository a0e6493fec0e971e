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
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type waitParams struct {
	Delay int `json:"delay"`
}

func (p *waitParams) FromPositional(params []interface{}) error {
	if len(params) != 1 {
		return errors.New("wait requires a delay parameter")
	}
	delay, ok := params[0].(float64)
	if !ok {
		return errors.New("delay must be a number")
	}
	p.Delay = int(delay)
	return nil
}

// testPeer is a Server with the methods the client tests rely on.
type testPeer struct {
	*Server
	endpoint string
	started  chan string
	notified chan json.RawMessage
}

func newTestPeer(t *testing.T, opts ...ServerOption) *testPeer {
	t.Helper()
	p := &testPeer{
		Server:   NewServer(opts...),
		started:  make(chan string, 16),
		notified: make(chan json.RawMessage, 16),
	}
	p.Register("mirror", Method{
		Method: func(params json.RawMessage) (interface{}, *ErrorObject) {
			return map[string]interface{}{"method": "mirror", "params": params}, nil
		},
	})
	p.RegisterWithContext("wait", MethodWithContext{
		Method: func(ctx context.Context, params json.RawMessage) (interface{}, *ErrorObject) {
			var wp waitParams
			if errObj := ParseParams(params, &wp); errObj != nil {
				return nil, errObj
			}
			select {
			case <-time.After(time.Duration(wp.Delay) * time.Millisecond):
			case <-ctx.Done():
			}
			return fmt.Sprintf("waited for %dms", wp.Delay), nil
		},
	})
	p.RegisterWithContext("hang", MethodWithContext{
		Method: func(ctx context.Context, params json.RawMessage) (interface{}, *ErrorObject) {
			p.started <- string(params)
			<-ctx.Done()
			return nil, nil
		},
	})
	p.Register("notify", Method{
		Method: func(params json.RawMessage) (interface{}, *ErrorObject) {
			p.notified <- params
			return nil, nil
		},
	})

	hs := httptest.NewServer(p.Server)
	t.Cleanup(func() {
		p.CloseConnections("test finished")
		hs.Close()
	})
	p.endpoint = "ws" + strings.TrimPrefix(hs.URL, "http")
	return p
}

func newPeerClient(t *testing.T, endpoint string, opts ...Option) *Client {
	t.Helper()
	c, err := NewClient(endpoint, opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}
