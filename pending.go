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
	"sync"
)

// pendingTable maps request ids to calls awaiting a response. Removal is the
// only way to gain the right to settle a call, so each call is settled once.
type pendingTable struct {
	mu    sync.Mutex
	calls map[string]*Call
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]*Call)}
}

// add registers call under its id and runs arm while still holding the lock,
// so a timer can never observe the call before it is in the table.
// It reports false if the id is already pending.
func (t *pendingTable) add(call *Call, arm func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.calls[call.ID]; ok {
		return false
	}
	t.calls[call.ID] = call
	if arm != nil {
		arm()
	}
	return true
}

// take removes and returns the call registered under id, or nil.
func (t *pendingTable) take(id string) *Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.calls[id]
	if !ok {
		return nil
	}
	delete(t.calls, id)
	return call
}

// drain removes and returns every pending call.
func (t *pendingTable) drain() []*Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.calls) == 0 {
		return nil
	}
	calls := make([]*Call, 0, len(t.calls))
	for id, call := range t.calls {
		calls = append(calls, call)
		delete(t.calls, id)
	}
	return calls
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
