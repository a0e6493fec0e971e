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
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/xid"
)

// IDGenerator mints request ids. Ids must be unique among the calls pending
// on one client at any instant.
type IDGenerator interface {
	NewID() string
}

// IDGeneratorFunc adapts a function to IDGenerator.
type IDGeneratorFunc func() string

// NewID calls f.
func (f IDGeneratorFunc) NewID() string { return f() }

// UUIDGenerator mints random version 4 UUIDs. It is the default.
type UUIDGenerator struct{}

// NewID returns a random UUID string.
func (UUIDGenerator) NewID() string { return uuid.NewString() }

// XIDGenerator mints 20 character, time sortable ids.
type XIDGenerator struct{}

// NewID returns a new xid string.
func (XIDGenerator) NewID() string { return xid.New().String() }

// SequenceGenerator mints "1", "2", ... and is meant for deterministic tests.
type SequenceGenerator struct {
	n atomic.Uint64
}

// NewID returns the next number in the sequence.
func (g *SequenceGenerator) NewID() string {
	return strconv.FormatUint(g.n.Add(1), 10)
}
