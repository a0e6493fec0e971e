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
	"encoding/json"
	"fmt"
	"time"
)

// ErrorKind classifies the ways a call can fail.
type ErrorKind int

const (
	// KindConnectTimeout means the transport did not open in time.
	KindConnectTimeout ErrorKind = iota + 1
	// KindTransport means the transport reported an error or closed.
	KindTransport
	// KindMalformedMessage means an inbound message could not be parsed.
	KindMalformedMessage
	// KindRequestTimeout means a single call got no response in time.
	KindRequestTimeout
	// KindRemote means the peer answered with an error object.
	KindRemote
	// KindClosed means the client was closed while the call was pending.
	KindClosed
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnectTimeout:
		return "connect timeout"
	case KindTransport:
		return "transport"
	case KindMalformedMessage:
		return "malformed message"
	case KindRequestTimeout:
		return "request timeout"
	case KindRemote:
		return "remote"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sentinels for use with errors.Is. Any *Error matches the sentinel of its kind.
var (
	ErrConnectTimeout   = &Error{Kind: KindConnectTimeout, Message: "connection timed out"}
	ErrTransport        = &Error{Kind: KindTransport, Message: "websocket error"}
	ErrMalformedMessage = &Error{Kind: KindMalformedMessage, Message: "failed to parse message"}
	ErrRequestTimeout   = &Error{Kind: KindRequestTimeout, Message: "request timed out"}
	ErrRemote           = &Error{Kind: KindRemote, Message: "remote error"}
	ErrClosed           = &Error{Kind: KindClosed, Message: "client closed"}
)

// Error is the error every failed call settles with. Error() returns only the
// description; for KindRemote that is the peer's message verbatim.
type Error struct {
	Kind    ErrorKind
	Message string
	// Code and Data are set for KindRemote.
	Code ErrorCode
	Data json.RawMessage
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func connectTimeoutError(d time.Duration) *Error {
	return &Error{
		Kind:    KindConnectTimeout,
		Message: fmt.Sprintf("connection timed out after %dms", d.Milliseconds()),
	}
}

func requestTimeoutError(d time.Duration) *Error {
	return &Error{
		Kind:    KindRequestTimeout,
		Message: fmt.Sprintf("request timed out after %dms", d.Milliseconds()),
	}
}

func transportError(err error) *Error {
	return &Error{
		Kind:    KindTransport,
		Message: "websocket error: " + err.Error(),
		Err:     err,
	}
}

func closedError(reason string) *Error {
	return &Error{
		Kind:    KindTransport,
		Message: "websocket closed: " + reason,
	}
}

func malformedError(err error) *Error {
	return &Error{
		Kind:    KindMalformedMessage,
		Message: "failed to parse message: " + err.Error(),
		Err:     err,
	}
}

// remoteError builds the error for an error member. A member that is not an
// error object still fails the call, using its raw text as the message.
func remoteError(raw json.RawMessage) *Error {
	var obj ErrorObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return &Error{Kind: KindRemote, Message: string(raw)}
	}
	return &Error{
		Kind:    KindRemote,
		Message: string(obj.Message),
		Code:    obj.Code,
		Data:    obj.Data,
	}
}
