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
	"bytes"
	"encoding/json"
)

// Version is the only protocol version spoken on the wire.
const Version = "2.0"

// Error codes
const (
	ParseErrorCode     ErrorCode = -32700
	InvalidRequestCode ErrorCode = -32600
	MethodNotFoundCode ErrorCode = -32601
	InvalidParamsCode  ErrorCode = -32602
	InternalErrorCode  ErrorCode = -32603
)

// Error message
const (
	ParseErrorMsg     ErrorMsg = "Parse error"
	InvalidRequestMsg ErrorMsg = "Invalid Request"
	MethodNotFoundMsg ErrorMsg = "Method not found"
	InvalidParamsMsg  ErrorMsg = "Invalid params"
	InternalErrorMsg  ErrorMsg = "Internal error"
)

// ErrorCode is a json rpc 2.0 error code.
type ErrorCode int

// ErrorMsg is a json rpc 2.0 error message.
type ErrorMsg string

// ErrorObject represents a response error object.
type ErrorObject struct {
	// Code indicates the error type that occurred.
	// Message provides a short description of the error.
	// Data is a primitive or structured value that contains additional information
	// about the error.
	Code    ErrorCode       `json:"code"`
	Message ErrorMsg        `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// RequestObject represents a request object. A request without an Id is a
// notification and is never answered.
type RequestObject struct {
	// Jsonrpc specifies the version of the JSON-RPC protocol.
	// Must be exactly "2.0".
	// Method contains the name of the method to be invoked.
	// Params is a structured value that holds the parameter values to be used during
	// the invocation of the method.
	// Id is a unique identifier established by the client.
	Jsonrpc string          `json:"jsonrpc"`
	Method  interface{}     `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	Id      interface{}     `json:"id,omitempty"`

	hasID bool
}

// UnmarshalJSON records whether the id member was present, so that a null id
// is still answered.
func (r *RequestObject) UnmarshalJSON(data []byte) error {
	type plain RequestObject
	var id struct {
		Id json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &id); err != nil {
		return err
	}
	r.hasID = id.Id != nil
	return json.Unmarshal(data, (*plain)(r))
}

// IsNotification reports whether the request carries no id.
func (r *RequestObject) IsNotification() bool {
	return r.Id == nil && !r.hasID
}

// ResponseObject represents a response object.
type ResponseObject struct {
	// Jsonrpc specifies the version of the JSON-RPC protocol.
	// Must be exactly "2.0".
	// Error contains the error object if an error occurred while processing the request.
	// Result contains the result of the called method.
	// Id contains the client established request id or null.
	Jsonrpc string       `json:"jsonrpc"`
	Error   *ErrorObject `json:"error,omitempty"`
	Result  interface{}  `json:"result,omitempty"`
	Id      interface{}  `json:"id"`
}

// responseEnvelope is the inbound view of a ResponseObject. Members are kept
// raw so that an absent member can be told apart from a null one.
type responseEnvelope struct {
	Id     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// NewResponse creates a bytes encoded representation of a response.
// Both result and error response objects can be created.
// The nl flag specifies if the response should be newline terminated.
func NewResponse(result interface{}, errObj *ErrorObject, id interface{}, nl bool) []byte {
	var resp bytes.Buffer
	body, _ := json.Marshal(&ResponseObject{
		Jsonrpc: Version,
		Error:   errObj,
		Result:  result,
		Id:      id,
	})
	resp.Write(body)

	if nl {
		resp.WriteString("\n")
	}

	return resp.Bytes()
}

// newRequest encodes a request envelope. A nil params value is sent as an
// empty object; an empty id produces a notification.
func newRequest(id, method string, params interface{}) ([]byte, error) {
	raw := json.RawMessage(`{}`)
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	req := &RequestObject{
		Jsonrpc: Version,
		Method:  method,
		Params:  raw,
	}
	if id != "" {
		req.Id = id
	}
	return json.Marshal(req)
}

// Params defines methods for processing request parameters.
type Params interface {
	FromPositional([]interface{}) error
}

// ParseParams processes the params data structure from the request.
// Named parameters will be umarshaled into the provided Params inteface.
// Positional arguments will be passed to Params interface's FromPositional method for
// extraction.
func ParseParams(params json.RawMessage, p Params) *ErrorObject {
	if err := json.Unmarshal(params, p); err != nil {
		errObj := &ErrorObject{
			Code:    InvalidParamsCode,
			Message: InvalidParamsMsg,
		}
		posParams := make([]interface{}, 0)
		if err = json.Unmarshal(params, &posParams); err != nil {
			errObj.Data = errorData(err)
			return errObj
		}

		if err = p.FromPositional(posParams); err != nil {
			errObj.Data = errorData(err)
			return errObj
		}
	}

	return nil
}

func errorData(err error) json.RawMessage {
	b, _ := json.Marshal(err.Error())
	return b
}
