// Package jsonrpc implements the newline-delimited JSON-RPC 2.0 framing
// shared by the upstream client channel and every backend child process's
// stdio pipe.
package jsonrpc

import (
	"encoding/json"
)

// Version is the only JSON-RPC version this gateway speaks.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ID is a JSON-RPC request/response identifier. It can hold a string,
// number, or null, matching the permissive typing JSON-RPC 2.0 allows.
type ID struct {
	value any
	set   bool
}

// NewID wraps a concrete id value (string or float64/int, typically).
func NewID(v any) ID {
	return ID{value: v, set: true}
}

// IsNull reports whether the ID is unset/null.
func (i ID) IsNull() bool {
	return !i.set || i.value == nil
}

// Value returns the underlying id value.
func (i ID) Value() any {
	return i.value
}

// String renders the id for logging, independent of its JSON type.
func (i ID) String() string {
	if i.IsNull() {
		return "null"
	}
	switch v := i.value.(type) {
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "?"
		}
		return string(b)
	}
}

// Equal reports whether two ids refer to the same JSON value.
func (i ID) Equal(other ID) bool {
	if i.IsNull() || other.IsNull() {
		return i.IsNull() == other.IsNull()
	}
	return jsonEqual(i.value, other.value)
}

func jsonEqual(a, b any) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(ab) == string(bb)
}

func (i ID) MarshalJSON() ([]byte, error) {
	if i.IsNull() {
		return []byte("null"), nil
	}
	return json.Marshal(i.value)
}

func (i *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*i = ID{}
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*i = ID{value: v, set: true}
	return nil
}

// Frame is a single JSON-RPC 2.0 object, in any of its four shapes
// (request, notification, result, error). Direction-specific helpers below
// classify a decoded Frame.
type Frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the JSON-RPC 2.0 error shape.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// IsRequest reports whether the frame is a method call expecting a response.
func (f *Frame) IsRequest() bool {
	return f.Method != "" && f.ID != nil
}

// IsNotification reports whether the frame is a method call with no id.
func (f *Frame) IsNotification() bool {
	return f.Method != "" && f.ID == nil
}

// IsResult reports whether the frame is a successful response.
func (f *Frame) IsResult() bool {
	return f.Method == "" && f.Result != nil && f.ID != nil
}

// IsError reports whether the frame is an error response.
func (f *Frame) IsError() bool {
	return f.Method == "" && f.Error != nil && f.ID != nil
}

// RequestID returns the frame's id, or a null ID if it has none.
func (f *Frame) RequestID() ID {
	if f.ID == nil {
		return ID{}
	}
	return *f.ID
}

// Validate checks the minimal shape invariants the codec guarantees before
// a Frame is handed to a caller: the jsonrpc version tag must be present and
// correct, and the frame must look like exactly one of request,
// notification, result, or error.
func (f *Frame) Validate() *ErrorObject {
	if f.JSONRPC != Version {
		return &ErrorObject{Code: CodeInvalidRequest, Message: "invalid request: missing or wrong \"jsonrpc\" version"}
	}
	hasMethod := f.Method != ""
	hasResult := f.Result != nil
	hasError := f.Error != nil
	switch {
	case hasMethod && (hasResult || hasError):
		return &ErrorObject{Code: CodeInvalidRequest, Message: "invalid request: method mixed with result/error"}
	case !hasMethod && !hasResult && !hasError:
		return &ErrorObject{Code: CodeInvalidRequest, Message: "invalid request: no method, result, or error"}
	case hasResult && hasError:
		return &ErrorObject{Code: CodeInvalidRequest, Message: "invalid request: both result and error present"}
	case (hasResult || hasError) && f.ID == nil:
		return &ErrorObject{Code: CodeInvalidRequest, Message: "invalid request: response missing id"}
	}
	return nil
}

// NewRequest builds an outgoing request frame.
func NewRequest(id ID, method string, params any) (*Frame, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Frame{JSONRPC: Version, ID: &id, Method: method, Params: raw}, nil
}

// NewNotification builds an outgoing notification frame (no id).
func NewNotification(method string, params any) (*Frame, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Frame{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResult builds an outgoing success response frame.
func NewResult(id ID, result any) (*Frame, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Frame{JSONRPC: Version, ID: &id, Result: raw}, nil
}

// NewError builds an outgoing error response frame.
func NewError(id ID, code int, message string, data any) *Frame {
	f := &Frame{JSONRPC: Version, ID: &id, Error: &ErrorObject{Code: code, Message: message}}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			f.Error.Data = raw
		}
	}
	return f
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
