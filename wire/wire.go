package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/m4xw311/agentbridge/errors"
)

// Version is the JSON-RPC protocol version carried by every message.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

// Application error codes in the reserved implementation range.
const (
	CodeAuthRequired          = -32000
	CodeSessionNotFound       = -32001
	CodePermissionDenied      = -32002
	CodeSessionBusy           = -32003
	CodeSessionErrored        = -32004
	CodeCapabilityUnavailable = -32005
	CodeEngineUnavailable     = -32006
	CodeIncompatibleState     = -32007
	CodeUnsupportedProtocol   = -32008
	CodeDisconnected          = -32009
	CodeUpdateBufferOverflow  = -32010
	CodeResourceExhausted     = -32011
)

// Request represents a JSON-RPC 2.0 request message. A request without
// an ID is a notification and expects no response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Response represents a JSON-RPC 2.0 response message. The id is
// always serialized: replies to undecodable frames carry an explicit
// null id, which Decode requires to classify them as responses.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error object. It satisfies the error
// interface so handlers can return it directly.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Errorf builds an Error with a formatted message.
func Errorf(code int, format string, a ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, a...)}
}

// WithData returns a copy of the error carrying supplemental data.
func (e *Error) WithData(data any) *Error {
	return &Error{Code: e.Code, Message: e.Message, Data: data}
}

// NewRequest builds a request with marshaled params. A nil params value
// omits the field entirely.
func NewRequest(id any, method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{JSONRPC: Version, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a request without an id.
func NewNotification(method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResponse builds a success response with a marshaled result.
func NewResponse(id any, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal result")
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response for the given id.
func NewErrorResponse(id any, rpcErr *Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: rpcErr}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal params")
	}
	return raw, nil
}

// ErrInvalidMessage marks bytes that parse as JSON but do not form a
// JSON-RPC request, notification or response. Callers answer these with
// InvalidRequest rather than Parse.
var ErrInvalidMessage = errors.Sentinel("invalid jsonrpc message")

// Decode classifies a raw wire message. Exactly one of the returned
// request and response is non-nil on success. A message carrying a
// method is a request or notification; a message with an id but no
// method is a response to one of our own outbound requests.
func Decode(raw []byte) (*Request, *Response, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		if json.Valid(raw) {
			return nil, nil, errors.Wrapf(ErrInvalidMessage, "message is not an object")
		}
		return nil, nil, errors.Wrapf(err, "malformed message")
	}
	if _, ok := probe["method"]; ok {
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, nil, errors.Wrapf(ErrInvalidMessage, "bad request shape: %v", err)
		}
		if req.Method == "" {
			return nil, nil, errors.Wrapf(ErrInvalidMessage, "empty method")
		}
		return &req, nil, nil
	}
	if _, ok := probe["id"]; ok {
		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, nil, errors.Wrapf(ErrInvalidMessage, "bad response shape: %v", err)
		}
		return nil, &resp, nil
	}
	return nil, nil, errors.Wrapf(ErrInvalidMessage, "message is neither request nor response")
}

// RecoverID pulls the id out of a malformed message so a parse error
// response can still be correlated. Returns nil when no id survives.
func RecoverID(raw []byte) any {
	var probe struct {
		ID any `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil
	}
	return probe.ID
}

// DecodeParams unmarshals request params into T. Absent or null params
// decode to the zero value so optional-parameter methods stay callable.
func DecodeParams[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, errors.Wrapf(err, "decode params")
	}
	return out, nil
}
