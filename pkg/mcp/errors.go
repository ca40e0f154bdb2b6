package mcp

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// ConnectionError reports that a tool server is unreachable or its channel
// closed. Sessions react to it by reconnecting.
type ConnectionError struct {
	Server string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Server == "" {
		return fmt.Sprintf("connection error: %v", e.Err)
	}
	return fmt.Sprintf("connection error (%s): %v", e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	return []error{e.Err, errdefs.ErrUnavailable}
}

// ProtocolError is a well-formed response carrying an application-level error.
type ProtocolError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	if e.Code == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// ToolNotFoundError is a routing miss: no connected session exposes the tool.
type ToolNotFoundError struct {
	Tool string
	// Err is the last failure seen while trying candidate servers, if any.
	Err error
}

func (e *ToolNotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %q not available: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("tool %q not found", e.Tool)
}

func (e *ToolNotFoundError) Unwrap() []error {
	if e.Err != nil {
		return []error{errdefs.ErrNotFound, e.Err}
	}
	return []error{errdefs.ErrNotFound}
}

// ReconnectExhaustedError marks a session that used up its reconnect budget.
type ReconnectExhaustedError struct {
	Server   string
	Attempts int
}

func (e *ReconnectExhaustedError) Error() string {
	return fmt.Sprintf("server %s: reconnect attempts exhausted after %d tries", e.Server, e.Attempts)
}

func (e *ReconnectExhaustedError) Unwrap() error {
	return errdefs.ErrUnavailable
}

// Codes from the JSON-RPC 2.0 reserved range.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// IsConnectionError reports whether err was raised by a broken transport.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// IsTransportFailure reports whether err means the server itself is unusable,
// as opposed to the call being rejected.
func IsTransportFailure(err error) bool {
	return errdefs.IsUnavailable(err)
}

func connectionError(server string, format string, a ...any) error {
	return &ConnectionError{Server: server, Err: fmt.Errorf(format, a...)}
}
