// Copyright 2025 The ocpp-ws-io Authors
// This file is part of the ocpp-ws-io library.
//
// The ocpp-ws-io library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ocpp-ws-io library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ocpp-ws-io library. If not, see <http://www.gnu.org/licenses/>.

package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorCode is an OCPP-J CALLERROR code as it appears on the wire.
type ErrorCode string

const (
	ErrCodeGenericError                  ErrorCode = "GenericError"
	ErrCodeNotImplemented                ErrorCode = "NotImplemented"
	ErrCodeNotSupported                  ErrorCode = "NotSupported"
	ErrCodeInternalError                 ErrorCode = "InternalError"
	ErrCodeProtocolError                 ErrorCode = "ProtocolError"
	ErrCodeSecurityError                 ErrorCode = "SecurityError"
	ErrCodeFormationViolation            ErrorCode = "FormationViolation"
	ErrCodeFormatViolation               ErrorCode = "FormatViolation"
	ErrCodePropertyConstraintViolation   ErrorCode = "PropertyConstraintViolation"
	ErrCodeOccurrenceConstraintViolation ErrorCode = "OccurrenceConstraintViolation"
	ErrCodeTypeConstraintViolation       ErrorCode = "TypeConstraintViolation"
	ErrCodeMessageTypeNotSupported       ErrorCode = "MessageTypeNotSupported"
	ErrCodeRpcFrameworkError             ErrorCode = "RpcFrameworkError"
)

var wireCodes = map[ErrorCode]bool{
	ErrCodeGenericError:                  true,
	ErrCodeNotImplemented:                true,
	ErrCodeNotSupported:                  true,
	ErrCodeInternalError:                 true,
	ErrCodeProtocolError:                 true,
	ErrCodeSecurityError:                 true,
	ErrCodeFormationViolation:            true,
	ErrCodeFormatViolation:               true,
	ErrCodePropertyConstraintViolation:   true,
	ErrCodeOccurrenceConstraintViolation: true,
	ErrCodeTypeConstraintViolation:       true,
	ErrCodeMessageTypeNotSupported:       true,
	ErrCodeRpcFrameworkError:             true,
}

// Error is a typed RPC error. Errors of this type pass through the dispatch
// boundary unchanged; any other error returned by a handler is reported to
// the peer as InternalError.
type Error struct {
	Code    ErrorCode
	Message string
	Details json.RawMessage
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError constructs a typed RPC error with the given wire code.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// ErrorFromWire reconstructs a typed error from a received CALLERROR frame.
// Unknown codes are preserved verbatim so that peers speaking a newer
// protocol revision are not masked.
func ErrorFromWire(code, message string, details json.RawMessage) *Error {
	return &Error{Code: ErrorCode(code), Message: message, Details: details}
}

// asRPCError converts an arbitrary handler error into something that can go
// on the wire. Typed errors pass through; everything else becomes
// InternalError. When detailed is set, a sanitized view of the original
// error is attached as details.
func asRPCError(err error, detailed bool) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	out := NewError(ErrCodeInternalError, err.Error())
	if detailed {
		out.Details = sanitizeErrorDetails(err)
	}
	return out
}

// sanitizeErrorDetails builds a plain-object view of err. Values that do not
// survive JSON marshaling are dropped rather than failing the response.
func sanitizeErrorDetails(err error) json.RawMessage {
	view := map[string]interface{}{
		"name":    fmt.Sprintf("%T", err),
		"message": err.Error(),
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		view["rpcErrorCode"] = string(rpcErr.Code)
		view["rpcErrorMessage"] = rpcErr.Message
		if len(rpcErr.Details) > 0 {
			view["details"] = rpcErr.Details
		}
	}
	raw, merr := json.Marshal(view)
	if merr != nil {
		raw, _ = json.Marshal(map[string]string{"message": err.Error()})
	}
	return raw
}

// Transport-local failure modes. These never appear on the wire.
var (
	// ErrTimeout is returned by Call when no response arrived within the
	// call timeout and the retry budget is exhausted.
	ErrTimeout = errors.New("call timed out")

	// ErrNotConnected is returned when a call is issued on an endpoint that
	// is not OPEN and has no offline queue.
	ErrNotConnected = errors.New("endpoint is not connected")

	// ErrOfflineQueueFull is reported for queued calls dropped on overflow.
	ErrOfflineQueueFull = errors.New("dropped from offline queue")

	// ErrConnectNotAllowed is returned when Connect is invoked on a
	// server-side endpoint or while the state machine is not CLOSED.
	ErrConnectNotAllowed = errors.New("connect is not allowed in this state")

	// ErrBackpressure is returned when the buffered byte count exceeds the
	// backpressure threshold and the drop policy is active.
	ErrBackpressure = errors.New("send dropped due to backpressure")
)

// ClosedError reports that a call settled because the connection closed.
// It always carries the close code and reason observed on the wire.
type ClosedError struct {
	Code   int
	Reason string
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("connection closed (code %d): %s", e.Code, e.Reason)
}

// UnexpectedHTTPResponse is returned by Dial when the server refused the
// websocket upgrade with a plain HTTP response.
type UnexpectedHTTPResponse struct {
	Status     string
	StatusCode int
}

func (e *UnexpectedHTTPResponse) Error() string {
	return "unexpected HTTP response during handshake: " + e.Status
}
