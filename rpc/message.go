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
	"bytes"
	"encoding/json"
	"regexp"

	"github.com/google/uuid"
)

// MessageType discriminates the OCPP-J frame variants by their first array
// element.
type MessageType int

const (
	MessageTypeCall       MessageType = 2
	MessageTypeCallResult MessageType = 3
	MessageTypeCallError  MessageType = 4
)

// maxMessageIDLen bounds the length of a message id accepted from the wire.
// OCPP-J 1.6 specifies 36; ids issued locally are UUIDs and always fit.
const maxMessageIDLen = 36

// Message is a decoded OCPP-J frame:
//
//	[2, id, method, params]
//	[3, id, result]
//	[4, id, errorCode, errorDescription, errorDetails]
type Message struct {
	Type             MessageType
	ID               string
	Method           string          // CALL only
	Params           json.RawMessage // CALL only
	Result           json.RawMessage // CALLRESULT only
	ErrorCode        string          // CALLERROR only
	ErrorDescription string          // CALLERROR only
	ErrorDetails     json.RawMessage // CALLERROR only
}

func newCall(id, method string, params json.RawMessage) *Message {
	return &Message{Type: MessageTypeCall, ID: id, Method: method, Params: params}
}

func newCallResult(id string, result json.RawMessage) *Message {
	return &Message{Type: MessageTypeCallResult, ID: id, Result: result}
}

func newCallError(id string, err *Error) *Message {
	return &Message{
		Type:             MessageTypeCallError,
		ID:               id,
		ErrorCode:        string(err.Code),
		ErrorDescription: err.Message,
		ErrorDetails:     err.Details,
	}
}

// newMessageID returns a fresh opaque message id.
func newMessageID() string {
	return uuid.NewString()
}

// Serialize encodes the message as an OCPP-J JSON array.
func (m *Message) Serialize() ([]byte, error) {
	var tuple []interface{}
	switch m.Type {
	case MessageTypeCall:
		params := m.Params
		if len(params) == 0 {
			params = json.RawMessage("{}")
		}
		tuple = []interface{}{int(m.Type), m.ID, m.Method, params}
	case MessageTypeCallResult:
		result := m.Result
		if len(result) == 0 {
			result = json.RawMessage("{}")
		}
		tuple = []interface{}{int(m.Type), m.ID, result}
	case MessageTypeCallError:
		details := m.ErrorDetails
		if len(details) == 0 {
			details = json.RawMessage("{}")
		}
		tuple = []interface{}{int(m.Type), m.ID, m.ErrorCode, m.ErrorDescription, details}
	default:
		return nil, NewError(ErrCodeMessageTypeNotSupported, "unknown message type")
	}
	return json.Marshal(tuple)
}

// ParseMessage decodes an incoming frame. All failures are typed so the
// caller can decide between a best-effort CALLERROR and the bad-message
// policy.
func ParseMessage(data []byte) (*Message, error) {
	if !json.Valid(data) {
		return nil, NewError(ErrCodeFormatViolation, "message is not valid JSON")
	}
	if !bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte("[")) {
		return nil, NewError(ErrCodeFormationViolation, "message is not an array")
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, NewError(ErrCodeFormationViolation, "malformed message array")
	}
	if len(elems) < 3 {
		return nil, NewError(ErrCodeFormationViolation, "message array too short")
	}

	var typ int
	if err := json.Unmarshal(elems[0], &typ); err != nil {
		return nil, NewError(ErrCodeFormationViolation, "message type is not a number")
	}
	var id string
	if err := json.Unmarshal(elems[1], &id); err != nil {
		return nil, NewError(ErrCodeFormationViolation, "message id is not a string")
	}
	if id == "" || len(id) > maxMessageIDLen {
		return nil, NewError(ErrCodeFormationViolation, "message id length out of bounds")
	}

	msg := &Message{Type: MessageType(typ), ID: id}
	switch msg.Type {
	case MessageTypeCall:
		if len(elems) != 4 {
			return nil, NewError(ErrCodeFormationViolation, "CALL must have 4 elements")
		}
		if err := json.Unmarshal(elems[2], &msg.Method); err != nil || msg.Method == "" {
			return nil, NewError(ErrCodeFormationViolation, "CALL method is not a string")
		}
		msg.Params = elems[3]
	case MessageTypeCallResult:
		if len(elems) != 3 {
			return nil, NewError(ErrCodeFormationViolation, "CALLRESULT must have 3 elements")
		}
		msg.Result = elems[2]
	case MessageTypeCallError:
		if len(elems) != 5 {
			return nil, NewError(ErrCodeFormationViolation, "CALLERROR must have 5 elements")
		}
		if err := json.Unmarshal(elems[2], &msg.ErrorCode); err != nil {
			return nil, NewError(ErrCodeFormationViolation, "CALLERROR code is not a string")
		}
		if err := json.Unmarshal(elems[3], &msg.ErrorDescription); err != nil {
			return nil, NewError(ErrCodeFormationViolation, "CALLERROR description is not a string")
		}
		msg.ErrorDetails = elems[4]
	default:
		return nil, NewError(ErrCodeMessageTypeNotSupported, "unsupported message type")
	}
	return msg, nil
}

// callIDPattern recognizes the id of a mangled CALL frame whose prefix is
// still intact, so a best-effort CALLERROR can be addressed to it.
var callIDPattern = regexp.MustCompile(`^\s*\[\s*2\s*,\s*"((?:[^"\\]|\\.){1,36})"`)

// salvageCallID extracts the message id from an unparseable frame when it
// still looks like the start of a CALL. Returns "" if nothing usable is
// found.
func salvageCallID(data []byte) string {
	m := callIDPattern.FindSubmatch(data)
	if m == nil {
		return ""
	}
	var id string
	if err := json.Unmarshal([]byte(`"`+string(m[1])+`"`), &id); err != nil {
		return ""
	}
	return id
}

// peekMethod extracts only the method name of a CALL frame without a full
// parse. Used by the rate limiter when per-method rules exist. Returns ""
// for anything that is not a CALL.
func peekMethod(data []byte) string {
	var probe []json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil || len(probe) < 3 {
		return ""
	}
	var typ int
	if err := json.Unmarshal(probe[0], &typ); err != nil || MessageType(typ) != MessageTypeCall {
		return ""
	}
	var method string
	if err := json.Unmarshal(probe[2], &method); err != nil {
		return ""
	}
	return method
}
