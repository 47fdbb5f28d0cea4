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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsRPCErrorPassthrough(t *testing.T) {
	typed := NewError(ErrCodeSecurityError, "bad credentials")
	out := asRPCError(typed, false)
	assert.Same(t, typed, out)

	wrapped := fmt.Errorf("handler: %w", typed)
	out = asRPCError(wrapped, false)
	assert.Same(t, typed, out)
}

func TestAsRPCErrorInternal(t *testing.T) {
	out := asRPCError(errors.New("boom"), false)
	assert.Equal(t, ErrCodeInternalError, out.Code)
	assert.Equal(t, "boom", out.Message)
	assert.Empty(t, out.Details)
}

func TestAsRPCErrorDetailed(t *testing.T) {
	out := asRPCError(errors.New("boom"), true)
	require.NotEmpty(t, out.Details)

	var view map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Details, &view))
	assert.Equal(t, "boom", view["message"])
	assert.Contains(t, view, "name")
}

func TestSanitizeErrorDetailsTypedFields(t *testing.T) {
	typed := NewError(ErrCodePropertyConstraintViolation, "value out of range")
	typed.Details = json.RawMessage(`{"field":"connectorId"}`)

	raw := sanitizeErrorDetails(fmt.Errorf("wrap: %w", typed))
	var view map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &view))
	assert.Equal(t, "PropertyConstraintViolation", view["rpcErrorCode"])
	assert.Equal(t, "value out of range", view["rpcErrorMessage"])
	assert.Equal(t, map[string]interface{}{"field": "connectorId"}, view["details"])
}

func TestErrorFromWirePreservesUnknownCodes(t *testing.T) {
	err := ErrorFromWire("FutureRevisionError", "something new", nil)
	assert.Equal(t, ErrorCode("FutureRevisionError"), err.Code)
	assert.Equal(t, "FutureRevisionError: something new", err.Error())
}

func TestClosedErrorMessage(t *testing.T) {
	err := &ClosedError{Code: 1002, Reason: "protocol error"}
	assert.Equal(t, "connection closed (code 1002): protocol error", err.Error())
}
