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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSerializeFixpoint(t *testing.T) {
	frames := []string{
		`[2,"19223201","BootNotification",{"chargePointModel":"M","chargePointVendor":"V"}]`,
		`[3,"19223201",{"status":"Accepted","interval":300}]`,
		`[4,"19223201","NotImplemented","no handler",{}]`,
	}
	for _, frame := range frames {
		msg, err := ParseMessage([]byte(frame))
		require.NoError(t, err, frame)
		out, err := msg.Serialize()
		require.NoError(t, err)
		assert.JSONEq(t, frame, string(out))
	}
}

func TestSerializeEmptyPayloads(t *testing.T) {
	out, err := newCall("id-1", "Heartbeat", nil).Serialize()
	require.NoError(t, err)
	assert.Equal(t, `[2,"id-1","Heartbeat",{}]`, string(out))

	out, err = newCallResult("id-1", nil).Serialize()
	require.NoError(t, err)
	assert.Equal(t, `[3,"id-1",{}]`, string(out))

	out, err = newCallError("id-1", NewError(ErrCodeGenericError, "boom")).Serialize()
	require.NoError(t, err)
	assert.Equal(t, `[4,"id-1","GenericError","boom",{}]`, string(out))
}

func TestParseMessageRejections(t *testing.T) {
	tests := []struct {
		name string
		in   string
		code ErrorCode
	}{
		{"not json", `{"truncated`, ErrCodeFormatViolation},
		{"not an array", `{"messageTypeId":2}`, ErrCodeFormationViolation},
		{"too short", `[2,"id"]`, ErrCodeFormationViolation},
		{"type not a number", `["2","id","Reset",{}]`, ErrCodeFormationViolation},
		{"id not a string", `[2,42,"Reset",{}]`, ErrCodeFormationViolation},
		{"empty id", `[2,"","Reset",{}]`, ErrCodeFormationViolation},
		{"id too long", `[2,"` + strings.Repeat("x", 37) + `","Reset",{}]`, ErrCodeFormationViolation},
		{"call arity", `[2,"id","Reset"]`, ErrCodeFormationViolation},
		{"call method not string", `[2,"id",7,{}]`, ErrCodeFormationViolation},
		{"result arity", `[3,"id",{},{}]`, ErrCodeFormationViolation},
		{"error arity", `[4,"id","GenericError","x"]`, ErrCodeFormationViolation},
		{"unknown type", `[9,"id",{}]`, ErrCodeMessageTypeNotSupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMessage([]byte(tt.in))
			require.Error(t, err)
			var rpcErr *Error
			require.ErrorAs(t, err, &rpcErr)
			assert.Equal(t, tt.code, rpcErr.Code)
		})
	}
}

func TestParseCallKeepsRawParams(t *testing.T) {
	msg, err := ParseMessage([]byte(`[2,"id-7","Reset",{"type":"Soft"}]`))
	require.NoError(t, err)
	assert.Equal(t, MessageTypeCall, msg.Type)
	assert.Equal(t, "Reset", msg.Method)
	assert.Equal(t, json.RawMessage(`{"type":"Soft"}`), msg.Params)
}

func TestSalvageCallID(t *testing.T) {
	assert.Equal(t, "abc-123", salvageCallID([]byte(`[2, "abc-123", "Boot`)))
	assert.Equal(t, "x", salvageCallID([]byte(`[2,"x"`)))
	assert.Equal(t, "", salvageCallID([]byte(`[3,"abc-123",{}]`)))
	assert.Equal(t, "", salvageCallID([]byte(`garbage`)))
	// Ids longer than the wire bound are not salvaged.
	assert.Equal(t, "", salvageCallID([]byte(`[2,"`+strings.Repeat("y", 40)+`"`)))
}

func TestPeekMethod(t *testing.T) {
	assert.Equal(t, "Heartbeat", peekMethod([]byte(`[2,"id","Heartbeat",{}]`)))
	assert.Equal(t, "", peekMethod([]byte(`[3,"id",{}]`)))
	assert.Equal(t, "", peekMethod([]byte(`not json`)))
}
