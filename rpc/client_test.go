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
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityFromPath(t *testing.T) {
	tests := []struct {
		path     string
		identity string
		wantErr  bool
	}{
		{"/CP-1", "CP-1", false},
		{"/ocpp/1.6/CP-1", "CP-1", false},
		{"/charge%20point%2F01", "charge point/01", false},
		{"/CP-1/", "CP-1", false},
		{"/", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		identity, err := IdentityFromPath(tt.path)
		if tt.wantErr {
			assert.Error(t, err, tt.path)
			continue
		}
		require.NoError(t, err, tt.path)
		assert.Equal(t, tt.identity, identity)
	}
}

func TestDialRejectsUnknownScheme(t *testing.T) {
	_, err := Dial(context.Background(), "http://localhost/CP-1", ClientConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no known transport")
}

func TestDialSendsBasicAuthFromURL(t *testing.T) {
	gotAuth := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		NewServerEndpoint(conn, "CP-1", "", EndpointConfig{})
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ep, err := Dial(context.Background(), strings.Replace(url, "://", "://CP-1:s3cr%3At@", 1)+"/CP-1", ClientConfig{})
	require.NoError(t, err)
	defer ep.Terminate()

	select {
	case auth := <-gotAuth:
		expected := "Basic " + base64.StdEncoding.EncodeToString([]byte("CP-1:s3cr:t"))
		assert.Equal(t, expected, auth)
	case <-time.After(2 * time.Second):
		t.Fatal("no upgrade request observed")
	}
}

func TestDialReportsHTTPRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http")+"/CP-1", ClientConfig{})
	var httpErr *UnexpectedHTTPResponse
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
}
