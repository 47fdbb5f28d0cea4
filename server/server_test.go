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

package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/rohittiwari-dev/ocpp-ws-io-sub000/adapter"
	"github.com/rohittiwari-dev/ocpp-ws-io-sub000/rpc"
)

func newTestNode(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	if cfg.Logger == nil {
		cfg.Logger = testLog()
	}
	srv, err := NewServer(adapter.NewMemory(), cfg)
	require.NoError(t, err)
	httpSrv := httptest.NewServer(srv)
	t.Cleanup(func() {
		httpSrv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Close(ctx, true)
	})
	return srv, httpSrv
}

func wsURL(httpSrv *httptest.Server, identity string) string {
	return "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/" + identity
}

func dialStation(t *testing.T, httpSrv *httptest.Server, identity string, cfg rpc.ClientConfig) *rpc.Endpoint {
	if len(cfg.Protocols) == 0 {
		cfg.Protocols = []string{"ocpp1.6"}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ep, err := rpc.Dial(ctx, wsURL(httpSrv, identity), cfg)
	require.NoError(t, err)
	t.Cleanup(ep.Terminate)
	return ep
}

func TestServerCallResponse(t *testing.T) {
	srv, httpSrv := newTestNode(t, Config{Protocols: []string{"ocpp1.6"}})
	srv.Handle("BootNotification", func(ctx context.Context, call *rpc.Call) (interface{}, error) {
		assert.Equal(t, "CP-1", call.Identity)
		assert.Equal(t, "ocpp1.6", call.Protocol)
		return map[string]interface{}{"status": "Accepted", "interval": 300}, nil
	})

	station := dialStation(t, httpSrv, "CP-1", rpc.ClientConfig{})
	res, err := station.Call(context.Background(), "BootNotification", map[string]string{"chargePointModel": "M"})
	require.NoError(t, err)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(res, &resp))
	assert.Equal(t, "Accepted", resp["status"])

	assert.Equal(t, 1, srv.ClientCount())
	assert.Equal(t, []string{"CP-1"}, srv.ClientIDs())
	_, ok := srv.Client("CP-1")
	assert.True(t, ok)
	_, ok = srv.Session("CP-1")
	assert.True(t, ok)
}

func TestServerRejectsNonWebsocket(t *testing.T) {
	_, httpSrv := newTestNode(t, Config{})
	resp, err := http.Get(httpSrv.URL + "/CP-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerRejectsMissingIdentity(t *testing.T) {
	_, httpSrv := newTestNode(t, Config{})
	req, _ := http.NewRequest(http.MethodGet, httpSrv.URL+"/", nil)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerRejectsUnknownSubprotocol(t *testing.T) {
	var mu sync.Mutex
	var events []SecurityEvent
	_, httpSrv := newTestNode(t, Config{
		Protocols: []string{"ocpp2.0.1"},
		OnSecurityEvent: func(ev SecurityEvent) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
	})

	_, err := rpc.Dial(context.Background(), wsURL(httpSrv, "CP-1"), rpc.ClientConfig{
		Protocols: []string{"ocpp1.6"},
	})
	var httpErr *rpc.UnexpectedHTTPResponse
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.StatusCode)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, SecurityUpgradeAborted, events[0].Type)
}

func TestServerSelectsServerPreferredProtocol(t *testing.T) {
	_, httpSrv := newTestNode(t, Config{Protocols: []string{"ocpp2.0.1", "ocpp1.6"}})
	station := dialStation(t, httpSrv, "CP-1", rpc.ClientConfig{
		Protocols: []string{"ocpp1.6", "ocpp2.0.1"},
	})
	// The server's first preference wins, not the client's.
	assert.Equal(t, "ocpp2.0.1", station.Protocol())
}

func TestServerBasicAuthProfile(t *testing.T) {
	var mu sync.Mutex
	var events []SecurityEvent
	_, httpSrv := newTestNode(t, Config{
		SecurityProfile: ProfileBasicAuth,
		Auth: func(ctx context.Context, info *HandshakeInfo) error {
			if string(info.Password) != "pa:ss:word" {
				return errors.New("bad password")
			}
			return nil
		},
		OnSecurityEvent: func(ev SecurityEvent) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
	})

	// Missing credentials.
	_, err := rpc.Dial(context.Background(), wsURL(httpSrv, "CP-1"), rpc.ClientConfig{
		Protocols: []string{"ocpp1.6"},
	})
	var httpErr *rpc.UnexpectedHTTPResponse
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)

	// Wrong password is rejected by the auth callback.
	_, err = rpc.Dial(context.Background(), wsURL(httpSrv, "CP-1"), rpc.ClientConfig{
		Protocols:         []string{"ocpp1.6"},
		BasicAuthUser:     "CP-1",
		BasicAuthPassword: "nope",
	})
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)

	// Correct credentials pass; colons in the password survive.
	station := dialStation(t, httpSrv, "CP-1", rpc.ClientConfig{
		BasicAuthUser:     "CP-1",
		BasicAuthPassword: "pa:ss:word",
	})
	assert.Equal(t, rpc.StateOpen, station.State())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	for _, ev := range events {
		assert.Equal(t, SecurityAuthFailed, ev.Type)
	}
}

func TestServerAuthTimeout(t *testing.T) {
	_, httpSrv := newTestNode(t, Config{
		HandshakeTimeout: 50 * time.Millisecond,
		Auth: func(ctx context.Context, info *HandshakeInfo) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	_, err := rpc.Dial(context.Background(), wsURL(httpSrv, "CP-1"), rpc.ClientConfig{
		Protocols: []string{"ocpp1.6"},
	})
	var httpErr *rpc.UnexpectedHTTPResponse
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
}

func TestServerConnectionRateLimit(t *testing.T) {
	_, httpSrv := newTestNode(t, Config{
		ConnectionRate:  rate.Limit(0.001),
		ConnectionBurst: 1,
	})

	// First upgrade consumes the burst.
	dialStation(t, httpSrv, "CP-1", rpc.ClientConfig{})

	_, err := rpc.Dial(context.Background(), wsURL(httpSrv, "CP-2"), rpc.ClientConfig{
		Protocols: []string{"ocpp1.6"},
	})
	var httpErr *rpc.UnexpectedHTTPResponse
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusTooManyRequests, httpErr.StatusCode)
}

func TestServerEvictsPriorConnection(t *testing.T) {
	srv, httpSrv := newTestNode(t, Config{})

	first := dialStation(t, httpSrv, "CP-1", rpc.ClientConfig{})
	second := dialStation(t, httpSrv, "CP-1", rpc.ClientConfig{})

	require.Eventually(t, func() bool { return first.State() == rpc.StateClosed },
		5*time.Second, 10*time.Millisecond, "prior connection must be evicted")
	assert.Equal(t, rpc.StateOpen, second.State())
	assert.Equal(t, 1, srv.ClientCount())
}

func TestServerDisconnectCallback(t *testing.T) {
	srv, httpSrv := newTestNode(t, Config{})
	gone := make(chan string, 1)
	srv.OnDisconnect = func(identity string, code int, reason string) { gone <- identity }

	station := dialStation(t, httpSrv, "CP-1", rpc.ClientConfig{})
	station.Terminate()

	select {
	case id := <-gone:
		assert.Equal(t, "CP-1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect callback not fired")
	}
	require.Eventually(t, func() bool { return srv.ClientCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestHealthHandler(t *testing.T) {
	srv, httpSrv := newTestNode(t, Config{})
	dialStation(t, httpSrv, "CP-1", rpc.ClientConfig{})

	health := httptest.NewServer(srv.HealthHandler())
	defer health.Close()

	resp, err := http.Get(health.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status healthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, 1, status.Clients)
	assert.Equal(t, srv.NodeID(), status.NodeID)
	assert.NotZero(t, status.PID)

	metrics, err := http.Get(health.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	body, err := io.ReadAll(metrics.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "ocpp_connected_clients 1")
	assert.Contains(t, string(body), "ocpp_memory_heap_used_bytes")

	notFound, err := http.Get(health.URL + "/nope")
	require.NoError(t, err)
	defer notFound.Body.Close()
	assert.Equal(t, http.StatusNotFound, notFound.StatusCode)
}

func TestParseBasicAuthSplitsFirstColonOnly(t *testing.T) {
	header := "Basic " + basicCred("CP-1", "a:b:c")
	user, password, ok := parseBasicAuth(header)
	require.True(t, ok)
	assert.Equal(t, "CP-1", user)
	assert.Equal(t, []byte("a:b:c"), password)

	_, _, ok = parseBasicAuth("Bearer token")
	assert.False(t, ok)
	_, _, ok = parseBasicAuth("Basic !!!not-base64!!!")
	assert.False(t, ok)
	// No colon in the decoded credential.
	_, _, ok = parseBasicAuth("Basic " + base64.StdEncoding.EncodeToString([]byte("nocolon")))
	assert.False(t, ok)
}

func basicCred(user, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
}
