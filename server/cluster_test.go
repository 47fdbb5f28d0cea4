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
	"encoding/json"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohittiwari-dev/ocpp-ws-io-sub000/adapter"
	"github.com/rohittiwari-dev/ocpp-ws-io-sub000/rpc"
)

type clusterNode struct {
	srv     *Server
	httpSrv *httptest.Server
	adapter *adapter.Memory
}

// newTestCluster spins up n server nodes sharing one in-process bus.
func newTestCluster(t *testing.T, n int) []*clusterNode {
	bus := adapter.NewMemoryBus()
	nodes := make([]*clusterNode, n)
	for i := 0; i < n; i++ {
		handle := bus.Adapter()
		srv, err := NewServer(handle, Config{
			NodeID:    string(rune('a' + i)),
			Protocols: []string{"ocpp1.6"},
			Logger:    testLog(),
		})
		require.NoError(t, err)
		httpSrv := httptest.NewServer(srv)
		nodes[i] = &clusterNode{srv: srv, httpSrv: httpSrv, adapter: handle}
		t.Cleanup(func() {
			httpSrv.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Close(ctx, true)
		})
	}
	return nodes
}

func waitPresence(t *testing.T, ad adapter.Adapter, identity, wantNode string) {
	require.Eventually(t, func() bool {
		node, err := ad.GetPresence(context.Background(), identity)
		return err == nil && node == wantNode
	}, 5*time.Second, 10*time.Millisecond, "presence for %s not asserted", identity)
}

func TestClusterSendToClientLocal(t *testing.T) {
	nodes := newTestCluster(t, 1)
	station := dialStation(t, nodes[0].httpSrv, "CP-1", rpc.ClientConfig{})
	station.Handle("Reset", func(ctx context.Context, call *rpc.Call) (interface{}, error) {
		return map[string]string{"status": "Accepted"}, nil
	})

	res, err := nodes[0].srv.SendToClient(context.Background(), "CP-1", "Reset", map[string]string{"type": "Soft"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"Accepted"}`, string(res))
}

func TestClusterSendToClientRemote(t *testing.T) {
	nodes := newTestCluster(t, 2)
	a, b := nodes[0], nodes[1]

	received := make(chan json.RawMessage, 1)
	station := dialStation(t, a.httpSrv, "CP-1", rpc.ClientConfig{})
	station.Handle("GetDiagnostics", func(ctx context.Context, call *rpc.Call) (interface{}, error) {
		received <- call.Params
		return map[string]string{"fileName": "diag.log"}, nil
	})
	waitPresence(t, b.adapter, "CP-1", a.srv.NodeID())

	// Node B does not hold the socket; the call travels via A's stream.
	res, err := b.srv.SendToClient(context.Background(), "CP-1", "GetDiagnostics",
		map[string]string{"location": "http://x"})
	require.NoError(t, err)
	assert.Nil(t, res)

	select {
	case params := <-received:
		assert.JSONEq(t, `{"location":"http://x"}`, string(params))
	case <-time.After(5 * time.Second):
		t.Fatal("routed call never reached the station")
	}

	// The first remote send carries __seq 1.
	entries, err := b.adapter.ReadStreams(context.Background(),
		[]adapter.StreamCursor{{Stream: adapter.NodeStream("CP-1")}}, 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "1", entries[0].Values["__seq"])
	assert.Equal(t, "GetDiagnostics", entries[0].Values["method"])
}

func TestClusterSendToClientUnknown(t *testing.T) {
	nodes := newTestCluster(t, 1)
	_, err := nodes[0].srv.SendToClient(context.Background(), "CP-404", "Reset", nil)
	assert.ErrorIs(t, err, ErrClientNotFound)
}

func TestClusterSendToClientStalePresence(t *testing.T) {
	nodes := newTestCluster(t, 1)
	n := nodes[0]
	// A presence entry naming this node without a local socket is stale.
	require.NoError(t, n.adapter.SetPresence(context.Background(), "CP-1", n.srv.NodeID(), time.Minute))

	_, err := n.srv.SendToClient(context.Background(), "CP-1", "Reset", nil)
	assert.ErrorIs(t, err, ErrClientNotFound)
	_, err = n.adapter.GetPresence(context.Background(), "CP-1")
	assert.ErrorIs(t, err, adapter.ErrNotFound)
}

func TestClusterSeqDeduplication(t *testing.T) {
	nodes := newTestCluster(t, 2)
	a, b := nodes[0], nodes[1]

	var calls atomic.Int32
	station := dialStation(t, a.httpSrv, "CP-1", rpc.ClientConfig{})
	station.Handle("Reset", func(ctx context.Context, call *rpc.Call) (interface{}, error) {
		calls.Add(1)
		return map[string]string{}, nil
	})
	waitPresence(t, b.adapter, "CP-1", a.srv.NodeID())

	// A duplicate of an already-delivered __seq must be discarded.
	stream := adapter.NodeStream("CP-1")
	for _, seq := range []int{1, 1, 2} {
		require.NoError(t, b.adapter.Append(context.Background(), stream, map[string]interface{}{
			"method": "Reset",
			"params": "{}",
			"__seq":  seq,
		}, adapter.DefaultStreamMaxLen, adapter.DefaultStreamTTL))
	}

	require.Eventually(t, func() bool { return calls.Load() == 2 },
		5*time.Second, 10*time.Millisecond)
	// Give the poller a chance to (incorrectly) deliver the duplicate.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClusterBroadcast(t *testing.T) {
	nodes := newTestCluster(t, 2)
	a, b := nodes[0], nodes[1]

	var callsA, callsB atomic.Int32
	stationA := dialStation(t, a.httpSrv, "CP-A", rpc.ClientConfig{})
	stationA.Handle("Reset", func(ctx context.Context, call *rpc.Call) (interface{}, error) {
		callsA.Add(1)
		return map[string]string{}, nil
	})
	stationB := dialStation(t, b.httpSrv, "CP-B", rpc.ClientConfig{})
	stationB.Handle("Reset", func(ctx context.Context, call *rpc.Call) (interface{}, error) {
		callsB.Add(1)
		return map[string]string{}, nil
	})

	require.NoError(t, a.srv.Broadcast(context.Background(), "Reset", map[string]string{"type": "Soft"}))

	require.Eventually(t, func() bool {
		return callsA.Load() == 1 && callsB.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Loop prevention: the source node must not re-handle its own envelope.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), callsA.Load())
	assert.Equal(t, int32(1), callsB.Load())
}

func TestClusterSendBatch(t *testing.T) {
	nodes := newTestCluster(t, 1)
	station := dialStation(t, nodes[0].httpSrv, "CP-1", rpc.ClientConfig{})
	station.Handle("ChangeConfiguration", func(ctx context.Context, call *rpc.Call) (interface{}, error) {
		var req map[string]string
		if err := json.Unmarshal(call.Params, &req); err != nil {
			return nil, err
		}
		if req["key"] == "bad" {
			return nil, rpc.NewError(rpc.ErrCodeNotSupported, "unknown key")
		}
		return map[string]string{"status": "Accepted"}, nil
	})

	results, err := nodes[0].srv.SendBatch(context.Background(), "CP-1", []BatchCall{
		{Method: "ChangeConfiguration", Params: map[string]string{"key": "a"}},
		{Method: "ChangeConfiguration", Params: map[string]string{"key": "bad"}},
		{Method: "ChangeConfiguration", Params: map[string]string{"key": "c"}},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.JSONEq(t, `{"status":"Accepted"}`, string(results[0].Result))
	require.Error(t, results[1].Err)
	var rpcErr *rpc.Error
	require.ErrorAs(t, results[1].Err, &rpcErr)
	assert.Equal(t, rpc.ErrCodeNotSupported, rpcErr.Code)
	assert.NoError(t, results[2].Err)

	// Queue width is restored after the batch.
	ep, _ := nodes[0].srv.Client("CP-1")
	assert.Equal(t, 1, ep.CallQueue().Concurrency())

	_, err = nodes[0].srv.SendBatch(context.Background(), "CP-404", nil)
	assert.ErrorIs(t, err, ErrClientNotFound)
}

func TestClusterPresenceReassertedOnReconnect(t *testing.T) {
	nodes := newTestCluster(t, 1)
	n := nodes[0]

	dialStation(t, n.httpSrv, "CP-1", rpc.ClientConfig{})
	waitPresence(t, n.adapter, "CP-1", n.srv.NodeID())

	// Simulate a broker outage wiping presence, then recovery.
	require.NoError(t, n.adapter.RemovePresence(context.Background(), "CP-1"))
	n.adapter.FireReconnect()
	waitPresence(t, n.adapter, "CP-1", n.srv.NodeID())
}
