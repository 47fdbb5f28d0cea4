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
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rohittiwari-dev/ocpp-ws-io-sub000/adapter"
	"github.com/rohittiwari-dev/ocpp-ws-io-sub000/rpc"
)

// ErrClientNotFound is returned by SendToClient when no node holds the
// identity.
var ErrClientNotFound = errors.New("client not connected anywhere")

// broadcastEnvelope is the payload published on the broadcast channel.
// Receivers drop envelopes carrying their own source (loop prevention).
type broadcastEnvelope struct {
	Source string          `json:"source"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

const (
	streamFieldMethod = "method"
	streamFieldParams = "params"
	streamFieldSeq    = "__seq"
)

// router is the cluster side of a Server: broadcast fan-out, targeted
// unicast via presence lookup plus stream fan-in, and the presence lease
// refresher.
type router struct {
	s   *Server
	ad  adapter.Adapter
	log *logrus.Entry

	mu       sync.Mutex
	cursors  map[string]string // local identity -> last consumed stream id
	lastSeen map[string]int64  // identity -> highest delivered __seq
	outSeq   map[string]int64  // identity -> last emitted __seq
	wake     chan struct{}     // closed and replaced when the cursor set changes

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newRouter(s *Server) (*router, error) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &router{
		s:        s,
		ad:       s.adapter,
		log:      s.log.WithField("component", "router"),
		cursors:  make(map[string]string),
		lastSeen: make(map[string]int64),
		outSeq:   make(map[string]int64),
		wake:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	if err := r.ad.Subscribe(ctx, adapter.BroadcastChannel, r.onBroadcast); err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe broadcast channel: %w", err)
	}
	r.ad.OnReconnect(r.reassertPresence)

	r.wg.Add(2)
	go r.pollLoop()
	go r.presenceLoop()
	return r, nil
}

// clientOpened registers the identity's unicast stream cursor and asserts
// presence.
func (r *router) clientOpened(identity string) {
	r.mu.Lock()
	if _, ok := r.cursors[identity]; !ok {
		r.cursors[identity] = "0"
	}
	wake := r.wake
	r.wake = make(chan struct{})
	r.mu.Unlock()
	close(wake)

	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()
	if err := r.ad.SetPresence(ctx, identity, r.s.NodeID(), r.s.cfg.PresenceTTL); err != nil {
		r.log.WithError(err).WithField("identity", identity).Warn("failed to set presence")
	}
}

// clientClosed drops the cursor and presence entry. The __seq high-water
// mark is kept so a quick reconnect still suppresses duplicates.
func (r *router) clientClosed(identity string) {
	r.mu.Lock()
	delete(r.cursors, identity)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.ad.RemovePresence(ctx, identity); err != nil {
		r.log.WithError(err).WithField("identity", identity).Debug("failed to remove presence")
	}
}

// ---------------------------------------------------------------- broadcast

// Broadcast invokes method on every locally held endpoint (errors swallowed
// per endpoint) and publishes an envelope so every other node does the
// same.
func (s *Server) Broadcast(ctx context.Context, method string, params interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	s.router.fanOut(ctx, method, raw)

	env, err := json.Marshal(broadcastEnvelope{Source: s.NodeID(), Method: method, Params: raw})
	if err != nil {
		return err
	}
	return s.adapter.Publish(ctx, adapter.BroadcastChannel, env)
}

func (r *router) onBroadcast(_ string, data []byte) {
	var env broadcastEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.log.WithError(err).Debug("malformed broadcast envelope")
		return
	}
	if env.Source == r.s.NodeID() {
		return
	}
	r.fanOut(r.ctx, env.Method, env.Params)
}

// fanOut calls method on every local endpoint concurrently, swallowing
// per-endpoint failures.
func (r *router) fanOut(ctx context.Context, method string, params json.RawMessage) {
	r.s.mu.Lock()
	endpoints := make([]*rpc.Endpoint, 0, len(r.s.clients))
	for _, ep := range r.s.clients {
		endpoints = append(endpoints, ep)
	}
	r.s.mu.Unlock()

	var wg sync.WaitGroup
	for _, ep := range endpoints {
		wg.Add(1)
		go func(ep *rpc.Endpoint) {
			defer wg.Done()
			if _, err := ep.Call(ctx, method, params); err != nil {
				r.log.WithError(err).WithFields(logrus.Fields{
					"identity": ep.Identity(),
					"method":   method,
				}).Debug("broadcast call failed")
			}
		}(ep)
	}
	wg.Wait()
}

// ------------------------------------------------------------------ unicast

// SendToClient issues a call to the station regardless of which node holds
// its socket. Local identities are called directly and return the result;
// remote ones get the call appended to their node stream (at-least-once,
// no result back) and return nil.
func (s *Server) SendToClient(ctx context.Context, identity, method string, params interface{}, opts ...rpc.CallOption) (json.RawMessage, error) {
	if ep, ok := s.Client(identity); ok {
		return ep.Call(ctx, method, params, opts...)
	}

	nodeID, err := s.adapter.GetPresence(ctx, identity)
	if errors.Is(err, adapter.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", identity, ErrClientNotFound)
	}
	if err != nil {
		return nil, err
	}
	if nodeID == s.NodeID() {
		// Stale entry from a connection this node no longer holds.
		s.adapter.RemovePresence(ctx, identity)
		return nil, fmt.Errorf("%s: %w", identity, ErrClientNotFound)
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	seq := s.router.nextSeq(identity)
	err = s.adapter.Append(ctx, adapter.NodeStream(identity), map[string]interface{}{
		streamFieldMethod: method,
		streamFieldParams: string(raw),
		streamFieldSeq:    seq,
	}, s.cfg.StreamMaxLen, s.cfg.StreamTTL)
	if err != nil {
		return nil, err
	}
	return nil, nil
}

// BatchCall is one element of SendBatch.
type BatchCall struct {
	Method string
	Params interface{}
}

// BatchResult is the per-call outcome of SendBatch; failed calls carry a
// nil Result and the error.
type BatchResult struct {
	Result json.RawMessage
	Err    error
}

// SendBatch issues several calls to one station, temporarily widening its
// work queue so the batch goes out concurrently. The identity must be held
// locally.
func (s *Server) SendBatch(ctx context.Context, identity string, calls []BatchCall) ([]BatchResult, error) {
	ep, ok := s.Client(identity)
	if !ok {
		return nil, fmt.Errorf("%s: %w", identity, ErrClientNotFound)
	}

	queue := ep.CallQueue()
	prev := queue.Concurrency()
	if len(calls) > prev {
		queue.SetConcurrency(len(calls))
		defer queue.SetConcurrency(prev)
	}

	results := make([]BatchResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call BatchCall) {
			defer wg.Done()
			res, err := ep.Call(ctx, call.Method, call.Params)
			results[i] = BatchResult{Result: res, Err: err}
		}(i, call)
	}
	wg.Wait()
	return results, nil
}

// nextSeq returns the next outbound __seq for identity. Counters live in
// memory; after a restart emission resumes from 1 and the stream TTL covers
// the receiver's stale high-water mark.
func (r *router) nextSeq(identity string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outSeq[identity]++
	return r.outSeq[identity]
}

// ------------------------------------------------------------------- poller

// pollLoop multiplexes blocking reads over the streams of all locally held
// identities. Adapter failures back off for a second to avoid a tight
// loop.
func (r *router) pollLoop() {
	defer r.wg.Done()
	for {
		cursors, wake := r.snapshotCursors()
		if len(cursors) == 0 {
			select {
			case <-r.ctx.Done():
				return
			case <-wake:
			}
			continue
		}

		entries, err := r.ad.ReadStreams(r.ctx, cursors, 100, time.Second)
		if r.ctx.Err() != nil {
			return
		}
		if err != nil {
			r.log.WithError(err).Debug("stream read failed, backing off")
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, entry := range entries {
			r.deliver(entry)
		}
	}
}

func (r *router) snapshotCursors() ([]adapter.StreamCursor, chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cursors := make([]adapter.StreamCursor, 0, len(r.cursors))
	for identity, lastID := range r.cursors {
		cursors = append(cursors, adapter.StreamCursor{Stream: adapter.NodeStream(identity), LastID: lastID})
	}
	return cursors, r.wake
}

// deliver performs the local call for one stream entry, suppressing
// entries at or below the identity's __seq high-water mark.
func (r *router) deliver(entry adapter.StreamEntry) {
	identity := identityFromStream(entry.Stream)

	r.mu.Lock()
	if _, tracked := r.cursors[identity]; tracked {
		r.cursors[identity] = entry.ID
	}
	seq, err := strconv.ParseInt(entry.Values[streamFieldSeq], 10, 64)
	if err != nil {
		r.mu.Unlock()
		r.log.WithField("stream", entry.Stream).Debug("stream entry without valid __seq")
		return
	}
	if seq <= r.lastSeen[identity] {
		r.mu.Unlock()
		return
	}
	r.lastSeen[identity] = seq
	r.mu.Unlock()

	ep, ok := r.s.Client(identity)
	if !ok {
		return
	}
	method := entry.Values[streamFieldMethod]
	params := json.RawMessage(entry.Values[streamFieldParams])

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := ep.Call(r.ctx, method, params); err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{
				"identity": identity,
				"method":   method,
			}).Warn("routed call failed")
		}
	}()
}

func identityFromStream(stream string) string {
	return stream[len(adapter.NodeStream("")):]
}

// ----------------------------------------------------------------- presence

// presenceLoop refreshes the leases of all local identities in one batch
// per third of the TTL.
func (r *router) presenceLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.s.cfg.PresenceTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.reassertPresence()
		}
	}
}

// reassertPresence writes every locally held identity's presence in one
// batch. Also invoked from the adapter's reconnect hook.
func (r *router) reassertPresence() {
	ids := r.s.ClientIDs()
	if len(ids) == 0 {
		return
	}
	entries := make([]adapter.PresenceEntry, len(ids))
	for i, id := range ids {
		entries[i] = adapter.PresenceEntry{Identity: id, NodeID: r.s.NodeID()}
	}
	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()
	if err := r.ad.SetPresenceBatch(ctx, entries, r.s.cfg.PresenceTTL); err != nil {
		r.log.WithError(err).Warn("failed to refresh presence batch")
	}
}

func (r *router) close() {
	r.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.ad.Unsubscribe(ctx, adapter.BroadcastChannel)
	r.wg.Wait()
}
