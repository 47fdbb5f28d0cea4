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

package adapter

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// MemoryBus is the shared state behind in-process adapters. Multiple
// server nodes in one process (mainly tests) get their own Adapter handle
// from the same bus and see each other's publishes, streams and presence.
type MemoryBus struct {
	mu       sync.Mutex
	subs     map[string]map[*Memory]MessageHandler
	streams  map[string]*memStream
	presence map[string]memPresence
	notify   chan struct{} // closed and replaced on every append
}

type memStream struct {
	nextSeq int64
	entries []StreamEntry
	expires time.Time
}

type memPresence struct {
	nodeID  string
	expires time.Time
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:     make(map[string]map[*Memory]MessageHandler),
		streams:  make(map[string]*memStream),
		presence: make(map[string]memPresence),
		notify:   make(chan struct{}),
	}
}

// Adapter returns a new handle onto the bus.
func (b *MemoryBus) Adapter() *Memory {
	return &Memory{bus: b}
}

// Memory is the in-process Adapter variant. Dispatch is synchronous: a
// Publish invokes every subscribed handler before returning.
type Memory struct {
	bus *MemoryBus

	mu          sync.Mutex
	onError     []func(error)
	onReconnect []func()
}

// NewMemory creates a standalone in-process adapter on its own bus.
func NewMemory() *Memory {
	return NewMemoryBus().Adapter()
}

func (m *Memory) Publish(ctx context.Context, channel string, data []byte) error {
	b := m.bus
	b.mu.Lock()
	handlers := make([]MessageHandler, 0, len(b.subs[channel]))
	for _, h := range b.subs[channel] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(channel, data)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string, h MessageHandler) error {
	b := m.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*Memory]MessageHandler)
	}
	b.subs[channel][m] = h
	return nil
}

func (m *Memory) Unsubscribe(ctx context.Context, channel string) error {
	b := m.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[channel], m)
	return nil
}

func (m *Memory) Append(ctx context.Context, stream string, values map[string]interface{}, maxLen int64, ttl time.Duration) error {
	b := m.bus
	b.mu.Lock()
	b.appendLocked(stream, values, maxLen, ttl)
	notify := b.notify
	b.notify = make(chan struct{})
	b.mu.Unlock()
	close(notify)
	return nil
}

func (m *Memory) AppendBatch(ctx context.Context, entries []StreamAppend, maxLen int64, ttl time.Duration) error {
	b := m.bus
	b.mu.Lock()
	for _, e := range entries {
		b.appendLocked(e.Stream, e.Values, maxLen, ttl)
	}
	notify := b.notify
	b.notify = make(chan struct{})
	b.mu.Unlock()
	close(notify)
	return nil
}

func (b *MemoryBus) appendLocked(stream string, values map[string]interface{}, maxLen int64, ttl time.Duration) {
	s := b.streams[stream]
	if s == nil || (s.expires.Before(time.Now()) && !s.expires.IsZero()) {
		s = &memStream{nextSeq: 1}
		b.streams[stream] = s
	}
	strValues := make(map[string]string, len(values))
	for k, v := range values {
		strValues[k] = fmt.Sprint(v)
	}
	s.entries = append(s.entries, StreamEntry{
		Stream: stream,
		ID:     strconv.FormatInt(s.nextSeq, 10) + "-0",
		Values: strValues,
	})
	s.nextSeq++
	if maxLen > 0 && int64(len(s.entries)) > maxLen {
		s.entries = s.entries[int64(len(s.entries))-maxLen:]
	}
	if ttl > 0 {
		s.expires = time.Now().Add(ttl)
	}
}

func (m *Memory) ReadStreams(ctx context.Context, cursors []StreamCursor, count int64, block time.Duration) ([]StreamEntry, error) {
	deadline := time.Now().Add(clampBlock(block))
	for {
		b := m.bus
		b.mu.Lock()
		var out []StreamEntry
		for _, cur := range cursors {
			s := b.streams[cur.Stream]
			if s == nil {
				continue
			}
			for _, entry := range s.entries {
				if entryAfter(entry.ID, cur.LastID) {
					out = append(out, entry)
					if count > 0 && int64(len(out)) >= count {
						break
					}
				}
			}
		}
		notify := b.notify
		b.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remain)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-notify:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

// entryAfter compares stream ids of the form "<seq>-0".
func entryAfter(id, last string) bool {
	if last == "" || last == "0" {
		return true
	}
	return parseStreamID(id) > parseStreamID(last)
}

func parseStreamID(id string) int64 {
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			id = id[:i]
			break
		}
	}
	n, _ := strconv.ParseInt(id, 10, 64)
	return n
}

func (m *Memory) StreamLen(ctx context.Context, stream string) (int64, error) {
	b := m.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.streams[stream]
	if s == nil {
		return 0, nil
	}
	return int64(len(s.entries)), nil
}

func (m *Memory) SetPresence(ctx context.Context, identity, nodeID string, ttl time.Duration) error {
	b := m.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	b.presence[identity] = memPresence{nodeID: nodeID, expires: time.Now().Add(ttl)}
	return nil
}

func (m *Memory) GetPresence(ctx context.Context, identity string) (string, error) {
	b := m.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.presence[identity]
	if !ok || time.Now().After(p.expires) {
		delete(b.presence, identity)
		return "", ErrNotFound
	}
	return p.nodeID, nil
}

func (m *Memory) GetPresenceBatch(ctx context.Context, identities []string) (map[string]string, error) {
	b := m.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(identities))
	now := time.Now()
	for _, id := range identities {
		if p, ok := b.presence[id]; ok && now.Before(p.expires) {
			out[id] = p.nodeID
		}
	}
	return out, nil
}

func (m *Memory) SetPresenceBatch(ctx context.Context, entries []PresenceEntry, ttl time.Duration) error {
	b := m.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	expires := time.Now().Add(ttl)
	for _, e := range entries {
		b.presence[e.Identity] = memPresence{nodeID: e.NodeID, expires: expires}
	}
	return nil
}

func (m *Memory) RemovePresence(ctx context.Context, identity string) error {
	b := m.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.presence, identity)
	return nil
}

func (m *Memory) Metrics(ctx context.Context) (map[string]interface{}, error) {
	b := m.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]interface{}{
		"streams":  len(b.streams),
		"presence": len(b.presence),
	}, nil
}

func (m *Memory) OnError(f func(error)) {
	m.mu.Lock()
	m.onError = append(m.onError, f)
	m.mu.Unlock()
}

func (m *Memory) OnReconnect(f func()) {
	m.mu.Lock()
	m.onReconnect = append(m.onReconnect, f)
	m.mu.Unlock()
}

// FireReconnect invokes the reconnect hooks. Tests use it to simulate a
// broker outage ending.
func (m *Memory) FireReconnect() {
	m.mu.Lock()
	hooks := append([]func(){}, m.onReconnect...)
	m.mu.Unlock()
	for _, h := range hooks {
		h()
	}
}

func (m *Memory) Disconnect(ctx context.Context) error {
	b := m.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		delete(b.subs[ch], m)
	}
	return nil
}

var _ Adapter = (*Memory)(nil)
