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

// Package adapter defines the cluster event-adapter contract: broadcast
// pub/sub on logical channels, reliable per-identity unicast streams with
// trimming and key TTLs, and a presence KV. Two implementations are
// provided: an in-process bus for single-node deployments and tests, and a
// Redis-backed adapter for clusters.
package adapter

import (
	"context"
	"errors"
	"time"
)

// Default broker key parameters.
const (
	DefaultKeyPrefix     = "ocpp-ws-io:"
	DefaultStreamMaxLen  = 1000
	DefaultStreamTTL     = 300 * time.Second
	DefaultPresenceTTL   = 300 * time.Second
	BroadcastChannel     = "ocpp:broadcast"
	nodeStreamPrefix     = "ocpp:node:"
	presenceKeyPrefix    = "presence:"
	maxStreamReadBlock   = time.Second
	DefaultReadBlockTime = time.Second
)

// NodeStream returns the unicast stream name for an identity.
func NodeStream(identity string) string { return nodeStreamPrefix + identity }

// PresenceKey returns the presence KV key for an identity.
func PresenceKey(identity string) string { return presenceKeyPrefix + identity }

// ErrNotFound is returned by GetPresence when no entry exists.
var ErrNotFound = errors.New("presence entry not found")

// MessageHandler receives broadcast payloads for a subscribed channel.
type MessageHandler func(channel string, data []byte)

// StreamCursor addresses one stream and the last consumed entry id;
// LastID "" (or "0") reads from the beginning.
type StreamCursor struct {
	Stream string
	LastID string
}

// StreamEntry is one unicast log record.
type StreamEntry struct {
	Stream string
	ID     string
	Values map[string]string
}

// StreamAppend is one element of a batched append.
type StreamAppend struct {
	Stream string
	Values map[string]interface{}
}

// PresenceEntry maps an identity to the node currently holding its socket.
type PresenceEntry struct {
	Identity string
	NodeID   string
}

// Adapter is the cluster capability surface consumed by the server. All
// methods are safe for concurrent use.
type Adapter interface {
	// Publish sends data on a broadcast channel.
	Publish(ctx context.Context, channel string, data []byte) error
	// Subscribe registers the handler for a channel. One handler per
	// channel per adapter handle; re-subscribing replaces it.
	Subscribe(ctx context.Context, channel string, h MessageHandler) error
	// Unsubscribe removes this handle's subscription for the channel.
	Unsubscribe(ctx context.Context, channel string) error

	// Append writes one entry to a unicast stream, trimming to maxLen and
	// refreshing the stream key's TTL.
	Append(ctx context.Context, stream string, values map[string]interface{}, maxLen int64, ttl time.Duration) error
	// AppendBatch writes several entries, one round-trip where possible.
	AppendBatch(ctx context.Context, entries []StreamAppend, maxLen int64, ttl time.Duration) error
	// ReadStreams blocks up to block (bounded at 1 s so new cursors become
	// visible promptly) for entries past the given cursors.
	ReadStreams(ctx context.Context, cursors []StreamCursor, count int64, block time.Duration) ([]StreamEntry, error)
	// StreamLen returns the entry count of a stream.
	StreamLen(ctx context.Context, stream string) (int64, error)

	// SetPresence records identity -> nodeID with a TTL lease.
	SetPresence(ctx context.Context, identity, nodeID string, ttl time.Duration) error
	// GetPresence resolves the owning node, or ErrNotFound.
	GetPresence(ctx context.Context, identity string) (string, error)
	// GetPresenceBatch resolves many identities at once; absent identities
	// are omitted from the result.
	GetPresenceBatch(ctx context.Context, identities []string) (map[string]string, error)
	// SetPresenceBatch asserts many entries in one round-trip.
	SetPresenceBatch(ctx context.Context, entries []PresenceEntry, ttl time.Duration) error
	// RemovePresence deletes an entry.
	RemovePresence(ctx context.Context, identity string) error

	// Metrics returns implementation-specific counters; may return nil.
	Metrics(ctx context.Context) (map[string]interface{}, error)

	// OnError registers a hook for asynchronous adapter failures.
	OnError(func(error))
	// OnReconnect registers a hook fired when broker connectivity returns
	// after a failure. The server re-asserts presence from it.
	OnReconnect(func())

	// Disconnect releases the adapter's resources.
	Disconnect(ctx context.Context) error
}

// clampBlock bounds a blocking-read duration to keep pollers responsive.
func clampBlock(block time.Duration) time.Duration {
	if block <= 0 || block > maxStreamReadBlock {
		return maxStreamReadBlock
	}
	return block
}
