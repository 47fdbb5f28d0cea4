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
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisConfig configures the broker-backed adapter.
type RedisConfig struct {
	// URL is a redis:// connection URL. Ignored when Options is set.
	URL string
	// Options overrides URL parsing.
	Options *redis.Options
	// PoolSize is the number of client connections; writes round-robin
	// across them, subscriptions stay pinned to the primary. Default 1.
	PoolSize int
	// KeyPrefix namespaces every channel, stream and KV key.
	// Default "ocpp-ws-io:".
	KeyPrefix string
	// WatchdogInterval is the health-probe period driving the
	// OnError/OnReconnect hooks. Default 2 s.
	WatchdogInterval time.Duration

	Logger *logrus.Entry
}

// Redis is the broker-backed Adapter variant. Unicast streams are durable
// append logs (XADD with approximate MAXLEN trimming and key TTL) polled
// with blocking XREAD.
type Redis struct {
	cfg     RedisConfig
	log     *logrus.Entry
	clients []*redis.Client
	next    atomic.Uint32

	mu          sync.Mutex
	subs        map[string]*redisSub
	onError     []func(error)
	onReconnect []func()
	healthy     bool

	stopWatchdog context.CancelFunc
	wg           sync.WaitGroup
}

type redisSub struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// NewRedis connects the adapter and starts its health watchdog.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	opts := cfg.Options
	if opts == nil {
		var err error
		opts, err = redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, err
		}
	}
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	r := &Redis{
		cfg:     cfg,
		log:     cfg.Logger.WithField("adapter", "redis"),
		subs:    make(map[string]*redisSub),
		healthy: true,
	}
	for i := 0; i < cfg.PoolSize; i++ {
		o := *opts
		r.clients = append(r.clients, redis.NewClient(&o))
	}
	if err := r.primary().Ping(context.Background()).Err(); err != nil {
		r.closeClients()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.stopWatchdog = cancel
	r.wg.Add(1)
	go r.watchdog(ctx)
	return r, nil
}

// primary is the connection subscriptions are pinned to.
func (r *Redis) primary() *redis.Client { return r.clients[0] }

// writer returns the next pool connection, round-robin.
func (r *Redis) writer() *redis.Client {
	n := r.next.Add(1)
	return r.clients[int(n)%len(r.clients)]
}

func (r *Redis) key(name string) string { return r.cfg.KeyPrefix + name }

func (r *Redis) Publish(ctx context.Context, channel string, data []byte) error {
	return r.report(r.writer().Publish(ctx, r.key(channel), data).Err())
}

func (r *Redis) Subscribe(ctx context.Context, channel string, h MessageHandler) error {
	r.mu.Lock()
	if prev, ok := r.subs[channel]; ok {
		prev.cancel()
		prev.pubsub.Close()
		delete(r.subs, channel)
	}
	pubsub := r.primary().Subscribe(ctx, r.key(channel))
	subCtx, cancel := context.WithCancel(context.Background())
	r.subs[channel] = &redisSub{pubsub: pubsub, cancel: cancel}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				h(channel, []byte(msg.Payload))
			}
		}
	}()
	return nil
}

func (r *Redis) Unsubscribe(ctx context.Context, channel string) error {
	r.mu.Lock()
	sub, ok := r.subs[channel]
	if ok {
		delete(r.subs, channel)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	sub.cancel()
	return sub.pubsub.Close()
}

func (r *Redis) Append(ctx context.Context, stream string, values map[string]interface{}, maxLen int64, ttl time.Duration) error {
	key := r.key(stream)
	c := r.writer()
	pipe := c.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	})
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return r.report(err)
}

func (r *Redis) AppendBatch(ctx context.Context, entries []StreamAppend, maxLen int64, ttl time.Duration) error {
	c := r.writer()
	pipe := c.Pipeline()
	for _, e := range entries {
		key := r.key(e.Stream)
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			MaxLen: maxLen,
			Approx: true,
			Values: e.Values,
		})
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
	}
	_, err := pipe.Exec(ctx)
	return r.report(err)
}

func (r *Redis) ReadStreams(ctx context.Context, cursors []StreamCursor, count int64, block time.Duration) ([]StreamEntry, error) {
	if len(cursors) == 0 {
		return nil, nil
	}
	args := &redis.XReadArgs{
		Streams: make([]string, 0, len(cursors)*2),
		Count:   count,
		Block:   clampBlock(block),
	}
	for _, cur := range cursors {
		args.Streams = append(args.Streams, r.key(cur.Stream))
	}
	for _, cur := range cursors {
		last := cur.LastID
		if last == "" {
			last = "0"
		}
		args.Streams = append(args.Streams, last)
	}

	res, err := r.primary().XRead(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, r.report(err)
	}

	var out []StreamEntry
	prefixLen := len(r.cfg.KeyPrefix)
	for _, stream := range res {
		name := stream.Stream
		if len(name) >= prefixLen {
			name = name[prefixLen:]
		}
		for _, msg := range stream.Messages {
			values := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				if s, ok := v.(string); ok {
					values[k] = s
				}
			}
			out = append(out, StreamEntry{Stream: name, ID: msg.ID, Values: values})
		}
	}
	return out, nil
}

func (r *Redis) StreamLen(ctx context.Context, stream string) (int64, error) {
	n, err := r.writer().XLen(ctx, r.key(stream)).Result()
	return n, r.report(err)
}

func (r *Redis) SetPresence(ctx context.Context, identity, nodeID string, ttl time.Duration) error {
	return r.report(r.writer().Set(ctx, r.key(PresenceKey(identity)), nodeID, ttl).Err())
}

func (r *Redis) GetPresence(ctx context.Context, identity string) (string, error) {
	val, err := r.writer().Get(ctx, r.key(PresenceKey(identity))).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", r.report(err)
	}
	return val, nil
}

func (r *Redis) GetPresenceBatch(ctx context.Context, identities []string) (map[string]string, error) {
	if len(identities) == 0 {
		return map[string]string{}, nil
	}
	keys := make([]string, len(identities))
	for i, id := range identities {
		keys[i] = r.key(PresenceKey(id))
	}
	vals, err := r.writer().MGet(ctx, keys...).Result()
	if err != nil {
		return nil, r.report(err)
	}
	out := make(map[string]string, len(identities))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[identities[i]] = s
		}
	}
	return out, nil
}

func (r *Redis) SetPresenceBatch(ctx context.Context, entries []PresenceEntry, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := r.writer().Pipeline()
	for _, e := range entries {
		pipe.Set(ctx, r.key(PresenceKey(e.Identity)), e.NodeID, ttl)
	}
	_, err := pipe.Exec(ctx)
	return r.report(err)
}

func (r *Redis) RemovePresence(ctx context.Context, identity string) error {
	return r.report(r.writer().Del(ctx, r.key(PresenceKey(identity))).Err())
}

func (r *Redis) Metrics(ctx context.Context) (map[string]interface{}, error) {
	stats := r.primary().PoolStats()
	return map[string]interface{}{
		"poolHits":     stats.Hits,
		"poolMisses":   stats.Misses,
		"poolTimeouts": stats.Timeouts,
		"totalConns":   stats.TotalConns,
		"idleConns":    stats.IdleConns,
		"clients":      len(r.clients),
	}, nil
}

func (r *Redis) OnError(f func(error)) {
	r.mu.Lock()
	r.onError = append(r.onError, f)
	r.mu.Unlock()
}

func (r *Redis) OnReconnect(f func()) {
	r.mu.Lock()
	r.onReconnect = append(r.onReconnect, f)
	r.mu.Unlock()
}

// report funnels asynchronous broker failures into the OnError hooks and
// flips the health flag the watchdog recovers from.
func (r *Redis) report(err error) error {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
		return err
	}
	r.mu.Lock()
	r.healthy = false
	hooks := append([]func(error){}, r.onError...)
	r.mu.Unlock()
	for _, h := range hooks {
		h(err)
	}
	return err
}

// watchdog probes the broker; a success after observed failure fires the
// reconnect hooks so the owner can re-assert presence.
func (r *Redis) watchdog(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, r.cfg.WatchdogInterval)
			err := r.primary().Ping(probeCtx).Err()
			cancel()

			r.mu.Lock()
			wasHealthy := r.healthy
			r.healthy = err == nil
			var hooks []func()
			if err == nil && !wasHealthy {
				hooks = append([]func(){}, r.onReconnect...)
			}
			r.mu.Unlock()

			if err != nil && wasHealthy {
				r.log.WithError(err).Warn("broker connection lost")
			}
			for _, h := range hooks {
				r.log.Info("broker connection restored")
				h()
			}
		}
	}
}

func (r *Redis) Disconnect(ctx context.Context) error {
	r.stopWatchdog()
	r.mu.Lock()
	for ch, sub := range r.subs {
		sub.cancel()
		sub.pubsub.Close()
		delete(r.subs, ch)
	}
	r.mu.Unlock()
	r.wg.Wait()
	return r.closeClients()
}

func (r *Redis) closeClients() error {
	var first error
	for _, c := range r.clients {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var _ Adapter = (*Redis)(nil)
