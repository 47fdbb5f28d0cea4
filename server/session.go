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
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// Session is the sticky server-side bag for one identity. It survives
// reconnects until the GC evicts it after the inactivity TTL.
type Session struct {
	identity string

	mu         sync.Mutex
	data       map[string]interface{}
	lastActive time.Time
}

// Identity returns the station identity the session belongs to.
func (s *Session) Identity() string { return s.identity }

// Get reads a session value.
func (s *Session) Get(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// Set stores a session value.
func (s *Session) Set(key string, value interface{}) {
	s.mu.Lock()
	s.data[key] = value
	s.mu.Unlock()
}

// Delete removes a session value.
func (s *Session) Delete(key string) {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
}

// LastActive returns the last touch timestamp.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// sessionRegistry holds identity -> session with an LRU capacity bound and
// a single shared GC sweeper evicting entries past the TTL. Reconnection
// storms cannot grow it without bound.
type sessionRegistry struct {
	ttl   time.Duration
	log   *logrus.Entry
	cache *lru.Cache[string, *Session]

	stop chan struct{}
	once sync.Once
}

func newSessionRegistry(maxSessions int, ttl, gcInterval time.Duration, log *logrus.Entry) *sessionRegistry {
	cache, _ := lru.New[string, *Session](maxSessions)
	r := &sessionRegistry{
		ttl:   ttl,
		log:   log,
		cache: cache,
		stop:  make(chan struct{}),
	}
	go r.gcLoop(gcInterval)
	return r
}

// restore fetches the session for identity, creating one if absent or
// expired.
func (r *sessionRegistry) restore(identity string) *Session {
	if s, ok := r.cache.Get(identity); ok {
		s.touch()
		return s
	}
	s := &Session{
		identity:   identity,
		data:       make(map[string]interface{}),
		lastActive: time.Now(),
	}
	r.cache.Add(identity, s)
	return s
}

func (r *sessionRegistry) get(identity string) (*Session, bool) {
	return r.cache.Get(identity)
}

func (r *sessionRegistry) len() int { return r.cache.Len() }

func (r *sessionRegistry) gcLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *sessionRegistry) sweep() {
	cutoff := time.Now().Add(-r.ttl)
	evicted := 0
	for _, identity := range r.cache.Keys() {
		s, ok := r.cache.Peek(identity)
		if !ok {
			continue
		}
		if s.LastActive().Before(cutoff) {
			r.cache.Remove(identity)
			evicted++
		}
	}
	if evicted > 0 {
		r.log.WithField("evicted", evicted).Debug("session GC sweep")
	}
}

func (r *sessionRegistry) close() {
	r.once.Do(func() { close(r.stop) })
}
