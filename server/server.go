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
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/rohittiwari-dev/ocpp-ws-io-sub000/adapter"
	"github.com/rohittiwari-dev/ocpp-ws-io-sub000/rpc"
)

const (
	wsReadBuffer  = 1024
	wsWriteBuffer = 1024
)

var wsBufferPool = new(sync.Pool)

type handlerEntry struct {
	protocol string // "" = any
	method   string // "" = wildcard
	handler  rpc.Handler
}

// Server accepts station connections, owns the session registry and acts
// as one node of the cluster router. It implements http.Handler; mount it
// on the listener path carrying station identities.
type Server struct {
	cfg      Config
	log      *logrus.Entry
	adapter  adapter.Adapter
	sessions *sessionRegistry
	ipGate   *ipLimiter
	origins  *originValidator
	upgrader websocket.Upgrader

	mu       sync.Mutex
	clients  map[string]*rpc.Endpoint
	handlers []handlerEntry
	closed   bool

	router    *router
	startedAt time.Time

	// OnConnect fires after a station endpoint is attached and registered.
	OnConnect func(ep *rpc.Endpoint, session *Session)
	// OnDisconnect fires after a station endpoint closed and unregistered.
	OnDisconnect func(identity string, code int, reason string)
}

// NewServer builds a node over the given cluster adapter and starts its
// background machinery (session GC, broadcast subscription, stream poller,
// presence refresher).
func NewServer(ad adapter.Adapter, cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	log := cfg.Logger.WithField("node", cfg.NodeID)

	s := &Server{
		cfg:       cfg,
		log:       log,
		adapter:   ad,
		sessions:  newSessionRegistry(cfg.MaxSessions, cfg.SessionTTL, cfg.SessionGCInterval, log),
		ipGate:    newIPLimiter(cfg.ConnectionRate, cfg.ConnectionBurst),
		origins:   newOriginValidator(cfg.AllowedOrigins, log),
		clients:   make(map[string]*rpc.Endpoint),
		startedAt: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  wsReadBuffer,
		WriteBufferSize: wsWriteBuffer,
		WriteBufferPool: wsBufferPool,
		CheckOrigin:     s.origins.check,
	}

	r, err := newRouter(s)
	if err != nil {
		s.sessions.close()
		return nil, err
	}
	s.router = r
	return s, nil
}

// NodeID returns this node's cluster identifier.
func (s *Server) NodeID() string { return s.cfg.NodeID }

// Handle registers a handler for method on every subsequently accepted
// connection. Register handlers before serving.
func (s *Server) Handle(method string, h rpc.Handler) {
	s.mu.Lock()
	s.handlers = append(s.handlers, handlerEntry{method: method, handler: h})
	s.mu.Unlock()
}

// HandleProtocol registers a handler scoped to one subprotocol.
func (s *Server) HandleProtocol(protocol, method string, h rpc.Handler) {
	s.mu.Lock()
	s.handlers = append(s.handlers, handlerEntry{protocol: protocol, method: method, handler: h})
	s.mu.Unlock()
}

// HandleAny registers the wildcard handler.
func (s *Server) HandleAny(h rpc.Handler) {
	s.mu.Lock()
	s.handlers = append(s.handlers, handlerEntry{handler: h})
	s.mu.Unlock()
}

// Client returns the open endpoint for identity held by this node.
func (s *Server) Client(identity string) (*rpc.Endpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.clients[identity]
	return ep, ok
}

// ClientIDs lists the identities with an open connection on this node.
func (s *Server) ClientIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	return ids
}

// ClientCount returns the number of open connections on this node.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int { return s.sessions.len() }

// Session returns the sticky session for identity, if one exists.
func (s *Server) Session(identity string) (*Session, bool) {
	return s.sessions.get(identity)
}

// Uptime reports how long this node has been serving.
func (s *Server) Uptime() time.Duration { return time.Since(s.startedAt) }

// ServeHTTP runs the upgrade pipeline. Every failure path answers with a
// specific HTTP status; no half-upgraded socket reaches application code.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if s.ipGate != nil && !s.ipGate.allow(r.RemoteAddr) {
		s.securityEvent(SecurityEvent{
			Type:       SecurityConnectionRateLimit,
			RemoteAddr: r.RemoteAddr,
			Reason:     "connection rate limit exceeded",
		})
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}

	identity, err := rpc.IdentityFromPath(r.URL.Path)
	if err != nil {
		http.Error(w, "missing station identity in path", http.StatusBadRequest)
		return
	}
	log := s.log.WithField("identity", identity)

	offered := websocket.Subprotocols(r)
	protocol, ok := s.selectProtocol(offered)
	if !ok {
		s.securityEvent(SecurityEvent{
			Type:       SecurityUpgradeAborted,
			Identity:   identity,
			RemoteAddr: r.RemoteAddr,
			Reason:     "no acceptable subprotocol",
		})
		http.Error(w, "no acceptable subprotocol", http.StatusBadRequest)
		return
	}

	info := &HandshakeInfo{
		Identity:   identity,
		RemoteAddr: r.RemoteAddr,
		Headers:    r.Header,
		Protocols:  offered,
		Path:       r.URL.Path,
		Query:      r.URL.Query(),
		Request:    r,
		Profile:    s.cfg.SecurityProfile,
	}

	switch s.cfg.SecurityProfile {
	case ProfileBasicAuth, ProfileBasicAuthTLS:
		user, password, ok := parseBasicAuth(r.Header.Get("Authorization"))
		if !ok || user != identity {
			s.securityEvent(SecurityEvent{
				Type:       SecurityAuthFailed,
				Identity:   identity,
				RemoteAddr: r.RemoteAddr,
				Reason:     "missing or malformed basic auth credentials",
			})
			w.Header().Set("WWW-Authenticate", `Basic realm="ocpp"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		info.Password = password
	case ProfileMutualTLS:
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			s.securityEvent(SecurityEvent{
				Type:       SecurityAuthFailed,
				Identity:   identity,
				RemoteAddr: r.RemoteAddr,
				Reason:     "client certificate required",
			})
			http.Error(w, "client certificate required", http.StatusUnauthorized)
			return
		}
		info.Certificate = r.TLS.PeerCertificates[0]
	}

	if s.cfg.Auth != nil {
		// Bounded by the handshake timeout; the request context dies with
		// the socket, so a client hanging up during auth cancels it too.
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HandshakeTimeout)
		err := s.cfg.Auth(ctx, info)
		cancel()
		if err != nil {
			evType := SecurityAuthFailed
			if ctx.Err() != nil {
				evType = SecurityUpgradeAborted
			}
			s.securityEvent(SecurityEvent{
				Type:       evType,
				Identity:   identity,
				RemoteAddr: r.RemoteAddr,
				Reason:     err.Error(),
			})
			log.WithError(err).Debug("auth rejected upgrade")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	respHeader := http.Header{}
	if protocol != "" {
		respHeader.Set("Sec-WebSocket-Protocol", protocol)
	}
	conn, err := s.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		// Upgrade has already written the HTTP error.
		log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	if tcp, ok := conn.UnderlyingConn().(*net.TCPConn); ok {
		tcp.SetKeepAlive(true)
	}

	s.acceptEndpoint(conn, identity, protocol, log)
}

// selectProtocol picks the first server-preferred subprotocol the client
// offered. An empty server list accepts the client's first offer.
func (s *Server) selectProtocol(offered []string) (string, bool) {
	if len(s.cfg.Protocols) == 0 {
		if len(offered) == 0 {
			return "", true
		}
		return offered[0], true
	}
	for _, want := range s.cfg.Protocols {
		for _, got := range offered {
			if want == got {
				return want, true
			}
		}
	}
	return "", false
}

// acceptEndpoint finishes step 10: endpoint construction, prior-connection
// eviction, session restore and cluster registration.
func (s *Server) acceptEndpoint(conn *websocket.Conn, identity, protocol string, log *logrus.Entry) {
	cfg := s.cfg.Endpoint
	cfg.Logger = s.log

	session := s.sessions.restore(identity)
	ep := rpc.NewServerEndpoint(conn, identity, protocol, cfg)

	s.mu.Lock()
	prior := s.clients[identity]
	s.clients[identity] = ep
	handlers := append([]handlerEntry{}, s.handlers...)
	s.mu.Unlock()

	// One OPEN connection per identity per process.
	if prior != nil {
		log.Info("evicting prior connection for identity")
		prior.Terminate()
	}

	for _, entry := range handlers {
		h := s.touchingHandler(session, entry.handler)
		switch {
		case entry.method == "":
			ep.HandleAny(h)
		case entry.protocol != "":
			ep.HandleProtocol(entry.protocol, entry.method, h)
		default:
			ep.Handle(entry.method, h)
		}
	}

	ep.OnClose = func(code int, reason string) {
		s.mu.Lock()
		if s.clients[identity] == ep {
			delete(s.clients, identity)
		}
		s.mu.Unlock()
		s.router.clientClosed(identity)
		log.WithFields(logrus.Fields{"code": code, "reason": reason}).Info("station disconnected")
		if s.OnDisconnect != nil {
			s.OnDisconnect(identity, code, reason)
		}
	}

	s.router.clientOpened(identity)
	log.WithField("protocol", protocol).Info("station connected")
	if s.OnConnect != nil {
		s.OnConnect(ep, session)
	}
}

// touchingHandler refreshes the session activity timestamp around a
// handler invocation.
func (s *Server) touchingHandler(session *Session, h rpc.Handler) rpc.Handler {
	return func(ctx context.Context, call *rpc.Call) (interface{}, error) {
		session.touch()
		return h(ctx, call)
	}
}

func (s *Server) securityEvent(ev SecurityEvent) {
	s.log.WithFields(logrus.Fields{
		"type":     ev.Type,
		"identity": ev.Identity,
		"remote":   ev.RemoteAddr,
		"reason":   ev.Reason,
	}).Warn("security event")
	if s.cfg.OnSecurityEvent != nil {
		s.cfg.OnSecurityEvent(ev)
	}
}

// Close shuts the node down: stops accepting, closes every endpoint
// (gracefully unless force), stops the router and GC, and disconnects the
// adapter. It is idempotent.
func (s *Server) Close(ctx context.Context, force bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	endpoints := make([]*rpc.Endpoint, 0, len(s.clients))
	for _, ep := range s.clients {
		endpoints = append(endpoints, ep)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, ep := range endpoints {
		wg.Add(1)
		go func(ep *rpc.Endpoint) {
			defer wg.Done()
			if force {
				ep.Terminate()
			} else {
				ep.Close(ctx, websocket.CloseGoingAway, "server shutdown")
			}
		}(ep)
	}
	wg.Wait()

	s.router.close()
	s.sessions.close()
	return s.adapter.Disconnect(ctx)
}
