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
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// SecurityProfile is the OCPP security profile of the listener.
type SecurityProfile int

const (
	// ProfileNone accepts unauthenticated ws connections.
	ProfileNone SecurityProfile = iota
	// ProfileBasicAuth requires HTTP Basic credentials over ws.
	ProfileBasicAuth
	// ProfileBasicAuthTLS requires Basic credentials over wss.
	ProfileBasicAuthTLS
	// ProfileMutualTLS requires wss with a client certificate.
	ProfileMutualTLS
)

// HandshakeInfo is captured once per upgrade and handed to the auth
// callback.
type HandshakeInfo struct {
	Identity   string
	RemoteAddr string
	Headers    http.Header
	Protocols  []string // offered subprotocols
	Path       string
	Query      url.Values
	Request    *http.Request

	// Password holds the Basic-Auth password bytes when present. Colons
	// inside the password survive: the credential splits on the first
	// colon only.
	Password []byte
	// Certificate is the peer leaf certificate under mutual TLS.
	Certificate *x509.Certificate

	Profile SecurityProfile
}

// AuthFunc decides whether an upgrade proceeds. Returning nil accepts; any
// error rejects with 401. The context is canceled on handshake timeout and
// on client disconnect during auth.
type AuthFunc func(ctx context.Context, info *HandshakeInfo) error

// SecurityEventType classifies front-door rejections.
type SecurityEventType string

const (
	SecurityAuthFailed          SecurityEventType = "AUTH_FAILED"
	SecurityConnectionRateLimit SecurityEventType = "CONNECTION_RATE_LIMIT"
	SecurityUpgradeAborted      SecurityEventType = "UPGRADE_ABORTED"
	SecurityInvalidPayload      SecurityEventType = "INVALID_PAYLOAD"
	SecurityRateLimitExceeded   SecurityEventType = "RATE_LIMIT_EXCEEDED"
)

// SecurityEvent is one structured rejection record.
type SecurityEvent struct {
	Type       SecurityEventType
	Identity   string
	RemoteAddr string
	Reason     string
}

// parseBasicAuth decodes an Authorization: Basic header value into user and
// password, splitting the credential on the first colon only so passwords
// containing colons survive.
func parseBasicAuth(header string) (user string, password []byte, ok bool) {
	const prefix = "Basic "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", nil, false
	}
	decoded, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", nil, false
	}
	idx := -1
	for i, b := range decoded {
		if b == ':' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", nil, false
	}
	return string(decoded[:idx]), decoded[idx+1:], true
}

// ProfileTLSConfig returns base adjusted for the given security profile:
// profile 3 demands and verifies a client certificate against clientCAs.
// Profiles 0 and 1 return nil (plain ws listener).
func ProfileTLSConfig(profile SecurityProfile, base *tls.Config, clientCAs *x509.CertPool) (*tls.Config, error) {
	switch profile {
	case ProfileNone, ProfileBasicAuth:
		return nil, nil
	case ProfileBasicAuthTLS, ProfileMutualTLS:
		if base == nil {
			return nil, fmt.Errorf("security profile %d requires a TLS config", profile)
		}
		cfg := base.Clone()
		if profile == ProfileMutualTLS {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
			if clientCAs != nil {
				cfg.ClientCAs = clientCAs
			}
		}
		return cfg, nil
	default:
		return nil, fmt.Errorf("unknown security profile %d", profile)
	}
}

// ---------------------------------------------------------------- IP gate

// ipLimiter bounds upgrade attempts per client IP with token buckets.
type ipLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
}

func newIPLimiter(limit rate.Limit, burst int) *ipLimiter {
	if limit <= 0 {
		return nil
	}
	return &ipLimiter{limit: limit, burst: burst, buckets: make(map[string]*rate.Limiter)}
}

func (l *ipLimiter) allow(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	l.mu.Lock()
	b, ok := l.buckets[host]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[host] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// ------------------------------------------------------------- origin gate

// originValidator verifies the Origin header during the upgrade. Requests
// without an Origin header pass: the check protects against browser-based
// attacks, and browsers always set Origin.
type originValidator struct {
	allowAll bool
	origins  mapset.Set[string]
	log      *logrus.Entry
}

func newOriginValidator(allowedOrigins []string, log *logrus.Entry) *originValidator {
	v := &originValidator{origins: mapset.NewSet[string](), log: log}
	for _, origin := range allowedOrigins {
		if origin == "*" {
			v.allowAll = true
		}
		if origin != "" {
			v.origins.Add(strings.ToLower(origin))
		}
	}
	if v.origins.Cardinality() == 0 {
		v.allowAll = true
	}
	return v
}

func (v *originValidator) check(req *http.Request) bool {
	if _, ok := req.Header["Origin"]; !ok {
		return true
	}
	if v.allowAll {
		return true
	}
	origin := strings.ToLower(req.Header.Get("Origin"))
	it := v.origins.Iterator()
	for allowed := range it.C {
		if v.ruleAllowsOrigin(allowed, origin) {
			it.Stop()
			return true
		}
	}
	v.log.WithField("origin", origin).Warn("rejected websocket origin")
	return false
}

func (v *originValidator) ruleAllowsOrigin(allowedOrigin, browserOrigin string) bool {
	allowedScheme, allowedHostname, allowedPort, err := parseOriginURL(allowedOrigin)
	if err != nil {
		v.log.WithError(err).WithField("spec", allowedOrigin).Warn("error parsing allowed origin")
		return false
	}
	browserScheme, browserHostname, browserPort, err := parseOriginURL(browserOrigin)
	if err != nil {
		v.log.WithError(err).WithField("origin", browserOrigin).Warn("error parsing Origin header")
		return false
	}
	if allowedScheme != "" && allowedScheme != browserScheme {
		return false
	}
	if allowedHostname != "" && allowedHostname != browserHostname {
		return false
	}
	if allowedPort != "" && allowedPort != browserPort {
		return false
	}
	return true
}

func parseOriginURL(origin string) (string, string, string, error) {
	parsedURL, err := url.Parse(strings.ToLower(origin))
	if err != nil {
		return "", "", "", err
	}
	var scheme, hostname, port string
	if strings.Contains(origin, "://") {
		scheme = parsedURL.Scheme
		hostname = parsedURL.Hostname()
		port = parsedURL.Port()
	} else {
		scheme = ""
		hostname = parsedURL.Scheme
		port = parsedURL.Opaque
		if hostname == "" {
			hostname = origin
		}
	}
	return scheme, hostname, port, nil
}
