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
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

const (
	wsReadBuffer  = 1024
	wsWriteBuffer = 1024
)

// ClientConfig configures a station-side (or outbound server-initiated)
// connection.
type ClientConfig struct {
	// Protocols are the subprotocols offered, in preference order.
	Protocols []string
	// BasicAuthUser/Password populate the Authorization header. When
	// unset, URL userinfo is used instead.
	BasicAuthUser     string
	BasicAuthPassword string
	// TLSConfig is used for wss endpoints; required for security profile 3.
	TLSConfig *tls.Config
	// Headers are extra handshake headers.
	Headers http.Header

	Endpoint EndpointConfig
}

// Dial connects to an OCPP-J server at rawurl
// (ws[s]://host[:port][/prefix...]/<identity>) and returns an OPEN
// endpoint. The identity is the last path segment, URL-decoded.
//
// The context bounds the initial connection only; reconnects (when enabled
// in cfg.Endpoint) use the endpoint's own lifecycle.
func Dial(ctx context.Context, rawurl string, cfg ClientConfig) (*Endpoint, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("no known transport for URL scheme %q", u.Scheme)
	}
	identity, err := IdentityFromPath(u.Path)
	if err != nil {
		return nil, err
	}

	header := make(http.Header)
	for k, vs := range cfg.Headers {
		header[k] = vs
	}
	if cfg.BasicAuthUser != "" || cfg.BasicAuthPassword != "" {
		setBasicAuth(header, cfg.BasicAuthUser, cfg.BasicAuthPassword)
	} else if u.User != nil {
		pass, _ := u.User.Password()
		setBasicAuth(header, u.User.Username(), pass)
		u.User = nil
	}

	dialer := &websocket.Dialer{
		ReadBufferSize:  wsReadBuffer,
		WriteBufferSize: wsWriteBuffer,
		Proxy:           http.ProxyFromEnvironment,
		Subprotocols:    cfg.Protocols,
		TLSClientConfig: cfg.TLSConfig,
	}
	dialURL := u.String()

	e := NewEndpoint(identity, cfg.Endpoint)
	e.dial = func(ctx context.Context) (*websocket.Conn, string, error) {
		conn, resp, err := dialer.DialContext(ctx, dialURL, header.Clone())
		if err != nil {
			if resp != nil {
				return nil, "", &UnexpectedHTTPResponse{Status: resp.Status, StatusCode: resp.StatusCode}
			}
			return nil, "", err
		}
		return conn, resp.Header.Get("Sec-WebSocket-Protocol"), nil
	}
	if err := e.Connect(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func setBasicAuth(header http.Header, user, password string) {
	cred := base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
	header.Set("Authorization", "Basic "+cred)
}

// IdentityFromPath extracts the last non-empty, URL-decoded path segment.
func IdentityFromPath(path string) (string, error) {
	segments := strings.Split(path, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if segments[i] == "" {
			continue
		}
		identity, err := url.PathUnescape(segments[i])
		if err != nil || identity == "" {
			return "", fmt.Errorf("invalid identity in URL path %q", path)
		}
		return identity, nil
	}
	return "", fmt.Errorf("missing identity in URL path %q", path)
}
