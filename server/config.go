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

// Package server implements the CSMS side: the websocket upgrade pipeline
// with security-profile gating, the session registry, and the cluster
// router that makes any node able to call any station.
package server

import (
	"crypto/tls"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/rohittiwari-dev/ocpp-ws-io-sub000/rpc"
)

// Config carries the server tunables. The zero value is usable; absent
// fields take the documented defaults.
type Config struct {
	// Protocols is the subprotocol allow list in server preference order.
	// Empty accepts any offered subprotocol.
	Protocols []string

	// SecurityProfile selects the OCPP security profile (0-3).
	SecurityProfile SecurityProfile
	// Auth is invoked once per upgrade after the front-door gates pass.
	// A nil Auth accepts everything the profile allows.
	Auth AuthFunc
	// HandshakeTimeout bounds the Auth callback. Default 30 s.
	HandshakeTimeout time.Duration

	// AllowedOrigins gates browser connections by the Origin header.
	// Requests without an Origin header always pass. Empty allows all.
	AllowedOrigins []string
	// ConnectionRate and ConnectionBurst bound upgrades per client IP.
	// Zero disables the gate.
	ConnectionRate  rate.Limit
	ConnectionBurst int

	// TLSConfig is required for profiles 2 and 3; profile 3 additionally
	// demands a client certificate (see ProfileTLSConfig).
	TLSConfig *tls.Config

	// Session registry bounds.
	SessionTTL        time.Duration // default 2 h
	SessionGCInterval time.Duration // default 60 s
	MaxSessions       int           // default 50000

	// Cluster parameters.
	NodeID       string        // default: fresh uuid
	PresenceTTL  time.Duration // default 300 s
	StreamMaxLen int64         // default 1000
	StreamTTL    time.Duration // default 300 s

	// Endpoint is the per-connection template applied to every accepted
	// station.
	Endpoint rpc.EndpointConfig

	// OnSecurityEvent receives front-door and handshake rejections.
	OnSecurityEvent func(SecurityEvent)

	Logger *logrus.Entry
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 2 * time.Hour
	}
	if c.SessionGCInterval <= 0 {
		c.SessionGCInterval = 60 * time.Second
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 50000
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 300 * time.Second
	}
	if c.StreamMaxLen <= 0 {
		c.StreamMaxLen = 1000
	}
	if c.StreamTTL <= 0 {
		c.StreamTTL = 300 * time.Second
	}
	if c.ConnectionBurst <= 0 {
		c.ConnectionBurst = 1
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return c
}
