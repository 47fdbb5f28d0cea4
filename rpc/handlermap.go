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
	"encoding/json"
	"sync"
)

// Call carries an inbound CALL to its handler.
type Call struct {
	MessageID string
	Method    string
	Protocol  string // negotiated subprotocol of the connection
	Identity  string
	Params    json.RawMessage
}

// Handler processes an inbound CALL. The returned value is marshaled as the
// CALLRESULT payload. Returning NoReply suppresses the response entirely.
// Returning a *Error sends it as CALLERROR; any other error maps to
// InternalError.
//
// The context is canceled when the connection is closing or the server is
// shutting down.
type Handler func(ctx context.Context, call *Call) (interface{}, error)

type noReply struct{}

// NoReply is the sentinel result a handler returns to suppress the
// CALLRESULT for the current CALL.
var NoReply interface{} = noReply{}

// handlerMap resolves handlers with the priority order
// protocol:method, then method, then wildcard.
type handlerMap struct {
	mu       sync.RWMutex
	byMethod map[string]Handler // keys: "method" and "protocol:method"
	wildcard Handler
}

func newHandlerMap() *handlerMap {
	return &handlerMap{byMethod: make(map[string]Handler)}
}

func (hm *handlerMap) handle(method string, h Handler) {
	hm.mu.Lock()
	hm.byMethod[method] = h
	hm.mu.Unlock()
}

func (hm *handlerMap) handleProtocol(protocol, method string, h Handler) {
	hm.mu.Lock()
	hm.byMethod[protocol+":"+method] = h
	hm.mu.Unlock()
}

func (hm *handlerMap) handleAny(h Handler) {
	hm.mu.Lock()
	hm.wildcard = h
	hm.mu.Unlock()
}

func (hm *handlerMap) removeHandler(method string) {
	hm.mu.Lock()
	delete(hm.byMethod, method)
	hm.mu.Unlock()
}

// lookup resolves the handler for a call on the given subprotocol.
func (hm *handlerMap) lookup(protocol, method string) Handler {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	if protocol != "" {
		if h, ok := hm.byMethod[protocol+":"+method]; ok {
			return h
		}
	}
	if h, ok := hm.byMethod[method]; ok {
		return h
	}
	return hm.wildcard
}
