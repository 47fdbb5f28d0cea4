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
	"encoding/json"
	"net/http"
	"os"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// healthStatus is the GET /health response body.
type healthStatus struct {
	Status        string  `json:"status"`
	NodeID        string  `json:"nodeId"`
	Clients       int     `json:"clients"`
	Sessions      int     `json:"sessions"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	PID           int     `json:"pid"`
}

// HealthHandler serves the observability side channel: GET /health with a
// JSON snapshot, GET /metrics with Prometheus text, 404 elsewhere. Mount
// it on a separate listener from the websocket path.
func (s *Server) HealthHandler() http.Handler {
	registry := prometheus.NewRegistry()

	connected := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ocpp_connected_clients",
		Help: "Open station connections held by this node.",
	}, func() float64 { return float64(s.ClientCount()) })
	rss := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ocpp_memory_rss_bytes",
		Help: "Resident set size of the process.",
	}, func() float64 { return float64(processRSS()) })
	heap := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ocpp_memory_heap_used_bytes",
		Help: "Bytes of in-use heap memory.",
	}, func() float64 {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		return float64(m.HeapInuse)
	})
	buffered := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ocpp_ws_buffered_bytes",
		Help: "Outbound bytes buffered behind websocket work queues.",
	}, func() float64 { return float64(s.bufferedBytes()) })
	registry.MustRegister(connected, rss, heap, buffered)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(healthStatus{
			Status:        "ok",
			NodeID:        s.NodeID(),
			Clients:       s.ClientCount(),
			Sessions:      s.SessionCount(),
			UptimeSeconds: s.Uptime().Seconds(),
			PID:           os.Getpid(),
		})
	})
	return cors.Default().Handler(mux)
}

// bufferedBytes sums the queued outbound bytes across local endpoints.
func (s *Server) bufferedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, ep := range s.clients {
		total += ep.QueuedBytes()
	}
	return total
}
