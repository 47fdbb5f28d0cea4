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

// ocpp-server is a reference CSMS node: it terminates station websockets,
// answers the basic OCPP 1.6 lifecycle calls and exposes the health side
// channel. Run several instances against one Redis to form a cluster.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/time/rate"

	"github.com/rohittiwari-dev/ocpp-ws-io-sub000/adapter"
	"github.com/rohittiwari-dev/ocpp-ws-io-sub000/rpc"
	"github.com/rohittiwari-dev/ocpp-ws-io-sub000/server"
)

type fileConfig struct {
	ListenAddr     string   `toml:"listen_addr"`
	HealthAddr     string   `toml:"health_addr"`
	Protocols      []string `toml:"protocols"`
	RedisURL       string   `toml:"redis_url"`
	AllowedOrigins []string `toml:"allowed_origins"`

	SecurityProfile  int    `toml:"security_profile"`
	ConnectionRate   int    `toml:"connection_rate"`
	PingIntervalSec  int    `toml:"ping_interval_sec"`
	CallTimeoutSec   int    `toml:"call_timeout_sec"`
	SessionTTLMin    int    `toml:"session_ttl_min"`
	MaxSessions      int    `toml:"max_sessions"`
	MaxPayloadBytes  int64  `toml:"max_payload_bytes"`
	LogLevel         string `toml:"log_level"`
	RespondDetailed  bool   `toml:"respond_with_detailed_errors"`
	OfflineQueueSize int    `toml:"offline_queue_max_size"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		ListenAddr: ":9000",
		HealthAddr: ":9001",
		Protocols:  []string{"ocpp1.6"},
		LogLevel:   "info",
	}
}

func main() {
	app := &cli.App{
		Name:  "ocpp-server",
		Usage: "OCPP-J websocket server node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "TOML config file"},
			&cli.StringFlag{Name: "listen", Usage: "websocket listen address"},
			&cli.StringFlag{Name: "health", Usage: "health/metrics listen address"},
			&cli.StringFlag{Name: "redis", Usage: "redis URL for cluster mode (empty = in-memory)"},
			&cli.StringFlag{Name: "log-level", Usage: "trace|debug|info|warn|error"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg := defaultFileConfig()
	if path := c.String("config"); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
	}
	// Flags override the file.
	if v := c.String("listen"); v != "" {
		cfg.ListenAddr = v
	}
	if v := c.String("health"); v != "" {
		cfg.HealthAddr = v
	}
	if v := c.String("redis"); v != "" {
		cfg.RedisURL = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.LogLevel = v
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logger := logrus.New()
	logger.SetLevel(level)
	log := logrus.NewEntry(logger)

	var ad adapter.Adapter
	if cfg.RedisURL != "" {
		redisAd, err := adapter.NewRedis(adapter.RedisConfig{URL: cfg.RedisURL, Logger: log})
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		ad = redisAd
		log.WithField("url", cfg.RedisURL).Info("using redis cluster adapter")
	} else {
		ad = adapter.NewMemory()
		log.Info("using in-memory adapter (single node)")
	}

	srv, err := server.NewServer(ad, server.Config{
		Protocols:       cfg.Protocols,
		SecurityProfile: server.SecurityProfile(cfg.SecurityProfile),
		AllowedOrigins:  cfg.AllowedOrigins,
		ConnectionRate:  rate.Limit(cfg.ConnectionRate),
		SessionTTL:      time.Duration(cfg.SessionTTLMin) * time.Minute,
		MaxSessions:     cfg.MaxSessions,
		Endpoint: rpc.EndpointConfig{
			PingInterval:              time.Duration(cfg.PingIntervalSec) * time.Second,
			CallTimeout:               time.Duration(cfg.CallTimeoutSec) * time.Second,
			MaxPayloadBytes:           cfg.MaxPayloadBytes,
			RespondWithDetailedErrors: cfg.RespondDetailed,
			OfflineQueueMaxSize:       cfg.OfflineQueueSize,
		},
		Logger: log,
	})
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	registerDemoHandlers(srv, log)

	wsServer := &http.Server{Addr: cfg.ListenAddr, Handler: srv}
	healthServer := &http.Server{Addr: cfg.HealthAddr, Handler: srv.HealthHandler()}
	errCh := make(chan error, 2)
	go func() { errCh <- wsServer.ListenAndServe() }()
	go func() { errCh <- healthServer.ListenAndServe() }()
	log.WithFields(logrus.Fields{
		"listen": cfg.ListenAddr,
		"health": cfg.HealthAddr,
		"node":   srv.NodeID(),
	}).Info("ocpp-server up")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case s := <-sig:
		log.WithField("signal", s.String()).Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	wsServer.Shutdown(ctx)
	healthServer.Shutdown(ctx)
	return srv.Close(ctx, false)
}

// registerDemoHandlers answers the minimal OCPP 1.6 lifecycle so a bare
// node is immediately usable against real stations.
func registerDemoHandlers(srv *server.Server, log *logrus.Entry) {
	srv.Handle("BootNotification", func(ctx context.Context, call *rpc.Call) (interface{}, error) {
		log.WithField("identity", call.Identity).Info("boot notification")
		return map[string]interface{}{
			"status":      "Accepted",
			"currentTime": time.Now().UTC().Format(time.RFC3339),
			"interval":    300,
		}, nil
	})
	srv.Handle("Heartbeat", func(ctx context.Context, call *rpc.Call) (interface{}, error) {
		return map[string]interface{}{
			"currentTime": time.Now().UTC().Format(time.RFC3339),
		}, nil
	})
	srv.Handle("StatusNotification", func(ctx context.Context, call *rpc.Call) (interface{}, error) {
		return map[string]interface{}{}, nil
	})
}
