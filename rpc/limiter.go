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
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// LimitPolicy selects what happens when an inbound frame exceeds a bucket.
type LimitPolicy int

const (
	// LimitIgnore drops the frame silently.
	LimitIgnore LimitPolicy = iota
	// LimitDisconnect closes the connection with a policy-violation code.
	LimitDisconnect
	// LimitCallback invokes the configured callback and drops the frame.
	LimitCallback
)

// RateRule is a token bucket definition: Limit admissions per Window,
// refilled continuously.
type RateRule struct {
	Limit  int
	Window time.Duration
}

// RateLimiterConfig configures the two-tier per-endpoint limiter.
type RateLimiterConfig struct {
	Global    *RateRule
	PerMethod map[string]RateRule
	Policy    LimitPolicy
	// OnExceeded fires under LimitCallback; method is "" for the global
	// bucket.
	OnExceeded func(method string)
	// Adaptive, when set, scales the refill rate of all buckets.
	Adaptive *AdaptiveLimiter
}

type scaledBucket struct {
	bucket *rate.Limiter
	base   rate.Limit
}

// RateLimiter implements a global plus optional per-method token buckets on
// a single endpoint's inbound path.
type RateLimiter struct {
	cfg       RateLimiterConfig
	global    *scaledBucket
	perMethod map[string]*scaledBucket

	mu         sync.Mutex
	multiplier float64 // last multiplier applied to bucket limits
}

// NewRateLimiter builds a limiter from cfg. Returns nil when cfg defines no
// rules, so callers can skip the inbound check entirely.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.Global == nil && len(cfg.PerMethod) == 0 {
		return nil
	}
	l := &RateLimiter{cfg: cfg, perMethod: make(map[string]*scaledBucket), multiplier: 1.0}
	if cfg.Global != nil {
		l.global = newScaledBucket(*cfg.Global)
	}
	for method, rule := range cfg.PerMethod {
		l.perMethod[method] = newScaledBucket(rule)
	}
	return l
}

func newScaledBucket(rule RateRule) *scaledBucket {
	limit := rate.Limit(float64(rule.Limit) / rule.Window.Seconds())
	burst := rule.Limit
	if burst < 1 {
		burst = 1
	}
	return &scaledBucket{bucket: rate.NewLimiter(limit, burst), base: limit}
}

// HasMethodRules reports whether per-method buckets exist, in which case the
// caller must supply the method name of CALL frames.
func (l *RateLimiter) HasMethodRules() bool {
	return len(l.perMethod) > 0
}

// Allow admits or rejects one inbound frame. method may be empty when no
// per-method rules exist or the frame is not a CALL.
func (l *RateLimiter) Allow(method string) bool {
	l.applyMultiplier()
	if l.global != nil && !l.global.bucket.Allow() {
		l.exceeded("")
		return false
	}
	if method != "" {
		if sb, ok := l.perMethod[method]; ok && !sb.bucket.Allow() {
			l.exceeded(method)
			return false
		}
	}
	return true
}

// Policy returns the configured exceed policy.
func (l *RateLimiter) Policy() LimitPolicy { return l.cfg.Policy }

func (l *RateLimiter) exceeded(method string) {
	if l.cfg.Policy == LimitCallback && l.cfg.OnExceeded != nil {
		l.cfg.OnExceeded(method)
	}
}

// applyMultiplier propagates the adaptive multiplier into bucket refill
// rates when it changed since the last admission.
func (l *RateLimiter) applyMultiplier() {
	if l.cfg.Adaptive == nil {
		return
	}
	m := l.cfg.Adaptive.Multiplier()
	l.mu.Lock()
	defer l.mu.Unlock()
	if m == l.multiplier {
		return
	}
	l.multiplier = m
	if l.global != nil {
		l.global.bucket.SetLimit(l.global.base * rate.Limit(m))
	}
	for _, sb := range l.perMethod {
		sb.bucket.SetLimit(sb.base * rate.Limit(m))
	}
}

// AdaptiveLimiterConfig tunes the load-signal sampler.
type AdaptiveLimiterConfig struct {
	SampleInterval time.Duration // default 2 s
	Cooldown       time.Duration // default 10 s
	CPUThreshold   float64       // fraction of all cores, default 0.85
	MemThreshold   uint64        // heap-in-use bytes, default 0 (disabled)
	Logger         *logrus.Entry
}

// AdaptiveLimiter samples process CPU and memory usage and derives a
// multiplier in [0.25, 1.0] applied to token refill rates. Pressure halves
// the multiplier; after a cooldown without pressure it recovers by 0.1 per
// sample.
type AdaptiveLimiter struct {
	cfg AdaptiveLimiterConfig
	log *logrus.Entry

	multiplier   atomic.Uint64 // float64 bits
	lastPressure atomic.Int64  // unix nanos

	lastCPU  time.Duration
	lastWall time.Time
}

// NewAdaptiveLimiter builds the sampler. Run must be called to start it.
func NewAdaptiveLimiter(cfg AdaptiveLimiterConfig) *AdaptiveLimiter {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 2 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Second
	}
	if cfg.CPUThreshold <= 0 {
		cfg.CPUThreshold = 0.85
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	a := &AdaptiveLimiter{cfg: cfg, log: cfg.Logger}
	a.multiplier.Store(math.Float64bits(1.0))
	return a
}

// Multiplier returns the current scaling factor.
func (a *AdaptiveLimiter) Multiplier() float64 {
	return math.Float64frombits(a.multiplier.Load())
}

// Run samples until ctx is canceled.
func (a *AdaptiveLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.SampleInterval)
	defer ticker.Stop()
	a.lastCPU = processCPUTime()
	a.lastWall = time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sample(time.Now())
		}
	}
}

func (a *AdaptiveLimiter) sample(now time.Time) {
	cpu := processCPUTime()
	wall := now.Sub(a.lastWall)
	var usage float64
	if wall > 0 {
		usage = (cpu - a.lastCPU).Seconds() / wall.Seconds() / float64(runtime.NumCPU())
	}
	a.lastCPU = cpu
	a.lastWall = now

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	pressured := usage > a.cfg.CPUThreshold
	if a.cfg.MemThreshold > 0 && mem.HeapInuse > a.cfg.MemThreshold {
		pressured = true
	}
	if pressured {
		a.lastPressure.Store(now.UnixNano())
		a.throttle(usage, mem.HeapInuse)
		return
	}
	if now.Sub(time.Unix(0, a.lastPressure.Load())) >= a.cfg.Cooldown {
		a.recover()
	}
}

func (a *AdaptiveLimiter) throttle(cpu float64, heap uint64) {
	m := a.Multiplier() / 2
	if m < 0.25 {
		m = 0.25
	}
	a.multiplier.Store(math.Float64bits(m))
	a.log.WithFields(logrus.Fields{
		"cpu":        cpu,
		"heapBytes":  heap,
		"multiplier": m,
	}).Warn("load pressure detected, throttling inbound rate")
}

func (a *AdaptiveLimiter) recover() {
	m := a.Multiplier()
	if m >= 1.0 {
		return
	}
	m += 0.1
	if m > 1.0 {
		m = 1.0
	}
	a.multiplier.Store(math.Float64bits(m))
	a.log.WithField("multiplier", m).Debug("load pressure cleared, recovering rate")
}
