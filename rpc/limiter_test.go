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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterNilWithoutRules(t *testing.T) {
	assert.Nil(t, NewRateLimiter(RateLimiterConfig{}))
}

func TestRateLimiterGlobalBucket(t *testing.T) {
	l := NewRateLimiter(RateLimiterConfig{
		Global: &RateRule{Limit: 3, Window: time.Hour},
	})
	require.NotNil(t, l)
	assert.False(t, l.HasMethodRules())

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(""), "admission %d", i)
	}
	assert.False(t, l.Allow(""))
}

func TestRateLimiterPerMethodBucket(t *testing.T) {
	var exceeded []string
	l := NewRateLimiter(RateLimiterConfig{
		PerMethod: map[string]RateRule{
			"Heartbeat": {Limit: 1, Window: time.Hour},
		},
		Policy:     LimitCallback,
		OnExceeded: func(method string) { exceeded = append(exceeded, method) },
	})
	require.True(t, l.HasMethodRules())

	assert.True(t, l.Allow("Heartbeat"))
	assert.False(t, l.Allow("Heartbeat"))
	// Other methods are unconstrained.
	assert.True(t, l.Allow("BootNotification"))
	assert.Equal(t, []string{"Heartbeat"}, exceeded)
}

func TestAdaptiveLimiterThrottleAndRecover(t *testing.T) {
	a := NewAdaptiveLimiter(AdaptiveLimiterConfig{})
	assert.Equal(t, 1.0, a.Multiplier())

	a.throttle(0.95, 0)
	assert.Equal(t, 0.5, a.Multiplier())
	a.throttle(0.95, 0)
	assert.Equal(t, 0.25, a.Multiplier())
	// Floor.
	a.throttle(0.95, 0)
	assert.Equal(t, 0.25, a.Multiplier())

	a.recover()
	assert.InDelta(t, 0.35, a.Multiplier(), 1e-9)
	for i := 0; i < 10; i++ {
		a.recover()
	}
	assert.Equal(t, 1.0, a.Multiplier())
}

func TestAdaptiveMultiplierScalesBuckets(t *testing.T) {
	a := NewAdaptiveLimiter(AdaptiveLimiterConfig{})
	l := NewRateLimiter(RateLimiterConfig{
		Global:   &RateRule{Limit: 10, Window: time.Second},
		Adaptive: a,
	})

	l.Allow("")
	l.mu.Lock()
	assert.Equal(t, 1.0, l.multiplier)
	l.mu.Unlock()

	a.throttle(0.95, 0)
	l.Allow("")
	l.mu.Lock()
	assert.Equal(t, 0.5, l.multiplier)
	l.mu.Unlock()
}
