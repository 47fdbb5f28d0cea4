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
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLog() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

func TestSessionDataSurvivesRestore(t *testing.T) {
	r := newSessionRegistry(100, time.Hour, time.Hour, testLog())
	defer r.close()

	s := r.restore("CP-1")
	s.Set("bootCount", 3)

	again := r.restore("CP-1")
	assert.Same(t, s, again)
	v, ok := again.Get("bootCount")
	require.True(t, ok)
	assert.Equal(t, 3, v)

	again.Delete("bootCount")
	_, ok = s.Get("bootCount")
	assert.False(t, ok)
}

func TestSessionGCSweepEvictsExpired(t *testing.T) {
	r := newSessionRegistry(100, 50*time.Millisecond, time.Hour, testLog())
	defer r.close()

	stale := r.restore("CP-stale")
	fresh := r.restore("CP-fresh")
	_ = stale

	time.Sleep(80 * time.Millisecond)
	fresh.touch()
	r.sweep()

	_, ok := r.get("CP-stale")
	assert.False(t, ok, "expired session must be evicted")
	_, ok = r.get("CP-fresh")
	assert.True(t, ok, "touched session must survive")
	assert.Equal(t, 1, r.len())
}

func TestSessionRegistryLRUCap(t *testing.T) {
	r := newSessionRegistry(3, time.Hour, time.Hour, testLog())
	defer r.close()

	for i := 0; i < 5; i++ {
		r.restore(fmt.Sprintf("CP-%d", i))
	}
	assert.Equal(t, 3, r.len())
	// The oldest entries fell off.
	_, ok := r.get("CP-0")
	assert.False(t, ok)
	_, ok = r.get("CP-4")
	assert.True(t, ok)
}
