// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package health

import (
	"log/slog"
	"testing"
	"time"
)

func TestMonitor_CollectsCounters(t *testing.T) {
	logger := slog.Default()
	conns := 3
	keys := 42

	m := New(logger, 10*time.Millisecond, Counters{
		ActiveConns: func() int { return conns },
		StoreKeys:   func() int { return keys },
	})
	m.Start()
	defer m.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s := m.Stats()
		if s.ActiveConns == conns && s.StoreKeys == keys {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("monitor never observed counters: got %+v", m.Stats())
}

func TestMonitor_DefaultInterval(t *testing.T) {
	m := New(slog.Default(), 0, Counters{})
	if m.interval != 15*time.Second {
		t.Fatalf("interval = %v, want 15s default", m.interval)
	}
}
