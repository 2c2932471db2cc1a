// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package throttle

import "testing"

func TestLimiter_DisabledAlwaysAllows(t *testing.T) {
	l := New(Config{Enabled: false})
	for i := 0; i < 1000; i++ {
		if !l.Allow() {
			t.Fatalf("disabled limiter denied Allow() on iteration %d", i)
		}
	}
	if d := l.Reserve(); d != 0 {
		t.Fatalf("disabled limiter Reserve() = %v, want 0", d)
	}
}

func TestLimiter_EnabledRespectsBurst(t *testing.T) {
	l := New(Config{Enabled: true, RequestsPerSecond: 1, Burst: 3})

	allowed := 0
	for i := 0; i < 3; i++ {
		if l.Allow() {
			allowed++
		}
	}
	if allowed != 3 {
		t.Fatalf("allowed = %d within burst, want 3", allowed)
	}
	if l.Allow() {
		t.Fatalf("Allow() should deny once burst is exhausted")
	}
}
