package app

import "testing"

func TestRoomRateLimiter(t *testing.T) {
	rl := NewRoomRateLimiter(0.001, 2)
	if !rl.Allow("r1", "alice") || !rl.Allow("r1", "alice") {
		t.Fatal("burst not honoured")
	}
	if rl.Allow("r1", "alice") {
		t.Fatal("third message within burst window allowed")
	}
	if !rl.Allow("r1", "bob") {
		t.Fatal("limits leaked across identities")
	}
	rl.Forget("r1", "alice")
	if !rl.Allow("r1", "alice") {
		t.Fatal("forgotten identity still limited")
	}
}

func TestRoomRateLimiterSeparatesRooms(t *testing.T) {
	rl := NewRoomRateLimiter(0.001, 1)
	if !rl.Allow("r1", "alice") {
		t.Fatal("first message refused")
	}
	if rl.Allow("r1", "alice") {
		t.Fatal("second message in r1 allowed")
	}
	if !rl.Allow("r2", "alice") {
		t.Fatal("r1 budget spent in r2")
	}
	rl.Forget("r2", "alice")
	if rl.Allow("r1", "alice") {
		t.Fatal("forgetting r2 reset r1")
	}
}

func TestRoomRateLimiterDisabled(t *testing.T) {
	rl := NewRoomRateLimiter(0, 0)
	for range 100 {
		if !rl.Allow("r1", "alice") {
			t.Fatal("disabled limiter blocked")
		}
	}
}
