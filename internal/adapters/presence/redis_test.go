package presence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/dkeye/Mesh/internal/config"
	"github.com/dkeye/Mesh/internal/domain"
)

func TestParticipantsKey(t *testing.T) {
	if got := participantsKey("lobby"); got != "mesh:room:lobby:participants" {
		t.Fatalf("key = %q", got)
	}
}

// Runs against a real server when MESH_TEST_REDIS_ADDR is set.
func TestRedisPresenceRoundTrip(t *testing.T) {
	addr := os.Getenv("MESH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MESH_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	p, err := Connect(ctx, config.Redis{Addr: addr, TTL: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	room := domain.RoomID("presence-test")
	at := time.UnixMilli(1_700_000_000_000)
	if err := p.Joined(ctx, room, domain.NewParticipant("alice", at)); err != nil {
		t.Fatal(err)
	}
	if err := p.Joined(ctx, room, domain.NewParticipant("bob", at)); err != nil {
		t.Fatal(err)
	}
	if err := p.Left(ctx, room, "bob"); err != nil {
		t.Fatal(err)
	}
	got, err := p.Members(ctx, room)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || !got["alice"].Equal(at) {
		t.Fatalf("members = %v", got)
	}
	if err := p.Closed(ctx, room); err != nil {
		t.Fatal(err)
	}
	got, _ = p.Members(ctx, room)
	if len(got) != 0 {
		t.Fatalf("members after close = %v", got)
	}
}
