package rtc

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dkeye/Mesh/internal/domain"
)

func TestOfferAnswerExchange(t *testing.T) {
	f, err := NewFactory(nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	alice, err := f.NewPeerConnection("bob")
	if err != nil {
		t.Fatal(err)
	}
	defer alice.Close()
	bob, err := f.NewPeerConnection("alice")
	if err != nil {
		t.Fatal(err)
	}
	defer bob.Close()

	mic, _ := NewSampleTrack(domain.SourceMicrophone, "alice")
	cam, _ := NewSampleTrack(domain.SourceCamera, "alice")
	if err := alice.AttachTrack(mic); err != nil {
		t.Fatal(err)
	}
	if err := alice.AttachTrack(cam); err != nil {
		t.Fatal(err)
	}

	offer, err := alice.CreateOffer(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if offer.Type != "offer" {
		t.Fatalf("offer type %q", offer.Type)
	}
	if !strings.Contains(offer.SDP, "ssrc-audio-level") {
		t.Fatal("offer lacks the audio level header extension")
	}

	answer, err := bob.AcceptOffer(ctx, offer)
	if err != nil {
		t.Fatal(err)
	}
	if answer.Type != "answer" {
		t.Fatalf("answer type %q", answer.Type)
	}
	if err := alice.AcceptAnswer(ctx, answer); err != nil {
		t.Fatal(err)
	}

	screen, _ := NewSampleTrack(domain.SourceScreen, "alice")
	if err := alice.ReplaceTrack(domain.TrackVideo, screen); err != nil {
		t.Fatalf("replace video: %v", err)
	}
}

func TestReplaceWithoutSender(t *testing.T) {
	f, err := NewFactory(nil)
	if err != nil {
		t.Fatal(err)
	}
	pc, err := f.NewPeerConnection("bob")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()
	screen, _ := NewSampleTrack(domain.SourceScreen, "s")
	if err := pc.ReplaceTrack(domain.TrackVideo, screen); !errors.Is(err, ErrNoSender) {
		t.Fatalf("err = %v", err)
	}
}

func TestCanceledContext(t *testing.T) {
	f, err := NewFactory(nil)
	if err != nil {
		t.Fatal(err)
	}
	pc, err := f.NewPeerConnection("bob")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pc.CreateOffer(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}
