package rtc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Mesh/internal/domain"
	"github.com/pion/webrtc/v4/pkg/media"
)

func TestSampleTrackDisabledDropsFrames(t *testing.T) {
	tr, err := NewSampleTrack(domain.SourceMicrophone, "s")
	if err != nil {
		t.Fatal(err)
	}
	if tr.Kind() != domain.TrackAudio || !tr.Enabled() {
		t.Fatalf("unexpected initial track state")
	}
	var frames int
	tr.OnPCM(func([]float64) { frames++ })

	if err := tr.WriteFrame([]float64{0.1}, media.Sample{}); err != nil {
		t.Fatal(err)
	}
	tr.SetEnabled(false)
	if err := tr.WriteFrame([]float64{0.1}, media.Sample{Data: []byte{1}, Duration: 20 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	if frames != 1 {
		t.Fatalf("frames = %d, want 1", frames)
	}
}

func TestSampleTrackStopIsIdempotent(t *testing.T) {
	tr, err := NewSampleTrack(domain.SourceScreen, "s")
	if err != nil {
		t.Fatal(err)
	}
	tr.End()
	tr.Stop()
	select {
	case <-tr.Ended():
	default:
		t.Fatal("ended channel open after End")
	}
	if !tr.Stopped() {
		t.Fatal("track not stopped")
	}
	if err := tr.WriteFrame(nil, media.Sample{}); !errors.Is(err, ErrTrackStopped) {
		t.Fatalf("write after stop: %v", err)
	}
}

func TestStaticDevicesDeny(t *testing.T) {
	denied := errors.New("permission denied")
	d := &StaticDevices{Deny: map[domain.SourceKind]error{domain.SourceScreen: denied}}
	ctx := context.Background()

	if _, err := d.Open(ctx, domain.SourceScreen); !errors.Is(err, denied) {
		t.Fatalf("screen open: %v", err)
	}
	cam, err := d.Open(ctx, domain.SourceCamera)
	if err != nil {
		t.Fatal(err)
	}
	if cam.Kind() != domain.TrackVideo || cam.Source() != domain.SourceCamera {
		t.Fatalf("camera track kind %s source %s", cam.Kind(), cam.Source())
	}
	if len(d.Opened()) != 1 {
		t.Fatalf("opened = %d", len(d.Opened()))
	}
}
