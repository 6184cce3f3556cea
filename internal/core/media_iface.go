package core

//go:generate mockgen -destination=mocks/mock_media.go -package=mocks github.com/dkeye/Mesh/internal/core MediaDevices,LevelSource

import (
	"context"

	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/protocol"
	"github.com/pion/webrtc/v4"
)

// PeerConnection is one negotiated connection with a remote participant.
// Negotiation methods are not safe for concurrent use; callers serialize them.
type PeerConnection interface {
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer(ctx context.Context) (protocol.SessionDescription, error)
	// AcceptOffer applies a remote offer and returns the applied local answer.
	AcceptOffer(ctx context.Context, offer protocol.SessionDescription) (protocol.SessionDescription, error)
	// AcceptAnswer applies a remote answer.
	AcceptAnswer(ctx context.Context, answer protocol.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate. A remote description must be set.
	AddICECandidate(protocol.ICECandidate) error
	// AttachTrack adds an outbound track and keeps its sender for later replacement.
	AttachTrack(LocalTrack) error
	// ReplaceTrack swaps the track feeding the sender of the given kind in place.
	ReplaceTrack(kind domain.TrackKind, track LocalTrack) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(protocol.ICECandidate))
	// OnStateChange sets a callback for transport state changes
	// (only connected, failed and closed are reported).
	OnStateChange(func(domain.ConnectionState))
	// OnRemoteTrack sets a callback invoked when a remote track arrives.
	OnRemoteTrack(func(RemoteTrack))
	Close() error
}

// PeerConnectionFactory builds peer connections from injected ICE configuration.
type PeerConnectionFactory interface {
	NewPeerConnection(remote domain.Identity) (PeerConnection, error)
}

// LocalTrack is a local capture source feeding outbound media.
type LocalTrack interface {
	ID() string
	Kind() domain.TrackKind
	Source() domain.SourceKind
	Enabled() bool
	SetEnabled(bool)
	// Stop releases the capture source. Idempotent.
	Stop()
	Stopped() bool
	// Ended is closed when the source ends on its own or is stopped.
	Ended() <-chan struct{}
	// RTP returns the pion track to attach to peer connections.
	RTP() webrtc.TrackLocal
}

// MediaDevices acquires capture sources.
type MediaDevices interface {
	Open(ctx context.Context, source domain.SourceKind) (LocalTrack, error)
}

// LevelSource is an audio analysis context producing a normalized 0..1 level.
type LevelSource interface {
	Level() float64
	Close()
}

// RemoteTrack is an inbound track; audio tracks expose a level source.
type RemoteTrack interface {
	ID() string
	Kind() domain.TrackKind
	Levels() LevelSource
}

// PCMTap is implemented by local audio tracks that expose raw capture frames
// (mono samples in [-1, 1]) for level analysis.
type PCMTap interface {
	OnPCM(func(frame []float64))
}
