package domain

// TrackKind is the media kind of a track attached to a peer connection.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// SourceKind is a local capture source.
type SourceKind string

const (
	SourceMicrophone SourceKind = "microphone"
	SourceCamera     SourceKind = "camera"
	SourceScreen     SourceKind = "screen"
)

// Kind reports which track kind a capture source produces.
func (s SourceKind) Kind() TrackKind {
	if s == SourceMicrophone {
		return TrackAudio
	}
	return TrackVideo
}

// VideoSource is the source currently feeding outbound video.
type VideoSource string

const (
	VideoCamera VideoSource = "camera"
	VideoScreen VideoSource = "screen"
)

// LocalMediaState is mutated only by local user actions.
type LocalMediaState struct {
	AudioEnabled bool        `json:"audioEnabled"`
	VideoEnabled bool        `json:"videoEnabled"`
	ActiveSource VideoSource `json:"activeSource"`
}

// ConnectionState of a peer session.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateNegotiating
	StateConnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Terminal reports whether no further negotiation happens in this state.
func (s ConnectionState) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// Audio levels are normalized by mapping [MinLevelDB, MaxLevelDB] linearly onto [0, 1].
const (
	MinLevelDB = -100.0
	MaxLevelDB = -30.0
)

// NormalizeLevel maps a decibel value onto 0..1, clamping outside the range.
func NormalizeLevel(db float64) float64 {
	switch {
	case db <= MinLevelDB:
		return 0
	case db >= MaxLevelDB:
		return 1
	}
	return (db - MinLevelDB) / (MaxLevelDB - MinLevelDB)
}
