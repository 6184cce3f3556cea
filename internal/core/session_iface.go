package core

import "github.com/dkeye/Mesh/internal/domain"

// MemberSession binds a room Participant and its transport endpoint.
// This is what a room stores and fans out to.
type MemberSession interface {
	Meta() domain.Participant
	ConnID() string
	Signal() SignalConnection
}
