package core

import "github.com/dkeye/Mesh/internal/domain"

// memberSession implements MemberSession by pairing meta + transport.
type memberSession struct {
	meta   domain.Participant
	connID string
	signal SignalConnection
}

func NewMemberSession(meta domain.Participant, connID string, signal SignalConnection) MemberSession {
	return &memberSession{meta: meta, connID: connID, signal: signal}
}

func (m *memberSession) Meta() domain.Participant { return m.meta }
func (m *memberSession) ConnID() string           { return m.connID }
func (m *memberSession) Signal() SignalConnection { return m.signal }
