package app

import (
	"errors"
	"fmt"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

type Policy interface {
	OnBackPressure(room domain.RoomID, member core.MemberSession) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(room domain.RoomID, member core.MemberSession) BackpressureAction {
	return KickMember
}

// ErrAdmission wraps every join rejection produced by an Admission.
var ErrAdmission = errors.New("join rejected")

// Admission decides whether identity may join room given the current member count.
// It runs on the room coordinator, so count is exact.
type Admission interface {
	Admit(room domain.RoomID, identity domain.Identity, count int) error
}

// CapacityPolicy rejects joins beyond Max participants. Max <= 0 disables the limit.
type CapacityPolicy struct {
	Max int
}

func (p CapacityPolicy) Admit(room domain.RoomID, identity domain.Identity, count int) error {
	if p.Max > 0 && count >= p.Max {
		return fmt.Errorf("%w: room %s is full (%d)", ErrAdmission, room, p.Max)
	}
	return nil
}
