// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxIdentityLen = 64
	MaxRoomIDLen   = 64
)

var (
	ErrIdentityEmpty   = errors.New("identity empty")
	ErrIdentityTooLong = errors.New("identity too long")
	ErrRoomIDEmpty     = errors.New("room id empty")
	ErrRoomIDTooLong   = errors.New("room id too long")
)

// Identity is the caller identity supplied by the external identity layer.
type Identity string

// NewIdentity trims and validates a raw identity string.
func NewIdentity(raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) == 0 {
		return "", ErrIdentityEmpty
	}
	if len(raw) > MaxIdentityLen {
		return "", ErrIdentityTooLong
	}
	return Identity(raw), nil
}

func (i Identity) String() string { return string(i) }
