// Package uuid generates identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// IDers generate identifiers.
type IDer interface {
	ID() string
}

// UUID generates UUID identifiers.
type UUID struct{}

func NewUUID() *UUID {
	return new(UUID)
}

// ID generates a new UUID identifier.
func (u *UUID) ID() string {
	return uuid.NewString()
}

// StaticIDs hands out identifiers from a fixed list, then switches to
// a padded counter. Intended for tests that need stable identifiers.
type StaticIDs struct {
	ids []string
	ctr int
}

func NewStaticIDs(ids ...string) *StaticIDs {
	return &StaticIDs{ids: ids}
}

// ID returns the next static identifier.
func (s *StaticIDs) ID() string {
	if len(s.ids) > 0 {
		id := s.ids[0]
		s.ids = s.ids[1:]
		return id
	}
	s.ctr++
	return fmt.Sprintf("ID%06d", s.ctr)
}
