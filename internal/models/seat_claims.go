// internal/models/seat_claims.go
package models

import (
	"fmt"

	"github.com/jason-s-yu/pig/internal/game"
)

// SeatClaims mirrors the players document: one occupancy flag per seat.
// A released seat is a removed field, which decodes as false.
type SeatClaims struct {
	Player0 bool `json:"player0,omitempty"`
	Player1 bool `json:"player1,omitempty"`
}

// SeatField returns the players-document field that holds the seat's flag.
func SeatField(s game.Seat) string {
	return fmt.Sprintf("player%d", int(s))
}

// Occupied reports whether the given seat is claimed.
func (c SeatClaims) Occupied(s game.Seat) bool {
	switch s {
	case game.Seat0:
		return c.Player0
	case game.Seat1:
		return c.Player1
	}
	return false
}

// Full reports whether both seats are claimed.
func (c SeatClaims) Full() bool {
	return c.Player0 && c.Player1
}

// FirstFree returns the lowest free seat, if any.
func (c SeatClaims) FirstFree() (game.Seat, bool) {
	for _, s := range game.Seats {
		if !c.Occupied(s) {
			return s, true
		}
	}
	return 0, false
}
