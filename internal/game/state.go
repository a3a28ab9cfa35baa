// internal/game/state.go
package game

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// WinningScore is the banked score at which a seat wins and play stops.
const WinningScore = 100

// DieFaces is the number of faces on the die; rolls are uniform over 1..DieFaces.
const DieFaces = 6

// BustFace is the roll that zeroes the unbanked turn score and passes the turn.
const BustFace = 1

// Seat identifies one of the two fixed participant slots in a match.
type Seat int

const (
	Seat0 Seat = 0
	Seat1 Seat = 1
)

// Seats lists both seats in claim order.
var Seats = [2]Seat{Seat0, Seat1}

// Valid reports whether s is one of the two fixed seats.
func (s Seat) Valid() bool {
	return s == Seat0 || s == Seat1
}

// Other returns the opposing seat.
func (s Seat) Other() Seat {
	if s == Seat0 {
		return Seat1
	}
	return Seat0
}

func (s Seat) String() string {
	return "seat " + strconv.Itoa(int(s))
}

// ParseSeat converts the persisted "0"/"1" form back into a Seat.
func ParseSeat(v string) (Seat, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse seat %q: %w", v, err)
	}
	s := Seat(n)
	if !s.Valid() {
		return 0, fmt.Errorf("parse seat %q: out of range", v)
	}
	return s, nil
}

// GameState is the single shared record both seats synchronize on.
// It is a plain value: copies never alias each other except through Dice,
// which is treated as immutable once set.
type GameState struct {
	Scores       [2]int `json:"scores"`
	CurrentScore int    `json:"currentScore"`
	ActivePlayer Seat   `json:"activePlayer"`
	Playing      bool   `json:"playing"`
	Dice         *int   `json:"dice,omitempty"`
}

// UnmarshalJSON fills fields missing from the document with the values of a
// fresh game, so a partially written record still decodes into a usable state.
func (s *GameState) UnmarshalJSON(data []byte) error {
	var doc struct {
		Scores       []int `json:"scores"`
		CurrentScore *int  `json:"currentScore"`
		ActivePlayer *Seat `json:"activePlayer"`
		Playing      *bool `json:"playing"`
		Dice         *int  `json:"dice"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if len(doc.Scores) > len(s.Scores) {
		return fmt.Errorf("game state: %d scores, want %d", len(doc.Scores), len(s.Scores))
	}

	next := NewGame()
	copy(next.Scores[:], doc.Scores)
	if doc.CurrentScore != nil {
		next.CurrentScore = *doc.CurrentScore
	}
	if doc.ActivePlayer != nil {
		next.ActivePlayer = *doc.ActivePlayer
	}
	if doc.Playing != nil {
		next.Playing = *doc.Playing
	}
	next.Dice = doc.Dice
	*s = next
	return nil
}

// Winner returns the seat whose banked score reached WinningScore, if any.
func (s GameState) Winner() (Seat, bool) {
	for _, seat := range Seats {
		if s.Scores[seat] >= WinningScore {
			return seat, true
		}
	}
	return 0, false
}

// DiceValue returns the last roll and whether one is showing.
func (s GameState) DiceValue() (int, bool) {
	if s.Dice == nil {
		return 0, false
	}
	return *s.Dice, true
}

// Validate checks the invariants every transition must preserve.
func (s GameState) Validate() error {
	for i, sc := range s.Scores {
		if sc < 0 {
			return fmt.Errorf("%w: scores[%d] = %d", ErrInvalidState, i, sc)
		}
	}
	if s.CurrentScore < 0 {
		return fmt.Errorf("%w: currentScore = %d", ErrInvalidState, s.CurrentScore)
	}
	if !s.ActivePlayer.Valid() {
		return fmt.Errorf("%w: activePlayer = %d", ErrInvalidState, s.ActivePlayer)
	}
	_, won := s.Winner()
	if s.Playing == won {
		return fmt.Errorf("%w: playing = %v with scores %v", ErrInvalidState, s.Playing, s.Scores)
	}
	if !s.Playing && s.CurrentScore != 0 {
		return fmt.Errorf("%w: currentScore = %d after game over", ErrInvalidState, s.CurrentScore)
	}
	if d, ok := s.DiceValue(); ok {
		if !s.Playing {
			return fmt.Errorf("%w: dice showing after game over", ErrInvalidState)
		}
		if d < 1 || d > DieFaces {
			return fmt.Errorf("%w: dice = %d", ErrInvalidState, d)
		}
	}
	return nil
}
