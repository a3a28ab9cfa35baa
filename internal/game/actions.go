// internal/game/actions.go
package game

import (
	"errors"
	"fmt"
)

var (
	// ErrGameOver is returned for Roll and Hold once a seat has won.
	ErrGameOver = errors.New("game: game is over")
	// ErrUnknownAction is returned for actions the machine does not know.
	ErrUnknownAction = errors.New("game: unknown action")
	// ErrInvalidDie is returned when a roll value is outside 1..DieFaces.
	ErrInvalidDie = errors.New("game: invalid die value")
	// ErrInvalidState wraps every invariant violation reported by Validate.
	ErrInvalidState = errors.New("game: invalid state")
)

// Action is a player intent applied to the shared state.
type Action string

const (
	ActionRoll    Action = "roll"
	ActionHold    Action = "hold"
	ActionNewGame Action = "new_game"
)

// ParseAction maps user input onto an Action.
func ParseAction(v string) (Action, error) {
	switch Action(v) {
	case ActionRoll, ActionHold, ActionNewGame:
		return Action(v), nil
	case "new":
		return ActionNewGame, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, v)
}

// NewGame returns the canonical fresh state.
func NewGame() GameState {
	return GameState{
		Scores:       [2]int{0, 0},
		CurrentScore: 0,
		ActivePlayer: Seat0,
		Playing:      true,
	}
}

// Apply runs one action against s and returns the next state. It never
// mutates s and performs no I/O; the roller is the only source of chance.
// Turn ownership is not checked here.
func Apply(s GameState, a Action, r Roller) (GameState, error) {
	switch a {
	case ActionNewGame:
		return NewGame(), nil
	case ActionRoll:
		if !s.Playing {
			return s, ErrGameOver
		}
		return Roll(s, r.Roll())
	case ActionHold:
		return Hold(s)
	}
	return s, fmt.Errorf("%w: %q", ErrUnknownAction, a)
}

// Roll applies a roll of the given face value.
func Roll(s GameState, value int) (GameState, error) {
	if !s.Playing {
		return s, ErrGameOver
	}
	if value < 1 || value > DieFaces {
		return s, fmt.Errorf("%w: %d", ErrInvalidDie, value)
	}

	next := s
	dice := value
	next.Dice = &dice
	if value == BustFace {
		next.CurrentScore = 0
		next.ActivePlayer = s.ActivePlayer.Other()
		return next, nil
	}
	next.CurrentScore += value
	return next, nil
}

// Hold banks the current turn score for the active seat.
func Hold(s GameState) (GameState, error) {
	if !s.Playing {
		return s, ErrGameOver
	}

	next := s
	next.Scores[s.ActivePlayer] += s.CurrentScore
	next.CurrentScore = 0
	next.Dice = nil
	if next.Scores[s.ActivePlayer] >= WinningScore {
		// the winner keeps the turn; that is how the record names them
		next.Playing = false
		return next, nil
	}
	next.ActivePlayer = s.ActivePlayer.Other()
	return next, nil
}
