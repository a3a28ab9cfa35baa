package match

import (
	"fmt"

	"github.com/jason-s-yu/pig/internal/game"
	"github.com/jason-s-yu/pig/internal/seat"
)

// View is everything a renderer needs to draw one frame. It is derived from
// the mirrored GameState, the local seat and the latest presence.
type View struct {
	LocalSeat game.Seat
	Seated    bool
	// HasState is false until the shared GameState document exists.
	HasState bool

	Scores [2]int
	// Current shows the unbanked turn score under the active seat and 0 under the other.
	Current      [2]int
	ActivePlayer game.Seat
	Playing      bool
	// Dice is the last roll, shown only while the game is running.
	Dice *int

	Winner    game.Seat
	HasWinner bool

	// IsLocalTurn is true when Roll and Hold would pass the turn gate.
	IsLocalTurn    bool
	Presence       seat.Presence
	WaitingMessage string
}

// Renderer receives a fresh View after every local or remote change. It must
// never mutate shared state; user intents go back through the Session.
type Renderer interface {
	Render(View)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(View)

func (f RendererFunc) Render(v View) { f(v) }

// BuildView derives a View. state is nil while the document is absent.
func BuildView(state *game.GameState, local game.Seat, seated bool, presence seat.Presence) View {
	v := View{
		LocalSeat: local,
		Seated:    seated,
		Presence:  presence,
	}
	if presence.Full || !presence.BothPresent {
		v.WaitingMessage = presence.Message
	}
	if state == nil {
		return v
	}

	v.HasState = true
	v.Scores = state.Scores
	v.ActivePlayer = state.ActivePlayer
	v.Playing = state.Playing
	if state.ActivePlayer.Valid() {
		v.Current[state.ActivePlayer] = state.CurrentScore
	}
	if d, ok := state.DiceValue(); ok && state.Playing {
		v.Dice = &d
	}
	if !state.Playing {
		v.Winner, v.HasWinner = state.Winner()
	}
	v.IsLocalTurn = seated && state.Playing && state.ActivePlayer == local
	return v
}

// Label names a seat for display, marking the local one.
func (v View) Label(s game.Seat) string {
	if v.Seated && s == v.LocalSeat {
		return fmt.Sprintf("P%d (YOU)", int(s)+1)
	}
	return fmt.Sprintf("Player %d", int(s)+1)
}
