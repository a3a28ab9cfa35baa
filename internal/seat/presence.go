package seat

import (
	"context"
	"errors"

	"github.com/jason-s-yu/pig/internal/game"
	"github.com/jason-s-yu/pig/internal/models"
	"github.com/jason-s-yu/pig/internal/store"
	"github.com/sirupsen/logrus"
)

// MatchFullMessage is shown to a participant that found both seats taken.
const MatchFullMessage = "Match is full"

// Presence is the derived occupancy view shown while waiting for an opponent.
type Presence struct {
	Seat0       bool
	Seat1       bool
	BothPresent bool
	Full        bool
	Message     string
}

// WaitingMessage names the seat the match is waiting for, using the
// one-based player labels shown to users.
func WaitingMessage(missing game.Seat) string {
	if missing == game.Seat0 {
		return "Waiting for Player 1..."
	}
	return "Waiting for Player 2..."
}

// Evaluate derives presence from seat claims. localFull reports that the
// local participant was turned away by the assignor.
func Evaluate(claims models.SeatClaims, localFull bool) Presence {
	p := Presence{
		Seat0:       claims.Player0,
		Seat1:       claims.Player1,
		BothPresent: claims.Full(),
		Full:        localFull,
	}
	switch {
	case localFull:
		p.Message = MatchFullMessage
	case !claims.Player0:
		p.Message = WaitingMessage(game.Seat0)
	case !claims.Player1:
		p.Message = WaitingMessage(game.Seat1)
	}
	return p
}

// Tracker watches seat occupancy. It never writes to the store.
type Tracker struct {
	store  store.Store
	ns     models.Namespace
	logger logrus.FieldLogger
}

func NewTracker(st store.Store, ns models.Namespace, logger logrus.FieldLogger) *Tracker {
	return &Tracker{store: st, ns: ns, logger: logger.WithField("component", "presence")}
}

// Watch calls emit with fresh presence on every change to the players
// document, starting with its current value. emit runs on the
// subscription's delivery goroutine.
func (t *Tracker) Watch(ctx context.Context, localFull bool, emit func(Presence)) (store.Subscription, error) {
	return t.store.Subscribe(ctx, t.ns.Players(), func(snap store.Snapshot) {
		var claims models.SeatClaims
		if err := snap.Decode(&claims); err != nil && !errors.Is(err, store.ErrAbsent) {
			t.logger.WithError(err).Warn("ignoring malformed players document")
			return
		}
		emit(Evaluate(claims, localFull))
	})
}
