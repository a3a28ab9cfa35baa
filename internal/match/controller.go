// Package match binds the game rules to the shared store: it gates local
// actions by turn, publishes accepted moves, mirrors remote state and runs
// the per-participant event loop.
package match

import (
	"context"
	"errors"
	"fmt"

	"github.com/jason-s-yu/pig/internal/game"
	"github.com/jason-s-yu/pig/internal/models"
	"github.com/jason-s-yu/pig/internal/store"
	"github.com/sirupsen/logrus"
)

var (
	// ErrStaleAction is returned when an action fails the turn gate. Nothing is written.
	ErrStaleAction = errors.New("match: not your turn")
	// ErrNotSeated is returned for actions from a participant without a seat.
	ErrNotSeated = errors.New("match: no seat assigned")
	// ErrForcedReset reports that the shared state vanished mid-session.
	ErrForcedReset = errors.New("match: shared state was reset")
)

// Controller mirrors the shared GameState and turns local intents into
// full-document writes. It is not safe for concurrent use; a Session drives
// it from a single goroutine.
//
// Writes are last-writer-wins overwrites with no version check. The turn gate
// in Submit is the only thing keeping the idle seat from clobbering the
// active seat's update, and it is cooperative: a modified client can skip it.
type Controller struct {
	store  store.Store
	ns     models.Namespace
	roller game.Roller
	logger logrus.FieldLogger

	seat     game.Seat
	seated   bool
	mirror   *game.GameState
	observed bool
}

func NewController(st store.Store, ns models.Namespace, roller game.Roller, logger logrus.FieldLogger) *Controller {
	return &Controller{
		store:  st,
		ns:     ns,
		roller: roller,
		logger: logger.WithField("component", "sync"),
	}
}

// SetSeat records the seat Submit authorizes against.
func (c *Controller) SetSeat(s game.Seat) {
	c.seat = s
	c.seated = true
}

// Seat returns the local seat, if assigned.
func (c *Controller) Seat() (game.Seat, bool) {
	return c.seat, c.seated
}

// Mirror returns the last state received from the store.
func (c *Controller) Mirror() (game.GameState, bool) {
	if c.mirror == nil {
		return game.GameState{}, false
	}
	return *c.mirror, true
}

// Reset forgets the seat and the mirror, starting a new assignment cycle.
func (c *Controller) Reset() {
	c.seat = 0
	c.seated = false
	c.mirror = nil
	c.observed = false
}

// Submit runs a local intent through the turn gate and publishes the result.
// The mirror is left alone; it changes when the write comes back through the
// subscription.
func (c *Controller) Submit(ctx context.Context, action game.Action) error {
	log := c.logger.WithField("action", action)
	if !c.seated {
		return ErrNotSeated
	}

	var next game.GameState
	if action == game.ActionNewGame {
		next = game.NewGame()
	} else {
		if c.mirror == nil || !c.mirror.Playing || c.mirror.ActivePlayer != c.seat {
			log.WithField("seat", int(c.seat)).Debug("dropping stale action")
			return ErrStaleAction
		}
		var err error
		next, err = game.Apply(*c.mirror, action, c.roller)
		if err != nil {
			return err
		}
	}

	if err := c.store.Write(ctx, c.ns.State(), next); err != nil {
		return fmt.Errorf("publish %s: %w", action, err)
	}
	log.WithFields(logrus.Fields{
		"seat":   int(c.seat),
		"scores": next.Scores,
		"dice":   next.Dice,
	}).Debug("published state")
	return nil
}

// OnRemoteState reconciles one snapshot of the state document. A present
// document replaces the mirror. An absent one is bootstrapped by seat 0 on
// first sight; if a document was already seen this cycle it returns
// ErrForcedReset.
func (c *Controller) OnRemoteState(ctx context.Context, snap store.Snapshot) error {
	if !snap.Exists() {
		if c.observed {
			c.mirror = nil
			return ErrForcedReset
		}
		c.mirror = nil
		if c.seated && c.seat == game.Seat0 {
			c.logger.Info("no game state yet, bootstrapping")
			if err := c.store.Write(ctx, c.ns.State(), game.NewGame()); err != nil {
				return fmt.Errorf("bootstrap state: %w", err)
			}
		}
		return nil
	}

	var next game.GameState
	if err := snap.Decode(&next); err != nil {
		c.logger.WithError(err).Warn("ignoring malformed game state")
		return nil
	}
	if err := next.Validate(); err != nil {
		c.logger.WithError(err).Warn("remote state breaks invariants")
	}
	c.mirror = &next
	c.observed = true
	return nil
}
