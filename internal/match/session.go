package match

import (
	"context"
	"errors"
	"fmt"

	"github.com/jason-s-yu/pig/internal/game"
	"github.com/jason-s-yu/pig/internal/models"
	"github.com/jason-s-yu/pig/internal/seat"
	"github.com/jason-s-yu/pig/internal/session"
	"github.com/jason-s-yu/pig/internal/store"
	"github.com/sirupsen/logrus"
)

// eventQueueSize bounds queued store deliveries and intents. Senders block
// when it fills, which keeps delivery order intact.
const eventQueueSize = 64

type eventKind int

const (
	eventState eventKind = iota
	eventPresence
	eventAction
	eventReset
)

type event struct {
	kind eventKind
	// gen is the cycle a store delivery belongs to; intents leave it zero.
	gen      uint64
	snap     store.Snapshot
	presence seat.Presence
	action   game.Action
	reply    chan error
}

// Options tune a Session.
type Options struct {
	Namespace models.Namespace
	Strategy  seat.Strategy
	Roller    game.Roller
	Logger    logrus.FieldLogger
}

// Session is one participant's view of a match. Store deliveries and user
// intents are queued and handled one at a time by Run; nothing else touches
// the session's state.
//
// Each assignment cycle has a generation number. A reset starts a new cycle
// and deliveries still queued from the old one are dropped.
type Session struct {
	store    store.Store
	identity *session.Identity
	renderer Renderer
	ns       models.Namespace
	logger   logrus.FieldLogger

	assignor   *seat.Assignor
	tracker    *seat.Tracker
	controller *Controller
	resetter   *Resetter

	events chan event

	gen      uint64
	subs     []store.Subscription
	full     bool
	presence seat.Presence
	// ownFlagSeen is set once the local seat's flag was observed in the players document.
	ownFlagSeen bool
}

// NewSession wires the seat assignor, presence tracker, sync controller and
// resetter over one store connection.
func NewSession(st store.Store, identity *session.Identity, renderer Renderer, opts Options) *Session {
	if opts.Namespace == "" {
		opts.Namespace = models.DefaultNamespace
	}
	if opts.Roller == nil {
		opts.Roller = game.NewRandRoller()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	logger := opts.Logger.WithField("namespace", opts.Namespace)
	return &Session{
		store:      st,
		identity:   identity,
		renderer:   renderer,
		ns:         opts.Namespace,
		logger:     logger,
		assignor:   seat.NewAssignor(st, identity, opts.Namespace, opts.Strategy, logger),
		tracker:    seat.NewTracker(st, opts.Namespace, logger),
		controller: NewController(st, opts.Namespace, opts.Roller, logger),
		resetter:   NewResetter(st, identity, opts.Namespace, logger),
		events:     make(chan event, eventQueueSize),
	}
}

// Run assigns a seat, subscribes, and processes events until ctx is done or
// the store fails.
func (s *Session) Run(ctx context.Context) error {
	defer s.stopCycle()
	if err := s.startCycle(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.events:
			if err := s.handle(ctx, ev); err != nil {
				return err
			}
		}
	}
}

// Roll submits a roll for the local seat.
func (s *Session) Roll(ctx context.Context) error { return s.Submit(ctx, game.ActionRoll) }

// Hold banks the local seat's turn score.
func (s *Session) Hold(ctx context.Context) error { return s.Submit(ctx, game.ActionHold) }

// NewGame replaces the shared state with a fresh game.
func (s *Session) NewGame(ctx context.Context) error { return s.Submit(ctx, game.ActionNewGame) }

// Submit queues an action and waits for the turn gate's verdict.
func (s *Session) Submit(ctx context.Context, action game.Action) error {
	return s.request(ctx, event{kind: eventAction, action: action})
}

// ResetAll wipes the match for every participant and starts this session over.
func (s *Session) ResetAll(ctx context.Context) error {
	return s.request(ctx, event{kind: eventReset})
}

func (s *Session) request(ctx context.Context, ev event) error {
	ev.reply = make(chan error, 1)
	select {
	case s.events <- ev:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ev.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) post(ctx context.Context, ev event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

func (s *Session) handle(ctx context.Context, ev event) error {
	switch ev.kind {
	case eventAction:
		ev.reply <- s.controller.Submit(ctx, ev.action)
		return nil
	case eventReset:
		return s.reset(ctx, ev.reply)
	}

	if ev.gen != s.gen {
		return nil
	}

	switch ev.kind {
	case eventState:
		err := s.controller.OnRemoteState(ctx, ev.snap)
		if errors.Is(err, ErrForcedReset) {
			return s.forcedReset(ctx, "game state removed")
		}
		if err != nil {
			s.logger.WithError(err).Error("state sync failed")
		}
	case eventPresence:
		s.presence = ev.presence
		if local, ok := s.controller.Seat(); ok {
			occupied := (local == game.Seat0 && ev.presence.Seat0) || (local == game.Seat1 && ev.presence.Seat1)
			if occupied {
				s.ownFlagSeen = true
			} else if s.ownFlagSeen {
				return s.forcedReset(ctx, "seat claim removed")
			}
		}
	}
	s.render()
	return nil
}

func (s *Session) startCycle(ctx context.Context) error {
	s.stopCycle()
	s.gen++
	gen := s.gen
	s.controller.Reset()
	s.full = false
	s.presence = seat.Presence{}
	s.ownFlagSeen = false

	local, err := s.assignor.Assign(ctx)
	switch {
	case errors.Is(err, seat.ErrMatchFull):
		s.full = true
	case err != nil:
		return fmt.Errorf("assign seat: %w", err)
	default:
		s.controller.SetSeat(local)
	}

	presence, err := s.tracker.Watch(ctx, s.full, func(p seat.Presence) {
		s.post(ctx, event{kind: eventPresence, gen: gen, presence: p})
	})
	if err != nil {
		return fmt.Errorf("watch presence: %w", err)
	}
	s.subs = append(s.subs, presence)

	state, err := s.store.Subscribe(ctx, s.ns.State(), func(snap store.Snapshot) {
		s.post(ctx, event{kind: eventState, gen: gen, snap: snap})
	})
	if err != nil {
		return fmt.Errorf("watch state: %w", err)
	}
	s.subs = append(s.subs, state)

	s.logger.WithFields(logrus.Fields{
		"cycle": gen,
		"seat":  int(local),
		"full":  s.full,
	}).Info("session cycle started")
	s.render()
	return nil
}

func (s *Session) stopCycle() {
	for _, sub := range s.subs {
		sub.Cancel()
	}
	s.subs = nil
}

// releaseHook withdraws the disconnect hook of the current seat so a later
// cycle on a different seat does not free this one.
//
// The hook is only withdrawn once this session handles the reset. If the
// connection drops first, the hook still fires and clears the seat for
// whoever claimed it in the new cycle; that holder sees its own flag vanish
// and claims again.
func (s *Session) releaseHook(ctx context.Context) {
	local, ok := s.controller.Seat()
	if !ok {
		return
	}
	op := s.store.OnDisconnect(s.ns.SeatFlag(models.SeatField(local)))
	if err := op.Cancel(ctx); err != nil {
		s.logger.WithError(err).Warn("cancel disconnect hook")
	}
}

// reset wipes the match and starts a new cycle. A failed wipe is reported to
// the caller and the session rejoins with what it still remembers.
func (s *Session) reset(ctx context.Context, reply chan<- error) error {
	s.stopCycle()
	s.releaseHook(ctx)
	reply <- s.resetter.ResetAll(ctx)
	return s.startCycle(ctx)
}

func (s *Session) forcedReset(ctx context.Context, reason string) error {
	s.logger.WithField("reason", reason).Warn("forced reset, claiming a seat again")
	s.stopCycle()
	s.releaseHook(ctx)
	if err := s.identity.Forget(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return s.startCycle(ctx)
}

func (s *Session) render() {
	if s.renderer == nil {
		return
	}
	var state *game.GameState
	if st, ok := s.controller.Mirror(); ok {
		state = &st
	}
	local, seated := s.controller.Seat()
	s.renderer.Render(BuildView(state, local, seated, s.presence))
}
