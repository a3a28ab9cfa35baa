// Package seat assigns the local participant to one of the two fixed seats
// and tracks whether both seats are occupied.
package seat

import (
	"context"
	"errors"
	"fmt"

	"github.com/jason-s-yu/pig/internal/game"
	"github.com/jason-s-yu/pig/internal/models"
	"github.com/jason-s-yu/pig/internal/session"
	"github.com/jason-s-yu/pig/internal/store"
	"github.com/sirupsen/logrus"
)

// ErrMatchFull is returned when both seats are taken. Nothing is written and
// retrying will not help; only a full reset frees the seats.
var ErrMatchFull = errors.New("seat: match is full")

// Strategy selects how a free seat is claimed.
type Strategy string

const (
	// StrategyAtomic claims with the store's claim-if-absent primitive, so
	// two participants can never both win the same seat.
	StrategyAtomic Strategy = "atomic"
	// StrategyReadThenWrite reads occupancy once and then marks the first
	// free seat. Two participants reading the same snapshot before either
	// writes will both take seat 0. Kept for compatibility with clients
	// that only speak the read/update protocol.
	StrategyReadThenWrite Strategy = "read_then_write"
)

// ParseStrategy maps a configuration value onto a Strategy.
func ParseStrategy(v string) (Strategy, error) {
	switch Strategy(v) {
	case "", StrategyAtomic:
		return StrategyAtomic, nil
	case StrategyReadThenWrite:
		return StrategyReadThenWrite, nil
	}
	return "", fmt.Errorf("unknown claim strategy %q", v)
}

// Assignor claims a seat for the local participant.
type Assignor struct {
	store    store.Store
	identity *session.Identity
	ns       models.Namespace
	strategy Strategy
	logger   logrus.FieldLogger
}

// NewAssignor builds an assignor for namespace ns.
func NewAssignor(st store.Store, identity *session.Identity, ns models.Namespace, strategy Strategy, logger logrus.FieldLogger) *Assignor {
	if strategy == "" {
		strategy = StrategyAtomic
	}
	return &Assignor{
		store:    st,
		identity: identity,
		ns:       ns,
		strategy: strategy,
		logger:   logger.WithField("component", "seat"),
	}
}

// ReadClaims returns a single snapshot of seat occupancy.
func ReadClaims(ctx context.Context, st store.Store, ns models.Namespace) (models.SeatClaims, error) {
	var claims models.SeatClaims
	snap, err := st.Read(ctx, ns.Players())
	if err != nil {
		return claims, fmt.Errorf("read seat claims: %w", err)
	}
	if err := snap.Decode(&claims); err != nil && !errors.Is(err, store.ErrAbsent) {
		return claims, fmt.Errorf("decode seat claims: %w", err)
	}
	return claims, nil
}

// Assign returns the local seat, claiming one if the session has none.
// It returns ErrMatchFull when both seats are taken.
func (a *Assignor) Assign(ctx context.Context) (game.Seat, error) {
	remembered, ok, err := a.identity.Seat()
	if err != nil {
		return 0, fmt.Errorf("load session identity: %w", err)
	}
	if ok {
		return a.rejoin(ctx, remembered)
	}

	switch a.strategy {
	case StrategyReadThenWrite:
		return a.readThenWrite(ctx)
	default:
		return a.claimAtomically(ctx)
	}
}

// rejoin re-marks a remembered seat for this connection. The seat is trusted
// as remembered: the flag may still be set by a previous connection the
// server has not noticed is gone yet. Disconnect hooks do not survive
// reconnects, so the hook is registered again as well.
//
// When that previous connection finally closes, its hook clears the flag;
// the session sees its own flag vanish and claims again.
func (a *Assignor) rejoin(ctx context.Context, seat game.Seat) (game.Seat, error) {
	field := models.SeatField(seat)
	if err := a.store.Update(ctx, a.ns.Players(), map[string]any{field: true}); err != nil {
		return 0, fmt.Errorf("reclaim %v: %w", seat, err)
	}
	if err := a.store.OnDisconnect(a.ns.SeatFlag(field)).Remove(ctx); err != nil {
		return 0, fmt.Errorf("register disconnect hook for %v: %w", seat, err)
	}
	a.logger.WithField("seat", int(seat)).Info("rejoined remembered seat")
	return seat, nil
}

func (a *Assignor) claimAtomically(ctx context.Context) (game.Seat, error) {
	for _, seat := range game.Seats {
		claimed, err := a.store.ClaimField(ctx, a.ns.Players(), models.SeatField(seat))
		if err != nil {
			return 0, fmt.Errorf("claim %v: %w", seat, err)
		}
		if claimed {
			return a.finish(ctx, seat)
		}
	}
	a.logger.Info("both seats taken")
	return 0, ErrMatchFull
}

func (a *Assignor) readThenWrite(ctx context.Context) (game.Seat, error) {
	claims, err := ReadClaims(ctx, a.store, a.ns)
	if err != nil {
		return 0, err
	}
	seat, ok := claims.FirstFree()
	if !ok {
		a.logger.Info("both seats taken")
		return 0, ErrMatchFull
	}
	// not atomic with the read above: a concurrent reader may take the same seat
	if err := a.store.Update(ctx, a.ns.Players(), map[string]any{models.SeatField(seat): true}); err != nil {
		return 0, fmt.Errorf("claim %v: %w", seat, err)
	}
	return a.finish(ctx, seat)
}

func (a *Assignor) finish(ctx context.Context, seat game.Seat) (game.Seat, error) {
	if err := a.identity.Remember(seat); err != nil {
		return 0, fmt.Errorf("remember %v: %w", seat, err)
	}
	if err := a.store.OnDisconnect(a.ns.SeatFlag(models.SeatField(seat))).Remove(ctx); err != nil {
		return 0, fmt.Errorf("register disconnect hook for %v: %w", seat, err)
	}
	a.logger.WithFields(logrus.Fields{
		"seat":     int(seat),
		"strategy": a.strategy,
	}).Info("seat assigned")
	return seat, nil
}
