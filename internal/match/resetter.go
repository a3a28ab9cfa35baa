package match

import (
	"context"
	"fmt"

	"github.com/jason-s-yu/pig/internal/models"
	"github.com/jason-s-yu/pig/internal/session"
	"github.com/jason-s-yu/pig/internal/store"
	"github.com/sirupsen/logrus"
)

// Resetter wipes a match for everyone. There is no confirmation and no rollback.
type Resetter struct {
	store    store.Store
	identity *session.Identity
	ns       models.Namespace
	logger   logrus.FieldLogger
}

func NewResetter(st store.Store, identity *session.Identity, ns models.Namespace, logger logrus.FieldLogger) *Resetter {
	return &Resetter{store: st, identity: identity, ns: ns, logger: logger.WithField("component", "reset")}
}

// ResetAll removes the seat claims and the game state in one store operation
// and clears the local session. Every other participant observes the state
// vanish and starts over.
func (r *Resetter) ResetAll(ctx context.Context) error {
	if err := r.store.Write(ctx, r.ns.Root(), nil); err != nil {
		return fmt.Errorf("remove namespace %s: %w", r.ns, err)
	}
	if err := r.identity.Forget(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	r.logger.WithField("namespace", r.ns).Warn("match reset")
	return nil
}
