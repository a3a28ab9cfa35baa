package seat

import (
	"context"
	"testing"
	"time"

	"github.com/jason-s-yu/pig/internal/game"
	"github.com/jason-s-yu/pig/internal/models"
	"github.com/jason-s-yu/pig/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name   string
		claims models.SeatClaims
		full   bool
		want   Presence
	}{
		{
			name:   "empty",
			claims: models.SeatClaims{},
			want:   Presence{Message: "Waiting for Player 1..."},
		},
		{
			name:   "seat 0 only",
			claims: models.SeatClaims{Player0: true},
			want:   Presence{Seat0: true, Message: "Waiting for Player 2..."},
		},
		{
			name:   "seat 1 only",
			claims: models.SeatClaims{Player1: true},
			want:   Presence{Seat1: true, Message: "Waiting for Player 1..."},
		},
		{
			name:   "both",
			claims: models.SeatClaims{Player0: true, Player1: true},
			want:   Presence{Seat0: true, Seat1: true, BothPresent: true},
		},
		{
			name:   "turned away",
			claims: models.SeatClaims{Player0: true, Player1: true},
			full:   true,
			want:   Presence{Seat0: true, Seat1: true, BothPresent: true, Full: true, Message: MatchFullMessage},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.claims, tt.full))
		})
	}
}

func TestWaitingMessage(t *testing.T) {
	assert.Equal(t, "Waiting for Player 1...", WaitingMessage(game.Seat0))
	assert.Equal(t, "Waiting for Player 2...", WaitingMessage(game.Seat1))
}

func TestTrackerFollowsClaimsWithoutWriting(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryBackend()
	observer := &countingStore{Store: store.NewConn(backend, quietLogger())}
	writer := store.NewConn(backend, quietLogger())

	seen := make(chan Presence, 16)
	sub, err := NewTracker(observer, ns, quietLogger()).Watch(ctx, false, func(p Presence) { seen <- p })
	require.NoError(t, err)
	defer sub.Cancel()

	next := func() Presence {
		select {
		case p := <-seen:
			return p
		case <-time.After(time.Second):
			t.Fatal("no presence update")
		}
		return Presence{}
	}

	assert.Equal(t, "Waiting for Player 1...", next().Message)

	require.NoError(t, writer.Update(ctx, ns.Players(), map[string]any{"player0": true}))
	assert.Equal(t, "Waiting for Player 2...", next().Message)

	require.NoError(t, writer.Update(ctx, ns.Players(), map[string]any{"player1": true}))
	p := next()
	assert.True(t, p.BothPresent)
	assert.Empty(t, p.Message)

	require.NoError(t, writer.Write(ctx, ns.Root(), nil))
	assert.False(t, next().BothPresent)

	assert.Zero(t, observer.writes.Load())
}
