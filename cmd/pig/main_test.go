package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/jason-s-yu/pig/internal/config"
	"github.com/jason-s-yu/pig/internal/game"
	"github.com/jason-s-yu/pig/internal/match"
	"github.com/jason-s-yu/pig/internal/models"
	"github.com/jason-s-yu/pig/internal/seat"
	"github.com/jason-s-yu/pig/internal/session"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlayer struct {
	calls []string
	err   error
}

func (f *fakePlayer) Roll(context.Context) error {
	f.calls = append(f.calls, "roll")
	return f.err
}

func (f *fakePlayer) Hold(context.Context) error {
	f.calls = append(f.calls, "hold")
	return f.err
}

func (f *fakePlayer) NewGame(context.Context) error {
	f.calls = append(f.calls, "new")
	return f.err
}

func (f *fakePlayer) ResetAll(context.Context) error {
	f.calls = append(f.calls, "reset")
	return f.err
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	logger := logrus.New()
	var out bytes.Buffer
	p := &fakePlayer{}

	for _, line := range []string{"roll", " R ", "hold", "h", "new", "reset", ""} {
		require.NoError(t, dispatch(ctx, p, line, &out, logger))
	}
	assert.Equal(t, []string{"roll", "roll", "hold", "hold", "new", "reset"}, p.calls)

	assert.ErrorIs(t, dispatch(ctx, p, "quit", &out, logger), errQuit)

	require.NoError(t, dispatch(ctx, p, "dance", &out, logger))
	assert.Contains(t, out.String(), `unknown command "dance"`)
}

func TestDispatchSwallowsTurnGateRejections(t *testing.T) {
	var out bytes.Buffer
	p := &fakePlayer{err: match.ErrStaleAction}
	require.NoError(t, dispatch(context.Background(), p, "roll", &out, logrus.New()))
	assert.Empty(t, out.String())

	p.err = match.ErrNotSeated
	require.NoError(t, dispatch(context.Background(), p, "hold", &out, logrus.New()))
	assert.Contains(t, out.String(), "no seat")

	p.err = assert.AnError
	assert.ErrorIs(t, dispatch(context.Background(), p, "new", &out, logrus.New()), assert.AnError)
}

func TestFormatView(t *testing.T) {
	four := 4
	s := game.GameState{Scores: [2]int{12, 30}, CurrentScore: 4, ActivePlayer: game.Seat0, Playing: true, Dice: &four}
	both := seat.Presence{Seat0: true, Seat1: true, BothPresent: true}
	text := formatView(match.BuildView(&s, game.Seat0, true, both))

	assert.Contains(t, text, "> P1 (YOU)")
	assert.Contains(t, text, "Player 2")
	assert.Contains(t, text, "Rolled a 4.")
	assert.Contains(t, text, "Your turn")

	won := game.GameState{Scores: [2]int{12, 104}, ActivePlayer: game.Seat1}
	text = formatView(match.BuildView(&won, game.Seat0, true, both))
	assert.Contains(t, text, "Player 2 wins!")
	assert.NotContains(t, text, "Your turn")

	text = formatView(match.BuildView(nil, game.Seat1, true, seat.Evaluate(seatClaims(true, true), false)))
	assert.Contains(t, text, "P2 (YOU)")
	assert.Contains(t, text, "Waiting for the game to start")
}

func seatClaims(p0, p1 bool) models.SeatClaims {
	return models.SeatClaims{Player0: p0, Player1: p1}
}

func TestOpenStorageOnlyPersistsNamedSessions(t *testing.T) {
	cfg := config.Client{SessionDB: filepath.Join(t.TempDir(), "session.db")}

	unnamed, closeUnnamed, err := openStorage(cfg)
	require.NoError(t, err)
	defer closeUnnamed()
	assert.IsType(t, &session.MemoryStorage{}, unnamed)

	cfg.Session = "tab-1"
	named, closeNamed, err := openStorage(cfg)
	require.NoError(t, err)
	defer closeNamed()
	assert.IsType(t, &session.SQLiteStorage{}, named)
}
