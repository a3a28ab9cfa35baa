package seat

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jason-s-yu/pig/internal/game"
	"github.com/jason-s-yu/pig/internal/models"
	"github.com/jason-s-yu/pig/internal/session"
	"github.com/jason-s-yu/pig/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ns = models.Namespace("pigtest")

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}

// countingStore records mutating calls made through it.
type countingStore struct {
	store.Store
	writes atomic.Int32
}

func (c *countingStore) Write(ctx context.Context, path string, value any) error {
	c.writes.Add(1)
	return c.Store.Write(ctx, path, value)
}

func (c *countingStore) Update(ctx context.Context, path string, fields map[string]any) error {
	c.writes.Add(1)
	return c.Store.Update(ctx, path, fields)
}

// barrierStore holds every Read until n readers have arrived, so all of them
// observe the same snapshot before anyone writes.
type barrierStore struct {
	store.Store
	arrived *sync.WaitGroup
}

func (b *barrierStore) Read(ctx context.Context, path string) (store.Snapshot, error) {
	snap, err := b.Store.Read(ctx, path)
	b.arrived.Done()
	b.arrived.Wait()
	return snap, err
}

type participant struct {
	conn     *store.Conn
	identity *session.Identity
}

func join(backend store.Backend) participant {
	return participant{
		conn:     store.NewConn(backend, quietLogger()),
		identity: session.NewIdentity(session.NewMemoryStorage()),
	}
}

func (p participant) assignor(st store.Store, strategy Strategy) *Assignor {
	if st == nil {
		st = p.conn
	}
	return NewAssignor(st, p.identity, ns, strategy, quietLogger())
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyAtomic, s)

	s, err = ParseStrategy("read_then_write")
	require.NoError(t, err)
	assert.Equal(t, StrategyReadThenWrite, s)

	_, err = ParseStrategy("optimistic")
	assert.Error(t, err)
}

func TestAssignFillsSeatsInOrder(t *testing.T) {
	for _, strategy := range []Strategy{StrategyAtomic, StrategyReadThenWrite} {
		t.Run(string(strategy), func(t *testing.T) {
			ctx := context.Background()
			backend := store.NewMemoryBackend()
			a, b := join(backend), join(backend)

			s, err := a.assignor(nil, strategy).Assign(ctx)
			require.NoError(t, err)
			assert.Equal(t, game.Seat0, s)

			s, err = b.assignor(nil, strategy).Assign(ctx)
			require.NoError(t, err)
			assert.Equal(t, game.Seat1, s)

			remembered, ok, err := b.identity.Seat()
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, game.Seat1, remembered)

			claims, err := ReadClaims(ctx, a.conn, ns)
			require.NoError(t, err)
			assert.True(t, claims.Full())

			assert.Equal(t, []string{ns.SeatFlag("player0")}, a.conn.DisconnectPaths())
			assert.Equal(t, []string{ns.SeatFlag("player1")}, b.conn.DisconnectPaths())
		})
	}
}

func TestThirdParticipantIsTurnedAwayWithoutWriting(t *testing.T) {
	for _, strategy := range []Strategy{StrategyAtomic, StrategyReadThenWrite} {
		t.Run(string(strategy), func(t *testing.T) {
			ctx := context.Background()
			backend := store.NewMemoryBackend()
			a, b, c := join(backend), join(backend), join(backend)
			_, err := a.assignor(nil, strategy).Assign(ctx)
			require.NoError(t, err)
			_, err = b.assignor(nil, strategy).Assign(ctx)
			require.NoError(t, err)

			before, err := c.conn.Read(ctx, ns.Players())
			require.NoError(t, err)

			counted := &countingStore{Store: c.conn}
			_, err = c.assignor(counted, strategy).Assign(ctx)
			require.ErrorIs(t, err, ErrMatchFull)

			assert.Zero(t, counted.writes.Load())
			assert.Empty(t, c.conn.DisconnectPaths())
			_, ok, err := c.identity.Seat()
			require.NoError(t, err)
			assert.False(t, ok)

			after, err := c.conn.Read(ctx, ns.Players())
			require.NoError(t, err)
			assert.JSONEq(t, string(before.Value), string(after.Value))
		})
	}
}

// Two participants reading the same empty snapshot both take seat 0 under
// the read-then-write strategy. This is the known failure mode.
func TestReadThenWriteRaceDoubleAssignsSeatZero(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryBackend()
	arrived := &sync.WaitGroup{}
	arrived.Add(2)

	seats := make([]game.Seat, 2)
	var wg sync.WaitGroup
	for i := range seats {
		i := i
		p := join(backend)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := p.assignor(&barrierStore{Store: p.conn, arrived: arrived}, StrategyReadThenWrite).Assign(ctx)
			assert.NoError(t, err)
			seats[i] = s
		}()
	}
	wg.Wait()

	assert.Equal(t, []game.Seat{game.Seat0, game.Seat0}, seats)
}

func TestAtomicClaimNeverDoubleAssigns(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryBackend()

	const contenders = 6
	results := make(chan error, contenders)
	seats := make(chan game.Seat, contenders)
	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		p := join(backend)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := p.assignor(nil, StrategyAtomic).Assign(ctx)
			results <- err
			if err == nil {
				seats <- s
			}
		}()
	}
	wg.Wait()
	close(results)
	close(seats)

	full := 0
	for err := range results {
		if err != nil {
			require.ErrorIs(t, err, ErrMatchFull)
			full++
		}
	}
	assert.Equal(t, contenders-2, full)

	got := map[game.Seat]int{}
	for s := range seats {
		got[s]++
	}
	assert.Equal(t, map[game.Seat]int{game.Seat0: 1, game.Seat1: 1}, got)
}

func TestRejoinKeepsRememberedSeat(t *testing.T) {
	for _, strategy := range []Strategy{StrategyAtomic, StrategyReadThenWrite} {
		t.Run(string(strategy), func(t *testing.T) {
			ctx := context.Background()
			backend := store.NewMemoryBackend()
			a, b := join(backend), join(backend)
			_, err := a.assignor(nil, strategy).Assign(ctx)
			require.NoError(t, err)
			_, err = b.assignor(nil, strategy).Assign(ctx)
			require.NoError(t, err)

			// b drops and comes back on a new connection with the same session
			require.NoError(t, b.conn.Close())
			claims, err := ReadClaims(ctx, a.conn, ns)
			require.NoError(t, err)
			assert.False(t, claims.Player1)

			back := participant{conn: store.NewConn(backend, quietLogger()), identity: b.identity}
			s, err := back.assignor(nil, strategy).Assign(ctx)
			require.NoError(t, err)
			assert.Equal(t, game.Seat1, s)
			assert.Equal(t, []string{ns.SeatFlag("player1")}, back.conn.DisconnectPaths())

			claims, err = ReadClaims(ctx, a.conn, ns)
			require.NoError(t, err)
			assert.True(t, claims.Full())
		})
	}
}

// A client reconnecting before the server notices its old socket is gone
// must get its seat back, not be turned away by its own stale flag.
func TestRejoinWhileOldConnectionIsAlive(t *testing.T) {
	for _, strategy := range []Strategy{StrategyAtomic, StrategyReadThenWrite} {
		t.Run(string(strategy), func(t *testing.T) {
			ctx := context.Background()
			backend := store.NewMemoryBackend()
			a, b := join(backend), join(backend)
			_, err := a.assignor(nil, strategy).Assign(ctx)
			require.NoError(t, err)
			_, err = b.assignor(nil, strategy).Assign(ctx)
			require.NoError(t, err)

			back := participant{conn: store.NewConn(backend, quietLogger()), identity: a.identity}
			s, err := back.assignor(nil, strategy).Assign(ctx)
			require.NoError(t, err)
			assert.Equal(t, game.Seat0, s)
			assert.Equal(t, []string{ns.SeatFlag("player0")}, back.conn.DisconnectPaths())

			remembered, ok, err := a.identity.Seat()
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, game.Seat0, remembered)

			// the old socket's hook frees the flag; seat 0 is claimable again
			require.NoError(t, a.conn.Close())
			claims, err := ReadClaims(ctx, b.conn, ns)
			require.NoError(t, err)
			assert.False(t, claims.Player0)
			assert.True(t, claims.Player1)

			require.NoError(t, back.identity.Forget())
			s, err = back.assignor(nil, strategy).Assign(ctx)
			require.NoError(t, err)
			assert.Equal(t, game.Seat0, s)
		})
	}
}

func TestDisconnectReleasesSeat(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryBackend()
	a, b := join(backend), join(backend)
	_, err := a.assignor(nil, StrategyAtomic).Assign(ctx)
	require.NoError(t, err)
	_, err = b.assignor(nil, StrategyAtomic).Assign(ctx)
	require.NoError(t, err)

	var mu sync.Mutex
	var last Presence
	sub, err := NewTracker(b.conn, ns, quietLogger()).Watch(ctx, false, func(p Presence) {
		mu.Lock()
		last = p
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Cancel()

	current := func() Presence {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
	require.Eventually(t, func() bool { return current().BothPresent }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.conn.Close())
	require.Eventually(t, func() bool {
		p := current()
		return !p.BothPresent && p.Message == "Waiting for Player 1..."
	}, time.Second, 5*time.Millisecond)

	// the seat is free again for a newcomer
	s, err := join(backend).assignor(nil, StrategyAtomic).Assign(ctx)
	require.NoError(t, err)
	assert.Equal(t, game.Seat0, s)
}

// Clients sharing one session file under different names keep separate seats.
func TestSessionsSharingAFileKeepTheirOwnSeats(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryBackend()
	path := filepath.Join(t.TempDir(), "session.db")

	var players []participant
	for _, name := range []string{"tab-1", "tab-2"} {
		storage, err := session.OpenSQLite(path, name)
		require.NoError(t, err)
		t.Cleanup(func() { storage.Close() })
		players = append(players, participant{
			conn:     store.NewConn(backend, quietLogger()),
			identity: session.NewIdentity(storage),
		})
	}

	for i, p := range players {
		s, err := p.assignor(nil, StrategyReadThenWrite).Assign(ctx)
		require.NoError(t, err)
		assert.Equal(t, game.Seats[i], s)
	}
	for i, p := range players {
		remembered, ok, err := p.identity.Seat()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, game.Seats[i], remembered)
	}

	reopened, err := session.OpenSQLite(path, "tab-2")
	require.NoError(t, err)
	defer reopened.Close()
	remembered, ok, err := session.NewIdentity(reopened).Seat()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, game.Seat1, remembered)
}
