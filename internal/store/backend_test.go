package store

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/pig/internal/cache"
	"github.com/jason-s-yu/pig/internal/database"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const waitFor = 2 * time.Second

// recorder collects snapshots delivered to a subscription.
type recorder struct {
	mu   sync.Mutex
	seen []Snapshot
}

func (r *recorder) record(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, s)
}

func (r *recorder) last() (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.seen) == 0 {
		return Snapshot{}, false
	}
	return r.seen[len(r.seen)-1], true
}

func (r *recorder) values() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.seen))
	for i, s := range r.seen {
		out[i] = string(s.Value)
	}
	return out
}

// BackendSuite runs the same behavioural checks against every backend.
type BackendSuite struct {
	suite.Suite
	newBackend func(t *testing.T) Backend
	backend    Backend
	ns         string
	ctx        context.Context
}

func (s *BackendSuite) SetupTest() {
	s.backend = s.newBackend(s.T())
	s.ns = "test-" + uuid.NewString()
	s.ctx = context.Background()
}

func (s *BackendSuite) TearDownTest() {
	s.backend.Remove(s.ctx, s.ns)
	s.backend.Close()
}

func (s *BackendSuite) path(p string) string { return s.ns + "/" + p }

func (s *BackendSuite) conn() *Conn {
	return NewConn(s.backend, logrus.New())
}

func (s *BackendSuite) eventually(r *recorder, want string) {
	s.Require().Eventually(func() bool {
		last, ok := r.last()
		return ok && string(last.Value) == want
	}, waitFor, 5*time.Millisecond, "last delivery should be %q, got %v", want, r.values())
}

func (s *BackendSuite) eventuallyAbsent(r *recorder) {
	s.Require().Eventually(func() bool {
		last, ok := r.last()
		return ok && !last.Exists()
	}, waitFor, 5*time.Millisecond, "last delivery should be absent, got %v", r.values())
}

func (s *BackendSuite) TestReadAbsent() {
	snap, err := s.conn().Read(s.ctx, s.path("state"))
	s.Require().NoError(err)
	s.False(snap.Exists())
	s.ErrorIs(snap.Decode(&struct{}{}), ErrAbsent)
}

func (s *BackendSuite) TestWriteReadRoundTrip() {
	c := s.conn()
	doc := map[string]any{"scores": []int{3, 4}, "playing": true}
	s.Require().NoError(c.Write(s.ctx, s.path("state"), doc))

	snap, err := c.Read(s.ctx, s.path("state"))
	s.Require().NoError(err)
	s.Require().True(snap.Exists())
	s.JSONEq(`{"scores":[3,4],"playing":true}`, string(snap.Value))
}

func (s *BackendSuite) TestSubscribeDeliversCurrentThenChanges() {
	c := s.conn()
	s.Require().NoError(c.Write(s.ctx, s.path("state"), json.RawMessage(`{"n":1}`)))

	r := &recorder{}
	sub, err := c.Subscribe(s.ctx, s.path("state"), r.record)
	s.Require().NoError(err)
	defer sub.Cancel()
	s.eventually(r, `{"n":1}`)

	for _, v := range []string{`{"n":2}`, `{"n":3}`, `{"n":4}`} {
		s.Require().NoError(c.Write(s.ctx, s.path("state"), json.RawMessage(v)))
	}
	s.eventually(r, `{"n":4}`)

	// commit order is preserved; repeats are allowed
	last := 0
	for _, v := range r.values() {
		var doc struct{ N int }
		s.Require().NoError(json.Unmarshal([]byte(v), &doc))
		s.GreaterOrEqual(doc.N, last)
		last = doc.N
	}
}

func (s *BackendSuite) TestSubscribeToAbsentDocument() {
	r := &recorder{}
	sub, err := s.conn().Subscribe(s.ctx, s.path("state"), r.record)
	s.Require().NoError(err)
	defer sub.Cancel()
	s.eventuallyAbsent(r)
}

func (s *BackendSuite) TestCancelledSubscriptionStopsDelivery() {
	c := s.conn()
	r := &recorder{}
	sub, err := c.Subscribe(s.ctx, s.path("state"), r.record)
	s.Require().NoError(err)
	s.eventuallyAbsent(r)
	sub.Cancel()

	s.Require().NoError(c.Write(s.ctx, s.path("state"), json.RawMessage(`{"n":1}`)))
	time.Sleep(50 * time.Millisecond)
	for _, v := range r.values() {
		s.NotEqual(`{"n":1}`, v)
	}
}

func (s *BackendSuite) TestUpdateMergesFields() {
	c := s.conn()
	p := s.path("players")
	s.Require().NoError(c.Update(s.ctx, p, map[string]any{"player0": true}))
	s.Require().NoError(c.Update(s.ctx, p, map[string]any{"player1": true}))

	snap, err := c.Read(s.ctx, p)
	s.Require().NoError(err)
	s.JSONEq(`{"player0":true,"player1":true}`, string(snap.Value))

	s.Require().NoError(c.Update(s.ctx, p, map[string]any{"player0": nil}))
	snap, err = c.Read(s.ctx, p)
	s.Require().NoError(err)
	s.JSONEq(`{"player1":true}`, string(snap.Value))
}

func (s *BackendSuite) TestClaimFieldIsExclusive() {
	p := s.path("players")
	const contenders = 8

	var wg sync.WaitGroup
	results := make(chan bool, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.conn().ClaimField(s.ctx, p, "player0")
			s.NoError(err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	won := 0
	for ok := range results {
		if ok {
			won++
		}
	}
	s.Equal(1, won)
}

func (s *BackendSuite) TestRemoveNamespaceRemovesEveryDocument() {
	c := s.conn()
	s.Require().NoError(c.Write(s.ctx, s.path("state"), json.RawMessage(`{"n":1}`)))
	s.Require().NoError(c.Update(s.ctx, s.path("players"), map[string]any{"player0": true}))

	state, players := &recorder{}, &recorder{}
	sub1, err := c.Subscribe(s.ctx, s.path("state"), state.record)
	s.Require().NoError(err)
	defer sub1.Cancel()
	sub2, err := c.Subscribe(s.ctx, s.path("players"), players.record)
	s.Require().NoError(err)
	defer sub2.Cancel()
	s.eventually(state, `{"n":1}`)

	s.Require().NoError(c.Write(s.ctx, s.ns, nil))
	s.eventuallyAbsent(state)
	s.eventuallyAbsent(players)

	snap, err := c.Read(s.ctx, s.path("players"))
	s.Require().NoError(err)
	s.False(snap.Exists())
}

func (s *BackendSuite) TestRemoveMatchesPathLiterally() {
	c := s.conn()
	s.Require().NoError(c.Write(s.ctx, s.path("x*/state"), json.RawMessage(`{"n":1}`)))
	s.Require().NoError(c.Write(s.ctx, s.path("x*/deep/state"), json.RawMessage(`{"n":2}`)))
	s.Require().NoError(c.Write(s.ctx, s.path("xy/state"), json.RawMessage(`{"n":3}`)))

	s.Require().NoError(c.Write(s.ctx, s.path("x*"), nil))

	for _, p := range []string{"x*/state", "x*/deep/state"} {
		snap, err := c.Read(s.ctx, s.path(p))
		s.Require().NoError(err)
		s.False(snap.Exists(), p)
	}
	snap, err := c.Read(s.ctx, s.path("xy/state"))
	s.Require().NoError(err)
	s.JSONEq(`{"n":3}`, string(snap.Value))
}

func (s *BackendSuite) TestRemoveFieldPath() {
	c := s.conn()
	p := s.path("players")
	s.Require().NoError(c.Update(s.ctx, p, map[string]any{"player0": true, "player1": true}))
	s.Require().NoError(c.Write(s.ctx, p+"/player0", nil))

	snap, err := c.Read(s.ctx, p)
	s.Require().NoError(err)
	s.JSONEq(`{"player1":true}`, string(snap.Value))

	// the last field going away removes the document
	s.Require().NoError(c.Write(s.ctx, p+"/player1", nil))
	snap, err = c.Read(s.ctx, p)
	s.Require().NoError(err)
	s.False(snap.Exists())

	// removing what is not there is a no-op
	s.Require().NoError(c.Write(s.ctx, p+"/player1", nil))
}

func (s *BackendSuite) TestDisconnectRunsRemovalOnce() {
	owner, observer := s.conn(), s.conn()
	p := s.path("players")
	s.Require().NoError(owner.Update(s.ctx, p, map[string]any{"player0": true}))
	s.Require().NoError(owner.OnDisconnect(p + "/player0").Remove(s.ctx))
	s.Equal([]string{p + "/player0"}, owner.DisconnectPaths())

	r := &recorder{}
	sub, err := observer.Subscribe(s.ctx, p, r.record)
	s.Require().NoError(err)
	defer sub.Cancel()
	s.eventually(r, `{"player0":true}`)

	s.Require().NoError(owner.Close())
	s.eventuallyAbsent(r)

	// a second seat claimed afterwards must survive a repeated close
	s.Require().NoError(observer.Update(s.ctx, p, map[string]any{"player0": true}))
	s.Require().NoError(owner.Close())
	snap, err := observer.Read(s.ctx, p)
	s.Require().NoError(err)
	s.JSONEq(`{"player0":true}`, string(snap.Value))

	_, err = owner.Read(s.ctx, p)
	s.ErrorIs(err, ErrClosed)
}

func (s *BackendSuite) TestCancelledDisconnectDoesNotRun() {
	owner := s.conn()
	p := s.path("players")
	s.Require().NoError(owner.Update(s.ctx, p, map[string]any{"player1": true}))
	op := owner.OnDisconnect(p + "/player1")
	s.Require().NoError(op.Remove(s.ctx))
	s.Require().NoError(op.Cancel(s.ctx))
	s.Require().NoError(owner.Close())

	snap, err := s.conn().Read(s.ctx, p)
	s.Require().NoError(err)
	s.JSONEq(`{"player1":true}`, string(snap.Value))
}

func (s *BackendSuite) TestInvalidPath() {
	_, err := s.conn().Read(s.ctx, "a//b")
	s.ErrorIs(err, ErrInvalidPath)
	s.ErrorIs(s.conn().Write(s.ctx, "/", 1), ErrInvalidPath)
}

func TestMemoryBackend(t *testing.T) {
	suite.Run(t, &BackendSuite{newBackend: func(t *testing.T) Backend {
		return NewMemoryBackend()
	}})
}

// TestRedisBackend needs a reachable Redis, e.g. REDIS_ADDR=localhost:6379.
func TestRedisBackend(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	suite.Run(t, &BackendSuite{newBackend: func(t *testing.T) Backend {
		ctx := context.Background()
		rdb, err := cache.ConnectRedis(ctx, cache.Options{Addr: addr})
		require.NoError(t, err)
		t.Cleanup(func() { rdb.Close() })
		b, err := NewRedisBackend(ctx, rdb, "pigtest:", logrus.New())
		require.NoError(t, err)
		return b
	}})
}

// TestPostgresBackend needs a reachable Postgres in DATABASE_URL.
func TestPostgresBackend(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	suite.Run(t, &BackendSuite{newBackend: func(t *testing.T) Backend {
		ctx := context.Background()
		pool, err := database.Connect(ctx, url)
		require.NoError(t, err)
		t.Cleanup(pool.Close)
		b, err := NewPostgresBackend(ctx, pool, logrus.New())
		require.NoError(t, err)
		return b
	}})
}
