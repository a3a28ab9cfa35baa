package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// disconnectTimeout bounds each cleanup action run when a connection drops.
const disconnectTimeout = 5 * time.Second

// Conn is one participant's connection to a Backend. It implements Store and
// owns the participant's subscriptions and disconnect actions: Close cancels
// the former and runs the latter exactly once.
type Conn struct {
	ID uuid.UUID

	backend Backend
	logger  logrus.FieldLogger

	mu      sync.Mutex
	closed  bool
	nextSub uint64
	subs    map[uint64]func()
	removes map[string]struct{}
	once    sync.Once
}

var _ Store = (*Conn)(nil)

// NewConn opens a connection to b with a fresh random id.
func NewConn(b Backend, logger logrus.FieldLogger) *Conn {
	id, _ := uuid.NewRandom()
	return &Conn{
		ID:      id,
		backend: b,
		logger:  logger.WithField("conn", id.String()),
		subs:    make(map[uint64]func()),
		removes: make(map[string]struct{}),
	}
}

func (c *Conn) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

func (c *Conn) Read(ctx context.Context, path string) (Snapshot, error) {
	if err := c.checkOpen(); err != nil {
		return Snapshot{}, err
	}
	v, err := c.backend.Get(ctx, path)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Path: path, Value: v}, nil
}

func (c *Conn) Subscribe(ctx context.Context, path string, fn func(Snapshot)) (Subscription, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	cancel, err := c.backend.Subscribe(ctx, path, func(v json.RawMessage) {
		fn(Snapshot{Path: path, Value: v})
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		cancel()
		return nil, ErrClosed
	}
	c.nextSub++
	id := c.nextSub
	c.subs[id] = cancel
	return &connSubscription{conn: c, id: id}, nil
}

func (c *Conn) Write(ctx context.Context, path string, value any) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}
	if raw == nil {
		return c.backend.Remove(ctx, path)
	}
	return c.backend.Set(ctx, path, raw)
}

func (c *Conn) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	raw, err := encodeFields(fields)
	if err != nil {
		return err
	}
	return c.backend.Merge(ctx, path, raw)
}

func (c *Conn) ClaimField(ctx context.Context, path, field string) (bool, error) {
	if err := c.checkOpen(); err != nil {
		return false, err
	}
	if field == "" {
		return false, fmt.Errorf("%w: empty field", ErrInvalidPath)
	}
	return c.backend.Claim(ctx, path, field)
}

func (c *Conn) OnDisconnect(path string) DisconnectOp {
	return &connDisconnect{conn: c, path: path}
}

// DisconnectPaths lists the paths currently scheduled for removal on disconnect.
func (c *Conn) DisconnectPaths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	paths := make([]string, 0, len(c.removes))
	for p := range c.removes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Close marks the connection lost: subscriptions stop and the registered
// disconnect actions run. Later calls do nothing.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		subs := c.subs
		c.subs = nil
		removes := c.removes
		c.removes = nil
		c.mu.Unlock()

		for _, cancel := range subs {
			cancel()
		}

		paths := make([]string, 0, len(removes))
		for p := range removes {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
			if rerr := c.backend.Remove(ctx, p); rerr != nil {
				c.logger.WithError(rerr).WithField("path", p).Error("disconnect cleanup failed")
				err = rerr
			} else {
				c.logger.WithField("path", p).Debug("disconnect cleanup done")
			}
			cancel()
		}
	})
	return err
}

type connSubscription struct {
	conn *Conn
	id   uint64
}

func (s *connSubscription) Cancel() {
	s.conn.mu.Lock()
	cancel, ok := s.conn.subs[s.id]
	delete(s.conn.subs, s.id)
	s.conn.mu.Unlock()
	if ok {
		cancel()
	}
}

type connDisconnect struct {
	conn *Conn
	path string
}

func (d *connDisconnect) Remove(ctx context.Context) error {
	p, err := cleanPath(d.path)
	if err != nil {
		return err
	}
	d.conn.mu.Lock()
	defer d.conn.mu.Unlock()
	if d.conn.closed {
		return ErrClosed
	}
	d.conn.removes[p] = struct{}{}
	return nil
}

func (d *connDisconnect) Cancel(ctx context.Context) error {
	p, err := cleanPath(d.path)
	if err != nil {
		return err
	}
	d.conn.mu.Lock()
	defer d.conn.mu.Unlock()
	delete(d.conn.removes, p)
	return nil
}
