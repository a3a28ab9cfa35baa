// Package remote is the participant side of the store websocket: a
// store.Store whose operations run against a hosting server.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jason-s-yu/pig/internal/protocol"
	"github.com/jason-s-yu/pig/internal/store"
	"github.com/sirupsen/logrus"
)

// ErrDisconnected is returned once the websocket is gone.
var ErrDisconnected = errors.New("remote: disconnected from store server")

const (
	// readLimit caps a single frame; documents here are tiny.
	readLimit          = 1 << 20
	unsubscribeTimeout = 5 * time.Second
)

// Client speaks the store protocol over one websocket. Losing the socket
// loses every subscription and fires the disconnect hooks registered through
// it on the server; a new Client must register them again.
type Client struct {
	ws     *websocket.Conn
	logger logrus.FieldLogger

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan protocol.Message
	subs    map[uint64]*store.Mailbox
	err     error

	done chan struct{}
}

var _ store.Store = (*Client)(nil)

// Dial connects to a store server at url (ws:// or wss://).
func Dial(ctx context.Context, url string, logger logrus.FieldLogger) (*Client, error) {
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{protocol.Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if ws.Subprotocol() != protocol.Subprotocol {
		ws.Close(websocket.StatusPolicyViolation, "subprotocol not negotiated")
		return nil, fmt.Errorf("dial %s: server did not accept subprotocol %q", url, protocol.Subprotocol)
	}
	ws.SetReadLimit(readLimit)

	c := &Client{
		ws:      ws,
		logger:  logger.WithField("server", url),
		pending: make(map[uint64]chan protocol.Message),
		subs:    make(map[uint64]*store.Mailbox),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Done is closed when the connection is lost or closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended, once Done is closed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close shuts the websocket down. The server then runs this connection's
// disconnect hooks.
func (c *Client) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	err := c.ws.Close(websocket.StatusNormalClosure, "")
	<-c.done
	return err
}

func (c *Client) readLoop() {
	var err error
	for {
		var msg protocol.Message
		if err = wsjson.Read(context.Background(), c.ws, &msg); err != nil {
			break
		}
		switch msg.Type {
		case protocol.TypeReply:
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		case protocol.TypeEvent:
			c.mu.Lock()
			m, ok := c.subs[msg.ID]
			c.mu.Unlock()
			if ok {
				m.Push(msg.Value)
			}
		default:
			c.logger.WithField("type", msg.Type).Warn("ignoring unknown message")
		}
	}
	c.fail(err)
}

// fail tears down all local state once the socket is gone.
func (c *Client) fail(cause error) {
	c.mu.Lock()
	if websocket.CloseStatus(cause) == websocket.StatusNormalClosure {
		c.err = ErrDisconnected
	} else {
		c.err = fmt.Errorf("%w: %v", ErrDisconnected, cause)
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	subs := c.subs
	c.subs = make(map[uint64]*store.Mailbox)
	c.mu.Unlock()

	for _, m := range subs {
		m.Close()
	}
	c.logger.WithError(cause).Debug("store connection ended")
	close(c.done)
}

// register reserves a request id and its reply channel.
func (c *Client) register() (uint64, chan protocol.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, nil, c.err
	}
	c.nextID++
	ch := make(chan protocol.Message, 1)
	c.pending[c.nextID] = ch
	return c.nextID, ch, nil
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// roundTrip sends req under id and waits for the server's reply.
func (c *Client) roundTrip(ctx context.Context, id uint64, ch chan protocol.Message, req protocol.Request) (protocol.Message, error) {
	req.ID = id
	if err := wsjson.Write(ctx, c.ws, req); err != nil {
		c.forget(id)
		return protocol.Message{}, fmt.Errorf("send %s: %w", req.Op, err)
	}
	select {
	case msg, ok := <-ch:
		if !ok {
			return protocol.Message{}, c.Err()
		}
		return msg, msg.Err()
	case <-ctx.Done():
		c.forget(id)
		return protocol.Message{}, ctx.Err()
	}
}

func (c *Client) call(ctx context.Context, req protocol.Request) (protocol.Message, error) {
	id, ch, err := c.register()
	if err != nil {
		return protocol.Message{}, err
	}
	return c.roundTrip(ctx, id, ch, req)
}

func (c *Client) Read(ctx context.Context, path string) (store.Snapshot, error) {
	msg, err := c.call(ctx, protocol.Request{Op: protocol.OpRead, Path: path})
	if err != nil {
		return store.Snapshot{}, err
	}
	return store.Snapshot{Path: path, Value: msg.Value}, nil
}

func (c *Client) Subscribe(ctx context.Context, path string, fn func(store.Snapshot)) (store.Subscription, error) {
	id, ch, err := c.register()
	if err != nil {
		return nil, err
	}
	// the mailbox exists before the request leaves, so no event can beat it
	m := store.NewMailbox(func(v json.RawMessage) {
		fn(store.Snapshot{Path: path, Value: v})
	}, false)
	c.mu.Lock()
	c.subs[id] = m
	c.mu.Unlock()

	if _, err := c.roundTrip(ctx, id, ch, protocol.Request{Op: protocol.OpSubscribe, Path: path}); err != nil {
		c.dropSub(id)
		return nil, err
	}
	return &subscription{client: c, id: id}, nil
}

func (c *Client) dropSub(id uint64) bool {
	c.mu.Lock()
	m, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		m.Close()
	}
	return ok
}

func (c *Client) Write(ctx context.Context, path string, value any) error {
	var raw json.RawMessage
	if value != nil {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode document: %w", err)
		}
		raw = data
	}
	_, err := c.call(ctx, protocol.Request{Op: protocol.OpWrite, Path: path, Value: raw})
	return err
}

func (c *Client) Update(ctx context.Context, path string, fields map[string]any) error {
	raw := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode field %s: %w", k, err)
		}
		raw[k] = data
	}
	_, err := c.call(ctx, protocol.Request{Op: protocol.OpUpdate, Path: path, Fields: raw})
	return err
}

func (c *Client) ClaimField(ctx context.Context, path, field string) (bool, error) {
	msg, err := c.call(ctx, protocol.Request{Op: protocol.OpClaim, Path: path, Field: field})
	if err != nil {
		return false, err
	}
	return msg.Claimed, nil
}

func (c *Client) OnDisconnect(path string) store.DisconnectOp {
	return &disconnectOp{client: c, path: path}
}

type subscription struct {
	client *Client
	id     uint64
	once   sync.Once
}

// Cancel stops local delivery at once and tells the server in the background.
func (s *subscription) Cancel() {
	s.once.Do(func() {
		if !s.client.dropSub(s.id) {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
			defer cancel()
			if _, err := s.client.call(ctx, protocol.Request{Op: protocol.OpUnsubscribe, Sub: s.id}); err != nil {
				s.client.logger.WithError(err).Debug("unsubscribe failed")
			}
		}()
	})
}

type disconnectOp struct {
	client *Client
	path   string
}

func (d *disconnectOp) Remove(ctx context.Context) error {
	_, err := d.client.call(ctx, protocol.Request{Op: protocol.OpOnDisconnect, Path: d.path})
	return err
}

func (d *disconnectOp) Cancel(ctx context.Context) error {
	_, err := d.client.call(ctx, protocol.Request{Op: protocol.OpCancelDisconnect, Path: d.path})
	return err
}
