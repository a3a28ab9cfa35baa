package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jason-s-yu/pig/internal/middleware"
	"github.com/jason-s-yu/pig/internal/protocol"
	"github.com/jason-s-yu/pig/internal/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// outboxSize bounds frames queued for one client before senders block.
	outboxSize   = 64
	writeTimeout = 5 * time.Second
	// pingInterval is how often an idle client is probed; a missed pong
	// counts as a disconnect.
	pingInterval = 15 * time.Second
	// requestEvery and requestBurst throttle one client's requests; excess
	// requests wait rather than fail.
	requestEvery = 20 * time.Millisecond
	requestBurst = 20
)

// StoreWSHandler serves one participant's store connection over websocket.
// Every websocket gets its own store.Conn; when the socket goes away for any
// reason the Conn is closed and its disconnect hooks run.
func StoreWSHandler(logger *logrus.Logger, backend store.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{protocol.Subprotocol},
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			logger.WithError(err).Warn("websocket accept failed")
			return
		}
		defer c.Close(websocket.StatusInternalError, "server handler exited")

		if c.Subprotocol() != protocol.Subprotocol {
			c.Close(BadSubprotocolError, fmt.Sprintf("client must use the %q subprotocol", protocol.Subprotocol))
			return
		}

		conn := store.NewConn(backend, logger)
		middleware.LogWebSocketConnect(logger, r.RemoteAddr, r.URL.Path)

		ctx, cancel := context.WithCancel(r.Context())
		s := &storeSession{
			ws:      c,
			conn:    conn,
			logger:  logger.WithFields(logrus.Fields{"conn": conn.ID.String(), "remote": r.RemoteAddr}),
			out:     make(chan protocol.Message, outboxSize),
			limiter: rate.NewLimiter(rate.Every(requestEvery), requestBurst),
			subs:    make(map[uint64]store.Subscription),
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.writeLoop(ctx, cancel)
		}()
		go func() {
			defer wg.Done()
			s.pingLoop(ctx, cancel)
		}()

		err = s.readLoop(ctx)
		cancel()
		wg.Wait()

		// the participant is gone: release whatever it asked us to
		if cerr := conn.Close(); cerr != nil {
			s.logger.WithError(cerr).Error("disconnect cleanup failed")
		}
		middleware.LogWebSocketDisconnect(logger, r.RemoteAddr, r.URL.Path, err)
		c.Close(websocket.StatusNormalClosure, "")
	}
}

// storeSession is the server side of one websocket. Requests are handled in
// arrival order on the read loop; replies and events leave through out.
type storeSession struct {
	ws      *websocket.Conn
	conn    *store.Conn
	logger  logrus.FieldLogger
	out     chan protocol.Message
	limiter *rate.Limiter

	mu   sync.Mutex
	subs map[uint64]store.Subscription
}

func (s *storeSession) send(ctx context.Context, m protocol.Message) {
	select {
	case s.out <- m:
	case <-ctx.Done():
	}
}

func (s *storeSession) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-s.out:
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, s.ws, m)
			wcancel()
			if err != nil {
				s.logger.WithError(err).Debug("websocket write failed")
				cancel()
				return
			}
		}
	}
}

func (s *storeSession) pingLoop(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, writeTimeout)
			err := s.ws.Ping(pctx)
			pcancel()
			if err != nil && ctx.Err() == nil {
				s.logger.WithError(err).Info("client stopped answering pings")
				cancel()
				return
			}
		}
	}
}

func (s *storeSession) readLoop(ctx context.Context) error {
	defer s.cancelSubs()
	for {
		var req protocol.Request
		if err := wsjson.Read(ctx, s.ws, &req); err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}
		s.handle(ctx, req)
	}
}

func (s *storeSession) handle(ctx context.Context, req protocol.Request) {
	log := s.logger.WithFields(logrus.Fields{"op": req.Op, "path": req.Path})
	reply := protocol.Reply(req.ID, nil)
	var err error

	switch req.Op {
	case protocol.OpRead:
		var snap store.Snapshot
		snap, err = s.conn.Read(ctx, req.Path)
		reply.Path, reply.Value = snap.Path, snap.Value
	case protocol.OpSubscribe:
		err = s.subscribe(ctx, req)
	case protocol.OpUnsubscribe:
		s.unsubscribe(req.Sub)
	case protocol.OpWrite:
		err = s.conn.Write(ctx, req.Path, req.Value)
	case protocol.OpUpdate:
		fields := make(map[string]any, len(req.Fields))
		for k, v := range req.Fields {
			fields[k] = v
		}
		err = s.conn.Update(ctx, req.Path, fields)
	case protocol.OpClaim:
		reply.Claimed, err = s.conn.ClaimField(ctx, req.Path, req.Field)
	case protocol.OpOnDisconnect:
		err = s.conn.OnDisconnect(req.Path).Remove(ctx)
	case protocol.OpCancelDisconnect:
		err = s.conn.OnDisconnect(req.Path).Cancel(ctx)
	default:
		err = fmt.Errorf("%w: unknown op %q", protocol.ErrBadRequest, req.Op)
	}

	if err != nil {
		log.WithError(err).Debug("request failed")
		claimed := reply.Claimed
		reply = protocol.Reply(req.ID, err)
		reply.Claimed = claimed
	}
	s.send(ctx, reply)
}

// subscribe forwards deliveries as events tagged with the request id. The
// store invokes the callback from one goroutine per subscription, so events
// of a subscription stay in order.
func (s *storeSession) subscribe(ctx context.Context, req protocol.Request) error {
	id := req.ID
	sub, err := s.conn.Subscribe(ctx, req.Path, func(snap store.Snapshot) {
		s.send(ctx, protocol.Event(id, snap))
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	if old, ok := s.subs[id]; ok {
		old.Cancel()
	}
	s.subs[id] = sub
	s.mu.Unlock()
	return nil
}

func (s *storeSession) unsubscribe(id uint64) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()
	if ok {
		sub.Cancel()
	}
}

func (s *storeSession) cancelSubs() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[uint64]store.Subscription)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
}
