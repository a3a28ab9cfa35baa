// cmd/pig is the terminal client: it claims a seat, mirrors the shared game
// and reads commands from stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/jason-s-yu/pig/internal/config"
	"github.com/jason-s-yu/pig/internal/game"
	"github.com/jason-s-yu/pig/internal/match"
	"github.com/jason-s-yu/pig/internal/models"
	"github.com/jason-s-yu/pig/internal/remote"
	"github.com/jason-s-yu/pig/internal/seat"
	"github.com/jason-s-yu/pig/internal/session"
	"github.com/sirupsen/logrus"
)

const reconnectDelay = 2 * time.Second

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		config.Exitf("config: %v", err)
	}
	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		config.Exitf("config: %v", err)
	}
	logger.SetOutput(os.Stderr)

	strategy, err := seat.ParseStrategy(cfg.ClaimStrategy)
	if err != nil {
		config.Exitf("config: %v", err)
	}

	storage, closeStorage, err := openStorage(cfg)
	if err != nil {
		config.Exitf("session storage: %v", err)
	}
	defer closeStorage()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := &client{
		cfg:      cfg,
		logger:   logger,
		identity: session.NewIdentity(storage),
		renderer: newTextRenderer(os.Stdout),
		out:      os.Stdout,
		opts: match.Options{
			Namespace: models.Namespace(cfg.Namespace),
			Strategy:  strategy,
			Roller:    game.NewRandRoller(),
			Logger:    logger,
		},
	}
	fmt.Print(helpText)
	if err := c.run(ctx, readLines(os.Stdin)); err != nil {
		logger.WithError(err).Error("client stopped")
		os.Exit(1)
	}
}

// openStorage persists the seat only for an explicitly named session.
func openStorage(cfg config.Client) (session.Storage, func(), error) {
	if cfg.SessionDB == "" || cfg.Session == "" {
		return session.NewMemoryStorage(), func() {}, nil
	}
	s, err := session.OpenSQLite(cfg.SessionDB, cfg.Session)
	if err != nil {
		return nil, nil, err
	}
	return s, func() { s.Close() }, nil
}

// readLines feeds stdin lines to the returned channel until EOF.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

type client struct {
	cfg      config.Client
	logger   *logrus.Logger
	identity *session.Identity
	renderer match.Renderer
	out      io.Writer
	opts     match.Options
}

// run keeps a session alive across dropped connections. The remembered seat
// lets each reconnect rejoin where it left off.
func (c *client) run(ctx context.Context, lines <-chan string) error {
	for {
		conn, err := remote.Dial(ctx, c.cfg.ServerURL, c.logger)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.WithError(err).Warn("store server unreachable, retrying")
		} else {
			err = c.play(ctx, conn, lines)
			conn.Close()
			if errors.Is(err, errQuit) || ctx.Err() != nil {
				return nil
			}
			c.logger.WithError(err).Warn("connection lost, reconnecting")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

// play runs one session over conn until the user quits or the connection drops.
func (c *client) play(ctx context.Context, conn *remote.Client, lines <-chan string) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := match.NewSession(conn, c.identity, c.renderer, c.opts)
	runErr := make(chan error, 1)
	go func() {
		err := s.Run(sessCtx)
		// unblocks a command still waiting on the dead loop
		cancel()
		runErr <- err
	}()

	stop := func(err error) error {
		cancel()
		<-runErr
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return stop(nil)
		case <-conn.Done():
			return stop(conn.Err())
		case err := <-runErr:
			return err
		case line, ok := <-lines:
			if !ok {
				return stop(errQuit)
			}
			if err := dispatch(sessCtx, s, line, c.out, c.logger); err != nil {
				if errors.Is(err, errQuit) {
					return stop(errQuit)
				}
				c.logger.WithError(err).Error("command failed")
			}
		}
	}
}
