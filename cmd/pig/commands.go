package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jason-s-yu/pig/internal/match"
	"github.com/sirupsen/logrus"
)

// errQuit ends the client.
var errQuit = errors.New("quit")

const helpText = "commands: roll (r), hold (h), new (n), reset, quit (q)\n"

// player is the part of match.Session the prompt drives.
type player interface {
	Roll(ctx context.Context) error
	Hold(ctx context.Context) error
	NewGame(ctx context.Context) error
	ResetAll(ctx context.Context) error
}

// dispatch runs one line of user input. Out-of-turn actions are dropped
// quietly since the view already says whose turn it is.
func dispatch(ctx context.Context, p player, line string, out io.Writer, logger logrus.FieldLogger) error {
	var err error
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "":
		return nil
	case "roll", "r":
		err = p.Roll(ctx)
	case "hold", "h":
		err = p.Hold(ctx)
	case "new", "n":
		err = p.NewGame(ctx)
	case "reset":
		err = p.ResetAll(ctx)
	case "quit", "q", "exit":
		return errQuit
	case "help", "?":
		fmt.Fprint(out, helpText)
		return nil
	default:
		fmt.Fprintf(out, "unknown command %q\n%s", line, helpText)
		return nil
	}

	switch {
	case errors.Is(err, match.ErrStaleAction):
		logger.WithError(err).Debug("action dropped")
	case errors.Is(err, match.ErrNotSeated):
		fmt.Fprintln(out, "You have no seat in this match. Only 'reset' can change that.")
	case err != nil:
		return err
	}
	return nil
}
