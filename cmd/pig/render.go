package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/jason-s-yu/pig/internal/game"
	"github.com/jason-s-yu/pig/internal/match"
)

// textRenderer prints every view as a short block of lines.
type textRenderer struct {
	mu sync.Mutex
	w  io.Writer
}

func newTextRenderer(w io.Writer) *textRenderer {
	return &textRenderer{w: w}
}

func (r *textRenderer) Render(v match.View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprint(r.w, formatView(v))
}

func formatView(v match.View) string {
	var b strings.Builder
	b.WriteString("\n")
	if v.WaitingMessage != "" {
		fmt.Fprintf(&b, "%s\n", v.WaitingMessage)
	}
	if !v.HasState {
		if v.Seated {
			fmt.Fprintf(&b, "You are %s. Waiting for the game to start.\n", v.Label(v.LocalSeat))
		}
		return b.String()
	}

	for _, s := range game.Seats {
		marker := "  "
		if v.Playing && s == v.ActivePlayer {
			marker = "> "
		}
		fmt.Fprintf(&b, "%s%-10s score %3d  current %3d\n", marker, v.Label(s), v.Scores[s], v.Current[s])
	}

	switch {
	case v.HasWinner:
		fmt.Fprintf(&b, "%s wins! Type 'new' for another game.\n", v.Label(v.Winner))
	case v.Dice != nil && *v.Dice == game.BustFace:
		fmt.Fprintf(&b, "Rolled a %d: bust.\n", *v.Dice)
	case v.Dice != nil:
		fmt.Fprintf(&b, "Rolled a %d.\n", *v.Dice)
	}
	if v.IsLocalTurn {
		b.WriteString("Your turn: roll or hold.\n")
	}
	return b.String()
}
