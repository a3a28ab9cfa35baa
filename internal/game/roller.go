package game

import (
	"math/rand"
	"sync"
	"time"
)

// Roller draws a die face uniformly from 1..DieFaces.
type Roller interface {
	Roll() int
}

// RollerFunc adapts a plain function to the Roller interface.
type RollerFunc func() int

func (f RollerFunc) Roll() int {
	return f()
}

// RandRoller is a Roller backed by a time-seeded math/rand source.
// It is safe for concurrent use.
type RandRoller struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewRandRoller returns a roller seeded from the current time.
func NewRandRoller() *RandRoller {
	return NewSeededRoller(time.Now().UnixNano())
}

// NewSeededRoller returns a roller with a fixed seed, for reproducible games.
func NewSeededRoller(seed int64) *RandRoller {
	return &RandRoller{r: rand.New(rand.NewSource(seed))}
}

func (r *RandRoller) Roll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.r.Intn(DieFaces) + 1
}

// ScriptedRoller replays a fixed sequence of faces, cycling when exhausted.
type ScriptedRoller struct {
	mu    sync.Mutex
	faces []int
	next  int
}

// NewScriptedRoller returns a roller that yields faces in order.
func NewScriptedRoller(faces ...int) *ScriptedRoller {
	return &ScriptedRoller{faces: faces}
}

func (r *ScriptedRoller) Roll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.faces) == 0 {
		return 1
	}
	f := r.faces[r.next%len(r.faces)]
	r.next++
	return f
}
