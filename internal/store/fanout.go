package store

import (
	"encoding/json"
	"sync"
)

// Mailbox delivers values to one subscriber on its own goroutine, in the
// order they were pushed. Pushing never blocks the publisher.
//
// A paused mailbox queues notifications without delivering them until Prime
// places the initial value in front of them.
type Mailbox struct {
	fn     func(json.RawMessage)
	mu     sync.Mutex
	queue  []json.RawMessage
	paused bool
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewMailbox starts the delivery goroutine. Close stops it; values still
// queued are dropped.
func NewMailbox(fn func(json.RawMessage), paused bool) *Mailbox {
	m := &Mailbox{
		fn:     fn,
		paused: paused,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Mailbox) Push(v json.RawMessage) {
	m.mu.Lock()
	m.queue = append(m.queue, v)
	paused := m.paused
	m.mu.Unlock()
	if !paused {
		m.wake()
	}
}

// Prime delivers v ahead of anything queued while paused, then resumes delivery.
func (m *Mailbox) Prime(v json.RawMessage) {
	m.mu.Lock()
	m.queue = append([]json.RawMessage{v}, m.queue...)
	m.paused = false
	m.mu.Unlock()
	m.wake()
}

func (m *Mailbox) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *Mailbox) run() {
	for {
		select {
		case <-m.done:
			return
		case <-m.signal:
		}
		for {
			m.mu.Lock()
			if m.paused {
				m.mu.Unlock()
				break
			}
			batch := m.queue
			m.queue = nil
			m.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, v := range batch {
				select {
				case <-m.done:
					return
				default:
				}
				m.fn(v)
			}
		}
	}
}

func (m *Mailbox) Close() {
	m.once.Do(func() { close(m.done) })
}

// fanout routes change notifications to the mailboxes subscribed to a path.
type fanout struct {
	mu   sync.Mutex
	next uint64
	subs map[string]map[uint64]*Mailbox
}

func newFanout() *fanout {
	return &fanout{subs: make(map[string]map[uint64]*Mailbox)}
}

// add registers fn for path and returns the new mailbox and its cancel func.
func (f *fanout) add(path string, fn func(json.RawMessage), paused bool) (*Mailbox, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := f.next
	m := NewMailbox(fn, paused)
	if f.subs[path] == nil {
		f.subs[path] = make(map[uint64]*Mailbox)
	}
	f.subs[path][id] = m
	return m, func() {
		f.mu.Lock()
		delete(f.subs[path], id)
		if len(f.subs[path]) == 0 {
			delete(f.subs, path)
		}
		f.mu.Unlock()
		m.Close()
	}
}

func (f *fanout) publish(path string, v json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.subs[path] {
		m.Push(v)
	}
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for path, subs := range f.subs {
		for _, m := range subs {
			m.Close()
		}
		delete(f.subs, path)
	}
}
