package remote

import (
	"context"
	"sync"

	"github.com/jaballahchat/chatcall/internal/docapi"
)

// mailbox buffers messages for one watch. The read loop pushes without
// blocking and a per-watch pump delivers them, so a slow consumer only delays
// its own watch.
type mailbox struct {
	mu     sync.Mutex
	items  []docapi.ServerMessage
	ended  bool
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) push(msg docapi.ServerMessage) {
	m.mu.Lock()
	if !m.ended {
		m.items = append(m.items, msg)
	}
	m.mu.Unlock()
	m.wake()
}

// end marks the mailbox complete. Messages already pushed are still delivered.
func (m *mailbox) end() {
	m.mu.Lock()
	m.ended = true
	m.mu.Unlock()
	m.wake()
}

func (m *mailbox) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// pump forwards messages to out until the mailbox is drained after end, or
// ctx is done. It closes out on return.
func (m *mailbox) pump(ctx context.Context, out chan<- docapi.ServerMessage) {
	defer close(out)
	for {
		m.mu.Lock()
		batch, ended := m.items, m.ended
		m.items = nil
		m.mu.Unlock()

		if len(batch) == 0 {
			if ended {
				return
			}
			select {
			case <-m.notify:
				continue
			case <-ctx.Done():
				return
			}
		}
		for _, msg := range batch {
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}
