package room

import "ephemera/server/internal/protocol"

// buffer is a bounded FIFO of messages. Appending beyond capacity evicts
// the oldest entries.
type buffer struct {
	capacity int
	items    []*protocol.ChatMessage
}

func newBuffer(capacity int) *buffer {
	return &buffer{capacity: capacity, items: make([]*protocol.ChatMessage, 0, capacity)}
}

// push appends m and returns the ids of evicted messages.
func (b *buffer) push(m *protocol.ChatMessage) []string {
	var evicted []string
	if len(b.items) >= b.capacity {
		drop := len(b.items) - b.capacity + 1
		evicted = make([]string, 0, drop)
		for _, old := range b.items[:drop] {
			evicted = append(evicted, old.ID)
		}
		n := copy(b.items, b.items[drop:])
		clear(b.items[n:])
		b.items = b.items[:n]
	}
	b.items = append(b.items, m)
	return evicted
}

func (b *buffer) find(id string) *protocol.ChatMessage {
	for i := len(b.items) - 1; i >= 0; i-- {
		if b.items[i].ID == id {
			return b.items[i]
		}
	}
	return nil
}

// removeAuthor drops every message by authorID and returns their ids.
func (b *buffer) removeAuthor(authorID string) []string {
	var removed []string
	kept := b.items[:0]
	for _, m := range b.items {
		if m.AuthorID == authorID {
			removed = append(removed, m.ID)
			continue
		}
		kept = append(kept, m)
	}
	clear(b.items[len(kept):])
	b.items = kept
	return removed
}

func (b *buffer) reset() {
	clear(b.items)
	b.items = b.items[:0]
}

func (b *buffer) len() int { return len(b.items) }

// snapshot returns deep copies so callers can marshal without holding
// the owner's lock.
func (b *buffer) snapshot() []protocol.ChatMessage {
	out := make([]protocol.ChatMessage, len(b.items))
	for i, m := range b.items {
		out[i] = CopyMessage(m)
	}
	return out
}

// CopyMessage returns a deep copy of m.
func CopyMessage(m *protocol.ChatMessage) protocol.ChatMessage {
	c := *m
	c.Reactions = make(map[string]int, len(m.Reactions))
	for k, v := range m.Reactions {
		c.Reactions[k] = v
	}
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		c.ReplyTo = &r
	}
	return c
}
