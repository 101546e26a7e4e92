package chat

import "sync"

// Conversation is an ordered, size-bounded message log.
//
// Invariants:
//   - at most a single leading run of system messages, all exempt from
//     truncation
//   - after Truncate(max), the log is the system prefix followed by the
//     most recent non-system messages, relative order preserved
//
// All methods are safe for concurrent use.
type Conversation struct {
	mu       sync.RWMutex
	messages []Message
}

// NewConversation creates a conversation seeded with the given messages.
func NewConversation(seed ...Message) *Conversation {
	c := &Conversation{messages: make([]Message, 0, len(seed))}
	for _, m := range seed {
		c.messages = append(c.messages, m.clone())
	}
	return c
}

// Append adds a message to the end of the log.
func (c *Conversation) Append(msgs ...Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		c.messages = append(c.messages, m.clone())
	}
}

// Truncate drops the oldest non-system messages until at most max messages
// remain, counting the system prefix. System messages are never dropped, so
// when max is smaller than the system prefix the result is the prefix alone.
// Truncating an already-compliant conversation is a no-op.
func (c *Conversation) Truncate(max int) {
	if max <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.messages) <= max {
		return
	}

	sys := c.systemPrefixLocked()
	keep := max - sys
	if keep < 0 {
		keep = 0
	}

	rest := c.messages[sys:]
	if len(rest) <= keep {
		return
	}

	trimmed := make([]Message, 0, sys+keep)
	trimmed = append(trimmed, c.messages[:sys]...)
	trimmed = append(trimmed, rest[len(rest)-keep:]...)
	c.messages = trimmed
}

// Snapshot returns an independent copy of the log, safe to hand to a
// GenerateRequest while the conversation keeps changing.
func (c *Conversation) Snapshot() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.messages))
	for i, m := range c.messages {
		out[i] = m.clone()
	}
	return out
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// Reset replaces the log with the given seed.
func (c *Conversation) Reset(seed ...Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = make([]Message, 0, len(seed))
	for _, m := range seed {
		c.messages = append(c.messages, m.clone())
	}
}

// systemPrefixLocked counts the leading run of system messages.
func (c *Conversation) systemPrefixLocked() int {
	n := 0
	for _, m := range c.messages {
		if m.Role != RoleSystem {
			break
		}
		n++
	}
	return n
}
