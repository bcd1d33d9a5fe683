package chat

import (
	"sync"
	"time"
)

// Conversation holds per-conversation live state: the websocket pool and the
// currently running session, if any. Transcript history lives in the store,
// not here.
type Conversation struct {
	ID      string
	Created time.Time

	pool *ConnectionPool

	mu           sync.Mutex
	session      *StreamSession
	lastActivity time.Time
}

func (c *Conversation) Pool() *ConnectionPool { return c.pool }

func (c *Conversation) touchLocked(now time.Time) { c.lastActivity = now }

func (c *Conversation) Touch() {
	c.mu.Lock()
	c.touchLocked(time.Now())
	c.mu.Unlock()
}

// SetSession records the running session; it returns false when another
// session is still active for this conversation.
func (c *Conversation) SetSession(s *StreamSession) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil && !c.session.Completed() {
		return false
	}
	c.session = s
	c.touchLocked(time.Now())
	return true
}

func (c *Conversation) ClearSession(s *StreamSession) {
	c.mu.Lock()
	if c.session == s {
		c.session = nil
	}
	c.touchLocked(time.Now())
	c.mu.Unlock()
}

func (c *Conversation) ActiveSession() *StreamSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Conversation) isBusyLocked() bool {
	return c.session != nil && !c.session.Completed()
}

// ConvManager is the bounded registry of live conversations. It replaces the
// process-wide id-keyed maps of earlier designs: idle conversations are
// evicted on a timer instead of accumulating forever.
type ConvManager struct {
	mu    sync.Mutex
	conns map[string]*Conversation

	evictIdle     time.Duration
	evictInterval time.Duration
	evictRunning  bool

	connIdleTimeout time.Duration
}

func NewConvManager() *ConvManager {
	return &ConvManager{conns: map[string]*Conversation{}}
}

// GetOrCreate returns the conversation, creating it when absent. The second
// return value reports whether it was created by this call.
func (cm *ConvManager) GetOrCreate(convID string) (*Conversation, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if c, ok := cm.conns[convID]; ok {
		return c, false
	}
	conv := &Conversation{
		ID:           convID,
		Created:      time.Now(),
		lastActivity: time.Now(),
	}
	conv.pool = NewConnectionPool(convID, cm.connIdleTimeout, nil)
	cm.conns[convID] = conv
	return conv, true
}

func (cm *ConvManager) GetConversation(convID string) (*Conversation, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	c, ok := cm.conns[convID]
	return c, ok
}

func (cm *ConvManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.conns)
}
