package broker

import (
	"fmt"
	"sync"
	"time"
)

// Session is the server-side record of one client channel.
type Session struct {
	ID        string
	CreatedAt time.Time

	sink Sink

	mu      sync.Mutex
	subs    map[string]*Subscription
	pending map[string]*PendingCommand
	closed  bool
}

func newSession(id string, sink Sink) *Session {
	return &Session{
		ID:        id,
		CreatedAt: time.Now(),
		sink:      sink,
		subs:      make(map[string]*Subscription),
		pending:   make(map[string]*PendingCommand),
	}
}

func (s *Session) addSubscription(sub *Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.subs[sub.ID] = sub
	return true
}

func (s *Session) removeSubscription(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[sub.ID] == sub {
		delete(s.subs, sub.ID)
	}
}

func (s *Session) addPending(pc *PendingCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrUnknownSession
	}
	if _, ok := s.pending[pc.ID]; ok {
		return &Error{Kind: KindProtocol, Message: fmt.Sprintf("execId %q is already pending", pc.ID)}
	}
	s.pending[pc.ID] = pc
	return nil
}

func (s *Session) removePending(pc *PendingCommand) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[pc.ID] == pc {
		delete(s.pending, pc.ID)
	}
}

// Subscriptions returns the ids of live subscriptions.
func (s *Session) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	return ids
}

// PendingCommands returns the ids of unresolved commands.
func (s *Session) PendingCommands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	return ids
}

// detachAll marks the session closed and hands back everything it owned.
func (s *Session) detachAll() ([]*Subscription, []*PendingCommand) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	pending := make([]*PendingCommand, 0, len(s.pending))
	for _, pc := range s.pending {
		pending = append(pending, pc)
	}
	return subs, pending
}

// Open registers a new client session.
func (b *broker) Open(sink Sink) (*Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	sess := newSession(b.newID(), sink)
	b.sessions[sess.ID] = sess
	b.metrics.SessionOpened()
	b.logger.Debug("client session opened", "session", sess.ID)
	return sess, nil
}

// Close tears down everything the session owns. Each teardown step is
// isolated: a failure in one never stops the rest. Unknown ids are ignored.
func (b *broker) Close(sessionID string) {
	b.mu.Lock()
	sess := b.sessions[sessionID]
	delete(b.sessions, sessionID)
	b.mu.Unlock()
	if sess == nil {
		return
	}

	subs, pending := sess.detachAll()
	for _, sub := range subs {
		b.isolate("unsubscribe", sub.ID, func() {
			if sub.transition(StateUnsubscribing) {
				b.finish(sub, "")
			}
		})
	}
	for _, pc := range pending {
		b.isolate("cancel", pc.ID, func() {
			b.resolveExec(pc, nil, newError(KindCancelled, "client session closed", nil))
		})
	}

	b.metrics.SessionClosed()
	b.logger.Info("client session closed",
		"session", sessionID,
		"subscriptions", len(subs),
		"pending_commands", len(pending),
	)
}

func (b *broker) isolate(op, id string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("session teardown step panicked", "op", op, "id", id, "panic", r)
		}
	}()
	fn()
}

func (b *broker) session(id string) *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	return b.sessions[id]
}
