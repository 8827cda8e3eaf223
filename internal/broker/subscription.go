package broker

import (
	"strings"
	"sync"
	"time"

	"github.com/rickgao/routerstream/internal/device"
)

// Subscription is a client's logical request for a continuous feed. It holds
// signatures, never stream handles; streams are looked up through the registry.
type Subscription struct {
	ID        string
	SessionID string
	Paths     []string
	Params    device.Params
	Mode      Mode
	CreatedAt time.Time

	session *Session
	sink    Sink

	mu       sync.Mutex
	state    State
	identity device.Identity
	legs     []*leg
}

// leg is one path of a (possibly multi-path) subscription.
type leg struct {
	sig       Signature
	ended     bool
	announced bool
}

func newSubscription(id string, sess *Session, req SubscribeRequest) *Subscription {
	mode := req.Mode
	if mode == "" {
		mode = ModeDirect
	}
	return &Subscription{
		ID:        id,
		SessionID: sess.ID,
		Paths:     append([]string(nil), req.Paths...),
		Params:    req.Params,
		Mode:      mode,
		CreatedAt: time.Now(),
		session:   sess,
		sink:      sess.sink,
		state:     StateRequested,
	}
}

// State returns the current state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Path returns the comma-joined command paths.
func (s *Subscription) Path() string {
	return strings.Join(s.Paths, ",")
}

// InternalStreamID returns the comma-joined internal ids of every leg. Empty
// until the device identity is resolved.
func (s *Subscription) InternalStreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.legs))
	for i, l := range s.legs {
		ids[i] = l.sig.InternalID()
	}
	return strings.Join(ids, ",")
}

// Identity returns the resolved device identity.
func (s *Subscription) Identity() device.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// transition moves to the given state if legal.
func (s *Subscription) transition(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !CanTransition(s.state, to) {
		return false
	}
	s.state = to
	return true
}

// bind records the resolved device and builds one leg per path.
func (s *Subscription) bind(id device.Identity) []Signature {
	params := s.Params.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = id
	s.legs = make([]*leg, len(s.Paths))
	sigs := make([]Signature, len(s.Paths))
	for i, p := range s.Paths {
		sigs[i] = Signature{Device: id, Path: p, Params: params}
		s.legs[i] = &leg{sig: sigs[i]}
	}
	return sigs
}

func (s *Subscription) signatures() []Signature {
	s.mu.Lock()
	defer s.mu.Unlock()
	sigs := make([]Signature, len(s.legs))
	for i, l := range s.legs {
		sigs[i] = l.sig
	}
	return sigs
}

// endLeg marks the leg for sig as ended. It reports whether this call ended
// it and whether every leg has now ended.
func (s *Subscription) endLeg(sig Signature) (ended, all bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all = true
	for _, l := range s.legs {
		if l.sig == sig && !l.ended {
			l.ended = true
			ended = true
		}
		if !l.ended {
			all = false
		}
	}
	return ended, all
}

// endedUnannounced returns the ended legs whose stream:ended notice is still
// owed and marks them announced. Nothing is returned before Streaming, so the
// notices never overtake the subscribed notice.
func (s *Subscription) endedUnannounced() []Signature {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStreaming {
		return nil
	}
	var sigs []Signature
	for _, l := range s.legs {
		if l.ended && !l.announced {
			l.announced = true
			sigs = append(sigs, l.sig)
		}
	}
	return sigs
}

func (s *Subscription) allLegsEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.legs) == 0 {
		return false
	}
	for _, l := range s.legs {
		if !l.ended {
			return false
		}
	}
	return true
}

// active reports whether the subscription is still being set up or served.
func (s *Subscription) active() bool {
	return s.State().Active()
}

// streaming reports whether events should reach this subscription.
func (s *Subscription) streaming() bool {
	return s.State() == StateStreaming
}
