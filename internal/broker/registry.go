package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/rickgao/routerstream/internal/device"
	"github.com/rickgao/routerstream/internal/pool"
)

// registry tracks subscriptions by stream id and physical streams by
// signature, grouped into per-device tables.
type registry struct {
	mu     sync.Mutex
	tables map[device.Identity]*deviceTable
	subs   map[string]*Subscription
}

// deviceTable owns the signature table of one device.
type deviceTable struct {
	mu      sync.Mutex
	streams map[Signature]*physicalStream
	dead    bool // pruned; callers must fetch a fresh table
}

// physicalStream is one open continuous command on a device.
type physicalStream struct {
	sig    Signature
	id     string
	params device.Params
	table  *deviceTable

	// ready is closed once the open outcome is known; err is its result.
	ready chan struct{}
	err   error

	conn   *pool.Conn
	stream device.Stream

	mu        sync.Mutex
	subs      map[*Subscription]struct{}
	pending   int // joiners between join and attach
	holds     int // joiners from before the pump started that have not settled
	started   bool
	closed    bool
	ended     bool  // stopped by the device rather than by the last detach
	endErr    error // device cause when ended; nil is a natural end
	lastEvent time.Time
	events    uint64

	// start is closed once the pump may read: every early joiner is attached
	// and announced, or the stream is shutting down.
	start chan struct{}
	// gone is closed once the device-level stream is closed and unlinked.
	gone     chan struct{}
	shutdown sync.Once
}

func newRegistry() *registry {
	return &registry{
		tables: make(map[device.Identity]*deviceTable),
		subs:   make(map[string]*Subscription),
	}
}

// register adds sub under its stream id. A live subscription with the same id
// is a conflict.
func (r *registry) register(sub *Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[sub.ID]; ok {
		return &Error{Kind: KindProtocol, Message: fmt.Sprintf("streamId %q is already in use", sub.ID)}
	}
	r.subs[sub.ID] = sub
	return nil
}

func (r *registry) lookup(streamID string) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[streamID]
}

func (r *registry) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[sub.ID] == sub {
		delete(r.subs, sub.ID)
	}
}

func (r *registry) table(id device.Identity) *deviceTable {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tables[id]
	if t == nil {
		t = &deviceTable{streams: make(map[Signature]*physicalStream)}
		r.tables[id] = t
	}
	return t
}

// prune drops the table for id if it has no streams left.
func (r *registry) prune(id device.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tables[id]
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.streams) == 0 {
		t.dead = true
		delete(r.tables, id)
	}
}

// join returns the stream for sig, creating it if none exists. The caller
// holds a pending reference until attach or release, and must settle the
// stream once its subscription is announced or abandoned. opener is true for
// the caller that must open the device-level stream. A stream that is still
// closing on the device is waited out, so at most one device-level stream
// exists per signature.
func (r *registry) join(sig Signature, params device.Params) (ps *physicalStream, opener bool) {
	for {
		t := r.table(sig.Device)
		t.mu.Lock()
		if t.dead {
			t.mu.Unlock()
			continue
		}
		var closing *physicalStream
		ps, opener, closing = t.joinLocked(sig, params)
		t.mu.Unlock()
		if closing != nil {
			<-closing.gone
			continue
		}
		return ps, opener
	}
}

func (t *deviceTable) joinLocked(sig Signature, params device.Params) (ps *physicalStream, opener bool, closing *physicalStream) {
	ps = t.streams[sig]
	if ps == nil {
		ps = &physicalStream{
			sig:    sig,
			id:     sig.InternalID(),
			params: params,
			table:  t,
			ready:  make(chan struct{}),
			start:  make(chan struct{}),
			gone:   make(chan struct{}),
			subs:   make(map[*Subscription]struct{}),
		}
		t.streams[sig] = ps
		opener = true
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil, false, ps
	}
	ps.pending++
	if !ps.started {
		ps.holds++
	}
	return ps, opener, nil
}

// opened attaches the opener and publishes a successful open to every
// waiter. The pump stays parked on start until every early joiner settles.
func (r *registry) opened(ps *physicalStream, conn *pool.Conn, stream device.Stream, opener *Subscription) {
	t := ps.table
	t.mu.Lock()
	ps.mu.Lock()
	ps.conn = conn
	ps.stream = stream
	if ps.pending > 0 {
		ps.pending--
	}
	ps.subs[opener] = struct{}{}
	ps.mu.Unlock()
	t.mu.Unlock()

	close(ps.ready)
}

// settle drops a hold taken in join. The last hold lets the pump start.
func (r *registry) settle(ps *physicalStream) {
	ps.mu.Lock()
	if ps.holds > 0 {
		ps.holds--
	}
	release := ps.holds == 0 && ps.stream != nil
	ps.mu.Unlock()
	if release {
		ps.unblock()
	}
}

// unblock lets the pump start. Safe to call more than once.
func (ps *physicalStream) unblock() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if !ps.started {
		ps.started = true
		close(ps.start)
	}
}

// unlink removes ps from its table once the device-level stream is closed.
func (r *registry) unlink(ps *physicalStream) {
	t := ps.table
	t.mu.Lock()
	if t.streams[ps.sig] == ps {
		delete(t.streams, ps.sig)
	}
	t.mu.Unlock()
	close(ps.gone)
}

// openFailed removes ps and publishes err to every waiter.
func (r *registry) openFailed(ps *physicalStream, err error) {
	t := ps.table
	t.mu.Lock()
	if t.streams[ps.sig] == ps {
		delete(t.streams, ps.sig)
	}
	ps.mu.Lock()
	ps.closed = true
	ps.mu.Unlock()
	t.mu.Unlock()

	ps.err = err
	close(ps.ready)
	close(ps.gone)
}

// release drops a pending reference without attaching.
func (r *registry) release(ps *physicalStream) {
	ps.mu.Lock()
	if ps.pending > 0 {
		ps.pending--
	}
	ps.mu.Unlock()
}

// attach turns a pending reference into a subscriber. It fails if the stream
// stopped in the meantime; cause is then the device's end error, nil for a
// natural end.
func (r *registry) attach(ps *physicalStream, sub *Subscription) (ok bool, cause error) {
	t := ps.table
	t.mu.Lock()
	defer t.mu.Unlock()
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.pending > 0 {
		ps.pending--
	}
	if ps.closed {
		if ps.ended {
			return false, ps.endErr
		}
		return false, device.ErrConnectionLost
	}
	ps.subs[sub] = struct{}{}
	return true, nil
}

// detach removes sub from the live stream for sig. When it was the last
// subscriber the stream is marked closed and returned for shutdown; it stays
// in the table until shutdown unlinks it.
func (r *registry) detach(sig Signature, sub *Subscription) (last *physicalStream) {
	r.mu.Lock()
	t := r.tables[sig.Device]
	r.mu.Unlock()
	if t == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ps := t.streams[sig]
	if ps == nil {
		return nil
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if _, ok := ps.subs[sub]; !ok {
		return nil
	}
	delete(ps.subs, sub)
	if len(ps.subs) > 0 || ps.pending > 0 || ps.closed {
		return nil
	}
	ps.closed = true
	return ps
}

// end marks a stream that stopped on the device side and returns its
// subscribers. ok is false if the stream was already being torn down.
func (r *registry) end(ps *physicalStream, cause error) (subs []*Subscription, ok bool) {
	t := ps.table
	t.mu.Lock()
	defer t.mu.Unlock()
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed {
		return nil, false
	}
	ps.closed = true
	ps.ended = true
	ps.endErr = cause
	subs = make([]*Subscription, 0, len(ps.subs))
	for s := range ps.subs {
		subs = append(subs, s)
	}
	ps.subs = make(map[*Subscription]struct{})
	return subs, true
}

// subscribers snapshots the subscribers of ps with the given mode.
func (ps *physicalStream) subscribers(mode Mode) []*Subscription {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make([]*Subscription, 0, len(ps.subs))
	for s := range ps.subs {
		if s.Mode == mode {
			out = append(out, s)
		}
	}
	return out
}

func (ps *physicalStream) touch(at time.Time) {
	ps.mu.Lock()
	ps.lastEvent = at
	ps.events++
	ps.mu.Unlock()
}

// StreamInfo describes one physical stream.
type StreamInfo struct {
	InternalID  string    `json:"internalStreamId"`
	Device      string    `json:"device"`
	Path        string    `json:"path"`
	Params      string    `json:"params"`
	Subscribers int       `json:"subscribers"`
	Events      uint64    `json:"events"`
	LastEvent   time.Time `json:"lastEvent,omitempty"`
}

// streams lists every physical stream.
func (r *registry) streams() []StreamInfo {
	r.mu.Lock()
	tables := make([]*deviceTable, 0, len(r.tables))
	for _, t := range r.tables {
		tables = append(tables, t)
	}
	r.mu.Unlock()

	var out []StreamInfo
	for _, t := range tables {
		t.mu.Lock()
		for _, ps := range t.streams {
			ps.mu.Lock()
			out = append(out, StreamInfo{
				InternalID:  ps.id,
				Device:      ps.sig.Device.String(),
				Path:        ps.sig.Path,
				Params:      ps.sig.Params,
				Subscribers: len(ps.subs),
				Events:      ps.events,
				LastEvent:   ps.lastEvent,
			})
			ps.mu.Unlock()
		}
		t.mu.Unlock()
	}
	return out
}

// counts returns device tables, streams and subscriptions by state.
func (r *registry) counts() (devices, streams int, byState map[string]int) {
	r.mu.Lock()
	tables := make([]*deviceTable, 0, len(r.tables))
	for _, t := range r.tables {
		tables = append(tables, t)
	}
	subs := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, t := range tables {
		t.mu.Lock()
		for _, ps := range t.streams {
			ps.mu.Lock()
			if !ps.closed {
				streams++
			}
			ps.mu.Unlock()
		}
		t.mu.Unlock()
	}
	byState = make(map[string]int)
	for _, s := range subs {
		byState[s.State().String()]++
	}
	return len(tables), streams, byState
}
