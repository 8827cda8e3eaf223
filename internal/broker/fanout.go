package broker

import (
	"fmt"
	"sync"

	"github.com/rickgao/routerstream/internal/device"
)

// fanout indexes broadcast subscriptions by path. Its lock is a leaf: nothing
// else is acquired while holding it.
type fanout struct {
	mu     sync.RWMutex
	byPath map[string]map[*Subscription]struct{}
}

func newFanout() *fanout {
	return &fanout{byPath: make(map[string]map[*Subscription]struct{})}
}

func (f *fanout) add(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range sub.Paths {
		set := f.byPath[p]
		if set == nil {
			set = make(map[*Subscription]struct{})
			f.byPath[p] = set
		}
		set[sub] = struct{}{}
	}
}

func (f *fanout) remove(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range sub.Paths {
		set := f.byPath[p]
		if set == nil {
			continue
		}
		delete(set, sub)
		if len(set) == 0 {
			delete(f.byPath, p)
		}
	}
}

func (f *fanout) listeners(path string) []*Subscription {
	f.mu.RLock()
	defer f.mu.RUnlock()
	set := f.byPath[path]
	out := make([]*Subscription, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// pump is the only reader of a physical stream. It delivers events in receipt
// order and tears the stream down when the device stops it.
func (b *broker) pump(ps *physicalStream) {
	defer b.wg.Done()

	logger := b.logger.With("stream", ps.id, "device", ps.sig.Device.String(), "path", ps.sig.Path)
	logger.Debug("stream pump started")

	var endErr error
	defer func() {
		if r := recover(); r != nil {
			logger.Error("stream pump panic", "panic", r)
			endErr = newError(KindConnection, fmt.Sprintf("stream pump failed: %v", r), nil)
		}
		b.endStream(ps, endErr)
	}()

	<-ps.start
	for ev := range ps.stream.Events() {
		ps.conn.Touch()
		ps.touch(ev.ReceivedAt)
		b.deliver(ps, ev)
	}
	endErr = ps.stream.Err()
}

// deliver hands one event to every direct subscriber of ps and every
// broadcast subscriber of its path. A failed Sink only affects its own
// subscription.
func (b *broker) deliver(ps *physicalStream, ev device.Event) {
	ts := ev.ReceivedAt

	for _, sub := range ps.subscribers(ModeDirect) {
		b.send(sub, Notice{
			Type:      NoticeData,
			StreamID:  sub.ID,
			Path:      ps.sig.Path,
			Data:      ev.Data,
			Timestamp: ts,
		}, ModeDirect)
	}

	for _, sub := range b.fanout.listeners(ps.sig.Path) {
		b.send(sub, Notice{
			Type:      NoticeBroadcast,
			StreamID:  sub.ID,
			Path:      ps.sig.Path,
			Data:      ev.Data,
			Timestamp: ts,
		}, ModeBroadcast)
	}
}

func (b *broker) send(sub *Subscription, n Notice, mode Mode) {
	if !sub.streaming() {
		return
	}
	if err := sub.sink.Send(n); err != nil {
		b.metrics.DeliveryFailed()
		b.logger.Warn("delivery failed",
			"stream_id", sub.ID,
			"session", sub.SessionID,
			"error", err,
		)
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.fail(sub, newError(KindTransport, "delivery to client failed", err))
		}()
		return
	}
	b.metrics.EventDelivered(string(mode))
}

// endStream handles a stream stopping on the device side. A nil err is a
// natural end; anything else errors every subscriber.
func (b *broker) endStream(ps *physicalStream, err error) {
	subs, ok := b.registry.end(ps, err)
	b.shutdownStream(ps)
	if !ok {
		return
	}

	if err == nil {
		b.logger.Info("device stream ended",
			"stream", ps.id, "path", ps.sig.Path, "subscribers", len(subs))
		for _, sub := range subs {
			b.legEnded(sub, ps.sig)
		}
		return
	}

	be := classify(err, KindConnection)
	b.logger.Warn("device stream failed",
		"stream", ps.id, "path", ps.sig.Path, "subscribers", len(subs), "error", err)
	for _, sub := range subs {
		b.fail(sub, be)
	}
}

// shutdownStream closes the device-level stream, releases its connection
// reference and only then frees the signature for a new open. Safe to call
// more than once.
func (b *broker) shutdownStream(ps *physicalStream) {
	ps.shutdown.Do(func() {
		defer func() {
			b.registry.unlink(ps)
			b.registry.prune(ps.sig.Device)
		}()
		ps.unblock()
		if ps.stream != nil {
			if err := ps.stream.Close(); err != nil {
				b.logger.Debug("close device stream", "stream", ps.id, "error", err)
			}
			b.metrics.StreamClosed()
		}
		if ps.conn != nil {
			b.pool.Release(ps.conn)
		}
	})
}
