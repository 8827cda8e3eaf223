package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rickgao/routerstream/internal/device"
	"github.com/rickgao/routerstream/internal/metrics"
)

// session is one authenticated bridge connection. It implements device.Conn.
type session struct {
	client     Client
	metrics    *metrics.Metrics
	logger     *slog.Logger
	bufferSize int

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan Reply
	streams map[int64]*stream
	err     error
	done    chan struct{}
}

func newSession(c Client, bufferSize int, m *metrics.Metrics, logger *slog.Logger) *session {
	return &session{
		client:     c,
		metrics:    m,
		logger:     logger,
		bufferSize: bufferSize,
		pending:    make(map[int64]chan Reply),
		streams:    make(map[int64]*stream),
		done:       make(chan struct{}),
	}
}

// dispatchLoop routes frames to waiting requests and open streams until the
// socket fails or the session is closed.
func (s *session) dispatchLoop() {
	for {
		select {
		case <-s.done:
			return

		case err := <-s.client.Errors():
			// Frames read before the failure still belong to their requests.
			s.drain()
			s.logger.Warn("bridge connection lost", "error", err)
			s.fail(fmt.Errorf("%w: %v", device.ErrConnectionLost, err))
			s.client.Close()
			return

		case msg := <-s.client.Messages():
			s.route(msg)
		}
	}
}

func (s *session) drain() {
	for {
		select {
		case msg := <-s.client.Messages():
			s.route(msg)
		default:
			return
		}
	}
}

// route hands one frame to its owner.
func (s *session) route(msg TimestampedMessage) {
	var r Reply
	if err := json.Unmarshal(msg.Data, &r); err != nil {
		s.logger.Warn("unparseable bridge frame", "error", err, "size", len(msg.Data))
		return
	}

	s.mu.Lock()
	if r.Type == ReplyDone || r.Type == ReplyError {
		if ch, ok := s.pending[r.ID]; ok {
			delete(s.pending, r.ID)
			s.mu.Unlock()
			ch <- r
			return
		}
	}
	st := s.streams[r.ID]
	if st != nil && (r.Type == ReplyEnd || r.Type == ReplyError) {
		delete(s.streams, r.ID)
	}
	s.mu.Unlock()

	if st == nil {
		s.logger.Debug("frame for unknown request", "id", r.ID, "type", r.Type)
		return
	}

	switch r.Type {
	case ReplyEvent:
		st.deliver(device.Event{Data: r.Data, ReceivedAt: msg.ReceivedAt})
	case ReplyEnd:
		st.finish(nil)
	case ReplyError:
		st.finish(&device.CommandError{Command: st.command, Message: r.Message})
	default:
		s.logger.Debug("unexpected frame type", "id", r.ID, "type", r.Type)
	}
}

// request sends one frame and waits for its done or error reply. When st is
// set it is registered under the same id before the frame goes out.
func (s *session) request(ctx context.Context, op, command string, params device.Params, st *stream) (Reply, error) {
	id := s.nextID.Add(1)
	ch := make(chan Reply, 1)

	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return Reply{}, err
	}
	s.pending[id] = ch
	if st != nil {
		st.id = id
		s.streams[id] = st
	}
	s.mu.Unlock()

	data, err := json.Marshal(Request{ID: id, Op: op, Command: command, Params: params})
	if err != nil {
		s.forget(id)
		return Reply{}, err
	}
	if err := s.client.Send(data); err != nil {
		s.forget(id)
		return Reply{}, fmt.Errorf("%w: %v", device.ErrConnectionLost, err)
	}

	select {
	case r := <-ch:
		if r.Type == ReplyError {
			s.forget(id)
			return r, &device.CommandError{Command: command, Message: r.Message}
		}
		return r, nil
	case <-ctx.Done():
		s.forget(id)
		s.cancel(id)
		return Reply{}, ctx.Err()
	case <-s.done:
		return Reply{}, s.Err()
	}
}

func (s *session) forget(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	delete(s.streams, id)
	s.mu.Unlock()
}

// cancel tells the bridge to stop work for id. Best effort.
func (s *session) cancel(id int64) {
	data, _ := json.Marshal(Request{ID: id, Op: OpCancel})
	if err := s.client.Send(data); err != nil {
		s.logger.Debug("cancel not sent", "id", id, "error", err)
	}
}

// Execute implements device.Conn.
func (s *session) Execute(ctx context.Context, command string, params device.Params) ([]device.Row, error) {
	r, err := s.request(ctx, OpExecute, command, params, nil)
	if err != nil {
		return nil, err
	}
	if r.Rows == nil {
		return []device.Row{}, nil
	}
	return r.Rows, nil
}

// OpenStream implements device.Conn. It returns once the bridge accepted the
// listen request.
func (s *session) OpenStream(ctx context.Context, command string, params device.Params) (device.Stream, error) {
	st := &stream{
		session: s,
		command: command,
		events:  make(chan device.Event, s.bufferSize),
	}
	if _, err := s.request(ctx, OpListen, command, params, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Done implements device.Conn.
func (s *session) Done() <-chan struct{} {
	return s.done
}

// Err implements device.Conn.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements device.Conn.
func (s *session) Close() error {
	s.fail(device.ErrClosed)
	return s.client.Close()
}

// fail ends the session and every stream on it with err.
func (s *session) fail(err error) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	s.err = err
	streams := make([]*stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.streams = make(map[int64]*stream)
	s.pending = make(map[int64]chan Reply)
	close(s.done)
	s.mu.Unlock()

	for _, st := range streams {
		st.finish(err)
	}
}

// stream is one listen request. It implements device.Stream.
type stream struct {
	session *session
	id      int64
	command string
	events  chan device.Event

	mu    sync.Mutex
	ended bool
	err   error
}

func (st *stream) deliver(ev device.Event) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.ended {
		return
	}
	select {
	case st.events <- ev:
	default:
		st.session.metrics.DeviceEventDropped()
		st.session.logger.Warn("stream buffer full, dropping event", "command", st.command, "id", st.id)
	}
}

func (st *stream) finish(err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.ended {
		return
	}
	st.ended = true
	st.err = err
	close(st.events)
}

// Events implements device.Stream.
func (st *stream) Events() <-chan device.Event {
	return st.events
}

// Err implements device.Stream.
func (st *stream) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

// Close implements device.Stream.
func (st *stream) Close() error {
	s := st.session
	s.mu.Lock()
	_, live := s.streams[st.id]
	delete(s.streams, st.id)
	alive := s.err == nil
	s.mu.Unlock()

	if live && alive {
		s.cancel(st.id)
	}
	st.finish(nil)
	return nil
}
