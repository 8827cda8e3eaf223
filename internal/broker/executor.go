package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rickgao/routerstream/internal/device"
)

// PendingCommand is an exec awaiting its single resolution.
type PendingCommand struct {
	ID        string
	SessionID string
	Command   string
	Params    device.Params
	IssuedAt  time.Time
	TimeoutAt time.Time

	session *Session
	timeout time.Duration
	cancel  context.CancelFunc

	once   sync.Once
	done   chan struct{}
	device string // resolved identity, set before the driver call
	mu     sync.Mutex
}

// Done is closed once the command is resolved.
func (pc *PendingCommand) Done() <-chan struct{} {
	return pc.done
}

func (pc *PendingCommand) setDevice(id device.Identity) {
	pc.mu.Lock()
	pc.device = id.String()
	pc.mu.Unlock()
}

func (pc *PendingCommand) deviceName() string {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.device
}

// Execute registers a pending command and runs it asynchronously. The result
// reaches the session's Sink as exec:result or exec:error.
func (b *broker) Execute(sessionID string, req ExecRequest) (*PendingCommand, error) {
	sess := b.session(sessionID)
	if sess == nil {
		return nil, ErrUnknownSession
	}
	if strings.TrimSpace(req.Command) == "" {
		return nil, ProtocolError("exec requires a command")
	}
	if err := validateDevice(req.Device); err != nil {
		return nil, err
	}

	timeout := req.Timeout
	switch {
	case timeout < 0:
		return nil, ProtocolError("exec timeout must not be negative")
	case timeout == 0:
		timeout = b.cfg.ExecTimeout
	case b.cfg.MaxExecTimeout > 0 && timeout > b.cfg.MaxExecTimeout:
		timeout = b.cfg.MaxExecTimeout
	}

	id := req.ExecID
	if id == "" {
		id = b.newID()
	}

	now := time.Now()
	ctx, cancel := context.WithTimeout(b.ctx, timeout)
	pc := &PendingCommand{
		ID:        id,
		SessionID: sessionID,
		Command:   req.Command,
		Params:    req.Params,
		IssuedAt:  now,
		TimeoutAt: now.Add(timeout),
		session:   sess,
		timeout:   timeout,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	if err := sess.addPending(pc); err != nil {
		cancel()
		return nil, err
	}

	b.wg.Add(2)
	go b.runExec(ctx, pc, req)
	go b.watchExec(ctx, pc)
	return pc, nil
}

// watchExec resolves pc when its deadline passes, even if the driver call is
// still blocked.
func (b *broker) watchExec(ctx context.Context, pc *PendingCommand) {
	defer b.wg.Done()
	select {
	case <-pc.done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			b.resolveExec(pc, nil, newError(KindTimeout,
				fmt.Sprintf("command timed out after %s", pc.timeout), ctx.Err()))
		} else {
			b.resolveExec(pc, nil, newError(KindCancelled, "command cancelled", ctx.Err()))
		}
	}
}

func (b *broker) runExec(ctx context.Context, pc *PendingCommand, req ExecRequest) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("exec panic", "exec_id", pc.ID, "panic", r)
			b.resolveExec(pc, nil, newError(KindCommand, fmt.Sprintf("exec failed: %v", r), nil))
		}
	}()

	ctx, span := b.tracer.Start(ctx, "broker.exec",
		trace.WithAttributes(
			attribute.String("exec.id", pc.ID),
			attribute.String("exec.command", pc.Command),
		),
	)
	defer span.End()

	rows, err := b.exec(ctx, pc, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	b.resolveExec(pc, rows, err)
}

func (b *broker) exec(ctx context.Context, pc *PendingCommand, req ExecRequest) ([]device.Row, error) {
	cfg, err := b.resolveDevice(ctx, req.Device)
	if err != nil {
		return nil, err
	}
	pc.setDevice(cfg.Identity())

	conn, err := b.pool.Acquire(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer b.pool.Release(conn)

	return conn.Execute(ctx, req.Command, req.Params)
}

// resolveExec settles pc exactly once and notifies the client.
func (b *broker) resolveExec(pc *PendingCommand, rows []device.Row, err error) {
	pc.once.Do(func() {
		close(pc.done)
		pc.cancel()
		pc.session.removePending(pc)

		dur := time.Since(pc.IssuedAt)
		rec := CommandRecord{
			ExecID:    pc.ID,
			SessionID: pc.SessionID,
			Device:    pc.deviceName(),
			Command:   pc.Command,
			Params:    pc.Params,
			IssuedAt:  pc.IssuedAt,
			Duration:  dur,
		}

		var n Notice
		if err == nil {
			if rows == nil {
				rows = []device.Row{}
			}
			rec.Outcome = "ok"
			rec.Rows = len(rows)
			n = Notice{Type: NoticeExecResult, ExecID: pc.ID, Rows: rows, Timestamp: time.Now()}
		} else {
			be := classify(err, KindCommand)
			rec.Outcome = outcome(be.Kind)
			rec.ErrorKind = be.Kind
			rec.Error = be.Message
			n = Notice{Type: NoticeExecError, ExecID: pc.ID, Err: be, Timestamp: time.Now()}
			b.logger.Debug("exec failed", "exec_id", pc.ID, "command", pc.Command, "kind", be.Kind, "error", be.Message)
		}

		b.metrics.ExecFinished(rec.Outcome, dur)
		if b.recorder != nil {
			b.recorder.Record(rec)
		}
		if serr := pc.session.sink.Send(n); serr != nil && rec.Outcome != "cancelled" {
			b.logger.Warn("exec result not delivered", "exec_id", pc.ID, "error", serr)
		}
	})
}

func outcome(k Kind) string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	default:
		return "error"
	}
}
