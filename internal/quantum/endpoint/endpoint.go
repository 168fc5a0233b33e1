// Package endpoint binds one arq.Engine, one controller.Controller, and
// one pacer.Pacer to a single peer. Send/Recv/Update/Input/Close are
// the Endpoint's whole surface; everything else is driven by a Listener
// (see internal/quantum/listener).
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/aetherflow/quantum/internal/quantum/arq"
	"github.com/aetherflow/quantum/internal/quantum/controller"
	"github.com/aetherflow/quantum/internal/quantum/pacer"
	"github.com/aetherflow/quantum/internal/quantum/quantumcfg"
	"github.com/aetherflow/quantum/internal/quantum/quantumerr"
	"github.com/aetherflow/quantum/pkg/guuid"
)

// State is the Endpoint's connection lifecycle state.
type State int

const (
	// StateWaitingConv is the client-only state before the peer's first
	// reply has assigned a non-zero conversation id.
	StateWaitingConv State = iota
	// StateEstablished is the steady state once a conv is in place.
	StateEstablished
	// StateClosing is entered on Close and persists while the send queue
	// drains.
	StateClosing
	// StateClosed is reached once the ARQ send queue has fully drained.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateWaitingConv:
		return "WAITING_CONV"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// SendFunc writes one datagram to addr over the socket shared by every
// Endpoint bound to it (see internal/quantum/listener). It is the only
// thing an Endpoint knows about the underlying transport.
type SendFunc func(buf []byte, addr net.Addr) error

// Endpoint is the per-peer transport object: one ARQ engine, one
// controller, one pacer, keyed by (local addr, remote addr, conv).
type Endpoint struct {
	mu sync.Mutex

	// id correlates every log line this endpoint emits across its
	// lifetime, independent of conv (which can be renegotiated).
	id         guuid.GUUID
	cfg        *quantumcfg.Config
	state      State
	probeSent  bool
	remoteAddr net.Addr

	arq  *arq.Engine
	ctrl *controller.Controller
	pace *pacer.Pacer

	lastFeedbackEmit time.Time

	readyCh chan struct{}

	pacingRateCh    chan float64
	targetBitrateCh chan float64

	logger *zap.Logger
	tracer trace.Tracer

	closed bool
}

// New creates an Endpoint bound to remoteAddr. conv == 0 starts the
// endpoint in StateWaitingConv (client dialing for the first time); any
// other value (server-side accept) starts it established. send is called
// by the endpoint's own pacer to put bytes on the wire; it is shared by
// every sibling Endpoint bound to the same socket.
func New(cfg *quantumcfg.Config, conv uint32, send SendFunc, remoteAddr net.Addr, logger *zap.Logger, tracer trace.Tracer) *Endpoint {
	if cfg == nil {
		cfg = quantumcfg.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	id, err := guuid.New()
	if err != nil {
		// crypto/rand failure is effectively unrecoverable; fall back to
		// the zero id rather than failing endpoint construction over a
		// correlation id.
		id = guuid.Zero()
	}

	e := &Endpoint{
		id:              id,
		cfg:             cfg,
		remoteAddr:      remoteAddr,
		ctrl:            controller.New(&controller.Config{MSS: float64(cfg.MSS)}),
		readyCh:         make(chan struct{}),
		pacingRateCh:    make(chan float64, 1),
		targetBitrateCh: make(chan float64, 1),
		logger:          logger.With(zap.String("endpoint_id", id.String())),
		tracer:          tracer,
	}
	if conv == 0 {
		e.state = StateWaitingConv
	} else {
		e.state = StateEstablished
	}

	e.pace = pacer.New(pacer.Config{
		QueueCapacity: cfg.PacerQueueCapacity,
		MSS:           cfg.MSS,
		Send: func(buf []byte, addr interface{}) error {
			a, _ := addr.(net.Addr)
			if a == nil {
				a = e.remoteAddr
			}
			return send(buf, a)
		},
	})

	e.arq = arq.New(&arq.Config{
		Conv:                 conv,
		MSS:                  cfg.MSS,
		SendWindow:           cfg.SendWindow,
		RecvWindow:           cfg.RecvWindow,
		StreamMode:           cfg.StreamMode,
		AllowRecvEmptyPacket: cfg.AllowRecvEmptyPacket,
		Output: func(buf []byte) error {
			err := e.pace.Enqueue(buf, e.remoteAddr)
			if errors.Is(err, quantumerr.ErrOverflow) {
				// Pacer backpressure drops the segment locally; it stays
				// in the ARQ window and retransmission recovers it.
				e.logger.Debug("pacer queue full, segment dropped")
				return nil
			}
			return err
		},
	})

	return e
}

// wake broadcasts to every Send/Recv call currently blocked on a capacity
// or delivery change. Callers must hold mu.
func (e *Endpoint) wake() {
	close(e.readyCh)
	e.readyCh = make(chan struct{})
}

// Conv returns the current conversation id (0 if still unassigned).
func (e *Endpoint) Conv() uint32 { return e.arq.Conv() }

// ID returns the endpoint's correlation id, stable for its whole
// lifetime and independent of conv (which can be renegotiated).
func (e *Endpoint) ID() guuid.GUUID { return e.id }

// State returns the endpoint's current lifecycle state.
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// RemoteAddr returns the peer address this endpoint is bound to.
func (e *Endpoint) RemoteAddr() net.Addr { return e.remoteAddr }

// Snapshot returns the controller's current congestion state.
func (e *Endpoint) Snapshot() controller.Snapshot { return e.ctrl.Snapshot() }

// PacingRateUpdates returns the latest-value channel the pacing rate is
// published on; a reader always sees the most recent value and may skip
// intermediate ones.
func (e *Endpoint) PacingRateUpdates() <-chan float64 { return e.pacingRateCh }

// TargetBitrateUpdates mirrors PacingRateUpdates for target bitrate.
func (e *Endpoint) TargetBitrateUpdates() <-chan float64 { return e.targetBitrateCh }

// Send copies buf into the ARQ send queue, blocking (cooperatively, via
// ctx) while the send window is full or the conversation id has not yet
// been negotiated. The very first Send on a waiting-conv endpoint is sent
// bare, truncated to one MSS, to elicit a server-assigned conv.
func (e *Endpoint) Send(ctx context.Context, buf []byte) error {
	for {
		e.mu.Lock()
		if e.closed || e.state == StateClosing || e.state == StateClosed {
			e.mu.Unlock()
			return quantumerr.ErrBrokenPipe
		}
		if e.state == StateWaitingConv {
			if !e.probeSent {
				e.probeSent = true
				e.mu.Unlock()
				return e.arq.ProbeSend(buf)
			}
			ch := e.readyCh
			e.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		ready := e.arq.CanSend()
		ch := e.readyCh
		e.mu.Unlock()
		if !ready {
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		break
	}

	if err := e.arq.Send(buf); err != nil {
		return err
	}
	if e.cfg.FlushWrite {
		e.flushAndAccount()
	}
	return nil
}

// flushAndAccount runs one ARQ flush and routes its NewlySent/Lost
// events into the controller, the same processor Update uses. These two
// flush-result sites are the only places sent-notifications enter the
// controller, so each first transmission is recorded exactly once.
func (e *Endpoint) flushAndAccount() {
	res, err := e.arq.Flush()
	if err != nil {
		e.logger.Warn("arq flush failed", zap.Error(err))
		return
	}
	e.account(res)
}

func (e *Endpoint) account(res arq.FlushResult) {
	for _, s := range res.NewlySent {
		e.ctrl.OnPacketSent(s.Sn, s.Size)
	}
	for _, sn := range res.Lost {
		e.ctrl.OnPacketLoss(sn)
	}
}

// Recv copies the oldest ready message into buf, blocking (cooperatively,
// via ctx) while the receive queue is empty.
func (e *Endpoint) Recv(ctx context.Context, buf []byte) (int, error) {
	for {
		n, err := e.arq.Recv(buf)
		if err == nil {
			return n, nil
		}
		if !errors.Is(err, arq.ErrNoData) {
			return 0, err
		}

		e.mu.Lock()
		closed := e.closed
		ch := e.readyCh
		e.mu.Unlock()
		if closed {
			return 0, quantumerr.ErrBrokenPipe
		}

		select {
		case <-ch:
			continue
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Input classifies one inbound datagram and folds the result into
// controller state: a feedback datagram (magic prefixed) is routed to
// the controller, everything else to the ARQ engine.
func (e *Endpoint) Input(buf []byte, now time.Time) error {
	var span trace.Span
	if e.tracer != nil {
		_, span = e.tracer.Start(context.Background(), "endpoint.input")
		defer span.End()
	}

	if controller.IsFeedbackDatagram(buf) {
		if err := e.ctrl.OnFeedback(controller.StripFeedbackMagic(buf), now); err != nil {
			return fmt.Errorf("%w: %v", quantumerr.ErrProtocol, err)
		}
		return nil
	}

	acked, pushes, err := e.arq.Input(buf)
	if err != nil {
		if span != nil {
			span.RecordError(err)
		}
		return fmt.Errorf("%w: %v", quantumerr.ErrProtocol, err)
	}
	for _, a := range acked {
		e.ctrl.OnAckKCP(a.Sn)
	}
	for _, sn := range pushes {
		e.ctrl.OnPacketReceived(sn, now)
	}
	if span != nil {
		span.SetAttributes(
			attribute.Int("quantum.acked_count", len(acked)),
			attribute.Int("quantum.pushed_count", len(pushes)),
		)
	}

	if e.cfg.FlushAcksInput {
		if err := e.arq.FlushAcks(); err != nil {
			e.logger.Warn("flush acks failed", zap.Error(err))
		}
	}

	e.mu.Lock()
	if e.state == StateWaitingConv && !e.arq.WaitingConv() {
		e.state = StateEstablished
	}
	e.wake()
	e.mu.Unlock()
	return nil
}

// Update drives the ARQ engine forward (retransmissions, newly-sent
// segments), emits any pending acks, rolls the controller forward one RTT if due, emits a pending
// feedback datagram, resizes the ARQ send window from the controller's
// reference window, and publishes the new pacing rate and target
// bitrate. It returns the next deadline (ms since epoch) the caller
// should re-invoke Update by.
func (e *Endpoint) Update(now time.Time) (int64, error) {
	var span trace.Span
	if e.tracer != nil {
		_, span = e.tracer.Start(context.Background(), "endpoint.update")
		defer span.End()
	}

	nowMs := now.UnixMilli()
	res, err := e.arq.Update(nowMs)
	if err != nil {
		return 0, err
	}
	e.account(res)
	if err := e.arq.FlushAcks(); err != nil {
		e.logger.Warn("flush acks failed", zap.Error(err))
	}

	e.mu.Lock()
	dueFeedback := e.lastFeedbackEmit.IsZero() ||
		now.Sub(e.lastFeedbackEmit) >= time.Duration(e.cfg.FeedbackIntervalMs)*time.Millisecond
	e.mu.Unlock()

	if dueFeedback {
		if records, ok := e.ctrl.CreateFeedback(); ok {
			datagram := controller.WrapFeedback(records)
			if err := e.pace.Enqueue(datagram, e.remoteAddr); err != nil {
				// Pacer backpressure on feedback is non-fatal: the next
				// tick will have fresher reception records anyway.
				e.logger.Debug("feedback datagram dropped", zap.Error(err))
			}
		}
		e.mu.Lock()
		e.lastFeedbackEmit = now
		e.mu.Unlock()
	}

	if e.ctrl.ReadyForRollover(now) {
		e.ctrl.OnRTT(now)
	}
	e.arq.SetWndSize(e.ctrl.RefWndMSS())

	rate := e.ctrl.PacingRate()
	target := e.ctrl.TargetBitrate()
	e.pace.SetRate(rate)
	publishLatest(e.pacingRateCh, rate)
	publishLatest(e.targetBitrateCh, target)

	e.mu.Lock()
	if e.state == StateClosing && e.arq.WaitSnd() == 0 {
		e.state = StateClosed
		e.closed = true
	}
	e.wake()
	e.mu.Unlock()

	if span != nil {
		span.SetAttributes(
			attribute.Int("quantum.newly_sent", len(res.NewlySent)),
			attribute.Int("quantum.lost", len(res.Lost)),
			attribute.Float64("quantum.pacing_rate_bps", rate),
		)
	}

	return e.arq.Check(nowMs), nil
}

// Close marks the endpoint closing and wakes any blocked Send/Recv. The
// caller is expected to keep invoking Update until WaitSnd reaches zero,
// at which point the endpoint transitions to StateClosed on its own.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.state == StateClosing || e.state == StateClosed {
		e.mu.Unlock()
		return nil
	}
	e.state = StateClosing
	e.wake()
	e.mu.Unlock()
	return e.pace.Close()
}

// WaitSnd reports the number of ARQ segments still queued or unacked.
func (e *Endpoint) WaitSnd() int { return e.arq.WaitSnd() }

func publishLatest(ch chan float64, v float64) {
	for {
		select {
		case ch <- v:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
