// Package pacer smooths egress datagrams to a target rate, decoupling
// the ARQ engine's flush cadence from the wire. A ticker-driven drain
// loop is composed with a token-bucket limiter (golang.org/x/time/rate)
// so that a rate change both resets the ticker's interval and
// reconfigures the limiter's admission.
package pacer

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aetherflow/quantum/internal/quantum/quantumerr"
)

const (
	// DefaultQueueCapacity is the pacer's bounded egress queue size.
	DefaultQueueCapacity = 256

	// DefaultMSS is used to size the rate limiter's token cost when the
	// caller does not override it.
	DefaultMSS = 1000

	// idleInterval is the tick period used when the pacing rate is at or
	// below 1 bit/s.
	idleInterval = time.Second
)

// datagram is one queued egress unit.
type datagram struct {
	buf  []byte
	addr interface{} // net.Addr, kept untyped here to avoid importing net for a pass-through field
}

// Pacer owns a bounded queue of ready-to-wire datagrams and drains it on
// a timer whose period is derived from the current pacing rate.
type Pacer struct {
	mu       sync.Mutex
	queue    chan datagram
	mss      int
	limiter  *rate.Limiter
	interval time.Duration

	send func(buf []byte, addr interface{}) error

	closed   bool
	closeCh  chan struct{}
	closeErr error

	intervalCh chan time.Duration
}

// Config configures a new Pacer.
type Config struct {
	// QueueCapacity bounds the egress queue. Zero uses DefaultQueueCapacity.
	QueueCapacity int

	// MSS sizes the rate limiter's token cost. Zero uses DefaultMSS.
	MSS int

	// Send is called for each dequeued datagram. A non-nil error is
	// discarded by the drain loop and never surfaced to callers of
	// Enqueue; the ARQ layer is expected to retransmit.
	Send func(buf []byte, addr interface{}) error
}

// New creates a Pacer and starts its drain loop. Call Close to stop it.
func New(cfg Config) *Pacer {
	cap := cfg.QueueCapacity
	if cap <= 0 {
		cap = DefaultQueueCapacity
	}
	mss := cfg.MSS
	if mss <= 0 {
		mss = DefaultMSS
	}

	p := &Pacer{
		queue:      make(chan datagram, cap),
		mss:        mss,
		limiter:    rate.NewLimiter(rate.Inf, mss),
		interval:   idleInterval,
		send:       cfg.Send,
		closeCh:    make(chan struct{}),
		intervalCh: make(chan time.Duration, 1),
	}
	go p.run()
	return p
}

// Enqueue submits buf for egress to addr. It never blocks: it fails with
// quantumerr.ErrOverflow if the queue is full, or quantumerr.ErrClosed
// once the pacer has been closed.
func (p *Pacer) Enqueue(buf []byte, addr interface{}) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return quantumerr.ErrClosed
	}

	select {
	case p.queue <- datagram{buf: buf, addr: addr}:
		return nil
	default:
		return quantumerr.ErrOverflow
	}
}

// SetRate applies a new pacing rate in bits/s, recomputing the drain
// interval (one MSS-sized datagram per 1/(rate/(MSS*8)) seconds) and the
// limiter's refill rate. A rate at or below 1 bps degrades to a 1s
// interval, matching an idle link. The drain ticker is reset only when
// the interval changes, so repeated calls with the same rate do not
// postpone the next drain.
func (p *Pacer) SetRate(bitsPerSecond float64) {
	var interval time.Duration
	var limit rate.Limit

	if bitsPerSecond <= 1 {
		interval = idleInterval
		limit = rate.Limit(1.0 / float64(p.mss*8))
	} else {
		bytesPerSecond := bitsPerSecond / 8
		datagramsPerSecond := bytesPerSecond / float64(p.mss)
		interval = time.Duration(float64(time.Second) / datagramsPerSecond)
		if interval <= 0 {
			interval = time.Millisecond
		}
		limit = rate.Limit(datagramsPerSecond)
	}

	p.mu.Lock()
	changed := interval != p.interval
	p.interval = interval
	p.limiter.SetLimit(limit)
	p.limiter.SetBurst(p.mss)
	p.mu.Unlock()

	if !changed {
		return
	}
	select {
	case p.intervalCh <- interval:
	default:
		// Coalesce: the run loop always reads the latest value whenever
		// it wakes, same as the controller's latest-value rate channel.
		select {
		case <-p.intervalCh:
		default:
		}
		p.intervalCh <- interval
	}
}

func (p *Pacer) run() {
	ticker := time.NewTicker(idleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.closeCh:
			return
		case newInterval := <-p.intervalCh:
			ticker.Reset(newInterval)
		case <-ticker.C:
			p.drainOne()
		}
	}
}

func (p *Pacer) drainOne() {
	if !p.limiter.AllowN(time.Now(), 1) {
		return
	}
	select {
	case d := <-p.queue:
		if p.send != nil {
			_ = p.send(d.buf, d.addr) // IoError is swallowed: ARQ retransmits
		}
	default:
		// Queue empty; yield until the next tick.
	}
}

// Close stops the drain loop. Subsequent Enqueue calls fail with
// quantumerr.ErrClosed.
func (p *Pacer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.closeCh)
	return nil
}

// QueueLen reports the number of datagrams currently queued, for
// observability.
func (p *Pacer) QueueLen() int {
	return len(p.queue)
}
