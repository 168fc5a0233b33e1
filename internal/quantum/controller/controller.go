// Package controller implements a SCReAM-v2-style delay-based congestion
// controller: RTT and base-RTT smoothing, queuing-delay averaging, a
// reference window that grows and shrinks from newly-acked bytes, loss,
// and RTT-rollover bookkeeping, and the target-bitrate / pacing-rate
// outputs the endpoint publishes to its pacer. One Controller belongs to
// exactly one endpoint.
package controller

import (
	"math"
	"sync"
	"time"
)

const (
	// MinRefWnd is the absolute floor on the reference window, in bytes.
	MinRefWnd = 2000.0

	// MinTargetBitrate / MaxTargetBitrate bound target_bitrate(), bits/s.
	MinTargetBitrate = 500_000.0
	MaxTargetBitrate = 10_000_000.0

	// PacingHeadroom scales target bitrate up to the pacing rate.
	PacingHeadroom = 1.25

	// QdelayTarget is the queuing-delay operating point, seconds.
	QdelayTarget = 0.06

	// baseRTTWindow is the sliding window over which base RTT is tracked.
	baseRTTWindow = 10 * time.Second

	rttAlpha    = 0.125 // sRTT smoothing weight on new sample
	rttVarBeta  = 0.25  // rttVar smoothing weight on new sample
	qdelayAlpha = 0.1   // qdelay_avg smoothing weight on new sample

	increaseMultiplicativeRate = 0.02
	decreaseLossFactor         = 0.7
	decreaseECNFactor          = 0.8

	inflectionGuard = 10.0 // multiples of sRTT between inflection updates
)

// inflightRecord is the controller's view of one sent-but-not-yet-resolved
// segment. It is logically owned by the controller; the ARQ engine only
// ever reports (sn, size) tuples.
type inflightRecord struct {
	sendTime   time.Time
	size       int
	ackedByARQ bool
}

// feedbackRecord is one entry awaiting transmission in a feedback datagram.
type feedbackRecord struct {
	sn          uint32
	receptionMs uint64
}

// Snapshot is a point-in-time, typed view of controller state, used by
// tests and the CSV writer so neither has to reach into private fields.
type Snapshot struct {
	SRTT                 time.Duration
	BaseRTT              time.Duration
	Qdelay               time.Duration
	QdelayAvg            time.Duration
	RefWnd               float64
	BytesInFlight        float64
	MaxBytesInFlight     float64
	MaxBytesInFlightPrev float64
	LossThisRTT          bool
	TargetBitrateBps     float64
	PacingRateBps        float64
}

// Config configures a new Controller.
type Config struct {
	MSS float64
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() *Config {
	return &Config{MSS: 1000}
}

// Controller is the per-endpoint SCReAM-v2 congestion state.
type Controller struct {
	mu sync.Mutex

	mss float64

	srtt    float64 // seconds
	rttVar  float64
	haveRTT bool

	baseRTT        float64
	minRTTInWindow float64
	windowStart    time.Time

	qdelay    float64
	qdelayAvg float64

	refWnd            float64
	refWndInflection  float64
	lastInflectionUpd time.Time

	maxBytesInFlight     float64
	maxBytesInFlightPrev float64
	bytesInFlight        float64
	bytesNewlyAcked      float64
	bytesNewlyAckedCE    float64
	lossThisRTT          bool

	lastCongestionDetected time.Time
	lastRTTRollover        time.Time

	inflight map[uint32]*inflightRecord
	pending  []feedbackRecord
}

// New creates a Controller in its initial conditions: the reference
// window starts at its own inflection point (no dampening applies until
// the window has moved), and no RTT sample has been taken.
func New(cfg *Config) *Controller {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	mss := cfg.MSS
	if mss <= 0 {
		mss = 1000
	}
	initial := 2 * mss
	if initial < MinRefWnd {
		initial = MinRefWnd
	}
	return &Controller{
		mss:              mss,
		refWnd:           initial,
		refWndInflection: initial,
		minRTTInWindow:   math.Inf(1),
		inflight:         make(map[uint32]*inflightRecord),
	}
}

// OnPacketSent records a first-transmission event. Retransmissions must
// not re-enter here; the ARQ engine only reports first sends as newly
// sent.
func (c *Controller) OnPacketSent(sn uint32, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inflight[sn] = &inflightRecord{sendTime: time.Now(), size: size}
	c.bytesInFlight += float64(size)
	if c.bytesInFlight > c.maxBytesInFlight {
		c.maxBytesInFlight = c.bytesInFlight
	}
}

// OnPacketLoss marks sn as lost: its bytes leave bytes-in-flight and the
// window-decrease trigger for this RTT is armed. The actual decrease is
// applied by the next OnRTT call, not immediately.
func (c *Controller) OnPacketLoss(sn uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec, ok := c.inflight[sn]; ok && !rec.ackedByARQ {
		c.deductInFlight(rec.size)
	}
	delete(c.inflight, sn)
	c.lossThisRTT = true
}

// OnAckKCP is called once per sequence number reported acked by the ARQ
// engine's own cumulative/SACK processing. It deducts the record's bytes
// from bytes-in-flight (exactly once) but keeps the record until the
// SCReAM-level feedback ack arrives or OnPacketLoss removes it.
func (c *Controller) OnAckKCP(sn uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.inflight[sn]
	if !ok || rec.ackedByARQ {
		return
	}
	rec.ackedByARQ = true
	c.deductInFlight(rec.size)
}

func (c *Controller) deductInFlight(size int) {
	c.bytesInFlight -= float64(size)
	if c.bytesInFlight < 0 {
		c.bytesInFlight = 0
	}
}

// OnAckSCReAM is the feedback-driven ack: it both retires the in-flight
// record (if still present) and feeds the RTT estimator using this
// controller's own recorded send time.
func (c *Controller) OnAckSCReAM(sn uint32, arrival time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.inflight[sn]
	if !ok {
		return
	}
	delete(c.inflight, sn)
	if !rec.ackedByARQ {
		c.deductInFlight(rec.size)
	}
	c.bytesNewlyAcked += float64(rec.size)

	latestRTT := arrival.Sub(rec.sendTime).Seconds()
	if latestRTT <= 0 {
		// latest_rtt of zero (or negative, from a skewed clock) is
		// ignored for RTT purposes, but the ack itself still counts
		// toward bytes_newly_acked above.
		return
	}

	if !c.haveRTT {
		c.srtt = latestRTT
		c.rttVar = latestRTT / 2
		c.haveRTT = true
		c.windowStart = arrival
		c.minRTTInWindow = latestRTT
	} else {
		c.rttVar = 0.75*c.rttVar + rttVarBeta*math.Abs(c.srtt-latestRTT)
		c.srtt = (1-rttAlpha)*c.srtt + rttAlpha*latestRTT
		if latestRTT < c.minRTTInWindow {
			c.minRTTInWindow = latestRTT
		}
	}

	if arrival.Sub(c.windowStart) >= baseRTTWindow {
		c.baseRTT = c.minRTTInWindow
		c.minRTTInWindow = math.Inf(1)
		c.windowStart = arrival
	}
	if c.baseRTT == 0 {
		// First sample in the controller's lifetime: seed base-RTT so
		// qdelay starts at zero rather than undefined.
		c.baseRTT = latestRTT
	}

	qdelay := latestRTT - c.baseRTT
	if qdelay < 0 {
		qdelay = 0
	}
	c.qdelay = qdelay
	c.qdelayAvg = (1-qdelayAlpha)*c.qdelayAvg + qdelayAlpha*qdelay
}

// OnPacketReceived buffers one feedback record for the next feedback
// datagram: a push this endpoint has accepted from the peer must be
// acknowledged back to them via the out-of-band feedback channel.
func (c *Controller) OnPacketReceived(sn uint32, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending = append(c.pending, feedbackRecord{sn: sn, receptionMs: uint64(now.UnixMilli())})
}

// OnRTT runs the per-RTT window-increase and window-decrease steps, then
// rolls the bytes-in-flight high-water marks and per-RTT counters
// forward. The caller (the endpoint) is responsible for invoking this no
// more often than once per sRTT.
func (c *Controller) OnRTT(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.increase(now)
	c.decrease(now, c.lossThisRTT, false)

	c.maxBytesInFlightPrev = c.maxBytesInFlight
	c.maxBytesInFlight = c.bytesInFlight
	c.bytesNewlyAcked = 0
	c.bytesNewlyAckedCE = 0
	c.lossThisRTT = false
	c.lastRTTRollover = now
}

func (c *Controller) increase(now time.Time) {
	if c.bytesNewlyAcked == 0 {
		return
	}

	sinceCongestion := math.Inf(1)
	if !c.lastCongestionDetected.IsZero() {
		sinceCongestion = now.Sub(c.lastCongestionDetected).Seconds()
	}
	postCongScale := clamp(sinceCongestion/(4*math.Max(0.01, c.srtt)), 0, 1)

	additive := c.bytesNewlyAcked * (c.mss / math.Max(c.refWnd, c.mss))
	multiplicative := c.refWnd * increaseMultiplicativeRate * (c.bytesNewlyAcked / math.Max(c.refWnd, 1))
	increment := additive + multiplicative*postCongScale

	if c.refWnd > c.refWndInflection && c.refWndInflection > 0 {
		scale := clamp((c.refWnd-c.refWndInflection)/c.refWndInflection, 0, 4)
		increment *= math.Max(0.25, 1-(scale/4)*(scale/4))
	}

	maxAllowed := math.Max(c.refWnd, 1.5*c.maxBytesInFlightPrev)
	if c.refWnd+increment <= maxAllowed {
		c.refWnd += increment
	} else {
		c.refWnd = maxAllowed
	}
}

func (c *Controller) decrease(now time.Time, isLoss, isECN bool) {
	if !c.lastCongestionDetected.IsZero() && now.Sub(c.lastCongestionDetected) < c.srttDuration() {
		return
	}

	reduction := 1.0
	triggered := false

	half := QdelayTarget / 2
	if c.qdelayAvg > half {
		backoff := clamp((c.qdelayAvg-half)/half, 0, 1)
		reduction = 1 - 0.5*backoff
		triggered = true
	}
	if isLoss {
		reduction = math.Min(reduction, decreaseLossFactor)
		triggered = true
	}
	if isECN {
		reduction = math.Min(reduction, decreaseECNFactor)
		triggered = true
	}
	if !triggered {
		return
	}

	if c.lastInflectionUpd.IsZero() || now.Sub(c.lastInflectionUpd) >= time.Duration(inflectionGuard*c.srttDuration()) {
		c.refWndInflection = c.refWnd
		c.lastInflectionUpd = now
	}
	c.refWnd = math.Max(MinRefWnd, c.refWnd*reduction)
	c.lastCongestionDetected = now
}

func (c *Controller) srttDuration() time.Duration {
	return time.Duration(c.srtt * float64(time.Second))
}

// ReadyForRollover reports whether at least one sRTT has elapsed since
// the last OnRTT call (or none has happened yet), which is the cadence
// the endpoint's update loop uses to decide when to call OnRTT.
func (c *Controller) ReadyForRollover(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastRTTRollover.IsZero() {
		return true
	}
	return now.Sub(c.lastRTTRollover) >= c.srttDuration()
}

// TargetBitrate returns the clamped target bitrate in bits/s.
func (c *Controller) TargetBitrate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetBitrateLocked()
}

func (c *Controller) targetBitrateLocked() float64 {
	if c.srtt == 0 {
		return MinTargetBitrate
	}
	rate := c.refWnd * 8 / c.srtt
	return clamp(rate, MinTargetBitrate, MaxTargetBitrate)
}

// PacingRate returns target bitrate scaled by the pacing headroom.
func (c *Controller) PacingRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetBitrateLocked() * PacingHeadroom
}

// RefWndMSS returns the reference window expressed in whole MSS units,
// floored at 2, for sizing the ARQ send window.
func (c *Controller) RefWndMSS() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := uint32(c.refWnd / c.mss)
	if n < 2 {
		n = 2
	}
	return n
}

// CreateFeedback drains the pending-reception list into a byte buffer of
// concatenated (sequence, reception_ms) records, without the magic
// prefix; the endpoint prefixes the magic header before the buffer goes
// on the wire. Returns ok=false if nothing is pending.
func (c *Controller) CreateFeedback() (buf []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		return nil, false
	}
	buf = encodeFeedbackRecords(c.pending)
	c.pending = nil
	return buf, true
}

// HasPendingFeedback reports whether CreateFeedback would return data.
func (c *Controller) HasPendingFeedback() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) > 0
}

// OnFeedback parses a feedback payload (magic already stripped by the
// caller) and feeds each record to OnAckSCReAM using arrival as the local
// reception time.
func (c *Controller) OnFeedback(buf []byte, arrival time.Time) error {
	records, err := decodeFeedbackRecords(buf)
	if err != nil {
		return err
	}
	for _, r := range records {
		c.OnAckSCReAM(r.sn, arrival)
	}
	return nil
}

// Snapshot returns a typed copy of the controller's published state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		SRTT:                 c.srttDuration(),
		BaseRTT:              time.Duration(c.baseRTT * float64(time.Second)),
		Qdelay:               time.Duration(c.qdelay * float64(time.Second)),
		QdelayAvg:            time.Duration(c.qdelayAvg * float64(time.Second)),
		RefWnd:               c.refWnd,
		BytesInFlight:        c.bytesInFlight,
		MaxBytesInFlight:     c.maxBytesInFlight,
		MaxBytesInFlightPrev: c.maxBytesInFlightPrev,
		LossThisRTT:          c.lossThisRTT,
		TargetBitrateBps:     c.targetBitrateLocked(),
		PacingRateBps:        c.targetBitrateLocked() * PacingHeadroom,
	}
}

// Statistics returns a loosely typed introspection view for callers
// that want a map instead of Snapshot's struct.
func (c *Controller) Statistics() map[string]interface{} {
	s := c.Snapshot()
	return map[string]interface{}{
		"srtt_ms":                  s.SRTT.Seconds() * 1000,
		"base_rtt_ms":              s.BaseRTT.Seconds() * 1000,
		"qdelay_ms":                s.Qdelay.Seconds() * 1000,
		"qdelay_avg_ms":            s.QdelayAvg.Seconds() * 1000,
		"ref_wnd":                  s.RefWnd,
		"bytes_in_flight":          s.BytesInFlight,
		"max_bytes_in_flight":      s.MaxBytesInFlight,
		"max_bytes_in_flight_prev": s.MaxBytesInFlightPrev,
		"loss_this_rtt":            s.LossThisRTT,
		"target_bitrate_bps":       s.TargetBitrateBps,
		"pacing_rate_bps":          s.PacingRateBps,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
