package arq

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNoData is returned by Recv when no reassembled message is ready yet.
// It is an expected, non-fatal condition, not a protocol failure.
var ErrNoData = errors.New("arq: no data ready")

const (
	// FastRetransmitThreshold is how many sequence numbers the highest
	// acked segment must be ahead of an earlier, still-unacked segment
	// before that segment is presumed lost.
	FastRetransmitThreshold = 3

	// DefaultRTO is the initial retransmission timeout, before any RTT
	// sample has been taken.
	DefaultRTO = 1000 // ms

	// MinRTO / MaxRTO bound the computed retransmission timeout.
	MinRTO = 200    // ms
	MaxRTO = 60_000 // ms

	// DefaultMSS is the default maximum segment size (payload bytes).
	DefaultMSS = 1000

	// DefaultWindow is the default send/receive window, in segments.
	DefaultWindow = 256
)

// AckedSegment is one segment the peer has confirmed receipt of, reported
// by Input. Size is the wire payload size of that segment, needed by the
// caller to deduct bytes-in-flight.
type AckedSegment struct {
	Sn   uint32
	Size int
}

// SentSegment describes a segment this call to Update/Flush committed to
// the wire for the first time. Retransmissions are not reported here:
// the congestion controller's sent-notification fires once per first
// transmission only.
type SentSegment struct {
	Sn   uint32
	Size int
}

// FlushResult is returned by Flush and Update.
type FlushResult struct {
	LossDetected bool
	Lost         []uint32
	NewlySent    []SentSegment
}

// inflightSeg is a segment that has left this engine but is not yet known
// to be acked.
type inflightSeg struct {
	seg          *segment
	sendTs       int64
	rto          int64
	retransCount int
	acked        bool
	firstSend    bool // true only for the initial transmission, not retransmits
}

// pendingMsg is an application message awaiting admission into the send
// window, already fragmented into segments.
type pendingMsg struct {
	frags [][]byte
}

// Engine is a single peer's ARQ state: one send window, one receive
// window, one RTT estimator. It has no notion of congestion control or
// pacing; those are layered on top by the controller and pacer packages,
// which consume Engine's return values as events.
type Engine struct {
	mu sync.Mutex

	conv       uint32
	convWait   bool // true until the peer (or we, as server) assign a conv
	streamMode bool
	mss        int

	output func([]byte) error

	// send side
	pending  []pendingMsg
	inflight map[uint32]*inflightSeg
	sndUna   uint32
	sndNxt   uint32
	sndWnd   uint32
	rmtWnd   uint32

	srtt int64
	rttv int64
	rto  int64

	// receive side
	rcvBuf      map[uint32]*segment
	rcvReady    [][]byte // fully reassembled messages ready for Recv
	rcvNxt      uint32
	rcvWnd      uint32
	allowEmpty  bool
	pendingAcks []sackAck
}

type sackAck struct {
	una  uint32
	sack []sackRange
}

// Config configures a new Engine.
type Config struct {
	Conv                 uint32
	MSS                  int
	SendWindow           uint32
	RecvWindow           uint32
	StreamMode           bool
	AllowRecvEmptyPacket bool
	Output               func([]byte) error
}

// DefaultConfig returns the default ARQ configuration.
func DefaultConfig() *Config {
	return &Config{
		MSS:        DefaultMSS,
		SendWindow: DefaultWindow,
		RecvWindow: DefaultWindow,
	}
}

// New creates an Engine. Output is called for every segment (and, via
// OutputRaw, every out-of-band datagram) this engine commits to the wire;
// it must not block for long, matching the pacer's non-blocking enqueue.
func New(cfg *Config) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MSS <= 0 {
		cfg.MSS = DefaultMSS
	}
	if cfg.SendWindow == 0 {
		cfg.SendWindow = DefaultWindow
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = DefaultWindow
	}

	return &Engine{
		conv:       cfg.Conv,
		convWait:   cfg.Conv == 0,
		streamMode: cfg.StreamMode,
		mss:        cfg.MSS,
		output:     cfg.Output,
		inflight:   make(map[uint32]*inflightSeg),
		sndNxt:     1,
		sndUna:     1,
		sndWnd:     cfg.SendWindow,
		rmtWnd:     cfg.RecvWindow,
		rto:        DefaultRTO,
		rcvBuf:     make(map[uint32]*segment),
		rcvNxt:     1,
		rcvWnd:     cfg.RecvWindow,
		allowEmpty: cfg.AllowRecvEmptyPacket,
	}
}

// Conv returns the current conversation id (0 if not yet assigned).
func (e *Engine) Conv() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conv
}

// SetConv assigns the conversation id, e.g. once a client learns the
// server-allocated value from the first reply.
func (e *Engine) SetConv(conv uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conv = conv
	e.convWait = conv == 0
}

// WaitingConv reports whether this engine still needs a server-assigned
// conversation id (client side, before the first reply).
func (e *Engine) WaitingConv() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.convWait
}

// Mss returns the configured maximum segment size.
func (e *Engine) Mss() int {
	return e.mss
}

// SndWnd returns the local send window, in segments.
func (e *Engine) SndWnd() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sndWnd
}

// RmtWnd returns the remote (peer-advertised) receive window.
func (e *Engine) RmtWnd() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rmtWnd
}

// SetWndSize applies a new local send window, typically derived from the
// congestion controller's reference window (converted to MSS units).
func (e *Engine) SetWndSize(sndWnd uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sndWnd < 2 {
		sndWnd = 2
	}
	e.sndWnd = sndWnd
}

// WaitSnd returns the number of segments queued or in flight, i.e. not yet
// fully acknowledged. An endpoint drains to zero before it may close.
func (e *Engine) WaitSnd() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.inflight)
	for _, m := range e.pending {
		n += len(m.frags)
	}
	return n
}

// Peeksize returns the byte length of the next message ready to be
// delivered by Recv, or -1 if none is ready.
func (e *Engine) Peeksize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.rcvReady) == 0 {
		return -1
	}
	return len(e.rcvReady[0])
}

// inFlightCount is the number of admitted segments not yet retired by the
// cumulative ack (selectively acked ones included) occupying the send window (used to decide whether more may be admitted).
func (e *Engine) inFlightCount() uint32 {
	return uint32(len(e.inflight))
}

// CanSend reports whether the send window has room for at least one more
// segment, and the conv has already been negotiated. Endpoints use this to
// decide whether to yield the caller.
func (e *Engine) CanSend() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.convWait {
		return false
	}
	win := e.sndWnd
	if e.rmtWnd < win {
		win = e.rmtWnd
	}
	return e.inFlightCount() < win
}

// Send queues buf as one application message, copying it so the caller
// may reuse its buffer immediately. It never blocks: if buf is larger
// than one MSS, it is split into fragments that are admitted to the
// window as capacity allows by Flush/Update. In stream mode message
// boundaries are not preserved: the bytes coalesce onto the tail of the
// pending queue so small writes share segments.
func (e *Engine) Send(buf []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(buf) == 0 && !e.allowEmpty {
		return nil
	}

	data := make([]byte, len(buf))
	copy(data, buf)

	if e.streamMode {
		e.sendStream(data)
		return nil
	}

	var frags [][]byte
	if len(data) == 0 {
		frags = [][]byte{{}}
	}
	for off := 0; off < len(data); off += e.mss {
		end := off + e.mss
		if end > len(data) {
			end = len(data)
		}
		frags = append(frags, data[off:end])
	}
	e.pending = append(e.pending, pendingMsg{frags: frags})
	return nil
}

// sendStream appends data to the pending queue byte-stream style: the
// tail fragment is topped up to one MSS before new single-fragment
// entries are added, so consecutive small writes share wire segments.
// Callers hold mu.
func (e *Engine) sendStream(data []byte) {
	if n := len(e.pending); n > 0 {
		last := &e.pending[n-1]
		tail := last.frags[len(last.frags)-1]
		if len(tail) < e.mss {
			space := e.mss - len(tail)
			if space > len(data) {
				space = len(data)
			}
			last.frags[len(last.frags)-1] = append(tail, data[:space]...)
			data = data[space:]
		}
	}
	for off := 0; off < len(data); off += e.mss {
		end := off + e.mss
		if end > len(data) {
			end = len(data)
		}
		e.pending = append(e.pending, pendingMsg{frags: [][]byte{data[off:end]}})
	}
}

// ProbeSend emits buf (truncated to one MSS) as a bare conv=0 push
// segment, bypassing window admission entirely. It implements the rule
// that the first send on a client endpoint with no assigned conv yet is
// sent bare to elicit a server-assigned conversation id; it is not
// tracked in the retransmission window since there is no conv to
// correlate a reply against yet.
func (e *Engine) ProbeSend(buf []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	data := buf
	if len(data) > e.mss {
		data = data[:e.mss]
	}
	seg := &segment{
		cmd:  CmdPush,
		wnd:  uint16(e.rcvWnd),
		ts:   uint32(nowMs()),
		sn:   e.sndNxt,
		una:  e.rcvNxt,
		data: data,
	}
	e.sndNxt++
	if e.output == nil {
		return nil
	}
	return e.output(seg.encode())
}

// nowMs is overridable in tests; by default it is wall-clock milliseconds.
var nowMs = func() int64 { return time.Now().UnixMilli() }

// Flush admits pending segments into the window and emits retransmissions;
// it is the non-timer-driven half of Update and shares its return shape.
func (e *Engine) Flush() (FlushResult, error) {
	return e.tick(nowMs())
}

// Update drives the engine forward at the cadence Check() recommends. It
// both admits new segments and evaluates retransmission timers.
func (e *Engine) Update(now int64) (FlushResult, error) {
	return e.tick(now)
}

// Check returns the next time (ms) Update should be called, based on the
// earliest pending RTO.
func (e *Engine) Check(now int64) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := now + 100
	for _, s := range e.inflight {
		if s.acked {
			continue
		}
		deadline := s.sendTs + s.rto
		if deadline < next {
			next = deadline
		}
	}
	if next < now {
		next = now
	}
	return next
}

func (e *Engine) tick(now int64) (FlushResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var result FlushResult

	// Admit pending segments into the window.
	for len(e.pending) > 0 {
		win := e.sndWnd
		if e.rmtWnd < win {
			win = e.rmtWnd
		}
		if e.inFlightCount() >= win {
			break
		}
		if e.convWait {
			break
		}

		msg := &e.pending[0]
		frag := msg.frags[0]
		msg.frags = msg.frags[1:]
		frgIdx := uint8(0)
		if len(msg.frags) < 255 {
			frgIdx = uint8(len(msg.frags))
		}
		if len(msg.frags) == 0 {
			e.pending = e.pending[1:]
		}

		sn := e.sndNxt
		e.sndNxt++

		seg := &segment{
			conv: e.conv,
			cmd:  CmdPush,
			frg:  frgIdx,
			wnd:  uint16(e.rcvWnd),
			ts:   uint32(now),
			sn:   sn,
			una:  e.rcvNxt,
			data: frag,
		}

		e.inflight[sn] = &inflightSeg{
			seg:       seg,
			sendTs:    now,
			rto:       e.rto,
			firstSend: true,
		}

		if e.output != nil {
			if err := e.output(seg.encode()); err != nil {
				return result, fmt.Errorf("arq: output: %w", err)
			}
		}
		result.NewlySent = append(result.NewlySent, SentSegment{Sn: sn, Size: len(frag)})
	}

	// Evaluate retransmission: fast retransmit for segments the ack high
	// water mark has passed, and RTO expiry. The fast path only fires on a
	// segment's first retransmission; after that the backed-off RTO governs,
	// so a straggler is not re-emitted on every tick.
	highestAcked := e.sndUna
	for sn, s := range e.inflight {
		if s.acked && sn > highestAcked {
			highestAcked = sn
		}
	}

	for sn, s := range e.inflight {
		if s.acked {
			continue
		}
		lost := false
		if s.retransCount == 0 && highestAcked > sn && (highestAcked-sn) >= FastRetransmitThreshold {
			lost = true
		} else if now >= s.sendTs+s.rto {
			lost = true
		}
		if !lost {
			continue
		}

		result.LossDetected = true
		result.Lost = append(result.Lost, sn)
		s.retransCount++
		s.sendTs = now
		s.firstSend = false
		backoff := s.retransCount
		if backoff > 5 {
			backoff = 5
		}
		s.rto = e.rto << uint(backoff)
		if s.rto > MaxRTO {
			s.rto = MaxRTO
		}
		s.seg.ts = uint32(now)
		s.seg.una = e.rcvNxt
		if e.output != nil {
			if err := e.output(s.seg.encode()); err != nil {
				return result, fmt.Errorf("arq: output: %w", err)
			}
		}
	}

	return result, nil
}

// Input processes one inbound datagram (an encoded segment) and returns
// the sequence numbers it acknowledged and the sequence numbers of newly
// delivered push segments.
func (e *Engine) Input(buf []byte) ([]AckedSegment, []uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	seg, _, err := decodeSegment(buf)
	if err != nil {
		return nil, nil, fmt.Errorf("arq: %w", err)
	}

	if e.conv == 0 && seg.conv != 0 {
		e.conv = seg.conv
		e.convWait = false
	}
	e.rmtWnd = uint32(seg.wnd)

	var acked []AckedSegment
	var pushes []uint32

	switch seg.cmd {
	case CmdAck:
		acked = e.handleAck(seg)
	case CmdPush:
		pushes = e.handlePush(seg)
		e.sndUnaAdvance(seg.una)
	}

	return acked, pushes, nil
}

func (e *Engine) handleAck(seg *segment) []AckedSegment {
	var acked []AckedSegment

	ackOne := func(sn uint32) {
		s, ok := e.inflight[sn]
		if !ok || s.acked {
			return
		}
		s.acked = true
		acked = append(acked, AckedSegment{Sn: sn, Size: len(s.seg.data)})
	}

	for sn := e.sndUna; sn < seg.una; sn++ {
		ackOne(sn)
	}
	for _, r := range seg.sack {
		for sn := r.Start; sn <= r.End; sn++ {
			ackOne(sn)
		}
	}

	e.sndUnaAdvance(seg.una)
	return acked
}

func (e *Engine) sndUnaAdvance(una uint32) {
	if una <= e.sndUna {
		return
	}
	e.sndUna = una
	for sn, s := range e.inflight {
		if sn < una && s.acked {
			e.updateRTO(s)
			delete(e.inflight, sn)
		}
	}
}

func (e *Engine) updateRTO(s *inflightSeg) {
	if !s.firstSend {
		// RFC 6298 / Karn's algorithm: don't sample RTT on retransmits.
		return
	}
	rtt := nowMs() - s.sendTs
	if rtt <= 0 {
		return
	}
	if e.srtt == 0 {
		e.srtt = rtt
		e.rttv = rtt / 2
	} else {
		delta := e.srtt - rtt
		if delta < 0 {
			delta = -delta
		}
		e.rttv = (e.rttv*3 + delta) / 4
		e.srtt = (e.srtt*7 + rtt) / 8
	}
	e.rto = e.srtt + 4*e.rttv
	if e.rto < MinRTO {
		e.rto = MinRTO
	} else if e.rto > MaxRTO {
		e.rto = MaxRTO
	}
}

func (e *Engine) handlePush(seg *segment) []uint32 {
	if seg.sn < e.rcvNxt {
		return nil // duplicate, already delivered
	}
	if seg.sn >= e.rcvNxt+e.rcvWnd {
		return nil // outside receive window, drop
	}
	if _, dup := e.rcvBuf[seg.sn]; dup {
		return nil
	}
	e.rcvBuf[seg.sn] = seg

	var delivered []uint32

	// Reassemble whole messages starting at rcvNxt. A message is complete
	// only once every fragment in its contiguous run has arrived; a gap
	// anywhere in the run means nothing advances yet, including later,
	// already-buffered fragments of this same message.
	for {
		run := e.contiguousRun(e.rcvNxt)
		if run == nil {
			break
		}

		var msg []byte
		for _, sn := range run {
			msg = append(msg, e.rcvBuf[sn].data...)
			delete(e.rcvBuf, sn)
			delivered = append(delivered, sn)
		}
		e.rcvNxt += uint32(len(run))
		e.rcvReady = append(e.rcvReady, msg)
	}

	e.pendingAcks = append(e.pendingAcks, e.buildAck())
	return delivered
}

// contiguousRun returns the sequence numbers of one complete message
// starting at sn (sn, sn+1, ... up to and including the fragment with
// frg==0), or nil if any segment in that run is still missing.
func (e *Engine) contiguousRun(sn uint32) []uint32 {
	var run []uint32
	for {
		s, ok := e.rcvBuf[sn]
		if !ok {
			return nil
		}
		run = append(run, sn)
		if s.frg == 0 {
			return run
		}
		sn++
	}
}

func (e *Engine) buildAck() sackAck {
	ranges := make([]sackRange, 0, len(e.rcvBuf))
	sns := make([]uint32, 0, len(e.rcvBuf))
	for sn := range e.rcvBuf {
		sns = append(sns, sn)
	}
	for i := 0; i < len(sns); i++ {
		for j := i + 1; j < len(sns); j++ {
			if sns[i] > sns[j] {
				sns[i], sns[j] = sns[j], sns[i]
			}
		}
	}
	var cur *sackRange
	for _, sn := range sns {
		if cur == nil {
			ranges = append(ranges, sackRange{Start: sn, End: sn})
			cur = &ranges[len(ranges)-1]
		} else if sn == cur.End+1 {
			cur.End = sn
		} else {
			if len(ranges) >= MaxSACKRanges {
				break
			}
			ranges = append(ranges, sackRange{Start: sn, End: sn})
			cur = &ranges[len(ranges)-1]
		}
	}
	return sackAck{una: e.rcvNxt, sack: ranges}
}

// FlushAcks emits one ack datagram per push segment accepted since the
// last call (used when flush_acks_input is enabled so acks go out
// immediately rather than waiting for the next Update tick).
func (e *Engine) FlushAcks() error {
	e.mu.Lock()
	pending := e.pendingAcks
	e.pendingAcks = nil
	conv := e.conv
	rcvWnd := e.rcvWnd
	e.mu.Unlock()

	for _, a := range pending {
		seg := &segment{
			conv: conv,
			cmd:  CmdAck,
			wnd:  uint16(rcvWnd),
			ts:   uint32(nowMs()),
			una:  a.una,
			sack: a.sack,
		}
		if e.output != nil {
			if err := e.output(seg.encode()); err != nil {
				return fmt.Errorf("arq: output: %w", err)
			}
		}
	}
	return nil
}

// Recv copies the oldest ready message into buf, returning its length.
// ErrNoData is returned (not a fatal error) when nothing is ready yet.
func (e *Engine) Recv(buf []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for !e.allowEmpty && len(e.rcvReady) > 0 && len(e.rcvReady[0]) == 0 {
		e.rcvReady = e.rcvReady[1:]
	}
	if len(e.rcvReady) == 0 {
		return 0, ErrNoData
	}
	msg := e.rcvReady[0]
	e.rcvReady = e.rcvReady[1:]
	n := copy(buf, msg)
	return n, nil
}

// OutputRaw bypasses ARQ framing entirely, used for out-of-band datagrams
// (e.g. congestion-control feedback) that share the socket but must never
// be mistaken for a segment.
func (e *Engine) OutputRaw(buf []byte) error {
	if e.output == nil {
		return nil
	}
	return e.output(buf)
}
