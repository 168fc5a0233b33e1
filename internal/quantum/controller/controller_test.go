package controller

import (
	"math"
	"testing"
	"time"
)

func approxEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// TestRTTSmoothing: synthetic latest_rtt samples of
// [100, 100, 100, 200] ms should leave sRTT ~= 112.5ms, rttVar ~= 46.1ms.
func TestRTTSmoothing(t *testing.T) {
	c := New(DefaultConfig())

	base := time.Unix(0, 0)
	samples := []time.Duration{100 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond}

	sendTime := base
	for i, rtt := range samples {
		sn := uint32(i + 1)
		c.inflight[sn] = &inflightRecord{sendTime: sendTime, size: 1000}
		arrival := sendTime.Add(rtt)
		c.OnAckSCReAM(sn, arrival)
		sendTime = arrival
	}

	snap := c.Snapshot()
	gotSRTT := snap.SRTT.Seconds() * 1000
	gotRTTVar := c.rttVar * 1000

	if !approxEqual(gotSRTT, 112.5, 0.5) {
		t.Fatalf("sRTT = %.3fms, want ~112.5ms", gotSRTT)
	}
	// rttVar decays by 0.75 on the three equal samples, then picks up the
	// 100ms-vs-200ms divergence on the fourth: 0.05*0.75^3 + 0.25*0.1s.
	wantRTTVar := (0.05*0.75*0.75*0.75 + 0.25*0.1) * 1000
	if !approxEqual(gotRTTVar, wantRTTVar, 0.5) {
		t.Fatalf("rttVar = %.3fms, want ~%.3fms", gotRTTVar, wantRTTVar)
	}
}

// TestLossBackoff: ref_wnd=20000, on_packet_loss, then
// on_rtt should leave ref_wnd = 20000*0.7 = 14000.
func TestLossBackoff(t *testing.T) {
	c := New(DefaultConfig())
	c.refWnd = 20000
	c.refWndInflection = 20000

	c.OnPacketLoss(1)

	now := time.Now()
	c.OnRTT(now)

	if !approxEqual(c.refWnd, 14000, 1) {
		t.Fatalf("ref_wnd = %.3f, want 14000", c.refWnd)
	}
}

// TestQueueDelayBackoff: qdelay_avg reaches the
// qdelay_target (0.06s) then one more RTT's worth; on_rtt should then
// halve ref_wnd (factor 1 - 0.5*1 = 0.5).
func TestQueueDelayBackoff(t *testing.T) {
	c := New(DefaultConfig())
	c.refWnd = 20000
	c.refWndInflection = 20000
	c.baseRTT = 0.01
	c.srtt = 0.05
	c.qdelayAvg = QdelayTarget

	now := time.Now()
	// Advance the EWMA by one more synthetic sample at the same qdelay so
	// qdelay_avg remains pinned at the target (0.9*target + 0.1*target).
	c.qdelay = QdelayTarget
	c.qdelayAvg = 0.9*c.qdelayAvg + 0.1*c.qdelay

	c.OnRTT(now)

	if !approxEqual(c.refWnd, 10000, 1) {
		t.Fatalf("ref_wnd = %.3f, want 10000 (halved)", c.refWnd)
	}
}

func TestTargetBitrateClampedWhenNoRTT(t *testing.T) {
	c := New(DefaultConfig())
	if got := c.TargetBitrate(); got != MinTargetBitrate {
		t.Fatalf("TargetBitrate() = %v, want %v when sRTT=0", got, MinTargetBitrate)
	}
}

func TestTargetBitrateClampedToMax(t *testing.T) {
	c := New(DefaultConfig())
	c.srtt = 0.001
	c.refWnd = 10_000_000

	if got := c.PacingRate(); got != MaxTargetBitrate*PacingHeadroom {
		t.Fatalf("PacingRate() = %v, want %v", got, MaxTargetBitrate*PacingHeadroom)
	}
}

func TestBytesInFlightNeverNegative(t *testing.T) {
	c := New(DefaultConfig())
	c.OnPacketSent(1, 100)
	c.OnAckKCP(1)
	c.OnAckKCP(1) // duplicate ack must not double-deduct
	c.OnPacketLoss(1)

	snap := c.Snapshot()
	if snap.BytesInFlight < 0 {
		t.Fatalf("bytes_in_flight = %v, must be >= 0", snap.BytesInFlight)
	}
}

func TestFeedbackRoundTrip(t *testing.T) {
	c := New(DefaultConfig())
	now := time.Now()

	c.OnPacketReceived(5, now)
	c.OnPacketReceived(6, now.Add(time.Millisecond))

	if !c.HasPendingFeedback() {
		t.Fatal("expected pending feedback after OnPacketReceived")
	}

	records, ok := c.CreateFeedback()
	if !ok {
		t.Fatal("CreateFeedback() ok=false, want true")
	}
	if c.HasPendingFeedback() {
		t.Fatal("pending feedback should be drained after CreateFeedback")
	}

	wire := WrapFeedback(records)
	if !IsFeedbackDatagram(wire) {
		t.Fatal("wrapped feedback datagram should carry the magic prefix")
	}
	if len(wire) < 4 {
		t.Fatalf("feedback datagram too short: %d bytes", len(wire))
	}

	c.OnPacketSent(5, 100)
	c.OnPacketSent(6, 100)

	if err := c.OnFeedback(StripFeedbackMagic(wire), now.Add(10*time.Millisecond)); err != nil {
		t.Fatalf("OnFeedback: %v", err)
	}

	snap := c.Snapshot()
	if snap.BytesInFlight != 0 {
		t.Fatalf("bytes_in_flight = %v after both acks retire, want 0", snap.BytesInFlight)
	}
}

func TestDecodeFeedbackRecordsRejectsMisalignedPayload(t *testing.T) {
	if _, err := decodeFeedbackRecords(make([]byte, 7)); err == nil {
		t.Fatal("expected error for payload not a multiple of 12")
	}
}

func TestRefWndMSSFloorsAtTwo(t *testing.T) {
	c := New(&Config{MSS: 1000})
	c.refWnd = 500 // below 2*MSS
	if got := c.RefWndMSS(); got != 2 {
		t.Fatalf("RefWndMSS() = %d, want floor of 2", got)
	}
}
