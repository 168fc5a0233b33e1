package arq

import (
	"bytes"
	"testing"
)

// wireUp connects two engines' outputs directly to each other's Input,
// simulating a lossless loopback link.
func wireUp(a, b *Engine) {
	a.output = func(buf []byte) error {
		_, _, err := b.Input(buf)
		return err
	}
	b.output = func(buf []byte) error {
		_, _, err := a.Input(buf)
		return err
	}
}

func TestEngineEchoRoundTrip(t *testing.T) {
	client := New(&Config{Conv: 5, MSS: 64})
	server := New(&Config{Conv: 5, MSS: 64})
	wireUp(client, server)

	if err := client.Send([]byte("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := client.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	buf := make([]byte, 64)
	n, err := server.Recv(buf)
	if err != nil {
		t.Fatalf("server Recv: %v", err)
	}
	if got := string(buf[:n]); got != "ping" {
		t.Fatalf("server received %q, want %q", got, "ping")
	}

	if err := server.Send([]byte("pong")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := server.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	n, err = client.Recv(buf)
	if err != nil {
		t.Fatalf("client Recv: %v", err)
	}
	if got := string(buf[:n]); got != "pong" {
		t.Fatalf("client received %q, want %q", got, "pong")
	}
}

func TestEngineFragmentsLargeMessage(t *testing.T) {
	client := New(&Config{Conv: 1, MSS: 8})
	server := New(&Config{Conv: 1, MSS: 8})
	wireUp(client, server)

	msg := bytes.Repeat([]byte("x"), 30)
	if err := client.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Drain the window across several flushes, since MSS=8 over a 30-byte
	// message needs 4 segments and each Flush only admits within the
	// current window (which is plenty here, but emulate a real loop).
	for i := 0; i < 10 && client.WaitSnd() > 0; i++ {
		if _, err := client.Flush(); err != nil {
			t.Fatalf("Flush: %v", err)
		}
	}

	buf := make([]byte, 64)
	n, err := server.Recv(buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Fatalf("reassembled message mismatch: got %d bytes, want %d", n, len(msg))
	}
}

func TestEngineOutOfOrderDelivery(t *testing.T) {
	client := New(&Config{Conv: 9, MSS: 4})
	server := New(&Config{Conv: 9, MSS: 4})

	var captured [][]byte
	client.output = func(buf []byte) error {
		cp := append([]byte{}, buf...)
		captured = append(captured, cp)
		return nil
	}
	server.output = func(buf []byte) error { return nil }

	// Three 4-byte fragments of one 12-byte message.
	if err := client.Send([]byte("ABCDEFGHIJKL")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	// Nothing acks these segments, so WaitSnd stays at 3; bound the loop.
	for i := 0; i < 10 && client.WaitSnd() > 0; i++ {
		if _, err := client.Flush(); err != nil {
			t.Fatalf("Flush: %v", err)
		}
	}
	if len(captured) != 3 {
		t.Fatalf("expected 3 fragments, got %d", len(captured))
	}

	// Deliver to server out of order: 2, 0, 1.
	if _, _, err := server.Input(captured[2]); err != nil {
		t.Fatalf("Input: %v", err)
	}
	if server.Peeksize() != -1 {
		t.Fatalf("message should not be ready before all fragments arrive")
	}
	if _, _, err := server.Input(captured[0]); err != nil {
		t.Fatalf("Input: %v", err)
	}
	if server.Peeksize() != -1 {
		t.Fatalf("message should still not be ready with a gap")
	}
	if _, _, err := server.Input(captured[1]); err != nil {
		t.Fatalf("Input: %v", err)
	}

	buf := make([]byte, 32)
	n, err := server.Recv(buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(buf[:n]) != "ABCDEFGHIJKL" {
		t.Fatalf("reassembled = %q", buf[:n])
	}
}

func TestEngineStreamModeCoalescesWrites(t *testing.T) {
	client := New(&Config{Conv: 3, MSS: 8, StreamMode: true})
	server := New(&Config{Conv: 3, MSS: 8})

	var segs int
	client.output = func(buf []byte) error {
		segs++
		_, _, err := server.Input(buf)
		return err
	}

	// Two writes totalling exactly one MSS must share a single segment.
	if err := client.Send([]byte("abc")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := client.Send([]byte("defgh")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := client.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if segs != 1 {
		t.Fatalf("sent %d segments, want 1 coalesced segment", segs)
	}

	buf := make([]byte, 32)
	n, err := server.Recv(buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(buf[:n]) != "abcdefgh" {
		t.Fatalf("received %q, want %q", buf[:n], "abcdefgh")
	}
}

func TestEngineConvNegotiation(t *testing.T) {
	client := New(&Config{Conv: 0, MSS: 64})
	if !client.WaitingConv() {
		t.Fatal("client with conv=0 should be waiting for a conv")
	}
	if client.CanSend() {
		t.Fatal("client should not admit segments before conv is assigned")
	}

	client.SetConv(777)
	if client.WaitingConv() {
		t.Fatal("client should no longer be waiting once conv is set")
	}
	if client.Conv() != 777 {
		t.Fatalf("Conv() = %d, want 777", client.Conv())
	}
}

func TestEngineServerLearnsConvFromInput(t *testing.T) {
	server := New(&Config{Conv: 0, MSS: 64})
	seg := &segment{conv: 55, cmd: CmdPush, una: 1, sn: 1, data: []byte("hi")}
	if _, _, err := server.Input(seg.encode()); err != nil {
		t.Fatalf("Input: %v", err)
	}
	if server.Conv() != 55 {
		t.Fatalf("server Conv() = %d, want 55", server.Conv())
	}
}

func TestEngineRetransmitsOnRTO(t *testing.T) {
	var sent int
	e := New(&Config{Conv: 1, MSS: 32})
	e.output = func(buf []byte) error {
		sent++
		return nil
	}

	base := int64(1_000_000)
	orig := nowMs
	nowMs = func() int64 { return base }
	defer func() { nowMs = orig }()

	if err := e.Send([]byte("retry me")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := e.Update(base); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if sent != 1 {
		t.Fatalf("sent = %d after first Update, want 1", sent)
	}

	result, err := e.Update(base + DefaultRTO + 1)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !result.LossDetected {
		t.Fatal("expected loss detection after RTO expiry")
	}
	if sent != 2 {
		t.Fatalf("sent = %d after RTO retransmit, want 2", sent)
	}
}

func TestEngineFastRetransmit(t *testing.T) {
	e := New(&Config{Conv: 1, MSS: 16})
	var segs [][]byte
	e.output = func(buf []byte) error {
		segs = append(segs, append([]byte{}, buf...))
		return nil
	}

	for i := 0; i < 4; i++ {
		if err := e.Send([]byte("m")); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if _, err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(segs) != 4 {
		t.Fatalf("sent %d segments, want 4", len(segs))
	}

	// Ack only the last (4th) segment via SACK, leaving the first three
	// unacked but 3 sequence numbers behind the high water mark.
	ack := &segment{conv: 1, cmd: CmdAck, una: 1, sack: []sackRange{{Start: 4, End: 4}}}
	if _, _, err := e.Input(ack.encode()); err != nil {
		t.Fatalf("Input: %v", err)
	}

	result, err := e.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !result.LossDetected {
		t.Fatal("expected fast retransmit to flag loss")
	}
	if len(result.Lost) != 1 || result.Lost[0] != 1 {
		t.Fatalf("expected sn 1 to be flagged lost, got %v", result.Lost)
	}
}

func TestEngineWaitSndDrainsToZero(t *testing.T) {
	client := New(&Config{Conv: 1, MSS: 64})
	server := New(&Config{Conv: 1, MSS: 64})
	wireUp(client, server)

	if err := client.Send([]byte("drain")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if client.WaitSnd() == 0 {
		t.Fatal("WaitSnd should be nonzero before flush")
	}
	if _, err := client.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	buf := make([]byte, 16)
	if _, err := server.Recv(buf); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := server.FlushAcks(); err != nil {
		t.Fatalf("FlushAcks: %v", err)
	}

	if got := client.WaitSnd(); got != 0 {
		t.Fatalf("WaitSnd() = %d after ack, want 0", got)
	}
}
