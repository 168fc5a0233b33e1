package arq

import "testing"

func TestSegmentEncodeDecodePush(t *testing.T) {
	s := &segment{
		conv: 1234,
		cmd:  CmdPush,
		frg:  2,
		wnd:  256,
		ts:   9000,
		sn:   7,
		una:  3,
		data: []byte("hello world"),
	}

	buf := s.encode()
	if len(buf) != HeaderSize+len(s.data) {
		t.Fatalf("encoded length = %d, want %d", len(buf), HeaderSize+len(s.data))
	}

	got, n, err := decodeSegment(buf)
	if err != nil {
		t.Fatalf("decodeSegment: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d bytes, want %d", n, len(buf))
	}
	if got.conv != s.conv || got.cmd != s.cmd || got.frg != s.frg || got.wnd != s.wnd ||
		got.ts != s.ts || got.sn != s.sn || got.una != s.una {
		t.Fatalf("decoded header mismatch: got %+v, want %+v", got, s)
	}
	if string(got.data) != string(s.data) {
		t.Fatalf("decoded data = %q, want %q", got.data, s.data)
	}
}

func TestSegmentEncodeDecodeAck(t *testing.T) {
	s := &segment{
		conv: 42,
		cmd:  CmdAck,
		wnd:  128,
		ts:   1,
		una:  10,
		sack: []sackRange{{Start: 11, End: 13}, {Start: 20, End: 20}},
	}

	buf := s.encode()
	got, n, err := decodeSegment(buf)
	if err != nil {
		t.Fatalf("decodeSegment: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d bytes, want %d", n, len(buf))
	}
	if len(got.sack) != len(s.sack) {
		t.Fatalf("sack ranges = %d, want %d", len(got.sack), len(s.sack))
	}
	for i := range s.sack {
		if got.sack[i] != s.sack[i] {
			t.Errorf("sack[%d] = %+v, want %+v", i, got.sack[i], s.sack[i])
		}
	}
}

func TestDecodeSegmentTruncatedHeader(t *testing.T) {
	if _, _, err := decodeSegment(make([]byte, HeaderSize-1)); err == nil {
		t.Fatal("expected error for truncated header")
	}
}

func TestDecodeSegmentTruncatedPayload(t *testing.T) {
	s := &segment{cmd: CmdPush, data: []byte("abc")}
	buf := s.encode()
	if _, _, err := decodeSegment(buf[:len(buf)-1]); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestDecodeSegmentTooManySACKRanges(t *testing.T) {
	s := &segment{cmd: CmdAck}
	for i := 0; i < MaxSACKRanges+1; i++ {
		s.sack = append(s.sack, sackRange{Start: uint32(i * 2), End: uint32(i*2 + 1)})
	}
	buf := s.encode()
	if _, _, err := decodeSegment(buf); err == nil {
		t.Fatal("expected error for too many SACK ranges")
	}
}

func TestDecodeSegmentBadSACKAlignment(t *testing.T) {
	s := &segment{cmd: CmdAck, una: 1}
	buf := s.encode()
	// Claim a payload length that is not a multiple of 8.
	buf[20] = 3
	if _, _, err := decodeSegment(buf); err == nil {
		t.Fatal("expected error for misaligned SACK payload")
	}
}
