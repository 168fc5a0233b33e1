// Package arq implements a KCP-style reliable-datagram engine: windowed
// send/receive, cumulative and selective acknowledgement, and RTO-driven
// plus fast retransmission. It is the reusable ARQ codec the rest of the
// quantum stack treats as a library (conv demultiplexing, congestion
// control, and pacing all live outside this package).
package arq

import (
	"encoding/binary"
	"fmt"
)

// Command identifies the purpose of a segment.
type Command uint8

const (
	// CmdPush carries application payload.
	CmdPush Command = 81
	// CmdAck carries a cumulative ack plus optional SACK blocks.
	CmdAck Command = 82
)

const (
	// HeaderSize is the fixed 24-byte segment header:
	// conv(4) cmd(1) frg(1) wnd(2) ts(4) sn(4) una(4) len(4).
	HeaderSize = 24

	// MaxSACKRanges bounds the SACK ranges piggybacked on an ack segment.
	MaxSACKRanges = 8
)

// sackRange is a contiguous, inclusive span of received sequence numbers.
type sackRange struct {
	Start uint32
	End   uint32
}

// segment is one on-the-wire ARQ unit: header plus payload.
type segment struct {
	conv uint32
	cmd  Command
	frg  uint8
	wnd  uint16
	ts   uint32
	sn   uint32
	una  uint32
	sack []sackRange
	data []byte
}

// encode serializes the segment using the fixed little-endian layout.
// SACK ranges (ack segments only) are appended after the fixed header as
// pairs of little-endian uint32s, mirroring the feedback datagram's own
// repeated-record shape. The length field counts everything after the
// header: SACK bytes on an ack, payload bytes on a push.
func (s *segment) encode() []byte {
	buf := make([]byte, HeaderSize+len(s.sack)*8+len(s.data))
	binary.LittleEndian.PutUint32(buf[0:4], s.conv)
	buf[4] = byte(s.cmd)
	buf[5] = s.frg
	binary.LittleEndian.PutUint16(buf[6:8], s.wnd)
	binary.LittleEndian.PutUint32(buf[8:12], s.ts)
	binary.LittleEndian.PutUint32(buf[12:16], s.sn)
	binary.LittleEndian.PutUint32(buf[16:20], s.una)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(len(s.sack)*8+len(s.data)))

	off := HeaderSize
	for _, r := range s.sack {
		binary.LittleEndian.PutUint32(buf[off:off+4], r.Start)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], r.End)
		off += 8
	}
	copy(buf[off:], s.data)
	return buf
}

// decodeSegment parses one segment plus its SACK ranges off the front of
// buf and returns the number of bytes consumed.
func decodeSegment(buf []byte) (*segment, int, error) {
	if len(buf) < HeaderSize {
		return nil, 0, fmt.Errorf("arq: truncated header: need %d bytes, got %d", HeaderSize, len(buf))
	}

	s := &segment{
		conv: binary.LittleEndian.Uint32(buf[0:4]),
		cmd:  Command(buf[4]),
		frg:  buf[5],
		wnd:  binary.LittleEndian.Uint16(buf[6:8]),
		ts:   binary.LittleEndian.Uint32(buf[8:12]),
		sn:   binary.LittleEndian.Uint32(buf[12:16]),
		una:  binary.LittleEndian.Uint32(buf[16:20]),
	}
	length := binary.LittleEndian.Uint32(buf[20:24])

	off := HeaderSize
	if s.cmd == CmdAck {
		if len(buf) < off+int(length) {
			return nil, 0, fmt.Errorf("arq: truncated ack segment")
		}
		if int(length)%8 != 0 {
			return nil, 0, fmt.Errorf("arq: ack payload %d not a multiple of 8", length)
		}
		n := int(length) / 8
		if n > MaxSACKRanges {
			return nil, 0, fmt.Errorf("arq: too many SACK ranges: %d > %d", n, MaxSACKRanges)
		}
		s.sack = make([]sackRange, n)
		for i := 0; i < n; i++ {
			s.sack[i].Start = binary.LittleEndian.Uint32(buf[off : off+4])
			s.sack[i].End = binary.LittleEndian.Uint32(buf[off+4 : off+8])
			off += 8
		}
		return s, off, nil
	}

	if len(buf) < off+int(length) {
		return nil, 0, fmt.Errorf("arq: truncated push segment: need %d more bytes", int(length)-(len(buf)-off))
	}
	s.data = make([]byte, length)
	copy(s.data, buf[off:off+int(length)])
	return s, off + int(length), nil
}
