package controller

import (
	"encoding/binary"
	"fmt"
)

const (
	// FeedbackMagic identifies a feedback datagram on the wire. Encoded
	// little-endian it occupies the first four bytes as 0x42 0x46 0x4D
	// 0x5C.
	FeedbackMagic uint32 = 0x5C4D4642

	// feedbackRecordSize is the wire size of one (sequence, reception_ms)
	// pair: a little-endian u32 followed by a little-endian u64.
	feedbackRecordSize = 12

	// MagicSize is the byte length of the feedback magic prefix.
	MagicSize = 4
)

// IsFeedbackDatagram reports whether buf begins with the feedback magic.
// Receivers must check this before attempting ARQ framing.
func IsFeedbackDatagram(buf []byte) bool {
	if len(buf) < MagicSize {
		return false
	}
	return binary.LittleEndian.Uint32(buf[:MagicSize]) == FeedbackMagic
}

// WrapFeedback prefixes records (as returned by CreateFeedback) with the
// magic header, producing a complete on-wire feedback datagram.
func WrapFeedback(records []byte) []byte {
	buf := make([]byte, MagicSize+len(records))
	binary.LittleEndian.PutUint32(buf[:MagicSize], FeedbackMagic)
	copy(buf[MagicSize:], records)
	return buf
}

// StripFeedbackMagic removes the leading magic prefix, returning the
// records payload that OnFeedback expects. It is the caller's
// responsibility to have already confirmed IsFeedbackDatagram(buf).
func StripFeedbackMagic(buf []byte) []byte {
	if len(buf) < MagicSize {
		return nil
	}
	return buf[MagicSize:]
}

func encodeFeedbackRecords(records []feedbackRecord) []byte {
	buf := make([]byte, len(records)*feedbackRecordSize)
	off := 0
	for _, r := range records {
		binary.LittleEndian.PutUint32(buf[off:off+4], r.sn)
		binary.LittleEndian.PutUint64(buf[off+4:off+12], r.receptionMs)
		off += feedbackRecordSize
	}
	return buf
}

func decodeFeedbackRecords(buf []byte) ([]feedbackRecord, error) {
	if len(buf)%feedbackRecordSize != 0 {
		return nil, fmt.Errorf("controller: truncated feedback payload: %d bytes not a multiple of %d", len(buf), feedbackRecordSize)
	}
	n := len(buf) / feedbackRecordSize
	records := make([]feedbackRecord, n)
	off := 0
	for i := 0; i < n; i++ {
		records[i].sn = binary.LittleEndian.Uint32(buf[off : off+4])
		records[i].receptionMs = binary.LittleEndian.Uint64(buf[off+4 : off+12])
		off += feedbackRecordSize
	}
	return records, nil
}
