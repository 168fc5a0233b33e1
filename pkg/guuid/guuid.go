// Package guuid mints the 16-byte correlation ids that tag a quantum
// endpoint for its whole lifetime. Unlike the conversation id, which is
// negotiated with the peer and can be reassigned, a GUUID is purely
// local: it exists so every log line an endpoint emits can be correlated
// across conv renegotiation and across endpoints sharing one socket.
package guuid

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// GUUID is an endpoint correlation id. The first 8 bytes embed the mint
// time (big-endian Unix nanoseconds) so ids from long-lived processes
// sort in creation order without a side table; the last 8 bytes are
// random.
type GUUID [16]byte

// New mints a GUUID stamped with the current time.
func New() (GUUID, error) {
	var g GUUID
	binary.BigEndian.PutUint64(g[:8], uint64(time.Now().UnixNano()))
	if _, err := rand.Read(g[8:]); err != nil {
		return GUUID{}, fmt.Errorf("guuid: %w", err)
	}
	return g, nil
}

// Zero returns the zero-valued GUUID, used as a fallback when entropy
// is unavailable at endpoint construction.
func Zero() GUUID {
	return GUUID{}
}

// Parse reads a GUUID back from its String form.
func Parse(s string) (GUUID, error) {
	if len(s) != 32 {
		return GUUID{}, fmt.Errorf("guuid: want 32 hex chars, got %d", len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return GUUID{}, fmt.Errorf("guuid: %w", err)
	}
	var g GUUID
	copy(g[:], raw)
	return g, nil
}

// String returns the id as 32 lowercase hex characters, the form logged
// under the endpoint_id key.
func (g GUUID) String() string {
	return hex.EncodeToString(g[:])
}

// IsZero reports whether g is the zero id.
func (g GUUID) IsZero() bool {
	return g == GUUID{}
}

// MintedAt extracts the embedded mint time.
func (g GUUID) MintedAt() time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(g[:8])))
}
