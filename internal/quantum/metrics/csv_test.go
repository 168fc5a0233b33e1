package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aetherflow/quantum/internal/quantum/controller"
)

func TestAppendCSVWritesHeaderOnceAndRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quantum.csv")
	snap := controller.Snapshot{
		SRTT:             112500 * time.Microsecond,
		BaseRTT:          100 * time.Millisecond,
		RefWnd:           20000,
		BytesInFlight:    4000,
		MaxBytesInFlight: 8000,
		TargetBitrateBps: 1_422_222,
		LossThisRTT:      true,
	}

	now := time.UnixMilli(1_700_000_000_000)
	if err := AppendCSV(path, now, snap); err != nil {
		t.Fatalf("AppendCSV: %v", err)
	}
	if err := AppendCSV(path, now.Add(10*time.Millisecond), snap); err != nil {
		t.Fatalf("AppendCSV: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header + 2 rows", len(lines))
	}
	if !strings.HasPrefix(lines[0], "timestamp_ms,srtt_ms,base_rtt_ms") {
		t.Fatalf("unexpected header %q", lines[0])
	}
	if strings.HasPrefix(lines[1], "timestamp_ms") || strings.HasPrefix(lines[2], "timestamp_ms") {
		t.Fatal("header repeated in data rows")
	}
	if !strings.HasPrefix(lines[1], "1700000000000,112.500,100.000") {
		t.Fatalf("unexpected first row %q", lines[1])
	}
	if !strings.HasSuffix(lines[1], ",1") {
		t.Fatalf("loss flag missing from row %q", lines[1])
	}
}
