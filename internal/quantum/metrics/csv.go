package metrics

import (
	"fmt"
	"os"
	"time"

	"github.com/aetherflow/quantum/internal/quantum/controller"
)

// csvHeader is the column list for the per-tick observability log.
const csvHeader = "timestamp_ms,srtt_ms,base_rtt_ms,qdelay_ms,qdelay_avg_ms,bitrate_kbps,ref_wnd,bytes_in_flight,max_bytes_in_flight,loss_flag\n"

// AppendCSV opens path, appends one per-tick CSV row, and closes the
// handle before returning. The file handle must not be held across
// ticks, so every call pays its own open/write/close.
func AppendCSV(path string, now time.Time, snap controller.Snapshot) error {
	writeHeader := false
	if fi, err := os.Stat(path); err != nil || fi.Size() == 0 {
		writeHeader = true
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("metrics: open csv %s: %w", path, err)
	}
	defer f.Close()

	if writeHeader {
		if _, err := f.WriteString(csvHeader); err != nil {
			return fmt.Errorf("metrics: write csv header: %w", err)
		}
	}

	lossFlag := 0
	if snap.LossThisRTT {
		lossFlag = 1
	}
	row := fmt.Sprintf("%d,%.3f,%.3f,%.3f,%.3f,%.3f,%.1f,%.1f,%.1f,%d\n",
		now.UnixMilli(),
		snap.SRTT.Seconds()*1000,
		snap.BaseRTT.Seconds()*1000,
		snap.Qdelay.Seconds()*1000,
		snap.QdelayAvg.Seconds()*1000,
		snap.TargetBitrateBps/1000,
		snap.RefWnd,
		snap.BytesInFlight,
		snap.MaxBytesInFlight,
		lossFlag,
	)
	if _, err := f.WriteString(row); err != nil {
		return fmt.Errorf("metrics: write csv row: %w", err)
	}
	return nil
}
