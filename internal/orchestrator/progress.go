package orchestrator

import "fmt"

var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// FormatBytes renders a byte count the way a restore summary or
// progress callback wants it: the original engine's size_to_human
// helper, so a multi-gigabyte archive shows up as "4.2 GiB" instead of
// a raw byte count in the Orchestrator's summary table.
func FormatBytes(n int64) string {
	if n < 1024 {
		return fmt.Sprintf("%d B", n)
	}
	f := float64(n)
	unit := 0
	for f >= 1024 && unit < len(byteUnits)-1 {
		f /= 1024
		unit++
	}
	return fmt.Sprintf("%.1f %s", f, byteUnits[unit])
}
