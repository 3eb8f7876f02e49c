package diagnostics

import "fmt"

var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes renders a byte count in exactly eight characters, e.g.
// "99.0   B" or " 1.5 KiB".
func formatBytes(b float64) string {
	unit := 0
	for b > 99 && unit < len(byteUnits)-1 {
		b /= 1024
		unit++
	}
	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unit])
}

func formatThroughput(in, out float64, peers int) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Peers: %d", formatBytes(in), formatBytes(out), peers)
}
