//go:build linux

package state

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// sysinfo load figures are fixed point with 16 fractional bits.
const loadScale = 1 << 16

// LoadAverage returns the 1, 5 and 15 minute load as "load average: a, b, c".
func LoadAverage() string {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return "-"
	}
	return fmt.Sprintf("load average: %.2f, %.2f, %.2f",
		float64(info.Loads[0])/loadScale,
		float64(info.Loads[1])/loadScale,
		float64(info.Loads[2])/loadScale)
}
