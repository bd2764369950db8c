//go:build !linux

package state

// LoadAverage is unavailable off Linux.
func LoadAverage() string {
	return "-"
}
