// Package space reports free device storage and enforces a fixed safety
// reserve on the cache volume.
package space

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DefaultReserveBytes keeps 100 MiB free for the rest of the device.
const DefaultReserveBytes = 100 * 1024 * 1024

// Monitor queries free space on the volume holding the managed root.
type Monitor struct {
	path         string
	reserveBytes int64

	// statfs is swappable so tests can simulate full disks.
	statfs func(path string) (int64, error)
}

// NewMonitor creates a monitor for the volume containing path. A reserve of
// zero or less falls back to DefaultReserveBytes.
func NewMonitor(path string, reserveBytes int64) *Monitor {
	if reserveBytes <= 0 {
		reserveBytes = DefaultReserveBytes
	}

	return &Monitor{
		path:         path,
		reserveBytes: reserveBytes,
		statfs:       availableBytes,
	}
}

// ReserveBytes returns the configured safety reserve.
func (m *Monitor) ReserveBytes() int64 {
	return m.reserveBytes
}

// AvailableBytes returns the free bytes on the volume, as visible to
// unprivileged writers.
func (m *Monitor) AvailableBytes() (int64, error) {
	return m.statfs(m.path)
}

// CanAccommodate reports whether writing size bytes keeps the reserve free.
func (m *Monitor) CanAccommodate(size int64) (bool, error) {
	available, err := m.AvailableBytes()
	if err != nil {
		return false, err
	}

	return available-size > m.reserveBytes, nil
}

func availableBytes(path string) (int64, error) {
	var stat unix.Statfs_t

	if err := unix.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}

	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
