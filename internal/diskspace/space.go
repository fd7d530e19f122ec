package diskspace

import "golang.org/x/sys/unix"

// StatFn reports the number of available bytes on the volume containing path.
type StatFn func(path string) (uint64, error)

func statAvailable(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}

	return uint64(st.Bsize) * st.Bavail, nil
}

// Guard is the pre-flight free-space check performed before any download
// starts. A failed stat counts as insufficient space.
type Guard struct {
	threshold uint64
	stat      StatFn
}

func NewGuard(threshold uint64) *Guard {
	return &Guard{threshold: threshold, stat: statAvailable}
}

// NewGuardWithStat builds a Guard with a custom stat function, used by tests.
func NewGuardWithStat(threshold uint64, stat StatFn) *Guard {
	return &Guard{threshold: threshold, stat: stat}
}

// HasFreeSpace reports whether the volume containing path has strictly more
// than the configured threshold of available bytes.
func (g *Guard) HasFreeSpace(path string) bool {
	avail, err := g.stat(path)
	if err != nil {
		return false
	}

	return avail > g.threshold
}
