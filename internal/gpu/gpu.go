// Package gpu enumerates GPUs and answers scheduling-availability queries,
// backed either by a real nvidia-smi shellout or a deterministic mock
// (activated by MOCK_GPUS), behind a small interface with a real/fake pair.
package gpu

import "context"

// Device is one physical (or synthetic) GPU as reported by a Prober.
type Device struct {
	Index        int
	Name         string
	MemoryTotal  int64
	MemoryUsed   int64
	ProcessCount int
	PIDs         []int
}

// Prober enumerates devices, optionally bypassing the TTL cache.
type Prober interface {
	Probe(ctx context.Context, forceRefresh bool) ([]Device, error)
}

// Available reports whether a device is available to a candidate job: not
// blacklisted (unless ignoreBlacklist), not already assigned to a running
// job, and holding no stray process.
func Available(dev Device, blacklisted bool, ignoreBlacklist bool, busy map[int]bool) bool {
	if blacklisted && !ignoreBlacklist {
		return false
	}
	if busy[dev.Index] {
		return false
	}
	return dev.ProcessCount == 0
}

// FreeSet returns the indices of devices available for scheduling, in
// ascending order, given the current blacklist and the set of indices
// already claimed by running jobs this tick.
func FreeSet(devices []Device, blacklist map[int]bool, ignoreBlacklist bool, busy map[int]bool) []int {
	var free []int
	for _, d := range devices {
		if Available(d, blacklist[d.Index], ignoreBlacklist, busy) {
			free = append(free, d.Index)
		}
	}
	return free
}
