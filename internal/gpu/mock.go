package gpu

import "context"

// MockProber produces N synthetic idle GPUs, activated by MOCK_GPUS=N so
// the scheduler can be exercised without real hardware.
type MockProber struct {
	N int
}

func NewMockProber(n int) *MockProber {
	return &MockProber{N: n}
}

func (p *MockProber) Probe(ctx context.Context, forceRefresh bool) ([]Device, error) {
	devices := make([]Device, p.N)
	for i := range devices {
		devices[i] = Device{
			Index:       i,
			Name:        "mock-gpu",
			MemoryTotal: 16 * 1024,
			MemoryUsed:  0,
		}
	}
	return devices, nil
}
