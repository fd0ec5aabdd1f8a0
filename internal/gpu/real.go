package gpu

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"nexus/internal/nexuserr"
)

// RealProber shells out to nvidia-smi, caching the result for TTL. A single
// mutex guards both the cache and the in-flight refresh, so concurrent
// callers within the TTL window share one refresh instead of racing.
type RealProber struct {
	TTL time.Duration

	mu       sync.Mutex
	cached   []Device
	cachedAt time.Time
}

func NewRealProber(ttl time.Duration) *RealProber {
	if ttl <= 0 {
		ttl = time.Second
	}
	return &RealProber{TTL: ttl}
}

func (p *RealProber) Probe(ctx context.Context, forceRefresh bool) ([]Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !forceRefresh && !p.cachedAt.IsZero() && time.Since(p.cachedAt) < p.TTL {
		return p.cached, nil
	}

	devices, err := queryDevices(ctx)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		pids, err := queryProcesses(ctx, devices[i].Index)
		if err != nil {
			return nil, err
		}
		devices[i].PIDs = pids
		devices[i].ProcessCount = len(pids)
	}

	p.cached = devices
	p.cachedAt = time.Now()
	return devices, nil
}

func queryDevices(ctx context.Context) ([]Device, error) {
	out, err := runNvidiaSMI(ctx, "--query-gpu=index,name,memory.total,memory.used", "--format=csv,noheader,nounits")
	if err != nil {
		return nil, err
	}

	var devices []Device
	for _, line := range splitNonEmptyLines(out) {
		fields := splitCSVFields(line)
		if len(fields) != 4 {
			return nil, nexuserr.New(nexuserr.CodeInternal, "unexpected nvidia-smi output: "+line)
		}
		idx, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, nexuserr.Wrap(nexuserr.CodeInternal, "parse gpu index", err)
		}
		total, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, nexuserr.Wrap(nexuserr.CodeInternal, "parse memory.total", err)
		}
		used, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			return nil, nexuserr.Wrap(nexuserr.CodeInternal, "parse memory.used", err)
		}
		devices = append(devices, Device{
			Index:       idx,
			Name:        fields[1],
			MemoryTotal: total,
			MemoryUsed:  used,
		})
	}
	return devices, nil
}

func queryProcesses(ctx context.Context, gpuIdx int) ([]int, error) {
	out, err := runNvidiaSMI(ctx,
		"-i", strconv.Itoa(gpuIdx),
		"--query-compute-apps=pid", "--format=csv,noheader,nounits")
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, line := range splitNonEmptyLines(out) {
		pid, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil {
			return nil, nexuserr.Wrap(nexuserr.CodeInternal, "parse compute-apps pid", err)
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

func runNvidiaSMI(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "nvidia-smi", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", nexuserr.Wrap(nexuserr.CodeInternal, fmt.Sprintf("nvidia-smi %v: %s", args, stderr.String()), err)
	}
	return stdout.String(), nil
}

func splitNonEmptyLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func splitCSVFields(line string) []string {
	parts := strings.Split(line, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
