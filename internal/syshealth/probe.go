// Package syshealth samples host load average, memory and disk pressure and
// logs a warning when a threshold is breached; network usage is not sampled. Purely observational: it never
// influences scheduling decisions.
package syshealth

import (
	"bufio"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// Thresholds configures when a sample is considered a warning.
type Thresholds struct {
	LoadPerCPU     float64
	MemUsedPercent float64
	DiskUsedPercent float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		LoadPerCPU:      1.5,
		MemUsedPercent:  90,
		DiskUsedPercent: 90,
	}
}

// Sample is one point-in-time reading.
type Sample struct {
	Load1           float64
	MemUsedPercent  float64
	DiskUsedPercent float64
}

// Probe samples host health and logs warnings through logger.
type Probe struct {
	Thresholds Thresholds
	DiskPath   string
}

func NewProbe(diskPath string) *Probe {
	return &Probe{Thresholds: DefaultThresholds(), DiskPath: diskPath}
}

// Sample reads /proc/loadavg and /proc/meminfo and statfs's DiskPath,
// logging through logger when a threshold is breached. It never returns an
// error for unreadable instrumentation (e.g. non-Linux test sandboxes);
// callers get a zero Sample in that case.
func (p *Probe) Sample(logger *slog.Logger) Sample {
	var s Sample

	if load, err := readLoad1(); err == nil {
		s.Load1 = load
	}
	if memPct, err := readMemUsedPercent(); err == nil {
		s.MemUsedPercent = memPct
	}
	if diskPct, err := readDiskUsedPercent(p.DiskPath); err == nil {
		s.DiskUsedPercent = diskPct
	}

	if s.Load1 > p.Thresholds.LoadPerCPU {
		logger.Warn("high system load", "load1", s.Load1)
	}
	if s.MemUsedPercent > p.Thresholds.MemUsedPercent {
		logger.Warn("high memory usage", "mem_used_percent", s.MemUsedPercent)
	}
	if s.DiskUsedPercent > p.Thresholds.DiskUsedPercent {
		logger.Warn("high disk usage", "disk_used_percent", s.DiskUsedPercent, "path", p.DiskPath)
	}
	return s
}

func readLoad1() (float64, error) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, nil
	}
	return strconv.ParseFloat(fields[0], 64)
}

func readMemUsedPercent() (float64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var total, available float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			total = parseMeminfoKB(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			available = parseMeminfoKB(line)
		}
	}
	if total == 0 {
		return 0, nil
	}
	used := total - available
	return used / total * 100, scanner.Err()
}

func parseMeminfoKB(line string) float64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, _ := strconv.ParseFloat(fields[1], 64)
	return v
}

func readDiskUsedPercent(path string) (float64, error) {
	if path == "" {
		path = "/"
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	if total == 0 {
		return 0, nil
	}
	used := total - free
	return float64(used) / float64(total) * 100, nil
}
