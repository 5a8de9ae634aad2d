package queue

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LoadGate is consulted before dequeueing to defer dispatch under host
// load. It is cooperative, never a hard guarantee. The engine acts on
// the returned bool alone and ignores the error; the gates in this
// package never return an error, and ThresholdGate allows dispatch
// when its metrics cannot be read, so a broken metrics read never
// wedges the engine.
type LoadGate interface {
	// Allow reports whether dispatch should proceed now.
	Allow() (bool, error)
}

// AlwaysAllow is the default no-op gate.
type AlwaysAllow struct{}

func (AlwaysAllow) Allow() (bool, error) { return true, nil }

// ThresholdGate defers dispatch when either observed CPU or memory
// utilization exceeds the configured percentage. Unix-specific
// (reads /proc/loadavg and /proc/meminfo); on platforms or failures
// where those are unavailable it allows dispatch.
type ThresholdGate struct {
	MaxCPUPercent    float64
	MaxMemoryPercent float64
	NumCPU           int
}

func (g ThresholdGate) Allow() (bool, error) {
	if g.MaxCPUPercent > 0 {
		load1, err := readLoadAvg1()
		if err == nil && g.NumCPU > 0 {
			cpuPercent := (load1 / float64(g.NumCPU)) * 100
			if cpuPercent > g.MaxCPUPercent {
				return false, nil
			}
		}
	}
	if g.MaxMemoryPercent > 0 {
		percent, err := readMemUsedPercent()
		if err == nil && percent > g.MaxMemoryPercent {
			return false, nil
		}
	}
	return true, nil
}

func readLoadAvg1() (float64, error) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("queue: empty /proc/loadavg")
	}
	return strconv.ParseFloat(fields[0], 64)
}

func readMemUsedPercent() (float64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var totalKB, availKB float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			totalKB = parseMeminfoValue(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			availKB = parseMeminfoValue(line)
		}
	}
	if totalKB == 0 {
		return 0, fmt.Errorf("queue: could not parse /proc/meminfo")
	}
	usedKB := totalKB - availKB
	return (usedKB / totalKB) * 100, nil
}

func parseMeminfoValue(line string) float64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, _ := strconv.ParseFloat(fields[1], 64)
	return v
}
