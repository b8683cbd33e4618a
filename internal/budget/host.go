package budget

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"

	"pkt.systems/subexec/schema"
)

// Host describes the capacity of the machine running the engine.
type Host struct {
	CPUs        int
	MemoryBytes int64
}

// DetectHost reads the local CPU count and /proc/meminfo. MemoryBytes is zero
// when meminfo is unreadable.
func DetectHost() Host {
	h := Host{CPUs: runtime.NumCPU()}
	if total, err := readMemTotalBytes("/proc/meminfo"); err == nil {
		h.MemoryBytes = total
	}
	return h
}

// FitHost returns a copy of t whose CPU quotas never exceed the host CPU
// count; the engine refuses NanoCpus above it. Memory is left as configured.
func (t *Table) FitHost(h Host) *Table {
	out := *t
	out.entries = make(map[schema.Question]entry, len(t.entries))
	for q, e := range t.entries {
		out.entries[q] = e
	}
	out.volumeOptions = copyMap(t.volumeOptions)
	if h.CPUs > 0 {
		out.hostNanoCPUs = int64(h.CPUs) * 1e9
	}
	return &out
}

// Oversized lists questions whose memory budget exceeds the host memory.
func (t *Table) Oversized(h Host) []string {
	if h.MemoryBytes <= 0 {
		return nil
	}
	var out []string
	for _, q := range t.Questions() {
		if t.entries[q].memory > h.MemoryBytes {
			out = append(out, string(q))
		}
	}
	return out
}

func readMemTotalBytes(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	return parseMemTotal(f)
}

func parseMemTotal(r io.Reader) (int64, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] != "MemTotal:" {
			continue
		}
		if len(fields) < 2 {
			return 0, errors.New("meminfo: invalid MemTotal line")
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("meminfo: %w", err)
		}
		if len(fields) >= 3 && !strings.EqualFold(fields[2], "kB") {
			return 0, fmt.Errorf("meminfo: unsupported unit %q", fields[2])
		}
		return kb * 1024, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, errors.New("meminfo: MemTotal not found")
}
