// Package budget maps a question category and leaderboard phase to the
// resource budget a submission runs under.
package budget

import (
	"fmt"
	"sort"
	"strings"
	"time"

	units "github.com/docker/go-units"

	"pkt.systems/subexec/schema"
)

// Defaults.
const (
	DefaultPublicTimeout      = 6 * time.Hour
	DefaultPrivateTimeout     = 12 * time.Hour
	DefaultOutputCeilingBytes = int64(5e8)
	DefaultStorageSize        = "2G"
)

// Question describes the per-question part of a budget.
type Question struct {
	Memory  string
	CPUs    float64
	Pattern string
}

// Settings is the configurable input of a Table.
type Settings struct {
	PublicTimeout      time.Duration
	PrivateTimeout     time.Duration
	OutputCeilingBytes int64
	StorageSize        string
	VolumeOptions      map[string]string
	Questions          map[string]Question
}

// DefaultSettings returns the stock budgets.
func DefaultSettings() Settings {
	return Settings{
		PublicTimeout:      DefaultPublicTimeout,
		PrivateTimeout:     DefaultPrivateTimeout,
		OutputCeilingBytes: DefaultOutputCeilingBytes,
		StorageSize:        DefaultStorageSize,
		VolumeOptions:      DefaultVolumeOptions(),
		Questions: map[string]Question{
			"1": {Memory: "160g", CPUs: 20, Pattern: "*_imputed.csv"},
			"2": {Memory: "20g", CPUs: 10, Pattern: "*.bed"},
		},
	}
}

// DefaultVolumeOptions returns driver options for a tmpfs-backed output
// volume capped at 2 GiB.
func DefaultVolumeOptions() map[string]string {
	return map[string]string{
		"type":   "tmpfs",
		"device": "tmpfs",
		"o":      "size=2g",
	}
}

type entry struct {
	memory  int64
	nanoCPU int64
	pattern string
}

// Table resolves budgets. It is immutable once built.
type Table struct {
	entries        map[schema.Question]entry
	publicTimeout  time.Duration
	privateTimeout time.Duration
	outputCeiling  int64
	storageSize    string
	volumeOptions  map[string]string
	hostNanoCPUs   int64
}

// New validates settings and builds a table.
func New(s Settings) (*Table, error) {
	if s.PublicTimeout <= 0 {
		s.PublicTimeout = DefaultPublicTimeout
	}
	if s.PrivateTimeout <= 0 {
		s.PrivateTimeout = DefaultPrivateTimeout
	}
	if s.OutputCeilingBytes <= 0 {
		s.OutputCeilingBytes = DefaultOutputCeilingBytes
	}
	if strings.TrimSpace(s.StorageSize) == "" {
		s.StorageSize = DefaultStorageSize
	}
	if len(s.Questions) == 0 {
		return nil, fmt.Errorf("budget: no questions configured")
	}
	t := &Table{
		entries:        make(map[schema.Question]entry, len(s.Questions)),
		publicTimeout:  s.PublicTimeout,
		privateTimeout: s.PrivateTimeout,
		outputCeiling:  s.OutputCeilingBytes,
		storageSize:    s.StorageSize,
		volumeOptions:  copyMap(s.VolumeOptions),
	}
	for name, q := range s.Questions {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("budget: empty question name")
		}
		mem, err := units.RAMInBytes(q.Memory)
		if err != nil {
			return nil, fmt.Errorf("budget: question %s memory %q: %w", name, q.Memory, err)
		}
		if mem <= 0 {
			return nil, fmt.Errorf("budget: question %s memory must be positive", name)
		}
		if q.CPUs <= 0 {
			return nil, fmt.Errorf("budget: question %s cpus must be positive", name)
		}
		if strings.TrimSpace(q.Pattern) == "" {
			return nil, fmt.Errorf("budget: question %s pattern is required", name)
		}
		t.entries[schema.Question(name)] = entry{
			memory:  mem,
			nanoCPU: int64(q.CPUs * 1e9),
			pattern: q.Pattern,
		}
	}
	return t, nil
}

// Default returns the stock table.
func Default() *Table {
	t, err := New(DefaultSettings())
	if err != nil {
		panic(err)
	}
	return t
}

// For returns the budget for question in the given phase.
func (t *Table) For(q schema.Question, public bool) (schema.ResourceBudget, error) {
	e, ok := t.entries[schema.Question(strings.TrimSpace(string(q)))]
	if !ok {
		return schema.ResourceBudget{}, fmt.Errorf("%w: %q", schema.ErrUnknownQuestion, q)
	}
	timeout := t.privateTimeout
	if public {
		timeout = t.publicTimeout
	}
	nano := e.nanoCPU
	if t.hostNanoCPUs > 0 && nano > t.hostNanoCPUs {
		nano = t.hostNanoCPUs
	}
	return schema.ResourceBudget{
		MemoryBytes:        e.memory,
		NanoCPUs:           nano,
		Timeout:            timeout,
		OutputCeilingBytes: t.outputCeiling,
		StorageSize:        t.storageSize,
		VolumeOptions:      copyMap(t.volumeOptions),
		OutputPattern:      e.pattern,
	}, nil
}

// Questions lists the configured question categories.
func (t *Table) Questions() []schema.Question {
	out := make([]schema.Question, 0, len(t.entries))
	for q := range t.entries {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
