// Package logcapture pulls container logs, normalizes them to ASCII, bounds
// their size and persists them as a run artifact.
package logcapture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	encunicode "golang.org/x/text/encoding/unicode"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"

	"pkt.systems/pslog"
	"pkt.systems/subexec/internal/artifact"
	"pkt.systems/subexec/internal/shipohoy"
	"pkt.systems/subexec/schema"
)

// Defaults.
const (
	DefaultMaxBytes  = 50000
	DefaultTailLines = 10
	DefaultSentinel  = "No Logs"
)

// Options controls capture and retention.
type Options struct {
	Dir           string
	MaxBytes      int
	TailLines     int
	Sentinel      string
	IncludeStdout bool
}

func (o Options) withDefaults() Options {
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxBytes
	}
	if o.TailLines <= 0 {
		o.TailLines = DefaultTailLines
	}
	if o.Sentinel == "" {
		o.Sentinel = DefaultSentinel
	}
	if len(o.Sentinel) > o.MaxBytes {
		o.Sentinel = o.Sentinel[:o.MaxBytes]
	}
	return o
}

// Capture owns the log artifact of one submission.
type Capture struct {
	runtime shipohoy.Runtime
	store   artifact.Store
	opts    Options
	path    string
	written bool
}

// New returns a capture writing <id>_log.txt into opts.Dir.
func New(runtime shipohoy.Runtime, store artifact.Store, id schema.SubmissionID, opts Options) *Capture {
	opts = opts.withDefaults()
	if store == nil {
		store = artifact.None{}
	}
	return &Capture{
		runtime: runtime,
		store:   store,
		opts:    opts,
		path:    filepath.Join(opts.Dir, FileName(id)),
	}
}

// FileName returns the log artifact name for a submission.
func FileName(id schema.SubmissionID) string {
	return string(id) + "_log.txt"
}

// Path returns the local log file path.
func (c *Capture) Path() string { return c.path }

// Written reports whether any captured text has been persisted.
func (c *Capture) Written() bool { return c.written }

// Pull reads the container logs. Only stderr is read unless the options ask
// for stdout too.
func (c *Capture) Pull(ctx context.Context, h shipohoy.Handle) ([]byte, error) {
	if h == nil {
		return nil, errors.New("logcapture: no container")
	}
	stream := shipohoy.LogStderr
	if c.opts.IncludeStdout {
		stream = shipohoy.LogBoth
	}
	return c.runtime.Logs(ctx, h, stream)
}

// Collect pulls, normalizes and persists the current logs. A failed pull
// leaves the previous artifact in place.
func (c *Capture) Collect(ctx context.Context, h shipohoy.Handle) error {
	raw, err := c.Pull(ctx, h)
	if err != nil {
		pslog.Ctx(ctx).Warn("logcapture pull failed", "err", err)
		return err
	}
	text := Normalize(raw)
	if strings.TrimSpace(text) == "" {
		if c.written {
			return nil
		}
		return c.Persist(ctx, "")
	}
	if err := c.Persist(ctx, text); err != nil {
		return err
	}
	c.written = true
	return nil
}

// Persist writes text (or the sentinel when empty), bounds the file size and
// uploads it. Upload failures are logged and not returned.
func (c *Capture) Persist(ctx context.Context, text string) error {
	log := pslog.Ctx(ctx).With("path", c.path)
	if strings.TrimSpace(text) == "" {
		text = c.opts.Sentinel
	}
	text = Bound(text, c.opts.MaxBytes, c.opts.TailLines)
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("logcapture: %w", err)
	}
	if err := os.WriteFile(c.path, []byte(text), 0o644); err != nil {
		log.Warn("logcapture persist failed", "err", err)
		return fmt.Errorf("logcapture: %w", err)
	}
	log.Debug("logcapture persist ok", "bytes", len(text))
	if err := c.store.Put(ctx, c.path); err != nil {
		log.Warn("logcapture upload failed", "store", c.store.Name(), "err", err)
	}
	return nil
}

func newNormalizer() transform.Transformer {
	return transform.Chain(
		encunicode.UTF8.NewDecoder(),
		runes.Remove(runes.Predicate(func(r rune) bool { return r > unicode.MaxASCII })),
	)
}

// Normalize decodes raw as UTF-8, replacing invalid sequences, and drops
// every non-ASCII character.
func Normalize(raw []byte) string {
	out, _, err := transform.Bytes(newNormalizer(), raw)
	if err != nil {
		return asciiOnly(raw)
	}
	return string(out)
}

func asciiOnly(raw []byte) string {
	var b strings.Builder
	for _, r := range string(raw) {
		if r <= unicode.MaxASCII && r != unicode.ReplacementChar {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Bound returns text unchanged when it fits in max bytes. Otherwise it keeps
// the last tail lines, and if those still do not fit, the last max bytes.
func Bound(text string, max, tail int) string {
	if len(text) <= max {
		return text
	}
	text = TailLines(text, tail)
	if len(text) > max {
		text = text[len(text)-max:]
	}
	return text
}

// TailLines returns the last n lines of text. A trailing newline does not
// count as an extra empty line.
func TailLines(text string, n int) string {
	if n <= 0 {
		return ""
	}
	end := len(text)
	if strings.HasSuffix(text, "\n") {
		end--
	}
	idx := end
	for i := 0; i < n; i++ {
		idx = strings.LastIndexByte(text[:idx], '\n')
		if idx < 0 {
			return text
		}
	}
	return text[idx+1:]
}
