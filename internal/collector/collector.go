// Package collector inspects what a submission wrote to its output directory
// and packages the files downstream scoring expects.
package collector

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"

	"pkt.systems/pslog"
	"pkt.systems/subexec/internal/artifact"
	"pkt.systems/subexec/schema"
)

// ArchiveName is the file name of the packaged predictions.
const ArchiveName = "predictions.tar.gz"

// TreeName returns the tree snapshot file name for a submission.
func TreeName(id schema.SubmissionID) string {
	return string(id) + "_tree.txt"
}

// Request describes one collection.
type Request struct {
	ID        schema.SubmissionID
	OutputDir string
	WorkDir   string
	Pattern   string
	HasErrors bool
}

// Result is the outcome of a collection. Err is a *schema.OutputMissing when
// nothing matched, or a packaging failure.
type Result struct {
	Matches []string
	Archive string
	Tree    string
	Err     error
}

// Collector snapshots, matches and archives output directories.
type Collector struct {
	store  artifact.Store
	target string
}

// New returns a collector uploading tree snapshots to store. target is the
// in-container output path named in participant-facing messages.
func New(store artifact.Store, target string) *Collector {
	if store == nil {
		store = artifact.None{}
	}
	if target == "" {
		target = "/output"
	}
	return &Collector{store: store, target: target}
}

// Collect snapshots the output directory, then archives the matching files
// when no error has been recorded.
func (c *Collector) Collect(ctx context.Context, req Request) Result {
	log := pslog.Ctx(ctx).With("dir", req.OutputDir, "pattern", req.Pattern)
	var res Result

	// An archive from an earlier invocation must not outlive this verdict.
	archivePath := filepath.Join(req.WorkDir, ArchiveName)
	if err := os.Remove(archivePath); err != nil && !os.IsNotExist(err) {
		log.Warn("collector stale archive removal failed", "err", err)
	}

	treePath := filepath.Join(req.WorkDir, TreeName(req.ID))
	if err := Snapshot(req.OutputDir, treePath); err != nil {
		log.Warn("collector snapshot failed", "err", err)
	} else {
		res.Tree = treePath
		if err := c.store.Put(ctx, treePath); err != nil {
			log.Warn("collector tree upload failed", "store", c.store.Name(), "err", err)
		}
	}

	matches, err := Match(req.OutputDir, req.Pattern)
	if err != nil {
		log.Warn("collector match failed", "err", err)
		res.Err = err
		return res
	}
	res.Matches = matches
	if len(matches) == 0 {
		log.Info("collector no output matched")
		missing := &schema.OutputMissing{Pattern: req.Pattern, Target: c.target}
		if res.Tree != "" {
			missing.Tree = filepath.Base(res.Tree)
		}
		res.Err = missing
		return res
	}
	if req.HasErrors {
		log.Info("collector archive skipped", "reason", "errors recorded", "matches", len(matches))
		return res
	}
	if err := Archive(matches, archivePath); err != nil {
		log.Warn("collector archive failed", "err", err)
		res.Err = fmt.Errorf("unable to archive output files: %w", err)
		return res
	}
	res.Archive = archivePath
	log.Info("collector archive ok", "archive", archivePath, "files", len(matches))
	return res
}

// Snapshot writes an indented listing of dir to path. Entries whose name
// starts with a dot are left out along with their contents. A missing dir is
// listed as empty.
func Snapshot(dir, path string) error {
	var b strings.Builder
	b.WriteString(filepath.Base(dir) + "/\n")
	if err := walkTree(&b, dir, 1); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func walkTree(b *strings.Builder, dir string, depth int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	indent := strings.Repeat("    ", depth)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if e.IsDir() {
			b.WriteString(indent + e.Name() + "/\n")
			if err := walkTree(b, filepath.Join(dir, e.Name()), depth+1); err != nil {
				return err
			}
			continue
		}
		b.WriteString(indent + e.Name() + "\n")
	}
	return nil
}

// Match returns the regular files directly inside dir whose name matches
// pattern, sorted.
func Match(dir, pattern string) ([]string, error) {
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("bad output pattern %q: %w", pattern, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if ok, _ := filepath.Match(pattern, e.Name()); ok {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Archive writes a gzip-compressed tar of files, stored by base name.
func Archive(files []string, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, file := range files {
		if err := addFile(tw, file); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func addFile(tw *tar.Writer, file string) error {
	src, err := os.Open(file)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()
	info, err := src.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.Base(file)
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, src)
	return err
}
