package artifact

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"pkt.systems/pslog"
)

// Copier copies a tar stream into a container directory.
type Copier interface {
	CopyTo(ctx context.Context, container string, dir string, archive io.Reader) error
}

// Sidecar copies artifacts into a long-lived logging container.
type Sidecar struct {
	copier    Copier
	container string
	dir       string
}

// NewSidecar returns a store targeting container:dir.
func NewSidecar(copier Copier, container, dir string) *Sidecar {
	return &Sidecar{copier: copier, container: container, dir: dir}
}

// Name returns "sidecar".
func (s *Sidecar) Name() string { return "sidecar" }

// Put copies the file into the sidecar, replacing any earlier copy.
func (s *Sidecar) Put(ctx context.Context, file string) error {
	body, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	info, err := os.Stat(file)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:     filepath.Base(file),
		Mode:     0o644,
		Size:     int64(len(body)),
		ModTime:  info.ModTime(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := tw.Write(body); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	pslog.Ctx(ctx).Debug("artifact sidecar put", "container", s.container, "dir", s.dir, "file", hdr.Name)
	if err := s.copier.CopyTo(ctx, s.container, s.dir, &buf); err != nil {
		return fmt.Errorf("artifact: copy %s to %s:%s: %w", hdr.Name, s.container, s.dir, err)
	}
	return nil
}
