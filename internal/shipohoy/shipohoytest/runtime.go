// Package shipohoytest provides an in-memory shipohoy.Runtime for tests.
package shipohoytest

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"

	"pkt.systems/subexec/internal/shipohoy"
)

// Runtime is a scripted engine. Zero value is not usable; call New.
type Runtime struct {
	mu sync.Mutex

	// Now stamps container start times. Defaults to time.Now.
	Now func() time.Time
	// RunFor is the number of Inspect calls that report a container as
	// running before it exits on its own. Negative runs until stopped.
	RunFor int
	// Output is the content of /output keyed by relative file name.
	Output map[string]string
	// Log is returned for every Logs call.
	Log []byte
	// Memory is the reported memory usage. StatsAvailable false yields an
	// empty sample.
	Memory         int64
	StatsAvailable bool
	// VolumeBytes is the reported output volume usage.
	VolumeBytes int64
	// Errs fails the named operation (e.g. "EnsureRunning") with the error.
	Errs map[string]error

	calls      []string
	seq        int
	created    int
	containers map[string]*container
	volumes    map[string]shipohoy.VolumeSpec
	images     map[string]bool
	uploads    map[string][]byte
}

type container struct {
	id       string
	name     string
	spec     shipohoy.ContainerSpec
	running  bool
	started  time.Time
	inspects int
}

// New returns an empty runtime whose containers exit on the first poll.
func New() *Runtime {
	return &Runtime{
		Now:            time.Now,
		StatsAvailable: true,
		Errs:           map[string]error{},
		containers:     map[string]*container{},
		volumes:        map[string]shipohoy.VolumeSpec{},
		images:         map[string]bool{},
		uploads:        map[string][]byte{},
	}
}

// Seed registers a container as if it were left behind by an earlier process.
func (r *Runtime) Seed(name string, running bool, started time.Time) shipohoy.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	c := &container{id: fmt.Sprintf("ctr-%d", r.seq), name: name, running: running, started: started}
	r.containers[name] = c
	return shipohoy.ContainerState{Name: name, ID: c.id}.Handle()
}

// Calls returns the operations invoked so far, in order.
func (r *Runtime) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// CallCount returns how many times op was invoked.
func (r *Runtime) CallCount(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == op {
			n++
		}
	}
	return n
}

// Created returns the number of containers created through EnsureRunning.
func (r *Runtime) Created() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.created
}

// Containers returns the names of containers that still exist.
func (r *Runtime) Containers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.containers))
	for name := range r.containers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Running reports whether the named container exists and is running.
func (r *Runtime) Running(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[name]
	return ok && c.running
}

// Spec returns the spec the named container was created with.
func (r *Runtime) Spec(name string) (shipohoy.ContainerSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[name]
	if !ok {
		return shipohoy.ContainerSpec{}, false
	}
	return c.spec, true
}

// Volumes returns the names of volumes that still exist.
func (r *Runtime) Volumes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.volumes))
	for name := range r.volumes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// VolumeSpec returns the spec a volume was created with.
func (r *Runtime) VolumeSpec(name string) (shipohoy.VolumeSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	spec, ok := r.volumes[name]
	return spec, ok
}

// Images returns the images currently present.
func (r *Runtime) Images() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.images))
	for name := range r.images {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Upload returns the content copied into container at file path p.
func (r *Runtime) Upload(container, p string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.uploads[container+":"+p]
	return b, ok
}

func (r *Runtime) record(op string) error {
	r.calls = append(r.calls, op)
	if err := r.Errs[op]; err != nil {
		return err
	}
	return nil
}

func (r *Runtime) lookup(h shipohoy.Handle) (*container, error) {
	if h == nil {
		return nil, fmt.Errorf("nil handle: %w", errdefs.ErrInvalidArgument)
	}
	for _, c := range r.containers {
		if c.id == h.ID() || c.name == h.Name() || c.name == h.ID() {
			return c, nil
		}
	}
	return nil, fmt.Errorf("container %s: %w", h.Name(), errdefs.ErrNotFound)
}

func (r *Runtime) EnsureImage(ctx context.Context, image string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("EnsureImage"); err != nil {
		return err
	}
	r.images[image] = true
	return nil
}

func (r *Runtime) RemoveImage(ctx context.Context, image string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("RemoveImage"); err != nil {
		return err
	}
	delete(r.images, image)
	return nil
}

func (r *Runtime) EnsureRunning(ctx context.Context, spec shipohoy.ContainerSpec) (shipohoy.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("EnsureRunning"); err != nil {
		return nil, err
	}
	if c, ok := r.containers[spec.Name]; ok {
		if !c.running {
			return nil, fmt.Errorf("container %s exists and is not running: %w", spec.Name, errdefs.ErrConflict)
		}
		return shipohoy.ContainerState{Name: c.name, ID: c.id}.Handle(), nil
	}
	r.seq++
	r.created++
	c := &container{
		id:      fmt.Sprintf("ctr-%d", r.seq),
		name:    spec.Name,
		spec:    spec,
		running: true,
		started: r.Now(),
	}
	r.containers[spec.Name] = c
	return shipohoy.ContainerState{Name: c.name, ID: c.id}.Handle(), nil
}

func (r *Runtime) Find(ctx context.Context, name string) ([]shipohoy.ContainerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("Find"); err != nil {
		return nil, err
	}
	var out []shipohoy.ContainerState
	for _, c := range r.containers {
		if strings.Contains(c.name, name) {
			out = append(out, r.state(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Runtime) Inspect(ctx context.Context, h shipohoy.Handle) (shipohoy.ContainerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("Inspect"); err != nil {
		return shipohoy.ContainerState{}, err
	}
	c, err := r.lookup(h)
	if err != nil {
		return shipohoy.ContainerState{}, err
	}
	if c.running && r.RunFor >= 0 && c.inspects >= r.RunFor {
		c.running = false
	}
	c.inspects++
	return r.state(c), nil
}

func (r *Runtime) state(c *container) shipohoy.ContainerState {
	status := "exited"
	if c.running {
		status = "running"
	}
	return shipohoy.ContainerState{
		Name:      c.name,
		ID:        c.id,
		Running:   c.running,
		Status:    status,
		StartedAt: c.started,
	}
}

func (r *Runtime) Stats(ctx context.Context, h shipohoy.Handle) (shipohoy.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("Stats"); err != nil {
		return shipohoy.Stats{}, err
	}
	if _, err := r.lookup(h); err != nil {
		return shipohoy.Stats{}, err
	}
	if !r.StatsAvailable {
		return shipohoy.Stats{}, nil
	}
	return shipohoy.Stats{MemoryUsage: r.Memory, Available: true}, nil
}

func (r *Runtime) Logs(ctx context.Context, h shipohoy.Handle, stream shipohoy.LogStream) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("Logs"); err != nil {
		return nil, err
	}
	if _, err := r.lookup(h); err != nil {
		return nil, err
	}
	return append([]byte(nil), r.Log...), nil
}

// CopyFrom returns a tar of Output rooted at the base name of p, the way the
// engine archive endpoint does.
func (r *Runtime) CopyFrom(ctx context.Context, h shipohoy.Handle, p string) (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("CopyFrom"); err != nil {
		return nil, err
	}
	if _, err := r.lookup(h); err != nil {
		return nil, err
	}
	root := path.Base(p)
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{Name: root + "/", Typeflag: tar.TypeDir, Mode: 0o755}); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(r.Output))
	for name := range r.Output {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		body := r.Output[name]
		hdr := &tar.Header{Name: root + "/" + name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := io.WriteString(tw, body); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return io.NopCloser(&buf), nil
}

func (r *Runtime) CopyTo(ctx context.Context, container string, dir string, archive io.Reader) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("CopyTo"); err != nil {
		return err
	}
	tr := tar.NewReader(archive)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		r.uploads[container+":"+path.Join(dir, hdr.Name)] = body
	}
}

func (r *Runtime) Stop(ctx context.Context, h shipohoy.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("Stop"); err != nil {
		return err
	}
	c, err := r.lookup(h)
	if err != nil {
		return nil
	}
	c.running = false
	return nil
}

func (r *Runtime) Remove(ctx context.Context, h shipohoy.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("Remove"); err != nil {
		return err
	}
	c, err := r.lookup(h)
	if err != nil {
		return nil
	}
	delete(r.containers, c.name)
	return nil
}

func (r *Runtime) CreateVolume(ctx context.Context, spec shipohoy.VolumeSpec) (shipohoy.Volume, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("CreateVolume"); err != nil {
		return shipohoy.Volume{}, err
	}
	r.volumes[spec.Name] = spec
	return shipohoy.Volume{Name: spec.Name, Mountpoint: "/volumes/" + spec.Name}, nil
}

func (r *Runtime) VolumeUsage(ctx context.Context, name string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("VolumeUsage"); err != nil {
		return 0, err
	}
	if _, ok := r.volumes[name]; !ok {
		return 0, fmt.Errorf("volume %s: %w", name, errdefs.ErrNotFound)
	}
	return r.VolumeBytes, nil
}

func (r *Runtime) RemoveVolume(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("RemoveVolume"); err != nil {
		return err
	}
	delete(r.volumes, name)
	return nil
}

func (r *Runtime) Janitor(ctx context.Context, spec shipohoy.JanitorSpec) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("Janitor"); err != nil {
		return 0, err
	}
	removed := 0
	for name, c := range r.containers {
		if !matchLabels(c.spec.Labels, spec.LabelSelector) {
			continue
		}
		delete(r.containers, name)
		removed++
	}
	for name, v := range r.volumes {
		if !matchLabels(v.Labels, spec.LabelSelector) {
			continue
		}
		delete(r.volumes, name)
		removed++
	}
	return removed, nil
}

func matchLabels(labels, selector map[string]string) bool {
	for k, v := range selector {
		if labels[k] != v {
			return false
		}
	}
	return true
}

var _ shipohoy.Runtime = (*Runtime)(nil)
