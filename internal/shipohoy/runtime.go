package shipohoy

import (
	"context"
	"io"
)

// Runtime manages container lifecycles.
type Runtime interface {
	EnsureImage(ctx context.Context, image string) error
	RemoveImage(ctx context.Context, image string) error
	EnsureRunning(ctx context.Context, spec ContainerSpec) (Handle, error)
	Find(ctx context.Context, name string) ([]ContainerState, error)
	Inspect(ctx context.Context, handle Handle) (ContainerState, error)
	Stats(ctx context.Context, handle Handle) (Stats, error)
	Logs(ctx context.Context, handle Handle, stream LogStream) ([]byte, error)
	CopyFrom(ctx context.Context, handle Handle, path string) (io.ReadCloser, error)
	CopyTo(ctx context.Context, container string, dir string, archive io.Reader) error
	Stop(ctx context.Context, handle Handle) error
	Remove(ctx context.Context, handle Handle) error
	CreateVolume(ctx context.Context, spec VolumeSpec) (Volume, error)
	VolumeUsage(ctx context.Context, name string) (int64, error)
	RemoveVolume(ctx context.Context, name string) error
	Janitor(ctx context.Context, spec JanitorSpec) (int, error)
}

// Handle represents a launched container.
type Handle interface {
	Name() string
	ID() string
}

// NamedHandle addresses a container by name when its id is unknown.
func NamedHandle(name string) Handle {
	return namedHandle(name)
}

type namedHandle string

func (h namedHandle) Name() string { return string(h) }
func (h namedHandle) ID() string   { return string(h) }
