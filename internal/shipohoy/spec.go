package shipohoy

import (
	"time"
)

// YardPlan configures default behavior for all containers in a yard.
type YardPlan struct {
	NamePrefix string
	Labels     map[string]string
}

// ResourceCaps sets resource limits (0 means engine default).
type ResourceCaps struct {
	MemoryBytes int64
	NanoCPUs    int64
}

// Mount describes a host bind mount to place inside a container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// VolumeMount attaches a named volume inside a container.
type VolumeMount struct {
	Name     string
	Target   string
	ReadOnly bool
}

// ContainerSpec describes a container.
// The image's own entrypoint and command always run unchanged.
type ContainerSpec struct {
	Name            string
	Image           string
	Labels          map[string]string
	Mounts          []Mount
	Volumes         []VolumeMount
	ResourceCaps    *ResourceCaps
	NetworkDisabled bool
	StorageOpt      map[string]string
}

// ContainerState is the engine's view of a container.
type ContainerState struct {
	Name      string
	ID        string
	Running   bool
	Status    string
	ExitCode  int
	StartedAt time.Time
}

// Handle returns a handle addressing this container.
func (s ContainerState) Handle() Handle {
	return &stateHandle{name: s.Name, id: s.ID}
}

type stateHandle struct {
	name string
	id   string
}

func (h *stateHandle) Name() string { return h.name }
func (h *stateHandle) ID() string   { return h.id }

// Stats is a point-in-time resource sample. Available is false when the
// engine returned an empty payload.
type Stats struct {
	MemoryUsage int64
	MemoryLimit int64
	Available   bool
}

// VolumeSpec describes a named volume.
type VolumeSpec struct {
	Name    string
	Driver  string
	Options map[string]string
	Labels  map[string]string
}

// Volume is a created named volume.
type Volume struct {
	Name       string
	Mountpoint string
}

// LogStream selects which logs to read.
type LogStream int

const (
	// LogStdout selects stdout logs.
	LogStdout LogStream = iota
	// LogStderr selects stderr logs.
	LogStderr
	// LogBoth selects both stdout and stderr logs.
	LogBoth
)

// JanitorSpec prunes managed containers and volumes.
type JanitorSpec struct {
	LabelSelector map[string]string
	MinAge        time.Duration
}

// mergeSpec overlays yard labels and the name prefix onto spec.
func mergeSpec(spec ContainerSpec, plan YardPlan) ContainerSpec {
	out := spec
	labels := map[string]string{}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	for k, v := range plan.Labels {
		if _, ok := labels[k]; !ok {
			labels[k] = v
		}
	}
	out.Labels = labels
	if plan.NamePrefix != "" {
		out.Name = plan.NamePrefix + out.Name
	}
	return out
}
