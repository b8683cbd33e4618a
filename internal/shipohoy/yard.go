package shipohoy

import (
	"context"
	"strings"
	"sync"

	"pkt.systems/pslog"
)

// Yard tracks the containers launched by one process, keyed by caller id.
// The engine is consulted by name only the first time a key is seen, to
// recover containers left behind by an earlier process.
type Yard struct {
	runtime Runtime
	plan    YardPlan

	mu         sync.Mutex
	handles    map[string]Handle
	reconciled map[string]bool
}

// Commission creates a new yard with the given plan.
func Commission(plan YardPlan, runtime Runtime) *Yard {
	return &Yard{
		runtime:    runtime,
		plan:       plan,
		handles:    make(map[string]Handle),
		reconciled: make(map[string]bool),
	}
}

// Runtime returns the backing runtime.
func (y *Yard) Runtime() Runtime { return y.runtime }

// ContainerName returns the container name used for key.
func (y *Yard) ContainerName(key string) string {
	return y.plan.NamePrefix + key
}

// Lookup returns the handle registered under key, if any.
func (y *Yard) Lookup(key string) Handle {
	y.mu.Lock()
	defer y.mu.Unlock()
	return y.handles[key]
}

// Reattach returns a live container for key. On the first call for a key it
// asks the engine for the container named for key: a running one is adopted,
// anything else is removed as stale. Names that merely contain key belong to
// other submissions and are left alone. Removal failures are returned separately
// and do not fail the call.
func (y *Yard) Reattach(ctx context.Context, key string) (Handle, []error, error) {
	log := pslog.Ctx(ctx).With("container", y.ContainerName(key))
	y.mu.Lock()
	if h := y.handles[key]; h != nil {
		y.mu.Unlock()
		log.Debug("yard reattach hit")
		return h, nil, nil
	}
	if y.reconciled[key] {
		y.mu.Unlock()
		return nil, nil, nil
	}
	y.mu.Unlock()

	log.Info("yard reconcile start")
	name := y.ContainerName(key)
	states, err := y.runtime.Find(ctx, name)
	if err != nil {
		log.Warn("yard reconcile failed", "err", err)
		return nil, nil, err
	}
	var adopted Handle
	var stale []error
	for _, st := range states {
		if strings.TrimPrefix(st.Name, "/") != name {
			continue
		}
		if st.Running && adopted == nil {
			adopted = st.Handle()
			log.Info("yard reattached", "id", st.ID, "status", st.Status)
			continue
		}
		log.Info("yard removing stale container", "id", st.ID, "status", st.Status)
		if err := y.runtime.Remove(ctx, st.Handle()); err != nil {
			log.Warn("yard stale removal failed", "id", st.ID, "err", err)
			stale = append(stale, err)
		}
	}
	y.mu.Lock()
	y.reconciled[key] = true
	if adopted != nil {
		y.handles[key] = adopted
	}
	y.mu.Unlock()
	log.Info("yard reconcile ok", "adopted", adopted != nil, "seen", len(states))
	return adopted, stale, nil
}

// ShipOut launches the container for key and registers its handle.
func (y *Yard) ShipOut(ctx context.Context, key string, spec ContainerSpec) (Handle, error) {
	spec.Name = key
	spec = mergeSpec(spec, y.plan)
	log := pslog.Ctx(ctx).With("container", spec.Name)
	log.Info("yard ship out start")
	handle, err := y.runtime.EnsureRunning(ctx, spec)
	if err != nil {
		log.Warn("yard ship out failed", "err", err)
		return nil, err
	}
	y.mu.Lock()
	y.handles[key] = handle
	y.reconciled[key] = true
	y.mu.Unlock()
	log.Info("yard ship out ok", "id", handle.ID())
	return handle, nil
}

// Discharge stops and removes the container registered under key.
func (y *Yard) Discharge(ctx context.Context, key string) error {
	log := pslog.Ctx(ctx).With("container", y.ContainerName(key))
	log.Info("yard discharge start")
	y.mu.Lock()
	handle := y.handles[key]
	delete(y.handles, key)
	y.mu.Unlock()
	if handle == nil {
		log.Info("yard discharge skipped", "reason", "no handle")
		return nil
	}
	if err := y.runtime.Stop(ctx, handle); err != nil {
		log.Warn("yard discharge stop failed", "err", err)
	}
	if err := y.runtime.Remove(ctx, handle); err != nil {
		log.Warn("yard discharge remove failed", "err", err)
		return err
	}
	log.Info("yard discharge ok")
	return nil
}

// Scuttle force-removes whatever container carries the name for key, whether
// or not a handle was registered. Used after a failed launch.
func (y *Yard) Scuttle(ctx context.Context, key string) error {
	y.mu.Lock()
	delete(y.handles, key)
	y.mu.Unlock()
	return y.runtime.Remove(ctx, NamedHandle(y.ContainerName(key)))
}
