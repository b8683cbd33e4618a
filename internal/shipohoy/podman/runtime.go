package podman

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"

	"pkt.systems/pslog"
	"pkt.systems/subexec/internal/shipohoy"
)

const (
	labelManaged = "subexec.managed"
)

// Config configures the engine runtime.
type Config struct {
	Address     string
	UserNSMode  string
	PullTimeout time.Duration
	StopTimeout time.Duration
	Registry    RegistryAuth
}

// Runtime implements shipohoy.Runtime over the Podman/Docker HTTP API.
type Runtime struct {
	client      *client
	pullTimeout time.Duration
	stopTimeout time.Duration
	usernsMode  string
	registry    RegistryAuth
}

// New constructs a runtime, trying fallback socket paths if needed.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	log := pslog.Ctx(ctx).With("runtime", "podman")
	addresses := candidateAddresses(cfg.Address)
	var lastErr error
	for _, addr := range addresses {
		log.Debug("podman connect attempt", "address", addr)
		cl, err := newClient(addr)
		if err != nil {
			log.Warn("podman connect failed", "address", addr, "err", err)
			lastErr = err
			continue
		}
		if err := cl.ping(ctx); err != nil {
			log.Warn("podman ping failed", "address", addr, "err", err)
			lastErr = err
			continue
		}
		log.Info("podman runtime ready", "address", addr)
		return newRuntime(cl, cfg), nil
	}
	if lastErr == nil {
		lastErr = errors.New("engine address not configured")
	}
	log.Warn("podman runtime unavailable", "err", lastErr)
	return nil, lastErr
}

func newRuntime(cl *client, cfg Config) *Runtime {
	pullTimeout := cfg.PullTimeout
	if pullTimeout == 0 {
		pullTimeout = 30 * time.Minute
	}
	stopTimeout := cfg.StopTimeout
	if stopTimeout == 0 {
		stopTimeout = 10 * time.Second
	}
	return &Runtime{
		client:      cl,
		pullTimeout: pullTimeout,
		stopTimeout: stopTimeout,
		usernsMode:  strings.TrimSpace(cfg.UserNSMode),
		registry:    cfg.Registry,
	}
}

// Close releases any resources held by the runtime.
func (r *Runtime) Close() error { return nil }

// Address returns the engine endpoint in use.
func (r *Runtime) Address() string { return r.client.address }

// ImageExists reports whether an image exists locally without pulling.
func (r *Runtime) ImageExists(ctx context.Context, image string) (bool, error) {
	image = strings.TrimSpace(image)
	if image == "" {
		r.logger(ctx).Warn("podman image check rejected", "reason", "missing image")
		return false, errors.New("image is required")
	}
	log := r.logger(ctx).With("image", image)
	log.Debug("podman image exists check")
	res, err := r.client.do(ctx, http.MethodGet, fmt.Sprintf("/images/%s/json", escapeImagePath(image)), nil, nil, "")
	if err != nil {
		log.Warn("podman image check failed", "err", err)
		return false, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == http.StatusNotFound {
		log.Debug("podman image missing")
		return false, nil
	}
	if res.StatusCode >= 300 {
		log.Warn("podman image check failed", "status", res.StatusCode)
		return false, readAPIError(res)
	}
	log.Debug("podman image present")
	return true, nil
}

// EnsureImage pulls the image if it is not available.
func (r *Runtime) EnsureImage(ctx context.Context, image string) error {
	log := r.logger(ctx).With("image", image)
	log.Info("podman ensure image start")
	ok, err := r.ImageExists(ctx, image)
	if err != nil {
		log.Warn("podman ensure image failed", "err", err)
		return err
	}
	if ok {
		log.Info("podman ensure image ok")
		return nil
	}
	pullCtx, cancel := context.WithTimeout(ctx, r.pullTimeout)
	defer cancel()
	query := url.Values{}
	name, tag := splitImageRef(image)
	query.Set("fromImage", name)
	if tag != "" {
		query.Set("tag", tag)
	}
	header := http.Header{}
	if !r.registry.empty() {
		auth, err := r.registry.header()
		if err != nil {
			return err
		}
		header.Set("X-Registry-Auth", auth)
	}
	res, err := r.client.doWithHeader(pullCtx, http.MethodPost, "/images/create", query, nil, header)
	if err != nil {
		log.Warn("podman image pull failed", "err", err)
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		log.Warn("podman image pull failed", "status", res.StatusCode)
		return readAPIError(res)
	}
	if err := drainProgress(res.Body); err != nil {
		log.Warn("podman image pull failed", "err", err)
		return err
	}
	log.Info("podman ensure image ok")
	return nil
}

// RemoveImage force-removes an image. A missing image is not an error.
func (r *Runtime) RemoveImage(ctx context.Context, image string) error {
	log := r.logger(ctx).With("image", image)
	log.Info("podman remove image start")
	query := url.Values{}
	query.Set("force", "true")
	res, err := r.client.do(ctx, http.MethodDelete, fmt.Sprintf("/images/%s", escapeImagePath(image)), query, nil, "")
	if err != nil {
		log.Warn("podman remove image failed", "err", err)
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == http.StatusNotFound {
		log.Info("podman remove image skipped", "reason", "not found")
		return nil
	}
	if res.StatusCode >= 300 {
		log.Warn("podman remove image failed", "status", res.StatusCode)
		return readAPIError(res)
	}
	log.Info("podman remove image ok")
	return nil
}

// EnsureRunning creates and starts the container, or returns the running
// container of the same name. A stopped container of that name is never
// restarted; it fails with errdefs.ErrConflict.
func (r *Runtime) EnsureRunning(ctx context.Context, spec shipohoy.ContainerSpec) (shipohoy.Handle, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, errors.New("container name is required")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return nil, errors.New("container image is required")
	}
	log := r.logger(ctx).With("container", spec.Name, "image", spec.Image)
	log.Info("podman ensure running start")
	inspect, exists, err := r.inspectContainer(ctx, spec.Name)
	if err != nil {
		log.Warn("podman inspect failed", "err", err)
		return nil, err
	}
	if exists && !inspect.State.Running {
		log.Warn("podman container exists and is not running", "id", inspect.ID, "status", inspect.State.Status)
		return nil, fmt.Errorf("container %s exists and is not running: %w", spec.Name, errdefs.ErrConflict)
	}
	if !exists {
		created, err := r.createContainer(ctx, spec)
		if err != nil {
			log.Warn("podman create failed", "err", err)
			return nil, err
		}
		for _, warning := range created.Warnings {
			log.Warn("podman create warning", "warning", warning)
		}
		inspect.ID = created.ID
		inspect.Name = spec.Name
		inspect.State.Running = false
		log.Info("podman container created", "id", inspect.ID)
	}
	if !inspect.State.Running {
		if err := r.startContainer(ctx, inspect.ID); err != nil {
			log.Warn("podman start failed", "err", err)
			return nil, err
		}
		log.Info("podman container started", "id", inspect.ID)
	}
	log.Info("podman container ready", "id", inspect.ID)
	return &handle{name: spec.Name, id: inspect.ID}, nil
}

// Find lists containers, running or not, whose name matches name.
func (r *Runtime) Find(ctx context.Context, name string) ([]shipohoy.ContainerState, error) {
	log := r.logger(ctx).With("name", name)
	filters, err := json.Marshal(map[string][]string{"name": {name}})
	if err != nil {
		return nil, err
	}
	query := url.Values{}
	query.Set("all", "1")
	query.Set("filters", string(filters))
	list, err := r.listContainers(ctx, query)
	if err != nil {
		log.Warn("podman find failed", "err", err)
		return nil, err
	}
	out := make([]shipohoy.ContainerState, 0, len(list))
	for _, item := range list {
		out = append(out, shipohoy.ContainerState{
			Name:    containerName(item),
			ID:      item.ID,
			Running: strings.EqualFold(item.State, "running"),
			Status:  item.State,
		})
	}
	log.Debug("podman find ok", "count", len(out))
	return out, nil
}

// Inspect returns the current state of a container.
func (r *Runtime) Inspect(ctx context.Context, h shipohoy.Handle) (shipohoy.ContainerState, error) {
	if h == nil {
		return shipohoy.ContainerState{}, errors.New("container handle is required")
	}
	inspect, ok, err := r.inspectContainer(ctx, h.ID())
	if err != nil {
		return shipohoy.ContainerState{}, err
	}
	if !ok {
		return shipohoy.ContainerState{}, fmt.Errorf("container %s: %w", h.Name(), errdefs.ErrNotFound)
	}
	state := shipohoy.ContainerState{
		Name:     strings.TrimPrefix(inspect.Name, "/"),
		ID:       inspect.ID,
		Running:  inspect.State.Running,
		Status:   inspect.State.Status,
		ExitCode: inspect.State.ExitCode,
	}
	if started, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil && started.Year() > 1 {
		state.StartedAt = started
	}
	return state, nil
}

// Stats returns a single memory sample for a container.
func (r *Runtime) Stats(ctx context.Context, h shipohoy.Handle) (shipohoy.Stats, error) {
	if h == nil {
		return shipohoy.Stats{}, errors.New("container handle is required")
	}
	query := url.Values{}
	query.Set("stream", "false")
	query.Set("one-shot", "true")
	res, err := r.client.do(ctx, http.MethodGet, fmt.Sprintf("/containers/%s/stats", url.PathEscape(h.ID())), query, nil, "")
	if err != nil {
		return shipohoy.Stats{}, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return shipohoy.Stats{}, readAPIError(res)
	}
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return shipohoy.Stats{}, err
	}
	return parseStats(data)
}

// Logs returns the selected log streams of a container, demultiplexed.
func (r *Runtime) Logs(ctx context.Context, h shipohoy.Handle, stream shipohoy.LogStream) ([]byte, error) {
	if h == nil {
		return nil, errors.New("container handle is required")
	}
	query := url.Values{}
	query.Set("follow", "0")
	switch stream {
	case shipohoy.LogStdout:
		query.Set("stdout", "1")
	case shipohoy.LogStderr:
		query.Set("stderr", "1")
	default:
		query.Set("stdout", "1")
		query.Set("stderr", "1")
	}
	res, err := r.client.do(ctx, http.MethodGet, fmt.Sprintf("/containers/%s/logs", url.PathEscape(h.ID())), query, nil, "")
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return nil, readAPIError(res)
	}
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := copyDockerStream(bytes.NewReader(data), &out, &out); err != nil {
		return data, nil
	}
	return out.Bytes(), nil
}

// CopyFrom streams a tar archive of path inside the container. The caller
// must close the returned reader.
func (r *Runtime) CopyFrom(ctx context.Context, h shipohoy.Handle, p string) (io.ReadCloser, error) {
	if h == nil {
		return nil, errors.New("container handle is required")
	}
	log := r.logger(ctx).With("container", h.Name(), "path", p)
	log.Info("podman copy from start")
	query := url.Values{}
	query.Set("path", p)
	res, err := r.client.do(ctx, http.MethodGet, fmt.Sprintf("/containers/%s/archive", url.PathEscape(h.ID())), query, nil, "")
	if err != nil {
		log.Warn("podman copy from failed", "err", err)
		return nil, err
	}
	if res.StatusCode >= 300 {
		defer func() { _ = res.Body.Close() }()
		log.Warn("podman copy from failed", "status", res.StatusCode)
		return nil, readAPIError(res)
	}
	return res.Body, nil
}

// CopyTo extracts a tar archive into dir inside the named container.
func (r *Runtime) CopyTo(ctx context.Context, container string, dir string, archive io.Reader) error {
	log := r.logger(ctx).With("container", container, "path", dir)
	log.Debug("podman copy to start")
	query := url.Values{}
	query.Set("path", dir)
	res, err := r.client.do(ctx, http.MethodPut, fmt.Sprintf("/containers/%s/archive", url.PathEscape(container)), query, archive, "application/x-tar")
	if err != nil {
		log.Warn("podman copy to failed", "err", err)
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		log.Warn("podman copy to failed", "status", res.StatusCode)
		return readAPIError(res)
	}
	log.Debug("podman copy to ok")
	return nil
}

// Stop stops a running container.
func (r *Runtime) Stop(ctx context.Context, h shipohoy.Handle) error {
	if h == nil {
		return nil
	}
	log := r.logger(ctx).With("container", h.Name(), "id", h.ID())
	log.Info("podman stop start")
	query := url.Values{}
	query.Set("t", strconv.Itoa(int(r.stopTimeout.Seconds())))
	res, err := r.client.do(ctx, http.MethodPost, fmt.Sprintf("/containers/%s/stop", url.PathEscape(h.ID())), query, nil, "")
	if err != nil {
		log.Warn("podman stop failed", "err", err)
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == http.StatusNotModified || res.StatusCode == http.StatusNotFound {
		log.Info("podman stop skipped", "status", res.StatusCode)
		return nil
	}
	if res.StatusCode >= 300 {
		log.Warn("podman stop failed", "status", res.StatusCode)
		return readAPIError(res)
	}
	log.Info("podman stop ok")
	return nil
}

// Remove force-removes a container.
func (r *Runtime) Remove(ctx context.Context, h shipohoy.Handle) error {
	if h == nil {
		return nil
	}
	log := r.logger(ctx).With("container", h.Name(), "id", h.ID())
	log.Info("podman remove start")
	query := url.Values{}
	query.Set("force", "true")
	res, err := r.client.do(ctx, http.MethodDelete, fmt.Sprintf("/containers/%s", url.PathEscape(h.ID())), query, nil, "")
	if err != nil {
		log.Warn("podman remove failed", "err", err)
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == http.StatusNotFound {
		log.Info("podman remove skipped", "reason", "not found")
		return nil
	}
	if res.StatusCode >= 300 {
		log.Warn("podman remove failed", "status", res.StatusCode)
		return readAPIError(res)
	}
	log.Info("podman remove ok")
	return nil
}

// CreateVolume creates a named volume, returning the existing one if present.
func (r *Runtime) CreateVolume(ctx context.Context, spec shipohoy.VolumeSpec) (shipohoy.Volume, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return shipohoy.Volume{}, errors.New("volume name is required")
	}
	log := r.logger(ctx).With("volume", spec.Name)
	log.Info("podman volume create start")
	driver := spec.Driver
	if driver == "" {
		driver = "local"
	}
	req := map[string]any{
		"Name":   spec.Name,
		"Driver": driver,
		"Labels": mergeLabels(spec.Labels, map[string]string{labelManaged: "true"}),
	}
	if len(spec.Options) > 0 {
		req["DriverOpts"] = spec.Options
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return shipohoy.Volume{}, err
	}
	res, err := r.client.do(ctx, http.MethodPost, "/volumes/create", nil, bytes.NewReader(payload), "application/json")
	if err != nil {
		log.Warn("podman volume create failed", "err", err)
		return shipohoy.Volume{}, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		log.Warn("podman volume create failed", "status", res.StatusCode)
		return shipohoy.Volume{}, readAPIError(res)
	}
	var created volumeResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		log.Warn("podman volume create failed", "err", err)
		return shipohoy.Volume{}, err
	}
	if created.Name == "" {
		created.Name = spec.Name
	}
	log.Info("podman volume create ok", "mountpoint", created.Mountpoint)
	return shipohoy.Volume{Name: created.Name, Mountpoint: created.Mountpoint}, nil
}

// VolumeUsage reports the bytes stored in a volume as seen by the engine's
// disk usage accounting.
func (r *Runtime) VolumeUsage(ctx context.Context, name string) (int64, error) {
	res, err := r.client.do(ctx, http.MethodGet, "/system/df", nil, nil, "")
	if err != nil {
		return 0, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return 0, readAPIError(res)
	}
	var df diskUsageResponse
	if err := json.NewDecoder(res.Body).Decode(&df); err != nil {
		return 0, err
	}
	for _, v := range df.Volumes {
		if v.Name != name {
			continue
		}
		if v.UsageData == nil || v.UsageData.Size < 0 {
			return 0, fmt.Errorf("volume %s usage: %w", name, errdefs.ErrUnavailable)
		}
		return v.UsageData.Size, nil
	}
	return 0, fmt.Errorf("volume %s: %w", name, errdefs.ErrNotFound)
}

// RemoveVolume force-removes a named volume. A missing volume is not an error.
func (r *Runtime) RemoveVolume(ctx context.Context, name string) error {
	log := r.logger(ctx).With("volume", name)
	log.Info("podman volume remove start")
	query := url.Values{}
	query.Set("force", "true")
	res, err := r.client.do(ctx, http.MethodDelete, fmt.Sprintf("/volumes/%s", url.PathEscape(name)), query, nil, "")
	if err != nil {
		log.Warn("podman volume remove failed", "err", err)
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == http.StatusNotFound {
		log.Info("podman volume remove skipped", "reason", "not found")
		return nil
	}
	if res.StatusCode >= 300 {
		log.Warn("podman volume remove failed", "status", res.StatusCode)
		return readAPIError(res)
	}
	log.Info("podman volume remove ok")
	return nil
}

func (r *Runtime) logger(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx).With("runtime", "podman")
}

// Janitor prunes managed containers and volumes by label.
func (r *Runtime) Janitor(ctx context.Context, spec shipohoy.JanitorSpec) (int, error) {
	log := r.logger(ctx)
	log.Info("podman janitor start")
	labels := []string{labelManaged + "=true"}
	for k, v := range spec.LabelSelector {
		if strings.TrimSpace(k) == "" {
			continue
		}
		labels = append(labels, fmt.Sprintf("%s=%s", k, v))
	}
	filterJSON, err := json.Marshal(map[string][]string{"label": labels})
	if err != nil {
		log.Warn("podman janitor failed", "err", err)
		return 0, err
	}
	query := url.Values{}
	query.Set("all", "1")
	query.Set("filters", string(filterJSON))
	list, err := r.listContainers(ctx, query)
	if err != nil {
		log.Warn("podman janitor failed", "err", err)
		return 0, err
	}
	removed := 0
	cutoff := time.Now().Add(-spec.MinAge)
	for _, item := range list {
		if spec.MinAge > 0 {
			created := time.Unix(item.Created, 0)
			if created.After(cutoff) {
				continue
			}
		}
		h := &handle{name: containerName(item), id: item.ID}
		_ = r.Stop(ctx, h)
		if err := r.Remove(ctx, h); err != nil {
			log.Warn("podman janitor failed", "err", err)
			return removed, err
		}
		removed++
	}

	volumes, err := r.listVolumes(ctx, url.Values{"filters": {string(filterJSON)}})
	if err != nil {
		log.Warn("podman janitor volumes failed", "err", err)
		return removed, err
	}
	for _, v := range volumes {
		if spec.MinAge > 0 {
			if created, err := time.Parse(time.RFC3339, v.CreatedAt); err == nil && created.After(cutoff) {
				continue
			}
		}
		if err := r.RemoveVolume(ctx, v.Name); err != nil {
			log.Warn("podman janitor volume failed", "volume", v.Name, "err", err)
			continue
		}
		removed++
	}
	log.Info("podman janitor ok", "removed", removed)
	return removed, nil
}

func (r *Runtime) listContainers(ctx context.Context, query url.Values) ([]containerListItem, error) {
	res, err := r.client.do(ctx, http.MethodGet, "/containers/json", query, nil, "")
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return nil, readAPIError(res)
	}
	var list []containerListItem
	if err := json.NewDecoder(res.Body).Decode(&list); err != nil {
		return nil, err
	}
	return list, nil
}

func (r *Runtime) listVolumes(ctx context.Context, query url.Values) ([]volumeResponse, error) {
	res, err := r.client.do(ctx, http.MethodGet, "/volumes", query, nil, "")
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return nil, readAPIError(res)
	}
	var list volumeListResponse
	if err := json.NewDecoder(res.Body).Decode(&list); err != nil {
		return nil, err
	}
	return list.Volumes, nil
}

func (r *Runtime) inspectContainer(ctx context.Context, name string) (inspectContainer, bool, error) {
	res, err := r.client.do(ctx, http.MethodGet, fmt.Sprintf("/containers/%s/json", url.PathEscape(name)), nil, nil, "")
	if err != nil {
		return inspectContainer{}, false, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == http.StatusNotFound {
		return inspectContainer{}, false, nil
	}
	if res.StatusCode >= 300 {
		return inspectContainer{}, false, readAPIError(res)
	}
	var inspect inspectContainer
	if err := json.NewDecoder(res.Body).Decode(&inspect); err != nil {
		return inspectContainer{}, false, err
	}
	return inspect, true, nil
}

func (r *Runtime) createContainer(ctx context.Context, spec shipohoy.ContainerSpec) (createResponse, error) {
	payload, err := json.Marshal(r.createRequest(spec))
	if err != nil {
		return createResponse{}, err
	}
	query := url.Values{}
	query.Set("name", spec.Name)
	res, err := r.client.do(ctx, http.MethodPost, "/containers/create", query, bytes.NewReader(payload), "application/json")
	if err != nil {
		return createResponse{}, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return createResponse{}, readAPIError(res)
	}
	var created createResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		return createResponse{}, err
	}
	if created.ID == "" {
		return createResponse{}, errors.New("engine create did not return container id")
	}
	return created, nil
}

func (r *Runtime) createRequest(spec shipohoy.ContainerSpec) map[string]any {
	labels := mergeLabels(spec.Labels, map[string]string{labelManaged: "true"})
	req := map[string]any{
		"Image":  spec.Image,
		"Labels": labels,
	}
	hostConfig := map[string]any{}
	if spec.NetworkDisabled {
		req["NetworkDisabled"] = true
		hostConfig["NetworkMode"] = "none"
	}
	if r.usernsMode != "" {
		hostConfig["UsernsMode"] = r.usernsMode
	}
	if spec.ResourceCaps != nil {
		if spec.ResourceCaps.MemoryBytes > 0 {
			hostConfig["Memory"] = spec.ResourceCaps.MemoryBytes
		}
		if spec.ResourceCaps.NanoCPUs > 0 {
			hostConfig["NanoCpus"] = spec.ResourceCaps.NanoCPUs
		}
	}
	if len(spec.StorageOpt) > 0 {
		hostConfig["StorageOpt"] = spec.StorageOpt
	}
	if binds := buildBinds(spec.Mounts); len(binds) > 0 {
		hostConfig["Binds"] = binds
	}
	if mounts := buildVolumeMounts(spec.Volumes); len(mounts) > 0 {
		hostConfig["Mounts"] = mounts
	}
	if len(hostConfig) > 0 {
		req["HostConfig"] = hostConfig
	}
	return req
}

func (r *Runtime) startContainer(ctx context.Context, id string) error {
	res, err := r.client.do(ctx, http.MethodPost, fmt.Sprintf("/containers/%s/start", url.PathEscape(id)), nil, nil, "")
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == http.StatusNotModified {
		return nil
	}
	if res.StatusCode >= 300 {
		return readAPIError(res)
	}
	return nil
}

func parseStats(data []byte) (shipohoy.Stats, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return shipohoy.Stats{}, nil
	}
	var stats statsResponse
	if err := json.Unmarshal(data, &stats); err != nil {
		return shipohoy.Stats{}, err
	}
	if stats.MemoryStats.Usage == nil {
		return shipohoy.Stats{}, nil
	}
	return shipohoy.Stats{
		MemoryUsage: *stats.MemoryStats.Usage,
		MemoryLimit: stats.MemoryStats.Limit,
		Available:   true,
	}, nil
}

// drainProgress consumes a streamed pull response and returns the first
// reported error. The engine answers 200 before the pull has finished, so
// failures only show up in the stream.
func drainProgress(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg progressMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			return fmt.Errorf("image pull: %s", msg.Error)
		}
		if msg.ErrorDetail.Message != "" {
			return fmt.Errorf("image pull: %s", msg.ErrorDetail.Message)
		}
	}
	return scanner.Err()
}

func mergeLabels(a, b map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range b {
		out[k] = v
	}
	for k, v := range a {
		out[k] = v
	}
	return out
}

func buildBinds(mounts []shipohoy.Mount) []string {
	if len(mounts) == 0 {
		return nil
	}
	out := make([]string, 0, len(mounts))
	for _, m := range mounts {
		if strings.TrimSpace(m.Source) == "" || strings.TrimSpace(m.Target) == "" {
			continue
		}
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		out = append(out, fmt.Sprintf("%s:%s:%s", m.Source, m.Target, mode))
	}
	return out
}

func buildVolumeMounts(volumes []shipohoy.VolumeMount) []map[string]any {
	if len(volumes) == 0 {
		return nil
	}
	out := make([]map[string]any, 0, len(volumes))
	for _, v := range volumes {
		if strings.TrimSpace(v.Name) == "" || strings.TrimSpace(v.Target) == "" {
			continue
		}
		out = append(out, map[string]any{
			"Type":     "volume",
			"Source":   v.Name,
			"Target":   v.Target,
			"ReadOnly": v.ReadOnly,
		})
	}
	return out
}

func containerName(item containerListItem) string {
	if len(item.Names) == 0 {
		return ""
	}
	name := item.Names[0]
	return strings.TrimPrefix(name, "/")
}

func splitImageRef(image string) (string, string) {
	image = strings.TrimSpace(image)
	if image == "" {
		return "", ""
	}
	if at := strings.Index(image, "@"); at != -1 {
		return image, ""
	}
	lastSlash := strings.LastIndex(image, "/")
	lastColon := strings.LastIndex(image, ":")
	if lastColon > lastSlash {
		return image[:lastColon], image[lastColon+1:]
	}
	return image, ""
}

// handle represents a podman container handle.
type handle struct {
	name string
	id   string
}

func (h *handle) Name() string { return h.name }
func (h *handle) ID() string   { return h.id }
