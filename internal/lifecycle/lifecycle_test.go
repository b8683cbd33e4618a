package lifecycle

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/subexec/internal/shipohoy"
	"pkt.systems/subexec/internal/shipohoy/shipohoytest"
	"pkt.systems/subexec/schema"
)

var testDigest = "sha256:" + strings.Repeat("ab", 32)

func testSubmission() schema.Submission {
	return schema.Submission{
		ID:          "9700",
		Repository:  "docker.synapse.org/syn1/model",
		Digest:      testDigest,
		Question:    "1",
		PublicPhase: true,
		InputDir:    "/data/input",
		ImageStatus: "ACCEPTED",
	}
}

func testBudget() schema.ResourceBudget {
	return schema.ResourceBudget{
		MemoryBytes:   1 << 30,
		NanoCPUs:      2e9,
		Timeout:       time.Hour,
		StorageSize:   "2G",
		VolumeOptions: map[string]string{"o": "size=2g"},
		OutputPattern: "*_imputed.csv",
	}
}

func newManager(rt *shipohoytest.Runtime, opts Options) *Manager {
	yard := shipohoy.Commission(shipohoy.YardPlan{NamePrefix: "subexec-"}, rt)
	return New(yard, opts)
}

func TestAcquireRejectsInvalidImageWithoutEngineCalls(t *testing.T) {
	rt := shipohoytest.New()
	sub := testSubmission()
	sub.ImageStatus = "INVALID"
	_, err := newManager(rt, Options{}).Acquire(context.Background(), sub, testBudget())
	if !errors.Is(err, schema.ErrImageInvalid) {
		t.Fatalf("expected ErrImageInvalid, got %v", err)
	}
	if calls := rt.Calls(); len(calls) != 0 {
		t.Fatalf("engine was called: %v", calls)
	}
}

func TestAcquireLaunchesSandboxedContainer(t *testing.T) {
	rt := shipohoytest.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := newManager(rt, Options{RunID: "run-1", Now: func() time.Time { return now }})
	lease, err := m.Acquire(context.Background(), testSubmission(), testBudget())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lease.Reattached || !lease.StartedAt.Equal(now) {
		t.Fatalf("unexpected lease %+v", lease)
	}
	spec, ok := rt.Spec("subexec-9700")
	if !ok {
		t.Fatalf("container not created")
	}
	if !spec.NetworkDisabled {
		t.Fatalf("network must be disabled")
	}
	if !strings.Contains(spec.Image, "@"+testDigest) {
		t.Fatalf("image not pinned by digest: %s", spec.Image)
	}
	if len(spec.Mounts) != 1 || !spec.Mounts[0].ReadOnly || spec.Mounts[0].Target != "/input" {
		t.Fatalf("input must be a read-only bind: %+v", spec.Mounts)
	}
	if len(spec.Volumes) != 1 || spec.Volumes[0].ReadOnly || spec.Volumes[0].Target != "/output" || spec.Volumes[0].Name != "subexec-9700-output" {
		t.Fatalf("output must be a writable volume: %+v", spec.Volumes)
	}
	if spec.ResourceCaps == nil || spec.ResourceCaps.MemoryBytes != 1<<30 || spec.ResourceCaps.NanoCPUs != 2e9 {
		t.Fatalf("caps not applied: %+v", spec.ResourceCaps)
	}
	if spec.StorageOpt["size"] != "2G" {
		t.Fatalf("storage opt not applied: %v", spec.StorageOpt)
	}
	if spec.Labels[LabelRun] != "run-1" || spec.Labels[LabelSubmission] != "9700" {
		t.Fatalf("labels not applied: %v", spec.Labels)
	}
	vol, ok := rt.VolumeSpec("subexec-9700-output")
	if !ok || vol.Options["o"] != "size=2g" {
		t.Fatalf("volume not created with size cap: %+v", vol)
	}
}

func TestAcquireIsIdempotent(t *testing.T) {
	rt := shipohoytest.New()
	rt.RunFor = -1
	launched := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rt.Now = func() time.Time { return launched }
	ctx := context.Background()
	m := newManager(rt, Options{Now: func() time.Time { return launched.Add(time.Hour) }})
	first, err := m.Acquire(ctx, testSubmission(), testBudget())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	second, err := m.Acquire(ctx, testSubmission(), testBudget())
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if first.Handle.ID() != second.Handle.ID() || !second.Reattached {
		t.Fatalf("second acquire did not reattach")
	}

	again, err := newManager(rt, Options{}).Acquire(ctx, testSubmission(), testBudget())
	if err != nil {
		t.Fatalf("Acquire from fresh yard: %v", err)
	}
	if again.Handle.ID() != first.Handle.ID() || !again.Reattached {
		t.Fatalf("fresh yard did not reattach")
	}
	if rt.Created() != 1 {
		t.Fatalf("expected 1 container, got %d", rt.Created())
	}
	if !again.StartedAt.Equal(launched) {
		t.Fatalf("reattached lease must keep engine start time, got %s", again.StartedAt)
	}
}

func TestAcquireReplacesExitedContainer(t *testing.T) {
	rt := shipohoytest.New()
	stale := rt.Seed("subexec-9700", false, time.Now().Add(-time.Hour))
	lease, err := newManager(rt, Options{}).Acquire(context.Background(), testSubmission(), testBudget())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lease.Reattached || lease.Handle.ID() == stale.ID() {
		t.Fatalf("exited container must be replaced")
	}
	if rt.Created() != 1 {
		t.Fatalf("expected a fresh container")
	}
}

func TestAcquireRefusesLaunchOverStaleContainer(t *testing.T) {
	rt := shipohoytest.New()
	stale := rt.Seed("subexec-9700", false, time.Now().Add(-time.Hour))
	rt.Errs["Remove"] = errors.New("device busy")
	m := newManager(rt, Options{})
	_, err := m.Acquire(context.Background(), testSubmission(), testBudget())
	var launchErr *schema.LaunchError
	if !errors.As(err, &launchErr) || !strings.Contains(err.Error(), "device busy") {
		t.Fatalf("expected LaunchError carrying the removal failure, got %v", err)
	}
	if rt.Running("subexec-9700") {
		t.Fatalf("stale container %s was restarted", stale.ID())
	}
	for _, op := range []string{"EnsureImage", "CreateVolume", "EnsureRunning"} {
		if rt.CallCount(op) != 0 {
			t.Fatalf("%s called after stale removal failed: %v", op, rt.Calls())
		}
	}
	m.Cleanup(context.Background())
	if rt.CallCount("RemoveVolume") != 0 {
		t.Fatalf("cleanup touched a volume this run never created")
	}
}

func TestAcquireRefusesLaunchWhenLookupFails(t *testing.T) {
	rt := shipohoytest.New()
	rt.Seed("subexec-9700", true, time.Now().Add(-5*time.Hour))
	rt.Errs["Find"] = errors.New("engine: connection reset")
	_, err := newManager(rt, Options{}).Acquire(context.Background(), testSubmission(), testBudget())
	var launchErr *schema.LaunchError
	if !errors.As(err, &launchErr) || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("expected LaunchError carrying the lookup failure, got %v", err)
	}
	if rt.CallCount("EnsureRunning") != 0 || rt.Created() != 0 {
		t.Fatalf("launch attempted without knowing what the engine holds: %v", rt.Calls())
	}
	if !rt.Running("subexec-9700") {
		t.Fatalf("running container must be left alone")
	}
}

func TestAcquireLaunchFailureCleansUp(t *testing.T) {
	rt := shipohoytest.New()
	rt.Errs["EnsureRunning"] = errors.New("invalid storage option")
	m := newManager(rt, Options{})
	_, err := m.Acquire(context.Background(), testSubmission(), testBudget())
	var launchErr *schema.LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("expected LaunchError, got %v", err)
	}
	if !strings.Contains(err.Error(), "invalid storage option") {
		t.Fatalf("engine message lost: %v", err)
	}
	if len(rt.Containers()) != 0 || len(rt.Volumes()) != 0 {
		t.Fatalf("resources leaked: containers=%v volumes=%v", rt.Containers(), rt.Volumes())
	}
	if rt.CallCount("Remove") == 0 {
		t.Fatalf("partial container was not force-removed")
	}
}

func TestAcquirePullFailure(t *testing.T) {
	rt := shipohoytest.New()
	rt.Errs["EnsureImage"] = errors.New("unauthorized")
	_, err := newManager(rt, Options{}).Acquire(context.Background(), testSubmission(), testBudget())
	var launchErr *schema.LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("expected LaunchError, got %v", err)
	}
	if rt.CallCount("CreateVolume") != 0 {
		t.Fatalf("volume created after failed pull")
	}
}

func TestAcquireRejectsTaggedRepository(t *testing.T) {
	rt := shipohoytest.New()
	sub := testSubmission()
	sub.Repository = "docker.synapse.org/syn1/model:latest"
	_, err := newManager(rt, Options{}).Acquire(context.Background(), sub, testBudget())
	var launchErr *schema.LaunchError
	if !errors.As(err, &launchErr) || !errors.Is(err, schema.ErrInvalidImage) {
		t.Fatalf("expected LaunchError wrapping ErrInvalidImage, got %v", err)
	}
	if rt.CallCount("EnsureImage") != 0 {
		t.Fatalf("tagged reference must not be pulled")
	}
}

func TestPollAndTerminate(t *testing.T) {
	rt := shipohoytest.New()
	rt.RunFor = -1
	ctx := context.Background()
	m := newManager(rt, Options{})
	lease, err := m.Acquire(ctx, testSubmission(), testBudget())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if phase, err := m.Poll(ctx, lease.Handle); err != nil || phase != PhaseRunning {
		t.Fatalf("Poll = %s, %v", phase, err)
	}
	if err := m.Terminate(ctx, lease.Handle); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if phase, _ := m.Poll(ctx, lease.Handle); phase != PhaseExited {
		t.Fatalf("expected exited after terminate, got %s", phase)
	}
	rt.Errs["Inspect"] = errors.New("engine gone")
	if phase, err := m.Poll(ctx, lease.Handle); err == nil || phase != PhaseExited {
		t.Fatalf("inspect error must end polling: %s, %v", phase, err)
	}
}

func TestExtractCopiesOutput(t *testing.T) {
	rt := shipohoytest.New()
	rt.Output = map[string]string{"a_imputed.csv": "x,y\n", "nested/b.txt": "b"}
	ctx := context.Background()
	m := newManager(rt, Options{})
	lease, err := m.Acquire(ctx, testSubmission(), testBudget())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	dst := filepath.Join(t.TempDir(), "pred")
	if err := m.Extract(ctx, lease.Handle, dst); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dst, "a_imputed.csv"))
	if err != nil || string(got) != "x,y\n" {
		t.Fatalf("a_imputed.csv = %q, %v", got, err)
	}
	if _, err := os.Stat(filepath.Join(dst, "nested", "b.txt")); err != nil {
		t.Fatalf("nested file missing: %v", err)
	}
}

func TestExtractFailureStopsContainer(t *testing.T) {
	rt := shipohoytest.New()
	rt.RunFor = -1
	ctx := context.Background()
	m := newManager(rt, Options{})
	lease, err := m.Acquire(ctx, testSubmission(), testBudget())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	rt.Errs["CopyFrom"] = errors.New("no such path")
	err = m.Extract(ctx, lease.Handle, t.TempDir())
	var copyErr *schema.CopyError
	if !errors.As(err, &copyErr) {
		t.Fatalf("expected CopyError, got %v", err)
	}
	if rt.Running("subexec-9700") {
		t.Fatalf("container must be stopped after copy failure")
	}
}

func TestDisposeAndCleanup(t *testing.T) {
	rt := shipohoytest.New()
	ctx := context.Background()
	m := newManager(rt, Options{RemoveImage: true})
	if _, err := m.Acquire(ctx, testSubmission(), testBudget()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	m.Dispose(ctx)
	m.Cleanup(ctx)
	if len(rt.Containers()) != 0 || len(rt.Volumes()) != 0 || len(rt.Images()) != 0 {
		t.Fatalf("resources leaked: %v %v %v", rt.Containers(), rt.Volumes(), rt.Images())
	}
	if len(m.Warnings()) != 0 {
		t.Fatalf("unexpected warnings: %v", m.Warnings())
	}
}

func TestCleanupFailuresBecomeWarnings(t *testing.T) {
	rt := shipohoytest.New()
	ctx := context.Background()
	m := newManager(rt, Options{RemoveImage: true})
	if _, err := m.Acquire(ctx, testSubmission(), testBudget()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	rt.Errs["Remove"] = errors.New("busy")
	rt.Errs["RemoveVolume"] = errors.New("in use")
	rt.Errs["RemoveImage"] = errors.New("conflict")
	m.Dispose(ctx)
	m.Cleanup(ctx)
	warnings := m.Warnings()
	if len(warnings) != 3 {
		t.Fatalf("expected 3 warnings, got %v", warnings)
	}
	if warnings[0].Op != "remove container" || warnings[1].Op != "remove volume" || warnings[2].Op != "remove image" {
		t.Fatalf("unexpected warning order: %v", warnings)
	}
}

func TestUntarRejectsEscape(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	body := "pwned"
	if err := tw.WriteHeader(&tar.Header{Name: "output/../../evil", Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))}); err != nil {
		t.Fatalf("header: %v", err)
	}
	if _, err := tw.Write([]byte(body)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := untar(&buf, t.TempDir()); err == nil {
		t.Fatalf("expected escape to be rejected")
	}
}
