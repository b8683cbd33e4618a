package executor

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"pkt.systems/subexec/internal/artifact"
	"pkt.systems/subexec/internal/shipohoy/shipohoytest"
	"pkt.systems/subexec/schema"
)

var testDigest = "sha256:" + strings.Repeat("0f", 32)

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits int
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.waits++
	return nil
}

type harness struct {
	rt    *shipohoytest.Runtime
	clock *fakeClock
	work  string
	exec  *Executor
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	clock := newClock()
	rt := shipohoytest.New()
	rt.Now = clock.Now
	work := t.TempDir()
	cfg := Config{
		WorkDir:      work,
		PollInterval: time.Hour,
		RemoveImage:  true,
		Now:          clock.Now,
		Wait:         clock.Wait,
		NewRunID:     func() string { return "run-test" },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &harness{rt: rt, clock: clock, work: work, exec: New(rt, cfg)}
}

func submission(question schema.Question) schema.Submission {
	return schema.Submission{
		ID:          "9700",
		Repository:  "docker.synapse.org/syn1/model",
		Digest:      testDigest,
		Question:    question,
		PublicPhase: true,
		InputDir:    "/data/input",
		ParentID:    "syn42",
		ImageStatus: "ACCEPTED",
	}
}

func (h *harness) assertNoLeaks(t *testing.T) {
	t.Helper()
	if c := h.rt.Containers(); len(c) != 0 {
		t.Fatalf("containers outlived the run: %v", c)
	}
	if v := h.rt.Volumes(); len(v) != 0 {
		t.Fatalf("volumes outlived the run: %v", v)
	}
}

func archiveEntries(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer func() { _ = f.Close() }()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	var names []string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return names
		}
		if err != nil {
			t.Fatalf("tar: %v", err)
		}
		names = append(names, hdr.Name)
	}
}

func TestScenarioCleanRunIsValidated(t *testing.T) {
	h := newHarness(t, nil)
	h.rt.RunFor = 2
	h.rt.Output = map[string]string{"a_imputed.csv": "id,value\n1,0.5\n"}
	h.rt.Log = []byte("epoch 1\nepoch 2\n")

	res, err := h.exec.Run(context.Background(), submission("1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != schema.StatusValidated {
		t.Fatalf("status = %s, errors = %v", res.Status, res.Errors)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors %v", res.Errors)
	}
	if res.RunID != "run-test" {
		t.Fatalf("run id = %q", res.RunID)
	}
	if res.Artifacts.Archive == "" {
		t.Fatalf("archive missing")
	}
	if names := archiveEntries(t, res.Artifacts.Archive); len(names) != 1 || names[0] != "a_imputed.csv" {
		t.Fatalf("archive entries = %v", names)
	}
	logText, err := os.ReadFile(res.Artifacts.Log)
	if err != nil || string(logText) != "epoch 1\nepoch 2\n" {
		t.Fatalf("log = %q, %v", logText, err)
	}
	if filepath.Base(res.Artifacts.Log) != "9700_log.txt" || filepath.Base(res.Artifacts.Tree) != "9700_tree.txt" {
		t.Fatalf("unexpected artifact names %+v", res.Artifacts)
	}
	h.assertNoLeaks(t)
	if imgs := h.rt.Images(); len(imgs) != 0 {
		t.Fatalf("image not removed: %v", imgs)
	}
}

func TestScenarioTimeLimitStopsContainer(t *testing.T) {
	h := newHarness(t, nil)
	h.rt.RunFor = -1
	h.rt.Output = map[string]string{"a_imputed.csv": "partial"}

	res, err := h.exec.Run(context.Background(), submission("1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != schema.StatusInvalid {
		t.Fatalf("status = %s", res.Status)
	}
	if len(res.Errors) != 1 || res.Errors[0] != "Submission time limit of 6h reached." {
		t.Fatalf("errors = %v", res.Errors)
	}
	if res.Artifacts.Archive != "" {
		t.Fatalf("archive must not be produced after a violation")
	}
	if _, err := os.Stat(filepath.Join(h.work, "predictions.tar.gz")); !os.IsNotExist(err) {
		t.Fatalf("archive file exists")
	}
	if h.clock.waits != 7 {
		t.Fatalf("expected 7 ticks before the 6h limit was exceeded, got %d", h.clock.waits)
	}
	calls := h.rt.Calls()
	stop := indexOf(calls, "Stop")
	copyFrom := indexOf(calls, "CopyFrom")
	if stop < 0 || stop > copyFrom {
		t.Fatalf("container was not stopped right after the violation: %v", calls)
	}
	for _, c := range calls[lastIndexOf(calls, "Stats"):stop] {
		if c == "Logs" || c == "Inspect" {
			t.Fatalf("poll continued after violation: %v", calls)
		}
	}
	h.assertNoLeaks(t)
}

func TestInspectFailureStopsAndInvalidates(t *testing.T) {
	h := newHarness(t, nil)
	h.rt.RunFor = -1
	h.rt.Errs["Inspect"] = errors.New("engine: connection reset")
	h.rt.Output = map[string]string{"a_imputed.csv": "partial"}

	res, err := h.exec.Run(context.Background(), submission("1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != schema.StatusInvalid {
		t.Fatalf("status = %s", res.Status)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "connection reset") {
		t.Fatalf("errors = %v", res.Errors)
	}
	if res.Artifacts.Archive != "" {
		t.Fatalf("archive must not be produced when the container could not be observed")
	}
	if h.clock.waits != 0 {
		t.Fatalf("supervision kept ticking after inspect failed: %d waits", h.clock.waits)
	}
	calls := h.rt.Calls()
	stop := indexOf(calls, "Stop")
	if stop < 0 || stop > indexOf(calls, "CopyFrom") {
		t.Fatalf("container was not stopped before extraction: %v", calls)
	}
	h.assertNoLeaks(t)
}

func TestScenarioMissingOutput(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.exec.Run(context.Background(), submission("1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != schema.StatusInvalid {
		t.Fatalf("status = %s", res.Status)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "no '*_imputed.csv' file written to '/output' folder") {
		t.Fatalf("errors = %v", res.Errors)
	}
	if !strings.Contains(res.Errors[0], "9700_tree.txt") {
		t.Fatalf("message should point at the tree snapshot: %q", res.Errors[0])
	}
	if _, err := os.Stat(res.Artifacts.Tree); err != nil {
		t.Fatalf("tree snapshot missing: %v", err)
	}
	logText, _ := os.ReadFile(res.Artifacts.Log)
	if string(logText) != "No Logs" {
		t.Fatalf("expected sentinel log, got %q", logText)
	}
	h.assertNoLeaks(t)
}

func TestSecondQuestionUsesBedPattern(t *testing.T) {
	h := newHarness(t, nil)
	h.rt.Output = map[string]string{"calls.bed": "chr1\t1\t2\n", "a_imputed.csv": "x"}
	res, err := h.exec.Run(context.Background(), submission("2"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != schema.StatusValidated {
		t.Fatalf("status = %s, errors = %v", res.Status, res.Errors)
	}
	if names := archiveEntries(t, res.Artifacts.Archive); len(names) != 1 || names[0] != "calls.bed" {
		t.Fatalf("archive entries = %v", names)
	}
	h.assertNoLeaks(t)
}

func TestMemoryViolation(t *testing.T) {
	h := newHarness(t, nil)
	h.rt.RunFor = -1
	h.rt.Memory = 200 << 30
	h.rt.Output = map[string]string{"a_imputed.csv": "x"}
	res, err := h.exec.Run(context.Background(), submission("1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != schema.StatusInvalid || len(res.Errors) != 1 || res.Errors[0] != "Submission memory limit of 160GiB reached." {
		t.Fatalf("unexpected result %+v", res)
	}
	if h.clock.waits != 0 {
		t.Fatalf("violation on first tick must not wait, got %d waits", h.clock.waits)
	}
	h.assertNoLeaks(t)
}

func TestDiskViolation(t *testing.T) {
	h := newHarness(t, nil)
	h.rt.RunFor = -1
	h.rt.VolumeBytes = 6e8
	res, err := h.exec.Run(context.Background(), submission("2"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Errors) == 0 || res.Errors[0] != "Submission output file size limit reached." {
		t.Fatalf("errors = %v", res.Errors)
	}
	h.assertNoLeaks(t)
}

func TestDeclaredInvalidAbortsBeforeEngine(t *testing.T) {
	h := newHarness(t, nil)
	sub := submission("1")
	sub.ImageStatus = "INVALID"
	_, err := h.exec.Run(context.Background(), sub)
	if !errors.Is(err, schema.ErrImageInvalid) {
		t.Fatalf("expected ErrImageInvalid, got %v", err)
	}
	if !IsPrecondition(err) {
		t.Fatalf("IsPrecondition(%v) = false", err)
	}
	if calls := h.rt.Calls(); len(calls) != 0 {
		t.Fatalf("engine called before abort: %v", calls)
	}
}

func TestUnknownQuestionAbortsBeforeEngine(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.exec.Run(context.Background(), submission("7"))
	if !errors.Is(err, schema.ErrUnknownQuestion) {
		t.Fatalf("expected ErrUnknownQuestion, got %v", err)
	}
	if calls := h.rt.Calls(); len(calls) != 0 {
		t.Fatalf("engine called before abort: %v", calls)
	}
}

func TestLaunchFailureDegradesToInvalid(t *testing.T) {
	h := newHarness(t, nil)
	h.rt.Errs["EnsureRunning"] = errors.New("storage-opt is supported only for overlay over xfs")
	res, err := h.exec.Run(context.Background(), submission("1"))
	if err != nil {
		t.Fatalf("launch failure must not fail the process: %v", err)
	}
	if res.Status != schema.StatusInvalid {
		t.Fatalf("status = %s", res.Status)
	}
	if len(res.Errors) != 2 || !strings.Contains(res.Errors[0], "storage-opt") || !strings.Contains(res.Errors[1], "no '*_imputed.csv' file") {
		t.Fatalf("errors = %v", res.Errors)
	}
	logText, _ := os.ReadFile(res.Artifacts.Log)
	if !strings.Contains(string(logText), "storage-opt") {
		t.Fatalf("launch error not surfaced in log: %q", logText)
	}
	if h.rt.CallCount("Inspect") != 0 {
		t.Fatalf("polled a container that never launched")
	}
	h.assertNoLeaks(t)
}

func TestCopyFailureIsRecorded(t *testing.T) {
	h := newHarness(t, nil)
	h.rt.Errs["CopyFrom"] = errors.New("archive endpoint unavailable")
	res, err := h.exec.Run(context.Background(), submission("1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Errors) != 2 {
		t.Fatalf("errors = %v", res.Errors)
	}
	if !strings.HasPrefix(res.Errors[0], "Unable to copy the '/output' folder") {
		t.Fatalf("copy error must come first: %v", res.Errors)
	}
	h.assertNoLeaks(t)
}

func TestReattachAcrossInvocations(t *testing.T) {
	h := newHarness(t, nil)
	h.rt.RunFor = 1
	h.rt.Seed("subexec-9700", true, h.clock.Now().Add(-time.Hour))
	h.rt.Output = map[string]string{"a_imputed.csv": "x"}
	res, err := h.exec.Run(context.Background(), submission("1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.rt.Created() != 0 {
		t.Fatalf("a second container was created for the same submission")
	}
	if h.rt.CallCount("EnsureImage") != 0 || h.rt.CallCount("CreateVolume") != 0 {
		t.Fatalf("reattach must not pull or create volumes: %v", h.rt.Calls())
	}
	if res.Status != schema.StatusValidated {
		t.Fatalf("status = %s errors = %v", res.Status, res.Errors)
	}
	h.assertNoLeaks(t)
}

func TestStaleContainerRemovalFailureIsInvalid(t *testing.T) {
	h := newHarness(t, nil)
	h.rt.Seed("subexec-9700", false, h.clock.Now().Add(-time.Hour))
	h.rt.Errs["Remove"] = errors.New("device busy")
	h.rt.Output = map[string]string{"a_imputed.csv": "stale"}

	res, err := h.exec.Run(context.Background(), submission("1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != schema.StatusInvalid {
		t.Fatalf("status = %s", res.Status)
	}
	if len(res.Errors) == 0 || !strings.Contains(res.Errors[0], "device busy") {
		t.Fatalf("errors = %v", res.Errors)
	}
	if h.rt.Created() != 0 || h.rt.Running("subexec-9700") {
		t.Fatalf("stale container reused: created=%d calls=%v", h.rt.Created(), h.rt.Calls())
	}
	if res.Artifacts.Archive != "" {
		t.Fatalf("archive produced for a run that never launched")
	}
}

func TestReattachMeasuresFromEngineStart(t *testing.T) {
	h := newHarness(t, nil)
	h.rt.RunFor = -1
	h.rt.Seed("subexec-9700", true, h.clock.Now().Add(-7*time.Hour))
	res, err := h.exec.Run(context.Background(), submission("1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Errors) == 0 || res.Errors[0] != "Submission time limit of 6h reached." {
		t.Fatalf("errors = %v", res.Errors)
	}
	if h.clock.waits != 0 {
		t.Fatalf("expected immediate violation, got %d waits", h.clock.waits)
	}
}

func TestCleanupWarningsDoNotChangeVerdict(t *testing.T) {
	h := newHarness(t, nil)
	h.rt.Output = map[string]string{"a_imputed.csv": "x"}
	h.rt.Errs["RemoveImage"] = errors.New("image is in use")
	res, err := h.exec.Run(context.Background(), submission("1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != schema.StatusValidated {
		t.Fatalf("status = %s errors = %v", res.Status, res.Errors)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Op != "remove image" {
		t.Fatalf("warnings = %v", res.Warnings)
	}
}

func TestCancelledRunStillTearsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, func(cfg *Config) {
		cfg.Wait = func(context.Context, time.Duration) error {
			cancel()
			return context.Canceled
		}
	})
	h.rt.RunFor = -1
	res, err := h.exec.Run(ctx, submission("1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != schema.StatusInvalid || len(res.Errors) == 0 || !strings.Contains(res.Errors[0], "interrupted") {
		t.Fatalf("unexpected result %+v", res)
	}
	h.assertNoLeaks(t)
}

type recordingStore struct {
	mu   sync.Mutex
	puts []string
}

func (s *recordingStore) Put(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts = append(s.puts, filepath.Base(path))
	return nil
}

func (s *recordingStore) Name() string { return "recording" }

func TestArtifactsUploadedThroughStore(t *testing.T) {
	store := &recordingStore{}
	var picked schema.Submission
	h := newHarness(t, func(cfg *Config) {
		cfg.Stores = func(ctx context.Context, sub schema.Submission) artifact.Store {
			picked = sub
			return store
		}
	})
	h.rt.RunFor = 1
	h.rt.Log = []byte("hello\n")
	if _, err := h.exec.Run(context.Background(), submission("1")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if picked.ParentID != "syn42" {
		t.Fatalf("store factory got %+v", picked)
	}
	var logs, trees int
	for _, p := range store.puts {
		switch p {
		case "9700_log.txt":
			logs++
		case "9700_tree.txt":
			trees++
		}
	}
	if logs < 2 || trees != 1 {
		t.Fatalf("uploads = %v", store.puts)
	}
}

func indexOf(calls []string, op string) int {
	for i, c := range calls {
		if c == op {
			return i
		}
	}
	return -1
}

func lastIndexOf(calls []string, op string) int {
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i] == op {
			return i
		}
	}
	return -1
}
