package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"nexus/internal/gpu"
	"nexus/internal/session"
	"nexus/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp("", "nexus_sched_test_*.db")
	if err != nil {
		t.Fatal(err)
	}
	path := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(path) })

	s, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestScheduler(t *testing.T, s *store.Store, prober gpu.Prober, runner session.Runner) *Scheduler {
	t.Helper()
	baseDir := t.TempDir()
	sched := New(s, prober, runner, baseDir, time.Second)
	sched.ArtifactStore = func(id string) ([]byte, error) { return nil, nil }
	return sched
}

func addArtifactAndJob(t *testing.T, s *store.Store, id, artifactID string, numGPUs int, priority int, createdAt float64) store.Job {
	t.Helper()
	if err := s.AddArtifact(artifactID, tarBytes(t), createdAt); err != nil {
		t.Fatal(err)
	}
	j := store.Job{
		ID:                   id,
		Command:              "echo hi",
		NumGPUs:              numGPUs,
		Priority:             priority,
		ArtifactID:           artifactID,
		Status:               store.StatusQueued,
		CreatedAt:            createdAt,
		Env:                  map[string]string{},
		NotificationMessages: map[string]string{},
	}
	if err := s.AddJob(j); err != nil {
		t.Fatal(err)
	}
	return j
}

func tarBytes(t *testing.T) []byte {
	t.Helper()
	return []byte{}
}

func TestStartQueuedPicksPriorityFirst(t *testing.T) {
	s := newTestStore(t)
	prober := gpu.NewMockProber(1)
	runner := session.NewFakeRunner()
	sched := newTestScheduler(t, s, prober, runner)
	sched.ArtifactStore = func(id string) ([]byte, error) { return emptyTar(), nil }

	addArtifactAndJob(t, s, "aaaaaa", "art-a", 1, 0, 1)
	addArtifactAndJob(t, s, "bbbbbb", "art-b", 1, 5, 2)

	if err := sched.startQueued(context.Background()); err != nil {
		t.Fatalf("startQueued: %v", err)
	}

	b, err := s.GetJob("bbbbbb")
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != store.StatusRunning {
		t.Fatalf("expected higher-priority job to start, got %s", b.Status)
	}

	a, err := s.GetJob("aaaaaa")
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != store.StatusQueued {
		t.Fatalf("expected lower-priority job to remain queued, got %s", a.Status)
	}
}

func TestStartQueuedRespectsPinnedGPUs(t *testing.T) {
	s := newTestStore(t)
	prober := gpu.NewMockProber(2)
	runner := session.NewFakeRunner()
	sched := newTestScheduler(t, s, prober, runner)
	sched.ArtifactStore = func(id string) ([]byte, error) { return emptyTar(), nil }

	j := addArtifactAndJob(t, s, "cccccc", "art-c", 1, 0, 1)
	j.GPUIdxs = []int{1}
	if err := s.UpdateJob(j); err != nil {
		t.Fatal(err)
	}

	if err := sched.startQueued(context.Background()); err != nil {
		t.Fatalf("startQueued: %v", err)
	}

	got, err := s.GetJob("cccccc")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusRunning || len(got.GPUIdxs) != 1 || got.GPUIdxs[0] != 1 {
		t.Fatalf("expected job pinned to gpu 1, got %+v", got)
	}
}

func TestStartQueuedHonorsBlacklist(t *testing.T) {
	s := newTestStore(t)
	prober := gpu.NewMockProber(1)
	runner := session.NewFakeRunner()
	sched := newTestScheduler(t, s, prober, runner)
	sched.ArtifactStore = func(id string) ([]byte, error) { return emptyTar(), nil }

	if err := s.SetBlacklist(0, true, 1); err != nil {
		t.Fatal(err)
	}
	addArtifactAndJob(t, s, "dddddd", "art-d", 1, 0, 1)

	if err := sched.startQueued(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetJob("dddddd")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusQueued {
		t.Fatalf("expected job to remain queued while only gpu is blacklisted, got %s", got.Status)
	}

	if err := s.SetBlacklist(0, false, 0); err != nil {
		t.Fatal(err)
	}
	if err := sched.startQueued(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetJob("dddddd")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusRunning {
		t.Fatalf("expected job to start once blacklist cleared, got %s", got.Status)
	}
}

func TestAdvanceRunningCompletesOnExit(t *testing.T) {
	s := newTestStore(t)
	runner := session.NewFakeRunner()
	sched := newTestScheduler(t, s, gpu.NewMockProber(1), runner)

	dir := filepath.Join(sched.BaseDir, "eeeeee")
	os.MkdirAll(dir, 0o755)
	os.WriteFile(filepath.Join(dir, "output.log"), []byte("COMMAND_EXIT_CODE=0\n"), 0o644)

	sessionName := "nexus_job_eeeeee"
	runner.Start(context.Background(), sessionName, "/tmp/x.sh", nil)
	runner.Finish(sessionName)

	started := 1.0
	j := store.Job{
		ID: "eeeeee", Status: store.StatusRunning, Dir: dir, ScreenSessionName: sessionName,
		StartedAt: &started, Env: map[string]string{}, NotificationMessages: map[string]string{},
	}
	if err := s.AddJob(j); err != nil {
		t.Fatal(err)
	}

	if err := sched.advanceRunning(context.Background()); err != nil {
		t.Fatalf("advanceRunning: %v", err)
	}

	got, err := s.GetJob("eeeeee")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestAdvanceRunningKillsMarkedJob(t *testing.T) {
	s := newTestStore(t)
	runner := session.NewFakeRunner()
	sched := newTestScheduler(t, s, gpu.NewMockProber(1), runner)

	dir := filepath.Join(sched.BaseDir, "ffffff")
	os.MkdirAll(dir, 0o755)
	os.WriteFile(filepath.Join(dir, "output.log"), []byte("COMMAND_EXIT_CODE=0\n"), 0o644)

	sessionName := "nexus_job_ffffff"
	runner.Start(context.Background(), sessionName, "/tmp/x.sh", nil)

	started := 1.0
	j := store.Job{
		ID: "ffffff", Status: store.StatusRunning, Dir: dir, ScreenSessionName: sessionName,
		StartedAt: &started, MarkedForKill: true,
		Env: map[string]string{}, NotificationMessages: map[string]string{},
	}
	if err := s.AddJob(j); err != nil {
		t.Fatal(err)
	}

	if err := sched.advanceRunning(context.Background()); err != nil {
		t.Fatalf("advanceRunning: %v", err)
	}

	if !runner.WasKilled(sessionName) {
		t.Fatal("expected runner.Kill to have been called")
	}
	got, err := s.GetJob("ffffff")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusKilled {
		t.Fatalf("expected killed, got %s", got.Status)
	}
}

func emptyTar() []byte {
	return []byte{}
}

type fakeNotifier struct {
	nextID int
	sent   []string
}

func (f *fakeNotifier) Notify(ctx context.Context, channel, jobID, message string) (string, error) {
	f.nextID++
	f.sent = append(f.sent, channel+":"+jobID+":"+message)
	return fmt.Sprintf("msg-%d", f.nextID), nil
}

func (f *fakeNotifier) Edit(ctx context.Context, channel, messageID, message string) error {
	return nil
}

func TestStartQueuedDispatchesStartedNotification(t *testing.T) {
	s := newTestStore(t)
	prober := gpu.NewMockProber(1)
	runner := session.NewFakeRunner()
	sched := newTestScheduler(t, s, prober, runner)
	sched.ArtifactStore = func(id string) ([]byte, error) { return emptyTar(), nil }
	notifier := &fakeNotifier{}
	sched.Notifier = notifier

	j := addArtifactAndJob(t, s, "hhhhhh", "art-h", 1, 0, 1)
	j.Notifications = []string{"discord"}
	if err := s.UpdateJob(j); err != nil {
		t.Fatal(err)
	}

	if err := sched.startQueued(context.Background()); err != nil {
		t.Fatalf("startQueued: %v", err)
	}

	got, err := s.GetJob("hhhhhh")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusRunning {
		t.Fatalf("expected running, got %s", got.Status)
	}
	if len(notifier.sent) != 1 {
		t.Fatalf("expected one notification sent, got %d", len(notifier.sent))
	}
	if got.NotificationMessages["discord"] != "msg-1" {
		t.Fatalf("expected message id persisted, got %+v", got.NotificationMessages)
	}
}
