package store

import (
	"os"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	f, err := os.CreateTemp("", "nexus_test_*.db")
	if err != nil {
		t.Fatalf("tmp file: %v", err)
	}
	path := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(path) })

	s, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleJob(id string) Job {
	return Job{
		ID:                   id,
		Command:              "echo hi",
		User:                 "alice",
		NodeName:             "node-a",
		Priority:             0,
		NumGPUs:              1,
		ArtifactID:           "art-1",
		Env:                  map[string]string{},
		Status:               StatusQueued,
		CreatedAt:            1000,
		NotificationMessages: map[string]string{},
	}
}

func TestAddGetJob(t *testing.T) {
	s := newTestStore(t)
	j := sampleJob("aaaaaa")

	if err := s.AddJob(j); err != nil {
		t.Fatalf("add job: %v", err)
	}
	if err := s.AddJob(j); err == nil {
		t.Fatal("expected duplicate error on second add")
	}

	got, err := s.GetJob("aaaaaa")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Command != j.Command || got.Status != StatusQueued {
		t.Fatalf("unexpected job: %+v", got)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetJob("missing"); err == nil {
		t.Fatal("expected not found error")
	}
}

func TestListJobsQueueOrder(t *testing.T) {
	s := newTestStore(t)

	a := sampleJob("aaaaaa")
	a.CreatedAt = 1
	a.Priority = 0
	b := sampleJob("bbbbbb")
	b.CreatedAt = 2
	b.Priority = 5

	if err := s.AddJob(a); err != nil {
		t.Fatal(err)
	}
	if err := s.AddJob(b); err != nil {
		t.Fatal(err)
	}

	jobs, err := s.ListJobs(ListFilter{Status: StatusQueued, HasStatus: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != "bbbbbb" {
		t.Fatalf("expected priority-first order, got %+v", jobs)
	}
}

func TestUpdateJobRoundTrip(t *testing.T) {
	s := newTestStore(t)
	j := sampleJob("cccccc")
	if err := s.AddJob(j); err != nil {
		t.Fatal(err)
	}

	started := 100.0
	pid := 4242
	running := j.Clone()
	running.Status = StatusRunning
	running.GPUIdxs = []int{0, 1}
	running.StartedAt = &started
	running.PID = &pid
	running.ScreenSessionName = "nexus_job_cccccc"

	if err := s.UpdateJob(running); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetJob("cccccc")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusRunning || len(got.GPUIdxs) != 2 || got.GPUIdxs[1] != 1 {
		t.Fatalf("unexpected job after update: %+v", got)
	}
	if got.PID == nil || *got.PID != pid {
		t.Fatalf("expected pid %d, got %+v", pid, got.PID)
	}
}

func TestDeleteJobOnlyQueued(t *testing.T) {
	s := newTestStore(t)
	j := sampleJob("dddddd")
	if err := s.AddJob(j); err != nil {
		t.Fatal(err)
	}

	running := j.Clone()
	running.Status = StatusRunning
	if err := s.UpdateJob(running); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteJob("dddddd"); err == nil {
		t.Fatal("expected invalid state error deleting a running job")
	}

	queued := j.Clone()
	if err := s.UpdateJob(queued); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteJob("dddddd"); err != nil {
		t.Fatalf("expected delete to succeed on queued job: %v", err)
	}
}

func TestCommandRegexFilter(t *testing.T) {
	s := newTestStore(t)
	a := sampleJob("eeeeee")
	a.Command = "python train.py"
	b := sampleJob("ffffff")
	b.Command = "echo hi"

	if err := s.AddJob(a); err != nil {
		t.Fatal(err)
	}
	if err := s.AddJob(b); err != nil {
		t.Fatal(err)
	}

	jobs, err := s.ListJobs(ListFilter{CommandRegex: "^python"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "eeeeee" {
		t.Fatalf("expected only python job, got %+v", jobs)
	}
}

func TestCommandRegexFilterWithLimitDoesNotDropMatches(t *testing.T) {
	s := newTestStore(t)
	for i, id := range []string{"hhhhhh", "iiiiii", "jjjjjj"} {
		j := sampleJob(id)
		j.Command = "echo hi"
		j.CreatedAt = float64(i)
		if err := s.AddJob(j); err != nil {
			t.Fatal(err)
		}
	}
	python := sampleJob("kkkkkk")
	python.Command = "python train.py"
	python.CreatedAt = 3
	if err := s.AddJob(python); err != nil {
		t.Fatal(err)
	}

	jobs, err := s.ListJobs(ListFilter{CommandRegex: "^python", Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "kkkkkk" {
		t.Fatalf("expected the one python job to survive a SQL LIMIT applied before the regex filter, got %+v", jobs)
	}
}

func TestGPUIndexFilterWithOffsetPaginatesAfterFilter(t *testing.T) {
	s := newTestStore(t)
	for i, id := range []string{"llllll", "mmmmmm", "nnnnnn"} {
		j := sampleJob(id)
		j.CreatedAt = float64(i)
		j.GPUIdxs = []int{2}
		if err := s.AddJob(j); err != nil {
			t.Fatal(err)
		}
	}
	other := sampleJob("oooooo")
	other.CreatedAt = 10
	other.GPUIdxs = []int{7}
	if err := s.AddJob(other); err != nil {
		t.Fatal(err)
	}

	jobs, err := s.ListJobs(ListFilter{GPUIndex: 2, HasGPUIndex: true, Offset: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 of the 3 gpu-2 jobs after skipping 1, got %+v", jobs)
	}
	for _, j := range jobs {
		if j.ID == "oooooo" {
			t.Fatalf("gpu-7 job should never appear: %+v", jobs)
		}
	}
}

func TestArtifactLifecycle(t *testing.T) {
	s := newTestStore(t)
	if err := s.AddArtifact("art-1", []byte("tar bytes"), 10); err != nil {
		t.Fatalf("add artifact: %v", err)
	}

	a, err := s.GetArtifact("art-1")
	if err != nil {
		t.Fatalf("get artifact: %v", err)
	}
	if string(a.Data) != "tar bytes" {
		t.Fatalf("unexpected artifact data: %q", a.Data)
	}

	j := sampleJob("gggggg")
	j.ArtifactID = "art-1"
	if err := s.AddJob(j); err != nil {
		t.Fatal(err)
	}

	deleted, err := s.DeleteArtifactIfUnused("art-1")
	if err != nil {
		t.Fatalf("delete if unused: %v", err)
	}
	if deleted {
		t.Fatal("expected artifact still in use by queued job")
	}

	if err := s.DeleteJob("gggggg"); err != nil {
		t.Fatal(err)
	}

	deleted, err = s.DeleteArtifactIfUnused("art-1")
	if err != nil {
		t.Fatalf("delete if unused (second): %v", err)
	}
	if !deleted {
		t.Fatal("expected artifact to be deleted once unreferenced")
	}
}

func TestBlacklistRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetBlacklist(0, true, 1); err != nil {
		t.Fatal(err)
	}
	if err := s.SetBlacklist(0, true, 1); err != nil {
		t.Fatalf("idempotent add should not fail: %v", err)
	}

	set, err := s.ListBlacklist()
	if err != nil {
		t.Fatal(err)
	}
	if !set[0] {
		t.Fatalf("expected gpu 0 blacklisted, got %+v", set)
	}

	if err := s.SetBlacklist(0, false, 0); err != nil {
		t.Fatal(err)
	}
	set, err = s.ListBlacklist()
	if err != nil {
		t.Fatal(err)
	}
	if set[0] {
		t.Fatal("expected gpu 0 removed from blacklist")
	}
}
