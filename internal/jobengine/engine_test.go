package jobengine

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"nexus/internal/session"
	"nexus/internal/store"
)

func noExisting(id string) (bool, error) { return false, nil }

func TestCreateJobValidation(t *testing.T) {
	_, err := CreateJob(CreateRequest{Command: "", NumGPUs: 1}, noExisting, 1)
	if err == nil {
		t.Fatal("expected error for empty command")
	}

	_, err = CreateJob(CreateRequest{Command: "echo hi", NumGPUs: 0}, noExisting, 1)
	if err == nil {
		t.Fatal("expected error for num_gpus < 1")
	}

	_, err = CreateJob(CreateRequest{Command: "echo hi", NumGPUs: 1, Notifications: []string{"carrier-pigeon"}}, noExisting, 1)
	if err == nil {
		t.Fatal("expected error for unknown notification")
	}

	j, err := CreateJob(CreateRequest{Command: "echo hi", NumGPUs: 1}, noExisting, 1700000000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(j.ID) != 6 {
		t.Fatalf("expected 6-char id, got %q", j.ID)
	}
	if j.Status != store.StatusQueued {
		t.Fatalf("expected queued status, got %s", j.Status)
	}
}

func TestGenerateIDAvoidsCollisions(t *testing.T) {
	seen := map[string]bool{}
	exists := func(id string) (bool, error) { return seen[id], nil }

	id, err := GenerateID(exists)
	if err != nil {
		t.Fatal(err)
	}
	seen[id] = true

	second, err := GenerateID(exists)
	if err != nil {
		t.Fatal(err)
	}
	if second == id {
		t.Fatal("expected distinct ids")
	}
}

func TestBuildEnvInjectsSystemVars(t *testing.T) {
	j := store.Job{ID: "abcdef", Env: map[string]string{"FOO": "bar"}, GitTag: "v1"}
	env := BuildEnv(j, []int{0, 2})

	joined := strings.Join(env, "\n")
	if !strings.Contains(joined, "CUDA_VISIBLE_DEVICES=0,2") {
		t.Fatalf("missing CUDA_VISIBLE_DEVICES: %s", joined)
	}
	if !strings.Contains(joined, "NEXUS_JOB_ID=abcdef") {
		t.Fatalf("missing NEXUS_JOB_ID: %s", joined)
	}
	if !strings.Contains(joined, "NEXUS_GIT_TAG=v1") {
		t.Fatalf("missing NEXUS_GIT_TAG: %s", joined)
	}
	if !strings.Contains(joined, "FOO=bar") {
		t.Fatalf("missing user env: %s", joined)
	}
}

func TestBuildScriptShape(t *testing.T) {
	j := store.Job{ID: "abcdef", Command: "python train.py"}
	script := BuildScript(j)
	if !strings.Contains(script, "exec > ./"+outputLogName+" 2>&1") {
		t.Fatalf("expected outer script to redirect output before running anything: %s", script)
	}
	if !strings.Contains(script, "bash -l ../inner.sh") {
		t.Fatalf("expected outer script to exec inner.sh: %s", script)
	}
	if !strings.Contains(script, exitSentinelPrefix+"$?") {
		t.Fatalf("expected exit sentinel append: %s", script)
	}
	if strings.Index(script, "exec > ./"+outputLogName) > strings.Index(script, "bash -l ../inner.sh") {
		t.Fatalf("expected redirection to happen before the inner script runs: %s", script)
	}

	inner := InnerScript(j)
	if !strings.Contains(inner, j.Command) {
		t.Fatalf("expected inner script to contain command: %s", inner)
	}
}

func tarOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestStartJobExtractsArtifactAndLaunches(t *testing.T) {
	baseDir := t.TempDir()
	tarBytes := tarOf(t, map[string]string{"main.py": "print('hi')"})

	loadArtifact := func(id string) ([]byte, error) { return tarBytes, nil }
	runner := session.NewFakeRunner()

	j := store.Job{ID: "abcdef", Command: "python main.py", ArtifactID: "art-1"}
	started, err := StartJob(context.Background(), j, []int{0}, baseDir, loadArtifact, runner, 42)
	if err != nil {
		t.Fatalf("start job: %v", err)
	}
	if started.Status != store.StatusRunning {
		t.Fatalf("expected running, got %s", started.Status)
	}
	if started.PID == nil {
		t.Fatal("expected pid to be set")
	}
	if _, err := os.Stat(filepath.Join(started.Dir, "repo", "main.py")); err != nil {
		t.Fatalf("expected extracted file: %v", err)
	}
	alive, _ := runner.IsAlive(context.Background(), started.ScreenSessionName)
	if !alive {
		t.Fatal("expected session to be alive after start")
	}

	env := strings.Join(runner.EnvFor(started.ScreenSessionName), "\n")
	if !strings.Contains(env, "CUDA_VISIBLE_DEVICES=0") {
		t.Fatalf("expected runner.Start to receive CUDA_VISIBLE_DEVICES: %s", env)
	}
	if !strings.Contains(env, "NEXUS_JOB_ID=abcdef") {
		t.Fatalf("expected runner.Start to receive NEXUS_JOB_ID: %s", env)
	}
}

func TestStartJobFailsWithoutSource(t *testing.T) {
	baseDir := t.TempDir()
	runner := session.NewFakeRunner()
	j := store.Job{ID: "ffffff", Command: "echo hi"}

	failed, err := StartJob(context.Background(), j, []int{0}, baseDir, nil, runner, 1)
	if err == nil {
		t.Fatal("expected error")
	}
	if failed.Status != store.StatusFailed || failed.ErrorMessage == "" {
		t.Fatalf("expected failed record with message, got %+v", failed)
	}
}

func TestEndJobClassification(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "output.log"), []byte("hello\nCOMMAND_EXIT_CODE=0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	j := store.Job{ID: "aaaaaa", Dir: dir, Status: store.StatusRunning}

	done := EndJob(j, false, 99)
	if done.Status != store.StatusCompleted || done.ExitCode == nil || *done.ExitCode != 0 {
		t.Fatalf("expected completed/0, got %+v", done)
	}
}

func TestEndJobNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "output.log"), []byte("COMMAND_EXIT_CODE=1\n"), 0o644)
	j := store.Job{ID: "bbbbbb", Dir: dir}

	done := EndJob(j, false, 1)
	if done.Status != store.StatusFailed || done.ExitCode == nil || *done.ExitCode != 1 {
		t.Fatalf("expected failed/1, got %+v", done)
	}
}

func TestEndJobMissingSentinel(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "output.log"), []byte("no sentinel here\n"), 0o644)
	j := store.Job{ID: "cccccc", Dir: dir}

	done := EndJob(j, false, 1)
	if done.Status != store.StatusFailed || done.ErrorMessage != "no exit code recorded" {
		t.Fatalf("expected failed with missing-sentinel message, got %+v", done)
	}
}

func TestEndJobKilledTakesPriority(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "output.log"), []byte("COMMAND_EXIT_CODE=0\n"), 0o644)
	j := store.Job{ID: "dddddd", Dir: dir}

	done := EndJob(j, true, 1)
	if done.Status != store.StatusKilled {
		t.Fatalf("expected killed, got %s", done.Status)
	}
}

func TestEndJobScansFromEndStoppingAtFirstMatch(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "output.log"), []byte("COMMAND_EXIT_CODE=7\nstray trailer line\nCOMMAND_EXIT_CODE=0\n"), 0o644)
	j := store.Job{ID: "eeeeee", Dir: dir}

	done := EndJob(j, false, 1)
	if done.ExitCode == nil || *done.ExitCode != 0 {
		t.Fatalf("expected the last sentinel to win, got %+v", done.ExitCode)
	}
}

func TestCleanupJobRemovesRepoKeepsDir(t *testing.T) {
	dir := t.TempDir()
	repo := filepath.Join(dir, "repo")
	os.MkdirAll(repo, 0o755)
	os.WriteFile(filepath.Join(repo, "f.txt"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(dir, "output.log"), []byte("log"), 0o644)

	j := store.Job{ID: "ffffff", Dir: dir}
	if err := CleanupJob(j); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(repo); !os.IsNotExist(err) {
		t.Fatal("expected repo dir removed")
	}
	if _, err := os.Stat(filepath.Join(dir, "output.log")); err != nil {
		t.Fatal("expected logs retained")
	}
}

func TestKillJobDelegatesToRunner(t *testing.T) {
	runner := session.NewFakeRunner()
	runner.Start(context.Background(), "nexus_job_gggggg", "/tmp/x.sh", nil)
	j := store.Job{ID: "gggggg", ScreenSessionName: "nexus_job_gggggg"}

	if err := KillJob(context.Background(), j, runner); err != nil {
		t.Fatalf("kill job: %v", err)
	}
	if !runner.WasKilled("nexus_job_gggggg") {
		t.Fatal("expected runner.Kill to be called")
	}
}
