// Package jobengine implements the pure job-record transformations:
// creating records, building the launch environment and wrapper script,
// and classifying a finished session. Side effects (extracting artifacts,
// invoking the session runner, touching the filesystem) are confined to
// Start/End/Cleanup, which call out through small interfaces so the
// transformations themselves stay unit-testable.
package jobengine

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"nexus/internal/nexuserr"
	"nexus/internal/session"
	"nexus/internal/store"
)

const idAlphabet = "123456789abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ"

// IDExists checks whether a candidate identifier already belongs to a job,
// so GenerateID can guarantee uniqueness.
type IDExists func(id string) (bool, error)

// GenerateID returns a 6-character identifier, drawn from a base58-like
// alphabet, that is not already present per exists.
func GenerateID(exists IDExists) (string, error) {
	for attempt := 0; attempt < 100; attempt++ {
		buf := make([]byte, 6)
		if _, err := rand.Read(buf); err != nil {
			return "", nexuserr.Wrap(nexuserr.CodeInternal, "read random bytes", err)
		}
		id := make([]byte, 6)
		for i, b := range buf {
			id[i] = idAlphabet[int(b)%len(idAlphabet)]
		}
		candidate := string(id)
		used, err := exists(candidate)
		if err != nil {
			return "", err
		}
		if !used {
			return candidate, nil
		}
	}
	return "", nexuserr.New(nexuserr.CodeInternal, "exhausted id generation attempts")
}

// CreateRequest is the validated input to CreateJob.
type CreateRequest struct {
	Command         string
	User            string
	NodeName        string
	Priority        int
	NumGPUs         int
	GPUIdxs         []int
	GitRepoURL      string
	GitBranch       string
	GitTag          string
	ArtifactID      string
	Env             map[string]string
	JobRC           string
	Notifications   []string
	SearchWandb     bool
	IgnoreBlacklist bool
}

var validNotifications = map[string]bool{
	"discord": true,
	"phone":   true,
}

// CreateJob validates request, stamps created_at, and returns a new queued
// record with id generated via exists.
func CreateJob(request CreateRequest, exists IDExists, now float64) (store.Job, error) {
	if strings.TrimSpace(request.Command) == "" {
		return store.Job{}, nexuserr.New(nexuserr.CodeInvalidArgument, "command must not be empty")
	}
	if request.NumGPUs < 1 {
		return store.Job{}, nexuserr.New(nexuserr.CodeInvalidArgument, "num_gpus must be >= 1")
	}
	for _, n := range request.Notifications {
		if !validNotifications[n] {
			return store.Job{}, nexuserr.New(nexuserr.CodeInvalidArgument, "unknown notification: "+n)
		}
	}

	id, err := GenerateID(exists)
	if err != nil {
		return store.Job{}, err
	}

	env := request.Env
	if env == nil {
		env = map[string]string{}
	}

	return store.Job{
		ID:                   id,
		Command:              request.Command,
		User:                 request.User,
		NodeName:             request.NodeName,
		Priority:             request.Priority,
		NumGPUs:              request.NumGPUs,
		GPUIdxs:              request.GPUIdxs,
		GitRepoURL:           request.GitRepoURL,
		GitBranch:            request.GitBranch,
		GitTag:               request.GitTag,
		ArtifactID:           request.ArtifactID,
		Env:                  env,
		JobRC:                request.JobRC,
		Notifications:        request.Notifications,
		SearchWandb:          request.SearchWandb,
		IgnoreBlacklist:      request.IgnoreBlacklist,
		Status:               store.StatusQueued,
		CreatedAt:            now,
		NotificationMessages: map[string]string{},
	}, nil
}

// BuildEnv returns the union of the current process environment, the job's
// user-supplied env, and the system-injected variables (CUDA_VISIBLE_DEVICES,
// NEXUS_JOB_ID, NEXUS_GPU_IDS, NEXUS_GIT_TAG).
func BuildEnv(j store.Job, assignedGPUs []int) []string {
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range j.Env {
		merged[k] = v
	}

	idxs := make([]string, len(assignedGPUs))
	for i, g := range assignedGPUs {
		idxs[i] = strconv.Itoa(g)
	}
	merged["CUDA_VISIBLE_DEVICES"] = strings.Join(idxs, ",")
	merged["NEXUS_JOB_ID"] = j.ID
	merged["NEXUS_GPU_IDS"] = strings.Join(idxs, ",")
	if j.GitTag != "" {
		merged["NEXUS_GIT_TAG"] = j.GitTag
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

const exitSentinelPrefix = "COMMAND_EXIT_CODE="
const outputLogName = "output.log"

// BuildScript generates the outer wrapper script. It changes into its own
// directory (dir) and redirects its combined stdout/stderr to
// dir/output.log before running anything else, so every line the inner
// script produces (and the exit sentinel appended at the end) lands in the
// one file EndJob and GET /jobs/{id}/logs read; then it sources an optional
// jobrc, changes into dir/repo, and runs the inner script with a login
// shell. The inner script runs the user command verbatim.
func BuildScript(j store.Job) string {
	var outer strings.Builder
	outer.WriteString("#!/bin/bash\n")
	outer.WriteString("cd \"$(dirname \"$0\")\" || exit 1\n")
	outer.WriteString("exec > ./" + outputLogName + " 2>&1\n")
	if j.JobRC != "" {
		outer.WriteString("source ./jobrc\n")
	}
	outer.WriteString("cd ./repo || exit 1\n")
	outer.WriteString("bash -l ../inner.sh\n")
	outer.WriteString("echo \"" + exitSentinelPrefix + "$?\"\n")
	return outer.String()
}

// InnerScript returns the companion script BuildScript's outer wrapper
// runs, kept separate so the wrapper is materialized as two real files
// rather than a single flattened script.
func InnerScript(j store.Job) string {
	var inner strings.Builder
	inner.WriteString("#!/bin/bash -l\n")
	inner.WriteString(j.Command)
	inner.WriteString("\n")
	return inner.String()
}

// ArtifactSource returns the artifact bytes to extract into dir/repo for
// the job, or nil if the job should instead be cloned from git.
type ArtifactSource func(artifactID string) ([]byte, error)

// GitCloner performs a shallow single-branch clone into dest, the fallback
// launch path for jobs submitted without a pre-uploaded artifact.
type GitCloner func(ctx context.Context, repoURL, tag, dest string) error

// StartJob extracts the artifact (or clones git) into dir/repo, writes the
// wrapper scripts, invokes runner.Start, and returns the transitioned
// record. On any failure it returns a failed record with error_message set
// and the caller is expected to remove dir.
func StartJob(ctx context.Context, j store.Job, gpus []int, baseDir string, loadArtifact ArtifactSource, runner session.Runner, now float64) (store.Job, error) {
	dir := filepath.Join(baseDir, j.ID)
	repoDir := filepath.Join(dir, "repo")

	fail := func(reason string) (store.Job, error) {
		failed := j.Clone()
		failed.Status = store.StatusFailed
		failed.ErrorMessage = reason
		return failed, nexuserr.New(nexuserr.CodeLaunchFailed, reason)
	}

	if err := os.MkdirAll(repoDir, 0o755); err != nil {
		return fail("create working directory: " + err.Error())
	}

	if j.ArtifactID != "" {
		data, err := loadArtifact(j.ArtifactID)
		if err != nil {
			return fail("load artifact: " + err.Error())
		}
		if err := extractTar(data, repoDir); err != nil {
			return fail("extract artifact: " + err.Error())
		}
	} else if j.GitRepoURL != "" {
		if err := shallowClone(ctx, j.GitRepoURL, j.GitTag, repoDir); err != nil {
			return fail("git clone: " + err.Error())
		}
	} else {
		return fail("job has neither artifact_id nor git_repo_url")
	}

	if j.JobRC != "" {
		if err := os.WriteFile(filepath.Join(dir, "jobrc"), []byte(j.JobRC), 0o644); err != nil {
			return fail("write jobrc: " + err.Error())
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "inner.sh"), []byte(InnerScript(j)), 0o755); err != nil {
		return fail("write inner script: " + err.Error())
	}
	scriptPath := filepath.Join(dir, "run.sh")
	if err := os.WriteFile(scriptPath, []byte(BuildScript(j)), 0o755); err != nil {
		return fail("write wrapper script: " + err.Error())
	}

	sessionName := "nexus_job_" + j.ID
	env := BuildEnv(j, gpus)
	if err := runner.Start(ctx, sessionName, scriptPath, env); err != nil {
		return fail("start session: " + err.Error())
	}
	pid, _, err := runner.PID(ctx, sessionName)
	if err != nil {
		return fail("discover pid: " + err.Error())
	}

	started := j.Clone()
	started.Status = store.StatusRunning
	started.GPUIdxs = append([]int(nil), gpus...)
	started.StartedAt = &now
	started.Dir = dir
	started.ScreenSessionName = sessionName
	started.PID = &pid
	return started, nil
}

// EndJob reads output.log under job.Dir, scans for the last exit sentinel
// (linear scan from the end, stopping at the first match), and returns the
// classified terminal record.
func EndJob(j store.Job, killed bool, now float64) store.Job {
	done := j.Clone()
	done.CompletedAt = &now

	if killed {
		done.Status = store.StatusKilled
		return done
	}

	code, found, err := readExitSentinel(filepath.Join(j.Dir, outputLogName))
	if err != nil || !found {
		done.Status = store.StatusFailed
		done.ErrorMessage = "no exit code recorded"
		return done
	}
	done.ExitCode = &code
	if code == 0 {
		done.Status = store.StatusCompleted
	} else {
		done.Status = store.StatusFailed
	}
	return done
}

func readExitSentinel(path string) (int, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false, err
	}
	lines := strings.Split(string(data), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, exitSentinelPrefix) {
			code, err := strconv.Atoi(strings.TrimPrefix(line, exitSentinelPrefix))
			if err != nil {
				return 0, false, err
			}
			return code, true, nil
		}
	}
	return 0, false, nil
}

// CleanupJob deletes dir/repo, keeping logs under dir.
func CleanupJob(j store.Job) error {
	if j.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(filepath.Join(j.Dir, "repo")); err != nil {
		return nexuserr.Wrap(nexuserr.CodeInternal, "cleanup job directory", err)
	}
	return nil
}

// KillJob synchronously kills the job's session. It does not itself
// transition the record; the scheduler observes the death next tick.
func KillJob(ctx context.Context, j store.Job, runner session.Runner) error {
	if j.ScreenSessionName == "" {
		return nil
	}
	return runner.Kill(ctx, j.ScreenSessionName)
}

func extractTar(data []byte, dest string) error {
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(dest, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		}
	}
}

func shallowClone(ctx context.Context, repoURL, tag, dest string) error {
	args := []string{"clone", "--depth", "1", "--single-branch"}
	if tag != "" {
		args = append(args, "--branch", tag)
	}
	args = append(args, repoURL, dest)
	cmd := exec.CommandContext(ctx, "git", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", stderr.String(), err)
	}
	return nil
}
