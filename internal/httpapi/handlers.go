package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"nexus/internal/auth"
	"nexus/internal/jobengine"
	"nexus/internal/nexuserr"
	"nexus/internal/store"
	"nexus/internal/syshealth"
)

func (s *Server) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	queued, _ := s.Store.CountJobs(store.StatusQueued)
	running, _ := s.Store.CountJobs(store.StatusRunning)
	completed, _ := s.Store.CountJobs(store.StatusCompleted)
	failed, _ := s.Store.CountJobs(store.StatusFailed)
	killed, _ := s.Store.CountJobs(store.StatusKilled)

	writeJSON(w, http.StatusOK, ServerStatus{
		NodeName:      s.Node,
		QueuedJobs:    queued,
		RunningJobs:   running,
		CompletedJobs: completed,
		FailedJobs:    failed,
		KilledJobs:    killed,
	})
}

func (s *Server) handleServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := s.Ring.Recent(0)
	writeJSON(w, http.StatusOK, map[string]any{"logs": lines})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	probe := syshealth.NewProbe("/")
	sample := probe.Sample(s.Logger)

	status := "ok"
	t := probe.Thresholds
	if sample.Load1 > t.LoadPerCPU || sample.MemUsedPercent > t.MemUsedPercent || sample.DiskUsedPercent > t.DiskUsedPercent {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, HealthSnapshot{
		Status:          status,
		Load1:           sample.Load1,
		MemUsedPercent:  sample.MemUsedPercent,
		DiskUsedPercent: sample.DiskUsedPercent,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListFilter{}

	if status := q.Get("status"); status != "" {
		filter.Status = store.Status(status)
		filter.HasStatus = true
	}
	if gpuIdx := q.Get("gpu_index"); gpuIdx != "" {
		v, err := strconv.Atoi(gpuIdx)
		if err != nil {
			writeError(w, nexuserr.New(nexuserr.CodeInvalidArgument, "gpu_index must be an integer"))
			return
		}
		filter.GPUIndex = v
		filter.HasGPUIndex = true
	}
	filter.CommandRegex = q.Get("command_regex")
	if limit := q.Get("limit"); limit != "" {
		v, err := strconv.Atoi(limit)
		if err != nil {
			writeError(w, nexuserr.New(nexuserr.CodeInvalidArgument, "limit must be an integer"))
			return
		}
		filter.Limit = v
	}
	if offset := q.Get("offset"); offset != "" {
		v, err := strconv.Atoi(offset)
		if err != nil {
			writeError(w, nexuserr.New(nexuserr.CodeInvalidArgument, "offset must be an integer"))
			return
		}
		filter.Offset = v
	}

	jobs, err := s.Store.ListJobs(filter)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]JobResponse, len(jobs))
	for i, j := range jobs {
		out[i] = jobToResponse(j)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, nexuserr.New(nexuserr.CodeInvalidArgument, "invalid json body"))
		return
	}
	if req.NumGPUs == 0 {
		req.NumGPUs = 1
	}

	exists := func(id string) (bool, error) {
		_, err := s.Store.GetJob(id)
		if err == nil {
			return true, nil
		}
		if nexuserr.Is(err, nexuserr.CodeNotFound) {
			return false, nil
		}
		return false, err
	}

	j, err := jobengine.CreateJob(jobengine.CreateRequest{
		Command:         req.Command,
		User:            req.User,
		Priority:        req.Priority,
		NumGPUs:         req.NumGPUs,
		GPUIdxs:         req.GPUIdxs,
		GitRepoURL:      req.GitRepoURL,
		GitBranch:       req.GitBranch,
		GitTag:          req.GitTag,
		ArtifactID:      req.ArtifactID,
		Env:             req.Env,
		JobRC:           req.JobRC,
		Notifications:   req.Notifications,
		SearchWandb:     req.SearchWandb,
		IgnoreBlacklist: req.IgnoreBlacklist,
	}, exists, s.now())
	if err != nil {
		writeError(w, err)
		return
	}
	j.OutputFile = req.OutputFile
	j.NodeName = s.Node

	if err := s.Store.AddJob(j); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, jobToResponse(j))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := s.Store.GetJob(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobToResponse(j))
}

func (s *Server) handlePatchJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch JobPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, nexuserr.New(nexuserr.CodeInvalidArgument, "invalid json body"))
		return
	}

	j, err := s.Store.GetJob(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if j.Status != store.StatusQueued {
		writeError(w, nexuserr.New(nexuserr.CodeInvalidState, "only queued jobs may be patched"))
		return
	}

	updated := j.Clone()
	if patch.Command != nil {
		updated.Command = *patch.Command
	}
	if patch.Priority != nil {
		updated.Priority = *patch.Priority
	}
	if err := s.Store.UpdateJob(updated); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobToResponse(updated))
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Store.DeleteJob(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleKillJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := s.Store.GetJob(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if j.Status != store.StatusRunning {
		writeError(w, nexuserr.New(nexuserr.CodeInvalidState, "only running jobs may be killed"))
		return
	}

	marked := j.Clone()
	marked.MarkedForKill = true
	if err := s.Store.UpdateJob(marked); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := s.Store.GetJob(id)
	if err != nil {
		writeError(w, err)
		return
	}

	var lastN int
	if raw := r.URL.Query().Get("last_n_lines"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, nexuserr.New(nexuserr.CodeInvalidArgument, "last_n_lines must be a non-negative integer"))
			return
		}
		lastN = v
	}

	data, err := os.ReadFile(filepath.Join(j.Dir, "output.log"))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"logs": ""})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": tailLines(string(data), lastN)})
}

// tailLines returns the last n lines of s, or s unchanged if n is 0.
func tailLines(s string, n int) string {
	if n <= 0 || s == "" {
		return s
	}
	trimmed := strings.TrimSuffix(s, "\n")
	lines := strings.Split(trimmed, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n") + "\n"
}

func (s *Server) handleCreateArtifact(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, nexuserr.New(nexuserr.CodeInvalidArgument, "failed reading request body"))
		return
	}
	id := uuid.NewString()
	if err := s.Store.AddArtifact(id, data, s.now()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleListGPUs(w http.ResponseWriter, r *http.Request) {
	devices, err := s.Prober.Probe(r.Context(), false)
	if err != nil {
		writeError(w, err)
		return
	}
	blacklist, err := s.Store.ListBlacklist()
	if err != nil {
		writeError(w, err)
		return
	}
	running, err := s.Store.ListJobs(store.ListFilter{Status: store.StatusRunning, HasStatus: true})
	if err != nil {
		writeError(w, err)
		return
	}
	runningByGPU := map[int]string{}
	for _, j := range running {
		for _, g := range j.GPUIdxs {
			runningByGPU[g] = j.ID
		}
	}

	out := make([]GPUInfo, len(devices))
	for i, d := range devices {
		info := GPUInfo{
			Index:        d.Index,
			Name:         d.Name,
			MemoryTotal:  d.MemoryTotal,
			MemoryUsed:   d.MemoryUsed,
			ProcessCount: d.ProcessCount,
			Blacklisted:  blacklist[d.Index],
		}
		if jobID, ok := runningByGPU[d.Index]; ok {
			info.RunningJobID = &jobID
		}
		out[i] = info
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBlacklistGPU(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(chi.URLParam(r, "idx"))
	if err != nil {
		writeError(w, nexuserr.New(nexuserr.CodeInvalidArgument, "idx must be an integer"))
		return
	}
	if err := s.Store.SetBlacklist(idx, true, s.now()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, GPUStatus{Index: idx, Blacklisted: true})
}

func (s *Server) handleUnblacklistGPU(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(chi.URLParam(r, "idx"))
	if err != nil {
		writeError(w, nexuserr.New(nexuserr.CodeInvalidArgument, "idx must be an integer"))
		return
	}
	if err := s.Store.SetBlacklist(idx, false, 0); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, GPUStatus{Index: idx, Blacklisted: false})
}

func (s *Server) handleRegisterSSHKey(w http.ResponseWriter, r *http.Request) {
	var req SSHKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, nexuserr.New(nexuserr.CodeInvalidArgument, "invalid json body"))
		return
	}
	if req.Name == "" || req.PublicKey == "" {
		writeError(w, nexuserr.New(nexuserr.CodeInvalidArgument, "name and public_key are required"))
		return
	}
	if err := s.Gate.RegisterSSHKey(auth.SSHKey{Name: req.Name, PublicKey: req.PublicKey}); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}
