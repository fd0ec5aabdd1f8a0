package httpapi

import "nexus/internal/store"

// JobRequest is the wire shape of a job submission.
type JobRequest struct {
	Command         string            `json:"command"`
	User            string            `json:"user"`
	GitRepoURL      string            `json:"git_repo_url"`
	GitTag          string            `json:"git_tag"`
	GitBranch       string            `json:"git_branch"`
	ArtifactID      string            `json:"artifact_id"`
	NumGPUs         int               `json:"num_gpus"`
	GPUIdxs         []int             `json:"gpu_idxs"`
	Priority        int               `json:"priority"`
	SearchWandb     bool              `json:"search_wandb"`
	Notifications   []string          `json:"notifications"`
	Env             map[string]string `json:"env"`
	JobRC           string            `json:"jobrc"`
	RunImmediately  bool              `json:"run_immediately"`
	IgnoreBlacklist bool              `json:"ignore_blacklist"`
	OutputFile      string            `json:"output_file"`
}

// JobPatch is the body of PATCH /v1/jobs/{id}; nil fields are unchanged.
type JobPatch struct {
	Command  *string `json:"command"`
	Priority *int    `json:"priority"`
}

// JobResponse is the wire shape of a Job record.
type JobResponse struct {
	ID                   string            `json:"id"`
	Command              string            `json:"command"`
	User                 string            `json:"user"`
	NodeName             string            `json:"node_name"`
	Priority             int               `json:"priority"`
	NumGPUs              int               `json:"num_gpus"`
	GPUIdxs              []int             `json:"gpu_idxs"`
	GitRepoURL           string            `json:"git_repo_url"`
	GitBranch            string            `json:"git_branch"`
	GitTag               string            `json:"git_tag"`
	ArtifactID           string            `json:"artifact_id"`
	Env                  map[string]string `json:"env"`
	JobRC                string            `json:"jobrc"`
	Notifications        []string          `json:"notifications"`
	SearchWandb          bool              `json:"search_wandb"`
	IgnoreBlacklist      bool              `json:"ignore_blacklist"`
	Status               string            `json:"status"`
	CreatedAt            float64           `json:"created_at"`
	StartedAt            *float64          `json:"started_at"`
	CompletedAt          *float64          `json:"completed_at"`
	PID                  *int              `json:"pid"`
	ExitCode             *int              `json:"exit_code"`
	ErrorMessage         string            `json:"error_message"`
	WandbURL             string            `json:"wandb_url"`
	MarkedForKill        bool              `json:"marked_for_kill"`
	OutputFile           string            `json:"output_file"`
}

func jobToResponse(j store.Job) JobResponse {
	return JobResponse{
		ID:              j.ID,
		Command:         j.Command,
		User:            j.User,
		NodeName:        j.NodeName,
		Priority:        j.Priority,
		NumGPUs:         j.NumGPUs,
		GPUIdxs:         j.GPUIdxs,
		GitRepoURL:      j.GitRepoURL,
		GitBranch:       j.GitBranch,
		GitTag:          j.GitTag,
		ArtifactID:      j.ArtifactID,
		Env:             j.Env,
		JobRC:           j.JobRC,
		Notifications:   j.Notifications,
		SearchWandb:     j.SearchWandb,
		IgnoreBlacklist: j.IgnoreBlacklist,
		Status:          string(j.Status),
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		PID:             j.PID,
		ExitCode:        j.ExitCode,
		ErrorMessage:    j.ErrorMessage,
		WandbURL:        j.WandbURL,
		MarkedForKill:   j.MarkedForKill,
		OutputFile:      j.OutputFile,
	}
}

// GPUInfo is the wire shape of one probed device, augmented with the
// running job id (if any) holding it.
type GPUInfo struct {
	Index        int    `json:"index"`
	Name         string `json:"name"`
	MemoryTotal  int64  `json:"memory_total"`
	MemoryUsed   int64  `json:"memory_used"`
	ProcessCount int    `json:"process_count"`
	Blacklisted  bool   `json:"blacklisted"`
	RunningJobID *string `json:"running_job_id"`
}

// GPUStatus is the response of the blacklist mutation endpoints.
type GPUStatus struct {
	Index       int  `json:"index"`
	Blacklisted bool `json:"blacklisted"`
}

// ServerStatus answers GET /server/status.
type ServerStatus struct {
	NodeName      string `json:"node_name"`
	QueuedJobs    int    `json:"queued_jobs"`
	RunningJobs   int    `json:"running_jobs"`
	CompletedJobs int    `json:"completed_jobs"`
	FailedJobs    int    `json:"failed_jobs"`
	KilledJobs    int    `json:"killed_jobs"`
}

// HealthSnapshot answers GET /health.
type HealthSnapshot struct {
	Status          string  `json:"status"`
	Load1           float64 `json:"load1"`
	MemUsedPercent  float64 `json:"mem_used_percent"`
	DiskUsedPercent float64 `json:"disk_used_percent"`
}

// SSHKeyRequest is the body of POST /v1/auth/ssh-keys.
type SSHKeyRequest struct {
	Name      string `json:"name"`
	PublicKey string `json:"public_key"`
}
