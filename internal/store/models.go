// Package store is the durable, transactional persistence layer for jobs,
// the GPU blacklist, and code artifacts. It is backed by a single SQLite
// file opened through github.com/mattn/go-sqlite3, with a column-by-column
// row mapping for the job schema.
package store

// Status is a job's lifecycle state. Transitions are monotone: Queued ->
// Running -> {Completed, Failed, Killed}; Queued may also go directly to
// Failed (pre-start error) or be deleted outright.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusKilled    Status = "killed"
)

// Job is an immutable record. Every mutation in this codebase is expressed
// as producing a new Job value (see Clone, or jobengine's transition
// functions) — never as mutating a shared *Job in place.
type Job struct {
	ID                   string
	Command              string
	User                 string
	NodeName             string
	Priority             int
	NumGPUs              int
	GPUIdxs              []int
	GitRepoURL           string
	GitBranch            string
	GitTag               string
	ArtifactID           string
	Env                  map[string]string
	JobRC                string
	Notifications        []string
	SearchWandb          bool
	IgnoreBlacklist      bool
	Status               Status
	CreatedAt            float64
	StartedAt            *float64
	CompletedAt          *float64
	PID                  *int
	Dir                  string
	ScreenSessionName    string
	ExitCode             *int
	ErrorMessage         string
	WandbURL             string
	MarkedForKill        bool
	NotificationMessages map[string]string
	OutputFile           string
}

// Clone returns a deep-enough copy suitable for building a transitioned
// record via field assignment without aliasing the slice/map fields.
func (j Job) Clone() Job {
	c := j
	if j.GPUIdxs != nil {
		c.GPUIdxs = append([]int(nil), j.GPUIdxs...)
	}
	if j.Env != nil {
		c.Env = make(map[string]string, len(j.Env))
		for k, v := range j.Env {
			c.Env[k] = v
		}
	}
	if j.Notifications != nil {
		c.Notifications = append([]string(nil), j.Notifications...)
	}
	if j.NotificationMessages != nil {
		c.NotificationMessages = make(map[string]string, len(j.NotificationMessages))
		for k, v := range j.NotificationMessages {
			c.NotificationMessages[k] = v
		}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.PID != nil {
		p := *j.PID
		c.PID = &p
	}
	if j.ExitCode != nil {
		e := *j.ExitCode
		c.ExitCode = &e
	}
	return c
}

// Artifact is a tar blob of a submitter's source tree, reference-counted by
// live (queued or running) jobs.
type Artifact struct {
	ID        string
	Data      []byte
	Size      int64
	CreatedAt float64
}

// ListFilter narrows a ListJobs call. Status and GPUIndex apply only when
// HasStatus and HasGPUIndex are set; an empty CommandRegex means no
// constraint, and Limit<=0 means "no limit".
type ListFilter struct {
	Status       Status
	HasStatus    bool
	GPUIndex     int
	HasGPUIndex  bool
	CommandRegex string
	Limit        int
	Offset       int
}
