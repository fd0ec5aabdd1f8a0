// Package scheduler runs the periodic, concurrent control loop that
// advances job state and allocates GPUs, as four independent per-tick
// tasks joined by an errgroup.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"nexus/internal/gpu"
	"nexus/internal/jobengine"
	"nexus/internal/metrics"
	"nexus/internal/notify"
	"nexus/internal/session"
	"nexus/internal/store"
	"nexus/internal/syshealth"
	"nexus/internal/wandb"
)

// Scheduler owns the tick loop and the collaborators each task needs.
type Scheduler struct {
	Store       *store.Store
	Prober      gpu.Prober
	Runner      session.Runner
	WandbFinder wandb.Finder
	Notifier    notify.Notifier
	HealthProbe *syshealth.Probe
	Metrics     *metrics.Metrics
	Logger      *slog.Logger

	BaseDir       string
	RefreshRate   time.Duration
	CallTimeout   time.Duration
	ArtifactStore func(id string) ([]byte, error)
	Now           func() float64
}

// New builds a Scheduler with sane defaults for the timeout/now fields.
func New(s *store.Store, prober gpu.Prober, runner session.Runner, baseDir string, refreshRate time.Duration) *Scheduler {
	return &Scheduler{
		Store:       s,
		Prober:      prober,
		Runner:      runner,
		WandbFinder: wandb.NewLogScanFinder(),
		HealthProbe: syshealth.NewProbe(baseDir),
		Logger:      slog.Default(),
		BaseDir:     baseDir,
		RefreshRate: refreshRate,
		CallTimeout: 10 * time.Second,
		Now:         func() float64 { return float64(time.Now().UnixNano()) / 1e9 },
	}
}

// Run ticks every RefreshRate until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.RefreshRate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs the four independent tasks concurrently. Each task's error is
// logged, never propagated to cancel its siblings: one job's failure
// should never stall the others.
func (s *Scheduler) tick(parent context.Context) {
	start := time.Now()
	defer func() {
		if s.Metrics != nil {
			s.Metrics.SchedulerTickSeconds.Observe(time.Since(start).Seconds())
		}
	}()

	g, ctx := errgroup.WithContext(parent)

	g.Go(s.guarded(ctx, "advance_running", s.advanceRunning))
	g.Go(s.guarded(ctx, "start_queued", s.startQueued))
	g.Go(s.guarded(ctx, "discover_wandb", s.discoverTrackerURLs))
	g.Go(s.guarded(ctx, "system_health", s.systemHealth))

	// errgroup.Wait would normally cancel siblings on first error via ctx;
	// each task already recovers its own errors and never returns one, so
	// Wait here only blocks for completion, it never short-circuits.
	_ = g.Wait()
}

func (s *Scheduler) guarded(parent context.Context, name string, fn func(ctx context.Context) error) func() error {
	return func() error {
		defer func() {
			if r := recover(); r != nil {
				s.logTaskError(name, fmt.Errorf("panic: %v", r))
			}
		}()
		ctx, cancel := context.WithTimeout(parent, s.CallTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logTaskError(name, err)
		}
		return nil
	}
}

func (s *Scheduler) logTaskError(task string, err error) {
	if s.Metrics != nil {
		s.Metrics.SchedulerTaskErrors.WithLabelValues(task).Inc()
	}
	s.Logger.Error("scheduler task failed", "task", task, "error", err)
}

// advanceRunning checks every running job's session for exit, kills those
// marked for termination, and records the resulting terminal state.
func (s *Scheduler) advanceRunning(ctx context.Context) error {
	jobs, err := s.Store.ListJobs(store.ListFilter{Status: store.StatusRunning, HasStatus: true})
	if err != nil {
		return err
	}
	if s.Metrics != nil {
		s.Metrics.JobsRunning.Set(float64(len(jobs)))
	}

	for _, j := range jobs {
		alive, err := s.Runner.IsAlive(ctx, j.ScreenSessionName)
		if err != nil {
			s.Logger.Error("check session alive", "job_id", j.ID, "error", err)
			continue
		}
		if alive && !j.MarkedForKill {
			continue
		}

		killed := j.MarkedForKill
		if killed && alive {
			if err := jobengine.KillJob(ctx, j, s.Runner); err != nil {
				s.Logger.Error("kill job", "job_id", j.ID, "error", err)
			}
		}

		done := jobengine.EndJob(j, killed, s.Now())
		s.copyOutputFile(done)
		if err := jobengine.CleanupJob(done); err != nil {
			s.Logger.Error("cleanup job", "job_id", j.ID, "error", err)
		}
		s.dispatchTerminalNotification(ctx, done)

		if err := s.Store.UpdateJob(done); err != nil {
			return err
		}
		if s.Metrics != nil {
			s.Metrics.JobsCompletedTotal.WithLabelValues(string(done.Status)).Inc()
			s.Metrics.JobsRunning.Dec()
		}
	}
	return nil
}

func (s *Scheduler) dispatchTerminalNotification(ctx context.Context, j store.Job) {
	if s.Notifier == nil {
		return
	}
	for _, channel := range j.Notifications {
		msg := notify.MessageFor(j.ID, string(j.Status))
		if _, err := s.Notifier.Notify(ctx, channel, j.ID, msg); err != nil {
			s.Logger.Error("send notification", "job_id", j.ID, "channel", channel, "error", err)
		}
	}
}

func (s *Scheduler) copyOutputFile(j store.Job) {
	if j.OutputFile == "" {
		return
	}
	src := filepath.Join(j.Dir, "repo", j.OutputFile)
	dst := filepath.Join("/tmp", fmt.Sprintf("nexus-%s-%s", j.ID, flattenPath(j.OutputFile)))
	if err := copyFile(src, dst); err != nil {
		s.Logger.Warn("copy output file", "job_id", j.ID, "error", err)
	}
}

// startQueued probes GPUs, computes the free set, dequeues the first
// eligible queued job, and starts at most one job per tick.
func (s *Scheduler) startQueued(ctx context.Context) error {
	queued, err := s.Store.ListJobs(store.ListFilter{Status: store.StatusQueued, HasStatus: true})
	if err != nil {
		return err
	}
	if s.Metrics != nil {
		s.Metrics.JobsQueued.Set(float64(len(queued)))
	}
	if len(queued) == 0 {
		return nil
	}

	devices, err := s.Prober.Probe(ctx, false)
	if err != nil {
		return err
	}
	running, err := s.Store.ListJobs(store.ListFilter{Status: store.StatusRunning, HasStatus: true})
	if err != nil {
		return err
	}
	busy := map[int]bool{}
	for _, j := range running {
		for _, g := range j.GPUIdxs {
			busy[g] = true
		}
	}
	blacklist, err := s.Store.ListBlacklist()
	if err != nil {
		return err
	}

	for _, candidate := range queued {
		free := gpu.FreeSet(devices, blacklist, candidate.IgnoreBlacklist, busy)
		chosen, ok := chooseGPUs(candidate, free)
		if !ok {
			continue
		}
		return s.launch(ctx, candidate, chosen)
	}
	return nil
}

// chooseGPUs implements the pinned-vs-lowest-index allocation rule.
func chooseGPUs(j store.Job, free []int) ([]int, bool) {
	if len(j.GPUIdxs) > 0 {
		freeSet := map[int]bool{}
		for _, g := range free {
			freeSet[g] = true
		}
		for _, want := range j.GPUIdxs {
			if !freeSet[want] {
				return nil, false
			}
		}
		return j.GPUIdxs, true
	}
	if len(free) < j.NumGPUs {
		return nil, false
	}
	return append([]int(nil), free[:j.NumGPUs]...), true
}

func (s *Scheduler) launch(ctx context.Context, j store.Job, gpus []int) error {
	loadArtifact := s.ArtifactStore
	if loadArtifact == nil {
		loadArtifact = func(id string) ([]byte, error) {
			a, err := s.Store.GetArtifact(id)
			if err != nil {
				return nil, err
			}
			return a.Data, nil
		}
	}

	started, err := jobengine.StartJob(ctx, j, gpus, s.BaseDir, loadArtifact, s.Runner, s.Now())
	if err != nil {
		if rmErr := os.RemoveAll(filepath.Join(s.BaseDir, j.ID)); rmErr != nil {
			s.Logger.Warn("remove failed job directory", "job_id", j.ID, "error", rmErr)
		}
		if updateErr := s.Store.UpdateJob(started); updateErr != nil {
			return updateErr
		}
		return err
	}
	s.dispatchStartedNotification(ctx, &started)
	if s.Metrics != nil {
		s.Metrics.JobsRunning.Inc()
		s.Metrics.JobsQueued.Dec()
	}
	return s.Store.UpdateJob(started)
}

// dispatchStartedNotification fires the "started" notification for a job
// that just began running and records each channel's message id so
// editNotificationsWithURL can later edit that same message in place once a
// tracker URL is discovered.
func (s *Scheduler) dispatchStartedNotification(ctx context.Context, j *store.Job) {
	if s.Notifier == nil {
		return
	}
	if j.NotificationMessages == nil {
		j.NotificationMessages = map[string]string{}
	}
	msg := notify.MessageFor(j.ID, string(j.Status))
	for _, channel := range j.Notifications {
		messageID, err := s.Notifier.Notify(ctx, channel, j.ID, msg)
		if err != nil {
			s.Logger.Error("send notification", "job_id", j.ID, "channel", channel, "error", err)
			continue
		}
		if messageID != "" {
			j.NotificationMessages[channel] = messageID
		}
	}
}

// discoverTrackerURLs scans running jobs for a freshly-appeared wandb run
// URL and edits the notification message in place once one is found.
func (s *Scheduler) discoverTrackerURLs(ctx context.Context) error {
	if s.WandbFinder == nil {
		return nil
	}
	running, err := s.Store.ListJobs(store.ListFilter{Status: store.StatusRunning, HasStatus: true})
	if err != nil {
		return err
	}

	now := s.Now()
	for _, j := range running {
		if !j.SearchWandb || j.WandbURL != "" {
			continue
		}
		if j.StartedAt != nil && now-*j.StartedAt > wandb.MaxAge.Seconds() {
			continue
		}

		url, found, err := s.WandbFinder.Find(j.Dir)
		if err != nil {
			s.Logger.Warn("wandb probe failed", "job_id", j.ID, "error", err)
			continue
		}
		if !found {
			continue
		}

		updated := j.Clone()
		updated.WandbURL = url
		if err := s.Store.UpdateJob(updated); err != nil {
			return err
		}
		s.editNotificationsWithURL(ctx, updated)
	}
	return nil
}

func (s *Scheduler) editNotificationsWithURL(ctx context.Context, j store.Job) {
	if s.Notifier == nil {
		return
	}
	for channel, messageID := range j.NotificationMessages {
		msg := fmt.Sprintf("nexus job %s: tracking at %s", j.ID, j.WandbURL)
		if err := s.Notifier.Edit(ctx, channel, messageID, msg); err != nil {
			s.Logger.Warn("edit notification", "job_id", j.ID, "channel", channel, "error", err)
		}
	}
}

// systemHealth samples load, memory, and disk usage, purely observational,
// delegated to internal/syshealth.
func (s *Scheduler) systemHealth(ctx context.Context) error {
	if s.HealthProbe == nil {
		return nil
	}
	s.HealthProbe.Sample(s.Logger)
	return nil
}

func flattenPath(p string) string {
	out := make([]byte, 0, len(p))
	for _, r := range p {
		if r == '/' {
			out = append(out, '_')
		} else {
			out = append(out, byte(r))
		}
	}
	return string(out)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
