package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"nexus/internal/nexuserr"
)

var allJobColumnNames = func() []string {
	names := make([]string, 0, len(jobColumns)+1)
	names = append(names, "id")
	for _, c := range jobColumns {
		names = append(names, c.name)
	}
	return names
}()

// execer is satisfied by both *sql.DB and *sql.Tx, letting the row-mapping
// helpers below run either standalone or inside Transact.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

func jobToArgs(j Job) ([]any, error) {
	envJSON, err := json.Marshal(j.Env)
	if err != nil {
		return nil, fmt.Errorf("marshal env: %w", err)
	}
	msgJSON, err := json.Marshal(j.NotificationMessages)
	if err != nil {
		return nil, fmt.Errorf("marshal notification_messages: %w", err)
	}

	gpuIdxs := make([]string, len(j.GPUIdxs))
	for i, g := range j.GPUIdxs {
		gpuIdxs[i] = strconv.Itoa(g)
	}

	return []any{
		j.ID,
		j.Command,
		j.User,
		j.NodeName,
		j.Priority,
		j.NumGPUs,
		strings.Join(gpuIdxs, ","),
		j.GitRepoURL,
		j.GitBranch,
		j.GitTag,
		j.ArtifactID,
		string(envJSON),
		j.JobRC,
		strings.Join(j.Notifications, ","),
		boolToInt(j.SearchWandb),
		boolToInt(j.IgnoreBlacklist),
		string(j.Status),
		j.CreatedAt,
		nullableFloat(j.StartedAt),
		nullableFloat(j.CompletedAt),
		nullableInt(j.PID),
		j.Dir,
		j.ScreenSessionName,
		nullableInt(j.ExitCode),
		j.ErrorMessage,
		j.WandbURL,
		boolToInt(j.MarkedForKill),
		string(msgJSON),
		j.OutputFile,
	}, nil
}

func rowToJob(rows *sql.Rows) (Job, error) {
	var (
		j                              Job
		gpuIdxsCSV, notificationsCSV   string
		envJSON, msgJSON               string
		statusStr                      string
		searchWandbInt, ignoreBLInt    int
		markedForKillInt               int
		startedAt, completedAt         sql.NullFloat64
		pid, exitCode                  sql.NullInt64
	)
	if err := rows.Scan(
		&j.ID,
		&j.Command,
		&j.User,
		&j.NodeName,
		&j.Priority,
		&j.NumGPUs,
		&gpuIdxsCSV,
		&j.GitRepoURL,
		&j.GitBranch,
		&j.GitTag,
		&j.ArtifactID,
		&envJSON,
		&j.JobRC,
		&notificationsCSV,
		&searchWandbInt,
		&ignoreBLInt,
		&statusStr,
		&j.CreatedAt,
		&startedAt,
		&completedAt,
		&pid,
		&j.Dir,
		&j.ScreenSessionName,
		&exitCode,
		&j.ErrorMessage,
		&j.WandbURL,
		&markedForKillInt,
		&msgJSON,
		&j.OutputFile,
	); err != nil {
		return Job{}, err
	}

	j.Status = Status(statusStr)
	j.SearchWandb = searchWandbInt != 0
	j.IgnoreBlacklist = ignoreBLInt != 0
	j.MarkedForKill = markedForKillInt != 0

	if gpuIdxsCSV != "" {
		for _, s := range strings.Split(gpuIdxsCSV, ",") {
			v, err := strconv.Atoi(s)
			if err != nil {
				return Job{}, fmt.Errorf("parse gpu_idxs: %w", err)
			}
			j.GPUIdxs = append(j.GPUIdxs, v)
		}
	}
	if notificationsCSV != "" {
		j.Notifications = strings.Split(notificationsCSV, ",")
	}
	j.Env = map[string]string{}
	if envJSON != "" {
		if err := json.Unmarshal([]byte(envJSON), &j.Env); err != nil {
			return Job{}, fmt.Errorf("unmarshal env: %w", err)
		}
	}
	j.NotificationMessages = map[string]string{}
	if msgJSON != "" {
		if err := json.Unmarshal([]byte(msgJSON), &j.NotificationMessages); err != nil {
			return Job{}, fmt.Errorf("unmarshal notification_messages: %w", err)
		}
	}
	if startedAt.Valid {
		v := startedAt.Float64
		j.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Float64
		j.CompletedAt = &v
	}
	if pid.Valid {
		v := int(pid.Int64)
		j.PID = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		j.ExitCode = &v
	}
	return j, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullableInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

// AddJob inserts job, failing with CodeDuplicate if its ID already exists.
func (s *Store) AddJob(j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return addJob(s.db, j)
}

func addJob(e execer, j Job) error {
	var exists int
	if err := e.QueryRow("SELECT COUNT(*) FROM jobs WHERE id = ?", j.ID).Scan(&exists); err != nil {
		return nexuserr.Wrap(nexuserr.CodeInternal, "check job existence", err)
	}
	if exists > 0 {
		return nexuserr.New(nexuserr.CodeDuplicate, "job already exists: "+j.ID)
	}

	args, err := jobToArgs(j)
	if err != nil {
		return nexuserr.Wrap(nexuserr.CodeInternal, "encode job", err)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(allJobColumnNames)), ",")
	query := fmt.Sprintf("INSERT INTO jobs (%s) VALUES (%s)", strings.Join(allJobColumnNames, ","), placeholders)
	if _, err := e.Exec(query, args...); err != nil {
		return nexuserr.Wrap(nexuserr.CodeInternal, "insert job", err)
	}
	return nil
}

// GetJob returns the job with id, or CodeNotFound.
func (s *Store) GetJob(id string) (Job, error) {
	query := fmt.Sprintf("SELECT %s FROM jobs WHERE id = ?", strings.Join(allJobColumnNames, ","))
	rows, err := s.db.Query(query, id)
	if err != nil {
		return Job{}, nexuserr.Wrap(nexuserr.CodeInternal, "query job", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return Job{}, nexuserr.New(nexuserr.CodeNotFound, "job not found: "+id)
	}
	j, err := rowToJob(rows)
	if err != nil {
		return Job{}, nexuserr.Wrap(nexuserr.CodeInternal, "decode job row", err)
	}
	return j, nil
}

// ListJobs returns jobs matching filter, ordered per the contract for
// whichever single status is requested (queued: priority desc, created_at
// asc; running: started_at asc; terminal: completed_at desc). When no
// status filter is given, rows come back in created_at asc order.
func (s *Store) ListJobs(filter ListFilter) ([]Job, error) {
	query := fmt.Sprintf("SELECT %s FROM jobs", strings.Join(allJobColumnNames, ","))
	var conditions []string
	var args []any

	if filter.HasStatus {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY " + orderClauseFor(filter)

	// gpu_index/command_regex are applied in Go after decode, so SQL-side
	// pagination would slice before those filters run and silently drop or
	// undercount matches. Paginate in Go instead whenever either is active.
	postFilter := filter.HasGPUIndex || filter.CommandRegex != ""
	if !postFilter {
		if filter.Limit > 0 {
			query += " LIMIT ? OFFSET ?"
			args = append(args, filter.Limit, filter.Offset)
		} else if filter.Offset > 0 {
			query += " LIMIT -1 OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.CodeInternal, "list jobs", err)
	}
	defer rows.Close()

	var result []Job
	for rows.Next() {
		j, err := rowToJob(rows)
		if err != nil {
			return nil, nexuserr.Wrap(nexuserr.CodeInternal, "decode job row", err)
		}
		if filter.HasGPUIndex && !containsInt(j.GPUIdxs, filter.GPUIndex) {
			continue
		}
		if filter.CommandRegex != "" {
			matched, err := regexpMatch(filter.CommandRegex, j.Command)
			if err != nil {
				return nil, nexuserr.Wrap(nexuserr.CodeInvalidArgument, "invalid command_regex", err)
			}
			if !matched {
				continue
			}
		}
		result = append(result, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if postFilter {
		if filter.Offset > 0 {
			if filter.Offset >= len(result) {
				return []Job{}, nil
			}
			result = result[filter.Offset:]
		}
		if filter.Limit > 0 && len(result) > filter.Limit {
			result = result[:filter.Limit]
		}
	}
	return result, nil
}

func orderClauseFor(filter ListFilter) string {
	if filter.HasStatus {
		switch filter.Status {
		case StatusQueued:
			return "priority DESC, created_at ASC"
		case StatusRunning:
			return "started_at ASC"
		case StatusCompleted, StatusFailed, StatusKilled:
			return "completed_at DESC"
		}
	}
	return "created_at ASC"
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// UpdateJob upserts by ID: if the row exists it is overwritten in place,
// otherwise it is inserted. The scheduler always updates a job it already
// holds, so in practice this is always an update.
func (s *Store) UpdateJob(j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateJob(s.db, j)
}

func updateJob(e execer, j Job) error {
	args, err := jobToArgs(j)
	if err != nil {
		return nexuserr.Wrap(nexuserr.CodeInternal, "encode job", err)
	}
	// args[0] is id; build "col = ?" for every column after id, then append id.
	setClauses := make([]string, 0, len(allJobColumnNames)-1)
	for _, name := range allJobColumnNames[1:] {
		setClauses = append(setClauses, name+" = ?")
	}
	updateArgs := append(args[1:], args[0])
	query := fmt.Sprintf("UPDATE jobs SET %s WHERE id = ?", strings.Join(setClauses, ", "))

	res, err := e.Exec(query, updateArgs...)
	if err != nil {
		return nexuserr.Wrap(nexuserr.CodeInternal, "update job", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nexuserr.Wrap(nexuserr.CodeInternal, "rows affected", err)
	}
	if affected == 0 {
		return addJob(e, j)
	}
	return nil
}

// DeleteJob removes job id, but only while it is queued.
func (s *Store) DeleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.GetJob(id)
	if err != nil {
		return err
	}
	if j.Status != StatusQueued {
		return nexuserr.New(nexuserr.CodeInvalidState, "only queued jobs can be deleted: "+id)
	}
	if _, err := s.db.Exec("DELETE FROM jobs WHERE id = ?", id); err != nil {
		return nexuserr.Wrap(nexuserr.CodeInternal, "delete job", err)
	}
	return nil
}

// CountJobs returns the number of jobs in status.
func (s *Store) CountJobs(status Status) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM jobs WHERE status = ?", string(status)).Scan(&n)
	if err != nil {
		return 0, nexuserr.Wrap(nexuserr.CodeInternal, "count jobs", err)
	}
	return n, nil
}

// ErrNotFound is a sentinel value that no Store method returns or wraps, so
// errors.Is against it never matches a store error; not-found results are
// reported through nexuserr.Is(err, nexuserr.CodeNotFound).
var ErrNotFound = errors.New("not found")
