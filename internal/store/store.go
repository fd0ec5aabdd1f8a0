package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"nexus/internal/nexuserr"
)

// column describes one column of the jobs table for the additive-migration
// pass: at Open, the store inspects which columns already exist (via
// PRAGMA table_info) and issues ALTER TABLE ... ADD COLUMN for any that are
// missing, rather than tracking a numbered migration history.
type column struct {
	name    string
	sqlType string
}

var jobColumns = []column{
	{"command", "TEXT NOT NULL DEFAULT ''"},
	{"user", "TEXT NOT NULL DEFAULT ''"},
	{"node_name", "TEXT NOT NULL DEFAULT ''"},
	{"priority", "INTEGER NOT NULL DEFAULT 0"},
	{"num_gpus", "INTEGER NOT NULL DEFAULT 1"},
	{"gpu_idxs", "TEXT NOT NULL DEFAULT ''"},
	{"git_repo_url", "TEXT NOT NULL DEFAULT ''"},
	{"git_branch", "TEXT NOT NULL DEFAULT ''"},
	{"git_tag", "TEXT NOT NULL DEFAULT ''"},
	{"artifact_id", "TEXT NOT NULL DEFAULT ''"},
	{"env", "TEXT NOT NULL DEFAULT '{}'"},
	{"jobrc", "TEXT NOT NULL DEFAULT ''"},
	{"notifications", "TEXT NOT NULL DEFAULT ''"},
	{"search_wandb", "INTEGER NOT NULL DEFAULT 0"},
	{"ignore_blacklist", "INTEGER NOT NULL DEFAULT 0"},
	{"status", "TEXT NOT NULL DEFAULT 'queued'"},
	{"created_at", "REAL NOT NULL DEFAULT 0"},
	{"started_at", "REAL"},
	{"completed_at", "REAL"},
	{"pid", "INTEGER"},
	{"dir", "TEXT NOT NULL DEFAULT ''"},
	{"screen_session_name", "TEXT NOT NULL DEFAULT ''"},
	{"exit_code", "INTEGER"},
	{"error_message", "TEXT NOT NULL DEFAULT ''"},
	{"wandb_url", "TEXT NOT NULL DEFAULT ''"},
	{"marked_for_kill", "INTEGER NOT NULL DEFAULT 0"},
	{"notification_messages", "TEXT NOT NULL DEFAULT '{}'"},
	{"output_file", "TEXT NOT NULL DEFAULT ''"},
}

// Store is a single-file SQLite-backed store for jobs, the GPU blacklist,
// and artifacts. Writes are serialized through mu; reads do not take mu,
// but the pool is capped at one connection, so every statement still runs
// on that single connection one at a time.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open connects to (creating if necessary) the SQLite file at path and
// brings its schema up to date via additive ALTER TABLE statements.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.CodeInternal, "open sqlite database", err)
	}
	// SQLite only tolerates a single writer; cap the pool so database/sql's
	// connection reuse can't hand two goroutines separate write handles.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (id TEXT PRIMARY KEY)`,
		`CREATE TABLE IF NOT EXISTS gpu_blacklist (
			gpu_idx INTEGER PRIMARY KEY,
			created_at REAL NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			size INTEGER NOT NULL,
			created_at REAL NOT NULL,
			data BLOB NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return nexuserr.Wrap(nexuserr.CodeInternal, "create tables", err)
		}
	}

	existing, err := s.existingColumns("jobs")
	if err != nil {
		return err
	}
	for _, col := range jobColumns {
		if existing[col.name] {
			continue
		}
		alter := fmt.Sprintf("ALTER TABLE jobs ADD COLUMN %s %s", col.name, col.sqlType)
		if _, err := s.db.Exec(alter); err != nil {
			return nexuserr.Wrap(nexuserr.CodeInternal, "add column "+col.name, err)
		}
	}
	return nil
}

func (s *Store) existingColumns(table string) (map[string]bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.CodeInternal, "inspect schema", err)
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notNull    int
			dfltValue  any
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &primaryKey); err != nil {
			return nil, nexuserr.Wrap(nexuserr.CodeInternal, "scan schema row", err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
