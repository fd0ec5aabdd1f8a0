package store

import "nexus/internal/nexuserr"

// SetBlacklist idempotently adds or removes gpuIdx from the blacklist.
func (s *Store) SetBlacklist(gpuIdx int, on bool, createdAt float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if on {
		_, err := s.db.Exec(
			"INSERT OR IGNORE INTO gpu_blacklist (gpu_idx, created_at) VALUES (?, ?)",
			gpuIdx, createdAt,
		)
		if err != nil {
			return nexuserr.Wrap(nexuserr.CodeInternal, "blacklist gpu", err)
		}
		return nil
	}

	if _, err := s.db.Exec("DELETE FROM gpu_blacklist WHERE gpu_idx = ?", gpuIdx); err != nil {
		return nexuserr.Wrap(nexuserr.CodeInternal, "unblacklist gpu", err)
	}
	return nil
}

// ListBlacklist returns the set of currently blacklisted GPU indices.
func (s *Store) ListBlacklist() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT gpu_idx FROM gpu_blacklist")
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.CodeInternal, "list blacklist", err)
	}
	defer rows.Close()

	set := map[int]bool{}
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, nexuserr.Wrap(nexuserr.CodeInternal, "scan blacklist row", err)
		}
		set[idx] = true
	}
	return set, rows.Err()
}

// IsBlacklisted reports whether gpuIdx is currently blacklisted.
func (s *Store) IsBlacklisted(gpuIdx int) (bool, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM gpu_blacklist WHERE gpu_idx = ?", gpuIdx).Scan(&n)
	if err != nil {
		return false, nexuserr.Wrap(nexuserr.CodeInternal, "check blacklist", err)
	}
	return n > 0, nil
}
