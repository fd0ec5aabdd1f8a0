package store

import "nexus/internal/nexuserr"

// AddArtifact stores a tar blob under id.
func (s *Store) AddArtifact(id string, data []byte, createdAt float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT INTO artifacts (id, size, created_at, data) VALUES (?, ?, ?, ?)",
		id, len(data), createdAt, data,
	)
	if err != nil {
		return nexuserr.Wrap(nexuserr.CodeInternal, "insert artifact", err)
	}
	return nil
}

// GetArtifact returns the artifact's bytes, or CodeNotFound.
func (s *Store) GetArtifact(id string) (Artifact, error) {
	var a Artifact
	a.ID = id
	err := s.db.QueryRow("SELECT size, created_at, data FROM artifacts WHERE id = ?", id).
		Scan(&a.Size, &a.CreatedAt, &a.Data)
	if err != nil {
		return Artifact{}, nexuserr.Wrap(nexuserr.CodeNotFound, "artifact not found: "+id, err)
	}
	return a, nil
}

// ArtifactInUse reports whether any queued or running job still references
// artifactID. This check must run in the same transaction as a delete to
// avoid racing a concurrently submitting client; callers doing
// delete-if-unused should use Transact and call the tx-scoped variant.
func (s *Store) ArtifactInUse(artifactID string) (bool, error) {
	return artifactInUse(s.db, artifactID)
}

func artifactInUse(e execer, artifactID string) (bool, error) {
	var n int
	err := e.QueryRow(
		"SELECT COUNT(*) FROM jobs WHERE artifact_id = ? AND status IN ('queued','running')",
		artifactID,
	).Scan(&n)
	if err != nil {
		return false, nexuserr.Wrap(nexuserr.CodeInternal, "check artifact usage", err)
	}
	return n > 0, nil
}

// DeleteArtifact removes an artifact unconditionally; callers must verify
// ArtifactInUse themselves (ideally within the same Transact call).
func (s *Store) DeleteArtifact(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec("DELETE FROM artifacts WHERE id = ?", id); err != nil {
		return nexuserr.Wrap(nexuserr.CodeInternal, "delete artifact", err)
	}
	return nil
}

// DeleteArtifactIfUnused atomically checks ArtifactInUse and deletes within
// a single transaction, implementing Design Note "the check
// is_artifact_in_use must run inside the same transaction as the delete".
func (s *Store) DeleteArtifactIfUnused(artifactID string) (deleted bool, err error) {
	err = s.Transact(func(tx *Tx) error {
		inUse, err := artifactInUse(tx.tx, artifactID)
		if err != nil {
			return err
		}
		if inUse {
			return nil
		}
		if _, err := tx.tx.Exec("DELETE FROM artifacts WHERE id = ?", artifactID); err != nil {
			return nexuserr.Wrap(nexuserr.CodeInternal, "delete artifact", err)
		}
		deleted = true
		return nil
	})
	return deleted, err
}
