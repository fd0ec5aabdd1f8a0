package store

import (
	"database/sql"

	"nexus/internal/nexuserr"
)

// Tx exposes the job/artifact operations that must participate in a single
// atomic sequence, e.g. transitioning a job to running while consuming an
// artifact reference.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) AddJob(j Job) error    { return addJob(t.tx, j) }
func (t *Tx) UpdateJob(j Job) error { return updateJob(t.tx, j) }
func (t *Tx) ArtifactInUse(id string) (bool, error) {
	return artifactInUse(t.tx, id)
}

// Transact runs fn inside a single database transaction. If fn returns an
// error, the transaction is rolled back and the error is returned as-is
// (already typed by the caller); otherwise it is committed. Read operations
// outside Transact do not need explicit transactions.
func (s *Store) Transact(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.Begin()
	if err != nil {
		return nexuserr.Wrap(nexuserr.CodeInternal, "begin transaction", err)
	}

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return nexuserr.Wrap(nexuserr.CodeInternal, "rollback after error", err)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return nexuserr.Wrap(nexuserr.CodeInternal, "commit transaction", err)
	}
	return nil
}
