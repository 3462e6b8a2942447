package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/conductorhq/conductor/internal/domain"
)

// AcquireLock takes an exclusive TTL lock on (project, path). Expired
// locks in the project are garbage-collected first, then the insert
// either succeeds or fails against the remaining holder. No waiting;
// callers poll with backoff. On failure the current holder is returned
// alongside ErrLockHeld.
func (s *Store) AcquireLock(projectID, path, agentID string, ttl time.Duration) (*domain.FileLock, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.Exec("DELETE FROM file_locks WHERE project_id = ? AND expires_at < ?",
		projectID, fmtTime(now)); err != nil {
		return nil, fmt.Errorf("lock gc: %w", err)
	}

	existing, err := lockRow(tx.QueryRow(
		"SELECT project_id, path, agent_id, locked_at, expires_at FROM file_locks WHERE project_id = ? AND path = ?",
		projectID, path))
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("lock check: %w", err)
	}
	if existing != nil {
		return existing, fmt.Errorf("%s: %w", path, ErrLockHeld)
	}

	lock := &domain.FileLock{
		ProjectID: projectID,
		Path:      path,
		AgentID:   agentID,
		LockedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	if _, err := tx.Exec(
		"INSERT INTO file_locks (project_id, path, agent_id, locked_at, expires_at) VALUES (?, ?, ?, ?, ?)",
		lock.ProjectID, lock.Path, lock.AgentID, fmtTime(lock.LockedAt), fmtTime(lock.ExpiresAt)); err != nil {
		return nil, fmt.Errorf("lock insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return lock, nil
}

// ReleaseLock deletes the lock only if the holder matches. Releasing a
// lock someone else holds (or no lock at all) is a no-op and reports
// false.
func (s *Store) ReleaseLock(projectID, path, agentID string) (bool, error) {
	res, err := s.db.Exec(
		"DELETE FROM file_locks WHERE project_id = ? AND path = ? AND agent_id = ?",
		projectID, path, agentID)
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CheckLock reports the current holder of a path after lazy GC, or nil
// when the path is unlocked.
func (s *Store) CheckLock(projectID, path string) (*domain.FileLock, error) {
	if _, err := s.db.Exec("DELETE FROM file_locks WHERE project_id = ? AND expires_at < ?",
		projectID, fmtTime(time.Now())); err != nil {
		return nil, fmt.Errorf("lock gc: %w", err)
	}
	lock, err := lockRow(s.db.QueryRow(
		"SELECT project_id, path, agent_id, locked_at, expires_at FROM file_locks WHERE project_id = ? AND path = ?",
		projectID, path))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check lock: %w", err)
	}
	return lock, nil
}

// CleanupStaleLocks bulk-deletes all expired locks in a project and
// returns the count removed.
func (s *Store) CleanupStaleLocks(projectID string) (int64, error) {
	res, err := s.db.Exec("DELETE FROM file_locks WHERE project_id = ? AND expires_at < ?",
		projectID, fmtTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("cleanup locks: %w", err)
	}
	return res.RowsAffected()
}

// ListLocks returns all non-expired locks in a project.
func (s *Store) ListLocks(projectID string) ([]*domain.FileLock, error) {
	rows, err := s.db.Query(
		"SELECT project_id, path, agent_id, locked_at, expires_at FROM file_locks WHERE project_id = ? AND expires_at >= ? ORDER BY path",
		projectID, fmtTime(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("locks: %w", err)
	}
	defer rows.Close()
	var out []*domain.FileLock
	for rows.Next() {
		var l domain.FileLock
		var la, ex string
		if err := rows.Scan(&l.ProjectID, &l.Path, &l.AgentID, &la, &ex); err != nil {
			return nil, err
		}
		if l.LockedAt, err = parseTime(la, "lock locked_at"); err != nil {
			return nil, err
		}
		if l.ExpiresAt, err = parseTime(ex, "lock expires_at"); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func lockRow(row rowScanner) (*domain.FileLock, error) {
	var l domain.FileLock
	var la, ex string
	if err := row.Scan(&l.ProjectID, &l.Path, &l.AgentID, &la, &ex); err != nil {
		return nil, err
	}
	var err error
	if l.LockedAt, err = parseTime(la, "lock locked_at"); err != nil {
		return nil, err
	}
	if l.ExpiresAt, err = parseTime(ex, "lock expires_at"); err != nil {
		return nil, err
	}
	return &l, nil
}
