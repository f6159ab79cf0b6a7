package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// Lease is a time-bounded mutual-exclusion grant on a named resource,
// typically a file path.
type Lease struct {
	Key        string
	AgentID    string
	TaskID     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
	Renewals   int
}

// Expired reports whether the lease has passed its expiry.
func (l *Lease) Expired() bool {
	return time.Now().After(l.ExpiresAt)
}

// AcquireLease grants a lease on key to agentID for ttl, unless another
// holder has an unexpired lease on it. Re-acquisition by the current holder
// is a renewal: expiry is extended and the renewal count incremented.
// Returns false (with no error) when the key is held by someone else --
// lease contention is normal control flow.
func (s *Store) AcquireLease(ctx context.Context, key, agentID, taskID string, ttl time.Duration) (bool, error) {
	if key == "" || agentID == "" {
		return false, fmt.Errorf("lease key and agent id are required")
	}
	if ttl <= 0 {
		return false, fmt.Errorf("lease ttl must be positive")
	}

	now := time.Now().UTC()
	expires := now.Add(ttl)

	// Renewal by the current holder.
	res, err := s.db.ExecContext(ctx, `
		UPDATE leases SET expires_at = ?, renewals = renewals + 1, task_id = ?
		WHERE key = ? AND agent_id = ? AND expires_at > ?
	`, expires.UnixNano(), nullable(taskID), key, agentID, now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to renew lease: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	} else if n > 0 {
		return true, nil
	}

	// Fresh acquisition: the upsert only overwrites expired leases, so an
	// unexpired lease held by a different agent rejects the caller.
	res, err = s.db.ExecContext(ctx, `
		INSERT INTO leases (key, agent_id, task_id, acquired_at, expires_at, renewals)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(key) DO UPDATE SET
			agent_id = excluded.agent_id,
			task_id = excluded.task_id,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at,
			renewals = 0
		WHERE leases.expires_at <= ?
	`, key, agentID, nullable(taskID), now.UnixNano(), expires.UnixNano(), now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// AcquireLeases acquires leases for all keys in lexicographic order,
// releasing everything on the first rejection so partial holds never linger.
func (s *Store) AcquireLeases(ctx context.Context, keys []string, agentID, taskID string, ttl time.Duration) (bool, error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	var held []string
	for _, key := range sorted {
		ok, err := s.AcquireLease(ctx, key, agentID, taskID, ttl)
		if err != nil || !ok {
			for _, h := range held {
				_, _ = s.ReleaseLease(ctx, h, agentID)
			}
			return false, err
		}
		held = append(held, key)
	}
	return true, nil
}

// ReleaseLease releases the lease on key. Only the current holder may
// release; anyone else gets false.
func (s *Store) ReleaseLease(ctx context.Context, key, agentID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM leases WHERE key = ? AND agent_id = ?
	`, key, agentID)
	if err != nil {
		return false, fmt.Errorf("failed to release lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// ReleaseAgentLeases drops every lease held by the agent. Used on graceful
// stop and dead-agent reconciliation.
func (s *Store) ReleaseAgentLeases(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("failed to release agent leases: %w", err)
	}
	return nil
}

// LeaseStatus returns the current lease on key, or nil if the key is not
// leased or the lease has expired. Read-only: expired rows are left for the
// sweep, but never reported as held.
func (s *Store) LeaseStatus(ctx context.Context, key string) (*Lease, error) {
	lease := &Lease{Key: key}
	var taskID sql.NullString
	var acquired, expires int64

	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id, task_id, acquired_at, expires_at, renewals
		FROM leases WHERE key = ? AND expires_at > ?
	`, key, time.Now().UTC().UnixNano()).Scan(&lease.AgentID, &taskID, &acquired, &expires, &lease.Renewals)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query lease: %w", err)
	}

	lease.TaskID = taskID.String
	lease.AcquiredAt = nsToTime(acquired)
	lease.ExpiresAt = nsToTime(expires)
	return lease, nil
}

// SweepExpiredLeases deletes all expired leases. Returns the number removed.
func (s *Store) SweepExpiredLeases(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE expires_at <= ?`,
		time.Now().UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// RunLeaseSweeper runs the periodic expiry sweep until the context is
// cancelled. Individual sweep failures are reported through onError and do
// not stop the loop.
func (s *Store) RunLeaseSweeper(ctx context.Context, interval time.Duration, onError func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepExpiredLeases(ctx); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
