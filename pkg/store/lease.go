package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrLeaseLost is returned by Renew when the caller no longer holds the lease.
var ErrLeaseLost = errors.New("lease lost or stolen")

// Acquire tries to acquire the lease. Returns true if successful.
// If the lease is already held by holderID, it renews it.
func (s *Store) Acquire(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error) {
	now := s.now().UTC()
	expiry := now.Add(ttl)

	// Expired leases are left in place and taken over below, so the insert only
	// succeeds for a name nobody has ever held.
	exists, err := s.leaseExists(ctx, name)
	if err != nil {
		return false, err
	}
	if !exists {
		_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
			INSERT INTO van_leases (name, holder_id, expires_at, version, epoch)
			VALUES (?, ?, ?, 1, 1)
		`), name, holderID, expiry)
		if err == nil {
			return true, nil
		}
		// Lost the insert race; fall through to the takeover path.
	}

	// Take over if expired or if we own it, in a single atomic UPDATE. epoch is
	// assigned first because MySQL evaluates SET left to right.
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE van_leases
		SET epoch = CASE WHEN holder_id = ? THEN epoch ELSE epoch + 1 END,
			holder_id = ?, expires_at = ?, version = version + 1
		WHERE name = ? AND (holder_id = ? OR expires_at < ?)
	`), holderID, holderID, expiry, name, holderID, now)
	if err != nil {
		return false, fmt.Errorf("failed to update lease: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return rows > 0, nil
}

func (s *Store) leaseExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT COUNT(*) FROM van_leases WHERE name = ?`), name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to probe lease: %w", err)
	}
	return n > 0, nil
}

// Renew updates the expiry of an existing lease held by holderID.
func (s *Store) Renew(ctx context.Context, name, holderID string, ttl time.Duration) error {
	expiry := s.now().UTC().Add(ttl)

	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE van_leases
		SET expires_at = ?, version = version + 1
		WHERE name = ? AND holder_id = ?
	`), expiry, name, holderID)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release releases the lease if held by holderID. Releasing a lease held by
// someone else, or nobody, is a no-op.
func (s *Store) Release(ctx context.Context, name, holderID string) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		DELETE FROM van_leases WHERE name = ? AND holder_id = ?
	`), name, holderID)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// Get returns the current lease state.
func (s *Store) Get(ctx context.Context, name string) (*Lease, error) {
	var l Lease
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT name, holder_id, expires_at, version, epoch
		FROM van_leases WHERE name = ?
	`), name).Scan(&l.Name, &l.HolderID, &l.ExpiresAt, &l.Version, &l.Epoch)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}
	return &l, nil
}
