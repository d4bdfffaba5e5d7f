package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/recond/internal/decision"
	"github.com/fyrsmithlabs/recond/internal/tenant"
)

// ClaimStore implements decision.ClaimStore. Each compare-and-set runs in
// its own transaction.
type ClaimStore struct {
	db *sql.DB
}

var _ decision.ClaimStore = (*ClaimStore)(nil)

const claimColumns = `tenant_id, external_id, internal_id, log_id, score, human_verified, claimed_at`

func (s *ClaimStore) TryClaim(ctx context.Context, c decision.Claim) (*decision.Claim, error) {
	c.HumanVerified = false
	return s.install(ctx, c, false)
}

func (s *ClaimStore) ForceClaim(ctx context.Context, c decision.Claim) (*decision.Claim, error) {
	c.HumanVerified = true
	return s.install(ctx, c, true)
}

func (s *ClaimStore) install(ctx context.Context, c decision.Claim, force bool) (*decision.Claim, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim: %w", err)
	}

	held, err := getClaim(ctx, tx, c.TenantID, c.ExternalID)
	if err != nil {
		rollback(tx)
		return nil, err
	}
	if !force {
		if err := decision.Admits(held, c); err != nil {
			rollback(tx)
			return nil, err
		}
	}

	if err := putClaim(ctx, tx, c); err != nil {
		rollback(tx)
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim on %s: %w", c.ExternalID, err)
	}
	if held != nil && !force && held.LogID == c.LogID {
		return nil, nil
	}
	return held, nil
}

// Restore runs the holder check and the rewrite in one transaction.
func (s *ClaimStore) Restore(ctx context.Context, prior decision.Claim, heldBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning restore: %w", err)
	}
	held, err := getClaim(ctx, tx, prior.TenantID, prior.ExternalID)
	if err != nil {
		rollback(tx)
		return err
	}
	if err := decision.Restorable(held, prior, heldBy); err != nil {
		rollback(tx)
		return err
	}
	if err := putClaim(ctx, tx, prior); err != nil {
		rollback(tx)
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing restore on %s: %w", prior.ExternalID, err)
	}
	return nil
}

func putClaim(ctx context.Context, tx *sql.Tx, c decision.Claim) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO claims (`+claimColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, external_id) DO UPDATE SET
			internal_id = excluded.internal_id,
			log_id = excluded.log_id,
			score = excluded.score,
			human_verified = excluded.human_verified,
			claimed_at = excluded.claimed_at`,
		c.TenantID.String(), c.ExternalID, c.InternalID, c.LogID, c.Score, boolInt(c.HumanVerified), formatTime(c.ClaimedAt),
	); err != nil {
		return fmt.Errorf("writing claim on %s: %w", c.ExternalID, err)
	}
	return nil
}

func (s *ClaimStore) Release(ctx context.Context, tenantID tenant.ID, externalID, logID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM claims WHERE tenant_id = ? AND external_id = ? AND log_id = ?`,
		tenantID.String(), externalID, logID)
	if err != nil {
		return fmt.Errorf("releasing claim on %s: %w", externalID, err)
	}
	return nil
}

func (s *ClaimStore) ReleaseByInternal(ctx context.Context, tenantID tenant.ID, internalID string) ([]decision.Claim, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning release: %w", err)
	}
	released, err := queryClaims(ctx, tx, `SELECT `+claimColumns+` FROM claims
		WHERE tenant_id = ? AND internal_id = ? ORDER BY external_id`, tenantID.String(), internalID)
	if err != nil {
		rollback(tx)
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM claims WHERE tenant_id = ? AND internal_id = ?`,
		tenantID.String(), internalID); err != nil {
		rollback(tx)
		return nil, fmt.Errorf("releasing claims of %s: %w", internalID, err)
	}
	return released, tx.Commit()
}

func (s *ClaimStore) Get(ctx context.Context, tenantID tenant.ID, externalID string) (*decision.Claim, error) {
	return getClaim(ctx, s.db, tenantID, externalID)
}

func (s *ClaimStore) List(ctx context.Context, tenantID tenant.ID) ([]decision.Claim, error) {
	return queryClaims(ctx, s.db, `SELECT `+claimColumns+` FROM claims WHERE tenant_id = ? ORDER BY external_id`,
		tenantID.String())
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getClaim(ctx context.Context, q querier, tenantID tenant.ID, externalID string) (*decision.Claim, error) {
	row := q.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE tenant_id = ? AND external_id = ?`,
		tenantID.String(), externalID)
	c, err := scanClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func queryClaims(ctx context.Context, q querier, query string, args ...any) ([]decision.Claim, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying claims: %w", err)
	}
	defer rows.Close()

	out := []decision.Claim{}
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanClaim(row scanner) (decision.Claim, error) {
	var c decision.Claim
	var tenantID, claimed string
	var verified int
	if err := row.Scan(&tenantID, &c.ExternalID, &c.InternalID, &c.LogID, &c.Score, &verified, &claimed); err != nil {
		return decision.Claim{}, err
	}
	c.TenantID = tenant.ID(tenantID)
	c.HumanVerified = verified != 0
	t, err := parseTime(claimed)
	if err != nil {
		return decision.Claim{}, err
	}
	c.ClaimedAt = t
	return c, nil
}
