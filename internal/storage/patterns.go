package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/recond/internal/heuristics"
	"github.com/fyrsmithlabs/recond/internal/tenant"
)

// PatternStore implements heuristics.Store.
type PatternStore struct {
	db *sql.DB
}

var _ heuristics.Store = (*PatternStore)(nil)

const patternColumns = `partition_key, hash, pattern, weights, success, usage_count, version, last_used, updated_at`

func (s *PatternStore) GetPattern(ctx context.Context, partition, hash string) (*heuristics.Pattern, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM heuristic_patterns
		WHERE partition_key = ? AND hash = ?`, partition, hash)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// PutPattern writes every row in one transaction.
func (s *PatternStore) PutPattern(ctx context.Context, rows ...heuristics.Pattern) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning pattern write: %w", err)
	}
	for _, p := range rows {
		if err := putPattern(ctx, tx, p); err != nil {
			rollback(tx)
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing patterns: %w", err)
	}
	return nil
}

func putPattern(ctx context.Context, tx *sql.Tx, p heuristics.Pattern) error {
	names, err := json.Marshal(p.Names)
	if err != nil {
		return fmt.Errorf("encoding pattern: %w", err)
	}
	weights, err := json.Marshal(p.Weights)
	if err != nil {
		return fmt.Errorf("encoding weights: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO heuristic_patterns (`+patternColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (partition_key, hash) DO UPDATE SET
			pattern = excluded.pattern,
			weights = excluded.weights,
			success = excluded.success,
			usage_count = excluded.usage_count,
			version = excluded.version,
			last_used = excluded.last_used,
			updated_at = excluded.updated_at`,
		p.Partition, p.Hash, string(names), string(weights), p.Success, p.Usage, p.Version,
		formatTime(p.LastUsed), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("writing pattern %s/%s: %w", p.Partition, p.Hash, err)
	}
	return nil
}

func (s *PatternStore) ListPatterns(ctx context.Context, partition string) ([]heuristics.Pattern, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+patternColumns+` FROM heuristic_patterns
		WHERE partition_key = ? ORDER BY hash`, partition)
	if err != nil {
		return nil, fmt.Errorf("querying patterns: %w", err)
	}
	defer rows.Close()

	var out []heuristics.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PatternStore) GetPolicy(ctx context.Context, tenantID tenant.ID) (*heuristics.TenantPolicy, error) {
	var p heuristics.TenantPolicy
	var updated string
	err := s.db.QueryRowContext(ctx, `SELECT t_high, t_mid, version, updated_at FROM tenant_policies WHERE tenant_id = ?`,
		tenantID.String()).Scan(&p.Thresholds.High, &p.Thresholds.Mid, &p.Version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying policy: %w", err)
	}
	p.TenantID = tenantID
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PatternStore) PutPolicy(ctx context.Context, p heuristics.TenantPolicy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_policies (tenant_id, t_high, t_mid, version, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			t_high = excluded.t_high,
			t_mid = excluded.t_mid,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		p.TenantID.String(), p.Thresholds.High, p.Thresholds.Mid, p.Version, formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("writing policy for %s: %w", p.TenantID, err)
	}
	return nil
}

func scanPattern(row scanner) (heuristics.Pattern, error) {
	var p heuristics.Pattern
	var names, weights, lastUsed, updated string
	if err := row.Scan(&p.Partition, &p.Hash, &names, &weights, &p.Success, &p.Usage, &p.Version, &lastUsed, &updated); err != nil {
		return heuristics.Pattern{}, err
	}
	if err := json.Unmarshal([]byte(names), &p.Names); err != nil {
		return heuristics.Pattern{}, fmt.Errorf("decoding pattern %s: %w", p.Hash, err)
	}
	if err := json.Unmarshal([]byte(weights), &p.Weights); err != nil {
		return heuristics.Pattern{}, fmt.Errorf("decoding weights %s: %w", p.Hash, err)
	}
	var err error
	if p.LastUsed, err = parseTime(lastUsed); err != nil {
		return heuristics.Pattern{}, err
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return heuristics.Pattern{}, err
	}
	return p, nil
}
