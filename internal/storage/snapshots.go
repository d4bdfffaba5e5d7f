package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/recond/internal/reflection"
	"github.com/fyrsmithlabs/recond/internal/tenant"
)

// SnapshotStore implements reflection.SnapshotStore.
type SnapshotStore struct {
	db *sql.DB
}

var _ reflection.SnapshotStore = (*SnapshotStore)(nil)

func (s *SnapshotStore) Save(ctx context.Context, snap reflection.Snapshot) error {
	metrics, err := json.Marshal(snap.Metrics)
	if err != nil {
		return fmt.Errorf("encoding metrics: %w", err)
	}
	issues, err := json.Marshal(nonNil(snap.Issues))
	if err != nil {
		return fmt.Errorf("encoding issues: %w", err)
	}
	proposals, err := json.Marshal(nonNil(snap.Proposals))
	if err != nil {
		return fmt.Errorf("encoding proposals: %w", err)
	}
	recs, err := json.Marshal(nonNil(snap.Recommendations))
	if err != nil {
		return fmt.Errorf("encoding recommendations: %w", err)
	}
	appliedAt := ""
	if snap.AppliedAt != nil {
		appliedAt = formatTime(*snap.AppliedAt)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reflection_snapshots (id, tenant_id, window_start, window_end, metrics, issues, proposals,
			recommendations, applied, applied_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.TenantID.String(), formatTime(snap.WindowStart), formatTime(snap.WindowEnd),
		string(metrics), string(issues), string(proposals), string(recs),
		boolInt(snap.Applied), appliedAt, formatTime(snap.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting snapshot %s: %w", snap.ID, err)
	}
	return nil
}

func (s *SnapshotStore) MarkApplied(ctx context.Context, tenantID tenant.ID, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE reflection_snapshots SET applied = 1, applied_at = ?
		WHERE tenant_id = ? AND id = ?`, formatTime(at), tenantID.String(), id)
	if err != nil {
		return fmt.Errorf("marking snapshot %s applied: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return reflection.ErrSnapshotNotFound
	}
	return nil
}

func (s *SnapshotStore) List(ctx context.Context, tenantID tenant.ID, limit int) ([]reflection.Snapshot, error) {
	q := `SELECT id, tenant_id, window_start, window_end, metrics, issues, proposals, recommendations,
		applied, applied_at, created_at FROM reflection_snapshots WHERE tenant_id = ?
		ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, q, tenantID.String())
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()

	var out []reflection.Snapshot
	for rows.Next() {
		var snap reflection.Snapshot
		var id, start, end, metrics, issues, proposals, recs, appliedAt, created string
		var applied int
		if err := rows.Scan(&snap.ID, &id, &start, &end, &metrics, &issues, &proposals, &recs, &applied, &appliedAt, &created); err != nil {
			return nil, err
		}
		snap.TenantID = tenant.ID(id)
		snap.Applied = applied != 0
		for _, f := range []struct {
			raw string
			dst any
		}{
			{metrics, &snap.Metrics},
			{issues, &snap.Issues},
			{proposals, &snap.Proposals},
			{recs, &snap.Recommendations},
		} {
			if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
				return nil, fmt.Errorf("decoding snapshot %s: %w", snap.ID, err)
			}
		}
		if snap.WindowStart, err = parseTime(start); err != nil {
			return nil, err
		}
		if snap.WindowEnd, err = parseTime(end); err != nil {
			return nil, err
		}
		if snap.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if appliedAt != "" {
			t, err := parseTime(appliedAt)
			if err != nil {
				return nil, err
			}
			snap.AppliedAt = &t
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
