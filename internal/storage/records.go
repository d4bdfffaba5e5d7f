package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/recond/internal/record"
	"github.com/fyrsmithlabs/recond/internal/tenant"
)

// RecordStore implements record.Store. Raw records are stored as JSON so
// they are normalized again on every run.
type RecordStore struct {
	db *sql.DB
}

var _ record.Store = (*RecordStore)(nil)

func (s *RecordStore) PutRaw(ctx context.Context, recs []record.Raw) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning record import: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO raw_records (tenant_id, id, source_kind, payload, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			source_kind = excluded.source_kind,
			payload = excluded.payload,
			updated_at = excluded.updated_at`)
	if err != nil {
		rollback(tx)
		return 0, fmt.Errorf("preparing record insert: %w", err)
	}
	defer stmt.Close()

	now := formatTime(time.Now())
	for _, r := range recs {
		payload, err := json.Marshal(r)
		if err != nil {
			rollback(tx)
			return 0, fmt.Errorf("encoding record %s: %w", r.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, r.TenantID, r.ID, r.SourceKind, string(payload), now); err != nil {
			rollback(tx)
			return 0, fmt.Errorf("inserting record %s: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(recs), nil
}

func (s *RecordStore) ListRaw(ctx context.Context, tenantID tenant.ID) ([]record.Raw, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM raw_records WHERE tenant_id = ? ORDER BY id`, tenantID.String())
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	var out []record.Raw
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var r record.Raw
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("decoding staged record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *RecordStore) Tenants(ctx context.Context) ([]tenant.ID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM raw_records ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("listing record tenants: %w", err)
	}
	defer rows.Close()

	var out []tenant.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, tenant.ID(id))
	}
	return out, rows.Err()
}
