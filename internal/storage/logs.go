package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/recond/internal/decision"
	"github.com/fyrsmithlabs/recond/internal/reconlog"
	"github.com/fyrsmithlabs/recond/internal/tenant"
	"github.com/shopspring/decimal"
)

// LogStore implements reconlog.Store.
type LogStore struct {
	db *sql.DB
}

var _ reconlog.Store = (*LogStore)(nil)

const logColumns = `seq, id, tenant_id, run_id, internal_id, external_id, status, score, trace,
	explanation, human_verified, verifier_id, supersedes_id, created_at`

func (s *LogStore) Append(ctx context.Context, entries ...reconlog.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning log append: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO recon_logs (id, tenant_id, run_id, internal_id, external_id, status, score, trace,
			explanation, human_verified, verifier_id, supersedes_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		rollback(tx)
		return fmt.Errorf("preparing log insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		trace, err := json.Marshal(e.Trace)
		if err != nil {
			rollback(tx)
			return fmt.Errorf("encoding trace for %s: %w", e.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.TenantID.String(), e.RunID, e.InternalID, e.ExternalID, string(e.Status),
			e.Score.StringFixed(4), string(trace), e.Explanation, boolInt(e.HumanVerified),
			e.VerifierID, e.SupersedesID, formatTime(e.CreatedAt),
		); err != nil {
			rollback(tx)
			return fmt.Errorf("inserting log %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

func (s *LogStore) Get(ctx context.Context, tenantID tenant.ID, id string) (*reconlog.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+logColumns+` FROM recon_logs WHERE tenant_id = ? AND id = ?`,
		tenantID.String(), id)
	e, err := scanLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reconlog.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *LogStore) List(ctx context.Context, tenantID tenant.ID, f reconlog.Filter) ([]reconlog.Entry, error) {
	where := []string{"tenant_id = ?"}
	args := []any{tenantID.String()}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.InternalID != "" {
		where = append(where, "internal_id = ?")
		args = append(args, f.InternalID)
	}
	if f.ExternalID != "" {
		where = append(where, "external_id = ?")
		args = append(args, f.ExternalID)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(f.Until))
	}
	q := `SELECT ` + logColumns + ` FROM recon_logs WHERE ` + strings.Join(where, " AND ") + ` ORDER BY seq ASC`
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return s.query(ctx, q, args...)
}

func (s *LogStore) Latest(ctx context.Context, tenantID tenant.ID) (map[string]reconlog.Entry, error) {
	entries, err := s.query(ctx, `SELECT `+logColumns+` FROM recon_logs
		WHERE seq IN (SELECT MAX(seq) FROM recon_logs WHERE tenant_id = ? GROUP BY internal_id)
		ORDER BY seq ASC`, tenantID.String())
	if err != nil {
		return nil, err
	}
	out := make(map[string]reconlog.Entry, len(entries))
	for _, e := range entries {
		out[e.InternalID] = e
	}
	return out, nil
}

func (s *LogStore) Tenants(ctx context.Context) ([]tenant.ID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM recon_logs ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("listing log tenants: %w", err)
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

func (s *LogStore) query(ctx context.Context, q string, args ...any) ([]reconlog.Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying logs: %w", err)
	}
	defer rows.Close()

	var out []reconlog.Entry
	for rows.Next() {
		e, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLog(row scanner) (reconlog.Entry, error) {
	var e reconlog.Entry
	var tenantID, status, score, trace, created string
	var verified int
	if err := row.Scan(&e.Seq, &e.ID, &tenantID, &e.RunID, &e.InternalID, &e.ExternalID, &status,
		&score, &trace, &e.Explanation, &verified, &e.VerifierID, &e.SupersedesID, &created); err != nil {
		return reconlog.Entry{}, err
	}
	e.TenantID = tenant.ID(tenantID)
	e.Status = decision.Status(status)
	e.HumanVerified = verified != 0

	d, err := decimal.NewFromString(score)
	if err != nil {
		return reconlog.Entry{}, fmt.Errorf("parsing score for %s: %w", e.ID, err)
	}
	e.Score = d
	if err := json.Unmarshal([]byte(trace), &e.Trace); err != nil {
		return reconlog.Entry{}, fmt.Errorf("decoding trace for %s: %w", e.ID, err)
	}
	if e.CreatedAt, err = parseTime(created); err != nil {
		return reconlog.Entry{}, err
	}
	return e, nil
}
