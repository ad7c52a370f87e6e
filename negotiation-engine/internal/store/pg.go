package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/slashbills/Main/negotiation-engine/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS negotiations (
	id              TEXT PRIMARY KEY,
	bill_id         TEXT NOT NULL,
	owner_id        TEXT NOT NULL,
	provider        TEXT NOT NULL,
	category        TEXT NOT NULL,
	status          TEXT NOT NULL,
	original_rate   NUMERIC(12,2) NOT NULL,
	plan            JSONB,
	call_handle     TEXT,
	attempts        JSONB NOT NULL DEFAULT '[]'::jsonb,
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ,
	new_rate        NUMERIC(12,2),
	monthly_savings NUMERIC(12,2),
	total_savings   NUMERIC(12,2),
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS negotiations_owner_idx ON negotiations (owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS negotiations_status_idx ON negotiations (status);
`

const negotiationColumns = `id, bill_id, owner_id, provider, category, status, original_rate, plan, call_handle,
	attempts, started_at, completed_at, new_rate, monthly_savings, total_savings, created_at, updated_at`

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Migrate creates the negotiations table when it does not exist.
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate negotiations: %w", err)
	}
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PGStore) Create(ctx context.Context, in CreateInput) (models.Negotiation, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	query := `
		INSERT INTO negotiations (id, bill_id, owner_id, provider, category, status, original_rate)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING ` + negotiationColumns
	row := s.db.QueryRowContext(ctx, query, in.ID, in.BillID, in.OwnerID, in.Provider, string(in.Category), string(models.StatusPending), in.OriginalRate)
	n, err := scanNegotiation(row)
	if err != nil {
		return models.Negotiation{}, fmt.Errorf("insert negotiation: %w", err)
	}
	return n, nil
}

func (s *PGStore) Get(ctx context.Context, id string) (models.Negotiation, error) {
	query := `SELECT ` + negotiationColumns + ` FROM negotiations WHERE id=$1`
	n, err := scanNegotiation(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Negotiation{}, ErrNotFound
		}
		return models.Negotiation{}, fmt.Errorf("get negotiation: %w", err)
	}
	return n, nil
}

// Update applies upd in a single statement; appended attempts are concatenated server side.
func (s *PGStore) Update(ctx context.Context, id string, upd NegotiationUpdate) (models.Negotiation, error) {
	var status, plan any
	if upd.Status != nil {
		status = string(*upd.Status)
	}
	if upd.Plan != nil {
		raw, err := json.Marshal(upd.Plan)
		if err != nil {
			return models.Negotiation{}, fmt.Errorf("marshal plan: %w", err)
		}
		plan = raw
	}
	attempts := []byte(`[]`)
	if len(upd.AppendAttempts) > 0 {
		raw, err := json.Marshal(upd.AppendAttempts)
		if err != nil {
			return models.Negotiation{}, fmt.Errorf("marshal attempts: %w", err)
		}
		attempts = raw
	}
	setHandle := upd.CallHandle != nil
	var handle any
	if setHandle && *upd.CallHandle != "" {
		handle = *upd.CallHandle
	}
	var startedAt, completedAt any
	if upd.StartedAt != nil {
		startedAt = *upd.StartedAt
	}
	if upd.CompletedAt != nil {
		completedAt = *upd.CompletedAt
	}

	query := `
		UPDATE negotiations
		SET status=COALESCE($2, status),
		    plan=COALESCE($3::jsonb, plan),
		    call_handle=CASE WHEN $4 THEN $5 ELSE call_handle END,
		    attempts=attempts || $6::jsonb,
		    started_at=COALESCE(started_at, $7),
		    completed_at=COALESCE(completed_at, $8),
		    new_rate=COALESCE($9, new_rate),
		    monthly_savings=COALESCE($10, monthly_savings),
		    total_savings=COALESCE($11, total_savings),
		    updated_at=NOW()
		WHERE id=$1
		RETURNING ` + negotiationColumns
	row := s.db.QueryRowContext(ctx, query,
		id, status, plan, setHandle, handle, attempts, startedAt, completedAt,
		decimalArg(upd.NewRate), decimalArg(upd.MonthlySavings), decimalArg(upd.TotalSavings),
	)
	n, err := scanNegotiation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Negotiation{}, ErrNotFound
		}
		return models.Negotiation{}, fmt.Errorf("update negotiation: %w", err)
	}
	return n, nil
}

func (s *PGStore) ListByOwner(ctx context.Context, ownerID string) ([]models.Negotiation, error) {
	query := `SELECT ` + negotiationColumns + ` FROM negotiations WHERE owner_id=$1 ORDER BY created_at DESC`
	return s.query(ctx, "list negotiations by owner", query, ownerID)
}

func (s *PGStore) ListActive(ctx context.Context) ([]models.Negotiation, error) {
	query := `SELECT ` + negotiationColumns + ` FROM negotiations
		WHERE status NOT IN ('success','failed','cancelled') ORDER BY created_at`
	return s.query(ctx, "list active negotiations", query)
}

func (s *PGStore) query(ctx context.Context, op, query string, args ...any) ([]models.Negotiation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := make([]models.Negotiation, 0)
	for rows.Next() {
		n, err := scanNegotiation(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNegotiation(row rowScanner) (models.Negotiation, error) {
	var (
		n                                     models.Negotiation
		category, status                      string
		plan, attempts                        []byte
		handle                                sql.NullString
		startedAt, completedAt                sql.NullTime
		newRate, monthlySavings, totalSavings decimal.NullDecimal
	)
	err := row.Scan(
		&n.ID, &n.BillID, &n.OwnerID, &n.Provider, &category, &status, &n.OriginalRate,
		&plan, &handle, &attempts, &startedAt, &completedAt,
		&newRate, &monthlySavings, &totalSavings, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return models.Negotiation{}, err
	}
	n.Category = models.Category(category)
	n.Status = models.Status(status)
	n.CallHandle = handle.String
	if len(plan) > 0 {
		var p models.Plan
		if err := json.Unmarshal(plan, &p); err != nil {
			return models.Negotiation{}, fmt.Errorf("decode plan: %w", err)
		}
		n.Plan = &p
	}
	n.Attempts = []models.Attempt{}
	if len(attempts) > 0 {
		if err := json.Unmarshal(attempts, &n.Attempts); err != nil {
			return models.Negotiation{}, fmt.Errorf("decode attempts: %w", err)
		}
	}
	if startedAt.Valid {
		ts := startedAt.Time.UTC()
		n.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := completedAt.Time.UTC()
		n.CompletedAt = &ts
	}
	n.NewRate = nullDecimalPtr(newRate)
	n.MonthlySavings = nullDecimalPtr(monthlySavings)
	n.TotalSavings = nullDecimalPtr(totalSavings)
	return n, nil
}

func decimalArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullDecimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}
