package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/milestone-escrow/backend/internal/models"
)

type ContractRepo struct {
	pool *pgxpool.Pool
}

func NewContractRepo(pool *pgxpool.Pool) *ContractRepo {
	return &ContractRepo{pool: pool}
}

type ContractFilter struct {
	PartyID *uuid.UUID // client or freelancer
	State   *string
	Limit   int
	Offset  int
}

const contractColumns = `id, client_id, freelancer_id, job_id, total_amount, escrow_address, fee_rate_bps, fee_payer,
	state, funding, milestones, datum, cancel_reason, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func scanContract(row rowScanner) (*models.Contract, error) {
	var c models.Contract
	var milestonesBytes, datumBytes []byte
	err := row.Scan(&c.ID, &c.ClientID, &c.FreelancerID, &c.JobID, &c.TotalAmount, &c.EscrowAddress, &c.FeeRateBPS, &c.FeePayer,
		&c.State, &c.Funding, &milestonesBytes, &datumBytes, &c.CancelReason, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(milestonesBytes, &c.Milestones); err != nil {
		return nil, fmt.Errorf("decode milestones: %w", err)
	}
	if err := json.Unmarshal(datumBytes, &c.Datum); err != nil {
		return nil, fmt.Errorf("decode datum: %w", err)
	}
	return &c, nil
}

func (r *ContractRepo) CreateContract(ctx context.Context, c *models.Contract) error {
	milestonesBytes, err := json.Marshal(c.Milestones)
	if err != nil {
		return err
	}
	datumBytes, err := json.Marshal(c.Datum)
	if err != nil {
		return err
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO contracts (client_id, freelancer_id, job_id, total_amount, escrow_address, fee_rate_bps, fee_payer,
		                       state, funding, milestones, datum, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1)
		RETURNING id, version, created_at, updated_at
	`, c.ClientID, c.FreelancerID, c.JobID, c.TotalAmount, c.EscrowAddress, c.FeeRateBPS, c.FeePayer,
		c.State, c.Funding, milestonesBytes, datumBytes,
	).Scan(&c.ID, &c.Version, &c.CreatedAt, &c.UpdatedAt)
}

func (r *ContractRepo) GetContract(ctx context.Context, id uuid.UUID) (*models.Contract, error) {
	return scanContract(r.pool.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id))
}

// UpdateContract writes the mutable fields only if the stored version still
// equals expectedVersion. Parties, amounts and fee rate are never rewritten.
func (r *ContractRepo) UpdateContract(ctx context.Context, c *models.Contract, expectedVersion int64) error {
	if err := updateContract(ctx, r.pool, c, expectedVersion); err != nil {
		return err
	}
	c.Version = expectedVersion + 1
	return nil
}

func updateContract(ctx context.Context, q execer, c *models.Contract, expectedVersion int64) error {
	milestonesBytes, err := json.Marshal(c.Milestones)
	if err != nil {
		return err
	}
	datumBytes, err := json.Marshal(c.Datum)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, `
		UPDATE contracts
		SET state = $2, funding = $3, milestones = $4, datum = $5, cancel_reason = $6,
		    version = version + 1, updated_at = $7
		WHERE id = $1 AND version = $8
	`, c.ID, c.State, c.Funding, milestonesBytes, datumBytes, c.CancelReason, c.UpdatedAt, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r *ContractRepo) ListContracts(ctx context.Context, f ContractFilter) ([]models.Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts`
	args := []any{}
	argIdx := 1
	where := []string{}

	if f.PartyID != nil {
		where = append(where, fmt.Sprintf("(client_id = $%d OR freelancer_id = $%d)", argIdx, argIdx))
		args = append(args, *f.PartyID)
		argIdx++
	}
	if f.State != nil {
		where = append(where, fmt.Sprintf("state = $%d", argIdx))
		args = append(args, *f.State)
		argIdx++
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	limit, offset := models.ContractPage(f.Limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contracts []models.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, *c)
	}
	return contracts, rows.Err()
}

// ListUnfundedContracts returns PENDING contracts created before cutoff that have no payments at all.
func (r *ContractRepo) ListUnfundedContracts(ctx context.Context, cutoff time.Time, limit int) ([]models.Contract, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+contractColumns+` FROM contracts c
		WHERE c.state = $1 AND c.created_at < $2
		  AND NOT EXISTS (SELECT 1 FROM payments p WHERE p.contract_id = c.id)
		ORDER BY c.created_at
		LIMIT $3
	`, models.ContractStatePending, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contracts []models.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, *c)
	}
	return contracts, rows.Err()
}
