package repositories

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/milestone-escrow/backend/internal/models"
)

type PaymentRepo struct {
	pool *pgxpool.Pool
}

func NewPaymentRepo(pool *pgxpool.Pool) *PaymentRepo {
	return &PaymentRepo{pool: pool}
}

const paymentColumns = `id, transfer_id, contract_id, milestone_id, kind, amount, status, from_address, to_address,
	block_height, block_time, explorer_link, failure_reason, created_at, updated_at`

func scanPayment(row rowScanner) (*models.Payment, error) {
	var p models.Payment
	err := row.Scan(&p.ID, &p.TransferID, &p.ContractID, &p.MilestoneID, &p.Kind, &p.Amount, &p.Status, &p.FromAddress, &p.ToAddress,
		&p.BlockHeight, &p.BlockTime, &p.ExplorerLink, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepo) GetPaymentByTransferID(ctx context.Context, transferID string) (*models.Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE transfer_id = $1`, transferID))
}

// ListPayments returns a contract's payments oldest first. Empty kind means all kinds.
func (r *PaymentRepo) ListPayments(ctx context.Context, contractID uuid.UUID, kind string) ([]models.Payment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE contract_id = $1 AND ($2 = '' OR kind = $2)
		ORDER BY created_at
	`, contractID, kind)
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

func (r *PaymentRepo) ListPendingPayments(ctx context.Context, limit int) ([]models.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`, models.PaymentStatusPending, limit)
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

func collectPayments(rows pgx.Rows) ([]models.Payment, error) {
	defer rows.Close()
	var payments []models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

// RecordPayment inserts p and, when c is non-nil, applies the contract update
// in the same transaction. A known transfer id yields ErrDuplicateTransfer and
// a stale version ErrVersionConflict; in both cases nothing is committed.
func (r *PaymentRepo) RecordPayment(ctx context.Context, p *models.Payment, c *models.Contract, expectedVersion int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `
		INSERT INTO payments (transfer_id, contract_id, milestone_id, kind, amount, status, from_address, to_address,
		                      block_height, block_time, explorer_link, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (transfer_id) DO NOTHING
		RETURNING id, created_at, updated_at
	`, p.TransferID, p.ContractID, p.MilestoneID, p.Kind, p.Amount, p.Status, p.FromAddress, p.ToAddress,
		p.BlockHeight, p.BlockTime, p.ExplorerLink, p.FailureReason,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicateTransfer
	}
	if err != nil {
		return err
	}

	if c != nil {
		if err := updateContract(ctx, tx, c, expectedVersion); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	if c != nil {
		c.Version = expectedVersion + 1
	}
	return nil
}

// SettlePayment moves a PENDING payment to its final status, optionally
// together with a contract update.
func (r *PaymentRepo) SettlePayment(ctx context.Context, p *models.Payment, c *models.Contract, expectedVersion int64) error {
	if !models.IsValidPaymentTransition(models.PaymentStatusPending, p.Status) {
		return ErrPaymentNotPending
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `
		UPDATE payments
		SET status = $2, amount = $3, from_address = COALESCE($4, from_address), block_height = $5, block_time = $6,
		    explorer_link = COALESCE($7, explorer_link), failure_reason = $8, updated_at = now()
		WHERE id = $1 AND status = $9
		RETURNING updated_at
	`, p.ID, p.Status, p.Amount, p.FromAddress, p.BlockHeight, p.BlockTime, p.ExplorerLink, p.FailureReason,
		models.PaymentStatusPending,
	).Scan(&p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrPaymentNotPending
	}
	if err != nil {
		return err
	}

	if c != nil {
		if err := updateContract(ctx, tx, c, expectedVersion); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	if c != nil {
		c.Version = expectedVersion + 1
	}
	return nil
}
