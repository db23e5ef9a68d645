// Package ledger manages owner credit balances as an append-only ledger.
// A balance is never stored; it is always the sum of an owner's entries,
// so every mutation is an insert and history doubles as the audit trail.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/internal/models"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/pkg/logging"
)

var (
	ErrInsufficientBalance  = errors.New("insufficient credit balance")
	ErrCodeNotFound         = errors.New("redeem code not found")
	ErrCodeExpired          = errors.New("redeem code expired")
	ErrCodeExhausted        = errors.New("redeem code exhausted")
	ErrCodeAlreadyRedeemed  = errors.New("redeem code already used by owner")
	ErrRefundAlreadyApplied = errors.New("refund already recorded for job")
)

// Ledger provides all credit balance operations against Postgres.
type Ledger struct {
	db     *sql.DB
	logger logging.Logger
}

func New(db *sql.DB, logger logging.Logger) *Ledger {
	return &Ledger{db: db, logger: logger}
}

// Balance returns the owner's current balance as the sum of their entries.
// An owner with no entries has a balance of zero.
func (l *Ledger) Balance(ctx context.Context, ownerID string) (int, error) {
	var balance int
	err := l.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(delta), 0) FROM credit_ledger WHERE owner_id = $1
	`, ownerID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

// Entries returns the owner's ledger history, newest first.
func (l *Ledger) Entries(ctx context.Context, ownerID string, limit, offset int) ([]models.CreditLedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, owner_id, delta, reason, related_job_id, reference, created_at
		FROM credit_ledger
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var entries []models.CreditLedgerEntry
	for rows.Next() {
		var e models.CreditLedgerEntry
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.Delta, &e.Reason, &e.RelatedJobID, &e.Reference, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DebitTx records a debit for a job inside an existing transaction. The
// caller owns the transaction; the balance check and insert see the same
// snapshot, and the serializable isolation level set by the caller keeps
// two concurrent debits from both passing the check.
func (l *Ledger) DebitTx(ctx context.Context, tx *sql.Tx, ownerID string, amount int, jobID string) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("debit amount must be positive, got %d", amount)
	}

	var balance int
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(delta), 0) FROM credit_ledger WHERE owner_id = $1
	`, ownerID).Scan(&balance)
	if err != nil {
		return "", fmt.Errorf("failed to read balance: %w", err)
	}
	if balance < amount {
		return "", ErrInsufficientBalance
	}

	entryID := uuid.New().String()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_ledger (id, owner_id, delta, reason, related_job_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, entryID, ownerID, -amount, models.LedgerReasonDebit, jobID)
	if err != nil {
		return "", fmt.Errorf("failed to insert debit entry: %w", err)
	}
	return entryID, nil
}

// Credit appends a positive entry. The reference makes the grant
// idempotent: replaying the same (reason, reference) pair returns the
// existing entry id instead of crediting twice.
func (l *Ledger) Credit(ctx context.Context, ownerID string, amount int, reason string, reference *string) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	entryID := uuid.New().String()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO credit_ledger (id, owner_id, delta, reason, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, entryID, ownerID, amount, reason, reference)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" && reference != nil {
			var existingID string
			qerr := l.db.QueryRowContext(ctx, `
				SELECT id FROM credit_ledger WHERE reason = $1 AND reference = $2
			`, reason, *reference).Scan(&existingID)
			if qerr != nil {
				return "", fmt.Errorf("failed to load existing credit entry: %w", qerr)
			}
			l.logger.WithFields(logging.Fields{
				"owner_id":  ownerID,
				"reason":    reason,
				"reference": *reference,
			}).Info("Duplicate credit suppressed, returning existing entry")
			return existingID, nil
		}
		return "", fmt.Errorf("failed to insert credit entry: %w", err)
	}
	return entryID, nil
}

// Refund re-credits the debit taken for a failed or cancelled job. The
// partial unique index on (related_job_id) for refund entries guarantees
// at most one refund per job no matter how many paths race to apply it.
func (l *Ledger) Refund(ctx context.Context, ownerID string, amount int, jobID string) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("refund amount must be positive, got %d", amount)
	}

	entryID := uuid.New().String()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO credit_ledger (id, owner_id, delta, reason, related_job_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, entryID, ownerID, amount, models.LedgerReasonRefund, jobID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			l.logger.WithFields(logging.Fields{
				"owner_id": ownerID,
				"job_id":   jobID,
			}).Info("Refund already applied for job, skipping")
			return "", ErrRefundAlreadyApplied
		}
		return "", fmt.Errorf("failed to insert refund entry: %w", err)
	}

	l.logger.WithFields(logging.Fields{
		"owner_id": ownerID,
		"job_id":   jobID,
		"amount":   amount,
	}).Info("Refunded credits for job")
	return entryID, nil
}

// NormalizeCode canonicalizes a redeem code for storage and lookup.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Redeem applies a promotional code for an owner. Code validation, the
// use-count increment, the per-owner usage record, and the credit all
// commit or roll back together.
func (l *Ledger) Redeem(ctx context.Context, ownerID, code string) (int, error) {
	code = NormalizeCode(code)
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	var rc models.RedeemCode
	err = tx.QueryRowContext(ctx, `
		SELECT code, credits_granted, max_uses, current_uses, is_active, expires_at
		FROM redeem_codes
		WHERE code = $1
		FOR UPDATE
	`, code).Scan(&rc.Code, &rc.CreditsGranted, &rc.MaxUses, &rc.CurrentUses, &rc.IsActive, &rc.ExpiresAt)
	if err == sql.ErrNoRows {
		return 0, ErrCodeNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load redeem code: %w", err)
	}

	if !rc.IsActive {
		return 0, ErrCodeNotFound
	}
	if rc.ExpiresAt != nil && rc.ExpiresAt.Before(time.Now()) {
		return 0, ErrCodeExpired
	}
	if rc.CurrentUses >= rc.MaxUses {
		return 0, ErrCodeExhausted
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO redeem_code_uses (code, owner_id, created_at)
		VALUES ($1, $2, NOW())
	`, code, ownerID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return 0, ErrCodeAlreadyRedeemed
		}
		return 0, fmt.Errorf("failed to record code use: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE redeem_codes SET current_uses = current_uses + 1 WHERE code = $1
	`, code)
	if err != nil {
		return 0, fmt.Errorf("failed to increment code uses: %w", err)
	}

	reference := fmt.Sprintf("redeem:%s:%s", code, ownerID)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_ledger (id, owner_id, delta, reason, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, uuid.New().String(), ownerID, rc.CreditsGranted, models.LedgerReasonRedeemCode, reference)
	if err != nil {
		return 0, fmt.Errorf("failed to insert redeem credit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit redeem: %w", err)
	}

	l.logger.WithFields(logging.Fields{
		"owner_id": ownerID,
		"code":     code,
		"credits":  rc.CreditsGranted,
	}).Info("Redeem code applied")
	return rc.CreditsGranted, nil
}

// CreateRedeemCode registers a new promotional code.
func (l *Ledger) CreateRedeemCode(ctx context.Context, code string, creditsGranted, maxUses int, expiresAt *time.Time) error {
	if creditsGranted <= 0 || maxUses <= 0 {
		return fmt.Errorf("credits_granted and max_uses must be positive")
	}
	code = NormalizeCode(code)
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO redeem_codes (code, credits_granted, max_uses, current_uses, is_active, expires_at, created_at)
		VALUES ($1, $2, $3, 0, TRUE, $4, NOW())
	`, code, creditsGranted, maxUses, expiresAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("redeem code %q already exists", code)
		}
		return fmt.Errorf("failed to create redeem code: %w", err)
	}
	return nil
}
