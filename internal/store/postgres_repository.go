/**
 * @description
 * This file provides the PostgreSQL implementation of the Repository interface.
 * It contains the concrete logic for the transaction ledger and the transfer
 * journal (transfer_attempts) that backs reconciliation.
 *
 * @dependencies
 * - context, errors, fmt, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver.
 * - github.com/shopspring/decimal: NUMERIC(20,2) balances.
 * - internal/domain: For the domain models.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/banking/transaction-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrAttemptNotFound         = errors.New("transfer attempt not found")
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already in use")
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
	maxReasonLength  = 2000
)

// PostgresRepository is the concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const transactionColumns = `id, account_id, type, amount, target_account_id, idempotency_key, attempt_id, timestamp`

// RecordTransaction inserts the ledger record, marks its attempt as recorded and
// enqueues the outbox events in a single database transaction. The record's ID
// and Timestamp are assigned here. It returns the IDs of the outbox rows.
func (r *PostgresRepository) RecordTransaction(
	ctx context.Context,
	attemptID uuid.UUID,
	record *domain.TransactionRecord,
	events []OutboxEvent,
) ([]int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	record.AttemptID = attemptID
	err = tx.QueryRow(ctx, `
		INSERT INTO transactions (account_id, type, amount, target_account_id, idempotency_key, attempt_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, timestamp
	`,
		record.AccountID,
		string(record.Type),
		record.Amount,
		record.TargetAccountID,
		record.IdempotencyKey,
		attemptID,
	).Scan(&record.ID, &record.Timestamp)
	if err != nil {
		if isUniqueViolation(err, "") {
			return nil, ErrDuplicateIdempotencyKey
		}
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE transfer_attempts
		SET state = $2, transaction_id = $3, failure_reason = NULL, updated_at = NOW()
		WHERE id = $1
	`, attemptID, string(domain.AttemptRecorded), record.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark attempt recorded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrAttemptNotFound
	}

	outboxIDs := make([]int64, 0, len(events))
	for _, event := range events {
		event.Event.TransactionID = record.ID
		id, err := enqueueEventTx(ctx, tx, event.Exchange, event.RoutingKey, event.Event)
		if err != nil {
			return nil, err
		}
		outboxIDs = append(outboxIDs, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return outboxIDs, nil
}

// GetTransaction returns a single ledger record by id.
func (r *PostgresRepository) GetTransaction(ctx context.Context, id int64) (*domain.TransactionRecord, error) {
	row := r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

func (r *PostgresRepository) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.TransactionRecord, error) {
	row := r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = $1`, key)
	return scanTransaction(row)
}

func (r *PostgresRepository) FindTransactionByAttemptID(ctx context.Context, attemptID uuid.UUID) (*domain.TransactionRecord, error) {
	row := r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE attempt_id = $1`, attemptID)
	return scanTransaction(row)
}

// ListTransactions returns records in insertion order. When an account filter is
// set it matches either side of a transfer.
func (r *PostgresRepository) ListTransactions(ctx context.Context, opts domain.TransactionListOptions) ([]domain.TransactionRecord, error) {
	limit := normalizeListLimit(opts.Limit)
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		rows pgx.Rows
		err  error
	)
	if opts.AccountID != nil {
		rows, err = r.db.Query(ctx, `
			SELECT `+transactionColumns+`
			FROM transactions
			WHERE account_id = $1 OR target_account_id = $1
			ORDER BY id ASC
			LIMIT $2 OFFSET $3
		`, *opts.AccountID, limit, offset)
	} else {
		rows, err = r.db.Query(ctx, `
			SELECT `+transactionColumns+`
			FROM transactions
			ORDER BY id ASC
			LIMIT $1 OFFSET $2
		`, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.TransactionRecord, 0, limit)
	for rows.Next() {
		record, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

// DeleteTransaction removes a ledger record. Administrative use only.
func (r *PostgresRepository) DeleteTransaction(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM transactions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// CreateAttempt journals a new transfer attempt. A live attempt already holding
// the same idempotency key yields ErrDuplicateIdempotencyKey.
func (r *PostgresRepository) CreateAttempt(ctx context.Context, attempt *domain.TransferAttempt) error {
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO transfer_attempts (
			id, idempotency_key, source_account_id, target_account_id, type, amount, state
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`,
		attempt.ID,
		attempt.IdempotencyKey,
		attempt.SourceAccountID,
		attempt.TargetAccountID,
		string(attempt.Kind),
		attempt.Amount,
		string(attempt.State),
	).Scan(&attempt.CreatedAt, &attempt.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "uq_transfer_attempts_live_idempotency_key") {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to create transfer attempt: %w", err)
	}
	return nil
}

// UpdateAttempt persists the mutable journal fields of attempt.
func (r *PostgresRepository) UpdateAttempt(ctx context.Context, attempt *domain.TransferAttempt) error {
	reason := attempt.FailureReason
	if reason != nil {
		trimmed := truncateReason(*reason)
		reason = &trimmed
	}
	err := r.db.QueryRow(ctx, `
		UPDATE transfer_attempts
		SET state = $2,
			source_debited = $3,
			target_credited = $4,
			source_compensated = $5,
			source_user_id = $6,
			target_user_id = $7,
			source_balance_from = $8,
			source_balance_to = $9,
			target_balance_from = $10,
			target_balance_to = $11,
			source_refund_from = $12,
			source_refund_to = $13,
			failure_reason = $14,
			transaction_id = COALESCE($15, transaction_id),
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`,
		attempt.ID,
		string(attempt.State),
		attempt.SourceDebited,
		attempt.TargetCredited,
		attempt.SourceCompensated,
		attempt.SourceUserID,
		attempt.TargetUserID,
		nullDecimal(attempt.SourceBalanceFrom),
		nullDecimal(attempt.SourceBalanceTo),
		nullDecimal(attempt.TargetBalanceFrom),
		nullDecimal(attempt.TargetBalanceTo),
		nullDecimal(attempt.SourceRefundFrom),
		nullDecimal(attempt.SourceRefundTo),
		reason,
		attempt.TransactionID,
	).Scan(&attempt.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAttemptNotFound
		}
		return err
	}
	return nil
}

const attemptColumns = `
	id, idempotency_key, source_account_id, target_account_id, type, amount, state,
	source_debited, target_credited, source_compensated, source_user_id, target_user_id,
	source_balance_from, source_balance_to, target_balance_from, target_balance_to,
	source_refund_from, source_refund_to, failure_reason, transaction_id, created_at, updated_at`

const claimedAttemptColumns = `
	a.id, a.idempotency_key, a.source_account_id, a.target_account_id, a.type, a.amount, a.state,
	a.source_debited, a.target_credited, a.source_compensated, a.source_user_id, a.target_user_id,
	a.source_balance_from, a.source_balance_to, a.target_balance_from, a.target_balance_to,
	a.source_refund_from, a.source_refund_to, a.failure_reason, a.transaction_id, a.created_at, a.updated_at`

func (r *PostgresRepository) GetAttempt(ctx context.Context, id uuid.UUID) (*domain.TransferAttempt, error) {
	row := r.db.QueryRow(ctx, `SELECT `+attemptColumns+` FROM transfer_attempts WHERE id = $1`, id)
	return scanAttempt(row)
}

// FindLiveAttemptByIdempotencyKey returns the attempt currently owning key. Aborted
// and compensated attempts left no effects and release the key.
func (r *PostgresRepository) FindLiveAttemptByIdempotencyKey(ctx context.Context, key string) (*domain.TransferAttempt, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+attemptColumns+`
		FROM transfer_attempts
		WHERE idempotency_key = $1 AND state NOT IN ('aborted', 'compensated')
		ORDER BY created_at DESC
		LIMIT 1
	`, key)
	return scanAttempt(row)
}

// ClaimAttemptsForReconciliation leases partial failures and non-terminal
// attempts that have not progressed since staleBefore. Leased attempts are
// skipped by other passes until the lease expires or is released, so two
// reconcilers never act on the same attempt.
func (r *PostgresRepository) ClaimAttemptsForReconciliation(
	ctx context.Context,
	staleBefore time.Time,
	lease time.Duration,
	limit int,
) ([]domain.TransferAttempt, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	leaseSeconds := int(lease / time.Second)
	if leaseSeconds <= 0 {
		leaseSeconds = 300
	}

	rows, err := r.db.Query(ctx, `
		WITH candidates AS (
			SELECT id
			FROM transfer_attempts
			WHERE state NOT IN ('done', 'aborted', 'compensated')
			  AND (state = 'partial_failure' OR updated_at < $1)
			  AND (reconcile_claimed_until IS NULL OR reconcile_claimed_until < NOW())
			ORDER BY updated_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE transfer_attempts AS a
		SET reconcile_claimed_until = NOW() + ($3 * INTERVAL '1 second')
		FROM candidates
		WHERE a.id = candidates.id
		RETURNING `+claimedAttemptColumns+`
	`, staleBefore, limit, leaseSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attempts := make([]domain.TransferAttempt, 0)
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(attempts, func(i, j int) bool { return attempts[i].UpdatedAt.Before(attempts[j].UpdatedAt) })
	return attempts, nil
}

// ReleaseAttemptClaim ends the reconciliation lease on an attempt.
func (r *PostgresRepository) ReleaseAttemptClaim(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `UPDATE transfer_attempts SET reconcile_claimed_until = NULL WHERE id = $1`, id)
	return err
}

func scanTransaction(row pgx.Row) (*domain.TransactionRecord, error) {
	var (
		record domain.TransactionRecord
		kind   string
	)
	err := row.Scan(
		&record.ID,
		&record.AccountID,
		&kind,
		&record.Amount,
		&record.TargetAccountID,
		&record.IdempotencyKey,
		&record.AttemptID,
		&record.Timestamp,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	record.Type = domain.TransactionKind(kind)
	return &record, nil
}

func scanAttempt(row pgx.Row) (*domain.TransferAttempt, error) {
	var (
		attempt                                    domain.TransferAttempt
		kind, state                                string
		sourceFrom, sourceTo, targetFrom, targetTo decimal.NullDecimal
		refundFrom, refundTo                       decimal.NullDecimal
	)
	err := row.Scan(
		&attempt.ID,
		&attempt.IdempotencyKey,
		&attempt.SourceAccountID,
		&attempt.TargetAccountID,
		&kind,
		&attempt.Amount,
		&state,
		&attempt.SourceDebited,
		&attempt.TargetCredited,
		&attempt.SourceCompensated,
		&attempt.SourceUserID,
		&attempt.TargetUserID,
		&sourceFrom,
		&sourceTo,
		&targetFrom,
		&targetTo,
		&refundFrom,
		&refundTo,
		&attempt.FailureReason,
		&attempt.TransactionID,
		&attempt.CreatedAt,
		&attempt.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}
	attempt.Kind = domain.TransactionKind(kind)
	attempt.State = domain.AttemptState(state)
	attempt.SourceBalanceFrom = decimalPtr(sourceFrom)
	attempt.SourceBalanceTo = decimalPtr(sourceTo)
	attempt.TargetBalanceFrom = decimalPtr(targetFrom)
	attempt.TargetBalanceTo = decimalPtr(targetTo)
	attempt.SourceRefundFrom = decimalPtr(refundFrom)
	attempt.SourceRefundTo = decimalPtr(refundTo)
	return &attempt, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func decimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func normalizeListLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// truncateReason caps reason at maxReasonLength bytes without splitting a
// multi-byte character, which Postgres would reject as invalid UTF-8.
func truncateReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if len(reason) <= maxReasonLength {
		return reason
	}
	cut := maxReasonLength
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// isUniqueViolation reports whether err is a PostgreSQL unique violation,
// optionally restricted to a named constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
