package app

import (
	"strings"

	"github.com/banking/transaction-service/internal/domain"
)

const maxIdempotencyKeyLength = 128

// ValidateRequest checks a create request and returns its normalised form.
// Rules run in order and the first failure wins. headerKey is the value of the
// Idempotency-Key header, if any.
func ValidateRequest(req domain.CreateTransactionRequest, headerKey string) (domain.TransferRequest, error) {
	kind := domain.TransactionKind(strings.ToLower(strings.TrimSpace(req.Type)))
	if !kind.Valid() {
		return domain.TransferRequest{}, ErrInvalidKind
	}

	if !req.Amount.IsPositive() || !req.Amount.Equal(domain.NormalizeMoney(req.Amount)) || req.Amount.GreaterThan(domain.MaxAmount) {
		return domain.TransferRequest{}, ErrInvalidAmount
	}

	var target *int64
	if kind == domain.KindTransfer {
		if req.TargetAccountID == nil {
			return domain.TransferRequest{}, ErrMissingTarget
		}
		if *req.TargetAccountID == req.AccountID {
			return domain.TransferRequest{}, ErrSelfTransfer
		}
		id := *req.TargetAccountID
		target = &id
	}

	if req.AccountID <= 0 || (target != nil && *target <= 0) {
		return domain.TransferRequest{}, ErrInvalidAccount
	}

	key, err := resolveIdempotencyKey(headerKey, req.IdempotencyKey)
	if err != nil {
		return domain.TransferRequest{}, err
	}

	return domain.TransferRequest{
		SourceAccountID: req.AccountID,
		Kind:            kind,
		Amount:          domain.NormalizeMoney(req.Amount),
		TargetAccountID: target,
		IdempotencyKey:  key,
	}, nil
}

func resolveIdempotencyKey(headerKey, bodyKey string) (string, error) {
	header := strings.TrimSpace(headerKey)
	body := strings.TrimSpace(bodyKey)
	if header != "" && body != "" && header != body {
		return "", ErrInvalidIdempotencyKey
	}
	key := header
	if key == "" {
		key = body
	}
	if len(key) > maxIdempotencyKeyLength {
		return "", ErrInvalidIdempotencyKey
	}
	return key, nil
}
