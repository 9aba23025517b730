package credits

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultHoldTTL is applied when a caller places a hold without a TTL.
const DefaultHoldTTL = 15 * time.Minute

// Service contains the balance-store and hold-manager logic over a Store.
// Every mutating operation runs inside the per-account critical section and is
// retried on lock contention per the configured LockRetryPolicy.
type Service struct {
	store       Store
	nowFn       func() int64
	logger      OperationLogger
	retryPolicy LockRetryPolicy
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, retryPolicy: DefaultLockRetryPolicy()}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// GetBalance returns the committed balance and the available balance
// (balance minus active holds). Read-only, no critical section.
func (service *Service) GetBalance(ctx context.Context, accountID AccountID) (Balance, error) {
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	holds, err := service.store.SumActiveHolds(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	available := account.Balance - holds
	if available < 0 {
		return Balance{}, WrapError("service", "balance", "negative_available", ErrInvalidBalance)
	}
	return Balance{Balance: account.Balance, Available: available}, nil
}

// Credit adds funds and appends an addition transaction. Replaying the same
// idempotency key returns the previously recorded transaction.
func (service *Service) Credit(ctx context.Context, accountID AccountID, amount PositiveCredits, key IdempotencyKey, metadata MetadataJSON) (Transaction, error) {
	transaction, _, operationError := service.credit(ctx, accountID, amount, key, metadata)
	return transaction, operationError
}

func (service *Service) credit(ctx context.Context, accountID AccountID, amount PositiveCredits, key IdempotencyKey, metadata MetadataJSON) (Transaction, bool, error) {
	var result Transaction
	var replayed bool
	operationError := service.inAccountTx(ctx, accountID, func(ctx context.Context, txStore Store) error {
		existing, found, err := txStore.FindTransactionByKey(ctx, accountID, key)
		if err != nil {
			return err
		}
		if found {
			result = existing
			replayed = true
			return nil
		}
		account, err := txStore.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		newBalance := account.Balance + amount.ToCredits()
		if err := txStore.UpdateBalance(ctx, accountID, newBalance); err != nil {
			return err
		}
		stored, err := txStore.InsertTransaction(ctx, Transaction{
			AccountID:      accountID,
			Type:           TransactionAddition,
			Amount:         amount.ToCredits(),
			BalanceAfter:   newBalance,
			IdempotencyKey: key,
			MetadataJSON:   metadata,
			CreatedUnixUTC: service.nowFn(),
		})
		if err != nil {
			return err
		}
		result = stored
		return nil
	})
	result, replayed, operationError = service.recoverDuplicate(ctx, accountID, key, result, replayed, operationError)
	service.logOperation(ctx, OperationLog{
		Operation:      operationCredit,
		AccountID:      accountID,
		Amount:         amount.ToCredits(),
		IdempotencyKey: key,
		Status:         replayStatus(replayed),
		Error:          operationError,
	})
	return result, replayed, operationError
}

// Debit deducts funds immediately (no hold) and appends a deduction
// transaction. Fails with ErrInsufficientCredits when available < amount.
func (service *Service) Debit(ctx context.Context, accountID AccountID, amount PositiveCredits, key IdempotencyKey, metadata MetadataJSON) (Transaction, error) {
	var result Transaction
	var replayed bool
	operationError := service.inAccountTx(ctx, accountID, func(ctx context.Context, txStore Store) error {
		existing, found, err := txStore.FindTransactionByKey(ctx, accountID, key)
		if err != nil {
			return err
		}
		if found {
			result = existing
			replayed = true
			return nil
		}
		account, err := txStore.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		holds, err := txStore.SumActiveHolds(ctx, accountID)
		if err != nil {
			return err
		}
		if account.Balance-holds < amount.ToCredits() {
			return ErrInsufficientCredits
		}
		newBalance := account.Balance - amount.ToCredits()
		if err := txStore.UpdateBalance(ctx, accountID, newBalance); err != nil {
			return err
		}
		stored, err := txStore.InsertTransaction(ctx, Transaction{
			AccountID:      accountID,
			Type:           TransactionDeduction,
			Amount:         amount.ToCredits(),
			BalanceAfter:   newBalance,
			IdempotencyKey: key,
			MetadataJSON:   metadata,
			CreatedUnixUTC: service.nowFn(),
		})
		if err != nil {
			return err
		}
		result = stored
		return nil
	})
	result, replayed, operationError = service.recoverDuplicate(ctx, accountID, key, result, replayed, operationError)
	service.logOperation(ctx, OperationLog{
		Operation:      operationDebit,
		AccountID:      accountID,
		Amount:         amount.ToCredits(),
		IdempotencyKey: key,
		Status:         replayStatus(replayed),
		Error:          operationError,
	})
	return result, operationError
}

// PlaceHold reserves amount against the available balance for ttl and appends
// a hold transaction. The balance itself does not move until the hold is
// consumed. Replaying the same idempotency key returns the original hold.
func (service *Service) PlaceHold(ctx context.Context, accountID AccountID, amount PositiveCredits, ttl time.Duration, key IdempotencyKey, metadata MetadataJSON) (Hold, Transaction, error) {
	if ttl <= 0 {
		ttl = DefaultHoldTTL
	}
	// Round up so a sub-second TTL still yields a nonzero reservation window.
	ttlSeconds := int64(ttl / time.Second)
	if ttl%time.Second != 0 {
		ttlSeconds++
	}
	var resultHold Hold
	var resultTransaction Transaction
	var replayed bool
	operationError := service.inAccountTx(ctx, accountID, func(ctx context.Context, txStore Store) error {
		existing, found, err := txStore.FindTransactionByKey(ctx, accountID, key)
		if err != nil {
			return err
		}
		if found {
			if existing.HoldID == nil {
				return WrapError("service", "hold", "replay_without_hold", ErrDuplicateIdempotencyKey)
			}
			hold, err := txStore.GetHold(ctx, *existing.HoldID)
			if err != nil {
				return err
			}
			resultHold = hold
			resultTransaction = existing
			replayed = true
			return nil
		}
		account, err := txStore.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		holds, err := txStore.SumActiveHolds(ctx, accountID)
		if err != nil {
			return err
		}
		if account.Balance-holds < amount.ToCredits() {
			return ErrInsufficientCredits
		}
		nowUnixUTC := service.nowFn()
		hold, err := txStore.CreateHold(ctx, Hold{
			AccountID:      accountID,
			Amount:         amount.ToCredits(),
			Status:         HoldStatusActive,
			MetadataJSON:   metadata,
			CreatedUnixUTC: nowUnixUTC,
			ExpiresUnixUTC: nowUnixUTC + ttlSeconds,
		})
		if err != nil {
			return err
		}
		holdID := hold.HoldID
		stored, err := txStore.InsertTransaction(ctx, Transaction{
			AccountID:      accountID,
			Type:           TransactionHold,
			Amount:         amount.ToCredits(),
			BalanceAfter:   account.Balance,
			HoldID:         &holdID,
			IdempotencyKey: key,
			MetadataJSON:   metadata,
			CreatedUnixUTC: nowUnixUTC,
		})
		if err != nil {
			return err
		}
		resultHold = hold
		resultTransaction = stored
		return nil
	})
	var holdRef *HoldID
	if resultHold.HoldID.String() != "" {
		holdID := resultHold.HoldID
		holdRef = &holdID
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationPlaceHold,
		AccountID:      accountID,
		HoldID:         holdRef,
		Amount:         amount.ToCredits(),
		IdempotencyKey: key,
		Status:         replayStatus(replayed),
		Error:          operationError,
	})
	return resultHold, resultTransaction, operationError
}

// ConsumeHold converts an active hold into a committed deduction: the hold is
// marked consumed and the balance decremented in one transaction. Fails with
// ErrHoldNotFound or ErrHoldAlreadyTerminal.
func (service *Service) ConsumeHold(ctx context.Context, holdID HoldID, key IdempotencyKey) (Transaction, error) {
	peek, err := service.store.GetHold(ctx, holdID)
	if err != nil {
		return Transaction{}, err
	}
	var result Transaction
	var replayed bool
	operationError := service.inAccountTx(ctx, peek.AccountID, func(ctx context.Context, txStore Store) error {
		existing, found, err := txStore.FindTransactionByKey(ctx, peek.AccountID, key)
		if err != nil {
			return err
		}
		if found {
			if existing.Type != TransactionConsume || existing.HoldID == nil || *existing.HoldID != holdID {
				return WrapError("service", "consume", "key_reused", ErrDuplicateIdempotencyKey)
			}
			result = existing
			replayed = true
			return nil
		}
		hold, err := txStore.GetHold(ctx, holdID)
		if err != nil {
			return err
		}
		if hold.Status.IsTerminal() {
			return ErrHoldAlreadyTerminal
		}
		updated, err := txStore.UpdateHoldStatus(ctx, holdID, HoldStatusActive, HoldStatusConsumed)
		if err != nil {
			return err
		}
		if !updated {
			return ErrHoldAlreadyTerminal
		}
		account, err := txStore.GetAccount(ctx, hold.AccountID)
		if err != nil {
			return err
		}
		newBalance := account.Balance - hold.Amount
		if newBalance < 0 {
			return WrapError("service", "balance", "negative_balance", ErrInvalidBalance)
		}
		if err := txStore.UpdateBalance(ctx, hold.AccountID, newBalance); err != nil {
			return err
		}
		stored, err := txStore.InsertTransaction(ctx, Transaction{
			AccountID:      hold.AccountID,
			Type:           TransactionConsume,
			Amount:         hold.Amount,
			BalanceAfter:   newBalance,
			HoldID:         &holdID,
			IdempotencyKey: key,
			MetadataJSON:   hold.MetadataJSON,
			CreatedUnixUTC: service.nowFn(),
		})
		if err != nil {
			return err
		}
		result = stored
		return nil
	})
	holdRef := holdID
	service.logOperation(ctx, OperationLog{
		Operation:      operationConsumeHold,
		AccountID:      peek.AccountID,
		HoldID:         &holdRef,
		Amount:         peek.Amount,
		IdempotencyKey: key,
		Status:         replayStatus(replayed),
		Error:          operationError,
	})
	return result, operationError
}

// ReleaseHold frees an active reservation without touching the balance and
// appends a release transaction. A hold that already reached a terminal state
// is a no-op, not an error.
func (service *Service) ReleaseHold(ctx context.Context, holdID HoldID, key IdempotencyKey) error {
	peek, err := service.store.GetHold(ctx, holdID)
	if err != nil {
		return err
	}
	var noop bool
	operationError := service.inAccountTx(ctx, peek.AccountID, func(ctx context.Context, txStore Store) error {
		existing, found, err := txStore.FindTransactionByKey(ctx, peek.AccountID, key)
		if err != nil {
			return err
		}
		if found {
			if !isReleaseOf(existing, holdID) {
				return WrapError("service", "release", "key_reused", ErrDuplicateIdempotencyKey)
			}
			noop = true
			return nil
		}
		hold, err := txStore.GetHold(ctx, holdID)
		if err != nil {
			return err
		}
		if hold.Status.IsTerminal() {
			noop = true
			return nil
		}
		updated, err := txStore.UpdateHoldStatus(ctx, holdID, HoldStatusActive, HoldStatusReleased)
		if err != nil {
			return err
		}
		if !updated {
			noop = true
			return nil
		}
		account, err := txStore.GetAccount(ctx, hold.AccountID)
		if err != nil {
			return err
		}
		_, err = txStore.InsertTransaction(ctx, Transaction{
			AccountID:      hold.AccountID,
			Type:           TransactionRelease,
			Amount:         hold.Amount,
			BalanceAfter:   account.Balance,
			HoldID:         &holdID,
			IdempotencyKey: key,
			MetadataJSON:   hold.MetadataJSON,
			CreatedUnixUTC: service.nowFn(),
		})
		return err
	})
	// A concurrent retry may have hit the unique index after our lookup
	// missed; that retry already recorded this hold's release.
	if operationError != nil && errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		existing, found, err := service.store.FindTransactionByKey(ctx, peek.AccountID, key)
		if err == nil && found && isReleaseOf(existing, holdID) {
			noop = true
			operationError = nil
		}
	}
	status := operationStatusOK
	if noop {
		status = operationStatusNoop
	}
	holdRef := holdID
	service.logOperation(ctx, OperationLog{
		Operation:      operationReleaseHold,
		AccountID:      peek.AccountID,
		HoldID:         &holdRef,
		Amount:         peek.Amount,
		IdempotencyKey: key,
		Status:         status,
		Error:          operationError,
	})
	return operationError
}

// ListTransactions lists the account's transactions, newest first.
func (service *Service) ListTransactions(ctx context.Context, accountID AccountID, filter TransactionFilter) ([]Transaction, error) {
	return service.store.ListTransactions(ctx, accountID, filter)
}

// Summarize aggregates the account's activity over a window.
func (service *Service) Summarize(ctx context.Context, accountID AccountID, startUnixUTC int64, endUnixUTC int64) (Summary, error) {
	if endUnixUTC == 0 {
		endUnixUTC = service.nowFn()
	}
	return service.store.Summarize(ctx, accountID, startUnixUTC, endUnixUTC)
}

// VerifyBalance checks that the signed sum of the account's transactions
// equals its materialized balance.
func (service *Service) VerifyBalance(ctx context.Context, accountID AccountID) (bool, error) {
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	sum, err := service.store.SumSignedAmounts(ctx, accountID)
	if err != nil {
		return false, err
	}
	return sum == account.Balance, nil
}

// inAccountTx enters the per-account critical section with bounded lock retry.
func (service *Service) inAccountTx(ctx context.Context, accountID AccountID, fn func(ctx context.Context, txStore Store) error) error {
	return withLockRetry(ctx, service.retryPolicy, func() error {
		return service.store.WithAccountTx(ctx, accountID, fn)
	})
}

// recoverDuplicate resolves the race where a concurrent retry hit the unique
// idempotency index after our in-transaction lookup missed: the recorded
// result is returned instead of the constraint error.
func (service *Service) recoverDuplicate(ctx context.Context, accountID AccountID, key IdempotencyKey, result Transaction, replayed bool, operationError error) (Transaction, bool, error) {
	if operationError == nil || !errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		return result, replayed, operationError
	}
	existing, found, err := service.store.FindTransactionByKey(ctx, accountID, key)
	if err != nil || !found {
		return result, replayed, operationError
	}
	return existing, true, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Error != nil {
		entry.Status = operationStatusError
	} else if entry.Status == "" {
		entry.Status = operationStatusOK
	}
	service.logger.LogOperation(ctx, entry)
}

func isReleaseOf(transaction Transaction, holdID HoldID) bool {
	return transaction.Type == TransactionRelease && transaction.HoldID != nil && *transaction.HoldID == holdID
}

func replayStatus(replayed bool) string {
	if replayed {
		return operationStatusReplay
	}
	return operationStatusOK
}
