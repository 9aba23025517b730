package credits

import (
	"context"
	"errors"
	"fmt"
)

// externalGrantLockKey identifies the deployment-wide advisory lock held while
// applying external grants, so concurrent scheduler instances never race.
const externalGrantLockKey int64 = 7301_4215_9000_0001

// errHoldNotExpired signals that a listed hold is no longer past expiry by the
// time its critical section was entered.
var errHoldNotExpired = errors.New("hold not expired")

// ExternalGrant is one pending credit grant from an external ledger or
// billing collaborator.
type ExternalGrant struct {
	AccountID AccountID
	Amount    PositiveCredits
	Source    string
	Reference string
	Metadata  MetadataJSON
}

// GrantSource supplies pending external grants to the reconciliation sweep.
type GrantSource interface {
	PendingGrants(ctx context.Context) ([]ExternalGrant, error)
}

// ExpireHolds transitions active holds past their expiry to expired, freeing
// the reservation and appending an expire transaction per hold. Each hold is
// processed inside its account's critical section with a compare-and-set on
// status, so a user-triggered consume or release that wins the section first
// leaves the sweep with a benign no-op. Returns the number of holds expired.
func (service *Service) ExpireHolds(ctx context.Context, limit int) (int, error) {
	nowUnixUTC := service.nowFn()
	holds, err := service.store.ListExpiredHolds(ctx, nowUnixUTC, limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, hold := range holds {
		if err := service.expireHold(ctx, hold.HoldID, nowUnixUTC); err != nil {
			if errors.Is(err, ErrHoldAlreadyTerminal) || errors.Is(err, ErrHoldNotFound) || errors.Is(err, errHoldNotExpired) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func (service *Service) expireHold(ctx context.Context, holdID HoldID, nowUnixUTC int64) error {
	peek, err := service.store.GetHold(ctx, holdID)
	if err != nil {
		return err
	}
	operationError := service.inAccountTx(ctx, peek.AccountID, func(ctx context.Context, txStore Store) error {
		hold, err := txStore.GetHold(ctx, holdID)
		if err != nil {
			return err
		}
		if hold.Status.IsTerminal() {
			return ErrHoldAlreadyTerminal
		}
		if hold.ExpiresUnixUTC > nowUnixUTC {
			return errHoldNotExpired
		}
		updated, err := txStore.UpdateHoldStatus(ctx, holdID, HoldStatusActive, HoldStatusExpired)
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
		key, err := NewIdempotencyKey(idempotencyPrefixExpire + idempotencyKeyDelimiter + holdID.String())
		if err != nil {
			return err
		}
		_, err = txStore.InsertTransaction(ctx, Transaction{
			AccountID:      hold.AccountID,
			Type:           TransactionExpire,
			Amount:         hold.Amount,
			BalanceAfter:   account.Balance,
			HoldID:         &holdID,
			IdempotencyKey: key,
			MetadataJSON:   hold.MetadataJSON,
			CreatedUnixUTC: service.nowFn(),
		})
		return err
	})
	holdRef := holdID
	status := operationStatusOK
	logError := operationError
	if errors.Is(operationError, ErrHoldAlreadyTerminal) || errors.Is(operationError, errHoldNotExpired) {
		status = operationStatusNoop
		logError = nil
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationExpireHold,
		AccountID: peek.AccountID,
		HoldID:    &holdRef,
		Amount:    peek.Amount,
		Status:    status,
		Error:     logError,
	})
	return operationError
}

// SyncExternalGrants applies pending grants from source, each as an addition
// with an idempotency key derived from the grant reference. The whole pass is
// guarded by an advisory lock so multiple scheduler instances cannot apply the
// same grant twice; the derived keys are the backstop either way. Returns the
// number of newly applied grants and whether this instance held the lock.
func (service *Service) SyncExternalGrants(ctx context.Context, source GrantSource) (int, bool, error) {
	if source == nil {
		return 0, false, fmt.Errorf("%w: grant source is nil", ErrInvalidServiceConfig)
	}
	applied := 0
	acquired, err := service.store.WithAdvisoryLock(ctx, externalGrantLockKey, func(ctx context.Context) error {
		grants, err := source.PendingGrants(ctx)
		if err != nil {
			return err
		}
		for _, grant := range grants {
			key, err := NewIdempotencyKey(idempotencyPrefixExternal + idempotencyKeyDelimiter + grant.Source + idempotencyKeyDelimiter + grant.Reference)
			if err != nil {
				return err
			}
			_, replayed, err := service.credit(ctx, grant.AccountID, grant.Amount, key, grant.Metadata)
			if err != nil {
				return err
			}
			if !replayed {
				applied++
			}
		}
		return nil
	})
	if err != nil {
		return applied, acquired, err
	}
	return applied, acquired, nil
}
