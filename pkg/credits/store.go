package credits

import "context"

// Store is the persistence contract used by Service.
//
// WithAccountTx is the per-account critical section: it runs fn inside a
// storage transaction that holds an exclusive lock on the account row, creating
// the account first if it does not exist. Implementations must return
// ErrLockTimeout (wrapped is fine) when the lock cannot be acquired within the
// deployment's bound, and must roll the whole transaction back when fn errors.
type Store interface {
	WithAccountTx(ctx context.Context, accountID AccountID, fn func(ctx context.Context, txStore Store) error) error

	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	UpdateBalance(ctx context.Context, accountID AccountID, balance Credits) error

	InsertTransaction(ctx context.Context, transaction Transaction) (Transaction, error)
	FindTransactionByKey(ctx context.Context, accountID AccountID, key IdempotencyKey) (Transaction, bool, error)
	ListTransactions(ctx context.Context, accountID AccountID, filter TransactionFilter) ([]Transaction, error)
	Summarize(ctx context.Context, accountID AccountID, startUnixUTC int64, endUnixUTC int64) (Summary, error)
	SumSignedAmounts(ctx context.Context, accountID AccountID) (Credits, error)

	CreateHold(ctx context.Context, hold Hold) (Hold, error)
	GetHold(ctx context.Context, holdID HoldID) (Hold, error)
	UpdateHoldStatus(ctx context.Context, holdID HoldID, from HoldStatus, to HoldStatus) (bool, error)
	SumActiveHolds(ctx context.Context, accountID AccountID) (Credits, error)
	ListExpiredHolds(ctx context.Context, nowUnixUTC int64, limit int) ([]Hold, error)

	// WithAdvisoryLock runs fn while holding a deployment-wide lock identified
	// by key, reporting false without running fn when another instance holds it.
	WithAdvisoryLock(ctx context.Context, key int64, fn func(ctx context.Context) error) (bool, error)
}
