package credits

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// stubStore is an in-memory Store. The txMu mutex stands in for the
// per-account row lock, so concurrent service calls serialize the same way
// they would against the real database.
type stubStore struct {
	txMu sync.Mutex

	mu           sync.Mutex
	accounts     map[string]Account
	transactions []Transaction
	byKey        map[string]Transaction
	holds        map[string]Hold

	failLocks    int
	advisoryBusy bool

	nextTransaction int
	nextHold        int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		accounts: make(map[string]Account),
		byKey:    make(map[string]Transaction),
		holds:    make(map[string]Hold),
	}
}

func (store *stubStore) WithAccountTx(ctx context.Context, accountID AccountID, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	if store.failLocks > 0 {
		store.failLocks--
		store.mu.Unlock()
		return ErrLockTimeout
	}
	store.mu.Unlock()

	store.txMu.Lock()
	defer store.txMu.Unlock()

	store.mu.Lock()
	if _, ok := store.accounts[accountID.String()]; !ok {
		store.accounts[accountID.String()] = Account{AccountID: accountID}
	}
	store.mu.Unlock()
	return fn(ctx, store)
}

func (store *stubStore) GetAccount(ctx context.Context, accountID AccountID) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[accountID.String()]
	if !ok {
		return Account{AccountID: accountID}, nil
	}
	return account, nil
}

func (store *stubStore) UpdateBalance(ctx context.Context, accountID AccountID, balance Credits) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	account := store.accounts[accountID.String()]
	account.AccountID = accountID
	account.Balance = balance
	account.Version++
	store.accounts[accountID.String()] = account
	return nil
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction Transaction) (Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	lookup := transaction.AccountID.String() + "|" + transaction.IdempotencyKey.String()
	if _, exists := store.byKey[lookup]; exists {
		return Transaction{}, ErrDuplicateIdempotencyKey
	}
	store.nextTransaction++
	transaction.TransactionID = fmt.Sprintf("tx-%d", store.nextTransaction)
	store.transactions = append(store.transactions, transaction)
	store.byKey[lookup] = transaction
	return transaction, nil
}

func (store *stubStore) FindTransactionByKey(ctx context.Context, accountID AccountID, key IdempotencyKey) (Transaction, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	transaction, ok := store.byKey[accountID.String()+"|"+key.String()]
	return transaction, ok, nil
}

func (store *stubStore) ListTransactions(ctx context.Context, accountID AccountID, filter TransactionFilter) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var matched []Transaction
	for index := len(store.transactions) - 1; index >= 0; index-- {
		transaction := store.transactions[index]
		if transaction.AccountID.String() != accountID.String() {
			continue
		}
		if !filter.matchesStub(transaction) {
			continue
		}
		matched = append(matched, transaction)
	}
	if filter.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (filter TransactionFilter) matchesStub(transaction Transaction) bool {
	if len(filter.Types) > 0 {
		found := false
		for _, transactionType := range filter.Types {
			if transaction.Type == transactionType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.HoldID != nil {
		if transaction.HoldID == nil || transaction.HoldID.String() != filter.HoldID.String() {
			return false
		}
	}
	return true
}

func (store *stubStore) Summarize(ctx context.Context, accountID AccountID, startUnixUTC int64, endUnixUTC int64) (Summary, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	summary := Summary{
		StartUnixUTC: startUnixUTC,
		EndUnixUTC:   endUnixUTC,
		ByType:       make(map[TransactionType]Credits),
	}
	for _, transaction := range store.transactions {
		if transaction.AccountID.String() != accountID.String() {
			continue
		}
		if transaction.CreatedUnixUTC < startUnixUTC || transaction.CreatedUnixUTC > endUnixUTC {
			continue
		}
		summary.ByType[transaction.Type] += transaction.Amount
		switch transaction.Type {
		case TransactionAddition:
			summary.Added += transaction.Amount
		case TransactionDeduction, TransactionConsume:
			summary.Used += transaction.Amount
		}
	}
	summary.Balance = store.accounts[accountID.String()].Balance
	return summary, nil
}

func (store *stubStore) SumSignedAmounts(ctx context.Context, accountID AccountID) (Credits, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var sum Credits
	for _, transaction := range store.transactions {
		if transaction.AccountID.String() != accountID.String() {
			continue
		}
		sum += transaction.Type.SignedAmount(transaction.Amount)
	}
	return sum, nil
}

func (store *stubStore) CreateHold(ctx context.Context, hold Hold) (Hold, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if hold.HoldID.String() == "" {
		store.nextHold++
		holdID, err := NewHoldID(fmt.Sprintf("hold-%d", store.nextHold))
		if err != nil {
			return Hold{}, err
		}
		hold.HoldID = holdID
	}
	store.holds[hold.HoldID.String()] = hold
	return hold, nil
}

func (store *stubStore) GetHold(ctx context.Context, holdID HoldID) (Hold, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	hold, ok := store.holds[holdID.String()]
	if !ok {
		return Hold{}, ErrHoldNotFound
	}
	return hold, nil
}

func (store *stubStore) UpdateHoldStatus(ctx context.Context, holdID HoldID, from HoldStatus, to HoldStatus) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	hold, ok := store.holds[holdID.String()]
	if !ok {
		return false, ErrHoldNotFound
	}
	if hold.Status != from {
		return false, nil
	}
	hold.Status = to
	store.holds[holdID.String()] = hold
	return true, nil
}

func (store *stubStore) SumActiveHolds(ctx context.Context, accountID AccountID) (Credits, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var sum Credits
	for _, hold := range store.holds {
		if hold.AccountID.String() == accountID.String() && hold.Status == HoldStatusActive {
			sum += hold.Amount
		}
	}
	return sum, nil
}

func (store *stubStore) ListExpiredHolds(ctx context.Context, nowUnixUTC int64, limit int) ([]Hold, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var expired []Hold
	for _, hold := range store.holds {
		if hold.Status == HoldStatusActive && hold.ExpiresUnixUTC <= nowUnixUTC {
			expired = append(expired, hold)
		}
		if limit > 0 && len(expired) == limit {
			break
		}
	}
	return expired, nil
}

func (store *stubStore) WithAdvisoryLock(ctx context.Context, key int64, fn func(ctx context.Context) error) (bool, error) {
	store.mu.Lock()
	if store.advisoryBusy {
		store.mu.Unlock()
		return false, nil
	}
	store.mu.Unlock()
	return true, fn(ctx)
}

func (store *stubStore) transactionsOfType(transactionType TransactionType) []Transaction {
	store.mu.Lock()
	defer store.mu.Unlock()
	var matched []Transaction
	for _, transaction := range store.transactions {
		if transaction.Type == transactionType {
			matched = append(matched, transaction)
		}
	}
	return matched
}

func (store *stubStore) mustHold(test *testing.T, holdID HoldID) Hold {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	hold, ok := store.holds[holdID.String()]
	if !ok {
		test.Fatalf("hold %s not found", holdID.String())
	}
	return hold
}
