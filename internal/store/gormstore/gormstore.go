// Package gormstore implements credits.Store on GORM, backed by PostgreSQL or
// SQLite. The per-account critical section is a row lock on the account row:
// FOR UPDATE NOWAIT on postgres, the driver's busy handling on sqlite.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/meterline/creditledger/pkg/credits"
	"github.com/meterline/creditledger/pkg/rates"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	defaultListLimit      = 50
	dialectPostgres       = "postgres"
	pgUniqueViolationCode = "23505"
	pgLockNotAvailable    = "55P03"
	sqliteConstraintCode  = 19
	sqliteBusyCode        = 5
	sqliteLockedCode      = 6

	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectBalance     = "balance"
	errorSubjectTransaction = "transaction"
	errorSubjectHold        = "hold"
	errorSubjectRate        = "rate"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLock           = "lock"
	errorCodeSum            = "sum"
	errorCodeSummarize      = "summarize"
	errorCodeUpdate         = "update"
)

// Store implements credits.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates every table.
func (store *Store) AutoMigrate() error {
	return store.db.AutoMigrate(Models()...)
}

// WithAccountTx runs fn inside a transaction holding an exclusive lock on the
// account row, creating the account on first touch. Lock contention surfaces
// as credits.ErrLockTimeout.
func (store *Store) WithAccountTx(ctx context.Context, accountID credits.AccountID, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		txStore := &Store{db: transaction}
		if err := txStore.lockAccount(ctx, accountID); err != nil {
			return err
		}
		return fn(ctx, txStore)
	})
}

func (store *Store) lockAccount(ctx context.Context, accountID credits.AccountID) error {
	var account Account
	err := store.db.WithContext(ctx).
		Where(Account{AccountID: accountID.String()}).
		FirstOrCreate(&account).Error
	if err != nil && !isUniqueViolation(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}

	query := store.db.WithContext(ctx).Where("account_id = ?", accountID.String())
	if store.dialect() == dialectPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "NOWAIT"})
	}
	err = query.Take(&account).Error
	if isLockUnavailable(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeLock, credits.ErrLockTimeout)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	return nil
}

// GetAccount returns the account row, or a zero-balance view for an account
// that has never been touched (reads stay side-effect free).
func (store *Store) GetAccount(ctx context.Context, accountID credits.AccountID) (credits.Account, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Account{AccountID: accountID}, nil
	}
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return credits.Account{
		AccountID: accountID,
		Balance:   credits.Credits(account.Balance),
		Version:   account.Version,
	}, nil
}

// UpdateBalance writes the new balance and bumps the version token.
func (store *Store) UpdateBalance(ctx context.Context, accountID credits.AccountID, balance credits.Credits) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Updates(map[string]interface{}{
			"balance": balance.Int64(),
			"version": gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, gorm.ErrRecordNotFound)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction credits.Transaction) (credits.Transaction, error) {
	var holdID *string
	if transaction.HoldID != nil {
		value := transaction.HoldID.String()
		holdID = &value
	}
	createdAt := time.Unix(transaction.CreatedUnixUTC, 0).UTC()
	if transaction.CreatedUnixUTC == 0 {
		createdAt = time.Now().UTC()
	}
	row := CreditTransaction{
		AccountID:      transaction.AccountID.String(),
		Type:           transaction.Type.String(),
		Amount:         transaction.Amount.Int64(),
		BalanceAfter:   transaction.BalanceAfter.Int64(),
		HoldID:         holdID,
		IdempotencyKey: transaction.IdempotencyKey.String(),
		Metadata:       metadataJSON(transaction.MetadataJSON.String()),
		CreatedAt:      createdAt,
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, credits.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	stored, err := mapTransaction(row)
	if err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return stored, nil
}

func (store *Store) FindTransactionByKey(ctx context.Context, accountID credits.AccountID, key credits.IdempotencyKey) (credits.Transaction, bool, error) {
	var row CreditTransaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND idempotency_key = ?", accountID.String(), key.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Transaction{}, false, nil
	}
	if err != nil {
		return credits.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return credits.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, true, nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID credits.AccountID, filter credits.TransactionFilter) ([]credits.Transaction, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String())
	if len(filter.Types) > 0 {
		types := make([]string, 0, len(filter.Types))
		for _, transactionType := range filter.Types {
			types = append(types, transactionType.String())
		}
		query = query.Where("type IN ?", types)
	}
	if filter.HoldID != nil {
		query = query.Where("hold_id = ?", filter.HoldID.String())
	}

	var rows []CreditTransaction
	err := query.
		Order("created_at DESC").
		Order("transaction_id DESC").
		Offset(filter.Offset).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}

	transactions := make([]credits.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) Summarize(ctx context.Context, accountID credits.AccountID, startUnixUTC int64, endUnixUTC int64) (credits.Summary, error) {
	start := time.Unix(startUnixUTC, 0).UTC()
	end := time.Unix(endUnixUTC, 0).UTC()

	var grouped []struct {
		Type  string
		Total int64
	}
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Select("type, coalesce(sum(amount),0) as total").
		Where("account_id = ? AND created_at >= ? AND created_at <= ?", accountID.String(), start, end).
		Group("type").
		Scan(&grouped).Error
	if err != nil {
		return credits.Summary{}, wrapStoreError(errorSubjectTransaction, errorCodeSummarize, err)
	}

	summary := credits.Summary{
		StartUnixUTC: startUnixUTC,
		EndUnixUTC:   endUnixUTC,
		ByType:       make(map[credits.TransactionType]credits.Credits, len(grouped)),
	}
	for _, group := range grouped {
		transactionType, err := credits.ParseTransactionType(group.Type)
		if err != nil {
			return credits.Summary{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		summary.ByType[transactionType] = credits.Credits(group.Total)
		switch transactionType {
		case credits.TransactionAddition:
			summary.Added += credits.Credits(group.Total)
		case credits.TransactionDeduction, credits.TransactionConsume:
			summary.Used += credits.Credits(group.Total)
		}
	}

	account, err := store.GetAccount(ctx, accountID)
	if err != nil {
		return credits.Summary{}, err
	}
	summary.Balance = account.Balance
	return summary, nil
}

// SumSignedAmounts reconstructs the balance from the transaction log.
func (store *Store) SumSignedAmounts(ctx context.Context, accountID credits.AccountID) (credits.Credits, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Select("coalesce(sum(case when type = 'addition' then amount when type in ('deduction','consume') then -amount else 0 end),0) as total").
		Where("account_id = ?", accountID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return credits.Credits(sum.Total), nil
}

func (store *Store) CreateHold(ctx context.Context, hold credits.Hold) (credits.Hold, error) {
	row := CreditHold{
		HoldID:    hold.HoldID.String(),
		AccountID: hold.AccountID.String(),
		Amount:    hold.Amount.Int64(),
		Status:    hold.Status.String(),
		Metadata:  metadataJSON(hold.MetadataJSON.String()),
		ExpiresAt: time.Unix(hold.ExpiresUnixUTC, 0).UTC(),
		CreatedAt: time.Unix(hold.CreatedUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return credits.Hold{}, wrapStoreError(errorSubjectHold, errorCodeCreate, err)
	}
	stored, err := mapHold(row)
	if err != nil {
		return credits.Hold{}, wrapStoreError(errorSubjectHold, errorCodeInvalid, err)
	}
	return stored, nil
}

func (store *Store) GetHold(ctx context.Context, holdID credits.HoldID) (credits.Hold, error) {
	var row CreditHold
	err := store.db.WithContext(ctx).
		Where("hold_id = ?", holdID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Hold{}, wrapStoreError(errorSubjectHold, errorCodeGet, credits.ErrHoldNotFound)
	}
	if err != nil {
		return credits.Hold{}, wrapStoreError(errorSubjectHold, errorCodeGet, err)
	}
	hold, err := mapHold(row)
	if err != nil {
		return credits.Hold{}, wrapStoreError(errorSubjectHold, errorCodeInvalid, err)
	}
	return hold, nil
}

// UpdateHoldStatus is the compare-and-set on the hold lifecycle: it reports
// false when the hold was no longer in the from state.
func (store *Store) UpdateHoldStatus(ctx context.Context, holdID credits.HoldID, from credits.HoldStatus, to credits.HoldStatus) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&CreditHold{}).
		Where("hold_id = ? AND status = ?", holdID.String(), from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectHold, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) SumActiveHolds(ctx context.Context, accountID credits.AccountID) (credits.Credits, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&CreditHold{}).
		Select("coalesce(sum(amount),0) as total").
		Where("account_id = ? AND status = ?", accountID.String(), credits.HoldStatusActive.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectHold, errorCodeSum, err)
	}
	return credits.Credits(sum.Total), nil
}

func (store *Store) ListExpiredHolds(ctx context.Context, nowUnixUTC int64, limit int) ([]credits.Hold, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var rows []CreditHold
	err := store.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", credits.HoldStatusActive.String(), time.Unix(nowUnixUTC, 0).UTC()).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectHold, errorCodeList, err)
	}
	holds := make([]credits.Hold, 0, len(rows))
	for _, row := range rows {
		hold, err := mapHold(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectHold, errorCodeInvalid, err)
		}
		holds = append(holds, hold)
	}
	return holds, nil
}

// WithAdvisoryLock serializes fn across instances through a postgres advisory
// lock. On sqlite there is a single writer, so the lock is reported held.
func (store *Store) WithAdvisoryLock(ctx context.Context, key int64, fn func(ctx context.Context) error) (bool, error) {
	if store.dialect() != dialectPostgres {
		return true, fn(ctx)
	}
	acquired := false
	err := store.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		var got bool
		if err := conn.Raw("SELECT pg_try_advisory_lock(?)", key).Scan(&got).Error; err != nil {
			return wrapStoreError(errorSubjectAccount, errorCodeLock, err)
		}
		if !got {
			return nil
		}
		acquired = true
		defer func() {
			_ = conn.Exec("SELECT pg_advisory_unlock(?)", key).Error
		}()
		return fn(ctx)
	})
	return acquired, err
}

// ReplaceRateConfig atomically replaces the persisted rate configuration.
func (store *Store) ReplaceRateConfig(ctx context.Context, config rates.Config) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Where("1 = 1").Delete(&CreditRate{}).Error; err != nil {
			return wrapStoreError(errorSubjectRate, errorCodeUpdate, err)
		}
		for _, rate := range config.Rates() {
			discounts, err := json.Marshal(rate.TierDiscountPercent)
			if err != nil {
				return wrapStoreError(errorSubjectRate, errorCodeInvalid, err)
			}
			row := CreditRate{
				Endpoint:      rate.Endpoint,
				Cost:          rate.Cost.Int64(),
				Active:        rate.Active,
				TierDiscounts: datatypes.JSON(discounts),
				Version:       config.Version(),
			}
			if err := transaction.Create(&row).Error; err != nil {
				return wrapStoreError(errorSubjectRate, errorCodeInsert, err)
			}
		}
		header := RateConfigRow{
			ID:          1,
			Version:     config.Version(),
			DefaultCost: config.DefaultCost().Int64(),
			Override:    config.Override(),
		}
		if err := transaction.Save(&header).Error; err != nil {
			return wrapStoreError(errorSubjectRate, errorCodeUpdate, err)
		}
		return nil
	})
}

// LoadRateConfig reads the persisted rate configuration; found is false when
// no configuration has been applied yet.
func (store *Store) LoadRateConfig(ctx context.Context) (rates.Config, bool, error) {
	var header RateConfigRow
	err := store.db.WithContext(ctx).Take(&header, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rates.Config{}, false, nil
	}
	if err != nil {
		return rates.Config{}, false, wrapStoreError(errorSubjectRate, errorCodeGet, err)
	}

	var rows []CreditRate
	if err := store.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return rates.Config{}, false, wrapStoreError(errorSubjectRate, errorCodeList, err)
	}
	rateList := make([]rates.Rate, 0, len(rows))
	for _, row := range rows {
		var discounts map[string]int
		if len(row.TierDiscounts) > 0 {
			if err := json.Unmarshal(row.TierDiscounts, &discounts); err != nil {
				return rates.Config{}, false, wrapStoreError(errorSubjectRate, errorCodeInvalid, err)
			}
		}
		rateList = append(rateList, rates.Rate{
			Endpoint:            row.Endpoint,
			Cost:                credits.Credits(row.Cost),
			Active:              row.Active,
			TierDiscountPercent: discounts,
		})
	}
	config, err := rates.NewConfig(header.Version, credits.Credits(header.DefaultCost), header.Override, rateList)
	if err != nil {
		return rates.Config{}, false, wrapStoreError(errorSubjectRate, errorCodeInvalid, err)
	}
	return config, true, nil
}

func (store *Store) dialect() string {
	return store.db.Dialector.Name()
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapTransaction(row CreditTransaction) (credits.Transaction, error) {
	accountID, err := credits.NewAccountID(row.AccountID)
	if err != nil {
		return credits.Transaction{}, err
	}
	transactionType, err := credits.ParseTransactionType(row.Type)
	if err != nil {
		return credits.Transaction{}, err
	}
	var holdID *credits.HoldID
	if row.HoldID != nil {
		parsed, err := credits.NewHoldID(*row.HoldID)
		if err != nil {
			return credits.Transaction{}, err
		}
		holdID = &parsed
	}
	key, err := credits.NewIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return credits.Transaction{}, err
	}
	metadata, err := credits.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return credits.Transaction{}, err
	}
	return credits.Transaction{
		TransactionID:  row.TransactionID,
		AccountID:      accountID,
		Type:           transactionType,
		Amount:         credits.Credits(row.Amount),
		BalanceAfter:   credits.Credits(row.BalanceAfter),
		HoldID:         holdID,
		IdempotencyKey: key,
		MetadataJSON:   metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func mapHold(row CreditHold) (credits.Hold, error) {
	holdID, err := credits.NewHoldID(row.HoldID)
	if err != nil {
		return credits.Hold{}, err
	}
	accountID, err := credits.NewAccountID(row.AccountID)
	if err != nil {
		return credits.Hold{}, err
	}
	status, err := credits.ParseHoldStatus(row.Status)
	if err != nil {
		return credits.Hold{}, err
	}
	metadata, err := credits.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return credits.Hold{}, err
	}
	return credits.Hold{
		HoldID:         holdID,
		AccountID:      accountID,
		Amount:         credits.Credits(row.Amount),
		Status:         status,
		MetadataJSON:   metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
		ExpiresUnixUTC: row.ExpiresAt.Unix(),
	}, nil
}

func metadataJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isLockUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgLockNotAvailable
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xFF
		return code == sqliteBusyCode || code == sqliteLockedCode
	}
	return false
}
