package credits

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Credits is an integer credit amount.
type Credits int64

// Int64 returns the raw amount.
func (amount Credits) Int64() int64 {
	return int64(amount)
}

// PositiveCredits is a credit amount validated to be strictly positive.
type PositiveCredits struct {
	value Credits
}

// NewPositiveCredits validates an amount and ensures it is strictly positive.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return PositiveCredits{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveCredits{value: Credits(raw)}, nil
}

// ToCredits returns the underlying amount.
func (amount PositiveCredits) ToCredits() Credits {
	return amount.value
}

// AccountID identifies a credit account.
type AccountID struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// HoldID identifies a hold.
type HoldID struct {
	value string
}

// NewHoldID validates and normalizes a hold id.
func NewHoldID(raw string) (HoldID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return HoldID{}, fmt.Errorf("%w: empty value", ErrInvalidHoldID)
	}
	return HoldID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id HoldID) String() string {
	return id.value
}

// IdempotencyKey scopes duplicate detection.
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// TransactionType enumerates transaction kinds.
type TransactionType string

const (
	TransactionAddition  TransactionType = "addition"
	TransactionDeduction TransactionType = "deduction"
	TransactionHold      TransactionType = "hold"
	TransactionRelease   TransactionType = "release"
	TransactionConsume   TransactionType = "consume"
	TransactionExpire    TransactionType = "expire"
)

// ParseTransactionType validates a raw transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionAddition, TransactionDeduction, TransactionHold, TransactionRelease, TransactionConsume, TransactionExpire:
		return TransactionType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// String returns the raw type.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// SignedAmount returns the balance effect of a transaction of this type.
// Hold bookkeeping types never move the balance.
func (transactionType TransactionType) SignedAmount(amount Credits) Credits {
	switch transactionType {
	case TransactionAddition:
		return amount
	case TransactionDeduction, TransactionConsume:
		return -amount
	default:
		return 0
	}
}

// HoldStatus defines the hold lifecycle.
type HoldStatus string

const (
	HoldStatusActive   HoldStatus = "active"
	HoldStatusConsumed HoldStatus = "consumed"
	HoldStatusReleased HoldStatus = "released"
	HoldStatusExpired  HoldStatus = "expired"
)

// ParseHoldStatus validates a raw hold status.
func ParseHoldStatus(raw string) (HoldStatus, error) {
	switch HoldStatus(raw) {
	case HoldStatusActive, HoldStatusConsumed, HoldStatusReleased, HoldStatusExpired:
		return HoldStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidHoldStatus, raw)
}

// String returns the raw status.
func (status HoldStatus) String() string {
	return string(status)
}

// IsTerminal reports whether the status permits no further transitions.
func (status HoldStatus) IsTerminal() bool {
	return status == HoldStatusConsumed || status == HoldStatusReleased || status == HoldStatusExpired
}

// Account is the authoritative balance record for one account.
type Account struct {
	AccountID AccountID
	Balance   Credits
	Version   int64
}

// Transaction is a single immutable line in the transaction log.
type Transaction struct {
	TransactionID  string
	AccountID      AccountID
	Type           TransactionType
	Amount         Credits
	BalanceAfter   Credits
	HoldID         *HoldID
	IdempotencyKey IdempotencyKey
	MetadataJSON   MetadataJSON
	CreatedUnixUTC int64
}

// Hold is a temporary reservation against available balance.
type Hold struct {
	HoldID         HoldID
	AccountID      AccountID
	Amount         Credits
	Status         HoldStatus
	MetadataJSON   MetadataJSON
	CreatedUnixUTC int64
	ExpiresUnixUTC int64
}

// Balance is the read view for an account.
type Balance struct {
	Balance   Credits
	Available Credits
}

// Summary aggregates transaction activity over a window.
type Summary struct {
	StartUnixUTC int64
	EndUnixUTC   int64
	Added        Credits
	Used         Credits
	ByType       map[TransactionType]Credits
	Balance      Credits
}

// TransactionFilter narrows and pages a transaction listing.
// Listings are ordered newest first and restartable via Offset.
type TransactionFilter struct {
	Types  []TransactionType
	HoldID *HoldID
	Offset int
	Limit  int
}
