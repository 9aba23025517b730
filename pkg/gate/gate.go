// Package gate is the boundary consumed by collaborators (routing,
// authentication, billing): it resolves the cost of an endpoint call and turns
// it into an explicit reserve/commit/release step in the request flow.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/meterline/creditledger/pkg/credits"
	"github.com/meterline/creditledger/pkg/rates"
)

// Decision is the outcome of CheckAndReserve.
type Decision struct {
	Granted bool
	HoldID  string
	Cost    credits.Credits
}

// Gate composes the rate resolver and the credit service into the guard API.
type Gate struct {
	service  *credits.Service
	resolver *rates.Resolver
	holdTTL  time.Duration
}

// Option configures a Gate.
type Option func(*Gate)

// WithHoldTTL overrides the TTL applied to reservations placed by the gate.
func WithHoldTTL(ttl time.Duration) Option {
	return func(gate *Gate) {
		if ttl > 0 {
			gate.holdTTL = ttl
		}
	}
}

// New wires a Gate.
func New(service *credits.Service, resolver *rates.Resolver, options ...Option) (*Gate, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: credit service is nil", credits.ErrInvalidServiceConfig)
	}
	if resolver == nil {
		return nil, fmt.Errorf("%w: rate resolver is nil", credits.ErrInvalidServiceConfig)
	}
	gate := &Gate{service: service, resolver: resolver, holdTTL: credits.DefaultHoldTTL}
	for _, option := range options {
		if option != nil {
			option(gate)
		}
	}
	return gate, nil
}

// CheckAndReserve resolves the endpoint cost and places a hold for it.
// Zero-cost resolutions (administrative override) grant without a hold.
// On insufficient funds the decision reports the cost alongside the error so
// the caller can surface how much was needed.
func (gate *Gate) CheckAndReserve(ctx context.Context, accountID credits.AccountID, endpoint string, tier string, key credits.IdempotencyKey) (Decision, error) {
	cost := gate.resolver.Cost(endpoint, tier)
	if cost == 0 {
		return Decision{Granted: true, Cost: 0}, nil
	}
	amount, err := credits.NewPositiveCredits(cost.Int64())
	if err != nil {
		return Decision{}, err
	}
	metadata, err := endpointMetadata(endpoint, tier)
	if err != nil {
		return Decision{}, err
	}
	hold, _, err := gate.service.PlaceHold(ctx, accountID, amount, gate.holdTTL, key, metadata)
	if err != nil {
		if errors.Is(err, credits.ErrInsufficientCredits) {
			return Decision{Granted: false, Cost: cost}, err
		}
		return Decision{}, err
	}
	return Decision{Granted: true, HoldID: hold.HoldID.String(), Cost: cost}, nil
}

// Reserve is CheckAndReserve plus a scoped Reservation whose Release is safe
// to defer on every exit path: it only releases a hold that was neither
// committed nor already released.
func (gate *Gate) Reserve(ctx context.Context, accountID credits.AccountID, endpoint string, tier string, key credits.IdempotencyKey) (*Reservation, Decision, error) {
	decision, err := gate.CheckAndReserve(ctx, accountID, endpoint, tier, key)
	if err != nil {
		return nil, decision, err
	}
	return &Reservation{gate: gate, decision: decision, key: key}, decision, nil
}

// CommitHold finalizes a reservation into a committed charge.
func (gate *Gate) CommitHold(ctx context.Context, holdID credits.HoldID, key credits.IdempotencyKey) (credits.Transaction, error) {
	return gate.service.ConsumeHold(ctx, holdID, key)
}

// ReleaseHold aborts a reservation without charging. A hold that already
// reached a terminal state is a no-op.
func (gate *Gate) ReleaseHold(ctx context.Context, holdID credits.HoldID, key credits.IdempotencyKey) error {
	return gate.service.ReleaseHold(ctx, holdID, key)
}

// GrantCredits applies an external credit grant and returns the new balance.
// The idempotency key is derived from (source, reference), so a retried
// webhook or reconciliation pass applies the grant at most once.
func (gate *Gate) GrantCredits(ctx context.Context, accountID credits.AccountID, amount credits.PositiveCredits, source string, reference string) (credits.Balance, error) {
	key, err := credits.NewIdempotencyKey(fmt.Sprintf("grant:%s:%s", source, reference))
	if err != nil {
		return credits.Balance{}, err
	}
	metadata, err := credits.NewMetadataJSON(fmt.Sprintf(`{"source":%q,"reference":%q}`, source, reference))
	if err != nil {
		return credits.Balance{}, err
	}
	if _, err := gate.service.Credit(ctx, accountID, amount, key, metadata); err != nil {
		return credits.Balance{}, err
	}
	return gate.service.GetBalance(ctx, accountID)
}

// GetBalance reports the committed and available balance.
func (gate *Gate) GetBalance(ctx context.Context, accountID credits.AccountID) (credits.Balance, error) {
	return gate.service.GetBalance(ctx, accountID)
}

// ListTransactions lists the account's transactions, newest first.
func (gate *Gate) ListTransactions(ctx context.Context, accountID credits.AccountID, filter credits.TransactionFilter) ([]credits.Transaction, error) {
	return gate.service.ListTransactions(ctx, accountID, filter)
}

// Summarize aggregates the account's activity over a window.
func (gate *Gate) Summarize(ctx context.Context, accountID credits.AccountID, startUnixUTC int64, endUnixUTC int64) (credits.Summary, error) {
	return gate.service.Summarize(ctx, accountID, startUnixUTC, endUnixUTC)
}

// Reservation scopes a hold acquired by Reserve to a request lifetime.
type Reservation struct {
	gate     *Gate
	decision Decision
	key      credits.IdempotencyKey
	done     bool
}

// HoldID returns the underlying hold id, empty for zero-cost grants.
func (reservation *Reservation) HoldID() string {
	return reservation.decision.HoldID
}

// Commit converts the reservation into a committed charge. A transient
// failure (lock timeout, cancelled context) leaves the reservation open, so
// the caller can retry Commit or let a deferred Release free the hold.
func (reservation *Reservation) Commit(ctx context.Context) (credits.Transaction, error) {
	if reservation.done {
		return credits.Transaction{}, credits.ErrHoldAlreadyTerminal
	}
	if reservation.decision.HoldID == "" {
		reservation.done = true
		return credits.Transaction{}, nil
	}
	holdID, err := credits.NewHoldID(reservation.decision.HoldID)
	if err != nil {
		return credits.Transaction{}, err
	}
	commitKey, err := credits.NewIdempotencyKey(reservation.key.String() + ":commit")
	if err != nil {
		return credits.Transaction{}, err
	}
	transaction, err := reservation.gate.CommitHold(ctx, holdID, commitKey)
	if err != nil {
		if errors.Is(err, credits.ErrHoldAlreadyTerminal) || errors.Is(err, credits.ErrHoldNotFound) {
			reservation.done = true
		}
		return credits.Transaction{}, err
	}
	reservation.done = true
	return transaction, nil
}

// Release frees the reservation. Safe to defer: after Commit, or on a
// zero-cost grant, it does nothing.
func (reservation *Reservation) Release(ctx context.Context) error {
	if reservation.done || reservation.decision.HoldID == "" {
		return nil
	}
	reservation.done = true
	holdID, err := credits.NewHoldID(reservation.decision.HoldID)
	if err != nil {
		return err
	}
	releaseKey, err := credits.NewIdempotencyKey(reservation.key.String() + ":release")
	if err != nil {
		return err
	}
	return reservation.gate.ReleaseHold(ctx, holdID, releaseKey)
}

func endpointMetadata(endpoint string, tier string) (credits.MetadataJSON, error) {
	raw, err := json.Marshal(map[string]string{"endpoint": endpoint, "tier": tier})
	if err != nil {
		return credits.MetadataJSON{}, err
	}
	return credits.NewMetadataJSON(string(raw))
}
