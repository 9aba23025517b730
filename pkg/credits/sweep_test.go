package credits

import (
	"context"
	"sync"
	"testing"
	"time"
)

type manualClock struct {
	mu  sync.Mutex
	now int64
}

func newManualClock(now int64) *manualClock {
	return &manualClock{now: now}
}

func (clock *manualClock) Now() int64 {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *manualClock) Advance(seconds int64) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now += seconds
}

type stubGrantSource struct {
	grants []ExternalGrant
	err    error
}

func (source *stubGrantSource) PendingGrants(ctx context.Context) ([]ExternalGrant, error) {
	if source.err != nil {
		return nil, source.err
	}
	return append([]ExternalGrant(nil), source.grants...), nil
}

func TestExpireHoldsTransitionsOverdueHolds(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newManualClock(1_700_000_000)
	service := mustNewServiceWithClock(test, store, clock)
	accountID := mustAccountID(test, "acct-1")
	mustCredit(test, service, accountID, 100, "seed")
	hold := mustPlaceHold(test, service, accountID, 40, "hold-key")

	clock.Advance(int64(2 * time.Minute / time.Second))
	expired, err := service.ExpireHolds(context.Background(), 10)
	if err != nil {
		test.Fatalf("expire holds: %v", err)
	}
	if expired != 1 {
		test.Fatalf("expected 1 expired hold, got %d", expired)
	}
	stored := store.mustHold(test, hold.HoldID)
	if stored.Status != HoldStatusExpired {
		test.Fatalf("expected expired hold, got %s", stored.Status)
	}
	balance := mustBalance(test, service, accountID)
	if balance.Balance != 100 || balance.Available != 100 {
		test.Fatalf("expiry must restore availability without moving the balance, got %+v", balance)
	}
	expiries := store.transactionsOfType(TransactionExpire)
	if len(expiries) != 1 {
		test.Fatalf("expected one expire transaction, got %d", len(expiries))
	}
	if expiries[0].IdempotencyKey.String() != "expire:"+hold.HoldID.String() {
		test.Fatalf("unexpected expire idempotency key %q", expiries[0].IdempotencyKey.String())
	}
}

func TestExpireHoldsLeavesFutureHoldsAlone(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newManualClock(1_700_000_000)
	service := mustNewServiceWithClock(test, store, clock)
	accountID := mustAccountID(test, "acct-1")
	mustCredit(test, service, accountID, 100, "seed")
	hold := mustPlaceHold(test, service, accountID, 40, "hold-key")

	expired, err := service.ExpireHolds(context.Background(), 10)
	if err != nil {
		test.Fatalf("expire holds: %v", err)
	}
	if expired != 0 {
		test.Fatalf("expected no expirations, got %d", expired)
	}
	if stored := store.mustHold(test, hold.HoldID); stored.Status != HoldStatusActive {
		test.Fatalf("expected hold to stay active, got %s", stored.Status)
	}
}

func TestExpireHoldsSkipsSettledHold(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newManualClock(1_700_000_000)
	service := mustNewServiceWithClock(test, store, clock)
	accountID := mustAccountID(test, "acct-1")
	mustCredit(test, service, accountID, 100, "seed")
	hold := mustPlaceHold(test, service, accountID, 40, "hold-key")
	if _, err := service.ConsumeHold(context.Background(), hold.HoldID, mustIdempotencyKey(test, "consume-1")); err != nil {
		test.Fatalf("consume hold: %v", err)
	}

	clock.Advance(int64(2 * time.Minute / time.Second))
	expired, err := service.ExpireHolds(context.Background(), 10)
	if err != nil {
		test.Fatalf("expire holds: %v", err)
	}
	if expired != 0 {
		test.Fatalf("settled hold must not be swept, got %d expirations", expired)
	}
	if stored := store.mustHold(test, hold.HoldID); stored.Status != HoldStatusConsumed {
		test.Fatalf("expected consumed hold, got %s", stored.Status)
	}
}

func TestSyncExternalGrantsAppliesPendingOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "acct-1")
	source := &stubGrantSource{grants: []ExternalGrant{
		{
			AccountID: accountID,
			Amount:    mustPositiveCredits(test, 500),
			Source:    "billing",
			Reference: "invoice-42",
			Metadata:  mustMetadata(test, `{"invoice":"42"}`),
		},
	}}

	applied, acquired, err := service.SyncExternalGrants(context.Background(), source)
	if err != nil {
		test.Fatalf("sync grants: %v", err)
	}
	if !acquired {
		test.Fatalf("expected lock acquisition")
	}
	if applied != 1 {
		test.Fatalf("expected 1 applied grant, got %d", applied)
	}
	balance := mustBalance(test, service, accountID)
	if balance.Balance != 500 {
		test.Fatalf("expected balance 500, got %d", balance.Balance)
	}

	applied, _, err = service.SyncExternalGrants(context.Background(), source)
	if err != nil {
		test.Fatalf("repeated sync: %v", err)
	}
	if applied != 0 {
		test.Fatalf("replayed grant must not apply again, got %d", applied)
	}
	if balance := mustBalance(test, service, accountID); balance.Balance != 500 {
		test.Fatalf("expected balance unchanged at 500, got %d", balance.Balance)
	}
}

func TestSyncExternalGrantsSkipsWhenLockHeldElsewhere(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.advisoryBusy = true
	service := mustNewService(test, store)
	source := &stubGrantSource{grants: []ExternalGrant{{
		AccountID: mustAccountID(test, "acct-1"),
		Amount:    mustPositiveCredits(test, 500),
		Source:    "billing",
		Reference: "invoice-42",
	}}}

	applied, acquired, err := service.SyncExternalGrants(context.Background(), source)
	if err != nil {
		test.Fatalf("sync grants: %v", err)
	}
	if acquired {
		test.Fatalf("expected lock to be reported as held elsewhere")
	}
	if applied != 0 {
		test.Fatalf("expected no applied grants, got %d", applied)
	}
}

func TestSyncExternalGrantsRequiresSource(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))
	if _, _, err := service.SyncExternalGrants(context.Background(), nil); err == nil {
		test.Fatalf("expected error for nil grant source")
	}
}

func mustNewServiceWithClock(test *testing.T, store Store, clock *manualClock) *Service {
	test.Helper()
	service, err := NewService(store, clock.Now)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}
