package rates

import (
	"errors"
	"testing"

	"github.com/meterline/creditledger/pkg/credits"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func mustConfig(test *testing.T, version int64, defaultCost credits.Credits, override bool, rateList []Rate) Config {
	test.Helper()
	config, err := NewConfig(version, defaultCost, override, rateList)
	if err != nil {
		test.Fatalf("new config: %v", err)
	}
	return config
}

func TestCostResolvesConfiguredRate(test *testing.T) {
	test.Parallel()
	config := mustConfig(test, 1, 5, false, []Rate{
		{Endpoint: "search", Cost: 10, Active: true},
	})
	resolver := NewResolver(config, zap.NewNop())

	if cost := resolver.Cost("search", "free"); cost != 10 {
		test.Fatalf("expected cost 10, got %d", cost)
	}
}

func TestCostAppliesTierDiscount(test *testing.T) {
	test.Parallel()
	config := mustConfig(test, 1, 5, false, []Rate{
		{Endpoint: "search", Cost: 10, Active: true, TierDiscountPercent: map[string]int{"pro": 30, "enterprise": 100}},
	})
	resolver := NewResolver(config, zap.NewNop())

	if cost := resolver.Cost("search", "pro"); cost != 7 {
		test.Fatalf("expected discounted cost 7, got %d", cost)
	}
	// A full discount still charges the minimum of one credit.
	if cost := resolver.Cost("search", "enterprise"); cost != 1 {
		test.Fatalf("expected floored cost 1, got %d", cost)
	}
}

func TestCostFallsBackToDefaultWithWarning(test *testing.T) {
	test.Parallel()
	core, logs := observer.New(zap.WarnLevel)
	config := mustConfig(test, 1, 5, false, []Rate{
		{Endpoint: "inactive", Cost: 10, Active: false},
	})
	resolver := NewResolver(config, zap.New(core))

	if cost := resolver.Cost("unknown", "free"); cost != 5 {
		test.Fatalf("expected default cost 5, got %d", cost)
	}
	if cost := resolver.Cost("inactive", "free"); cost != 5 {
		test.Fatalf("expected default cost for inactive rate, got %d", cost)
	}
	if logs.FilterMessage("rate not configured, using default cost").Len() != 2 {
		test.Fatalf("expected two fallback warnings, got %d", logs.Len())
	}
}

func TestCostOverrideBypassesResolution(test *testing.T) {
	test.Parallel()
	config := mustConfig(test, 1, 5, true, []Rate{
		{Endpoint: "search", Cost: 10, Active: true},
	})
	resolver := NewResolver(config, zap.NewNop())

	if cost := resolver.Cost("search", "free"); cost != 0 {
		test.Fatalf("override must resolve to zero, got %d", cost)
	}
}

func TestSwapInvalidatesCacheOnVersionChange(test *testing.T) {
	test.Parallel()
	resolver := NewResolver(mustConfig(test, 1, 5, false, []Rate{
		{Endpoint: "search", Cost: 10, Active: true},
	}), zap.NewNop())

	if cost := resolver.Cost("search", "free"); cost != 10 {
		test.Fatalf("expected cost 10, got %d", cost)
	}

	// Same version: the swap is ignored and the memo stands.
	resolver.Swap(mustConfig(test, 1, 5, false, []Rate{
		{Endpoint: "search", Cost: 99, Active: true},
	}))
	if cost := resolver.Cost("search", "free"); cost != 10 {
		test.Fatalf("same-version swap must keep memoized cost, got %d", cost)
	}

	resolver.Swap(mustConfig(test, 2, 5, false, []Rate{
		{Endpoint: "search", Cost: 20, Active: true},
	}))
	if resolver.Version() != 2 {
		test.Fatalf("expected version 2, got %d", resolver.Version())
	}
	if cost := resolver.Cost("search", "free"); cost != 20 {
		test.Fatalf("expected refreshed cost 20, got %d", cost)
	}
}

func TestNewConfigValidation(test *testing.T) {
	test.Parallel()
	if _, err := NewConfig(0, 5, false, nil); !errors.Is(err, ErrInvalidRateConfig) {
		test.Fatalf("expected ErrInvalidRateConfig for version 0, got %v", err)
	}
	if _, err := NewConfig(1, 0, false, nil); !errors.Is(err, ErrInvalidRateConfig) {
		test.Fatalf("expected ErrInvalidRateConfig for default cost 0, got %v", err)
	}
	duplicate := []Rate{
		{Endpoint: "search", Cost: 10, Active: true},
		{Endpoint: "search", Cost: 20, Active: true},
	}
	if _, err := NewConfig(1, 5, false, duplicate); !errors.Is(err, ErrInvalidRateConfig) {
		test.Fatalf("expected ErrInvalidRateConfig for duplicate endpoint, got %v", err)
	}
	badDiscount := []Rate{
		{Endpoint: "search", Cost: 10, Active: true, TierDiscountPercent: map[string]int{"pro": 120}},
	}
	if _, err := NewConfig(1, 5, false, badDiscount); !errors.Is(err, ErrInvalidRate) {
		test.Fatalf("expected ErrInvalidRate for discount out of range, got %v", err)
	}
}
