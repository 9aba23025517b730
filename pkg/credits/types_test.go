package credits

import (
	"errors"
	"testing"
)

func TestNewPositiveCreditsRejectsNonPositive(test *testing.T) {
	test.Parallel()
	for _, raw := range []int64{0, -1, -500} {
		if _, err := NewPositiveCredits(raw); !errors.Is(err, ErrInvalidAmount) {
			test.Fatalf("expected ErrInvalidAmount for %d, got %v", raw, err)
		}
	}
	amount, err := NewPositiveCredits(7)
	if err != nil {
		test.Fatalf("positive credits: %v", err)
	}
	if amount.ToCredits() != 7 {
		test.Fatalf("expected 7, got %d", amount.ToCredits())
	}
}

func TestIdentifierConstructorsTrimAndReject(test *testing.T) {
	test.Parallel()
	accountID, err := NewAccountID("  acct-9  ")
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	if accountID.String() != "acct-9" {
		test.Fatalf("expected trimmed id, got %q", accountID.String())
	}
	if _, err := NewAccountID("   "); !errors.Is(err, ErrInvalidAccountID) {
		test.Fatalf("expected ErrInvalidAccountID, got %v", err)
	}
	if _, err := NewHoldID(""); !errors.Is(err, ErrInvalidHoldID) {
		test.Fatalf("expected ErrInvalidHoldID, got %v", err)
	}
	if _, err := NewIdempotencyKey(" "); !errors.Is(err, ErrInvalidIdempotencyKey) {
		test.Fatalf("expected ErrInvalidIdempotencyKey, got %v", err)
	}
}

func TestNewMetadataJSONDefaultsAndValidates(test *testing.T) {
	test.Parallel()
	metadata, err := NewMetadataJSON("")
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	if metadata.String() != "{}" {
		test.Fatalf("expected empty object default, got %q", metadata.String())
	}
	if _, err := NewMetadataJSON("{not json"); !errors.Is(err, ErrInvalidMetadataJSON) {
		test.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
}

func TestParseTransactionType(test *testing.T) {
	test.Parallel()
	for _, raw := range []string{"addition", "deduction", "hold", "release", "consume", "expire"} {
		if _, err := ParseTransactionType(raw); err != nil {
			test.Fatalf("parse %q: %v", raw, err)
		}
	}
	if _, err := ParseTransactionType("refund"); !errors.Is(err, ErrInvalidTransactionType) {
		test.Fatalf("expected ErrInvalidTransactionType, got %v", err)
	}
}

func TestSignedAmountByType(test *testing.T) {
	test.Parallel()
	cases := []struct {
		transactionType TransactionType
		expected        Credits
	}{
		{TransactionAddition, 25},
		{TransactionDeduction, -25},
		{TransactionConsume, -25},
		{TransactionHold, 0},
		{TransactionRelease, 0},
		{TransactionExpire, 0},
	}
	for _, testCase := range cases {
		if got := testCase.transactionType.SignedAmount(25); got != testCase.expected {
			test.Fatalf("%s: expected %d, got %d", testCase.transactionType, testCase.expected, got)
		}
	}
}

func TestHoldStatusLifecycle(test *testing.T) {
	test.Parallel()
	if HoldStatusActive.IsTerminal() {
		test.Fatalf("active must not be terminal")
	}
	for _, status := range []HoldStatus{HoldStatusConsumed, HoldStatusReleased, HoldStatusExpired} {
		if !status.IsTerminal() {
			test.Fatalf("expected %s to be terminal", status)
		}
	}
	if _, err := ParseHoldStatus("pending"); !errors.Is(err, ErrInvalidHoldStatus) {
		test.Fatalf("expected ErrInvalidHoldStatus, got %v", err)
	}
}
