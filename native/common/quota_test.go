package common

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

func TestCheckQuotaRequestLimit(t *testing.T) {
	q := Quota{MaxRequestsPerEpoch: 10}
	prev := QuotaNow{EpochID: 1}

	next, err := CheckQuota(q, 1, prev, 10, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.ReqCount != 10 {
		t.Fatalf("unexpected request count: %d", next.ReqCount)
	}

	denied, err := CheckQuota(q, 1, next, 1, nil)
	if !errors.Is(err, ErrQuotaRequestsExceeded) {
		t.Fatalf("expected ErrQuotaRequestsExceeded, got %v", err)
	}
	if denied != next {
		t.Fatalf("expected counters to remain unchanged on denial")
	}

	rollover, err := CheckQuota(q, 2, next, 1, nil)
	if err != nil {
		t.Fatalf("unexpected error after epoch rollover: %v", err)
	}
	if rollover.EpochID != 2 || rollover.ReqCount != 1 {
		t.Fatalf("unexpected state after rollover: %+v", rollover)
	}
}

func TestCheckQuotaAmount(t *testing.T) {
	q := Quota{MaxAmountPerEpoch: *uint256.NewInt(1000)}
	prev := QuotaNow{EpochID: 5}

	next, err := CheckQuota(q, 5, prev, 0, uint256.NewInt(1000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Used.Uint64() != 1000 {
		t.Fatalf("unexpected amount used: %s", next.Used.Dec())
	}

	denied, err := CheckQuota(q, 5, next, 0, uint256.NewInt(1))
	if !errors.Is(err, ErrQuotaAmountExceeded) {
		t.Fatalf("expected ErrQuotaAmountExceeded, got %v", err)
	}
	if denied != next {
		t.Fatalf("expected counters to remain unchanged on denial")
	}

	rollover, err := CheckQuota(q, 6, next, 0, uint256.NewInt(500))
	if err != nil {
		t.Fatalf("unexpected error after epoch rollover: %v", err)
	}
	if rollover.Used.Uint64() != 500 {
		t.Fatalf("unexpected state after rollover: %+v", rollover)
	}
}

func TestCheckQuotaOverflow(t *testing.T) {
	max := new(uint256.Int).SetAllOne()
	prev := QuotaNow{EpochID: 1, Used: *max}
	if _, err := CheckQuota(Quota{}, 1, prev, 0, uint256.NewInt(1)); !errors.Is(err, ErrQuotaCounterOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}
