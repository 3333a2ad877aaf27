package fund

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

func TestManagementFee(t *testing.T) {
	got, err := ManagementFee(dec("1000"), 10, 3)
	if err != nil {
		t.Fatalf("fee: %v", err)
	}
	requireEq(t, "three epochs", got, dec("3"))

	got, _ = ManagementFee(dec("1000"), 0, 3)
	requireEq(t, "no fee", got, new(uint256.Int))

	got, _ = ManagementFee(dec("1000"), 10, 0)
	requireEq(t, "no epochs", got, new(uint256.Int))

	got, _ = ManagementFee(dec("5"), 10_000, 2)
	requireEq(t, "capped", got, dec("5"))

	got, _ = ManagementFee(uint256.NewInt(999), 10, 1)
	requireEq(t, "floored", got, new(uint256.Int))
}

func TestAccrueNavA(t *testing.T) {
	zero := new(uint256.Int)
	got, err := AccrueNavA(Unit(), zero, dec("0.01"), 2)
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	requireEq(t, "two epochs", got, dec("1.0201"))

	got, _ = AccrueNavA(dec("1.05"), zero, dec("0.01"), 0)
	requireEq(t, "zero epochs", got, dec("1.05"))

	// A fee drag larger than the rate never lowers navA.
	got, _ = AccrueNavA(dec("1.05"), dec("0.02"), dec("0.01"), 5)
	requireEq(t, "non decreasing", got, dec("1.05"))

	// 1.0 * (1 - 0.001) * (1 + 0.002) = 1.000998
	got, _ = AccrueNavA(Unit(), dec("0.001"), dec("0.002"), 1)
	requireEq(t, "fee and rate", got, dec("1.000998"))
}

func TestAccrueNavACompoundsManyEpochs(t *testing.T) {
	zero := new(uint256.Int)
	// 1.1^10 = 2.5937424601
	got, err := AccrueNavA(Unit(), zero, dec("0.1"), 10)
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	requireEq(t, "ten epochs", got, dec("2.5937424601"))

	if _, err := AccrueNavA(Unit(), zero, dec("0.1"), 1<<40); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}

	got, err = AccrueNavA(dec("1.05"), dec("0.02"), dec("0.01"), 1<<62)
	if err != nil {
		t.Fatalf("accrue with drag: %v", err)
	}
	requireEq(t, "drag never lowers", got, dec("1.05"))
}
