package events

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func TestFundSettledAttributes(t *testing.T) {
	evt := FundSettled{
		Day:        86400,
		NavBase:    uint256.NewInt(1),
		NavA:       uint256.NewInt(2),
		NavB:       uint256.NewInt(3),
		Rebalanced: true,
	}
	got := evt.Event()
	if got.Type != TypeFundSettled {
		t.Fatalf("unexpected type %s", got.Type)
	}
	if got.Attributes["navB"] != "3" || got.Attributes["rebalanced"] != "true" {
		t.Fatalf("unexpected attributes: %v", got.Attributes)
	}
	if got.Attributes["fee"] != "0" {
		t.Fatalf("nil amounts must render as zero, got %q", got.Attributes["fee"])
	}
}

func TestRecorderFiltersByType(t *testing.T) {
	rec := &Recorder{}
	holder := common.HexToAddress("0x01")
	Multi{rec, NoopEmitter{}}.Emit(FundTransfer{Tranche: "a", To: holder, Amount: uint256.NewInt(5)})
	rec.Emit(FundPaused{Module: "fund", Paused: true})

	if n := len(rec.Events()); n != 2 {
		t.Fatalf("expected 2 events, got %d", n)
	}
	transfers := rec.OfType(TypeFundTransfer)
	if len(transfers) != 1 {
		t.Fatalf("expected 1 transfer, got %d", len(transfers))
	}
	if to := transfers[0].Event().Attributes["to"]; to != holder.Hex() {
		t.Fatalf("unexpected recipient %s", to)
	}
}
