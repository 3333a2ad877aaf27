package node

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"tranchefund/core/events"
	"tranchefund/native/fund"
	"tranchefund/observability/metrics"
	history "tranchefund/services/fundd/storage"
)

const historyTimeout = 5 * time.Second

// historyEmitter appends every committed event to the history event log.
// Failures are logged; the fund state is authoritative.
type historyEmitter struct {
	store  *history.Store
	logger *slog.Logger
	now    func() time.Time
}

func (h *historyEmitter) Emit(e events.Event) {
	if e == nil {
		return
	}
	evt := e.Event()
	if evt == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := h.store.RecordEvent(ctx, evt, h.now()); err != nil {
		h.logger.Warn("record event failed", slog.String("type", evt.Type), slog.Any("error", err))
	}
}

// tokenActivity counts committed token movements per tranche.
type tokenActivity struct {
	metrics *metrics.FundMetrics
	logger  *slog.Logger
}

func (a *tokenActivity) FundEmitTransfer(t fund.Tranche, from, to common.Address, amount *uint256.Int) {
	a.metrics.ObserveTokenOp(t.String(), "transfer")
	a.logger.Debug("token transfer", slog.String("tranche", t.String()),
		slog.String("from", from.Hex()), slog.String("to", to.Hex()), slog.String("amount", fund.FormatDecimal(amount)))
}

func (a *tokenActivity) FundEmitApproval(t fund.Tranche, owner, spender common.Address, amount *uint256.Int) {
	a.metrics.ObserveTokenOp(t.String(), "approve")
	a.logger.Debug("token approval", slog.String("tranche", t.String()),
		slog.String("owner", owner.Hex()), slog.String("spender", spender.Hex()))
}

func settlementRecord(runID string, res *fund.SettleResult, at time.Time) history.Settlement {
	return history.Settlement{
		Day:                  res.Day,
		RunID:                runID,
		NavBase:              fund.FormatDecimal(&res.Navs.Base),
		NavA:                 fund.FormatDecimal(&res.Navs.A),
		NavB:                 fund.FormatDecimal(&res.Navs.B),
		Price:                fund.FormatDecimal(&res.Price),
		SharesMinted:         res.Flows.SharesToMint.Dec(),
		SharesBurned:         res.Flows.SharesToBurn.Dec(),
		CreationUnderlying:   res.Flows.CreationUnderlying.Dec(),
		RedemptionUnderlying: res.Flows.RedemptionUnderlying.Dec(),
		Fee:                  res.Flows.Fee.Dec(),
		ManagementFee:        res.ManagementFee.Dec(),
		InterestRate:         fund.FormatDecimal(&res.InterestRate),
		QueuePaid:            res.QueuePaid.Dec(),
		Rebalanced:           res.Rebalanced,
		SettledAt:            at.UTC(),
	}
}

func rebalanceRecord(index uint64, r fund.Rebalance, at time.Time) history.RebalanceRecord {
	return history.RebalanceRecord{
		Index:       index,
		Day:         r.Day,
		Kind:        r.Kind.String(),
		RatioBase:   fund.FormatDecimal(&r.RatioBase),
		RatioA2Base: fund.FormatDecimal(&r.RatioA2Base),
		RatioB2Base: fund.FormatDecimal(&r.RatioB2Base),
		RatioAB:     fund.FormatDecimal(&r.RatioAB),
		CreatedAt:   at.UTC(),
	}
}

// persist mirrors settled epochs into the history store.
func (n *Node) persist(ctx context.Context, runID string, results []fund.SettleResult) {
	if n.history == nil {
		return
	}
	at := n.now()
	for i := range results {
		res := &results[i]
		if err := n.history.RecordSettlement(ctx, settlementRecord(runID, res, at)); err != nil {
			n.logger.Warn("record settlement failed", slog.Uint64("day", res.Day), slog.Any("error", err))
		}
		if !res.Rebalanced {
			continue
		}
		if err := n.history.RecordRebalance(ctx, rebalanceRecord(res.RebalanceIndex, res.Rebalance, at)); err != nil {
			n.logger.Warn("record rebalance failed", slog.Uint64("index", res.RebalanceIndex), slog.Any("error", err))
		}
	}
}
