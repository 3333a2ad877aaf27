package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"tranchefund/native/fund"
	"tranchefund/native/primarymarket"
	"tranchefund/services/fundd/oracle"
	history "tranchefund/services/fundd/storage"
)

// ErrNoHistory is returned by queries that need the history store.
var ErrNoHistory = errors.New("node: history store not configured")

// Holdings is a holder's tranche balances in the latest rebalance version.
type Holdings struct {
	Holder   common.Address
	Balances fund.Amounts
	// Version is the rebalance version the stored balance was last
	// refreshed to; Balances already apply every later rebalance.
	Version uint64
}

// RebalanceEntry is one rebalance table row with its index.
type RebalanceEntry struct {
	Index uint64
	fund.Rebalance
}

// Rates are the historical conversion rates of one settled day.
type Rates struct {
	Day        uint64
	Creation   uint256.Int
	Redemption uint256.Int
}

// Settle settles the pending epoch if its boundary has passed.
func (n *Node) Settle(ctx context.Context) (*fund.SettleResult, error) {
	results, err := n.settle(ctx, 1, true)
	if err != nil {
		return nil, err
	}
	return &results[0], nil
}

// SettleDue settles every due epoch, at most max of them (zero means all).
func (n *Node) SettleDue(ctx context.Context, max int) ([]fund.SettleResult, error) {
	return n.settle(ctx, max, false)
}

func (n *Node) settle(ctx context.Context, max int, single bool) ([]fund.SettleResult, error) {
	runID := uuid.NewString()
	n.mu.Lock()
	var (
		results []fund.SettleResult
		err     error
	)
	if single {
		var res *fund.SettleResult
		if res, err = n.engine.Settle(ctx); err == nil {
			results = []fund.SettleResult{*res}
		}
	} else {
		results, err = n.engine.SettleUntil(ctx, max)
	}
	n.mu.Unlock()

	if len(results) > 0 {
		n.logger.Info("settlement run complete",
			slog.String("run_id", runID),
			slog.Int("epochs", len(results)),
			slog.Uint64("last_day", results[len(results)-1].Day))
		n.persist(ctx, runID, results)
	}
	return results, err
}

// Balances returns the tranche balances of holder.
func (n *Node) Balances(holder common.Address) (Holdings, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	amounts, err := n.engine.BalancesOf(holder)
	if err != nil {
		return Holdings{}, err
	}
	version, err := n.engine.BalanceVersion(holder)
	if err != nil {
		return Holdings{}, err
	}
	return Holdings{Holder: holder, Balances: amounts, Version: version}, nil
}

// RefreshBalance applies rebalances to holder's stored balance up to target.
func (n *Node) RefreshBalance(holder common.Address, target uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.RefreshBalance(holder, target)
}

// TotalSupplies returns the supply of every tranche.
func (n *Node) TotalSupplies() (fund.Amounts, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out fund.Amounts
	for t := fund.Tranche(0); t < fund.TrancheCount; t++ {
		supply, err := n.tokens[t].TotalSupply()
		if err != nil {
			return out, err
		}
		out[t].Set(supply)
	}
	return out, nil
}

func (n *Node) Allowance(t fund.Tranche, owner, spender common.Address) (*uint256.Int, error) {
	if !t.Valid() {
		return nil, fund.ErrInvalidTranche
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tokens[t].Allowance(owner, spender)
}

func (n *Node) Transfer(t fund.Tranche, from, to common.Address, amount *uint256.Int) error {
	if !t.Valid() {
		return fund.ErrInvalidTranche
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tokens[t].Transfer(from, to, amount)
}

func (n *Node) Approve(t fund.Tranche, owner, spender common.Address, amount *uint256.Int) error {
	if !t.Valid() {
		return fund.ErrInvalidTranche
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tokens[t].Approve(owner, spender, amount)
}

func (n *Node) TransferFrom(t fund.Tranche, spender, from, to common.Address, amount *uint256.Int) error {
	if !t.Valid() {
		return fund.ErrInvalidTranche
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tokens[t].TransferFrom(spender, from, to, amount)
}

// UnderlyingBalance returns the underlying held by addr.
func (n *Node) UnderlyingBalance(addr common.Address) (*uint256.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.bank.BalanceOf(addr)
}

// MintUnderlying credits addr with freshly minted underlying. It backs the
// faucet of development deployments.
func (n *Node) MintUnderlying(addr common.Address, amount *uint256.Int) (err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.journal.Begin()
	defer n.journal.End(&err)
	return n.bank.Mint(addr, amount)
}

func (n *Node) Create(holder common.Address, underlying *uint256.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.market.Create(holder, underlying)
}

func (n *Node) Redeem(holder common.Address, shares *uint256.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.market.Redeem(holder, shares)
}

func (n *Node) Split(holder common.Address, base *uint256.Int) (primarymarket.SplitResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.market.Split(holder, base)
}

func (n *Node) Merge(holder common.Address, a *uint256.Int) (primarymarket.MergeResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.market.Merge(holder, a)
}

func (n *Node) Claim(holder common.Address) (primarymarket.ClaimResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.market.Claim(holder)
}

func (n *Node) Pending(holder common.Address) (primarymarket.Pending, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.market.PendingOf(holder)
}

// PrimaryDay returns the aggregated requests of day.
func (n *Node) PrimaryDay(day uint64) (primarymarket.DayRecord, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.market.Day(day)
}

// Rates returns the creation and redemption rates settled on day.
func (n *Node) Rates(day uint64) (Rates, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	creation, err := n.market.CreationRate(day)
	if err != nil {
		return Rates{}, err
	}
	redemption, err := n.market.RedemptionRate(day)
	if err != nil {
		return Rates{}, err
	}
	out := Rates{Day: day}
	out.Creation.Set(creation)
	out.Redemption.Set(redemption)
	return out, nil
}

func (n *Node) Queue() (primarymarket.QueueSummary, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.market.QueueState()
}

// Rebalances lists up to limit table entries starting at from.
func (n *Node) Rebalances(from, limit uint64) ([]RebalanceEntry, uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	size, err := n.engine.RebalanceSize()
	if err != nil {
		return nil, 0, err
	}
	if limit == 0 || limit > 500 {
		limit = 500
	}
	var out []RebalanceEntry
	for i := from; i < size && uint64(len(out)) < limit; i++ {
		r, err := n.engine.Rebalance(i)
		if err != nil {
			return nil, size, err
		}
		out = append(out, RebalanceEntry{Index: i, Rebalance: r})
	}
	return out, size, nil
}

// Rebalance returns entry index of the table.
func (n *Node) Rebalance(index uint64) (RebalanceEntry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, err := n.engine.Rebalance(index)
	if err != nil {
		return RebalanceEntry{}, err
	}
	return RebalanceEntry{Index: index, Rebalance: r}, nil
}

// RebalanceByDay returns the rebalance triggered at day, if any.
func (n *Node) RebalanceByDay(day uint64) (RebalanceEntry, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, index, ok, err := n.engine.RebalanceByDay(day)
	if err != nil || !ok {
		return RebalanceEntry{}, false, err
	}
	return RebalanceEntry{Index: index, Rebalance: r}, true, nil
}

// ConvertBalances replays rebalances [from, to) over amounts.
func (n *Node) ConvertBalances(amounts fund.Amounts, from, to uint64) (fund.Amounts, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.BatchRebalance(amounts, from, to)
}

// Nav returns the snapshot settled at day.
func (n *Node) Nav(day uint64) (fund.NavSnapshot, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.HistoricalNav(day)
}

// LastNav returns the latest settled snapshot.
func (n *Node) LastNav() (fund.NavSnapshot, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.LastNav()
}

// EstimateNav extrapolates the navs to ts. A nil price uses the newest
// recorded sample.
func (n *Node) EstimateNav(ctx context.Context, ts uint64, price *uint256.Int) (fund.Navs, *uint256.Int, error) {
	if price == nil {
		if n.history == nil {
			return fund.Navs{}, nil, ErrNoHistory
		}
		sample, err := n.history.LatestSample(ctx)
		if errors.Is(err, history.ErrNotFound) {
			return fund.Navs{}, nil, fund.ErrPriceNotReady
		}
		if err != nil {
			return fund.Navs{}, nil, err
		}
		if price, err = fund.ParseDecimal(sample.Price); err != nil {
			return fund.Navs{}, nil, fmt.Errorf("latest sample: %w", err)
		}
	}
	if ts == 0 {
		ts = uint64(n.now().Unix())
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	navs, err := n.engine.ExtrapolateNav(ts, price)
	return navs, price, err
}

func (n *Node) DeployToStrategy(amount *uint256.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.DeployToStrategy(amount)
}

func (n *Node) ReturnFromStrategy(amount *uint256.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.ReturnFromStrategy(amount)
}

// ReportStrategy records the strategy's total holdings including yield.
func (n *Node) ReportStrategy(total *uint256.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.ReportStrategy(total)
}

// priceCache is implemented by oracles that memoise boundary prices.
type priceCache interface {
	Invalidate(at time.Time)
}

// PostPrice records an operator supplied price observed at at. It fills
// TWAP windows the sampler missed.
func (n *Node) PostPrice(ctx context.Context, price *uint256.Int, at time.Time) error {
	if n.history == nil {
		return ErrNoHistory
	}
	if price == nil || price.IsZero() {
		return fund.ErrInvalidAmount
	}
	if at.IsZero() {
		at = n.now()
	}
	sample := history.PriceSample{Source: oracle.ManualSource, Price: fund.FormatDecimal(price), ObservedAt: at}
	if err := n.history.RecordSample(ctx, sample); err != nil {
		return err
	}
	if c, ok := n.price.(priceCache); ok {
		c.Invalidate(at)
	}
	n.logger.Info("manual price recorded", slog.String("price", sample.Price), slog.Time("observed_at", at))
	return nil
}

// Settlements lists recorded settlements newest first.
func (n *Node) Settlements(ctx context.Context, before uint64, limit int) ([]history.Settlement, error) {
	if n.history == nil {
		return nil, ErrNoHistory
	}
	return n.history.Settlements(ctx, before, limit)
}

// Events lists logged events newest first.
func (n *Node) Events(ctx context.Context, eventType string, limit int) ([]map[string]string, error) {
	if n.history == nil {
		return nil, ErrNoHistory
	}
	evts, err := n.history.Events(ctx, eventType, limit)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]string, 0, len(evts))
	for _, evt := range evts {
		row := map[string]string{"type": evt.Type}
		for _, key := range evt.Keys() {
			row[key], _ = evt.Attr(key)
		}
		out = append(out, row)
	}
	return out, nil
}
