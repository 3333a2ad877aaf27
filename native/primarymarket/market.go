package primarymarket

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"tranchefund/core/events"
	"tranchefund/native/fund"
	nativecommon "tranchefund/native/common"
	"tranchefund/observability/metrics"
)

// Fund is the subset of the fund engine used by the primary market.
type Fund interface {
	Params() fund.Params
	BindPrimaryMarket(pm fund.PrimaryMarket, fundCap *fund.Capability) (*fund.Capability, error)
	Mint(cap *fund.Capability, t fund.Tranche, holder common.Address, amount *uint256.Int) error
	Burn(cap *fund.Capability, t fund.Tranche, holder common.Address, amount *uint256.Int) error
	BatchRebalance(amounts fund.Amounts, from, to uint64) (fund.Amounts, error)
	RebalanceSize() (uint64, error)
	CurrentDay() (uint64, error)
	IsPrimaryMarketActive(ts uint64) (bool, error)
}

// Bank moves the underlying asset.
type Bank interface {
	BalanceOf(addr common.Address) (*uint256.Int, error)
	Transfer(from, to common.Address, amount *uint256.Int) error
}

// Market is the primary market of one fund. Creations and redemptions are
// queued during the epoch and settled by the fund at its boundary; splits and
// merges apply immediately. A Market is not safe for concurrent use.
type Market struct {
	params  Params
	weights fund.Weights
	mult    *uint256.Int
	fund    Fund
	bank    Bank
	store   fund.Storage
	pmCap   *fund.Capability
	fundCap *fund.Capability
	emitter events.Emitter
	logger  *slog.Logger
	metrics *metrics.FundMetrics
	nowFn   func() time.Time
}

// New validates params, binds the market to f and returns it.
func New(params Params, f Fund, bank Bank, store fund.Storage) (*Market, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if f == nil || bank == nil || store == nil {
		return nil, errors.New("primary market: fund, bank and storage required")
	}
	fp := f.Params()
	m := &Market{
		params:  params,
		weights: fp.Weights,
		mult:    new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(fund.Decimals-fp.UnderlyingDecimals))),
		fund:    f,
		bank:    bank,
		store:   store,
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		metrics: metrics.Fund(),
		nowFn:   time.Now,
	}
	m.fundCap = fund.NewCapability(fund.RoleFund)
	pmCap, err := f.BindPrimaryMarket(m, m.fundCap)
	if err != nil {
		return nil, err
	}
	m.pmCap = pmCap
	return m, nil
}

func (m *Market) SetEmitter(emitter events.Emitter) {
	if m == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	m.emitter = emitter
}

func (m *Market) SetLogger(logger *slog.Logger) {
	if m == nil || logger == nil {
		return
	}
	m.logger = logger
}

// SetClock overrides the time source. Intended for tests.
func (m *Market) SetClock(now func() time.Time) {
	if m == nil || now == nil {
		return
	}
	m.nowFn = now
}

// Account implements fund.PrimaryMarket.
func (m *Market) Account() common.Address { return m.params.Account }

// Params returns the market configuration.
func (m *Market) Params() Params { return m.params }

func (m *Market) now() uint64 {
	ts := m.nowFn().Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

func (m *Market) requireActive() error {
	active, err := m.fund.IsPrimaryMarketActive(m.now())
	if err != nil {
		return err
	}
	if !active {
		return fund.ErrInactiveMarket
	}
	return nil
}

func (m *Market) emit(evt events.Event) {
	emitter := m.emitter
	m.store.AfterCommit(func() { emitter.Emit(evt) })
}

func (m *Market) observe(op string, err error) {
	m.metrics.ObservePrimaryOp(op, metrics.Outcome(err))
}

// Create queues a creation of base shares for underlying paid in now. The
// shares are priced at the boundary of the current epoch.
func (m *Market) Create(holder common.Address, underlying *uint256.Int) (err error) {
	defer func() { m.observe("create", err) }()
	if holder == (common.Address{}) {
		return fund.ErrZeroAddress
	}
	if underlying == nil || underlying.IsZero() || underlying.Lt(&m.params.MinCreationUnderlying) {
		return fund.ErrBelowMinimum
	}
	if err := m.requireActive(); err != nil {
		return err
	}
	m.store.Begin()
	defer m.store.End(&err)

	day, err := m.fund.CurrentDay()
	if err != nil {
		return err
	}
	req, err := m.updatedRequest(holder)
	if err != nil {
		return err
	}
	if req.Quota, err = nativecommon.CheckQuota(m.params.Quota, day, req.Quota, 1, underlying); err != nil {
		return err
	}
	if err := m.bank.Transfer(holder, m.params.Account, underlying); err != nil {
		return fmt.Errorf("primary market: collect underlying: %w", err)
	}
	rec, err := m.loadDay(day)
	if err != nil {
		return err
	}
	if _, overflow := rec.CreatingUnderlying.AddOverflow(&rec.CreatingUnderlying, underlying); overflow {
		return fund.ErrOverflow
	}
	req.CreatingUnderlying.Add(&req.CreatingUnderlying, underlying)
	req.Day = day
	if err := m.storeDay(rec); err != nil {
		return err
	}
	if err := m.storeRequest(holder, req); err != nil {
		return err
	}
	m.emit(events.PrimaryCreated{Holder: holder, Day: day, Underlying: new(uint256.Int).Set(underlying)})
	return nil
}

// Redeem queues a redemption of base shares. The shares move into the
// market's escrow at once and are burned at settlement.
func (m *Market) Redeem(holder common.Address, shares *uint256.Int) (err error) {
	defer func() { m.observe("redeem", err) }()
	if holder == (common.Address{}) {
		return fund.ErrZeroAddress
	}
	if shares == nil || shares.IsZero() {
		return fund.ErrBelowMinimum
	}
	if err := m.requireActive(); err != nil {
		return err
	}
	m.store.Begin()
	defer m.store.End(&err)

	day, err := m.fund.CurrentDay()
	if err != nil {
		return err
	}
	req, err := m.updatedRequest(holder)
	if err != nil {
		return err
	}
	if req.Quota, err = nativecommon.CheckQuota(m.params.Quota, day, req.Quota, 1, nil); err != nil {
		return err
	}
	if err := m.fund.Burn(m.pmCap, fund.TrancheBase, holder, shares); err != nil {
		return err
	}
	if err := m.fund.Mint(m.pmCap, fund.TrancheBase, m.params.Account, shares); err != nil {
		return err
	}
	rec, err := m.loadDay(day)
	if err != nil {
		return err
	}
	rec.RedeemingShares.Add(&rec.RedeemingShares, shares)
	req.RedeemingShares.Add(&req.RedeemingShares, shares)
	req.Day = day
	if err := m.storeDay(rec); err != nil {
		return err
	}
	if err := m.storeRequest(holder, req); err != nil {
		return err
	}
	m.emit(events.PrimaryRedeemed{Holder: holder, Day: day, Shares: new(uint256.Int).Set(shares)})
	return nil
}

// SplitResult reports the outcome of Split.
type SplitResult struct {
	OutA uint256.Int
	OutB uint256.Int
	Fee  uint256.Int
}

// Split converts base shares into A and B in the weight ratio. The fee and the
// remainder that does not fill a whole weight unit stay in escrow as base
// shares and are burned for the fee collector at settlement.
func (m *Market) Split(holder common.Address, base *uint256.Int) (res SplitResult, err error) {
	defer func() { m.observe("split", err) }()
	if holder == (common.Address{}) {
		return res, fund.ErrZeroAddress
	}
	if base == nil || base.IsZero() {
		return res, fund.ErrBelowMinimum
	}
	if err := m.requireActive(); err != nil {
		return res, err
	}
	fee, overflow := new(uint256.Int).MulDivOverflow(base, &m.params.SplitFeeRate, fund.Unit())
	if overflow {
		return res, fund.ErrOverflow
	}
	sum := uint256.NewInt(m.weights.Sum())
	units := new(uint256.Int).Sub(base, fee)
	units.Div(units, sum)
	if units.IsZero() {
		return res, fund.ErrBelowMinimum
	}
	outA := new(uint256.Int).Mul(units, uint256.NewInt(m.weights.A))
	outB := new(uint256.Int).Mul(units, uint256.NewInt(m.weights.B))
	feeTotal := new(uint256.Int).Sub(base, new(uint256.Int).Mul(units, sum))

	m.store.Begin()
	defer m.store.End(&err)

	if err := m.fund.Burn(m.pmCap, fund.TrancheBase, holder, base); err != nil {
		return res, err
	}
	if err := m.fund.Mint(m.pmCap, fund.TrancheA, holder, outA); err != nil {
		return res, err
	}
	if err := m.fund.Mint(m.pmCap, fund.TrancheB, holder, outB); err != nil {
		return res, err
	}
	if err := m.collectFeeShares(feeTotal); err != nil {
		return res, err
	}
	res.OutA.Set(outA)
	res.OutB.Set(outB)
	res.Fee.Set(feeTotal)
	m.emit(events.PrimarySplit{Holder: holder, In: new(uint256.Int).Set(base), OutA: outA, OutB: outB, Fee: feeTotal})
	return res, nil
}

// MergeResult reports the outcome of Merge.
type MergeResult struct {
	InA uint256.Int
	InB uint256.Int
	Out uint256.Int
	Fee uint256.Int
}

// Merge consumes whole weight units of A and B covered by aAmount of A and
// returns base shares minus the merge fee.
func (m *Market) Merge(holder common.Address, aAmount *uint256.Int) (res MergeResult, err error) {
	defer func() { m.observe("merge", err) }()
	if holder == (common.Address{}) {
		return res, fund.ErrZeroAddress
	}
	if aAmount == nil || aAmount.IsZero() {
		return res, fund.ErrBelowMinimum
	}
	if err := m.requireActive(); err != nil {
		return res, err
	}
	units := new(uint256.Int).Div(aAmount, uint256.NewInt(m.weights.A))
	if units.IsZero() {
		return res, fund.ErrBelowMinimum
	}
	inA := new(uint256.Int).Mul(units, uint256.NewInt(m.weights.A))
	inB := new(uint256.Int).Mul(units, uint256.NewInt(m.weights.B))
	gross := new(uint256.Int).Add(inA, inB)
	fee, overflow := new(uint256.Int).MulDivOverflow(gross, &m.params.MergeFeeRate, fund.Unit())
	if overflow {
		return res, fund.ErrOverflow
	}
	out := new(uint256.Int).Sub(gross, fee)

	m.store.Begin()
	defer m.store.End(&err)

	if err := m.fund.Burn(m.pmCap, fund.TrancheA, holder, inA); err != nil {
		return res, err
	}
	if err := m.fund.Burn(m.pmCap, fund.TrancheB, holder, inB); err != nil {
		return res, err
	}
	if err := m.fund.Mint(m.pmCap, fund.TrancheBase, holder, out); err != nil {
		return res, err
	}
	if err := m.collectFeeShares(fee); err != nil {
		return res, err
	}
	res.InA.Set(inA)
	res.InB.Set(inB)
	res.Out.Set(out)
	res.Fee.Set(fee)
	m.emit(events.PrimaryMerged{Holder: holder, InA: inA, InB: inB, Out: out, Fee: fee})
	return res, nil
}

// collectFeeShares mints fee base shares into escrow and books them on the
// current day so settlement burns them for their underlying value.
func (m *Market) collectFeeShares(fee *uint256.Int) error {
	if fee.IsZero() {
		return nil
	}
	day, err := m.fund.CurrentDay()
	if err != nil {
		return err
	}
	if err := m.fund.Mint(m.pmCap, fund.TrancheBase, m.params.Account, fee); err != nil {
		return err
	}
	rec, err := m.loadDay(day)
	if err != nil {
		return err
	}
	rec.FeeShares.Add(&rec.FeeShares, fee)
	return m.storeDay(rec)
}

// ClaimResult reports what Claim paid out.
type ClaimResult struct {
	Shares     uint256.Int
	Underlying uint256.Int
}

// Claim pays the holder's created base shares, converted through every
// rebalance since the request, and the redeemed underlying that is ready.
func (m *Market) Claim(holder common.Address) (res ClaimResult, err error) {
	defer func() { m.observe("claim", err) }()
	if holder == (common.Address{}) {
		return res, fund.ErrZeroAddress
	}
	m.store.Begin()
	defer m.store.End(&err)

	req, err := m.updatedRequest(holder)
	if err != nil {
		return res, err
	}
	shares := new(uint256.Int).Set(&req.CreatedShares)
	underlying := new(uint256.Int).Set(&req.RedeemedUnderlying)
	covered, err := m.coveredClaims(req)
	if err != nil {
		return res, err
	}
	for _, c := range req.Queue[req.QueueHead : req.QueueHead+covered] {
		underlying.Add(underlying, &c.Amount)
	}
	req.QueueHead += covered
	if req.QueueHead == uint64(len(req.Queue)) {
		req.Queue = nil
		req.QueueHead = 0
	}
	req.CreatedShares.Clear()
	req.RedeemedUnderlying.Clear()

	if !shares.IsZero() {
		if err := m.fund.Burn(m.pmCap, fund.TrancheBase, m.params.Account, shares); err != nil {
			return res, fmt.Errorf("primary market: release created shares: %w", err)
		}
		if err := m.fund.Mint(m.pmCap, fund.TrancheBase, holder, shares); err != nil {
			return res, err
		}
	}
	if err := m.bank.Transfer(m.params.Account, holder, underlying); err != nil {
		return res, fmt.Errorf("primary market: pay redemption: %w", err)
	}
	if err := m.storeRequest(holder, req); err != nil {
		return res, err
	}
	res.Shares.Set(shares)
	res.Underlying.Set(underlying)
	if !shares.IsZero() || !underlying.IsZero() {
		m.emit(events.PrimaryClaimed{Holder: holder, Shares: shares, Underlying: underlying})
		m.logger.Info("primary market claim", "holder", holder.Hex(), "shares", shares.Dec(), "underlying", underlying.Dec())
	}
	return res, nil
}

// updatedRequest folds settled days into the holder's claimable amounts and
// converts created shares to the latest rebalance version.
func (m *Market) updatedRequest(holder common.Address) (*Request, error) {
	req, err := m.loadRequest(holder)
	if err != nil {
		return nil, err
	}
	size, err := m.fund.RebalanceSize()
	if err != nil {
		return nil, err
	}
	if req.Day != 0 {
		rec, err := m.loadDay(req.Day)
		if err != nil {
			return nil, err
		}
		if rec.Settled {
			if err := m.foldSettledDay(req, rec); err != nil {
				return nil, err
			}
		}
	}
	if req.Version < size {
		if !req.CreatedShares.IsZero() {
			var pending fund.Amounts
			pending[fund.TrancheBase].Set(&req.CreatedShares)
			converted, err := m.fund.BatchRebalance(pending, req.Version, size)
			if err != nil {
				return nil, err
			}
			req.CreatedShares.Set(&converted[fund.TrancheBase])
		}
		req.Version = size
	}
	return req, nil
}

func (m *Market) foldSettledDay(req *Request, rec *DayRecord) error {
	if !req.CreatingUnderlying.IsZero() && !rec.CreatingUnderlying.IsZero() {
		created, overflow := new(uint256.Int).MulDivOverflow(&req.CreatingUnderlying, &rec.SharesMinted, &rec.CreatingUnderlying)
		if overflow {
			return fund.ErrOverflow
		}
		req.CreatedShares.Add(&req.CreatedShares, created)
	}
	if !req.RedeemingShares.IsZero() && !rec.RedeemingShares.IsZero() {
		redeemed, overflow := new(uint256.Int).MulDivOverflow(&req.RedeemingShares, &rec.RedemptionUnderlying, &rec.RedeemingShares)
		if overflow {
			return fund.ErrOverflow
		}
		if m.params.DelayedRedemption {
			if !redeemed.IsZero() {
				req.Queue = append(req.Queue, QueuedClaim{Day: rec.Day, Amount: *redeemed})
			}
		} else {
			req.RedeemedUnderlying.Add(&req.RedeemedUnderlying, redeemed)
		}
	}
	req.CreatingUnderlying.Clear()
	req.RedeemingShares.Clear()
	req.Day = 0
	return nil
}

// coveredClaims counts the holder's queued claims, from the head, whose day
// has been paid in full.
func (m *Market) coveredClaims(req *Request) (uint64, error) {
	var n uint64
	for _, c := range req.Queue[req.QueueHead:] {
		entry, ok, err := m.loadQueueEntry(c.Day)
		if err != nil {
			return 0, err
		}
		if !ok || !entry.Covered() {
			break
		}
		n++
	}
	return n, nil
}
