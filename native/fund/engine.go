package fund

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tranchefund/core/events"
	nativecommon "tranchefund/native/common"
	"tranchefund/observability/metrics"
)

const moduleName = nativecommon.ModuleFund

var errNoPrimaryMarket = errors.New("fund: primary market not bound")

// PauseController is a PauseView that can also change flags.
type PauseController interface {
	nativecommon.PauseView
	SetPaused(module string, paused bool) error
}

// Engine is the settlement and rebalancing state machine of one fund. It keeps
// no mutable state in memory; every call reads and writes through the
// journaled store. An Engine is not safe for concurrent use.
type Engine struct {
	params  Params
	store   Storage
	bank    Bank
	price   PriceOracle
	rates   InterestRateOracle
	pauses  nativecommon.PauseView
	emitter events.Emitter
	logger  *slog.Logger
	metrics *metrics.FundMetrics
	tracer  trace.Tracer
	nowFn   func() time.Time

	pm        PrimaryMarket
	pmCap     *Capability
	fundCap   *Capability
	tokenCaps [TrancheCount]*Capability
	hooks     [TrancheCount]TokenHooks
}

// NewEngine validates params and returns an engine bound to its store, bank
// and price oracle.
func NewEngine(params Params, store Storage, bank Bank, price PriceOracle) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("fund: storage required")
	}
	if bank == nil {
		return nil, errors.New("fund: bank required")
	}
	if price == nil {
		return nil, errors.New("fund: price oracle required")
	}
	return &Engine{
		params:  params,
		store:   store,
		bank:    bank,
		price:   price,
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		metrics: metrics.Fund(),
		tracer:  otel.Tracer("tranchefund/fund"),
		nowFn:   time.Now,
	}, nil
}

// SetRateOracle configures the interest rate source of tranche A. Without
// one tranche A accrues no interest.
func (e *Engine) SetRateOracle(o InterestRateOracle) {
	if e == nil {
		return
	}
	e.rates = o
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil || logger == nil {
		return
	}
	e.logger = logger
}

// SetClock overrides the time source. Intended for tests.
func (e *Engine) SetClock(now func() time.Time) {
	if e == nil || now == nil {
		return
	}
	e.nowFn = now
}

// Params returns the engine configuration.
func (e *Engine) Params() Params { return e.params }

func (e *Engine) now() uint64 {
	ts := e.nowFn().Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

// BindPrimaryMarket registers the primary market and returns its mint/burn
// capability. fundCap is the capability the fund presents when settling the
// primary market. It may be called once.
func (e *Engine) BindPrimaryMarket(pm PrimaryMarket, fundCap *Capability) (*Capability, error) {
	if pm == nil || fundCap == nil || fundCap.Role() != RoleFund {
		return nil, errors.New("fund: primary market and fund capability required")
	}
	if e.pmCap != nil {
		return nil, ErrAlreadyBound
	}
	e.pm = pm
	e.fundCap = fundCap
	e.pmCap = NewCapability(RolePrimaryMarket)
	return e.pmCap, nil
}

// IssueTokenCapability returns the capability authorising transfers of tranche
// t. hooks, when non-nil, observe every balance and allowance change of t.
func (e *Engine) IssueTokenCapability(t Tranche, hooks TokenHooks) (*Capability, error) {
	if !t.Valid() {
		return nil, ErrInvalidTranche
	}
	if e.tokenCaps[t] != nil {
		return nil, ErrAlreadyBound
	}
	c := NewCapability(RoleToken)
	c.tranche = t
	e.tokenCaps[t] = c
	e.hooks[t] = hooks
	return c, nil
}

func (e *Engine) isPrimaryMarket(c *Capability) bool {
	return c != nil && c == e.pmCap
}

func (e *Engine) isToken(c *Capability, t Tranche) bool {
	return c != nil && t.Valid() && c == e.tokenCaps[t]
}

// Initialize records the genesis snapshot: the epoch ending after now starts
// at InitialNav for the base share and par for tranche A.
func (e *Engine) Initialize() (err error) {
	e.store.Begin()
	defer e.store.End(&err)

	st, err := e.loadState()
	if err != nil {
		return err
	}
	if st.Initialized {
		return ErrAlreadyInitialized
	}
	day := e.params.EndOfEpoch(e.now())
	if day < e.params.EpochLength {
		return fmt.Errorf("fund: clock precedes the first epoch")
	}
	prev := day - e.params.EpochLength
	navs, err := navsOf(&e.params.InitialNav, unit, e.params.Weights)
	if err != nil {
		return err
	}
	snap := &NavSnapshot{Day: prev, Base: navs.Base, A: navs.A, B: navs.B}
	if err := e.storeSnapshot(snap); err != nil {
		return err
	}
	st.Initialized = true
	st.CurrentDay = day
	st.LastSettledDay = prev
	st.FundActivityStart = prev
	st.PrimaryActivityStart = prev
	if err := e.storeState(st); err != nil {
		return err
	}
	e.logger.Info("fund initialised", "currentDay", day, "navBase", navs.Base.Dec())
	return nil
}

// Initialized reports whether Initialize has run.
func (e *Engine) Initialized() (bool, error) {
	st, err := e.loadState()
	if err != nil {
		return false, err
	}
	return st.Initialized, nil
}

// CurrentDay returns the end boundary of the epoch being accumulated.
func (e *Engine) CurrentDay() (uint64, error) {
	st, err := e.loadInitializedState()
	if err != nil {
		return 0, err
	}
	return st.CurrentDay, nil
}

// IsFundActive reports whether trading of the tranches is allowed at ts.
func (e *Engine) IsFundActive(ts uint64) (bool, error) {
	if nativecommon.Guard(e.pauses, moduleName) != nil {
		return false, nil
	}
	st, err := e.loadInitializedState()
	if err != nil {
		return false, err
	}
	return ts >= st.FundActivityStart, nil
}

// IsPrimaryMarketActive reports whether primary market requests are accepted
// at ts: after any rebalance cooldown and before the cutoff that precedes the
// pending boundary.
func (e *Engine) IsPrimaryMarketActive(ts uint64) (bool, error) {
	if nativecommon.Guard(e.pauses, moduleName) != nil {
		return false, nil
	}
	if nativecommon.Guard(e.pauses, nativecommon.ModulePrimaryMarket) != nil {
		return false, nil
	}
	st, err := e.loadInitializedState()
	if err != nil {
		return false, err
	}
	if ts < st.PrimaryActivityStart {
		return false, nil
	}
	return ts+e.params.PrimaryCutoff < st.CurrentDay, nil
}

// HistoricalNav returns the snapshot settled at day.
func (e *Engine) HistoricalNav(day uint64) (NavSnapshot, bool, error) {
	snap, ok, err := e.loadSnapshot(day)
	if err != nil || !ok {
		return NavSnapshot{}, ok, err
	}
	return *snap, true, nil
}

// LastNav returns the most recent snapshot.
func (e *Engine) LastNav() (NavSnapshot, error) {
	st, err := e.loadInitializedState()
	if err != nil {
		return NavSnapshot{}, err
	}
	snap, ok, err := e.loadSnapshot(st.LastSettledDay)
	if err != nil {
		return NavSnapshot{}, err
	}
	if !ok {
		return NavSnapshot{}, fmt.Errorf("fund: snapshot %d missing", st.LastSettledDay)
	}
	return *snap, nil
}

// HotUnderlying returns the underlying held directly by the fund account.
func (e *Engine) HotUnderlying() (*uint256.Int, error) {
	return e.bank.BalanceOf(e.params.FundAccount)
}

// TotalUnderlying returns the underlying backing outstanding shares: the hot
// balance plus strategy holdings, minus redemptions owed through the queue.
func (e *Engine) TotalUnderlying() (*uint256.Int, error) {
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	return e.totalUnderlying(st)
}

func (e *Engine) totalUnderlying(st *fundState) (*uint256.Int, error) {
	hot, err := e.bank.BalanceOf(e.params.FundAccount)
	if err != nil {
		return nil, fmt.Errorf("fund: load hot balance: %w", err)
	}
	total, err := checkedAdd(hot, &st.StrategyUnderlying)
	if err != nil {
		return nil, err
	}
	if q, ok := e.redemptionQueue(); ok {
		owed, err := q.QueueOutstanding()
		if err != nil {
			return nil, err
		}
		total = saturatingSub(total, owed)
	}
	return total, nil
}

func (e *Engine) redemptionQueue() (RedemptionQueue, bool) {
	q, ok := e.pm.(RedemptionQueue)
	if !ok || !q.QueueEnabled() {
		return nil, false
	}
	return q, true
}

// Snapshot returns a read-only summary of the fund.
func (e *Engine) Snapshot() (FundSummary, error) {
	st, err := e.loadInitializedState()
	if err != nil {
		return FundSummary{}, err
	}
	shares, err := totalShares(st.TotalSupplies)
	if err != nil {
		return FundSummary{}, err
	}
	underlying, err := e.totalUnderlying(st)
	if err != nil {
		return FundSummary{}, err
	}
	hot, err := e.HotUnderlying()
	if err != nil {
		return FundSummary{}, err
	}
	last, err := e.LastNav()
	if err != nil {
		return FundSummary{}, err
	}
	return FundSummary{
		CurrentDay:           st.CurrentDay,
		LastSettledDay:       st.LastSettledDay,
		FundActivityStart:    st.FundActivityStart,
		PrimaryActivityStart: st.PrimaryActivityStart,
		RebalanceSize:        st.RebalanceSize,
		TotalSupplies:        st.TotalSupplies,
		TotalShares:          *shares,
		TotalUnderlying:      *underlying,
		HotUnderlying:        *hot,
		StrategyUnderlying:   st.StrategyUnderlying,
		LastNav:              last,
		FundAccount:          e.params.FundAccount,
		FeeCollector:         e.params.FeeCollector,
		Paused:               nativecommon.Guard(e.pauses, moduleName) != nil,
	}, nil
}

// SetPaused toggles the pause flag of module ("fund" or "primarymarket").
func (e *Engine) SetPaused(module string, paused bool) error {
	ctrl, ok := e.pauses.(PauseController)
	if !ok {
		return errors.New("fund: pause controller not configured")
	}
	if err := ctrl.SetPaused(module, paused); err != nil {
		return err
	}
	e.emitter.Emit(events.FundPaused{Module: module, Paused: paused})
	e.logger.Info("pause flag changed", "module", module, "paused", paused)
	return nil
}

// Settle closes the current epoch once its boundary has passed: it charges
// the management fee, settles the primary market at the pre-rebalance nav,
// computes the new navs, appends a rebalance when a threshold is crossed and
// records the snapshot.
func (e *Engine) Settle(ctx context.Context) (*SettleResult, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "fund.settle")
	defer span.End()

	res, err := e.settle(ctx)
	e.metrics.ObserveSettlement(settleOutcome(err), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if IsTransient(err) {
			e.logger.WarnContext(ctx, "settlement deferred", "error", err)
		}
		return nil, err
	}
	span.SetAttributes(
		attribute.Int64("fund.day", int64(res.Day)),
		attribute.Bool("fund.rebalanced", res.Rebalanced),
	)
	e.logger.InfoContext(ctx, "fund settled",
		slog.Uint64("day", res.Day),
		slog.String("navBase", res.Navs.Base.Dec()),
		slog.String("navA", res.Navs.A.Dec()),
		slog.String("navB", res.Navs.B.Dec()),
		slog.Bool("rebalanced", res.Rebalanced),
	)
	return res, nil
}

func settleOutcome(err error) string {
	switch {
	case err == nil:
		return "settled"
	case errors.Is(err, ErrNotYetDue):
		return "not_due"
	case IsTransient(err):
		return "price_not_ready"
	default:
		return "error"
	}
}

// SettleUntil settles every overdue epoch in order, at most maxEpochs of
// them (0 means no limit). It stops at the first epoch that is not due yet
// without reporting ErrNotYetDue.
func (e *Engine) SettleUntil(ctx context.Context, maxEpochs int) ([]SettleResult, error) {
	var out []SettleResult
	for maxEpochs <= 0 || len(out) < maxEpochs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := e.Settle(ctx)
		if errors.Is(err, ErrNotYetDue) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, *res)
	}
	return out, nil
}

func (e *Engine) settle(ctx context.Context) (res *SettleResult, err error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if e.pm == nil {
		return nil, errNoPrimaryMarket
	}

	e.store.Begin()
	defer e.store.End(&err)

	st, err := e.loadInitializedState()
	if err != nil {
		return nil, err
	}
	day := st.CurrentDay
	if e.now() < day {
		return nil, fmt.Errorf("%w: boundary %d", ErrNotYetDue, day)
	}
	price, err := e.price.Twap(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("fund: twap %d: %w", day, err)
	}
	if price == nil || price.IsZero() {
		return nil, fmt.Errorf("%w: boundary %d", ErrPriceNotReady, day)
	}
	prev, ok, err := e.loadSnapshot(st.LastSettledDay)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("fund: snapshot %d missing", st.LastSettledDay)
	}

	res = &SettleResult{Day: day}
	res.Price.Set(price)

	sharesBefore, err := totalShares(st.TotalSupplies)
	if err != nil {
		return nil, err
	}
	underlying, err := e.totalUnderlying(st)
	if err != nil {
		return nil, err
	}

	mgmtFee, err := e.chargeManagementFee(underlying)
	if err != nil {
		return nil, err
	}
	res.ManagementFee.Set(mgmtFee)
	underlying.Sub(underlying, mgmtFee)

	rate, err := e.captureRate(ctx, day)
	if err != nil {
		return nil, err
	}
	res.InterestRate.Set(rate)

	flows, err := e.pm.Settle(e.fundCap, day, sharesBefore, underlying, price, &prev.Base)
	if err != nil {
		return nil, fmt.Errorf("fund: settle primary market: %w", err)
	}
	res.Flows = flows
	queuePaid, err := e.applyFlows(st, flows)
	if err != nil {
		return nil, err
	}
	res.QueuePaid.Set(queuePaid)

	sharesAfter, err := totalShares(st.TotalSupplies)
	if err != nil {
		return nil, err
	}
	underlyingAfter, err := e.totalUnderlying(st)
	if err != nil {
		return nil, err
	}

	navBase := new(uint256.Int).Set(&prev.Base)
	navA := new(uint256.Int).Set(&prev.A)
	if !sharesAfter.IsZero() {
		if navBase, err = NavBaseOf(price, underlyingAfter, sharesAfter, e.params.underlyingMultiplier()); err != nil {
			return nil, err
		}
		if !sharesBefore.IsZero() {
			if navA, err = AccrueNavA(&prev.A, e.params.managementFeeRate(), &prev.InterestRate, 1); err != nil {
				return nil, err
			}
		}
	}
	navs, err := navsOf(navBase, navA, e.params.Weights)
	if err != nil {
		return nil, err
	}

	kind, err := e.params.triggeredKind(navs)
	if err != nil {
		return nil, err
	}
	if kind != 0 {
		r, err := RebalanceRatios(kind, navs, e.params.Weights, day)
		if err != nil {
			return nil, err
		}
		index, err := e.appendRebalance(st, r)
		if err != nil {
			return nil, err
		}
		res.Rebalanced = true
		res.Rebalance = r
		res.RebalanceIndex = index
		navs = Navs{}
		navs.Base.Set(unit)
		navs.A.Set(unit)
		navs.B.Set(unit)
		st.FundActivityStart = day + e.params.RebalanceCooldown
		st.PrimaryActivityStart = day + e.params.RebalanceCooldown
	} else {
		st.FundActivityStart = day
		st.PrimaryActivityStart = day
	}
	res.Navs = navs

	finalShares, err := totalShares(st.TotalSupplies)
	if err != nil {
		return nil, err
	}
	snap := &NavSnapshot{Day: day, Base: navs.Base, A: navs.A, B: navs.B, InterestRate: *rate, Price: *price}
	snap.TotalShares.Set(finalShares)
	snap.Underlying.Set(underlyingAfter)
	if err := e.storeSnapshot(snap); err != nil {
		return nil, err
	}
	st.LastSettledDay = day
	st.CurrentDay = day + e.params.EpochLength
	if err := e.storeState(st); err != nil {
		return nil, err
	}
	e.afterSettle(res)
	return res, nil
}

func (e *Engine) chargeManagementFee(underlying *uint256.Int) (*uint256.Int, error) {
	fee, err := ManagementFee(underlying, e.params.ManagementFeeBps, 1)
	if err != nil {
		return nil, err
	}
	if fee.IsZero() {
		return fee, nil
	}
	hot, err := e.bank.BalanceOf(e.params.FundAccount)
	if err != nil {
		return nil, err
	}
	if q, ok := e.redemptionQueue(); ok {
		owed, err := q.QueueOutstanding()
		if err != nil {
			return nil, err
		}
		// Underlying owed to queued redemptions is not the fund's to charge.
		hot = saturatingSub(hot, owed)
	}
	if fee.Gt(hot) {
		// Strategy holdings are not liquid; charge what the hot balance holds.
		fee.Set(hot)
	}
	if fee.IsZero() {
		return fee, nil
	}
	if err := e.bank.Transfer(e.params.FundAccount, e.params.FeeCollector, fee); err != nil {
		return nil, fmt.Errorf("fund: pay management fee: %w", err)
	}
	return fee, nil
}

func (e *Engine) captureRate(ctx context.Context, day uint64) (*uint256.Int, error) {
	if e.rates == nil {
		return new(uint256.Int), nil
	}
	rate, err := e.rates.Capture(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("fund: capture interest rate: %w", err)
	}
	if rate == nil {
		return new(uint256.Int), nil
	}
	return rate, nil
}

// applyFlows mints and burns the primary market's base shares and moves the
// underlying. Creation and redemption underlying are netted so only the
// signed difference changes hands. It returns the underlying applied to the
// redemption queue.
func (e *Engine) applyFlows(st *fundState, flows Flows) (*uint256.Int, error) {
	pmAccount := e.pm.Account()
	if !flows.SharesToBurn.IsZero() {
		if err := e.burn(st, TrancheBase, pmAccount, &flows.SharesToBurn); err != nil {
			return nil, fmt.Errorf("fund: burn redeemed shares: %w", err)
		}
	}
	if !flows.SharesToMint.IsZero() {
		if err := e.mint(st, TrancheBase, pmAccount, &flows.SharesToMint); err != nil {
			return nil, fmt.Errorf("fund: mint created shares: %w", err)
		}
	}

	if err := e.bank.Transfer(pmAccount, e.params.FeeCollector, &flows.CreationFee); err != nil {
		return nil, fmt.Errorf("fund: pay creation fee: %w", err)
	}
	fundFee := saturatingSub(&flows.Fee, &flows.CreationFee)

	hot, err := e.bank.BalanceOf(e.params.FundAccount)
	if err != nil {
		return nil, err
	}
	if fundFee.Gt(hot) {
		return nil, fmt.Errorf("%w: fee %s exceeds hot balance %s", ErrInsufficientLiquidity, fundFee.Dec(), hot.Dec())
	}
	available, err := checkedAdd(new(uint256.Int).Sub(hot, fundFee), &flows.CreationUnderlying)
	if err != nil {
		return nil, err
	}

	creation := &flows.CreationUnderlying
	payout := new(uint256.Int).Set(&flows.RedemptionUnderlying)
	queue, queued := e.redemptionQueue()
	if queued {
		owed, err := queue.QueueOutstanding()
		if err != nil {
			return nil, err
		}
		payout = minInt(owed, available)
	} else if payout.Gt(available) {
		return nil, fmt.Errorf("%w: redemptions %s exceed available %s", ErrInsufficientLiquidity, payout.Dec(), available.Dec())
	}

	if creation.Gt(payout) {
		err = e.bank.Transfer(pmAccount, e.params.FundAccount, new(uint256.Int).Sub(creation, payout))
	} else {
		err = e.bank.Transfer(e.params.FundAccount, pmAccount, new(uint256.Int).Sub(payout, creation))
	}
	if err != nil {
		return nil, fmt.Errorf("fund: transfer net underlying: %w", err)
	}
	if err := e.bank.Transfer(e.params.FundAccount, e.params.FeeCollector, fundFee); err != nil {
		return nil, fmt.Errorf("fund: pay primary market fee: %w", err)
	}
	if !queued {
		return new(uint256.Int), nil
	}
	if !payout.IsZero() {
		if err := queue.FundQueue(e.fundCap, payout); err != nil {
			return nil, fmt.Errorf("fund: fund redemption queue: %w", err)
		}
	}
	return payout, nil
}

func (e *Engine) afterSettle(res *SettleResult) {
	emitter := e.emitter
	m := e.metrics
	r := *res
	e.store.AfterCommit(func() {
		if !r.ManagementFee.IsZero() {
			emitter.Emit(events.FundFeeCharged{Day: r.Day, Collector: e.params.FeeCollector, Amount: new(uint256.Int).Set(&r.ManagementFee)})
		}
		if r.Rebalanced {
			emitter.Emit(events.FundRebalanced{
				Index:       r.RebalanceIndex,
				Day:         r.Day,
				Kind:        r.Rebalance.Kind.String(),
				RatioBase:   new(uint256.Int).Set(&r.Rebalance.RatioBase),
				RatioA2Base: new(uint256.Int).Set(&r.Rebalance.RatioA2Base),
				RatioB2Base: new(uint256.Int).Set(&r.Rebalance.RatioB2Base),
				RatioAB:     new(uint256.Int).Set(&r.Rebalance.RatioAB),
			})
			m.ObserveRebalance(r.Rebalance.Kind.String())
		}
		emitter.Emit(events.FundSettled{
			Day:                  r.Day,
			NavBase:              new(uint256.Int).Set(&r.Navs.Base),
			NavA:                 new(uint256.Int).Set(&r.Navs.A),
			NavB:                 new(uint256.Int).Set(&r.Navs.B),
			Price:                new(uint256.Int).Set(&r.Price),
			SharesMinted:         new(uint256.Int).Set(&r.Flows.SharesToMint),
			SharesBurned:         new(uint256.Int).Set(&r.Flows.SharesToBurn),
			CreationUnderlying:   new(uint256.Int).Set(&r.Flows.CreationUnderlying),
			RedemptionUnderlying: new(uint256.Int).Set(&r.Flows.RedemptionUnderlying),
			Fee:                  new(uint256.Int).Set(&r.Flows.Fee),
			Rebalanced:           r.Rebalanced,
		})
		m.SetNav(TrancheBase.String(), decimalFloat(&r.Navs.Base))
		m.SetNav(TrancheA.String(), decimalFloat(&r.Navs.A))
		m.SetNav(TrancheB.String(), decimalFloat(&r.Navs.B))
	})
}

// ExtrapolateNav estimates the navs at timestamp for the given price from the
// last snapshot settled at or before it. Whole elapsed epochs of fee and
// interest accrue; navA never decreases.
func (e *Engine) ExtrapolateNav(timestamp uint64, price *uint256.Int) (Navs, error) {
	if price == nil {
		return Navs{}, ErrInvalidAmount
	}
	st, err := e.loadInitializedState()
	if err != nil {
		return Navs{}, err
	}
	end := e.params.EndOfEpoch(timestamp)
	var boundary uint64
	switch {
	case timestamp >= e.params.SettlementOffset && end <= timestamp:
		// The epoch end does not fit in uint64; only the last snapshot can precede it.
		boundary = st.LastSettledDay
	case end < e.params.EpochLength:
		return Navs{}, fmt.Errorf("%w: timestamp %d predates the first epoch", ErrNoSnapshot, timestamp)
	default:
		boundary = end - e.params.EpochLength
	}
	if boundary > st.LastSettledDay {
		boundary = st.LastSettledDay
	}
	snap, ok, err := e.loadSnapshot(boundary)
	if err != nil {
		return Navs{}, err
	}
	if !ok {
		return Navs{}, fmt.Errorf("%w at or before %d", ErrNoSnapshot, timestamp)
	}
	if snap.TotalShares.IsZero() {
		return Navs{Base: snap.Base, A: snap.A, B: snap.B}, nil
	}
	var epochs uint64
	if timestamp > boundary {
		epochs = (timestamp - boundary) / e.params.EpochLength
	}
	fee, err := ManagementFee(&snap.Underlying, e.params.ManagementFeeBps, epochs)
	if err != nil {
		return Navs{}, err
	}
	underlying := new(uint256.Int).Sub(&snap.Underlying, fee)
	navBase, err := NavBaseOf(price, underlying, &snap.TotalShares, e.params.underlyingMultiplier())
	if err != nil {
		return Navs{}, err
	}
	navA, err := AccrueNavA(&snap.A, e.params.managementFeeRate(), &snap.InterestRate, epochs)
	if err != nil {
		return Navs{}, err
	}
	return navsOf(navBase, navA, e.params.Weights)
}

// DeployToStrategy moves hot underlying to the strategy account.
func (e *Engine) DeployToStrategy(amount *uint256.Int) (err error) {
	if e.params.StrategyAccount == (common.Address{}) {
		return errors.New("fund: strategy account not configured")
	}
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	e.store.Begin()
	defer e.store.End(&err)
	st, err := e.loadInitializedState()
	if err != nil {
		return err
	}
	if err := e.bank.Transfer(e.params.FundAccount, e.params.StrategyAccount, amount); err != nil {
		return fmt.Errorf("fund: deploy to strategy: %w", err)
	}
	deployed, err := checkedAdd(&st.StrategyUnderlying, amount)
	if err != nil {
		return err
	}
	st.StrategyUnderlying.Set(deployed)
	e.emitStrategyMove("deploy", amount, deployed)
	return e.storeState(st)
}

// ReturnFromStrategy moves underlying from the strategy account back to the
// fund. Returning more than was deployed realises the difference as gain.
func (e *Engine) ReturnFromStrategy(amount *uint256.Int) (err error) {
	if e.params.StrategyAccount == (common.Address{}) {
		return errors.New("fund: strategy account not configured")
	}
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	e.store.Begin()
	defer e.store.End(&err)
	st, err := e.loadInitializedState()
	if err != nil {
		return err
	}
	if err := e.bank.Transfer(e.params.StrategyAccount, e.params.FundAccount, amount); err != nil {
		return fmt.Errorf("fund: return from strategy: %w", err)
	}
	deployed := saturatingSub(&st.StrategyUnderlying, amount)
	st.StrategyUnderlying.Set(deployed)
	e.emitStrategyMove("return", amount, deployed)
	return e.storeState(st)
}

// ReportStrategy marks the strategy holdings at total.
func (e *Engine) ReportStrategy(total *uint256.Int) (err error) {
	if total == nil {
		return ErrInvalidAmount
	}
	e.store.Begin()
	defer e.store.End(&err)
	st, err := e.loadInitializedState()
	if err != nil {
		return err
	}
	st.StrategyUnderlying.Set(total)
	e.emitStrategyMove("report", total, total)
	return e.storeState(st)
}

func (e *Engine) emitStrategyMove(direction string, amount, deployed *uint256.Int) {
	evt := events.FundStrategyMove{
		Direction: direction,
		Amount:    new(uint256.Int).Set(amount),
		Deployed:  new(uint256.Int).Set(deployed),
	}
	emitter := e.emitter
	e.store.AfterCommit(func() { emitter.Emit(evt) })
}

// decimalFloat converts an 18-decimal number for metrics only.
func decimalFloat(v *uint256.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v.ToBig()), big.NewFloat(1e18)).Float64()
	return f
}
