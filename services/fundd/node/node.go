package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"tranchefund/core/events"
	"tranchefund/native/bank"
	nativecommon "tranchefund/native/common"
	"tranchefund/native/fund"
	"tranchefund/native/primarymarket"
	"tranchefund/observability"
	"tranchefund/observability/metrics"
	"tranchefund/services/fundd/config"
	"tranchefund/services/fundd/oracle"
	history "tranchefund/services/fundd/storage"
	"tranchefund/storage"
)

var (
	// ErrRateFixed is returned when the interest rate oracle cannot be changed.
	ErrRateFixed = errors.New("node: interest rate oracle is not adjustable")
	// ErrUnknownModule is returned for pause requests on other modules.
	ErrUnknownModule = errors.New("node: unknown module")
)

// Node owns the fund state and serialises every engine call. The engines,
// bank and journal are not safe for concurrent use on their own.
type Node struct {
	mu sync.Mutex

	db      storage.Database
	journal *storage.Journal
	bank    *bank.Bank
	pauses  *nativecommon.PauseRegistry
	engine  *fund.Engine
	market  *primarymarket.Market
	tokens  [fund.TrancheCount]*fund.Token
	history *history.Store
	price   fund.PriceOracle
	rates   fund.InterestRateOracle
	hooks   fund.TokenHooks

	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Node.
type Option func(*Node)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) {
		if l != nil {
			n.logger = l
		}
	}
}

// WithClock overrides the time source of the node and its engines.
func WithClock(now func() time.Time) Option {
	return func(n *Node) {
		if now != nil {
			n.now = now
		}
	}
}

// WithRateOracle sets the interest rate source of tranche A.
func WithRateOracle(o fund.InterestRateOracle) Option {
	return func(n *Node) { n.rates = o }
}

// WithTokenHooks replaces the default token activity hooks.
func WithTokenHooks(h fund.TokenHooks) Option {
	return func(n *Node) { n.hooks = h }
}

// OpenDatabase opens the state database under dataDir, or an in-memory one
// when dataDir is empty.
func OpenDatabase(dataDir string) (storage.Database, error) {
	if dataDir == "" {
		return storage.NewMemDB(), nil
	}
	path := filepath.Join(dataDir, "state")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := storage.NewLevelDB(path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	return db, nil
}

// New wires the bank, pause registry, fund engine and primary market over db
// and initialises the fund on first start.
func New(cfg config.Config, db storage.Database, hist *history.Store, price fund.PriceOracle, opts ...Option) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("state database required")
	}
	if price == nil {
		return nil, fmt.Errorf("price oracle required")
	}
	fundParams, err := cfg.FundParams()
	if err != nil {
		return nil, fmt.Errorf("fund params: %w", err)
	}
	pmParams, err := cfg.PrimaryMarketParams()
	if err != nil {
		return nil, fmt.Errorf("primary market params: %w", err)
	}
	n := &Node{
		db:      db,
		history: hist,
		price:   price,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	if n.rates == nil {
		n.rates = oracle.NewFixedRate(cfg.Oracle.InterestRate.Int())
	}

	n.journal = storage.NewJournal(storage.NewKVStore(db))
	asset := cfg.Fund.UnderlyingAsset
	if asset == "" {
		asset = "underlying"
	}
	n.bank = bank.New(n.journal, asset)
	if n.pauses, err = nativecommon.NewPauseRegistry(n.journal); err != nil {
		return nil, fmt.Errorf("load pause flags: %w", err)
	}

	emitter := events.Multi{observability.EventCounter{}}
	if hist != nil {
		emitter = append(emitter, &historyEmitter{store: hist, logger: n.logger, now: n.now})
	}

	if n.engine, err = fund.NewEngine(fundParams, n.journal, n.bank, price); err != nil {
		return nil, err
	}
	n.engine.SetRateOracle(n.rates)
	n.engine.SetPauses(n.pauses)
	n.engine.SetEmitter(emitter)
	n.engine.SetLogger(n.logger.With(slog.String("module", nativecommon.ModuleFund)))
	n.engine.SetClock(n.now)

	if n.market, err = primarymarket.New(pmParams, n.engine, n.bank, n.journal); err != nil {
		return nil, err
	}
	n.market.SetEmitter(emitter)
	n.market.SetLogger(n.logger.With(slog.String("module", nativecommon.ModulePrimaryMarket)))
	n.market.SetClock(n.now)

	if n.hooks == nil {
		n.hooks = &tokenActivity{metrics: metrics.Fund(), logger: n.logger}
	}
	for t := fund.Tranche(0); t < fund.TrancheCount; t++ {
		if n.tokens[t], err = n.engine.NewToken(t, n.hooks); err != nil {
			return nil, err
		}
	}

	initialized, err := n.engine.Initialized()
	if err != nil {
		return nil, err
	}
	if !initialized {
		if err := n.engine.Initialize(); err != nil {
			return nil, fmt.Errorf("initialize fund: %w", err)
		}
	}
	return n, nil
}

// Close releases the state database. The history store is owned by the
// caller.
func (n *Node) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.db != nil {
		n.db.Close()
		n.db = nil
	}
}

// Ready reports whether the history store answers.
func (n *Node) Ready(ctx context.Context) error {
	if n.history == nil {
		return nil
	}
	return n.history.Ping(ctx)
}

// Params returns the fund and primary market parameters.
func (n *Node) Params() (fund.Params, primarymarket.Params) {
	return n.engine.Params(), n.market.Params()
}

// Summary returns the fund overview.
func (n *Node) Summary() (fund.FundSummary, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.Snapshot()
}

// CurrentDay returns the boundary of the accumulating epoch.
func (n *Node) CurrentDay() (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.CurrentDay()
}

// Paused lists the paused modules.
func (n *Node) Paused() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pauses.Paused()
}

// SetPaused pauses or resumes the fund or the primary market.
func (n *Node) SetPaused(module string, paused bool) error {
	switch module {
	case nativecommon.ModuleFund, nativecommon.ModulePrimaryMarket:
	default:
		return fmt.Errorf("%w %q", ErrUnknownModule, module)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.SetPaused(module, paused)
}

// SetInterestRate changes the per-epoch rate of tranche A when the rate
// oracle is a FixedRate.
func (n *Node) SetInterestRate(rate *uint256.Int) error {
	fixed, ok := n.rates.(*oracle.FixedRate)
	if !ok {
		return ErrRateFixed
	}
	fixed.Set(rate)
	n.logger.Info("interest rate updated", slog.String("rate", fund.FormatDecimal(rate)))
	return nil
}

// InterestRate reports the rate the next settlement would capture.
func (n *Node) InterestRate(ctx context.Context) (*uint256.Int, error) {
	n.mu.Lock()
	day, err := n.engine.CurrentDay()
	n.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return n.rates.Capture(ctx, day)
}
