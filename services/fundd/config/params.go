package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"tranchefund/native/fund"
	"tranchefund/native/primarymarket"
	"tranchefund/observability/logging"
)

// FundParams converts the fund section into engine parameters. Unset
// thresholds, weights and accounts keep fund.DefaultParams; time offsets are
// taken as written, so an omitted settlement_offset means midnight UTC.
func (cfg Config) FundParams() (fund.Params, error) {
	f := cfg.Fund
	p := fund.DefaultParams()
	if f.EpochLength.Duration > 0 {
		p.EpochLength = f.EpochLength.Seconds()
	}
	p.SettlementOffset = f.SettlementOffset.Seconds()
	p.RebalanceCooldown = f.RebalanceCooldown.Seconds()
	p.PrimaryCutoff = f.PrimaryCutoff.Seconds()
	p.ManagementFeeBps = f.ManagementFeeBps
	if f.WeightA != 0 || f.WeightB != 0 {
		p.Weights = fund.Weights{A: f.WeightA, B: f.WeightB}
	}
	if !f.UpperThreshold.IsZero() {
		p.UpperThreshold.Set(f.UpperThreshold.Int())
	}
	if !f.LowerThreshold.IsZero() {
		p.LowerThreshold.Set(f.LowerThreshold.Int())
	}
	p.FixedThreshold.Set(f.FixedThreshold.Int())
	if !f.InitialNav.IsZero() {
		p.InitialNav.Set(f.InitialNav.Int())
	}
	if f.UnderlyingDecimals != 0 {
		p.UnderlyingDecimals = f.UnderlyingDecimals
	}

	var err error
	if p.FundAccount, err = addressOr(f.FundAccount, p.FundAccount, "fund_account"); err != nil {
		return p, err
	}
	if p.FeeCollector, err = addressOr(f.FeeCollector, p.FeeCollector, "fee_collector"); err != nil {
		return p, err
	}
	if p.StrategyAccount, err = addressOr(f.StrategyAccount, p.StrategyAccount, "strategy_account"); err != nil {
		return p, err
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// PrimaryMarketParams converts the primary_market section.
func (cfg Config) PrimaryMarketParams() (primarymarket.Params, error) {
	pm := cfg.PrimaryMarket
	p := primarymarket.DefaultParams()
	var err error
	if p.Account, err = addressOr(pm.Account, p.Account, "primary_market.account"); err != nil {
		return p, err
	}
	p.CreationFeeRate.Set(pm.CreationFee.Int())
	p.RedemptionFeeRate.Set(pm.RedemptionFee.Int())
	p.SplitFeeRate.Set(pm.SplitFee.Int())
	p.MergeFeeRate.Set(pm.MergeFee.Int())
	p.MinCreationUnderlying.Set(pm.MinCreation.Int())
	p.DelayedRedemption = pm.DelayedRedemption
	p.Quota.MaxRequestsPerEpoch = pm.MaxRequestsPerEpoch
	p.Quota.MaxAmountPerEpoch.Set(pm.MaxUnderlyingPerEpoch.Int())
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// LogAttrs summarises the configuration for the startup log line with
// secrets masked.
func (cfg Config) LogAttrs() []any {
	return []any{
		slog.String("listen", cfg.ListenAddress),
		slog.String("data_dir", cfg.DataDir),
		slog.String("driver", cfg.History.Driver),
		slog.String("history_dsn", logging.MaskDSN(cfg.History.DSN)),
		logging.MaskField("admin_secret", cfg.Admin.Secret),
		slog.String("schedule", cfg.Scheduler.Schedule),
		slog.Int("oracle_sources", len(cfg.Oracle.Sources)),
	}
}

func addressOr(raw string, fallback common.Address, field string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", field, raw)
	}
	return common.HexToAddress(trimmed), nil
}
