package primarymarket

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"tranchefund/native/fund"
)

func TestSettleBootstrapsEmptyFund(t *testing.T) {
	env := newEnv(t, nil, func(p *Params) { p.CreationFeeRate.Set(dec("0.0015")) })
	env.give(alice, dec("1"))
	require.NoError(t, env.market.Create(alice, dec("1")))

	day := env.day()
	flows, err := env.market.Settle(env.market.fundCap, day, new(uint256.Int), new(uint256.Int), dec("30000"), dec("0.5"))
	require.NoError(t, err)
	// 1 * 30000 / 0.5 * (1 - 0.0015)
	requireAmount(t, dec("59910"), &flows.SharesToMint, "bootstrap shares")
	requireAmount(t, dec("0.0015"), &flows.CreationFee, "creation fee")
	requireAmount(t, dec("0.9985"), &flows.CreationUnderlying, "net creation")
	requireAmount(t, dec("0.0015"), &flows.Fee, "total fee")

	_, err = env.market.Settle(env.market.fundCap, day, new(uint256.Int), new(uint256.Int), dec("30000"), dec("0.5"))
	require.ErrorIs(t, err, fund.ErrAlreadySettled)
}

func TestSettleIssuesProRataInNonEmptyFund(t *testing.T) {
	env := newEnv(t, nil, func(p *Params) { p.CreationFeeRate.Set(dec("0.0015")) })
	env.give(alice, dec("1"))
	require.NoError(t, env.market.Create(alice, dec("1")))

	flows, err := env.market.Settle(env.market.fundCap, env.day(), dec("10000"), dec("10"), dec("1000"), dec("1"))
	require.NoError(t, err)
	requireAmount(t, dec("998.5"), &flows.SharesToMint, "shares")
}

func TestSettleRoundsDown(t *testing.T) {
	env := newEnv(t, nil, func(p *Params) { p.CreationFeeRate.Set(dec("0.3")) })
	env.give(alice, uint256.NewInt(9))
	require.NoError(t, env.market.Create(alice, uint256.NewInt(9)))

	day := env.day()
	flows, err := env.market.Settle(env.market.fundCap, day, uint256.NewInt(16), uint256.NewInt(25), dec("1"), dec("1"))
	require.NoError(t, err)
	requireAmount(t, uint256.NewInt(2), &flows.CreationFee, "fee")
	requireAmount(t, uint256.NewInt(4), &flows.SharesToMint, "minted")

	rate, err := env.market.CreationRate(day)
	require.NoError(t, err)
	requireAmount(t, new(uint256.Int).Div(dec("4"), uint256.NewInt(9)), rate, "creation rate")
}

func TestSettleRejectsDegenerateFunds(t *testing.T) {
	env := newEnv(t, nil, nil)
	env.give(alice, dec("1"))
	require.NoError(t, env.market.Create(alice, dec("1")))
	day := env.day()

	_, err := env.market.Settle(env.market.fundCap, day, new(uint256.Int), new(uint256.Int), dec("1"), new(uint256.Int))
	require.ErrorIs(t, err, fund.ErrZeroNavCreation)
	_, err = env.market.Settle(env.market.fundCap, day, dec("16"), new(uint256.Int), dec("1"), dec("1"))
	require.ErrorIs(t, err, fund.ErrEmptyFundNoUnderlying)

	rec, err := env.market.Day(day)
	require.NoError(t, err)
	require.False(t, rec.Settled, "failed settlements must not mark the day")
}

func TestSettleRequiresFundCapability(t *testing.T) {
	env := newEnv(t, nil, nil)
	_, err := env.market.Settle(nil, env.day(), new(uint256.Int), new(uint256.Int), dec("1"), dec("1"))
	require.ErrorIs(t, err, fund.ErrOnlyFund)
	_, err = env.market.Settle(fund.NewCapability(fund.RoleFund), env.day(), new(uint256.Int), new(uint256.Int), dec("1"), dec("1"))
	require.ErrorIs(t, err, fund.ErrOnlyFund)
	require.ErrorIs(t, env.market.FundQueue(env.market.pmCap, dec("1")), fund.ErrOnlyFund)
}
