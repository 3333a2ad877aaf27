package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"tranchefund/native/fund"
	history "tranchefund/services/fundd/storage"
)

// holder returns the address the caller's token was issued to.
func (s *Server) holder(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	principal, _ := PrincipalFromContext(r.Context())
	addr, err := principal.Address()
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return common.Address{}, false
	}
	return addr, true
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.node.Summary()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSummaryView(&summary, s.node.Paused()))
}

type paramsView struct {
	EpochLength        uint64 `json:"epoch_length"`
	SettlementOffset   uint64 `json:"settlement_offset"`
	UpperThreshold     string `json:"upper_threshold"`
	LowerThreshold     string `json:"lower_threshold"`
	FixedThreshold     string `json:"fixed_threshold"`
	ManagementFeeBps   uint64 `json:"management_fee_bps"`
	WeightA            uint64 `json:"weight_a"`
	WeightB            uint64 `json:"weight_b"`
	RebalanceCooldown  uint64 `json:"rebalance_cooldown"`
	PrimaryCutoff      uint64 `json:"primary_cutoff"`
	InitialNav         string `json:"initial_nav"`
	UnderlyingDecimals uint8  `json:"underlying_decimals"`

	PrimaryMarket struct {
		Account             string `json:"account"`
		CreationFee         string `json:"creation_fee"`
		RedemptionFee       string `json:"redemption_fee"`
		SplitFee            string `json:"split_fee"`
		MergeFee            string `json:"merge_fee"`
		MinCreation         string `json:"min_creation"`
		DelayedRedemption   bool   `json:"delayed_redemption"`
		MaxRequestsPerEpoch uint32 `json:"max_requests_per_epoch"`
		MaxAmountPerEpoch   string `json:"max_amount_per_epoch"`
	} `json:"primary_market"`
}

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	fp, pp := s.node.Params()
	v := paramsView{
		EpochLength:        fp.EpochLength,
		SettlementOffset:   fp.SettlementOffset,
		UpperThreshold:     amount(&fp.UpperThreshold),
		LowerThreshold:     amount(&fp.LowerThreshold),
		FixedThreshold:     amount(&fp.FixedThreshold),
		ManagementFeeBps:   fp.ManagementFeeBps,
		WeightA:            fp.Weights.A,
		WeightB:            fp.Weights.B,
		RebalanceCooldown:  fp.RebalanceCooldown,
		PrimaryCutoff:      fp.PrimaryCutoff,
		InitialNav:         amount(&fp.InitialNav),
		UnderlyingDecimals: fp.UnderlyingDecimals,
	}
	v.PrimaryMarket.Account = pp.Account.Hex()
	v.PrimaryMarket.CreationFee = amount(&pp.CreationFeeRate)
	v.PrimaryMarket.RedemptionFee = amount(&pp.RedemptionFeeRate)
	v.PrimaryMarket.SplitFee = amount(&pp.SplitFeeRate)
	v.PrimaryMarket.MergeFee = amount(&pp.MergeFeeRate)
	v.PrimaryMarket.MinCreation = amount(&pp.MinCreationUnderlying)
	v.PrimaryMarket.DelayedRedemption = pp.DelayedRedemption
	v.PrimaryMarket.MaxRequestsPerEpoch = pp.Quota.MaxRequestsPerEpoch
	v.PrimaryMarket.MaxAmountPerEpoch = amount(&pp.Quota.MaxAmountPerEpoch)
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleSupplies(w http.ResponseWriter, r *http.Request) {
	supplies, err := s.node.TotalSupplies()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAmountsView(&supplies))
}

func (s *Server) handleLastNav(w http.ResponseWriter, r *http.Request) {
	snap, err := s.node.LastNav()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newNavSnapshotView(&snap))
}

func (s *Server) handleNav(w http.ResponseWriter, r *http.Request) {
	day, err := pathUint(r, "day")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	snap, ok, err := s.node.Nav(day)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no nav settled at %d", day))
		return
	}
	writeJSON(w, http.StatusOK, newNavSnapshotView(&snap))
}

func (s *Server) handleEstimateNav(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ts, err := parseUint("timestamp", q.Get("timestamp"), 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var price *uint256.Int
	if raw := q.Get("price"); raw != "" {
		if price, err = parseAmount("price", raw); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	navs, used, err := s.node.EstimateNav(r.Context(), ts, price)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": ts,
		"price":     amount(used),
		"navs":      newNavsView(&navs),
	})
}

func (s *Server) handleRebalances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseUint("from", q.Get("from"), 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := parseUint("limit", q.Get("limit"), 100)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	entries, size, err := s.node.Rebalances(from, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]rebalanceView, 0, len(entries))
	for i := range entries {
		out = append(out, newRebalanceView(&entries[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"size": size, "entries": out})
}

func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	index, err := pathUint(r, "index")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	entry, err := s.node.Rebalance(index)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if entry.IsZero() {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no rebalance at index %d", index))
		return
	}
	writeJSON(w, http.StatusOK, newRebalanceView(&entry))
}

func (s *Server) handleRebalanceByDay(w http.ResponseWriter, r *http.Request) {
	day, err := pathUint(r, "day")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	entry, ok, err := s.node.RebalanceByDay(day)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no rebalance at %d", day))
		return
	}
	writeJSON(w, http.StatusOK, newRebalanceView(&entry))
}

type convertRequest struct {
	Amounts amountsView `json:"amounts"`
	From    uint64      `json:"from"`
	To      uint64      `json:"to"`
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	in, err := req.Amounts.parse()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.node.ConvertBalances(in, req.From, req.To)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAmountsView(&out))
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	holdings, err := s.node.Balances(addr)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"holder":   holdings.Holder.Hex(),
		"version":  holdings.Version,
		"balances": newAmountsView(&holdings.Balances),
	})
}

func (s *Server) handleUnderlying(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	bal, err := s.node.UnderlyingBalance(addr)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"holder": addr.Hex(), "balance": amount(bal)})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	pending, err := s.node.Pending(addr)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPendingView(&pending))
}

func (s *Server) handleAllowance(w http.ResponseWriter, r *http.Request) {
	owner, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	spender, err := parseAddress("spender", chi.URLParam(r, "spender"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	tranche, err := pathTranche(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	allowance, err := s.node.Allowance(tranche, owner, spender)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"owner":     owner.Hex(),
		"spender":   spender.Hex(),
		"tranche":   tranche.String(),
		"allowance": amount(allowance),
	})
}

func (s *Server) handlePrimaryDay(w http.ResponseWriter, r *http.Request) {
	day, err := pathUint(r, "day")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.node.PrimaryDay(day)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDayView(&rec))
}

func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	day, err := pathUint(r, "day")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rates, err := s.node.Rates(day)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"day":        rates.Day,
		"creation":   amount(&rates.Creation),
		"redemption": amount(&rates.Redemption),
	})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	q, err := s.node.Queue()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newQueueView(&q))
}

type settlementView struct {
	Day                  uint64    `json:"day"`
	RunID                string    `json:"run_id"`
	NavBase              string    `json:"nav_base"`
	NavA                 string    `json:"nav_a"`
	NavB                 string    `json:"nav_b"`
	Price                string    `json:"price"`
	SharesMinted         string    `json:"shares_minted"`
	SharesBurned         string    `json:"shares_burned"`
	CreationUnderlying   string    `json:"creation_underlying"`
	RedemptionUnderlying string    `json:"redemption_underlying"`
	Fee                  string    `json:"fee"`
	ManagementFee        string    `json:"management_fee"`
	InterestRate         string    `json:"interest_rate"`
	QueuePaid            string    `json:"queue_paid"`
	Rebalanced           bool      `json:"rebalanced"`
	SettledAt            time.Time `json:"settled_at"`
}

func newSettlementView(rec *history.Settlement) settlementView {
	return settlementView{
		Day:                  rec.Day,
		RunID:                rec.RunID,
		NavBase:              rec.NavBase,
		NavA:                 rec.NavA,
		NavB:                 rec.NavB,
		Price:                rec.Price,
		SharesMinted:         rec.SharesMinted,
		SharesBurned:         rec.SharesBurned,
		CreationUnderlying:   rec.CreationUnderlying,
		RedemptionUnderlying: rec.RedemptionUnderlying,
		Fee:                  rec.Fee,
		ManagementFee:        rec.ManagementFee,
		InterestRate:         rec.InterestRate,
		QueuePaid:            rec.QueuePaid,
		Rebalanced:           rec.Rebalanced,
		SettledAt:            rec.SettledAt,
	}
}

func queryLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("%w: limit must be a non-negative integer", errBadRequest)
	}
	return limit, nil
}

func (s *Server) handleSettlements(w http.ResponseWriter, r *http.Request) {
	before, err := parseUint("before", r.URL.Query().Get("before"), 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	records, err := s.node.Settlements(r.Context(), before, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]settlementView, 0, len(records))
	for i := range records {
		out = append(out, newSettlementView(&records[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	evts, err := s.node.Events(r.Context(), strings.TrimSpace(r.URL.Query().Get("type")), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evts)
}

type amountRequest struct {
	Amount string `json:"amount"`
}

// decodeAmount reads an {"amount": "..."} body.
func decodeAmount(r *http.Request) (*uint256.Int, error) {
	var req amountRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	return parseAmount("amount", req.Amount)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	holder, ok := s.holder(w, r)
	if !ok {
		return
	}
	underlying, err := decodeAmount(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.node.Create(holder, underlying); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writePending(w, r, holder)
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	holder, ok := s.holder(w, r)
	if !ok {
		return
	}
	shares, err := decodeAmount(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.node.Redeem(holder, shares); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writePending(w, r, holder)
}

func (s *Server) writePending(w http.ResponseWriter, r *http.Request, holder common.Address) {
	pending, err := s.node.Pending(holder)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newPendingView(&pending))
}

func (s *Server) handleSplit(w http.ResponseWriter, r *http.Request) {
	holder, ok := s.holder(w, r)
	if !ok {
		return
	}
	base, err := decodeAmount(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.node.Split(holder, base)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"out_a": amount(&res.OutA),
		"out_b": amount(&res.OutB),
		"fee":   amount(&res.Fee),
	})
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	holder, ok := s.holder(w, r)
	if !ok {
		return
	}
	inA, err := decodeAmount(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.node.Merge(holder, inA)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"in_a": amount(&res.InA),
		"in_b": amount(&res.InB),
		"out":  amount(&res.Out),
		"fee":  amount(&res.Fee),
	})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	holder, ok := s.holder(w, r)
	if !ok {
		return
	}
	res, err := s.node.Claim(holder)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"shares":     amount(&res.Shares),
		"underlying": amount(&res.Underlying),
	})
}

type transferRequest struct {
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Amount string `json:"amount"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	s.handleToken(w, r, func(t fund.Tranche, caller common.Address, req transferRequest, amt *uint256.Int) error {
		to, err := parseAddress("to", req.To)
		if err != nil {
			return err
		}
		return s.node.Transfer(t, caller, to, amt)
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.handleToken(w, r, func(t fund.Tranche, caller common.Address, req transferRequest, amt *uint256.Int) error {
		spender, err := parseAddress("to", req.To)
		if err != nil {
			return err
		}
		return s.node.Approve(t, caller, spender, amt)
	})
}

func (s *Server) handleTransferFrom(w http.ResponseWriter, r *http.Request) {
	s.handleToken(w, r, func(t fund.Tranche, caller common.Address, req transferRequest, amt *uint256.Int) error {
		from, err := parseAddress("from", req.From)
		if err != nil {
			return err
		}
		to, err := parseAddress("to", req.To)
		if err != nil {
			return err
		}
		return s.node.TransferFrom(t, caller, from, to, amt)
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request, apply func(fund.Tranche, common.Address, transferRequest, *uint256.Int) error) {
	caller, ok := s.holder(w, r)
	if !ok {
		return
	}
	tranche, err := pathTranche(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req transferRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	amt, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := apply(tranche, caller, req, amt); err != nil {
		s.fail(w, r, err)
		return
	}
	holdings, err := s.node.Balances(caller)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAmountsView(&holdings.Balances))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	holder, ok := s.holder(w, r)
	if !ok {
		return
	}
	// A zero target refreshes to the latest rebalance version.
	var req struct {
		Target uint64 `json:"target"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.node.RefreshBalance(holder, req.Target); err != nil {
		s.fail(w, r, err)
		return
	}
	holdings, err := s.node.Balances(holder)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"holder":   holdings.Holder.Hex(),
		"version":  holdings.Version,
		"balances": newAmountsView(&holdings.Balances),
	})
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Max int `json:"max"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Max < 0 {
		s.fail(w, r, fmt.Errorf("%w: max must not be negative", errBadRequest))
		return
	}
	results, err := s.node.SettleDue(r.Context(), req.Max)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]settleView, 0, len(results))
	for i := range results {
		out = append(out, newSettleView(&results[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Module string `json:"module"`
		Paused bool   `json:"paused"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.node.SetPaused(strings.TrimSpace(req.Module), req.Paused); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("module pause updated", "module", req.Module, "paused", req.Paused)
	writeJSON(w, http.StatusOK, map[string]interface{}{"paused": s.node.Paused()})
}

func (s *Server) handleStrategy(w http.ResponseWriter, r *http.Request, apply func(*uint256.Int) error) {
	amt, err := decodeAmount(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := apply(amt); err != nil {
		s.fail(w, r, err)
		return
	}
	s.handleSummary(w, r)
}

func (s *Server) handleStrategyDeploy(w http.ResponseWriter, r *http.Request) {
	s.handleStrategy(w, r, s.node.DeployToStrategy)
}

func (s *Server) handleStrategyReturn(w http.ResponseWriter, r *http.Request) {
	s.handleStrategy(w, r, s.node.ReturnFromStrategy)
}

func (s *Server) handleStrategyReport(w http.ResponseWriter, r *http.Request) {
	s.handleStrategy(w, r, s.node.ReportStrategy)
}

func (s *Server) handlePostPrice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Price      string    `json:"price"`
		ObservedAt time.Time `json:"observed_at"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	price, err := parseAmount("price", req.Price)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.node.PostPrice(r.Context(), price, req.ObservedAt); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInterestRate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rate string `json:"rate"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	rate, err := parseAmount("rate", req.Rate)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.node.SetInterestRate(rate); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"rate": amount(rate)})
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To     string `json:"to"`
		Amount string `json:"amount"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	amt, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.node.MintUnderlying(to, amt); err != nil {
		s.fail(w, r, err)
		return
	}
	bal, err := s.node.UnderlyingBalance(to)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"holder": to.Hex(), "balance": amount(bal)})
}
