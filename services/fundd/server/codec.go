package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	nativecommon "tranchefund/native/common"
	"tranchefund/native/fund"
	"tranchefund/native/primarymarket"
	"tranchefund/services/fundd/node"
	history "tranchefund/services/fundd/storage"
)

const maxBodyBytes = 1 << 16

var errBadRequest = errors.New("bad request")

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, fund.ErrNotYetDue), errors.Is(err, fund.ErrAlreadySettled),
		errors.Is(err, fund.ErrInactiveMarket), errors.Is(err, fund.ErrFundInactive),
		errors.Is(err, nativecommon.ErrModulePaused), errors.Is(err, node.ErrRateFixed):
		return http.StatusConflict
	case errors.Is(err, fund.ErrUnauthorized), errors.Is(err, fund.ErrOnlyFund):
		return http.StatusForbidden
	case errors.Is(err, fund.ErrPriceNotReady), errors.Is(err, node.ErrNoHistory):
		return http.StatusServiceUnavailable
	case errors.Is(err, fund.ErrOutOfBounds), errors.Is(err, fund.ErrNoSnapshot),
		errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, fund.ErrInsufficientBalance), errors.Is(err, fund.ErrInsufficientAllowance),
		errors.Is(err, fund.ErrZeroAddress), errors.Is(err, fund.ErrBelowMinimum),
		errors.Is(err, fund.ErrEmptyFundNoUnderlying), errors.Is(err, fund.ErrZeroNavCreation),
		errors.Is(err, fund.ErrInvalidAmount), errors.Is(err, fund.ErrInvalidTranche),
		errors.Is(err, fund.ErrInsufficientLiquidity), errors.Is(err, fund.ErrOverflow),
		errors.Is(err, node.ErrUnknownModule),
		errors.Is(err, nativecommon.ErrQuotaRequestsExceeded), errors.Is(err, nativecommon.ErrQuotaAmountExceeded):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			"request_id", RequestIDFromContext(r.Context()),
			"route", routePattern(r),
			"error", err)
		msg = "internal error"
	}
	writeError(w, status, msg)
}

func decodeBody(r *http.Request, out interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: decode body: %v", errBadRequest, err)
	}
	return nil
}

func parseAmount(field, raw string) (*uint256.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: %s required", errBadRequest, field)
	}
	v, err := fund.ParseDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errBadRequest, field, err)
	}
	return v, nil
}

func parseAddress(field, raw string) (common.Address, error) {
	if !common.IsHexAddress(strings.TrimSpace(raw)) {
		return common.Address{}, fmt.Errorf("%w: %s must be a hex address", errBadRequest, field)
	}
	return common.HexToAddress(strings.TrimSpace(raw)), nil
}

func parseUint(field, raw string, fallback uint64) (uint64, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an unsigned integer", errBadRequest, field)
	}
	return v, nil
}

func pathUint(r *http.Request, key string) (uint64, error) {
	return parseUint(key, chi.URLParam(r, key), 0)
}

func pathTranche(r *http.Request) (fund.Tranche, error) {
	t, err := fund.ParseTranche(chi.URLParam(r, "tranche"))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return t, nil
}

func amount(v *uint256.Int) string { return fund.FormatDecimal(v) }

type amountsView struct {
	Base string `json:"base"`
	A    string `json:"a"`
	B    string `json:"b"`
}

func newAmountsView(a *fund.Amounts) amountsView {
	return amountsView{
		Base: amount(&a[fund.TrancheBase]),
		A:    amount(&a[fund.TrancheA]),
		B:    amount(&a[fund.TrancheB]),
	}
}

func (v amountsView) parse() (fund.Amounts, error) {
	var out fund.Amounts
	for t, raw := range [fund.TrancheCount]string{v.Base, v.A, v.B} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		parsed, err := parseAmount(fund.Tranche(t).String(), raw)
		if err != nil {
			return out, err
		}
		out[t].Set(parsed)
	}
	return out, nil
}

type navsView struct {
	Base string `json:"base"`
	A    string `json:"a"`
	B    string `json:"b"`
}

func newNavsView(n *fund.Navs) navsView {
	return navsView{Base: amount(&n.Base), A: amount(&n.A), B: amount(&n.B)}
}

type navSnapshotView struct {
	Day          uint64   `json:"day"`
	Navs         navsView `json:"navs"`
	TotalShares  string   `json:"total_shares"`
	Underlying   string   `json:"underlying"`
	InterestRate string   `json:"interest_rate"`
	Price        string   `json:"price"`
}

func newNavSnapshotView(s *fund.NavSnapshot) navSnapshotView {
	return navSnapshotView{
		Day:          s.Day,
		Navs:         navsView{Base: amount(&s.Base), A: amount(&s.A), B: amount(&s.B)},
		TotalShares:  amount(&s.TotalShares),
		Underlying:   amount(&s.Underlying),
		InterestRate: amount(&s.InterestRate),
		Price:        amount(&s.Price),
	}
}

type summaryView struct {
	CurrentDay           uint64          `json:"current_day"`
	LastSettledDay       uint64          `json:"last_settled_day"`
	FundActivityStart    uint64          `json:"fund_activity_start"`
	PrimaryActivityStart uint64          `json:"primary_activity_start"`
	RebalanceSize        uint64          `json:"rebalance_size"`
	TotalSupplies        amountsView     `json:"total_supplies"`
	TotalShares          string          `json:"total_shares"`
	TotalUnderlying      string          `json:"total_underlying"`
	HotUnderlying        string          `json:"hot_underlying"`
	StrategyUnderlying   string          `json:"strategy_underlying"`
	LastNav              navSnapshotView `json:"last_nav"`
	FundAccount          string          `json:"fund_account"`
	FeeCollector         string          `json:"fee_collector"`
	Paused               []string        `json:"paused"`
}

func newSummaryView(s *fund.FundSummary, paused []string) summaryView {
	return summaryView{
		CurrentDay:           s.CurrentDay,
		LastSettledDay:       s.LastSettledDay,
		FundActivityStart:    s.FundActivityStart,
		PrimaryActivityStart: s.PrimaryActivityStart,
		RebalanceSize:        s.RebalanceSize,
		TotalSupplies:        newAmountsView(&s.TotalSupplies),
		TotalShares:          amount(&s.TotalShares),
		TotalUnderlying:      amount(&s.TotalUnderlying),
		HotUnderlying:        amount(&s.HotUnderlying),
		StrategyUnderlying:   amount(&s.StrategyUnderlying),
		LastNav:              newNavSnapshotView(&s.LastNav),
		FundAccount:          s.FundAccount.Hex(),
		FeeCollector:         s.FeeCollector.Hex(),
		Paused:               paused,
	}
}

type rebalanceView struct {
	Index       uint64 `json:"index"`
	Day         uint64 `json:"day"`
	Kind        string `json:"kind"`
	RatioBase   string `json:"ratio_base"`
	RatioA2Base string `json:"ratio_a2base"`
	RatioB2Base string `json:"ratio_b2base"`
	RatioAB     string `json:"ratio_ab"`
}

func newRebalanceView(e *node.RebalanceEntry) rebalanceView {
	return rebalanceView{
		Index:       e.Index,
		Day:         e.Day,
		Kind:        e.Kind.String(),
		RatioBase:   amount(&e.RatioBase),
		RatioA2Base: amount(&e.RatioA2Base),
		RatioB2Base: amount(&e.RatioB2Base),
		RatioAB:     amount(&e.RatioAB),
	}
}

type settleView struct {
	Day                  uint64         `json:"day"`
	Navs                 navsView       `json:"navs"`
	Price                string         `json:"price"`
	InterestRate         string         `json:"interest_rate"`
	ManagementFee        string         `json:"management_fee"`
	SharesMinted         string         `json:"shares_minted"`
	SharesBurned         string         `json:"shares_burned"`
	CreationUnderlying   string         `json:"creation_underlying"`
	RedemptionUnderlying string         `json:"redemption_underlying"`
	Fee                  string         `json:"fee"`
	QueuePaid            string         `json:"queue_paid"`
	Rebalance            *rebalanceView `json:"rebalance,omitempty"`
}

func newSettleView(res *fund.SettleResult) settleView {
	v := settleView{
		Day:                  res.Day,
		Navs:                 newNavsView(&res.Navs),
		Price:                amount(&res.Price),
		InterestRate:         amount(&res.InterestRate),
		ManagementFee:        amount(&res.ManagementFee),
		SharesMinted:         amount(&res.Flows.SharesToMint),
		SharesBurned:         amount(&res.Flows.SharesToBurn),
		CreationUnderlying:   amount(&res.Flows.CreationUnderlying),
		RedemptionUnderlying: amount(&res.Flows.RedemptionUnderlying),
		Fee:                  amount(&res.Flows.Fee),
		QueuePaid:            amount(&res.QueuePaid),
	}
	if res.Rebalanced {
		rv := newRebalanceView(&node.RebalanceEntry{Index: res.RebalanceIndex, Rebalance: res.Rebalance})
		v.Rebalance = &rv
	}
	return v
}

type pendingView struct {
	Day                 uint64        `json:"day"`
	Version             uint64        `json:"version"`
	CreatingUnderlying  string        `json:"creating_underlying"`
	RedeemingShares     string        `json:"redeeming_shares"`
	ClaimableShares     string        `json:"claimable_shares"`
	ClaimableUnderlying string        `json:"claimable_underlying"`
	WaitingUnderlying   string        `json:"waiting_underlying"`
	Queue               []queuedClaim `json:"queue,omitempty"`
}

type queuedClaim struct {
	Day    uint64 `json:"day"`
	Amount string `json:"amount"`
}

func newPendingView(p *primarymarket.Pending) pendingView {
	v := pendingView{
		Day:                 p.Day,
		Version:             p.Version,
		CreatingUnderlying:  amount(&p.CreatingUnderlying),
		RedeemingShares:     amount(&p.RedeemingShares),
		ClaimableShares:     amount(&p.ClaimableShares),
		ClaimableUnderlying: amount(&p.ClaimableUnderlying),
		WaitingUnderlying:   amount(&p.WaitingUnderlying),
	}
	for _, c := range p.Queue[p.QueueHead:] {
		c := c
		v.Queue = append(v.Queue, queuedClaim{Day: c.Day, Amount: amount(&c.Amount)})
	}
	return v
}

type dayView struct {
	Day                  uint64 `json:"day"`
	CreatingUnderlying   string `json:"creating_underlying"`
	RedeemingShares      string `json:"redeeming_shares"`
	FeeShares            string `json:"fee_shares"`
	Settled              bool   `json:"settled"`
	SharesMinted         string `json:"shares_minted"`
	CreationFee          string `json:"creation_fee"`
	RedemptionUnderlying string `json:"redemption_underlying"`
	RedemptionFee        string `json:"redemption_fee"`
}

func newDayView(d *primarymarket.DayRecord) dayView {
	return dayView{
		Day:                  d.Day,
		CreatingUnderlying:   amount(&d.CreatingUnderlying),
		RedeemingShares:      amount(&d.RedeemingShares),
		FeeShares:            amount(&d.FeeShares),
		Settled:              d.Settled,
		SharesMinted:         amount(&d.SharesMinted),
		CreationFee:          amount(&d.CreationFee),
		RedemptionUnderlying: amount(&d.RedemptionUnderlying),
		RedemptionFee:        amount(&d.RedemptionFee),
	}
}

type queueEntryView struct {
	Day        uint64 `json:"day"`
	Obligation string `json:"obligation"`
	Paid       string `json:"paid"`
}

type queueView struct {
	Head        uint64           `json:"head"`
	Tail        uint64           `json:"tail"`
	Outstanding string           `json:"outstanding"`
	Entries     []queueEntryView `json:"entries"`
}

func newQueueView(q *primarymarket.QueueSummary) queueView {
	v := queueView{Head: q.Head, Tail: q.Tail, Outstanding: amount(&q.Outstanding), Entries: []queueEntryView{}}
	for i := range q.Entries {
		e := &q.Entries[i]
		v.Entries = append(v.Entries, queueEntryView{Day: e.Day, Obligation: amount(&e.Obligation), Paid: amount(&e.Paid)})
	}
	return v
}
