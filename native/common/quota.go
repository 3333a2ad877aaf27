package common

import (
	"errors"
	"math"

	"github.com/holiman/uint256"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaAmountExceeded   = errors.New("quota amount cap exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaNow captures the current quota usage counters for a holder.
type QuotaNow struct {
	ReqCount uint32
	Used     uint256.Int
	EpochID  uint64
}

// Quota defines the limits enforced for primary market requests per holder
// and epoch. Zero values disable the corresponding limit.
type Quota struct {
	MaxRequestsPerEpoch uint32
	MaxAmountPerEpoch   uint256.Int
}

// CheckQuota verifies whether the additional request and amount fit within the
// configured quota. The returned QuotaNow reflects the updated counters when the
// quota is not exceeded.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addReq uint32, addAmount *uint256.Int) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addReq > 0 {
		if next.ReqCount > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.ReqCount += addReq
	}
	if q.MaxRequestsPerEpoch > 0 && next.ReqCount > q.MaxRequestsPerEpoch {
		return prev, ErrQuotaRequestsExceeded
	}

	if addAmount != nil && !addAmount.IsZero() {
		if _, overflow := next.Used.AddOverflow(&next.Used, addAmount); overflow {
			return prev, ErrQuotaCounterOverflow
		}
	}
	if !q.MaxAmountPerEpoch.IsZero() && next.Used.Gt(&q.MaxAmountPerEpoch) {
		return prev, ErrQuotaAmountExceeded
	}

	return next, nil
}
