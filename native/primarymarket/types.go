package primarymarket

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	nativecommon "tranchefund/native/common"
)

var (
	dayPrefix     = []byte("pm/day/")
	requestPrefix = []byte("pm/request/")
	queueKey      = []byte("pm/queue")
	queuePrefix   = []byte("pm/queue/")
)

func dayBytes(day uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], day)
	return buf[:]
}

func dayKey(day uint64) []byte {
	return append(append([]byte{}, dayPrefix...), dayBytes(day)...)
}

func requestKey(holder common.Address) []byte {
	return append(append([]byte{}, requestPrefix...), holder.Bytes()...)
}

func queueEntryKey(day uint64) []byte {
	return append(append([]byte{}, queuePrefix...), dayBytes(day)...)
}

// DayRecord aggregates one epoch's requests and, once settled, its outcome.
type DayRecord struct {
	Day                uint64
	CreatingUnderlying uint256.Int
	RedeemingShares    uint256.Int
	FeeShares          uint256.Int

	Settled              bool
	SharesMinted         uint256.Int
	CreationFee          uint256.Int
	RedemptionUnderlying uint256.Int
	RedemptionFee        uint256.Int
}

// QueuedClaim is a holder's share of one day's queued redemptions.
type QueuedClaim struct {
	Day    uint64
	Amount uint256.Int
}

// Request is a holder's pending and claimable primary market position.
// CreatedShares are expressed in rebalance Version.
type Request struct {
	Day                uint64
	Version            uint64
	CreatingUnderlying uint256.Int
	RedeemingShares    uint256.Int
	CreatedShares      uint256.Int
	RedeemedUnderlying uint256.Int
	Queue              []QueuedClaim
	QueueHead          uint64
	Quota              nativecommon.QuotaNow
}

// QueuedUnderlying sums the queued claims that have not been paid yet.
func (r *Request) QueuedUnderlying() *uint256.Int {
	total := new(uint256.Int)
	for _, c := range r.Queue[r.QueueHead:] {
		total.Add(total, &c.Amount)
	}
	return total
}

// QueueEntry is one day of the delayed redemption queue. Entries form a
// singly linked list ordered by day.
type QueueEntry struct {
	Day        uint64
	Obligation uint256.Int
	Paid       uint256.Int
	Next       uint64
}

// Covered reports whether the entry has been paid in full.
func (q *QueueEntry) Covered() bool {
	return !q.Paid.Lt(&q.Obligation)
}

// QueueState is the head of the delayed redemption queue.
type QueueState struct {
	Head        uint64
	Tail        uint64
	Outstanding uint256.Int
}

// Pending is the holder view returned by PendingOf.
type Pending struct {
	Request
	// ClaimableShares and ClaimableUnderlying are what Claim would pay now.
	ClaimableShares     uint256.Int
	ClaimableUnderlying uint256.Int
	// WaitingUnderlying is queued for days that are not yet covered.
	WaitingUnderlying uint256.Int
}

func (m *Market) loadDay(day uint64) (*DayRecord, error) {
	rec := &DayRecord{Day: day}
	if _, err := m.store.KVGet(dayKey(day), rec); err != nil {
		return nil, fmt.Errorf("primary market: load day %d: %w", day, err)
	}
	return rec, nil
}

func (m *Market) storeDay(rec *DayRecord) error {
	if err := m.store.KVPut(dayKey(rec.Day), rec); err != nil {
		return fmt.Errorf("primary market: store day %d: %w", rec.Day, err)
	}
	return nil
}

func (m *Market) loadRequest(holder common.Address) (*Request, error) {
	req := new(Request)
	if _, err := m.store.KVGet(requestKey(holder), req); err != nil {
		return nil, fmt.Errorf("primary market: load request: %w", err)
	}
	return req, nil
}

func (m *Market) storeRequest(holder common.Address, req *Request) error {
	if err := m.store.KVPut(requestKey(holder), req); err != nil {
		return fmt.Errorf("primary market: store request: %w", err)
	}
	return nil
}

func (m *Market) loadQueue() (*QueueState, error) {
	q := new(QueueState)
	if _, err := m.store.KVGet(queueKey, q); err != nil {
		return nil, fmt.Errorf("primary market: load queue: %w", err)
	}
	return q, nil
}

func (m *Market) storeQueue(q *QueueState) error {
	if err := m.store.KVPut(queueKey, q); err != nil {
		return fmt.Errorf("primary market: store queue: %w", err)
	}
	return nil
}

func (m *Market) loadQueueEntry(day uint64) (*QueueEntry, bool, error) {
	entry := new(QueueEntry)
	ok, err := m.store.KVGet(queueEntryKey(day), entry)
	if err != nil {
		return nil, false, fmt.Errorf("primary market: load queue entry %d: %w", day, err)
	}
	return entry, ok, nil
}

func (m *Market) storeQueueEntry(entry *QueueEntry) error {
	if err := m.store.KVPut(queueEntryKey(entry.Day), entry); err != nil {
		return fmt.Errorf("primary market: store queue entry %d: %w", entry.Day, err)
	}
	return nil
}
