package fund

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Storage is the journaled key-value store the fund persists to. Begin/End
// delimit an atomic scope: writes made inside are committed only when the
// outermost scope ends without error, and AfterCommit callbacks run after
// that commit.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	Begin()
	End(errp *error)
	AfterCommit(fn func())
}

var (
	stateKey           = []byte("fund/state")
	holderPrefix       = []byte("fund/holder/")
	allowancePrefix    = []byte("fund/allowance/")
	rebalancePrefix    = []byte("fund/rebalance/")
	rebalanceDayPrefix = []byte("fund/rebalance-day/")
	navSnapshotPrefix  = []byte("fund/nav/")
)

func prefixedKey(prefix []byte, parts ...[]byte) []byte {
	size := len(prefix)
	for _, p := range parts {
		size += len(p)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, prefix...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return buf
}

func uint64Bytes(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

func holderKey(addr common.Address) []byte {
	return prefixedKey(holderPrefix, addr.Bytes())
}

func allowanceKey(owner, spender common.Address) []byte {
	return prefixedKey(allowancePrefix, owner.Bytes(), spender.Bytes())
}

func rebalanceKey(index uint64) []byte {
	return prefixedKey(rebalancePrefix, uint64Bytes(index))
}

func rebalanceDayKey(day uint64) []byte {
	return prefixedKey(rebalanceDayPrefix, uint64Bytes(day))
}

func navSnapshotKey(day uint64) []byte {
	return prefixedKey(navSnapshotPrefix, uint64Bytes(day))
}

// fundState is the mutable singleton of the fund.
type fundState struct {
	Initialized          bool
	CurrentDay           uint64
	LastSettledDay       uint64
	FundActivityStart    uint64
	PrimaryActivityStart uint64
	RebalanceSize        uint64
	TotalSupplies        Amounts
	StrategyUnderlying   uint256.Int
}

// holderRecord is a holder's balances as of rebalance Version.
type holderRecord struct {
	Balances Amounts
	Version  uint64
}

// allowanceRecord is an owner's allowances for one spender as of Version.
type allowanceRecord struct {
	Allowances Amounts
	Version    uint64
}

func (e *Engine) loadState() (*fundState, error) {
	st := new(fundState)
	if _, err := e.store.KVGet(stateKey, st); err != nil {
		return nil, fmt.Errorf("fund: load state: %w", err)
	}
	return st, nil
}

func (e *Engine) loadInitializedState() (*fundState, error) {
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	if !st.Initialized {
		return nil, ErrNotInitialized
	}
	return st, nil
}

func (e *Engine) storeState(st *fundState) error {
	if err := e.store.KVPut(stateKey, st); err != nil {
		return fmt.Errorf("fund: store state: %w", err)
	}
	return nil
}

func (e *Engine) loadHolder(addr common.Address) (*holderRecord, error) {
	rec := new(holderRecord)
	if _, err := e.store.KVGet(holderKey(addr), rec); err != nil {
		return nil, fmt.Errorf("fund: load holder: %w", err)
	}
	return rec, nil
}

func (e *Engine) storeHolder(addr common.Address, rec *holderRecord) error {
	if err := e.store.KVPut(holderKey(addr), rec); err != nil {
		return fmt.Errorf("fund: store holder: %w", err)
	}
	return nil
}

func (e *Engine) loadAllowance(owner, spender common.Address) (*allowanceRecord, error) {
	rec := new(allowanceRecord)
	if _, err := e.store.KVGet(allowanceKey(owner, spender), rec); err != nil {
		return nil, fmt.Errorf("fund: load allowance: %w", err)
	}
	return rec, nil
}

func (e *Engine) storeAllowance(owner, spender common.Address, rec *allowanceRecord) error {
	if err := e.store.KVPut(allowanceKey(owner, spender), rec); err != nil {
		return fmt.Errorf("fund: store allowance: %w", err)
	}
	return nil
}

func (e *Engine) loadRebalance(index uint64) (*Rebalance, error) {
	r := new(Rebalance)
	ok, err := e.store.KVGet(rebalanceKey(index), r)
	if err != nil {
		return nil, fmt.Errorf("fund: load rebalance %d: %w", index, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: entry %d missing", ErrOutOfBounds, index)
	}
	return r, nil
}

func (e *Engine) loadSnapshot(day uint64) (*NavSnapshot, bool, error) {
	snap := new(NavSnapshot)
	ok, err := e.store.KVGet(navSnapshotKey(day), snap)
	if err != nil {
		return nil, false, fmt.Errorf("fund: load nav snapshot: %w", err)
	}
	return snap, ok, nil
}

func (e *Engine) storeSnapshot(snap *NavSnapshot) error {
	if err := e.store.KVPut(navSnapshotKey(snap.Day), snap); err != nil {
		return fmt.Errorf("fund: store nav snapshot: %w", err)
	}
	return nil
}
