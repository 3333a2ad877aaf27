package fund

import "sync/atomic"

// Role names what a capability authorises.
type Role uint8

const (
	// RolePrimaryMarket may mint and burn shares.
	RolePrimaryMarket Role = iota + 1
	// RoleToken may move balances of one tranche on behalf of holders.
	RoleToken
	// RoleFund is handed by the primary market to the fund so that only the
	// fund can settle it.
	RoleFund
)

var capabilitySeq atomic.Uint64

// Capability is an unforgeable token proving that the holder was granted a
// role. Capabilities are compared by identity, so only values produced by
// NewCapability or issued by an Engine are accepted.
type Capability struct {
	role    Role
	tranche Tranche
	id      uint64
}

// NewCapability mints a capability for role. It is used by collaborators that
// need the fund to prove its identity back to them.
func NewCapability(role Role) *Capability {
	return &Capability{role: role, id: capabilitySeq.Add(1)}
}

// Role reports the capability's role.
func (c *Capability) Role() Role {
	if c == nil {
		return 0
	}
	return c.role
}

// Tranche reports the tranche a token capability is bound to.
func (c *Capability) Tranche() Tranche {
	if c == nil {
		return 0
	}
	return c.tranche
}

func (c *Capability) String() string {
	if c == nil {
		return "capability(nil)"
	}
	switch c.role {
	case RolePrimaryMarket:
		return "capability(primary-market)"
	case RoleToken:
		return "capability(token " + c.tranche.String() + ")"
	case RoleFund:
		return "capability(fund)"
	default:
		return "capability(unknown)"
	}
}
