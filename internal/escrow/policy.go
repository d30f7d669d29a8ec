package escrow

// Role of an account within a specific escrow.
type Role string

const (
	RoleBuyer   Role = "buyer"
	RoleSeller  Role = "seller"
	RoleArbiter Role = "arbiter"
	RoleNone    Role = ""
)

// Action is a lifecycle operation a party can attempt.
type Action string

const (
	ActionRelease Action = "release"
	ActionRefund  Action = "refund"
	ActionDispute Action = "dispute"
)

// RoleOf returns the account's role in the escrow, or RoleNone for an
// uninvolved account.
func (e *Escrow) RoleOf(accountID string) Role {
	switch accountID {
	case e.BuyerID:
		return RoleBuyer
	case e.SellerID:
		return RoleSeller
	case e.ArbiterID:
		return RoleArbiter
	}
	return RoleNone
}

// CanPerform decides whether a role may apply an action in the escrow's
// current state. Returns nil when allowed, ErrInvalidStatus when the
// state forbids the action for everyone, and ErrUnauthorized when the
// state allows it but not for this role.
//
// Release sends funds to the seller, so the buyer (or the arbiter)
// authorizes it. Refund returns funds to the buyer, so the seller (or
// the arbiter) authorizes it. Disputes come from the buyer or the
// seller. Once disputed, only the arbiter can settle either way.
func CanPerform(e *Escrow, role Role, action Action) error {
	if role == RoleNone {
		return ErrUnauthorized
	}
	if e.IsTerminal() {
		return ErrAlreadyResolved
	}

	switch action {
	case ActionRelease:
		switch e.Status {
		case StatusFunded:
			if role == RoleBuyer || role == RoleArbiter {
				return nil
			}
			return ErrUnauthorized
		case StatusDisputed:
			if role == RoleArbiter {
				return nil
			}
			return ErrUnauthorized
		}
		return ErrInvalidStatus

	case ActionRefund:
		switch e.Status {
		case StatusFunded:
			if role == RoleSeller || role == RoleArbiter {
				return nil
			}
			return ErrUnauthorized
		case StatusDisputed:
			if role == RoleArbiter {
				return nil
			}
			return ErrUnauthorized
		}
		return ErrInvalidStatus

	case ActionDispute:
		if e.Status == StatusPending || e.Status == StatusFunded {
			// Only the trading parties can raise a dispute; the
			// arbiter adjudicates, they do not initiate.
			if role == RoleBuyer || role == RoleSeller {
				return nil
			}
			return ErrUnauthorized
		}
		return ErrInvalidStatus
	}

	return ErrInvalidStatus
}
