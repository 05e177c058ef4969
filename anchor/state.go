package anchor

import (
	"github.com/anchorbft/anchoring-core/multisig"
	"github.com/anchorbft/anchoring-core/proposal"
	"github.com/anchorbft/anchoring-core/types"
)

// State is the protocol mode for one round, computed fresh every round from
// the committed configs and this validator's own latest claim.
type State int

const (
	// StateAnchoring is the steady state: one active config, unbroken chain.
	StateAnchoring State = iota
	// StateTransition moves funds to the following config's address before
	// that config activates.
	StateTransition
	// StateRecovering rebuilds the chain from a fresh funding transaction
	// after the local chain tip stopped matching the active address.
	StateRecovering
	// StateAuditing is the read-only mode of non-validator observers.
	StateAuditing
)

func (s State) String() string {
	switch s {
	case StateAnchoring:
		return "anchoring"
	case StateTransition:
		return "transition"
	case StateRecovering:
		return "recovering"
	case StateAuditing:
		return "auditing"
	}
	return "unknown"
}

// DeriveState computes the round's mode. A following config whose address
// differs from the actual one forces a transition; otherwise a local claim
// that no longer pays the actual address means the chain broke.
func DeriveState(actual types.AnchoringConfig, following *types.AnchoringConfig, localClaim *types.LectEntry, isValidator bool) (State, error) {
	if !isValidator {
		return StateAuditing, nil
	}
	_, actualAddr, err := multisig.FromConfig(actual)
	if err != nil {
		return StateAuditing, err
	}
	if following != nil {
		_, followingAddr, err := multisig.FromConfig(*following)
		if err != nil {
			return StateAuditing, err
		}
		if followingAddr.EncodeAddress() != actualAddr.EncodeAddress() {
			return StateTransition, nil
		}
	}
	if localClaim != nil {
		tx, err := types.DecodeTxHex(localClaim.TxHex)
		if err != nil {
			return StateAuditing, err
		}
		if idx, _ := proposal.FindFundsOutput(tx, actualAddr); idx < 0 {
			return StateRecovering, nil
		}
	}
	return StateAnchoring, nil
}
