// Package consensus is the boundary to the BFT engine that orders anchoring
// messages and owns the anchoring configuration. The core only reads chain
// facts from it and submits messages; it never participates in consensus.
package consensus

import (
	"github.com/anchorbft/anchoring-core/types"
)

// Reader exposes the chain facts one anchoring round needs.
type Reader interface {
	// Height returns the BFT chain's current block height.
	Height() (int64, error)

	// BlockHashAtHeight returns the hash of the block committed at h.
	BlockHashAtHeight(h int64) ([32]byte, error)

	// ActualConfig returns the anchoring config active at the current height.
	ActualConfig() (types.AnchoringConfig, error)

	// FollowingConfig returns the agreed-but-not-yet-active config, nil if none.
	FollowingConfig() (*types.AnchoringConfig, error)
}

// Submitter broadcasts anchoring messages into the ledger, where every
// validator observes them and folds them into its own state.
type Submitter interface {
	SubmitSignature(msg types.SignatureMsg) error
	SubmitUpdateLatest(msg types.UpdateLatestMsg) error
}
