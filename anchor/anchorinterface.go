package anchor

import (
	"github.com/anchorbft/anchoring-core/types"
)

// Anchorer drives the anchoring transaction chain: once per consensus round
// Process decides whether to propose, sign, finalize or recover, and the
// Handle methods fold ledger-delivered messages into local state.
type Anchorer interface {
	Process(height int64) error

	HandleSignature(msg types.SignatureMsg) error

	HandleUpdateLatest(msg types.UpdateLatestMsg) error

	MonitorConfirmedTx() error

	CurrentState() (State, error)
}
