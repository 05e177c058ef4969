// Package relay abstracts the bitcoin network behind the few operations the
// anchoring protocol needs, so a real node and a test double are
// interchangeable.
package relay

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/anchorbft/anchoring-core/types"
)

type BtcRelay interface {
	// SendTransaction broadcasts a finalized anchoring transaction.
	SendTransaction(tx *wire.MsgTx) (*chainhash.Hash, error)

	// TransactionStatus reports whether a transaction is unknown, in the
	// mempool, or committed with some confirmation depth.
	TransactionStatus(txid chainhash.Hash) (types.TxStatus, error)

	// GetTransaction fetches a raw transaction by id, nil when unknown.
	GetTransaction(txid chainhash.Hash) (*wire.MsgTx, error)

	// UnspentOutputs lists transactions with an unspent output paying addr.
	UnspentOutputs(addr btcutil.Address) ([]*wire.MsgTx, error)

	// WatchAddress registers addr for unspent-output tracking.
	WatchAddress(addr btcutil.Address) error
}
