package relay

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/anchorbft/anchoring-core/types"
)

func paysAddress(out *wire.TxOut, addr btcutil.Address) bool {
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return false
	}
	return bytes.Equal(out.PkScript, pkScript)
}

// MemRelay is an in-memory bitcoin network double used by tests and local
// development. Broadcast transactions are accepted into a fake mempool and
// confirmed by calling Mine.
type MemRelay struct {
	mu      sync.Mutex
	txs     map[chainhash.Hash]*wire.MsgTx
	conf    map[chainhash.Hash]int64
	spent   map[wire.OutPoint]chainhash.Hash
	watched map[string]bool
}

func NewMemRelay() *MemRelay {
	return &MemRelay{
		txs:     map[chainhash.Hash]*wire.MsgTx{},
		conf:    map[chainhash.Hash]int64{},
		spent:   map[wire.OutPoint]chainhash.Hash{},
		watched: map[string]bool{},
	}
}

// Seed places a transaction directly into the fake chain with the given
// confirmation depth, without spending anything.
func (relay *MemRelay) Seed(tx *wire.MsgTx, confirmations int64) {
	relay.mu.Lock()
	defer relay.mu.Unlock()
	relay.txs[tx.TxHash()] = tx
	relay.conf[tx.TxHash()] = confirmations
}

// Mine confirms every mempool transaction by one additional block.
func (relay *MemRelay) Mine() {
	relay.mu.Lock()
	defer relay.mu.Unlock()
	for txid := range relay.txs {
		relay.conf[txid]++
	}
}

func (relay *MemRelay) SendTransaction(tx *wire.MsgTx) (*chainhash.Hash, error) {
	relay.mu.Lock()
	defer relay.mu.Unlock()
	txid := tx.TxHash()
	if _, ok := relay.txs[txid]; ok {
		return &txid, nil // rebroadcast of the same tx is harmless
	}
	for _, in := range tx.TxIn {
		if spender, ok := relay.spent[in.PreviousOutPoint]; ok && spender != txid {
			return nil, fmt.Errorf("output %s already spent by %s", in.PreviousOutPoint.String(), spender.String())
		}
	}
	relay.txs[txid] = tx
	relay.conf[txid] = 0
	for _, in := range tx.TxIn {
		relay.spent[in.PreviousOutPoint] = txid
	}
	return &txid, nil
}

func (relay *MemRelay) TransactionStatus(txid chainhash.Hash) (types.TxStatus, error) {
	relay.mu.Lock()
	defer relay.mu.Unlock()
	if _, ok := relay.txs[txid]; !ok {
		return types.TxStatus{Code: types.TxStatusUnknown}, nil
	}
	if relay.conf[txid] == 0 {
		return types.TxStatus{Code: types.TxStatusMempool}, nil
	}
	return types.TxStatus{Code: types.TxStatusCommitted, Confirmations: relay.conf[txid]}, nil
}

func (relay *MemRelay) GetTransaction(txid chainhash.Hash) (*wire.MsgTx, error) {
	relay.mu.Lock()
	defer relay.mu.Unlock()
	return relay.txs[txid], nil
}

func (relay *MemRelay) UnspentOutputs(addr btcutil.Address) ([]*wire.MsgTx, error) {
	relay.mu.Lock()
	defer relay.mu.Unlock()
	unspent := []*wire.MsgTx{}
	for txid, tx := range relay.txs {
		for i, out := range tx.TxOut {
			if !paysAddress(out, addr) {
				continue
			}
			if _, ok := relay.spent[wire.OutPoint{Hash: txid, Index: uint32(i)}]; !ok {
				unspent = append(unspent, tx)
				break
			}
		}
	}
	return unspent, nil
}

func (relay *MemRelay) WatchAddress(addr btcutil.Address) error {
	relay.mu.Lock()
	defer relay.mu.Unlock()
	relay.watched[addr.EncodeAddress()] = true
	return nil
}
