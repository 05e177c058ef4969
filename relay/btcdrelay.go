package relay

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/anchorbft/anchoring-core/types"
	"github.com/anchorbft/anchoring-core/util"
)

// searchPageSize bounds how many address transactions are fetched per query.
const searchPageSize = 100

// BtcdRelay talks to a btcd node with txindex and addrindex enabled.
type BtcdRelay struct {
	client *rpcclient.Client
	logger log.Logger
}

// NewBtcdRelay connects to the btcd JSON-RPC endpoint described by the service config.
func NewBtcdRelay(config types.ServiceConfig, logger log.Logger) (*BtcdRelay, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         config.BtcRPCHost,
		User:         config.BtcRPCUser,
		Pass:         config.BtcRPCPass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, err
	}
	return &BtcdRelay{
		client: client,
		logger: logger,
	}, nil
}

// LogError : log relay errors
func (relay *BtcdRelay) LogError(err error) error {
	if err != nil {
		relay.logger.Error(fmt.Sprintf("Error in %s: %s", util.GetCurrentFuncName(2), err.Error()))
	}
	return err
}

func (relay *BtcdRelay) SendTransaction(tx *wire.MsgTx) (*chainhash.Hash, error) {
	txid, err := relay.client.SendRawTransaction(tx, false)
	if err != nil {
		// every validator broadcasts the identical finalized tx
		if strings.Contains(err.Error(), "already have transaction") ||
			strings.Contains(err.Error(), "already exists") {
			hash := tx.TxHash()
			return &hash, nil
		}
		return nil, relay.LogError(err)
	}
	relay.logger.Info("Broadcast anchoring tx", "txid", txid.String())
	return txid, nil
}

func (relay *BtcdRelay) TransactionStatus(txid chainhash.Hash) (types.TxStatus, error) {
	res, err := relay.client.GetRawTransactionVerbose(&txid)
	if err != nil {
		if strings.Contains(err.Error(), "No information available") ||
			strings.Contains(err.Error(), "-5") {
			return types.TxStatus{Code: types.TxStatusUnknown}, nil
		}
		return types.TxStatus{}, relay.LogError(err)
	}
	if res.Confirmations == 0 {
		return types.TxStatus{Code: types.TxStatusMempool}, nil
	}
	return types.TxStatus{
		Code:          types.TxStatusCommitted,
		Confirmations: int64(res.Confirmations),
	}, nil
}

func (relay *BtcdRelay) GetTransaction(txid chainhash.Hash) (*wire.MsgTx, error) {
	tx, err := relay.client.GetRawTransaction(&txid)
	if err != nil {
		if strings.Contains(err.Error(), "No information available") ||
			strings.Contains(err.Error(), "-5") {
			return nil, nil
		}
		return nil, relay.LogError(err)
	}
	return tx.MsgTx(), nil
}

// UnspentOutputs walks the address index and keeps the transactions that
// still have an unspent output paying addr.
func (relay *BtcdRelay) UnspentOutputs(addr btcutil.Address) ([]*wire.MsgTx, error) {
	unspent := []*wire.MsgTx{}
	filter := []string{addr.EncodeAddress()}
	for skip := 0; ; skip += searchPageSize {
		page, err := relay.client.SearchRawTransactions(addr, skip, searchPageSize, true, filter)
		if err != nil {
			if strings.Contains(err.Error(), "No information available") ||
				strings.Contains(err.Error(), "-5") {
				break
			}
			return nil, relay.LogError(err)
		}
		for _, tx := range page {
			txid := tx.TxHash()
			for i, out := range tx.TxOut {
				if !paysAddress(out, addr) {
					continue
				}
				res, err := relay.client.GetTxOut(&txid, uint32(i), true)
				if relay.LogError(err) != nil {
					return nil, err
				}
				if res != nil {
					unspent = append(unspent, tx)
					break
				}
			}
		}
		if len(page) < searchPageSize {
			break
		}
	}
	return unspent, nil
}

// WatchAddress : btcd's addrindex already serves arbitrary addresses, so
// watching is only logged for operator visibility.
func (relay *BtcdRelay) WatchAddress(addr btcutil.Address) error {
	relay.logger.Info("Watching anchoring address", "address", addr.EncodeAddress())
	return nil
}
