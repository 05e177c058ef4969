package consensus

import (
	"encoding/json"
	"fmt"

	"github.com/tendermint/tendermint/libs/log"
	rpchttp "github.com/tendermint/tendermint/rpc/client/http"

	"github.com/anchorbft/anchoring-core/types"
	"github.com/anchorbft/anchoring-core/util"
)

// ledger message types understood by the anchoring ABCI application
const (
	TxTypeSignature    = "ANCHOR-SIG"
	TxTypeUpdateLatest = "ANCHOR-LECT"
)

// deliverPageSize bounds how many ledger txs are fetched per TxSearch page.
const deliverPageSize = 100

// Handler consumes anchoring messages observed on the ledger. Satisfied by
// the anchoring engine; declared here so the client can replay blocks into
// it without depending on the engine package.
type Handler interface {
	HandleSignature(msg types.SignatureMsg) error
	HandleUpdateLatest(msg types.UpdateLatestMsg) error
}

// LedgerTx is the envelope for anchoring messages submitted to the BFT ledger.
type LedgerTx struct {
	TxType string `json:"type"`
	Data   string `json:"data"`
}

// RPC : holds the http client for the local BFT node
type RPC struct {
	client *rpchttp.HTTP
	logger log.Logger
}

// NewRPCClient : creates a new client connected to the BFT node's rpc endpoint
func NewRPCClient(config types.ServiceConfig, logger log.Logger) *RPC {
	c, _ := rpchttp.NewWithTimeout(fmt.Sprintf("http://%s:%s", config.TendermintHost, config.TendermintPort), "/websocket", 2)
	return &RPC{
		client: c,
		logger: logger,
	}
}

// LogError : log rpc errors
func (rpc *RPC) LogError(err error) error {
	if err != nil {
		rpc.logger.Error(fmt.Sprintf("Error in %s: %s", util.GetCurrentFuncName(2), err.Error()))
	}
	return err
}

func (rpc *RPC) broadcastTx(txType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if rpc.LogError(err) != nil {
		return err
	}
	tx, err := json.Marshal(LedgerTx{TxType: txType, Data: string(data)})
	if rpc.LogError(err) != nil {
		return err
	}
	_, err = rpc.client.BroadcastTxSync(tx)
	return rpc.LogError(err)
}

func (rpc *RPC) SubmitSignature(msg types.SignatureMsg) error {
	return rpc.broadcastTx(TxTypeSignature, msg)
}

func (rpc *RPC) SubmitUpdateLatest(msg types.UpdateLatestMsg) error {
	return rpc.broadcastTx(TxTypeUpdateLatest, msg)
}

// DeliverBlock replays the anchoring txs committed at one ledger height into
// the handler, the way an in-process ABCI app would see them in DeliverTx.
// Non-anchoring txs at that height are skipped.
func (rpc *RPC) DeliverBlock(height int64, h Handler) error {
	for page := 1; ; page++ {
		res, err := rpc.client.TxSearch(fmt.Sprintf("tx.height=%d", height), false, page, deliverPageSize, "")
		if rpc.LogError(err) != nil {
			return err
		}
		for _, tx := range res.Txs {
			routeLedgerTx(tx.Tx, h, rpc.logger)
		}
		if page*deliverPageSize >= res.TotalCount {
			return nil
		}
	}
}

// routeLedgerTx decodes one raw ledger tx and folds it into the handler.
func routeLedgerTx(raw []byte, h Handler, logger log.Logger) {
	var env LedgerTx
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}
	switch env.TxType {
	case TxTypeSignature:
		var msg types.SignatureMsg
		if err := json.Unmarshal([]byte(env.Data), &msg); err == nil {
			util.LoggerError(logger, h.HandleSignature(msg))
		}
	case TxTypeUpdateLatest:
		var msg types.UpdateLatestMsg
		if err := json.Unmarshal([]byte(env.Data), &msg); err == nil {
			util.LoggerError(logger, h.HandleUpdateLatest(msg))
		}
	}
}

func (rpc *RPC) Height() (int64, error) {
	status, err := rpc.client.Status()
	if rpc.LogError(err) != nil {
		return 0, err
	}
	return status.SyncInfo.LatestBlockHeight, nil
}

func (rpc *RPC) BlockHashAtHeight(h int64) ([32]byte, error) {
	var hash [32]byte
	block, err := rpc.client.Block(&h)
	if rpc.LogError(err) != nil {
		return hash, err
	}
	copy(hash[:], block.BlockID.Hash)
	return hash, nil
}

func (rpc *RPC) ActualConfig() (types.AnchoringConfig, error) {
	var cfg types.AnchoringConfig
	res, err := rpc.client.ABCIQuery("/anchoring/config/actual", nil)
	if rpc.LogError(err) != nil {
		return cfg, err
	}
	err = json.Unmarshal(res.Response.Value, &cfg)
	return cfg, rpc.LogError(err)
}

func (rpc *RPC) FollowingConfig() (*types.AnchoringConfig, error) {
	res, err := rpc.client.ABCIQuery("/anchoring/config/following", nil)
	if rpc.LogError(err) != nil {
		return nil, err
	}
	if len(res.Response.Value) == 0 {
		return nil, nil
	}
	var cfg types.AnchoringConfig
	if err := json.Unmarshal(res.Response.Value, &cfg); rpc.LogError(err) != nil {
		return nil, err
	}
	return &cfg, nil
}
