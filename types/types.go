package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/anchorbft/anchoring-core/util"
)

// PayloadVersion is the only commitment payload version this service emits or accepts.
const PayloadVersion = 1

// PayloadSize is the fixed size of an encoded commitment payload in bytes.
const PayloadSize = 74

// PayloadKind discriminates regular anchors from recovery chain roots.
type PayloadKind byte

const (
	KindRegular PayloadKind = 0
	KindRecover PayloadKind = 1
)

func (k PayloadKind) String() string {
	if k == KindRecover {
		return "recover"
	}
	return "regular"
}

// Payload is the block commitment embedded in an anchoring transaction's data output.
// PrevTxChain is only set on the root transaction of a recovered chain and points at
// the tip of the chain that broke.
type Payload struct {
	Version     byte            `json:"version"`
	BlockHeight uint64          `json:"block_height"`
	BlockHash   [32]byte        `json:"block_hash"`
	PrevTxChain *chainhash.Hash `json:"prev_tx_chain,omitempty"`
}

// Kind is derived, not stored: a payload carrying a previous-chain id is a recovery root.
func (p Payload) Kind() PayloadKind {
	if p.PrevTxChain != nil {
		return KindRecover
	}
	return KindRegular
}

func (p Payload) Equal(other Payload) bool {
	if p.Version != other.Version || p.BlockHeight != other.BlockHeight {
		return false
	}
	if !bytes.Equal(p.BlockHash[:], other.BlockHash[:]) {
		return false
	}
	if (p.PrevTxChain == nil) != (other.PrevTxChain == nil) {
		return false
	}
	return p.PrevTxChain == nil || p.PrevTxChain.IsEqual(other.PrevTxChain)
}

// AnchoringKey ties a consensus service identity to the bitcoin key it signs anchors with.
type AnchoringKey struct {
	ServiceID string `json:"service_id"`
	PubKey    string `json:"pub_key"` // compressed secp256k1, hex
}

// AnchoringConfig is the per-epoch anchoring agreement. It is produced by the
// consensus layer and read-only here; a new config becomes "following" until it
// activates at StartHeight, then replaces the actual one.
type AnchoringConfig struct {
	Network        string         `json:"network"`
	AnchoringKeys  []AnchoringKey `json:"anchoring_keys"`
	FundingTxHex   string         `json:"funding_tx,omitempty"`
	FeePerByte     int64          `json:"fee_per_byte"`
	AnchorInterval int64          `json:"anchor_interval"`
	StartHeight    int64          `json:"start_height"`
}

// Threshold derives the signing quorum from the validator count: floor(2N/3)+1.
func (cfg AnchoringConfig) Threshold() int {
	return util.BftMajority(len(cfg.AnchoringKeys))
}

// ChainParams maps the config's network name onto btcd chain parameters. The
// "-legacy" suffix selects P2SH addressing and is stripped here.
func (cfg AnchoringConfig) ChainParams() *chaincfg.Params {
	switch strings.TrimSuffix(cfg.Network, "-legacy") {
	case "mainnet":
		return &chaincfg.MainNetParams
	case "testnet":
		return &chaincfg.TestNet3Params
	case "regtest":
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.SimNetParams
	}
}

// Segwit reports whether anchoring addresses on this network are bech32 P2WSH.
// Networks configured with a "-legacy" suffix keep P2SH addressing.
func (cfg AnchoringConfig) Segwit() bool {
	return !strings.HasSuffix(cfg.Network, "-legacy")
}

// PublicKeys parses the configured anchoring keys in validator-index order.
func (cfg AnchoringConfig) PublicKeys() ([]*btcec.PublicKey, error) {
	keys := make([]*btcec.PublicKey, 0, len(cfg.AnchoringKeys))
	for i, ak := range cfg.AnchoringKeys {
		raw, err := hex.DecodeString(ak.PubKey)
		if err != nil {
			return nil, fmt.Errorf("anchoring key %d: %s", i, err.Error())
		}
		pub, err := btcec.ParsePubKey(raw)
		if err != nil {
			return nil, fmt.Errorf("anchoring key %d: %s", i, err.Error())
		}
		keys = append(keys, pub)
	}
	return keys, nil
}

// FundingTx decodes the configured funding transaction, if any.
func (cfg AnchoringConfig) FundingTx() (*wire.MsgTx, error) {
	if cfg.FundingTxHex == "" {
		return nil, nil
	}
	return DecodeTxHex(cfg.FundingTxHex)
}

// ValidatorIndex returns the position of a service identity in the anchoring
// key list, or -1 when the service is not a validator of this epoch (auditor).
func (cfg AnchoringConfig) ValidatorIndex(serviceID string) int {
	for i, ak := range cfg.AnchoringKeys {
		if ak.ServiceID == serviceID {
			return i
		}
	}
	return -1
}

// DecodeTxHex deserializes a bitcoin transaction from raw hex.
func DecodeTxHex(txHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return tx, nil
}

// EncodeTxHex serializes a bitcoin transaction to raw hex.
func EncodeTxHex(tx *wire.MsgTx) string {
	var buf bytes.Buffer
	tx.Serialize(&buf)
	return hex.EncodeToString(buf.Bytes())
}

// TxStatusCode reports how far a relayed transaction has progressed.
type TxStatusCode int

const (
	TxStatusUnknown TxStatusCode = iota
	TxStatusMempool
	TxStatusCommitted
)

// TxStatus is the relay's view of one transaction.
type TxStatus struct {
	Code          TxStatusCode `json:"code"`
	Confirmations int64        `json:"confirmations"`
}

// SignatureMsg is broadcast to the consensus ledger when a validator signs one
// input of a pending anchoring proposal.
type SignatureMsg struct {
	TxID           string `json:"txid"`
	InputIndex     int    `json:"input"`
	ValidatorIndex int    `json:"validator"`
	Signature      string `json:"signature"` // DER + sighash byte, hex
}

// UpdateLatestMsg is broadcast when a validator adopts a new lect. LectCount
// carries the length of the sender's lect log so stale claims are rejected by
// a counter comparison on the receiving side.
type UpdateLatestMsg struct {
	ValidatorIndex int    `json:"validator"`
	TxHex          string `json:"tx"`
	LectCount      int    `json:"lect_count"`
}

// LectEntry is one append-only record of a validator's "latest correct
// transaction" claim. Entries are never removed.
type LectEntry struct {
	TxID  string `json:"txid"`
	TxHex string `json:"tx"`
	Count int    `json:"count"`
}

// PendingProposal is the in-flight unsigned anchoring transaction for the
// current due height, persisted so a restarted node resumes signature
// collection instead of proposing twice.
type PendingProposal struct {
	ID           string `json:"id"`
	AnchorHeight int64  `json:"anchor_height"`
	TxHex        string `json:"tx"`
	Address      string `json:"address"`
}

// AnchorState is the committed state of the anchoring protocol for this node.
type AnchorState struct {
	LatestAnchorHeight int64            `json:"latest_anchor_height"`
	LatestAnchorTxID   string           `json:"latest_anchor_txid"`
	Confirmations      int64            `json:"confirmations"`
	Pending            *PendingProposal `json:"pending,omitempty"`
}

// ServiceConfig wires the anchoring core into its collaborators. Everything
// here comes from flags/env at startup, see config.InitConfig.
type ServiceConfig struct {
	ServiceID      string
	PrivateKeyHex  string
	Anchoring      AnchoringConfig
	BtcRPCHost     string
	BtcRPCUser     string
	BtcRPCPass     string
	TendermintHost string
	TendermintPort string
	APIPort        string
	HomePath       string
	AuditOnly      bool
	Logger         *log.Logger
}
