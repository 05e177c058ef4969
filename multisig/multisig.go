// Package multisig derives the anchoring redeem script and address from an
// epoch's ordered anchoring keys and quorum threshold.
package multisig

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/anchorbft/anchoring-core/types"
)

// MaxKeys is the bitcoin OP_CHECKMULTISIG key limit.
const MaxKeys = 15

// BuildRedeemScript assembles the M-of-N CHECKMULTISIG redeem script. Key
// order is taken as given: the whole validator set must agree on the ordering,
// so keys are never sorted here. Deterministic byte-for-byte.
func BuildRedeemScript(pubKeys []*btcec.PublicKey, threshold int) ([]byte, error) {
	if len(pubKeys) == 0 || len(pubKeys) > MaxKeys {
		return nil, types.ErrInvalidKeyCount{Count: len(pubKeys)}
	}
	if threshold < 1 || threshold > len(pubKeys) {
		return nil, types.ErrInvalidThreshold{Threshold: threshold, Keys: len(pubKeys)}
	}
	bldr := txscript.NewScriptBuilder()
	bldr.AddInt64(int64(threshold))
	for _, pub := range pubKeys {
		bldr.AddData(pub.SerializeCompressed())
	}
	bldr.AddInt64(int64(len(pubKeys)))
	bldr.AddOp(txscript.OP_CHECKMULTISIG)
	return bldr.Script()
}

// ScriptAddress wraps a redeem script into the multisig address for the target
// network: P2WSH for segwit networks, P2SH otherwise.
func ScriptAddress(redeemScript []byte, params *chaincfg.Params, segwit bool) (btcutil.Address, error) {
	if segwit {
		scriptHash := sha256.Sum256(redeemScript)
		return btcutil.NewAddressWitnessScriptHash(scriptHash[:], params)
	}
	return btcutil.NewAddressScriptHash(redeemScript, params)
}

// FromConfig derives an epoch's redeem script and anchoring address.
func FromConfig(cfg types.AnchoringConfig) ([]byte, btcutil.Address, error) {
	pubKeys, err := cfg.PublicKeys()
	if err != nil {
		return nil, nil, err
	}
	script, err := BuildRedeemScript(pubKeys, cfg.Threshold())
	if err != nil {
		return nil, nil, err
	}
	addr, err := ScriptAddress(script, cfg.ChainParams(), cfg.Segwit())
	if err != nil {
		return nil, nil, err
	}
	return script, addr, nil
}

// PayScript builds the pkScript paying the multisig address, used for the
// funds output of every anchoring transaction.
func PayScript(addr btcutil.Address) ([]byte, error) {
	return txscript.PayToAddrScript(addr)
}
