// Package sigcollect produces, verifies and accumulates validator signatures
// for pending anchoring transactions, and assembles the spending witness once
// a quorum is reached. Records are append-only and persisted, so a restarted
// node resumes collection and retries are always safe.
package sigcollect

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/anchorbft/anchoring-core/level"
	"github.com/anchorbft/anchoring-core/types"
)

// SignInput signs one input of an anchoring proposal against the redeem
// script. Signatures are deterministic (RFC6979) and low-S, so every
// validator signing the same input produces the same bytes for the same key.
func SignInput(tx *wire.MsgTx, idx int, redeemScript []byte, inputValue int64, segwit bool, priv *btcec.PrivateKey) ([]byte, error) {
	if segwit {
		fetcher := txscript.NewCannedPrevOutputFetcher(redeemScript, inputValue)
		hashes := txscript.NewTxSigHashes(tx, fetcher)
		return txscript.RawTxInWitnessSignature(tx, hashes, idx, inputValue, redeemScript, txscript.SigHashAll, priv)
	}
	return txscript.RawTxInSignature(tx, idx, redeemScript, txscript.SigHashAll, priv)
}

// VerifyInput checks a received signature against the claimed input and key.
func VerifyInput(tx *wire.MsgTx, idx int, redeemScript []byte, inputValue int64, segwit bool, pub *btcec.PublicKey, sigBytes []byte) bool {
	if len(sigBytes) < 2 || sigBytes[len(sigBytes)-1] != byte(txscript.SigHashAll) {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes[:len(sigBytes)-1])
	if err != nil {
		return false
	}
	var sigHash []byte
	if segwit {
		fetcher := txscript.NewCannedPrevOutputFetcher(redeemScript, inputValue)
		hashes := txscript.NewTxSigHashes(tx, fetcher)
		sigHash, err = txscript.CalcWitnessSigHash(redeemScript, hashes, txscript.SigHashAll, tx, idx, inputValue)
	} else {
		sigHash, err = txscript.CalcSignatureHash(redeemScript, txscript.SigHashAll, tx, idx)
	}
	if err != nil {
		return false
	}
	return sig.Verify(sigHash, pub)
}

// Collector stores recorded signatures keyed by (txid, input, validator).
type Collector struct {
	store  *level.Store
	logger log.Logger
}

func NewCollector(store *level.Store, logger log.Logger) *Collector {
	return &Collector{
		store:  store,
		logger: logger,
	}
}

func sigKey(txid string, input int, validator int) string {
	return fmt.Sprintf("sig:%s:%d:%d", txid, input, validator)
}

// Record inserts a signature, first-seen wins: a second signature from the
// same validator for the same input is logged and ignored, which stops a
// misbehaving validator from flooding conflicting signatures.
func (c *Collector) Record(txid string, input int, validator int, sig []byte) bool {
	key := sigKey(txid, input, validator)
	existing, err := c.store.GetOne(key)
	if err != nil {
		c.logger.Error("Signature store read failed", "key", key, "err", err.Error())
		return false
	}
	if existing != "" {
		if existing != hex.EncodeToString(sig) {
			c.logger.Info("Ignoring conflicting duplicate signature",
				"txid", txid, "input", input, "validator", validator)
		}
		return false
	}
	if err := c.store.Set(key, hex.EncodeToString(sig)); err != nil {
		c.logger.Error("Signature store write failed", "key", key, "err", err.Error())
		return false
	}
	return true
}

// Signature returns the recorded signature for one slot, nil when unfilled.
func (c *Collector) Signature(txid string, input int, validator int) []byte {
	val, err := c.store.GetOne(sigKey(txid, input, validator))
	if err != nil || val == "" {
		return nil
	}
	sig, err := hex.DecodeString(val)
	if err != nil {
		return nil
	}
	return sig
}

// Count returns how many distinct validators have signed one input.
func (c *Collector) Count(txid string, input int, validators int) int {
	count := 0
	for v := 0; v < validators; v++ {
		if c.Signature(txid, input, v) != nil {
			count++
		}
	}
	return count
}

// Prune drops every recorded signature for a transaction that no longer
// needs them, typically one that just finalized.
func (c *Collector) Prune(txid string) {
	keys, err := c.store.KeysWithPrefix("sig:" + txid + ":")
	if err != nil {
		c.logger.Error("Signature store scan failed", "txid", txid, "err", err.Error())
		return
	}
	for _, key := range keys {
		if err := c.store.Del(key); err != nil {
			c.logger.Error("Signature store delete failed", "key", key, "err", err.Error())
		}
	}
}

// TryFinalize assembles the broadcastable transaction once every input has a
// quorum of valid signatures. Records are accepted on trust when they arrive
// and only checked here, against the final transaction body and each
// validator's configured key. Valid signatures are taken in increasing
// validator-index order, invalid or unfilled slots dropped and the rest
// truncated to exactly the threshold, matching the key order inside the
// redeem script. Returns nil while any input is short of quorum. The
// proposal itself is never mutated.
func (c *Collector) TryFinalize(tx *wire.MsgTx, cfg types.AnchoringConfig, redeemScript []byte, inputValues []int64) *wire.MsgTx {
	if len(inputValues) != len(tx.TxIn) {
		return nil
	}
	pubKeys, err := cfg.PublicKeys()
	if err != nil {
		c.logger.Error("Unparseable anchoring keys", "err", err.Error())
		return nil
	}
	txid := tx.TxHash().String()
	threshold := cfg.Threshold()

	perInput := make([][][]byte, len(tx.TxIn))
	for i := range tx.TxIn {
		sigs := [][]byte{}
		for v := 0; v < len(pubKeys) && len(sigs) < threshold; v++ {
			sig := c.Signature(txid, i, v)
			if sig == nil {
				continue
			}
			if !VerifyInput(tx, i, redeemScript, inputValues[i], cfg.Segwit(), pubKeys[v], sig) {
				verr := types.ErrSignatureVerification{TxID: txid, InputIndex: i, ValidatorIndex: v}
				c.logger.Info("Skipping invalid signature record", "err", verr.Error())
				continue
			}
			sigs = append(sigs, sig)
		}
		if len(sigs) < threshold {
			return nil
		}
		perInput[i] = sigs
	}

	final := tx.Copy()
	for i, sigs := range perInput {
		if cfg.Segwit() {
			witness := wire.TxWitness{nil} // CHECKMULTISIG off-by-one dummy
			witness = append(witness, sigs...)
			witness = append(witness, redeemScript)
			final.TxIn[i].Witness = witness
		} else {
			bldr := txscript.NewScriptBuilder()
			bldr.AddOp(txscript.OP_0)
			for _, sig := range sigs {
				bldr.AddData(sig)
			}
			bldr.AddData(redeemScript)
			script, err := bldr.Script()
			if err != nil {
				c.logger.Error("scriptSig assembly failed", "txid", txid, "err", err.Error())
				return nil
			}
			final.TxIn[i].SignatureScript = script
		}
	}
	return final
}
