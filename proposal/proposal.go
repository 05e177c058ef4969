// Package proposal builds unsigned anchoring transactions. The builder is
// pure: it never touches the network and the same inputs always produce the
// same transaction.
package proposal

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/anchorbft/anchoring-core/multisig"
	"github.com/anchorbft/anchoring-core/payload"
	"github.com/anchorbft/anchoring-core/types"
)

// Input references one spendable multisig output: the previous anchoring (or
// funding) transaction's output first, optional extra funding outputs after.
type Input struct {
	OutPoint wire.OutPoint
	PkScript []byte
	Value    int64
}

// rough vbyte estimate for an M-of-N P2WSH spend, used for per-byte fees.
// base covers version, locktime, counts and the two outputs.
const (
	feeBaseVBytes  = 200
	feeInputVBytes = 150
)

// EstimateFee converts the config's per-byte rate into a flat fee for a
// proposal with the given input count.
func EstimateFee(cfg types.AnchoringConfig, numInputs int) int64 {
	return cfg.FeePerByte * int64(feeBaseVBytes+numInputs*feeInputVBytes)
}

// Build assembles the unsigned anchoring transaction: all inputs with empty
// signature slots, output 0 returning the remaining balance to addr, output 1
// carrying the encoded commitment. Fails with ErrInsufficientFunds when the
// inputs cannot cover fee.
func Build(inputs []Input, addr btcutil.Address, fee int64, commit types.Payload) (*wire.MsgTx, error) {
	var balance int64
	for _, in := range inputs {
		balance += in.Value
	}
	if balance < fee {
		return nil, types.ErrInsufficientFunds{TotalFee: fee, Balance: balance}
	}

	payScript, err := multisig.PayScript(addr)
	if err != nil {
		return nil, err
	}
	dataScript, err := payload.EncodeScript(commit)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, in := range inputs {
		tx.AddTxIn(wire.NewTxIn(&in.OutPoint, nil, nil))
	}
	tx.AddTxOut(wire.NewTxOut(balance-fee, payScript))
	tx.AddTxOut(wire.NewTxOut(0, dataScript))
	return tx, nil
}

// FindFundsOutput locates the output of tx paying addr, returning its index
// and value, or -1 when tx pays the address nowhere.
func FindFundsOutput(tx *wire.MsgTx, addr btcutil.Address) (int, int64) {
	payScript, err := multisig.PayScript(addr)
	if err != nil {
		return -1, 0
	}
	for i, out := range tx.TxOut {
		if string(out.PkScript) == string(payScript) {
			return i, out.Value
		}
	}
	return -1, 0
}

// InputFromTx turns the funds output of a previous anchoring or funding
// transaction into the builder input spending it.
func InputFromTx(tx *wire.MsgTx, addr btcutil.Address) (Input, bool) {
	idx, value := FindFundsOutput(tx, addr)
	if idx < 0 {
		return Input{}, false
	}
	return Input{
		OutPoint: wire.OutPoint{Hash: tx.TxHash(), Index: uint32(idx)},
		PkScript: tx.TxOut[idx].PkScript,
		Value:    value,
	}, true
}
