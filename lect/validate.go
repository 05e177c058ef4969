package lect

import (
	"bytes"

	"github.com/btcsuite/btcd/wire"

	"github.com/anchorbft/anchoring-core/multisig"
	"github.com/anchorbft/anchoring-core/payload"
	"github.com/anchorbft/anchoring-core/proposal"
	"github.com/anchorbft/anchoring-core/types"
)

// ValidateLect applies the acceptance rules to an externally observed lect
// claim. A failure is an ErrIncorrectLect: reportable, never fatal, since
// malformed or unrelated bitcoin transactions are expected input here.
func (r *Resolver) ValidateLect(tx *wire.MsgTx, actual types.AnchoringConfig, following *types.AnchoringConfig) error {
	txid := tx.TxHash().String()

	// rule (a): the funds output must pay the actual or following address
	matched := false
	for _, cfg := range configsToCheck(actual, following) {
		_, addr, err := multisig.FromConfig(cfg)
		if err != nil {
			return err
		}
		if idx, _ := proposal.FindFundsOutput(tx, addr); idx >= 0 {
			matched = true
			break
		}
	}
	if !matched {
		return types.ErrIncorrectLect{Reason: "pays neither actual nor following anchoring address", TxID: txid}
	}

	commit := anchorPayload(tx)
	if commit == nil {
		// rule (c): an anchorless transaction is only acceptable as the
		// declared funding transaction
		fundingTx, err := actual.FundingTx()
		if err != nil {
			return err
		}
		if fundingTx == nil || fundingTx.TxHash() != tx.TxHash() {
			return types.ErrIncorrectLect{Reason: "carries no commitment and is not the declared funding tx", TxID: txid}
		}
		return nil
	}

	// structural invariant: funds at output 0, data at output 1, one chain input first
	if len(tx.TxIn) == 0 {
		return types.ErrIncorrectLect{Reason: "anchoring tx without inputs", TxID: txid}
	}

	// rule (b): the committed block hash must match the ledger at that height
	ledgerHash, err := r.reader.BlockHashAtHeight(int64(commit.BlockHeight))
	if err != nil {
		return err
	}
	if !bytes.Equal(ledgerHash[:], commit.BlockHash[:]) {
		return types.ErrIncorrectLect{Reason: "committed block hash diverges from ledger", TxID: txid}
	}

	// rule (d): a regular anchor must extend a link the network already agreed on
	if commit.Kind() == types.KindRegular {
		prev := PrevLink(tx)
		if prev == nil {
			return types.ErrIncorrectLect{Reason: "regular anchor without previous link", TxID: txid}
		}
		agreement := r.storage.AgreementCount(len(actual.AnchoringKeys), prev.String())
		if agreement < actual.Threshold() {
			return types.ErrIncorrectLect{Reason: "previous link lacks quorum agreement", TxID: txid}
		}
	}
	return nil
}

// anchorPayload extracts the commitment from the conventional data output,
// nil when tx is not shaped like an anchoring transaction.
func anchorPayload(tx *wire.MsgTx) *types.Payload {
	if len(tx.TxOut) != 2 {
		return nil
	}
	return payload.DecodeScript(tx.TxOut[1].PkScript)
}

func configsToCheck(actual types.AnchoringConfig, following *types.AnchoringConfig) []types.AnchoringConfig {
	configs := []types.AnchoringConfig{actual}
	if following != nil {
		configs = append(configs, *following)
	}
	return configs
}
