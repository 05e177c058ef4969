package lect

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/anchorbft/anchoring-core/consensus"
	"github.com/anchorbft/anchoring-core/multisig"
	"github.com/anchorbft/anchoring-core/payload"
	"github.com/anchorbft/anchoring-core/relay"
	"github.com/anchorbft/anchoring-core/types"
	"github.com/anchorbft/anchoring-core/util"
)

// MaxWalkDepth caps the backward chain walk. The fetched graph is external
// and potentially adversarial; exceeding the cap means "not found", never an
// unbounded traversal.
const MaxWalkDepth = 10000

type Resolver struct {
	relay   relay.BtcRelay
	reader  consensus.Reader
	storage *Storage
	logger  log.Logger
}

func NewResolver(btcRelay relay.BtcRelay, reader consensus.Reader, storage *Storage, logger log.Logger) *Resolver {
	return &Resolver{
		relay:   btcRelay,
		reader:  reader,
		storage: storage,
		logger:  logger,
	}
}

// LogError : log resolver errors
func (r *Resolver) LogError(err error) error {
	if err != nil {
		r.logger.Error(fmt.Sprintf("Error in %s: %s", util.GetCurrentFuncName(2), err.Error()))
	}
	return err
}

// PrevLink returns the id of a transaction's previous chain link: the
// payload's prev-chain pointer for a recovery root, the first input's
// previous transaction otherwise.
func PrevLink(tx *wire.MsgTx) *chainhash.Hash {
	if len(tx.TxOut) > 1 {
		if p := payload.DecodeScript(tx.TxOut[1].PkScript); p != nil && p.Kind() == types.KindRecover {
			return p.PrevTxChain
		}
	}
	if len(tx.TxIn) == 0 {
		return nil
	}
	hash := tx.TxIn[0].PreviousOutPoint.Hash
	return &hash
}

// FindLocalLect determines what this validator believes is the anchoring
// chain tip: the unspent transaction at the multisig address whose ancestry
// walks back to the declared funding transaction or to an already-known lect
// entry. Returns nil when no candidate checks out.
func (r *Resolver) FindLocalLect(cfg types.AnchoringConfig, validator int) (*wire.MsgTx, error) {
	_, addr, err := multisig.FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	fundingTx, err := cfg.FundingTx()
	if r.LogError(err) != nil {
		return nil, err
	}
	candidates, err := r.relay.UnspentOutputs(addr)
	if r.LogError(err) != nil {
		return nil, err
	}
	for _, candidate := range candidates {
		ok, err := r.walksToKnownAnchor(candidate, fundingTx, validator)
		if r.LogError(err) != nil {
			return nil, err
		}
		if ok {
			return candidate, nil
		}
	}
	return nil, nil
}

// walksToKnownAnchor iterates backward from candidate until it recognizes the
// funding transaction or a transaction this validator already claimed,
// bounded by MaxWalkDepth.
func (r *Resolver) walksToKnownAnchor(candidate *wire.MsgTx, fundingTx *wire.MsgTx, validator int) (bool, error) {
	current := candidate
	for depth := 0; depth < MaxWalkDepth; depth++ {
		txid := current.TxHash()
		if fundingTx != nil && txid == fundingTx.TxHash() {
			return true, nil
		}
		if r.storage.Contains(validator, txid.String()) {
			return true, nil
		}
		prev := PrevLink(current)
		if prev == nil {
			return false, nil
		}
		parent, err := r.relay.GetTransaction(*prev)
		if err != nil {
			return false, err
		}
		if parent == nil {
			return false, nil
		}
		current = parent
	}
	r.logger.Info("Chain walk exceeded depth bound", "tx", candidate.TxHash().String(), "bound", MaxWalkDepth)
	return false, nil
}

// GroupClaims groups validators by their latest claimed transaction id and
// returns the entry claimed by at least quorum of them, nil otherwise.
func GroupClaims(latest map[int]*types.LectEntry, quorum int) *types.LectEntry {
	counts := map[string]int{}
	byID := map[string]*types.LectEntry{}
	for _, entry := range latest {
		if entry == nil {
			continue
		}
		counts[entry.TxID]++
		byID[entry.TxID] = entry
	}
	for txid, count := range counts {
		if count >= quorum {
			return byID[txid]
		}
	}
	return nil
}

// CollectiveLect is the transaction currently claimed as lect by a quorum of
// validators, nil when the network has no such agreement.
func (r *Resolver) CollectiveLect(cfg types.AnchoringConfig) (*wire.MsgTx, error) {
	latest := map[int]*types.LectEntry{}
	for v := 0; v < len(cfg.AnchoringKeys); v++ {
		entry, err := r.storage.Latest(v)
		if err != nil {
			return nil, err
		}
		latest[v] = entry
	}
	agreed := GroupClaims(latest, cfg.Threshold())
	if agreed == nil {
		return nil, nil
	}
	return types.DecodeTxHex(agreed.TxHex)
}
