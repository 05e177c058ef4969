package anchor

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/anchorbft/anchoring-core/consensus"
	"github.com/anchorbft/anchoring-core/lect"
	"github.com/anchorbft/anchoring-core/level"
	"github.com/anchorbft/anchoring-core/multisig"
	"github.com/anchorbft/anchoring-core/proposal"
	"github.com/anchorbft/anchoring-core/relay"
	"github.com/anchorbft/anchoring-core/sigcollect"
	"github.com/anchorbft/anchoring-core/types"
	"github.com/anchorbft/anchoring-core/util"
)

const anchorStateKey = "anchor_state"

var _ Anchorer = (*Engine)(nil)

// Engine executes one anchoring round at a time. All mutable protocol state
// lives in the level store, so a crashed node resumes mid-round; the struct
// itself only holds collaborators.
type Engine struct {
	serviceID string
	auditOnly bool
	priv      *btcec.PrivateKey
	relay     relay.BtcRelay
	reader    consensus.Reader
	submit    consensus.Submitter
	store     *level.Store
	collector *sigcollect.Collector
	storage   *lect.Storage
	resolver  *lect.Resolver
	logger    log.Logger
}

// NewEngine wires the anchoring protocol. The private key is only required
// for validators; auditors pass an empty key hex.
func NewEngine(config types.ServiceConfig, btcRelay relay.BtcRelay, reader consensus.Reader,
	submit consensus.Submitter, store *level.Store, logger log.Logger) (*Engine, error) {
	var priv *btcec.PrivateKey
	if config.PrivateKeyHex != "" {
		raw, err := hex.DecodeString(config.PrivateKeyHex)
		if err != nil {
			return nil, err
		}
		priv, _ = btcec.PrivKeyFromBytes(raw)
	}
	storage := lect.NewStorage(store, logger)
	return &Engine{
		serviceID: config.ServiceID,
		auditOnly: config.AuditOnly,
		priv:      priv,
		relay:     btcRelay,
		reader:    reader,
		submit:    submit,
		store:     store,
		collector: sigcollect.NewCollector(store, logger),
		storage:   storage,
		resolver:  lect.NewResolver(btcRelay, reader, storage, logger),
		logger:    logger,
	}, nil
}

// LogError : log engine errors
func (e *Engine) LogError(err error) error {
	if err != nil {
		e.logger.Error(fmt.Sprintf("Error in %s: %s", util.GetCurrentFuncName(2), err.Error()))
	}
	return err
}

// ValidateConfig rejects structurally broken anchoring configs. This is the
// only fatal error class: a malformed config must never start anchoring.
func ValidateConfig(cfg types.AnchoringConfig) error {
	if len(cfg.AnchoringKeys) == 0 || len(cfg.AnchoringKeys) > multisig.MaxKeys {
		return types.ErrInvalidKeyCount{Count: len(cfg.AnchoringKeys)}
	}
	if cfg.Threshold() > len(cfg.AnchoringKeys) {
		return types.ErrInvalidThreshold{Threshold: cfg.Threshold(), Keys: len(cfg.AnchoringKeys)}
	}
	if cfg.AnchorInterval <= 0 {
		return fmt.Errorf("anchor interval must be positive, got %d", cfg.AnchorInterval)
	}
	if _, _, err := multisig.FromConfig(cfg); err != nil {
		return err
	}
	return nil
}

// AnchorState loads the committed protocol state.
func (e *Engine) AnchorState() (types.AnchorState, error) {
	var state types.AnchorState
	_, err := e.store.GetJSON(anchorStateKey, &state)
	return state, err
}

func (e *Engine) saveAnchorState(state types.AnchorState) error {
	return e.store.SetJSON(anchorStateKey, state)
}

// Storage exposes the lect log for read queries.
func (e *Engine) Storage() *lect.Storage {
	return e.storage
}

// ActualConfig reads the ledger-committed anchoring config.
func (e *Engine) ActualConfig() (types.AnchoringConfig, error) {
	return e.reader.ActualConfig()
}

// CurrentState derives this round's protocol mode without advancing anything.
func (e *Engine) CurrentState() (State, error) {
	actual, err := e.reader.ActualConfig()
	if err != nil {
		return StateAuditing, err
	}
	following, err := e.reader.FollowingConfig()
	if err != nil {
		return StateAuditing, err
	}
	validator := actual.ValidatorIndex(e.serviceID)
	isValidator := validator >= 0 && !e.auditOnly && e.priv != nil
	var claim *types.LectEntry
	if isValidator {
		claim, err = e.storage.Latest(validator)
		if err != nil {
			return StateAuditing, err
		}
	}
	return DeriveState(actual, following, claim, isValidator)
}

// Process runs one anchoring round at the given BFT chain height. Relay
// failures degrade the round and are retried on the next one; only a broken
// config is returned as fatal.
func (e *Engine) Process(height int64) error {
	actual, err := e.reader.ActualConfig()
	if err != nil {
		e.LogError(err)
		return nil
	}
	if err := ValidateConfig(actual); err != nil {
		return err
	}
	following, err := e.reader.FollowingConfig()
	if err != nil {
		e.LogError(err)
		return nil
	}
	if following != nil {
		if err := ValidateConfig(*following); err != nil {
			return err
		}
	}
	if err := e.bootstrapGenesis(actual); err != nil {
		e.LogError(err)
		return nil
	}

	validator := actual.ValidatorIndex(e.serviceID)
	isValidator := validator >= 0 && !e.auditOnly && e.priv != nil
	var claim *types.LectEntry
	if isValidator {
		if claim, err = e.storage.Latest(validator); err != nil {
			e.LogError(err)
			return nil
		}
	}
	state, err := DeriveState(actual, following, claim, isValidator)
	if err != nil {
		e.LogError(err)
		return nil
	}
	e.logger.Debug("Anchoring round", "height", height, "state", state.String())

	switch state {
	case StateAuditing:
		return e.processAuditing(actual)
	case StateRecovering:
		return e.processRecovering(height, actual, validator)
	case StateTransition:
		return e.processRound(height, actual, *following, validator)
	default:
		return e.processRound(height, actual, actual, validator)
	}
}

// bootstrapGenesis seeds every validator's lect log with the declared funding
// transaction. Deterministic, so each node converges on the same genesis.
func (e *Engine) bootstrapGenesis(cfg types.AnchoringConfig) error {
	fundingTx, err := cfg.FundingTx()
	if err != nil || fundingTx == nil {
		return err
	}
	raw := types.EncodeTxHex(fundingTx)
	for v := 0; v < len(cfg.AnchoringKeys); v++ {
		if e.storage.Count(v) > 0 {
			continue
		}
		if _, err := e.storage.Apply(types.UpdateLatestMsg{
			ValidatorIndex: v,
			TxHex:          raw,
			LectCount:      1,
		}); err != nil {
			return err
		}
	}
	return nil
}

// processRound covers the Anchoring and Transition states: propose when an
// anchor is due, then push toward quorum. In a transition the funds output
// pays the incoming config's address while the spend stays under the
// outgoing config's quorum.
func (e *Engine) processRound(height int64, signing types.AnchoringConfig, target types.AnchoringConfig, validator int) error {
	state, err := e.AnchorState()
	if err != nil {
		e.LogError(err)
		return nil
	}
	dueHeight := height - height%signing.AnchorInterval

	if state.Pending != nil && state.Pending.AnchorHeight != dueHeight {
		// height drifted past the pending proposal, drop it
		e.logger.Info("Discarding stale pending proposal",
			"proposal", state.Pending.ID, "height", state.Pending.AnchorHeight, "due", dueHeight)
		state.Pending = nil
		if err := e.saveAnchorState(state); err != nil {
			e.LogError(err)
			return nil
		}
	}

	if state.Pending == nil {
		if state.LatestAnchorHeight >= dueHeight && state.LatestAnchorTxID != "" {
			return nil // nothing due yet
		}
		if err := e.propose(state, dueHeight, signing, target, validator, nil); err != nil {
			e.LogError(err)
		}
		return nil
	}
	return e.finalizePending(state, signing, validator)
}

// processRecovering starts a brand-new chain from the freshly declared
// funding transaction, pointing the recovery root's payload at the broken
// chain's last agreed tip so auditors can re-stitch history.
func (e *Engine) processRecovering(height int64, cfg types.AnchoringConfig, validator int) error {
	state, err := e.AnchorState()
	if err != nil {
		e.LogError(err)
		return nil
	}
	if state.Pending != nil {
		return e.finalizePending(state, cfg, validator)
	}
	prevChain, err := e.recoveryAnchor(cfg, validator)
	if err != nil {
		e.LogError(err)
		return nil
	}
	dueHeight := height - height%cfg.AnchorInterval
	if err := e.propose(state, dueHeight, cfg, cfg, validator, prevChain); err != nil {
		e.LogError(err)
	}
	return nil
}

// recoveryAnchor picks what the recovery root points at: the collective lect
// of the chain being abandoned, falling back to this validator's genesis
// funding entry when the network never agreed on a tip.
func (e *Engine) recoveryAnchor(cfg types.AnchoringConfig, validator int) (*chainhash.Hash, error) {
	tip, err := e.resolver.CollectiveLect(cfg)
	if err != nil {
		return nil, err
	}
	if tip == nil {
		entries, err := e.storage.Entries(validator)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			return nil, types.ErrLectNotFound{Height: 0}
		}
		genesis, err := types.DecodeTxHex(entries[0].TxHex)
		if err != nil {
			return nil, err
		}
		tip = genesis
	}
	txid := tip.TxHash()
	return &txid, nil
}

// processAuditing only resolves and validates lects for local bookkeeping.
func (e *Engine) processAuditing(cfg types.AnchoringConfig) error {
	tip, err := e.resolver.FindLocalLect(cfg, 0)
	if err != nil {
		e.LogError(err)
		return nil
	}
	if tip != nil {
		if err := e.store.Set("audit_lect", tip.TxHash().String()); err != nil {
			e.LogError(err)
		}
	}
	return nil
}

// propose builds the unsigned anchoring transaction for dueHeight, persists
// it as pending and submits this validator's signatures. A recovery proposal
// spends the declared funding tx and carries prevChain; a regular one spends
// the collective lect.
func (e *Engine) propose(state types.AnchorState, dueHeight int64, signing types.AnchoringConfig,
	target types.AnchoringConfig, validator int, prevChain *chainhash.Hash) error {
	redeemScript, signingAddr, err := multisig.FromConfig(signing)
	if err != nil {
		return err
	}
	_, targetAddr, err := multisig.FromConfig(target)
	if err != nil {
		return err
	}

	var prevTx *wire.MsgTx
	if prevChain != nil {
		if prevTx, err = signing.FundingTx(); err != nil {
			return err
		}
		if prevTx == nil {
			return errors.New("recovery requires a declared funding transaction")
		}
	} else {
		if prevTx, err = e.resolver.CollectiveLect(signing); err != nil {
			return err
		}
		if prevTx == nil {
			return types.ErrLectNotFound{Height: dueHeight}
		}
	}
	in, ok := proposal.InputFromTx(prevTx, signingAddr)
	if !ok {
		return types.ErrIncorrectLect{Reason: "agreed lect pays no spendable multisig output", TxID: prevTx.TxHash().String()}
	}

	blockHash, err := e.reader.BlockHashAtHeight(dueHeight)
	if err != nil {
		return err
	}
	commit := types.Payload{
		Version:     types.PayloadVersion,
		BlockHeight: uint64(dueHeight),
		PrevTxChain: prevChain,
	}
	copy(commit.BlockHash[:], blockHash[:])

	inputs := []proposal.Input{in}
	fee := proposal.EstimateFee(signing, len(inputs))
	tx, err := proposal.Build(inputs, targetAddr, fee, commit)
	if err != nil {
		return err // InsufficientFunds: reported, the round produces no proposal
	}

	state.Pending = &types.PendingProposal{
		ID:           uuid.New().String(),
		AnchorHeight: dueHeight,
		TxHex:        types.EncodeTxHex(tx),
		Address:      targetAddr.EncodeAddress(),
	}
	if err := e.saveAnchorState(state); err != nil {
		return err
	}
	e.logger.Info("Proposed anchoring tx", "proposal", state.Pending.ID,
		"txid", tx.TxHash().String(), "anchor_height", dueHeight, "state_addr", targetAddr.EncodeAddress())

	return e.signPending(tx, redeemScript, inputs, signing, validator)
}

// signPending signs every input of the proposal and both records the
// signatures locally and submits them to the ledger.
func (e *Engine) signPending(tx *wire.MsgTx, redeemScript []byte, inputs []proposal.Input,
	signing types.AnchoringConfig, validator int) error {
	txid := tx.TxHash().String()
	for i, in := range inputs {
		sig, err := sigcollect.SignInput(tx, i, redeemScript, in.Value, signing.Segwit(), e.priv)
		if err != nil {
			return err
		}
		e.collector.Record(txid, i, validator, sig)
		if err := e.submit.SubmitSignature(types.SignatureMsg{
			TxID:           txid,
			InputIndex:     i,
			ValidatorIndex: validator,
			Signature:      hex.EncodeToString(sig),
		}); err != nil {
			return err
		}
	}
	return nil
}

// finalizePending checks the pending proposal for quorum, broadcasts the
// finalized transaction and claims it as the new lect. Short of quorum the
// partial signatures stay put and the next round retries.
func (e *Engine) finalizePending(state types.AnchorState, signing types.AnchoringConfig, validator int) error {
	tx, err := types.DecodeTxHex(state.Pending.TxHex)
	if err != nil {
		e.LogError(err)
		return nil
	}
	redeemScript, _, err := multisig.FromConfig(signing)
	if err != nil {
		e.LogError(err)
		return nil
	}
	inputValues := make([]int64, len(tx.TxIn))
	for i := range tx.TxIn {
		if inputValues[i], err = e.pendingInputValue(tx, i); err != nil {
			e.LogError(err)
			return nil
		}
	}
	final := e.collector.TryFinalize(tx, signing, redeemScript, inputValues)
	if final == nil {
		return nil // awaiting quorum
	}
	txid, err := e.relay.SendTransaction(final)
	if err != nil {
		e.LogError(err)
		return nil // relay failure degrades the round, retried next time
	}
	e.collector.Prune(tx.TxHash().String())

	state.LatestAnchorHeight = state.Pending.AnchorHeight
	state.LatestAnchorTxID = txid.String()
	state.Confirmations = 0
	state.Pending = nil
	if err := e.saveAnchorState(state); err != nil {
		e.LogError(err)
		return nil
	}

	raw := types.EncodeTxHex(final)
	msg := types.UpdateLatestMsg{
		ValidatorIndex: validator,
		TxHex:          raw,
		LectCount:      e.storage.Count(validator) + 1,
	}
	if _, err := e.storage.Apply(msg); err != nil {
		e.LogError(err)
	}
	if err := e.submit.SubmitUpdateLatest(msg); err != nil {
		e.LogError(err)
	}
	e.logger.Info("Anchored", "txid", txid.String(), "anchor_height", state.LatestAnchorHeight)
	return nil
}

// HandleSignature folds a ledger-delivered signature into the collector.
// Records are kept even when no matching proposal is pending here yet:
// proposals are deterministic, so a node that observes signatures first and
// proposes the identical transaction later reuses them at finalize time.
// Verification happens in TryFinalize, against the transaction body.
func (e *Engine) HandleSignature(msg types.SignatureMsg) error {
	actual, err := e.reader.ActualConfig()
	if err != nil {
		return e.LogError(err)
	}
	if msg.ValidatorIndex < 0 || msg.ValidatorIndex >= len(actual.AnchoringKeys) || msg.InputIndex < 0 {
		return nil
	}
	sig, err := hex.DecodeString(msg.Signature)
	if err != nil || len(sig) == 0 {
		return nil
	}
	e.collector.Record(msg.TxID, msg.InputIndex, msg.ValidatorIndex, sig)
	return nil
}

// pendingInputValue recovers the value of the multisig output a pending
// proposal spends, fetching the parent through the relay.
func (e *Engine) pendingInputValue(tx *wire.MsgTx, input int) (int64, error) {
	prev := tx.TxIn[input].PreviousOutPoint
	parent, err := e.relay.GetTransaction(prev.Hash)
	if err != nil {
		return 0, err
	}
	if parent == nil || int(prev.Index) >= len(parent.TxOut) {
		return 0, fmt.Errorf("pending proposal parent %s unavailable", prev.Hash.String())
	}
	return parent.TxOut[prev.Index].Value, nil
}

// HandleUpdateLatest validates a ledger-delivered lect claim and appends it
// to the claimant's log. Invalid claims are reported as IncorrectLect and
// dropped without halting the node.
func (e *Engine) HandleUpdateLatest(msg types.UpdateLatestMsg) error {
	actual, err := e.reader.ActualConfig()
	if err != nil {
		return e.LogError(err)
	}
	if msg.ValidatorIndex < 0 || msg.ValidatorIndex >= len(actual.AnchoringKeys) {
		return nil
	}
	following, err := e.reader.FollowingConfig()
	if err != nil {
		return e.LogError(err)
	}
	// a claim can reach a node before its first round; seed the genesis
	// entries first or the claim's ancestry check has nothing to agree with
	if err := e.bootstrapGenesis(actual); err != nil {
		return e.LogError(err)
	}
	tx, err := types.DecodeTxHex(msg.TxHex)
	if err != nil {
		return e.LogError(err)
	}
	if err := e.resolver.ValidateLect(tx, actual, following); err != nil {
		var incorrect types.ErrIncorrectLect
		if errors.As(err, &incorrect) {
			e.logger.Error("Rejected lect claim", "validator", msg.ValidatorIndex,
				"txid", incorrect.TxID, "reason", incorrect.Reason)
			return nil
		}
		return e.LogError(err)
	}
	_, err = e.storage.Apply(msg)
	return e.LogError(err)
}

// MonitorConfirmedTx refreshes the confirmation depth of the latest anchor
// for the operator-facing status API.
func (e *Engine) MonitorConfirmedTx() error {
	state, err := e.AnchorState()
	if err != nil || state.LatestAnchorTxID == "" {
		return err
	}
	txid, err := chainhash.NewHashFromStr(state.LatestAnchorTxID)
	if err != nil {
		return e.LogError(err)
	}
	status, err := e.relay.TransactionStatus(*txid)
	if err != nil {
		return e.LogError(err)
	}
	if status.Code == types.TxStatusCommitted && status.Confirmations != state.Confirmations {
		state.Confirmations = status.Confirmations
		if err := e.saveAnchorState(state); err != nil {
			return e.LogError(err)
		}
		e.logger.Info("Anchor confirmations", "txid", state.LatestAnchorTxID, "confirmations", status.Confirmations)
	}
	return nil
}
