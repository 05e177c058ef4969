package anchor

import (
	"encoding/hex"
	"os"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"
	dbm "github.com/tendermint/tm-db"

	"github.com/anchorbft/anchoring-core/consensus"
	"github.com/anchorbft/anchoring-core/level"
	"github.com/anchorbft/anchoring-core/multisig"
	"github.com/anchorbft/anchoring-core/payload"
	"github.com/anchorbft/anchoring-core/relay"
	"github.com/anchorbft/anchoring-core/types"
)

// cluster is a 4 validator network sharing one fake bitcoin relay and one
// message pool standing in for the BFT ledger.
type cluster struct {
	cfg     types.AnchoringConfig
	privs   []*btcec.PrivateKey
	funding *wire.MsgTx
	relay   *relay.MemRelay
	mock    *consensus.Mock
	engines []*Engine
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	logger := log.NewTMLogger(log.NewSyncWriter(os.Stdout))

	privs := make([]*btcec.PrivateKey, 4)
	keys := make([]types.AnchoringKey, 4)
	for i := range privs {
		priv, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		privs[i] = priv
		keys[i] = types.AnchoringKey{
			ServiceID: string(rune('a' + i)),
			PubKey:    hex.EncodeToString(priv.PubKey().SerializeCompressed()),
		}
	}
	cfg := types.AnchoringConfig{
		Network:        "regtest",
		AnchoringKeys:  keys,
		FeePerByte:     1,
		AnchorInterval: 10,
	}
	_, addr, err := multisig.FromConfig(cfg)
	require.NoError(t, err)
	payScript, err := multisig.PayScript(addr)
	require.NoError(t, err)

	funding := wire.NewMsgTx(wire.TxVersion)
	seedPoint := wire.OutPoint{Hash: chainhash.Hash{0xaa}, Index: 0}
	funding.AddTxIn(wire.NewTxIn(&seedPoint, nil, nil))
	funding.AddTxOut(wire.NewTxOut(100000, payScript))
	cfg.FundingTxHex = types.EncodeTxHex(funding)

	memRelay := relay.NewMemRelay()
	memRelay.Seed(funding, 6)
	mock := consensus.NewMock(cfg)

	engines := make([]*Engine, 4)
	for i := range engines {
		store := level.NewStore(dbm.NewMemDB(), logger)
		engine, err := NewEngine(types.ServiceConfig{
			ServiceID:     keys[i].ServiceID,
			PrivateKeyHex: hex.EncodeToString(privs[i].Serialize()),
		}, memRelay, mock, mock, store, logger)
		require.NoError(t, err)
		engines[i] = engine
	}
	return &cluster{
		cfg:     cfg,
		privs:   privs,
		funding: funding,
		relay:   memRelay,
		mock:    mock,
		engines: engines,
	}
}

// deliver drains the ledger pool and folds every message into every node.
func (c *cluster) deliver(t *testing.T) {
	t.Helper()
	for _, msg := range c.mock.DrainSignatures() {
		for _, engine := range c.engines {
			require.NoError(t, engine.HandleSignature(msg))
		}
	}
	for _, msg := range c.mock.DrainLects() {
		for _, engine := range c.engines {
			require.NoError(t, engine.HandleUpdateLatest(msg))
		}
	}
}

func (c *cluster) round(t *testing.T, height int64) {
	t.Helper()
	for _, engine := range c.engines {
		require.NoError(t, engine.Process(height))
	}
	c.deliver(t)
}

func TestAnchoringRoundReachesQuorum(t *testing.T) {
	c := newCluster(t)
	c.mock.BlockHashes[0] = [32]byte{0xb0}

	// round 1: everyone proposes the identical transaction and signs
	c.round(t, 0)
	state, err := c.engines[0].AnchorState()
	require.NoError(t, err)
	require.NotNil(t, state.Pending)
	assert.Equal(t, int64(0), state.Pending.AnchorHeight)

	// round 2: quorum reached, finalized and broadcast
	c.round(t, 0)
	state, err = c.engines[0].AnchorState()
	require.NoError(t, err)
	assert.Nil(t, state.Pending)
	require.NotEmpty(t, state.LatestAnchorTxID)

	txid, err := chainhash.NewHashFromStr(state.LatestAnchorTxID)
	require.NoError(t, err)
	anchorTx, err := c.relay.GetTransaction(*txid)
	require.NoError(t, err)
	require.NotNil(t, anchorTx, "finalized anchor must be on the relay")

	commit := payload.DecodeScript(anchorTx.TxOut[1].PkScript)
	require.NotNil(t, commit)
	assert.Equal(t, uint64(0), commit.BlockHeight)
	assert.Equal(t, [32]byte{0xb0}, commit.BlockHash)
	assert.Equal(t, types.KindRegular, commit.Kind())

	// every node converged on the same lect
	for _, engine := range c.engines {
		assert.Equal(t, 4, engine.Storage().AgreementCount(4, state.LatestAnchorTxID))
	}
}

func TestAnchorChainExtends(t *testing.T) {
	c := newCluster(t)
	c.mock.BlockHashes[0] = [32]byte{0xb0}
	c.mock.BlockHashes[10] = [32]byte{0xb1}

	c.round(t, 0)
	c.round(t, 0)
	first, err := c.engines[0].AnchorState()
	require.NoError(t, err)

	c.round(t, 12)
	c.round(t, 12)
	second, err := c.engines[0].AnchorState()
	require.NoError(t, err)
	assert.Equal(t, int64(10), second.LatestAnchorHeight)
	assert.NotEqual(t, first.LatestAnchorTxID, second.LatestAnchorTxID)

	// the new anchor spends the previous one
	txid, err := chainhash.NewHashFromStr(second.LatestAnchorTxID)
	require.NoError(t, err)
	tx, err := c.relay.GetTransaction(*txid)
	require.NoError(t, err)
	prevTxid, err := chainhash.NewHashFromStr(first.LatestAnchorTxID)
	require.NoError(t, err)
	assert.Equal(t, *prevTxid, tx.TxIn[0].PreviousOutPoint.Hash)
}

func TestSignaturesObservedBeforeProposalAreReused(t *testing.T) {
	c := newCluster(t)
	c.mock.BlockHashes[0] = [32]byte{0xb0}

	// three validators propose and sign first
	for _, i := range []int{0, 2, 3} {
		require.NoError(t, c.engines[i].Process(0))
	}
	// validator 1 observes their signatures before running its own round
	for _, msg := range c.mock.DrainSignatures() {
		require.NoError(t, c.engines[1].HandleSignature(msg))
	}

	require.NoError(t, c.engines[1].Process(0)) // proposes the identical tx
	require.NoError(t, c.engines[1].Process(0)) // finalizes with the kept records

	state, err := c.engines[1].AnchorState()
	require.NoError(t, err)
	assert.Nil(t, state.Pending)
	assert.NotEmpty(t, state.LatestAnchorTxID,
		"signatures recorded before the local proposal must still count")
}

func TestLectClaimBeforeFirstRoundIsKept(t *testing.T) {
	c := newCluster(t)
	c.mock.BlockHashes[0] = [32]byte{0xb0}
	c.round(t, 0)
	for _, engine := range c.engines {
		require.NoError(t, engine.Process(0)) // finalize and claim
	}
	msgs := c.mock.DrainLects()
	require.Len(t, msgs, 4)

	// a node that has not run a single round yet observes the claims
	logger := log.NewTMLogger(log.NewSyncWriter(os.Stdout))
	store := level.NewStore(dbm.NewMemDB(), logger)
	late, err := NewEngine(types.ServiceConfig{ServiceID: "z"}, c.relay, c.mock, c.mock, store, logger)
	require.NoError(t, err)
	for _, msg := range msgs {
		require.NoError(t, late.HandleUpdateLatest(msg))
	}

	tx, err := types.DecodeTxHex(msgs[0].TxHex)
	require.NoError(t, err)
	assert.Equal(t, 2, late.Storage().Count(0), "genesis plus the observed anchor")
	assert.Equal(t, 4, late.Storage().AgreementCount(4, tx.TxHash().String()))
}

func TestNoQuorumNoBroadcast(t *testing.T) {
	c := newCluster(t)
	c.mock.BlockHashes[0] = [32]byte{0xb0}

	// only validators 0 and 1 participate: below the threshold of 3
	require.NoError(t, c.engines[0].Process(0))
	require.NoError(t, c.engines[1].Process(0))
	c.deliver(t)
	require.NoError(t, c.engines[0].Process(0))

	state, err := c.engines[0].AnchorState()
	require.NoError(t, err)
	assert.NotNil(t, state.Pending, "two signatures must not finalize")
	assert.Empty(t, state.LatestAnchorTxID)
}

func TestStalePendingDiscarded(t *testing.T) {
	c := newCluster(t)
	c.mock.BlockHashes[0] = [32]byte{0xb0}
	c.mock.BlockHashes[10] = [32]byte{0xb1}

	require.NoError(t, c.engines[0].Process(0))
	state, err := c.engines[0].AnchorState()
	require.NoError(t, err)
	require.NotNil(t, state.Pending)
	assert.Equal(t, int64(0), state.Pending.AnchorHeight)

	// height drifts past the pending target before quorum arrives
	require.NoError(t, c.engines[0].Process(13))
	state, err = c.engines[0].AnchorState()
	require.NoError(t, err)
	require.NotNil(t, state.Pending)
	assert.Equal(t, int64(10), state.Pending.AnchorHeight, "stale proposal replaced by the due one")
}

func TestInsufficientFundsProducesNoProposal(t *testing.T) {
	c := newCluster(t)
	c.mock.BlockHashes[0] = [32]byte{0xb0}

	// shrink the funding output below the estimated fee
	_, addr, err := multisig.FromConfig(c.cfg)
	require.NoError(t, err)
	payScript, err := multisig.PayScript(addr)
	require.NoError(t, err)
	poor := wire.NewMsgTx(wire.TxVersion)
	poorPoint := wire.OutPoint{Hash: chainhash.Hash{0xab}, Index: 0}
	poor.AddTxIn(wire.NewTxIn(&poorPoint, nil, nil))
	poor.AddTxOut(wire.NewTxOut(10, payScript))

	cfg := c.cfg
	cfg.FundingTxHex = types.EncodeTxHex(poor)
	c.mock.Actual = cfg
	c.relay.Seed(poor, 6)

	require.NoError(t, c.engines[0].Process(0))
	state, err := c.engines[0].AnchorState()
	require.NoError(t, err)
	assert.Nil(t, state.Pending, "insufficient funds yields no proposal")
}

func TestAuditorNeverSigns(t *testing.T) {
	c := newCluster(t)
	logger := log.NewTMLogger(log.NewSyncWriter(os.Stdout))
	store := level.NewStore(dbm.NewMemDB(), logger)
	auditor, err := NewEngine(types.ServiceConfig{ServiceID: "observer"}, c.relay, c.mock, c.mock, store, logger)
	require.NoError(t, err)

	state, err := auditor.CurrentState()
	require.NoError(t, err)
	assert.Equal(t, StateAuditing, state)

	require.NoError(t, auditor.Process(0))
	assert.Empty(t, c.mock.DrainSignatures(), "auditors never originate signatures")
	assert.Empty(t, c.mock.DrainLects())
}

func TestTransitionPaysFollowingAddress(t *testing.T) {
	c := newCluster(t)
	c.mock.BlockHashes[0] = [32]byte{0xb0}

	following := c.cfg
	followingKeys := make([]types.AnchoringKey, 3)
	copy(followingKeys, c.cfg.AnchoringKeys[:3])
	following.AnchoringKeys = followingKeys
	following.StartHeight = 100
	c.mock.Following = &following

	state, err := c.engines[0].CurrentState()
	require.NoError(t, err)
	assert.Equal(t, StateTransition, state)

	require.NoError(t, c.engines[0].Process(0))
	anchorState, err := c.engines[0].AnchorState()
	require.NoError(t, err)
	require.NotNil(t, anchorState.Pending)

	_, followingAddr, err := multisig.FromConfig(following)
	require.NoError(t, err)
	assert.Equal(t, followingAddr.EncodeAddress(), anchorState.Pending.Address,
		"transition proposals move funds to the incoming config's address")

	// the outgoing quorum still signs the spend
	c.deliver(t)
	for _, engine := range c.engines[1:] {
		require.NoError(t, engine.Process(0))
	}
	c.deliver(t)
	require.NoError(t, c.engines[0].Process(0))
	anchorState, err = c.engines[0].AnchorState()
	require.NoError(t, err)
	assert.Nil(t, anchorState.Pending)
	assert.NotEmpty(t, anchorState.LatestAnchorTxID)
}

func TestRecoveringBuildsRecoveryRoot(t *testing.T) {
	c := newCluster(t)
	c.mock.BlockHashes[0] = [32]byte{0xb0}

	// every validator's latest claim pays an address outside the actual config
	oldCfg := c.cfg
	oldKeys := make([]types.AnchoringKey, 3)
	copy(oldKeys, c.cfg.AnchoringKeys[:3])
	oldCfg.AnchoringKeys = oldKeys
	_, oldAddr, err := multisig.FromConfig(oldCfg)
	require.NoError(t, err)
	oldPayScript, err := multisig.PayScript(oldAddr)
	require.NoError(t, err)
	brokenTip := wire.NewMsgTx(wire.TxVersion)
	brokenPoint := wire.OutPoint{Hash: chainhash.Hash{0xee}, Index: 0}
	brokenTip.AddTxIn(wire.NewTxIn(&brokenPoint, nil, nil))
	brokenTip.AddTxOut(wire.NewTxOut(50000, oldPayScript))

	for _, engine := range c.engines {
		for v := 0; v < 4; v++ {
			applied, err := engine.Storage().Apply(types.UpdateLatestMsg{
				ValidatorIndex: v,
				TxHex:          types.EncodeTxHex(brokenTip),
				LectCount:      1,
			})
			require.NoError(t, err)
			require.True(t, applied)
		}
	}

	state, err := c.engines[0].CurrentState()
	require.NoError(t, err)
	assert.Equal(t, StateRecovering, state)

	require.NoError(t, c.engines[0].Process(0))
	anchorState, err := c.engines[0].AnchorState()
	require.NoError(t, err)
	require.NotNil(t, anchorState.Pending)

	tx, err := types.DecodeTxHex(anchorState.Pending.TxHex)
	require.NoError(t, err)
	assert.Equal(t, c.funding.TxHash(), tx.TxIn[0].PreviousOutPoint.Hash,
		"the recovery root spends the declared funding tx")

	commit := payload.DecodeScript(tx.TxOut[1].PkScript)
	require.NotNil(t, commit)
	assert.Equal(t, types.KindRecover, commit.Kind())
	require.NotNil(t, commit.PrevTxChain)
	assert.Equal(t, brokenTip.TxHash(), *commit.PrevTxChain,
		"the recovery root points at the broken chain's agreed tip")
}

func TestValidateConfigFatal(t *testing.T) {
	cfg := types.AnchoringConfig{Network: "regtest", AnchorInterval: 10}
	err := ValidateConfig(cfg)
	assert.IsType(t, types.ErrInvalidKeyCount{}, err, "empty key set must abort startup")

	c := newCluster(t)
	good := c.cfg
	assert.NoError(t, ValidateConfig(good))

	good.AnchorInterval = 0
	assert.Error(t, ValidateConfig(good))
}

func TestMonitorConfirmedTx(t *testing.T) {
	c := newCluster(t)
	c.mock.BlockHashes[0] = [32]byte{0xb0}
	c.round(t, 0)
	c.round(t, 0)

	c.relay.Mine()
	require.NoError(t, c.engines[0].MonitorConfirmedTx())
	state, err := c.engines[0].AnchorState()
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Confirmations)
}

func TestDeriveStateTable(t *testing.T) {
	c := newCluster(t)
	claim := &types.LectEntry{TxHex: c.cfg.FundingTxHex, TxID: c.funding.TxHash().String()}

	state, err := DeriveState(c.cfg, nil, claim, true)
	require.NoError(t, err)
	assert.Equal(t, StateAnchoring, state)

	state, err = DeriveState(c.cfg, nil, claim, false)
	require.NoError(t, err)
	assert.Equal(t, StateAuditing, state)

	following := c.cfg
	followingKeys := make([]types.AnchoringKey, 3)
	copy(followingKeys, c.cfg.AnchoringKeys[:3])
	following.AnchoringKeys = followingKeys
	state, err = DeriveState(c.cfg, &following, claim, true)
	require.NoError(t, err)
	assert.Equal(t, StateTransition, state)

	// a following config with the identical address is not a transition
	same := c.cfg
	state, err = DeriveState(c.cfg, &same, claim, true)
	require.NoError(t, err)
	assert.Equal(t, StateAnchoring, state)
}
