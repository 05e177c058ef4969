package multisig

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorbft/anchoring-core/types"
)

func genKeys(t *testing.T, n int) []*btcec.PublicKey {
	keys := make([]*btcec.PublicKey, n)
	for i := 0; i < n; i++ {
		priv, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		keys[i] = priv.PubKey()
	}
	return keys
}

func TestBuildRedeemScriptDeterministic(t *testing.T) {
	keys := genKeys(t, 4)
	first, err := BuildRedeemScript(keys, 3)
	require.NoError(t, err)
	second, err := BuildRedeemScript(keys, 3)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(first, second), "same keys and threshold must yield identical scripts")
}

func TestBuildRedeemScriptStructure(t *testing.T) {
	keys := genKeys(t, 3)
	script, err := BuildRedeemScript(keys, 2)
	require.NoError(t, err)
	assert.Equal(t, byte(txscript.OP_CHECKMULTISIG), script[len(script)-1])
	assert.Equal(t, byte(txscript.OP_2), script[0])
	// threshold, 3 keys of 34 bytes (33 + push), count, checkmultisig
	assert.Equal(t, 1+3*34+1+1, len(script))
}

func TestBuildRedeemScriptOrderMatters(t *testing.T) {
	keys := genKeys(t, 3)
	forward, err := BuildRedeemScript(keys, 2)
	require.NoError(t, err)
	reversed, err := BuildRedeemScript([]*btcec.PublicKey{keys[2], keys[1], keys[0]}, 2)
	require.NoError(t, err)
	assert.False(t, bytes.Equal(forward, reversed), "key order is part of the agreement")
}

func TestBuildRedeemScriptBounds(t *testing.T) {
	_, err := BuildRedeemScript(nil, 1)
	assert.IsType(t, types.ErrInvalidKeyCount{}, err)

	_, err = BuildRedeemScript(genKeys(t, 16), 10)
	assert.IsType(t, types.ErrInvalidKeyCount{}, err)

	keys := genKeys(t, 4)
	_, err = BuildRedeemScript(keys, 5)
	assert.IsType(t, types.ErrInvalidThreshold{}, err)
	_, err = BuildRedeemScript(keys, 0)
	assert.IsType(t, types.ErrInvalidThreshold{}, err)
}

func TestScriptAddress(t *testing.T) {
	keys := genKeys(t, 4)
	script, err := BuildRedeemScript(keys, 3)
	require.NoError(t, err)

	segwit, err := ScriptAddress(script, &chaincfg.RegressionNetParams, true)
	require.NoError(t, err)
	assert.Contains(t, segwit.String(), "bcrt1", "regtest P2WSH addresses are bech32")

	legacy, err := ScriptAddress(script, &chaincfg.RegressionNetParams, false)
	require.NoError(t, err)
	assert.NotEqual(t, segwit.String(), legacy.String())
}
