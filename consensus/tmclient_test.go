package consensus

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/anchorbft/anchoring-core/types"
)

type capturingHandler struct {
	sigs  []types.SignatureMsg
	lects []types.UpdateLatestMsg
}

func (c *capturingHandler) HandleSignature(msg types.SignatureMsg) error {
	c.sigs = append(c.sigs, msg)
	return nil
}

func (c *capturingHandler) HandleUpdateLatest(msg types.UpdateLatestMsg) error {
	c.lects = append(c.lects, msg)
	return nil
}

func ledgerTxBytes(t *testing.T, txType string, payload interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	raw, err := json.Marshal(LedgerTx{TxType: txType, Data: string(data)})
	require.NoError(t, err)
	return raw
}

func TestRouteLedgerTx(t *testing.T) {
	logger := log.NewTMLogger(log.NewSyncWriter(os.Stdout))
	h := &capturingHandler{}

	sig := types.SignatureMsg{TxID: "ab12", InputIndex: 0, ValidatorIndex: 2, Signature: "3044"}
	routeLedgerTx(ledgerTxBytes(t, TxTypeSignature, sig), h, logger)
	require.Len(t, h.sigs, 1)
	assert.Equal(t, sig, h.sigs[0])

	claim := types.UpdateLatestMsg{ValidatorIndex: 1, TxHex: "00", LectCount: 2}
	routeLedgerTx(ledgerTxBytes(t, TxTypeUpdateLatest, claim), h, logger)
	require.Len(t, h.lects, 1)
	assert.Equal(t, claim, h.lects[0])

	// foreign ledger traffic is skipped without touching the handler
	routeLedgerTx([]byte("not even json"), h, logger)
	routeLedgerTx(ledgerTxBytes(t, "OTHER", map[string]string{"x": "y"}), h, logger)
	assert.Len(t, h.sigs, 1)
	assert.Len(t, h.lects, 1)
}
