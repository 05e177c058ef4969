// Package payload encodes the 74-byte block commitment carried in the data
// output of every anchoring transaction.
package payload

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"

	"github.com/anchorbft/anchoring-core/types"
)

// Encode lays out a commitment payload:
// version | kind | height (LE u64) | block hash | prev chain txid (zero when regular)
func Encode(p types.Payload) []byte {
	buf := make([]byte, types.PayloadSize)
	buf[0] = p.Version
	buf[1] = byte(p.Kind())
	binary.LittleEndian.PutUint64(buf[2:10], p.BlockHeight)
	copy(buf[10:42], p.BlockHash[:])
	if p.PrevTxChain != nil {
		copy(buf[42:74], p.PrevTxChain[:])
	}
	return buf
}

// EncodeScript wraps an encoded payload into an OP_RETURN output script.
func EncodeScript(p types.Payload) ([]byte, error) {
	return txscript.NullDataScript(Encode(p))
}

// DecodeScript extracts a commitment payload from an output script. Returns
// nil for anything that is not an anchoring data output: arbitrary bitcoin
// transactions are routinely probed here, so a non-matching script is normal
// input rather than an error.
func DecodeScript(script []byte) *types.Payload {
	if len(script) == 0 || script[0] != txscript.OP_RETURN {
		return nil
	}
	pushes, err := txscript.PushedData(script)
	if err != nil || len(pushes) != 1 {
		return nil
	}
	return Decode(pushes[0])
}

// Decode parses raw payload bytes, rejecting wrong sizes, versions and kinds.
func Decode(data []byte) *types.Payload {
	if len(data) != types.PayloadSize || data[0] != types.PayloadVersion {
		return nil
	}
	kind := types.PayloadKind(data[1])
	if kind != types.KindRegular && kind != types.KindRecover {
		return nil
	}
	p := types.Payload{
		Version:     data[0],
		BlockHeight: binary.LittleEndian.Uint64(data[2:10]),
	}
	copy(p.BlockHash[:], data[10:42])
	var prev chainhash.Hash
	copy(prev[:], data[42:74])
	switch kind {
	case types.KindRecover:
		if isZero(prev) {
			return nil
		}
		p.PrevTxChain = &prev
	case types.KindRegular:
		if !isZero(prev) {
			return nil
		}
	}
	return &p
}

func isZero(h chainhash.Hash) bool {
	for _, b := range h {
		if b != 0 {
			return false
		}
	}
	return true
}
