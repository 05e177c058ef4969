package consensus

import (
	"sync"

	"github.com/anchorbft/anchoring-core/types"
)

// Mock implements Reader and Submitter in memory for tests and local runs.
// Submitted messages accumulate in order; tests deliver them to each node at
// their own pace, mirroring the asynchronous ledger.
type Mock struct {
	mu          sync.Mutex
	ChainHeight int64
	BlockHashes map[int64][32]byte
	Actual      types.AnchoringConfig
	Following   *types.AnchoringConfig

	Signatures []types.SignatureMsg
	Lects      []types.UpdateLatestMsg
}

func NewMock(actual types.AnchoringConfig) *Mock {
	return &Mock{
		Actual:      actual,
		BlockHashes: map[int64][32]byte{},
	}
}

func (m *Mock) Height() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ChainHeight, nil
}

func (m *Mock) BlockHashAtHeight(h int64) ([32]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.BlockHashes[h], nil
}

func (m *Mock) ActualConfig() (types.AnchoringConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Actual, nil
}

func (m *Mock) FollowingConfig() (*types.AnchoringConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Following, nil
}

func (m *Mock) SubmitSignature(msg types.SignatureMsg) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Signatures = append(m.Signatures, msg)
	return nil
}

func (m *Mock) SubmitUpdateLatest(msg types.UpdateLatestMsg) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Lects = append(m.Lects, msg)
	return nil
}

// DrainSignatures returns and clears the submitted signature messages.
func (m *Mock) DrainSignatures() []types.SignatureMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.Signatures
	m.Signatures = nil
	return msgs
}

// DrainLects returns and clears the submitted lect claims.
func (m *Mock) DrainLects() []types.UpdateLatestMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.Lects
	m.Lects = nil
	return msgs
}
