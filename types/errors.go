package types

import "fmt"

// ErrInsufficientFunds is returned by the proposal builder when the available
// inputs cannot cover the fee. Reported, never retried automatically: the
// round simply produces no proposal.
type ErrInsufficientFunds struct {
	TotalFee int64
	Balance  int64
}

func (e ErrInsufficientFunds) Error() string {
	return fmt.Sprintf("insufficient funds: fee %d exceeds balance %d", e.TotalFee, e.Balance)
}

// ErrInvalidKeyCount is a fatal config-construction error: the anchoring key
// set is empty or exceeds the bitcoin multisig limit.
type ErrInvalidKeyCount struct {
	Count int
}

func (e ErrInvalidKeyCount) Error() string {
	return fmt.Sprintf("invalid anchoring key count %d, want 1..15", e.Count)
}

// ErrInvalidThreshold is a fatal config-construction error: the quorum does
// not fit the key set.
type ErrInvalidThreshold struct {
	Threshold int
	Keys      int
}

func (e ErrInvalidThreshold) Error() string {
	return fmt.Sprintf("invalid threshold %d for %d keys", e.Threshold, e.Keys)
}

// ErrIncorrectLect marks an observed lect claim that failed validation.
// Non-fatal: the claim is reported and skipped, the node keeps operating.
type ErrIncorrectLect struct {
	Reason string
	TxID   string
}

func (e ErrIncorrectLect) Error() string {
	return fmt.Sprintf("incorrect lect %s: %s", e.TxID, e.Reason)
}

// ErrLectNotFound means no quorum-agreed lect exists yet for an expected
// height. Recoverable, retried each round.
type ErrLectNotFound struct {
	Height int64
}

func (e ErrLectNotFound) Error() string {
	return fmt.Sprintf("no agreed lect found at height %d", e.Height)
}

// ErrSignatureVerification marks a received signature that does not validate
// against the claimed input and key. The signature is discarded.
type ErrSignatureVerification struct {
	TxID           string
	InputIndex     int
	ValidatorIndex int
}

func (e ErrSignatureVerification) Error() string {
	return fmt.Sprintf("signature from validator %d for %s input %d failed verification",
		e.ValidatorIndex, e.TxID, e.InputIndex)
}
