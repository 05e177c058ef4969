// Package lect tracks each validator's "latest correct transaction" claims
// and reconciles them into the network-agreed anchoring chain tip.
package lect

import (
	"encoding/json"
	"fmt"

	"github.com/tendermint/tendermint/libs/log"

	"github.com/anchorbft/anchoring-core/level"
	"github.com/anchorbft/anchoring-core/types"
)

// Storage is the append-only per-validator lect log. Entries are never
// removed; the genesis entry of every validator is the funding transaction.
type Storage struct {
	store  *level.Store
	logger log.Logger
}

func NewStorage(store *level.Store, logger log.Logger) *Storage {
	return &Storage{
		store:  store,
		logger: logger,
	}
}

func lectKey(validator int) string {
	return fmt.Sprintf("lect:%d", validator)
}

func heldKey(validator int, count int) string {
	return fmt.Sprintf("lectheld:%d:%d", validator, count)
}

// Entries returns a validator's full lect log in append order.
func (s *Storage) Entries(validator int) ([]types.LectEntry, error) {
	raw, err := s.store.Get(lectKey(validator))
	if err != nil {
		return nil, err
	}
	entries := make([]types.LectEntry, 0, len(raw))
	for _, item := range raw {
		var entry types.LectEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Latest returns a validator's current lect claim, nil when the log is empty.
func (s *Storage) Latest(validator int) (*types.LectEntry, error) {
	entries, err := s.Entries(validator)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[len(entries)-1], nil
}

// Count returns the length of a validator's lect log.
func (s *Storage) Count(validator int) int {
	entries, err := s.Entries(validator)
	if err != nil {
		return 0
	}
	return len(entries)
}

// Apply folds an UpdateLatest claim into the log. Claims at or below the
// current counter are stale or duplicated and are dropped, which makes
// redelivery harmless. Claims running ahead of the local log are held and
// folded in once the gap fills, so delivery order cannot desync a node.
func (s *Storage) Apply(msg types.UpdateLatestMsg) (bool, error) {
	next := s.Count(msg.ValidatorIndex) + 1
	if msg.LectCount < next {
		s.logger.Debug("Dropping stale lect claim",
			"validator", msg.ValidatorIndex, "count", msg.LectCount)
		return false, nil
	}
	if msg.LectCount > next {
		s.logger.Debug("Holding early lect claim",
			"validator", msg.ValidatorIndex, "count", msg.LectCount)
		return false, s.store.SetJSON(heldKey(msg.ValidatorIndex, msg.LectCount), msg)
	}
	if err := s.append(msg); err != nil {
		return false, err
	}
	return true, s.drainHeld(msg.ValidatorIndex)
}

// drainHeld appends any held claims that now extend the log.
func (s *Storage) drainHeld(validator int) error {
	for {
		next := s.Count(validator) + 1
		var held types.UpdateLatestMsg
		found, err := s.store.GetJSON(heldKey(validator, next), &held)
		if err != nil || !found {
			return err
		}
		if err := s.store.Del(heldKey(validator, next)); err != nil {
			return err
		}
		if err := s.append(held); err != nil {
			return err
		}
	}
}

func (s *Storage) append(msg types.UpdateLatestMsg) error {
	tx, err := types.DecodeTxHex(msg.TxHex)
	if err != nil {
		return err
	}
	entry := types.LectEntry{
		TxID:  tx.TxHash().String(),
		TxHex: msg.TxHex,
		Count: msg.LectCount,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.store.Append(lectKey(msg.ValidatorIndex), string(raw))
}

// Contains reports whether txid appears anywhere in a validator's log.
func (s *Storage) Contains(validator int, txid string) bool {
	entries, err := s.Entries(validator)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if entry.TxID == txid {
			return true
		}
	}
	return false
}

// AgreementCount counts the validators whose log contains txid.
func (s *Storage) AgreementCount(validators int, txid string) int {
	count := 0
	for v := 0; v < validators; v++ {
		if s.Contains(v, txid) {
			count++
		}
	}
	return count
}
