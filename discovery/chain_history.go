package discovery

import (
	"encoding/json"
	"fmt"
	"sync"
)

// ChainHistory maps each used AddressIndex on one chain to the
// ordered list of transactions touching it, plus the most recent
// block hash the discovery has incorporated (spec §4.7). It borrows
// its TxDatabase for the lifetime of the discovery engine that owns
// both (spec §9: non-owning back-reference, not a stored pointer
// cycle) — history entries are TxDatabase indices, dereferenced
// through InfoOf on read, so a later TxDatabase.Update to the same
// transaction's block context is visible without ChainHistory doing
// anything (spec §9, Open Question 4).
type ChainHistory struct {
	db *TxDatabase

	mu         sync.RWMutex
	byAddress  map[AddressIndex][]TxInternalIndex
	untilBlock BlockHash
	nextIndex  AddressIndex // one past the highest used address index
}

// NewChainHistory builds an empty ChainHistory borrowing db.
func NewChainHistory(db *TxDatabase) *ChainHistory {
	return &ChainHistory{
		db:        db,
		byAddress: make(map[AddressIndex][]TxInternalIndex),
	}
}

// Append records that info (already present in the borrowed
// TxDatabase) touches idx, in observation order.
func (h *ChainHistory) Append(idx AddressIndex, txIdx TxInternalIndex) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byAddress[idx] = append(h.byAddress[idx], txIdx)
	if idx+1 > h.nextIndex {
		h.nextIndex = idx + 1
	}
}

// HistoryOf returns the ordered TxInfo list for idx, dereferenced
// through the borrowed TxDatabase.
func (h *ChainHistory) HistoryOf(idx AddressIndex) []TxInfo {
	h.mu.RLock()
	entries := h.byAddress[idx]
	cp := make([]TxInternalIndex, len(entries))
	copy(cp, entries)
	h.mu.RUnlock()

	if len(cp) == 0 {
		return nil
	}
	out := make([]TxInfo, 0, len(cp))
	for _, txIdx := range cp {
		if info, ok := h.db.InfoOf(txIdx); ok {
			out = append(out, info)
		}
	}
	return out
}

// NextIndex is one past the highest used AddressIndex — the *used*
// prefix, distinct from Chain.NextIndex (the *derived* prefix). Their
// difference is the gap (spec §4.7, §4.8).
func (h *ChainHistory) NextIndex() AddressIndex {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.nextIndex
}

// UntilBlock is the most recent block hash incorporated into this
// history.
func (h *ChainHistory) UntilBlock() BlockHash {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.untilBlock
}

// SetUntilBlock records the checkpoint.
func (h *ChainHistory) SetUntilBlock(hash BlockHash) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.untilBlock = hash
}

// chainHistoryBlob is the wire projection of spec §6's "history" blob:
// a positional array indexed by AddressIndex, with nil gaps preserved
// for unused indices, plus the untilBlock checkpoint.
type chainHistoryBlob struct {
	UntilBlock BlockHash             `json:"untilBlock"`
	List       [][]TxInternalIndex `json:"list"`
}

// Store projects the history to TxDatabase indices plus the
// checkpoint. The outer list is sparse: an unused index's slot is nil.
func (h *ChainHistory) Store() chainHistoryBlob {
	h.mu.RLock()
	defer h.mu.RUnlock()
	list := make([][]TxInternalIndex, h.nextIndex)
	for idx, entries := range h.byAddress {
		cp := make([]TxInternalIndex, len(entries))
		copy(cp, entries)
		list[idx] = cp
	}
	return chainHistoryBlob{
		UntilBlock: h.untilBlock,
		List:       list,
	}
}

// StoreJSON is Store followed by marshalling, for callers outside the
// package that only want to persist an opaque blob (see discovery/persist).
func (h *ChainHistory) StoreJSON() ([]byte, error) {
	return json.Marshal(h.Store())
}

// RestoreJSON unmarshals data produced by StoreJSON and restores it.
func (h *ChainHistory) RestoreJSON(data []byte) error {
	var blob chainHistoryBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return h.Restore(blob)
}

// Restore replaces the history wholesale from blob, validating every
// referenced index exists in the (already-restored) TxDatabase.
// Restoring the paired TxDatabase blob first is the caller's
// responsibility (spec §6: "both must be restored together").
func (h *ChainHistory) Restore(blob chainHistoryBlob) error {
	byAddress := make(map[AddressIndex][]TxInternalIndex)
	var next AddressIndex
	for i, entries := range blob.List {
		if len(entries) == 0 {
			continue
		}
		for _, txIdx := range entries {
			if _, ok := h.db.InfoOf(txIdx); !ok {
				return fmt.Errorf("%w: history index %d references missing tx index %d", ErrSerialization, i, txIdx)
			}
		}
		cp := make([]TxInternalIndex, len(entries))
		copy(cp, entries)
		byAddress[AddressIndex(i)] = cp
		if AddressIndex(i)+1 > next {
			next = AddressIndex(i) + 1
		}
	}
	h.mu.Lock()
	h.byAddress = byAddress
	h.nextIndex = next
	h.untilBlock = blob.UntilBlock
	h.mu.Unlock()
	return nil
}
