package discovery

import (
	"encoding/json"
	"fmt"
	"sync"
)

// TxDatabase is the account-wide, content-addressed transaction
// registry: TxId -> TxInternalIndex -> TxInfo (spec §4.6). It may span
// multiple chains (external/change) of the same account, so two
// independent ChainDiscovery instances can call Update on the same
// TxDatabase concurrently; its own mutex guards byId/byIdx rather than
// relying on either engine's private lock.
type TxDatabase struct {
	mu    sync.RWMutex
	byId  map[TxId]TxInternalIndex
	byIdx []TxInfo // dense, index == TxInternalIndex
}

// NewTxDatabase builds an empty TxDatabase.
func NewTxDatabase() *TxDatabase {
	return &TxDatabase{
		byId: make(map[TxId]TxInternalIndex),
	}
}

// Update inserts info if its Id is absent, or overwrites the existing
// entry's block context in place, preserving its internal index
// (last-write-wins on block context, spec §3). Returns the internal
// index the record now occupies.
func (db *TxDatabase) Update(info TxInfo) TxInternalIndex {
	db.mu.Lock()
	defer db.mu.Unlock()
	if idx, ok := db.byId[info.Id]; ok {
		existing := db.byIdx[idx]
		existing.BlockHeight = info.BlockHeight
		existing.BlockHash = info.BlockHash
		existing.BlockIndex = info.BlockIndex
		if info.Raw != nil {
			existing.Raw = info.Raw
		}
		db.byIdx[idx] = existing
		return idx
	}

	idx := TxInternalIndex(len(db.byIdx))
	db.byIdx = append(db.byIdx, info)
	db.byId[info.Id] = idx
	return idx
}

// IndexOf returns the internal index for id, if present.
func (db *TxDatabase) IndexOf(id TxId) (TxInternalIndex, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	idx, ok := db.byId[id]
	return idx, ok
}

// InfoOf returns the TxInfo stored at idx.
func (db *TxDatabase) InfoOf(idx TxInternalIndex) (TxInfo, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if idx < 0 || idx >= len(db.byIdx) {
		return TxInfo{}, false
	}
	return db.byIdx[idx], true
}

// Len is the number of distinct transactions recorded.
func (db *TxDatabase) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.byIdx)
}

// txDatabaseBlob is the wire projection of §6's "database" blob: an
// ordered list of TxInfo JSON items, position == internal index.
type txDatabaseBlob = []json.RawMessage

// Store projects the database to the ordered list of TxInfo JSON items
// spec §6 describes: position encodes the internal index.
func (db *TxDatabase) Store() (txDatabaseBlob, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make(txDatabaseBlob, 0, len(db.byIdx))
	for _, info := range db.byIdx {
		raw, err := info.ToJSON()
		if err != nil {
			return nil, fmt.Errorf("txdatabase: marshal %s: %w", info.Id, err)
		}
		out = append(out, json.RawMessage(raw))
	}
	return out, nil
}

// StoreJSON is Store followed by marshalling, for callers outside the
// package that only want to persist an opaque blob (see discovery/persist).
func (db *TxDatabase) StoreJSON() ([]byte, error) {
	blob, err := db.Store()
	if err != nil {
		return nil, err
	}
	return json.Marshal(blob)
}

// RestoreJSON unmarshals data produced by StoreJSON and restores it.
func (db *TxDatabase) RestoreJSON(data []byte) error {
	var blob txDatabaseBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return db.Restore(blob)
}

// Restore replaces the database wholesale from a "database" blob.
// Internal indices are reassigned by order of appearance, as spec §6
// requires — callers must restore the owning ChainHistory's blob in
// the same operation, since its indices are only valid against this
// exact ordering.
func (db *TxDatabase) Restore(blob txDatabaseBlob) error {
	byId := make(map[TxId]TxInternalIndex, len(blob))
	byIdx := make([]TxInfo, 0, len(blob))
	for i, raw := range blob {
		info, err := TxInfoFromJSON(raw)
		if err != nil {
			return fmt.Errorf("%w: txdatabase entry %d: %v", ErrSerialization, i, err)
		}
		if _, dup := byId[info.Id]; dup {
			return fmt.Errorf("%w: txdatabase duplicate id %s", ErrSerialization, info.Id)
		}
		byId[info.Id] = TxInternalIndex(i)
		byIdx = append(byIdx, info)
	}
	db.mu.Lock()
	db.byId = byId
	db.byIdx = byIdx
	db.mu.Unlock()
	return nil
}
