package discovery

import (
	"encoding/json"
)

// AddressIndex is the BIP32 child number under a chain node. Dense and
// monotonically increasing from 0 within a Chain.
type AddressIndex = uint32

// Address is an opaque address string (base58 or bech32). A bijection
// with its AddressIndex within a Chain.
type Address = string

// TxId is an opaque, backend-assigned transaction identifier.
type TxId = string

// TxInternalIndex is a dense index into a TxDatabase, stable within a
// process lifetime but reassigned on restore.
type TxInternalIndex = int

// BlockHash names a block by its backend-supplied hash string.
type BlockHash = string

// HDNodeProjection is the minimal, immutable projection of a caller's
// HD public-key node that address derivation needs. Constructed once
// per chain from the caller-supplied node and never mutated.
type HDNodeProjection struct {
	Depth             uint8
	ChildNum          uint32
	ParentFingerprint uint32
	ChainCode         [32]byte
	PublicKey         [33]byte
}

// TxInfo is an opaque transaction record plus its block context. The
// Id is stable for the wallet's lifetime; the block context may be
// overwritten by a later notification (last-write-wins).
type TxInfo struct {
	Id          TxId
	BlockHeight int64
	BlockHash   BlockHash
	BlockIndex  int
	Raw         json.RawMessage
}

// txInfoJSON is TxInfo's wire projection (spec §6: "TxInfo must expose
// id, toJSON() and a matching fromJSON factory").
type txInfoJSON struct {
	Id          TxId            `json:"id"`
	BlockHeight int64           `json:"blockHeight"`
	BlockHash   BlockHash       `json:"blockHash"`
	BlockIndex  int             `json:"blockIndex"`
	Raw         json.RawMessage `json:"raw"`
}

// ToJSON serialises a TxInfo to its wire projection.
func (t TxInfo) ToJSON() ([]byte, error) {
	return json.Marshal(txInfoJSON{
		Id:          t.Id,
		BlockHeight: t.BlockHeight,
		BlockHash:   t.BlockHash,
		BlockIndex:  t.BlockIndex,
		Raw:         t.Raw,
	})
}

// TxInfoFromJSON is the matching factory for TxInfo.ToJSON.
func TxInfoFromJSON(data []byte) (TxInfo, error) {
	var w txInfoJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return TxInfo{}, err
	}
	return TxInfo{
		Id:          w.Id,
		BlockHeight: w.BlockHeight,
		BlockHash:   w.BlockHash,
		BlockIndex:  w.BlockIndex,
		Raw:         w.Raw,
	}, nil
}
