package discovery

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

// AddressSource derives the ordered sequence of addresses for a
// contiguous, non-empty index range (spec §4.1). Implementations may
// suspend (worker round-trip, channel round-trip) and may fail with an
// error wrapping ErrDerivation.
type AddressSource interface {
	Derive(ctx context.Context, first, last AddressIndex) ([]Address, error)
}

// NativeAddressSource derives addresses in-process from an
// HDNodeProjection, using the caller-supplied network parameters for
// the address version byte (spec §9, Open Question 3: the version is
// threaded explicitly rather than assumed mainnet). It exists mainly
// as a test/fallback source — production discovery normally delegates
// to a WorkerAddressSource.
type NativeAddressSource struct {
	node   HDNodeProjection
	params *chaincfg.Params
}

// NewNativeAddressSource builds a NativeAddressSource over the given
// node projection, deriving addresses for params's network.
func NewNativeAddressSource(node HDNodeProjection, params *chaincfg.Params) *NativeAddressSource {
	return &NativeAddressSource{node: node, params: params}
}

func (s *NativeAddressSource) Derive(ctx context.Context, first, last AddressIndex) ([]Address, error) {
	if last < first {
		return nil, ErrEmptyRange
	}

	extKey := hdkeychain.NewExtendedKey(
		s.params.HDPublicKeyID[:],
		s.node.PublicKey[:],
		s.node.ChainCode[:],
		fingerprintBytes(s.node.ParentFingerprint),
		s.node.Depth,
		s.node.ChildNum,
		false,
	)

	addrs := make([]Address, 0, last-first+1)
	for idx := first; idx <= last; idx++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrDerivation, ctx.Err())
		default:
		}
		child, err := extKey.Derive(idx)
		if err != nil {
			return nil, fmt.Errorf("%w: derive index %d: %v", ErrDerivation, idx, err)
		}
		pubKey, err := child.ECPubKey()
		if err != nil {
			return nil, fmt.Errorf("%w: pubkey at index %d: %v", ErrDerivation, idx, err)
		}
		addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pubKey.SerializeCompressed()), s.params)
		if err != nil {
			return nil, fmt.Errorf("%w: encode address at index %d: %v", ErrDerivation, idx, err)
		}
		addrs = append(addrs, addr.EncodeAddress())
	}
	return addrs, nil
}

func fingerprintBytes(fp uint32) []byte {
	return []byte{byte(fp >> 24), byte(fp >> 16), byte(fp >> 8), byte(fp)}
}

// ProjectHDNode captures the public derivation state of an extended key
// as an HDNodeProjection, so a chain-level xpub can be handed to a
// NativeAddressSource or shipped across a WorkerChannel without carrying
// the private key material of the account root.
func ProjectHDNode(key *hdkeychain.ExtendedKey) (HDNodeProjection, error) {
	neutered := key
	if !key.IsPrivate() {
		neutered = key
	} else {
		var err error
		neutered, err = key.Neuter()
		if err != nil {
			return HDNodeProjection{}, fmt.Errorf("%w: neuter: %v", ErrDerivation, err)
		}
	}
	pubKey, err := neutered.ECPubKey()
	if err != nil {
		return HDNodeProjection{}, fmt.Errorf("%w: pubkey: %v", ErrDerivation, err)
	}
	var node HDNodeProjection
	node.Depth = neutered.Depth()
	node.ChildNum = neutered.ChildIndex()
	node.ParentFingerprint = neutered.ParentFingerprint()
	copy(node.ChainCode[:], neutered.ChainCode())
	copy(node.PublicKey[:], pubKey.SerializeCompressed())
	return node, nil
}

// DeriveAddressRangeRequest is the wire request posted to the worker
// over WorkerChannel (spec §6). The field names match the worker's
// JSON protocol exactly.
type DeriveAddressRangeRequest struct {
	Type       string `json:"type"`
	Node       WireHDNode `json:"node"`
	Version    uint32     `json:"version"`
	FirstIndex uint32     `json:"firstIndex"`
	LastIndex  uint32     `json:"lastIndex"`
}

// WireHDNode is the on-the-wire shape of an HDNodeProjection.
type WireHDNode struct {
	Depth       uint8  `json:"depth"`
	ChildNum    uint32 `json:"child_num"`
	Fingerprint uint32 `json:"fingerprint"`
	ChainCode   []byte `json:"chain_code"`
	PublicKey   []byte `json:"public_key"`
}

// DeriveAddressRangeReply is the worker's reply.
type DeriveAddressRangeReply struct {
	Addresses []Address `json:"addresses"`
}

// WorkerAddressSource delegates derivation to an external worker
// reached through a WorkerChannel (spec §4.1, §6).
type WorkerAddressSource struct {
	channel *WorkerChannel
	node    HDNodeProjection
	version uint32
}

// NewWorkerAddressSource builds a WorkerAddressSource posting
// deriveAddressRange requests over channel for node, using version as
// the address version byte (network-dependent, spec §9 Open Question
// 3).
func NewWorkerAddressSource(channel *WorkerChannel, node HDNodeProjection, version uint32) *WorkerAddressSource {
	return &WorkerAddressSource{channel: channel, node: node, version: version}
}

func (s *WorkerAddressSource) Derive(ctx context.Context, first, last AddressIndex) ([]Address, error) {
	if last < first {
		return nil, ErrEmptyRange
	}

	req := DeriveAddressRangeRequest{
		Type: "deriveAddressRange",
		Node: WireHDNode{
			Depth:       s.node.Depth,
			ChildNum:    s.node.ChildNum,
			Fingerprint: s.node.ParentFingerprint,
			ChainCode:   s.node.ChainCode[:],
			PublicKey:   s.node.PublicKey[:],
		},
		Version:    s.version,
		FirstIndex: first,
		LastIndex:  last,
	}

	replyCh, err := s.channel.Post(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: post derive request: %v", ErrDerivation, err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrDerivation, ctx.Err())
	case res := <-replyCh:
		if res.Err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDerivation, res.Err)
		}
		reply, ok := res.Payload.(DeriveAddressRangeReply)
		if !ok {
			return nil, fmt.Errorf("%w: malformed reply payload", ErrDerivation)
		}
		want := int(last-first) + 1
		if len(reply.Addresses) != want {
			return nil, fmt.Errorf("%w: expected %d addresses, got %d", ErrDerivation, want, len(reply.Addresses))
		}
		return reply.Addresses, nil
	}
}
