package discovery

import (
	"context"
	"fmt"
	"sync"
)

// DefaultChunkSize is the number of addresses derived per Chain.NextChunk
// call, matching BIP44 wallets' conventional batch size.
const DefaultChunkSize = 20

// Chain owns the AddressIndex<->Address bimap for one HD chain
// (external or change) and paces derivation in fixed-size chunks
// (spec §4.5). After k successful chunks, NextIndex() == k*chunkSize
// and both maps hold exactly that many entries. Its own mutex guards
// the maps directly, since NextChunk (called from the scan loop) and
// IndexOf (called from the live-update path) run from different
// goroutines and both touch them.
type Chain struct {
	source    AddressSource
	chunkSize AddressIndex

	mu        sync.RWMutex
	byIndex   map[AddressIndex]Address
	byAddress map[Address]AddressIndex
	nextIndex AddressIndex
}

// NewChain builds a Chain deriving from source in chunks of chunkSize
// (spec default 20; see DefaultChunkSize).
func NewChain(source AddressSource, chunkSize AddressIndex) *Chain {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	return &Chain{
		source:    source,
		chunkSize: chunkSize,
		byIndex:   make(map[AddressIndex]Address),
		byAddress: make(map[Address]AddressIndex),
	}
}

// IndexOf returns the AddressIndex for addr, if it has been derived.
func (c *Chain) IndexOf(addr Address) (AddressIndex, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.byAddress[addr]
	return idx, ok
}

// AddressOf returns the Address for idx, if it has been derived.
func (c *Chain) AddressOf(idx AddressIndex) (Address, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	addr, ok := c.byIndex[idx]
	return addr, ok
}

// NextIndex is the number of addresses derived so far, and the index
// the next chunk will begin at.
func (c *Chain) NextIndex() AddressIndex {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nextIndex
}

// ChunkSize is the fixed per-chunk derivation size for this chain.
func (c *Chain) ChunkSize() AddressIndex {
	return c.chunkSize
}

// NextChunk derives [nextIndex, nextIndex+chunkSize-1], inserts the
// results into both maps in order, and advances nextIndex by the
// number of addresses returned. Callers must not overlap calls to
// NextChunk for the same Chain (spec §5) — the orchestrator enforces
// this by chaining them.
func (c *Chain) NextChunk(ctx context.Context) ([]Address, error) {
	first := c.nextIndex
	last := first + c.chunkSize - 1

	addrs, err := c.source.Derive(ctx, first, last)
	if err != nil {
		return nil, fmt.Errorf("chain: derive chunk [%d,%d]: %w", first, last, err)
	}

	c.mu.Lock()
	for i, addr := range addrs {
		idx := first + AddressIndex(i)
		c.byIndex[idx] = addr
		c.byAddress[addr] = idx
	}
	c.nextIndex += AddressIndex(len(addrs))
	c.mu.Unlock()

	return addrs, nil
}
