package discovery

import (
	"context"
	"fmt"
	"sync"
)

// countingAddressSource derives deterministic "addr-<index>" values
// and records every range it was asked to derive, so tests can assert
// on how many (and which) inner derivations actually happened.
type countingAddressSource struct {
	mu    sync.Mutex
	calls []([2]AddressIndex)
	fail  map[[2]AddressIndex]error
}

func newCountingAddressSource() *countingAddressSource {
	return &countingAddressSource{fail: make(map[[2]AddressIndex]error)}
}

func (s *countingAddressSource) Derive(ctx context.Context, first, last AddressIndex) ([]Address, error) {
	s.mu.Lock()
	s.calls = append(s.calls, [2]AddressIndex{first, last})
	err := s.fail[[2]AddressIndex{first, last}]
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}

	addrs := make([]Address, 0, last-first+1)
	for i := first; i <= last; i++ {
		addrs = append(addrs, fmt.Sprintf("addr-%d", i))
	}
	return addrs, nil
}

func (s *countingAddressSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// mockBlockchain is a scripted Blockchain: LookupTxs responses (and
// optional errors) are consumed in call order, one slice per call.
type mockBlockchain struct {
	mu sync.Mutex

	bestHash     BlockHash
	blockHeights map[BlockHash]int64

	responses [][]TxResult
	errs      []error
	calls     int

	subscribed []Address
	txCh       chan TxResult
}

func newMockBlockchain(bestHash BlockHash, heights map[BlockHash]int64) *mockBlockchain {
	return &mockBlockchain{
		bestHash:     bestHash,
		blockHeights: heights,
		txCh:         make(chan TxResult, 16),
	}
}

func (m *mockBlockchain) LookupBestBlockHash(ctx context.Context) (BlockHash, error) {
	return m.bestHash, nil
}

func (m *mockBlockchain) LookupBlockIndex(ctx context.Context, hash BlockHash) (BlockInfo, error) {
	h, ok := m.blockHeights[hash]
	if !ok {
		return BlockInfo{}, fmt.Errorf("mock: unknown block %s", hash)
	}
	return BlockInfo{Height: h, Hash: hash}, nil
}

func (m *mockBlockchain) LookupTxs(ctx context.Context, addresses []Address, untilHeight, sinceHeight int64) ([]TxResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.calls
	m.calls++

	if idx < len(m.errs) && m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	if idx < len(m.responses) {
		return m.responses[idx], nil
	}
	return nil, nil
}

func (m *mockBlockchain) Subscribe(addresses []Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed = append(m.subscribed, addresses...)
}

func (m *mockBlockchain) Transactions() <-chan TxResult {
	return m.txCh
}

func (m *mockBlockchain) lookupCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// recordingTransport is a WorkerTransport that appends every sent
// message to a slice instead of shipping it anywhere, for tests that
// drive replies manually via WorkerChannel.ReceiveReply.
type recordingTransport struct {
	mu   sync.Mutex
	sent []any
	fail error
}

func (t *recordingTransport) Send(ctx context.Context, message any) error {
	if t.fail != nil {
		return t.fail
	}
	t.mu.Lock()
	t.sent = append(t.sent, message)
	t.mu.Unlock()
	return nil
}

func (t *recordingTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}
