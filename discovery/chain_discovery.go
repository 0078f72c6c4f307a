package discovery

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-zoox/logger"
)

// State is one of ChainDiscovery's five states (spec §4.8).
type State int

const (
	Idle State = iota
	ResolvingRange
	Scanning
	Live
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ResolvingRange:
		return "resolving-range"
	case Scanning:
		return "scanning"
	case Live:
		return "live"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// EventKind tags an Event's payload (spec §9: "output channel of
// tagged variants rather than three separate callbacks").
type EventKind int

const (
	EventTransaction EventKind = iota
	EventHistory
	EventError
)

// Event is one observable side effect of a ChainDiscovery: a newly
// recorded transaction, a gap-limit-satisfied history snapshot, or a
// fatal error.
type Event struct {
	Kind        EventKind
	Transaction TxInfo
	History     *ChainHistory
	Err         error
}

// ChainDiscovery orchestrates address derivation, transaction lookup,
// and live subscription for one HD chain, terminating per the BIP44
// gap-limit rule (spec §4.8). It exclusively owns its Chain and
// ChainHistory; the Blockchain is shared by reference.
type ChainDiscovery struct {
	chain      *Chain
	history    *ChainHistory
	db         *TxDatabase
	blockchain Blockchain
	cfg        *Config

	mu    sync.Mutex
	state State

	untilHeight    int64
	untilBlockHash BlockHash
	sinceHeight    int64

	events chan Event
}

// NewChainDiscovery builds a ChainDiscovery over chain and history
// (which must share the same borrowed db), driven by blockchain and
// cfg.
func NewChainDiscovery(chain *Chain, history *ChainHistory, db *TxDatabase, blockchain Blockchain, cfg *Config) *ChainDiscovery {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	return &ChainDiscovery{
		chain:      chain,
		history:    history,
		db:         db,
		blockchain: blockchain,
		cfg:        cfg,
		events:     make(chan Event, 64),
	}
}

// State reports the current state.
func (d *ChainDiscovery) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Events returns the discovery's event stream. It is never closed by
// the discovery itself; callers stop reading it when they drop the
// engine (spec §5).
func (d *ChainDiscovery) Events() <-chan Event {
	return d.events
}

// Chain exposes the owned Chain, e.g. for building an AddressSource on
// top of a warm-started history.
func (d *ChainDiscovery) Chain() *Chain { return d.chain }

// History exposes the owned ChainHistory.
func (d *ChainDiscovery) History() *ChainHistory { return d.history }

// Database exposes the borrowed TxDatabase, e.g. for checkpointing
// alongside History.
func (d *ChainDiscovery) Database() *TxDatabase { return d.db }

// Start resolves the discovery's scan window from the backend,
// subscribes to live transaction notifications, and begins scanning
// (spec §4.8).
func (d *ChainDiscovery) Start(ctx context.Context) error {
	d.setState(ResolvingRange)

	bestHash, err := d.blockchain.LookupBestBlockHash(ctx)
	if err != nil {
		return d.fail(fmt.Errorf("%w: lookup best block hash: %v", ErrBackend, err))
	}
	info, err := d.blockchain.LookupBlockIndex(ctx, bestHash)
	if err != nil {
		return d.fail(fmt.Errorf("%w: lookup block index: %v", ErrBackend, err))
	}

	d.mu.Lock()
	d.untilHeight = info.Height
	d.untilBlockHash = info.Hash
	d.mu.Unlock()

	sinceHeight, err := d.resumeSinceHeight(ctx)
	if err != nil {
		return d.fail(fmt.Errorf("%w: resolve resume point: %v", ErrBackend, err))
	}
	d.mu.Lock()
	d.sinceHeight = sinceHeight
	d.mu.Unlock()

	logger.Info("discovery: resolved range since=%d until=%d (%s)", sinceHeight, info.Height, info.Hash)

	go d.consumeLiveTransactions(ctx)

	d.setState(Scanning)
	go d.scanLoop(ctx)
	return nil
}

// resumeSinceHeight resolves the scan's lower bound: 0 for a cold
// chain, or one past the height of the last incorporated checkpoint
// for a resumed one, so restart never replays already-seen history.
func (d *ChainDiscovery) resumeSinceHeight(ctx context.Context) (int64, error) {
	checkpoint := d.history.UntilBlock()
	if checkpoint == "" {
		return 0, nil
	}
	info, err := d.blockchain.LookupBlockIndex(ctx, checkpoint)
	if err != nil {
		return 0, err
	}
	return info.Height + 1, nil
}

func (d *ChainDiscovery) consumeLiveTransactions(ctx context.Context) {
	ch := d.blockchain.Transactions()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-ch:
			if !ok {
				return
			}
			d.update(ctx, []TxResult{res})
		}
	}
}

// scanLoop repeatedly derives a chunk and looks up its history until
// the gap limit is satisfied or the chain fails. It issues the next
// chunk whenever the previous lookup completes, whether or not that
// lookup found anything — resolving spec §9 Open Question 1, since a
// strict "only continue on a match" reading would stall an empty-chunk
// response indefinitely.
func (d *ChainDiscovery) scanLoop(ctx context.Context) {
	for d.State() == Scanning {
		addrs, err := d.chain.NextChunk(ctx)
		if err != nil {
			d.fail(fmt.Errorf("%w: %v", ErrDerivation, err))
			return
		}

		d.blockchain.Subscribe(addrs)

		d.mu.Lock()
		untilHeight, sinceHeight := d.untilHeight, d.sinceHeight
		d.mu.Unlock()

		results, err := d.blockchain.LookupTxs(ctx, addrs, untilHeight, sinceHeight)
		if err != nil {
			d.fail(fmt.Errorf("%w: lookup txs: %v", ErrBackend, err))
			return
		}

		d.update(ctx, results)
	}
}

// update records every result whose addresses fall inside the owned
// Chain, then re-evaluates the gap. Re-evaluation is unconditional
// (not gated on any result matching) so a run of empty chunks still
// terminates once derivation has outpaced use — see S1 in the test
// suite.
func (d *ChainDiscovery) update(ctx context.Context, results []TxResult) {
	var toEmit []Event

	d.mu.Lock()
	for _, r := range results {
		for _, addr := range r.Addresses {
			idx, ok := d.chain.IndexOf(addr)
			if !ok {
				continue
			}
			txIdx := d.db.Update(r.Info)
			d.history.Append(idx, txIdx)
			toEmit = append(toEmit, Event{Kind: EventTransaction, Transaction: r.Info})
		}
	}

	gapEvent := d.reevaluateGapLocked(ctx)
	if gapEvent != nil {
		toEmit = append(toEmit, *gapEvent)
	}
	d.mu.Unlock()

	for _, ev := range toEmit {
		d.events <- ev
	}
}

// reevaluateGapLocked must be called with d.mu held. It implements the
// BIP44 termination rule of spec §4.8: gap = Chain.NextIndex -
// ChainHistory.NextIndex. When the gap closes below the limit while
// Live (a fresh live-update extended the used prefix), scanning
// resumes; a subsequent gap-satisfied recompute may emit history
// again, matching spec §4.8's "can fire multiple times".
func (d *ChainDiscovery) reevaluateGapLocked(ctx context.Context) *Event {
	if d.state == Failed {
		return nil
	}

	gap := d.chain.NextIndex() - d.history.NextIndex()
	if gap < d.cfg.GapLength {
		if d.state == Live {
			d.state = Scanning
			logger.Info("discovery: gap %d below limit %d, resuming scan", gap, d.cfg.GapLength)
			go d.scanLoop(ctx)
		}
		return nil
	}

	if d.state != Live {
		d.state = Live
		d.history.SetUntilBlock(d.untilBlockHash)
		logger.Info("discovery: gap %d reached limit %d, chain live at nextIndex=%d", gap, d.cfg.GapLength, d.history.NextIndex())
		return &Event{Kind: EventHistory, History: d.history}
	}
	return nil
}

func (d *ChainDiscovery) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

func (d *ChainDiscovery) fail(err error) error {
	d.mu.Lock()
	d.state = Failed
	d.mu.Unlock()
	logger.Error("discovery: %v", err)
	d.events <- Event{Kind: EventError, Err: err}
	return err
}
