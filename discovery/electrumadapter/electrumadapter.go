// Package electrumadapter wires a discovery.Blockchain to a live ElectrumX
// scripthash-notification connection, using Electrum's address-to-scripthash
// conversion and its scripthash subscribe/get_history RPCs.
package electrumadapter

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/dev-warrior777/go-electrum-client/discovery"
	"github.com/go-zoox/logger"
)

// ScripthashStatus is a scripthash.subscribe notification: the watched
// scripthash and the server's opaque status hash of its history to date.
type ScripthashStatus struct {
	Scripthash string
	Status     string
}

// HistoryEntry is one item of a scripthash's confirmed or mempool
// history, as returned by scripthash.get_history. Height <= 0 means
// unconfirmed.
type HistoryEntry struct {
	Height int64
	TxHash string
}

// TransactionDetails is the verbose result of transaction.get for a
// single txid.
type TransactionDetails struct {
	TxID      string
	BlockHash string
	Raw       json.RawMessage
}

// Conn is the electrumX connection surface this adapter drives: scripthash
// subscribe/unsubscribe, get_history, transaction.get, and the tip height.
// A real connection type wires these onto the corresponding JSON-RPC
// methods; tests substitute an in-memory fake.
type Conn interface {
	GetTip() int64
	ScripthashNotifications() (<-chan *ScripthashStatus, error)
	SubscribeScripthash(ctx context.Context, scripthash string) (*ScripthashStatus, error)
	UnsubscribeScripthash(ctx context.Context, scripthash string)
	GetHistory(ctx context.Context, scripthash string) ([]HistoryEntry, error)
	GetTransaction(ctx context.Context, txid string) (*TransactionDetails, error)
}

// Adapter satisfies discovery.Blockchain by translating address ranges and
// index requests into ElectrumX scripthash.subscribe / get_history calls.
type Adapter struct {
	conn   Conn
	params *chaincfg.Params

	mu            sync.Mutex
	scripthashFor map[discovery.Address]string
	addressFor    map[string]discovery.Address

	txCh chan discovery.TxResult
	once sync.Once
}

// New wraps a started connection for the given network.
func New(conn Conn, params *chaincfg.Params) *Adapter {
	return &Adapter{
		conn:          conn,
		params:        params,
		scripthashFor: make(map[discovery.Address]string),
		addressFor:    make(map[string]discovery.Address),
		txCh:          make(chan discovery.TxResult, 64),
	}
}

var errNoTip = errors.New("electrumadapter: server reports no tip")

const blockHashHeightPrefix = "height:"

func blockHashOfHeight(height int64) discovery.BlockHash {
	return discovery.BlockHash(blockHashHeightPrefix + strconv.FormatInt(height, 10))
}

func heightOfBlockHash(hash discovery.BlockHash) (int64, bool) {
	s := string(hash)
	if !strings.HasPrefix(s, blockHashHeightPrefix) {
		return 0, false
	}
	height, err := strconv.ParseInt(strings.TrimPrefix(s, blockHashHeightPrefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return height, true
}

// LookupBestBlockHash returns a checkpoint identifier for the chain tip's
// height as known to the connected server. ElectrumX has no
// get-best-block-hash RPC of its own; a real hash would come from
// decoding the tip's header off headers.subscribe, which this adapter
// does not need for gap accounting, so the height alone is the
// checkpoint identity (see LookupBlockIndex).
func (a *Adapter) LookupBestBlockHash(ctx context.Context) (discovery.BlockHash, error) {
	tip := a.conn.GetTip()
	if tip == 0 {
		return "", errNoTip
	}
	return blockHashOfHeight(tip), nil
}

// LookupBlockIndex decodes the height encoded in hash by LookupBestBlockHash.
func (a *Adapter) LookupBlockIndex(ctx context.Context, hash discovery.BlockHash) (discovery.BlockInfo, error) {
	height, ok := heightOfBlockHash(hash)
	if !ok {
		return discovery.BlockInfo{}, fmt.Errorf("%w: unrecognised block hash %s", discovery.ErrBackend, hash)
	}
	return discovery.BlockInfo{Height: height, Hash: hash}, nil
}

// LookupTxs fetches history for each address's scripthash and returns the
// transactions whose block height falls in [sinceHeight, untilHeight].
// Mempool entries (height <= 0) are skipped: discovery only resolves
// confirmed history for gap accounting.
func (a *Adapter) LookupTxs(ctx context.Context, addresses []discovery.Address, untilHeight, sinceHeight int64) ([]discovery.TxResult, error) {
	results := make([]discovery.TxResult, 0, len(addresses))
	for _, addr := range addresses {
		scripthash, err := a.scripthashOf(addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", discovery.ErrBackend, err)
		}
		hist, err := a.conn.GetHistory(ctx, scripthash)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", discovery.ErrBackend, err)
		}
		for _, item := range hist {
			if item.Height <= 0 || item.Height < sinceHeight || item.Height > untilHeight {
				continue
			}
			info, err := a.fetchTxInfo(ctx, item.TxHash, item.Height)
			if err != nil {
				return nil, err
			}
			results = append(results, discovery.TxResult{Info: info, Addresses: []discovery.Address{addr}})
		}
	}
	return results, nil
}

// Subscribe registers each address's scripthash for live notifications and
// starts the forwarding goroutine on first use.
func (a *Adapter) Subscribe(addresses []discovery.Address) {
	a.once.Do(func() {
		go a.forwardNotifications()
	})
	for _, addr := range addresses {
		scripthash, err := a.scripthashOf(addr)
		if err != nil {
			logger.Error("electrumadapter: subscribe %s: %v", addr, err)
			continue
		}
		if _, err := a.conn.SubscribeScripthash(context.Background(), scripthash); err != nil {
			logger.Error("electrumadapter: subscribe %s: %v", addr, err)
		}
	}
}

// Transactions returns the channel live scripthash notifications are
// converted into confirmed transaction results on.
func (a *Adapter) Transactions() <-chan discovery.TxResult {
	return a.txCh
}

func (a *Adapter) forwardNotifications() {
	notify, err := a.conn.ScripthashNotifications()
	if err != nil {
		logger.Error("electrumadapter: notify channel unavailable: %v", err)
		return
	}
	for status := range notify {
		a.mu.Lock()
		addr, ok := a.addressFor[status.Scripthash]
		a.mu.Unlock()
		if !ok {
			continue
		}
		ctx := context.Background()
		hist, err := a.conn.GetHistory(ctx, status.Scripthash)
		if err != nil {
			logger.Error("electrumadapter: get_history after notify: %v", err)
			continue
		}
		for _, item := range hist {
			if item.Height <= 0 {
				continue
			}
			info, err := a.fetchTxInfo(ctx, item.TxHash, item.Height)
			if err != nil {
				logger.Error("electrumadapter: fetch tx after notify: %v", err)
				continue
			}
			a.txCh <- discovery.TxResult{Info: info, Addresses: []discovery.Address{addr}}
		}
	}
}

func (a *Adapter) fetchTxInfo(ctx context.Context, txid string, height int64) (discovery.TxInfo, error) {
	res, err := a.conn.GetTransaction(ctx, txid)
	if err != nil {
		return discovery.TxInfo{}, fmt.Errorf("%w: %v", discovery.ErrBackend, err)
	}
	raw := res.Raw
	if raw == nil {
		var marshalErr error
		raw, marshalErr = json.Marshal(res)
		if marshalErr != nil {
			return discovery.TxInfo{}, fmt.Errorf("%w: %v", discovery.ErrSerialization, marshalErr)
		}
	}
	return discovery.TxInfo{
		Id:          txid,
		BlockHeight: height,
		BlockHash:   discovery.BlockHash(res.BlockHash),
		Raw:         raw,
	}, nil
}

func (a *Adapter) scripthashOf(addr discovery.Address) (string, error) {
	a.mu.Lock()
	if sh, ok := a.scripthashFor[addr]; ok {
		a.mu.Unlock()
		return sh, nil
	}
	a.mu.Unlock()

	sh, err := addressToElectrumScripthash(string(addr), a.params)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	a.scripthashFor[addr] = sh
	a.addressFor[sh] = addr
	a.mu.Unlock()
	return sh, nil
}

// addressToElectrumScripthash reproduces the electrum 1.4 scripthash
// derivation: reverse the sha256 of the address's output script.
func addressToElectrumScripthash(addr string, params *chaincfg.Params) (string, error) {
	address, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return "", fmt.Errorf("%w: %v", discovery.ErrDerivation, err)
	}
	pkScript, err := txscript.PayToAddrScript(address)
	if err != nil {
		return "", fmt.Errorf("%w: %v", discovery.ErrDerivation, err)
	}
	sum := chainhash.HashB(pkScript)
	reversed := make([]byte, len(sum))
	for i, b := range sum {
		reversed[len(sum)-1-i] = b
	}
	return hex.EncodeToString(reversed), nil
}
