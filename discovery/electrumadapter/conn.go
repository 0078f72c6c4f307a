package electrumadapter

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zoox/logger"
)

// NetConn is a real ElectrumX Conn: newline-delimited JSON-RPC 2.0 over a
// persistent TCP or TLS connection. Responses are matched to requests by
// id; messages carrying a method name are routed as notifications.
type NetConn struct {
	conn net.Conn

	reqID uint64

	respMu   sync.Mutex
	respChan map[uint64]chan *rpcResponse

	scripthashCh chan *ScripthashStatus
	tipMu        sync.RWMutex
	tip          int64

	closeOnce sync.Once
	closed    chan struct{}
}

const newline = byte('\n')

type rpcRequest struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("electrumx: %d %s", e.Code, e.Message)
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// DialOpts controls how DialNetConn reaches an ElectrumX server.
type DialOpts struct {
	// TLSConfig, if non-nil, upgrades the connection to TLS after dialing.
	TLSConfig   *tls.Config
	DialTimeout time.Duration
}

// DialNetConn opens a connection to addr (host:port) and starts its
// notification/response listener. Cancel ctx or call Close to shut down.
func DialNetConn(ctx context.Context, addr string, opts DialOpts) (*NetConn, error) {
	timeout := opts.DialTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rawConn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("electrumadapter: dial %s: %w", addr, err)
	}

	conn := rawConn
	if opts.TLSConfig != nil {
		tlsConn := tls.Client(rawConn, opts.TLSConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			rawConn.Close()
			return nil, fmt.Errorf("electrumadapter: tls handshake %s: %w", addr, err)
		}
		conn = tlsConn
	}

	nc := &NetConn{
		conn:         conn,
		respChan:     make(map[uint64]chan *rpcResponse),
		scripthashCh: make(chan *ScripthashStatus, 32),
		closed:       make(chan struct{}),
	}
	go nc.listen()
	go func() {
		<-ctx.Done()
		nc.Close()
	}()
	return nc, nil
}

// Close shuts down the connection and its listener goroutine.
func (nc *NetConn) Close() error {
	var err error
	nc.closeOnce.Do(func() {
		err = nc.conn.Close()
		close(nc.closed)
	})
	return err
}

func (nc *NetConn) nextID() uint64 {
	return atomic.AddUint64(&nc.reqID, 1)
}

func (nc *NetConn) send(req rpcRequest) (chan *rpcResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	body = append(body, newline)

	ch := make(chan *rpcResponse, 1)
	nc.respMu.Lock()
	nc.respChan[req.ID] = ch
	nc.respMu.Unlock()

	if err := nc.conn.SetWriteDeadline(time.Now().Add(7 * time.Second)); err != nil {
		return nil, err
	}
	if _, err := nc.conn.Write(body); err != nil {
		return nil, err
	}
	return ch, nil
}

// ErrProtocol reports a malformed request or response on the wire.
var ErrProtocol = errors.New("electrumadapter: protocol error")

func (nc *NetConn) call(ctx context.Context, method string, params any, result any) error {
	id := nc.nextID()
	ch, err := nc.send(rpcRequest{ID: id, Method: method, Params: params})
	if err != nil {
		return err
	}

	var resp *rpcResponse
	select {
	case <-ctx.Done():
		nc.respMu.Lock()
		delete(nc.respChan, id)
		nc.respMu.Unlock()
		return ctx.Err()
	case resp = <-ch:
	case <-nc.closed:
		return fmt.Errorf("%w: connection closed", ErrProtocol)
	}
	if resp == nil {
		return fmt.Errorf("%w: response channel closed", ErrProtocol)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(resp.Result, result)
}

func (nc *NetConn) listen() {
	reader := bufio.NewReaderSize(nc.conn, 2016*80*16)
	for {
		line, err := reader.ReadBytes(newline)
		if err != nil {
			nc.failAllPending(err)
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			logger.Error("electrumadapter: malformed message: %v", err)
			continue
		}

		if resp.Method != "" {
			nc.handleNotification(&resp)
			continue
		}

		nc.respMu.Lock()
		ch, ok := nc.respChan[resp.ID]
		if ok {
			delete(nc.respChan, resp.ID)
		}
		nc.respMu.Unlock()
		if !ok {
			logger.Error("electrumadapter: response for unknown request id %d", resp.ID)
			continue
		}
		respCopy := resp
		ch <- &respCopy
	}
}

func (nc *NetConn) handleNotification(resp *rpcResponse) {
	switch resp.Method {
	case "blockchain.headers.subscribe":
		var items []struct {
			Height int64  `json:"height"`
			Hex    string `json:"hex"`
		}
		if err := json.Unmarshal(resp.Params, &items); err != nil {
			logger.Error("electrumadapter: headers notify: %v", err)
			return
		}
		var top int64
		for _, it := range items {
			if it.Height > top {
				top = it.Height
			}
		}
		if top > 0 {
			nc.tipMu.Lock()
			nc.tip = top
			nc.tipMu.Unlock()
		}
	case "blockchain.scripthash.subscribe":
		var pair [2]string
		if err := json.Unmarshal(resp.Params, &pair); err != nil {
			logger.Error("electrumadapter: scripthash notify: %v", err)
			return
		}
		nc.scripthashCh <- &ScripthashStatus{Scripthash: pair[0], Status: pair[1]}
	default:
		logger.Error("electrumadapter: notification for unhandled method %s", resp.Method)
	}
}

func (nc *NetConn) failAllPending(err error) {
	nc.respMu.Lock()
	defer nc.respMu.Unlock()
	for id, ch := range nc.respChan {
		close(ch)
		delete(nc.respChan, id)
	}
}

// GetTip returns the most recently notified chain tip height, or 0 before
// the first blockchain.headers.subscribe notification arrives. Callers
// should call SubscribeTip once at startup to prime this value.
func (nc *NetConn) GetTip() int64 {
	nc.tipMu.RLock()
	defer nc.tipMu.RUnlock()
	return nc.tip
}

// SubscribeTip issues the initial headers.subscribe call and records the
// server's reported tip height.
func (nc *NetConn) SubscribeTip(ctx context.Context) error {
	var result struct {
		Height int64  `json:"height"`
		Hex    string `json:"hex"`
	}
	if err := nc.call(ctx, "blockchain.headers.subscribe", nil, &result); err != nil {
		return err
	}
	nc.tipMu.Lock()
	nc.tip = result.Height
	nc.tipMu.Unlock()
	return nil
}

func (nc *NetConn) ScripthashNotifications() (<-chan *ScripthashStatus, error) {
	return nc.scripthashCh, nil
}

func (nc *NetConn) SubscribeScripthash(ctx context.Context, scripthash string) (*ScripthashStatus, error) {
	var status *string
	if err := nc.call(ctx, "blockchain.scripthash.subscribe", []any{scripthash}, &status); err != nil {
		return nil, err
	}
	s := ""
	if status != nil {
		s = *status
	}
	return &ScripthashStatus{Scripthash: scripthash, Status: s}, nil
}

func (nc *NetConn) UnsubscribeScripthash(ctx context.Context, scripthash string) {
	var ok bool
	if err := nc.call(ctx, "blockchain.scripthash.unsubscribe", []any{scripthash}, &ok); err != nil {
		logger.Error("electrumadapter: unsubscribe %s: %v", scripthash, err)
	}
}

func (nc *NetConn) GetHistory(ctx context.Context, scripthash string) ([]HistoryEntry, error) {
	var raw []struct {
		Height int64  `json:"height"`
		TxHash string `json:"tx_hash"`
	}
	if err := nc.call(ctx, "blockchain.scripthash.get_history", []any{scripthash}, &raw); err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, len(raw))
	for i, r := range raw {
		out[i] = HistoryEntry{Height: r.Height, TxHash: r.TxHash}
	}
	return out, nil
}

func (nc *NetConn) GetTransaction(ctx context.Context, txid string) (*TransactionDetails, error) {
	var raw struct {
		TxID      string `json:"txid"`
		BlockHash string `json:"blockhash"`
	}
	rawMsg := json.RawMessage(nil)
	if err := nc.call(ctx, "blockchain.transaction.get", []any{txid, true}, &rawMsg); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rawMsg, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return &TransactionDetails{TxID: txid, BlockHash: raw.BlockHash, Raw: rawMsg}, nil
}
