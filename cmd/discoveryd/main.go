package main

// discoveryd runs a single HD chain's transaction discovery against a live
// ElectrumX server: derive addresses, resolve history up to the gap limit,
// then stay live on scripthash notifications. State is checkpointed to
// sqlite so a restart resumes instead of rescanning from height 0.

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/dev-warrior777/go-electrum-client/discovery"
	"github.com/dev-warrior777/go-electrum-client/discovery/electrumadapter"
	"github.com/dev-warrior777/go-electrum-client/discovery/persist"
	"github.com/go-zoox/jsonrpc"
	"github.com/go-zoox/jsonrpc/server"
	"github.com/go-zoox/logger"
	"github.com/tyler-smith/go-bip39"
)

const appName = "discoveryd"

var nets = []string{"mainnet", "testnet", "regtest"}

func netParams(net string) (*chaincfg.Params, error) {
	switch net {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("invalid net %q, want one of %v", net, nets)
	}
}

func defaultServerAddr(net string) string {
	switch net {
	case "mainnet":
		return "elx.bitske.com:50002"
	case "testnet":
		return "blockstream.info:993"
	default:
		return "127.0.0.1:53002"
	}
}

type config struct {
	net        string
	mnemonic   string
	account    string
	serverAddr string
	useTLS     bool
	rpcPort    int
	dataDir    string
}

func configure() (*config, error) {
	net := flag.String("net", "regtest", "network: mainnet, testnet, regtest")
	mnemonic := flag.String("mnemonic", "", "BIP39 mnemonic; a fresh one is generated and printed if empty")
	account := flag.String("account", "abc", "account name; keys checkpoint state")
	server := flag.String("server", "", "electrumx host:port; defaults per network")
	tlsFlag := flag.Bool("tls", true, "use TLS to reach the electrumx server")
	rpcPort := flag.Int("rpcport", 8890, "status RPC listen port")
	flag.Parse()

	cfg := &config{
		net:        *net,
		mnemonic:   *mnemonic,
		account:    *account,
		serverAddr: *server,
		useTLS:     *tlsFlag,
		rpcPort:    *rpcPort,
	}
	if cfg.serverAddr == "" {
		cfg.serverAddr = defaultServerAddr(cfg.net)
	}

	appDir := btcutil.AppDataDir(appName, false)
	dataDir := filepath.Join(appDir, cfg.net)
	if err := os.MkdirAll(dataDir, os.ModeDir|0777); err != nil {
		return nil, err
	}
	cfg.dataDir = dataDir
	return cfg, nil
}

// deriveExternalChainNode walks the BIP44 external-chain path
// m/44'/coinType'/0'/0 from the master key and returns its public
// projection, stopping one level short of address indices, which
// discovery.NativeAddressSource derives itself.
func deriveExternalChainNode(seed []byte, params *chaincfg.Params) (discovery.HDNodeProjection, error) {
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return discovery.HDNodeProjection{}, fmt.Errorf("master key: %w", err)
	}

	const hardened = hdkeychain.HardenedKeyStart
	coinType := uint32(0)
	if params.Net != chaincfg.MainNetParams.Net {
		coinType = 1
	}

	purpose, err := master.Derive(hardened + 44)
	if err != nil {
		return discovery.HDNodeProjection{}, fmt.Errorf("derive purpose: %w", err)
	}
	coin, err := purpose.Derive(hardened + coinType)
	if err != nil {
		return discovery.HDNodeProjection{}, fmt.Errorf("derive coin type: %w", err)
	}
	acct, err := coin.Derive(hardened + 0)
	if err != nil {
		return discovery.HDNodeProjection{}, fmt.Errorf("derive account: %w", err)
	}
	external, err := acct.Derive(0)
	if err != nil {
		return discovery.HDNodeProjection{}, fmt.Errorf("derive external chain: %w", err)
	}
	return discovery.ProjectHDNode(external)
}

func loadOrCreateMnemonic(cfg *config) (string, error) {
	if cfg.mnemonic != "" {
		return cfg.mnemonic, nil
	}
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", err
	}
	fmt.Println("generated a new mnemonic, save it to resume this account later:")
	fmt.Println(mnemonic)
	return mnemonic, nil
}

// buildDiscovery wires a Chain, ChainHistory and TxDatabase for the given
// account, restoring them from store if a checkpoint already exists.
func buildDiscovery(store *persist.Store, cfg *config, node discovery.HDNodeProjection, params *chaincfg.Params, bc discovery.Blockchain) (*discovery.ChainDiscovery, *discovery.CachingSource, error) {
	db := discovery.NewTxDatabase()
	history := discovery.NewChainHistory(db)

	native := discovery.NewNativeAddressSource(node, params)
	prefetching := discovery.NewPrefetchingSource(native)
	caching := discovery.NewCachingSource(prefetching)

	cp, err := store.Load(cfg.account)
	switch {
	case err == nil:
		if err := db.RestoreJSON(cp.Database); err != nil {
			return nil, nil, fmt.Errorf("restore tx database: %w", err)
		}
		if err := history.RestoreJSON(cp.History); err != nil {
			return nil, nil, fmt.Errorf("restore chain history: %w", err)
		}
		caching.Restore(cp.Source)
		logger.Info("discoveryd: resumed account %s at nextIndex=%d", cfg.account, history.NextIndex())
	case errors.Is(err, sql.ErrNoRows):
		logger.Info("discoveryd: cold start for account %s", cfg.account)
	default:
		return nil, nil, fmt.Errorf("load checkpoint: %w", err)
	}

	chain := discovery.NewChain(caching, discovery.DefaultChunkSize)
	discCfg := discovery.NewDefaultConfig()
	return discovery.NewChainDiscovery(chain, history, db, bc, discCfg), caching, nil
}

// checkpoint serializes disc's database, history and address cache and
// persists them under account, so a future run resumes without replaying
// already-seen history.
func checkpoint(store *persist.Store, account string, disc *discovery.ChainDiscovery, caching *discovery.CachingSource) error {
	dbBlob, err := disc.Database().StoreJSON()
	if err != nil {
		return fmt.Errorf("marshal tx database: %w", err)
	}
	histBlob, err := disc.History().StoreJSON()
	if err != nil {
		return fmt.Errorf("marshal chain history: %w", err)
	}
	return store.Save(account, persist.Checkpoint{
		Database: dbBlob,
		History:  histBlob,
		Source:   caching.Store(),
	})
}

func runStatusServer(port int, disc *discovery.ChainDiscovery) {
	s := server.New()
	s.Register("status", func(ctx context.Context, params jsonrpc.Params) (jsonrpc.Result, error) {
		return jsonrpc.Result{
			"state":     disc.State().String(),
			"nextIndex": strconv.FormatUint(uint64(disc.Chain().NextIndex()), 10),
			"used":      strconv.FormatUint(uint64(disc.History().NextIndex()), 10),
		}, nil
	})
	logger.Info("discoveryd: status rpc on port %d", port)
	s.Run()
}

func main() {
	cfg, err := configure()
	if err != nil {
		fmt.Println(err, "- exiting")
		os.Exit(1)
	}

	params, err := netParams(cfg.net)
	if err != nil {
		fmt.Println(err, "- exiting")
		os.Exit(1)
	}

	mnemonic, err := loadOrCreateMnemonic(cfg)
	if err != nil {
		fmt.Println(err, "- exiting")
		os.Exit(1)
	}
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		fmt.Println(err, "- exiting")
		os.Exit(1)
	}
	node, err := deriveExternalChainNode(seed, params)
	if err != nil {
		fmt.Println(err, "- exiting")
		os.Exit(1)
	}

	store, err := persist.Open(cfg.dataDir)
	if err != nil {
		fmt.Println(err, "- exiting")
		os.Exit(1)
	}
	defer store.Close()

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var tlsConfig *tls.Config
	if cfg.useTLS {
		tlsConfig = &tls.Config{}
	}
	logger.Info("discoveryd: dialing %s (tls=%v)", cfg.serverAddr, cfg.useTLS)
	netConn, err := electrumadapter.DialNetConn(rootCtx, cfg.serverAddr, electrumadapter.DialOpts{
		TLSConfig:   tlsConfig,
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		fmt.Println(err, "- exiting")
		os.Exit(1)
	}
	defer netConn.Close()
	if err := netConn.SubscribeTip(rootCtx); err != nil {
		fmt.Println(err, "- exiting")
		os.Exit(1)
	}

	adapter := electrumadapter.New(netConn, params)

	disc, caching, err := buildDiscovery(store, cfg, node, params, adapter)
	if err != nil {
		fmt.Println(err, "- exiting")
		os.Exit(1)
	}

	if err := disc.Start(rootCtx); err != nil {
		fmt.Println(err, "- exiting")
		os.Exit(1)
	}

	go func() {
		for ev := range disc.Events() {
			switch ev.Kind {
			case discovery.EventTransaction:
				logger.Info("discoveryd: tx %s at height %d", ev.Transaction.Id, ev.Transaction.BlockHeight)
			case discovery.EventHistory:
				logger.Info("discoveryd: gap limit reached, used=%d", ev.History.NextIndex())
			case discovery.EventError:
				logger.Error("discoveryd: %v", ev.Err)
			}
		}
	}()

	go runStatusServer(cfg.rpcPort, disc)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("discoveryd: shutting down, checkpointing account %s", cfg.account)
	if err := checkpoint(store, cfg.account, disc, caching); err != nil {
		logger.Error("discoveryd: save checkpoint: %v", err)
	}
	cancel()
}
