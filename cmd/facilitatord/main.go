// Command facilitatord runs the x402 facilitator HTTP API: it wires a
// signer per configured network into the dispatcher's scheme handlers,
// starts the upto-session sweeper, and serves httpapi.NewRouter.
package main

import (
	"context"
	"crypto/ecdsa"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	x402 "github.com/shoalpay/x402-facilitator"
	"github.com/shoalpay/x402-facilitator/facilitator"
	"github.com/shoalpay/x402-facilitator/httpapi"
	"github.com/shoalpay/x402-facilitator/scheme/exactevm"
	"github.com/shoalpay/x402-facilitator/scheme/exactsvm"
	"github.com/shoalpay/x402-facilitator/scheme/uptoevm"
	"github.com/shoalpay/x402-facilitator/session"
	"github.com/shoalpay/x402-facilitator/signers/coinbase"
	"github.com/shoalpay/x402-facilitator/signers/evm"
)

func main() {
	fs := flag.NewFlagSet("facilitatord", flag.ExitOnError)
	port := fs.String("port", "8402", "HTTP port to serve the facilitator API on")
	evmNetworks := fs.String("evm-networks", "eip155:8453", "comma-separated eip155 networks to accept payments on")
	evmRPCURL := fs.String("evm-rpc-url", "", "EVM RPC endpoint shared by every configured eip155 network")
	evmSignerMode := fs.String("evm-signer", "local", "how the facilitator holds its EVM signing key: \"local\" (keystore/mnemonic) or \"cdp\" (Coinbase Developer Platform custodial wallet)")
	evmKeystorePath := fs.String("evm-keystore", "", "path to an encrypted EVM keystore file for the facilitator's hot wallet (--evm-signer=local)")
	evmKeystorePassword := fs.String("evm-keystore-password", "", "password for --evm-keystore (falls back to FACILITATORD_EVM_KEYSTORE_PASSWORD)")
	evmMnemonic := fs.String("evm-mnemonic", "", "BIP-39 mnemonic to derive the facilitator's hot wallet from, as an alternative to --evm-keystore (falls back to FACILITATORD_EVM_MNEMONIC)")
	cdpAccountName := fs.String("cdp-account-name", "facilitator", "CDP account name to create or reuse (--evm-signer=cdp)")

	solanaNetwork := fs.String("solana-network", "", "CAIP-2 solana network to accept payments on, e.g. solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdpKuc147dw2N9d (empty disables the exact/solana scheme)")
	solanaRPCURL := fs.String("solana-rpc-url", "", "Solana RPC endpoint")
	solanaFeePayerKey := fs.String("solana-fee-payer-key", "", "base58-encoded fee-payer private key (falls back to FACILITATORD_SOLANA_FEE_PAYER_KEY)")

	sweepInterval := fs.Duration("sweep-interval", 30*time.Second, "how often the upto-session sweeper settles accrued sessions")
	deadlineBufferSec := fs.Int64("deadline-buffer-sec", 60, "seconds before an upto session's deadline that it is force-closed")
	release := fs.Bool("release", false, "run gin in release mode")
	fs.Parse(os.Args[1:])

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatcher := facilitator.NewDispatcher()

	if err := registerEVMSchemes(ctx, dispatcher, evmSchemeConfig{
		networks:         splitCSV(*evmNetworks),
		rpcURL:           *evmRPCURL,
		signerMode:       *evmSignerMode,
		keystorePath:     *evmKeystorePath,
		keystorePassword: firstNonEmpty(*evmKeystorePassword, os.Getenv("FACILITATORD_EVM_KEYSTORE_PASSWORD")),
		mnemonic:         firstNonEmpty(*evmMnemonic, os.Getenv("FACILITATORD_EVM_MNEMONIC")),
		cdpAccountName:   *cdpAccountName,
	}); err != nil {
		logger.Error("failed to wire evm schemes", "error", err)
		os.Exit(1)
	}

	if *solanaNetwork != "" {
		if err := registerSolanaScheme(dispatcher, solanaSchemeConfig{
			network:     x402.Network(*solanaNetwork),
			rpcURL:      *solanaRPCURL,
			feePayerKey: firstNonEmpty(*solanaFeePayerKey, os.Getenv("FACILITATORD_SOLANA_FEE_PAYER_KEY")),
		}); err != nil {
			logger.Error("failed to wire solana exact scheme", "error", err)
			os.Exit(1)
		}
	}

	store := session.NewStore()
	if recovered := store.RecoverSettling(); len(recovered) > 0 {
		logger.Warn("recovered sessions stuck mid-settlement at startup", "count", len(recovered))
	}

	sweeper := session.NewSweeper(store, dispatcher, *sweepInterval, *deadlineBufferSec)
	go sweeper.Run(ctx)

	router := httpapi.NewRouter(httpapi.Config{
		Dispatcher:        dispatcher,
		Store:             store,
		Sweeper:           sweeper,
		Logger:            logger,
		DeadlineBufferSec: *deadlineBufferSec,
	}, *release)

	srv := &http.Server{Addr: ":" + *port, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
		}
	}()

	logger.Info("facilitatord listening", "port", *port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

type evmSchemeConfig struct {
	networks         []string
	rpcURL           string
	signerMode       string
	keystorePath     string
	keystorePassword string
	mnemonic         string
	cdpAccountName   string
}

// registerEVMSchemes provisions one signer per configured eip155 network
// (a locally held hot-wallet key, or a CDP custodial account per
// --evm-signer) against a shared ethclient.Client, then registers both the
// uptoevm and exactevm handlers against it.
func registerEVMSchemes(ctx context.Context, d *facilitator.Dispatcher, cfg evmSchemeConfig) error {
	if len(cfg.networks) == 0 {
		return nil
	}
	if cfg.rpcURL == "" {
		return fmt.Errorf("--evm-rpc-url is required when evm networks are configured")
	}

	client, err := ethclient.DialContext(ctx, cfg.rpcURL)
	if err != nil {
		return fmt.Errorf("dial evm rpc: %w", err)
	}

	signers := make(map[x402.Network]evm.SignerPort, len(cfg.networks))
	for _, n := range cfg.networks {
		network := x402.Network(n)
		if _, err := x402.EIP155ChainID(network); err != nil {
			return fmt.Errorf("configure %s: %w", n, err)
		}

		signer, err := buildEVMSigner(ctx, cfg, network, client)
		if err != nil {
			return fmt.Errorf("configure %s: %w", n, err)
		}
		signers[network] = signer
	}

	uptoHandler, err := uptoevm.NewHandler(ctx, signers, nil)
	if err != nil {
		return fmt.Errorf("build upto handler: %w", err)
	}
	exactHandler, err := exactevm.NewHandler(ctx, signers, nil)
	if err != nil {
		return fmt.Errorf("build exact handler: %w", err)
	}

	for n := range signers {
		d.Register(n, uptoHandler)
		d.Register(n, exactHandler)
	}
	return nil
}

func buildEVMSigner(ctx context.Context, cfg evmSchemeConfig, network x402.Network, client *ethclient.Client) (evm.SignerPort, error) {
	switch cfg.signerMode {
	case "cdp":
		return coinbase.NewSigner(ctx, network, cfg.cdpAccountName, client, coinbase.WithCDPCredentialsFromEnv())
	case "local", "":
		chainID, _ := x402.EIP155ChainID(network)
		privateKey, err := loadEVMKey(cfg)
		if err != nil {
			return nil, err
		}
		return evm.NewLocalSigner(privateKey, client, big.NewInt(chainID)), nil
	default:
		return nil, fmt.Errorf("unknown --evm-signer mode %q", cfg.signerMode)
	}
}

func loadEVMKey(cfg evmSchemeConfig) (*ecdsa.PrivateKey, error) {
	switch {
	case cfg.keystorePath != "":
		return evm.LoadKeystore(cfg.keystorePath, cfg.keystorePassword)
	case cfg.mnemonic != "":
		return evm.DeriveFromMnemonic(cfg.mnemonic, 0)
	default:
		return nil, fmt.Errorf("one of --evm-keystore or --evm-mnemonic is required")
	}
}

type solanaSchemeConfig struct {
	network     x402.Network
	rpcURL      string
	feePayerKey string
}

func registerSolanaScheme(d *facilitator.Dispatcher, cfg solanaSchemeConfig) error {
	if cfg.rpcURL == "" {
		return fmt.Errorf("--solana-rpc-url is required when --solana-network is set")
	}
	if cfg.feePayerKey == "" {
		return fmt.Errorf("a fee-payer key is required when --solana-network is set")
	}

	feePayer, err := solana.PrivateKeyFromBase58(cfg.feePayerKey)
	if err != nil {
		return fmt.Errorf("parse solana fee payer key: %w", err)
	}

	client := rpc.New(cfg.rpcURL)
	broadcaster := exactsvm.NewRPCBroadcaster(client, feePayer, 0, 0)

	handler := exactsvm.NewHandler(map[x402.Network]exactsvm.Broadcaster{
		cfg.network: broadcaster,
	}, nil)
	d.Register(cfg.network, handler)
	return nil
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
