package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Layr-Labs/txsubmitter-go/pkg/chainManager"
	"github.com/Layr-Labs/txsubmitter-go/pkg/config"
	"github.com/Layr-Labs/txsubmitter-go/pkg/ledger"
	"github.com/Layr-Labs/txsubmitter-go/pkg/logger"
	"github.com/Layr-Labs/txsubmitter-go/pkg/metrics"
	"github.com/Layr-Labs/txsubmitter-go/pkg/record"
	"github.com/Layr-Labs/txsubmitter-go/pkg/report"
	"github.com/Layr-Labs/txsubmitter-go/pkg/submission"
	"github.com/Layr-Labs/txsubmitter-go/pkg/txBuilder"
	"github.com/Layr-Labs/txsubmitter-go/pkg/txSigner"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	cli "github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// simulatedFunding is the genesis balance of the signer account in --simulate mode.
var simulatedFunding = new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e18))

func main() {
	app := &cli.App{
		Name:  "submitter",
		Usage: "Build, sign and submit ledger transactions exactly once",
		Description: `The submitter CLI turns a payment or contract call intent into a signed
transaction, submits it to an Ethereum-compatible network and waits until it
settles. Resubmitting the same intent never produces a second transaction.`,
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				EnvVars: []string{"DEBUG"},
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to a TOML config file",
				EnvVars: []string{"SUBMITTER_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "endpoint",
				Usage:   "JSON-RPC endpoint of the ledger network",
				EnvVars: []string{"SUBMITTER_ENDPOINT"},
			},
			&cli.Uint64Flag{
				Name:    "chain-id",
				Usage:   "Expected chain ID of the endpoint",
				EnvVars: []string{"SUBMITTER_CHAIN_ID"},
			},
			&cli.StringFlag{
				Name:    "log-file",
				Usage:   "Also write JSON logs to this rotated file",
				EnvVars: []string{"SUBMITTER_LOG_FILE"},
			},
			&cli.StringFlag{
				Name:    "store-kind",
				Usage:   "Record store: memory, badger or postgres",
				EnvVars: []string{"SUBMITTER_STORE_KIND"},
			},
			&cli.StringFlag{
				Name:    "store-path",
				Usage:   "Badger data directory",
				EnvVars: []string{"SUBMITTER_STORE_PATH"},
			},
			&cli.StringFlag{
				Name:    "store-dsn",
				Usage:   "Postgres connection string",
				EnvVars: []string{"SUBMITTER_STORE_DSN"},
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "Serve prometheus metrics on this address (e.g. ':9090')",
				EnvVars: []string{"SUBMITTER_METRICS_ADDR"},
			},
			&cli.BoolFlag{
				Name:  "simulate",
				Usage: "Run against an in-process simulated chain with the signer account prefunded",
			},
			// Transaction signing options
			&cli.StringFlag{
				Name:  "tx-private-key-env",
				Usage: "Name of the environment variable holding the hex private key; read on every signature",
				Value: "TX_PRIVATE_KEY",
			},
			&cli.StringFlag{
				Name:    "tx-aws-kms-key-id",
				Usage:   "AWS KMS key ID for transaction signing",
				EnvVars: []string{"TX_AWS_KMS_KEY_ID"},
			},
			&cli.StringFlag{
				Name:    "tx-aws-secret-name",
				Usage:   "AWS Secrets Manager secret holding a hex private key or JSON keystore",
				EnvVars: []string{"TX_AWS_SECRET_NAME"},
			},
			&cli.StringFlag{
				Name:  "tx-keystore-password-env",
				Usage: "Name of the environment variable holding the keystore password",
				Value: "TX_KEYSTORE_PASSWORD",
			},
			&cli.StringFlag{
				Name:    "tx-aws-region",
				Usage:   "AWS region for the KMS key or secret",
				Value:   "us-east-1",
				EnvVars: []string{"TX_AWS_REGION"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "pay",
				Usage: "Transfer native currency",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "to", Usage: "Destination address (EIP-55 checksummed if mixed case)", Required: true},
					&cli.StringFlag{Name: "amount", Usage: "Amount in whole units, e.g. 0.25", Required: true},
					&cli.StringFlag{Name: "reference", Usage: "Caller reference; a different reference makes an otherwise identical payment distinct"},
					&cli.Uint64Flag{Name: "gas-limit", Usage: "Override the gas limit"},
				},
				Action: payAction,
			},
			{
				Name:  "call",
				Usage: "Call a contract",
				Description: `Call a contract with raw call data (--data) or with an ABI file,
a method name and its arguments (--abi, --method, --arg).`,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "to", Usage: "Contract address", Required: true},
					&cli.StringFlag{Name: "data", Usage: "Hex call data including the 4-byte selector"},
					&cli.StringFlag{Name: "abi", Usage: "Path to the contract ABI JSON"},
					&cli.StringFlag{Name: "method", Usage: "Method to call"},
					&cli.StringSliceFlag{Name: "arg", Usage: "Method argument, repeated in order"},
					&cli.StringFlag{Name: "value", Usage: "Native currency sent with the call, in whole units", Value: "0"},
					&cli.StringFlag{Name: "reference", Usage: "Caller reference"},
					&cli.Uint64Flag{Name: "gas-limit", Usage: "Override the gas limit (a 20% buffer is added)"},
				},
				Action: callAction,
			},
			{
				Name:  "status",
				Usage: "Show what the network knows about a transaction id",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "tx-id", Usage: "Transaction id (0x-prefixed hash)", Required: true},
				},
				Action: statusAction,
			},
		},
		Before: validateFlags,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func validateFlags(c *cli.Context) error {
	if c.String("tx-aws-kms-key-id") != "" && c.String("tx-aws-secret-name") != "" {
		return fmt.Errorf("cannot specify both --tx-aws-kms-key-id and --tx-aws-secret-name")
	}
	return nil
}

func loadOptions(c *cli.Context) (*config.Options, error) {
	opts := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		opts = loaded
	}

	if c.IsSet("debug") {
		opts.Log.Debug = c.Bool("debug")
	}
	if c.IsSet("endpoint") {
		opts.Endpoint = c.String("endpoint")
	}
	if c.IsSet("chain-id") {
		opts.ChainID = c.Uint64("chain-id")
	}
	if c.IsSet("log-file") {
		opts.Log.FilePath = c.String("log-file")
	}
	if c.IsSet("store-kind") {
		opts.Store.Kind = config.StoreKind(c.String("store-kind"))
	}
	if c.IsSet("store-path") {
		opts.Store.Path = c.String("store-path")
	}
	if c.IsSet("store-dsn") {
		opts.Store.DSN = c.String("store-dsn")
	}

	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return opts, nil
}

func setupLogger(opts *config.Options) (*zap.Logger, error) {
	return logger.NewLogger(&logger.LoggerConfig{
		Debug:      opts.Log.Debug,
		FilePath:   opts.Log.FilePath,
		MaxSizeMB:  opts.Log.MaxSizeMB,
		MaxBackups: opts.Log.MaxBackups,
		MaxAgeDays: opts.Log.MaxAgeDays,
		Compress:   opts.Log.Compress,
	})
}

func setupTransactionSigner(c *cli.Context, l *zap.Logger) (txSigner.ITransactionSigner, error) {
	region := c.String("tx-aws-region")

	if kmsKeyID := c.String("tx-aws-kms-key-id"); kmsKeyID != "" {
		return txSigner.NewAWSKMSSigner(c.Context, kmsKeyID, region, l)
	}

	var keys txSigner.KeySource = &txSigner.EnvKeySource{Name: c.String("tx-private-key-env")}
	if secretName := c.String("tx-aws-secret-name"); secretName != "" {
		sm, err := txSigner.NewSecretsManagerKeySource(&txSigner.SecretsManagerKeySourceConfig{
			Region:           region,
			SecretName:       secretName,
			KeystorePassword: os.Getenv(c.String("tx-keystore-password-env")),
		}, l)
		if err != nil {
			return nil, err
		}
		keys = sm
	}
	return txSigner.NewPrivateKeySigner(c.Context, keys, l)
}

func setupChain(c *cli.Context, opts *config.Options, cm *chainManager.ChainManager, funded common.Address, l *zap.Logger) (*chainManager.Chain, func(), error) {
	if !c.Bool("simulate") {
		chain, err := cm.AddChain(c.Context, &chainManager.ChainConfig{
			ChainID: opts.ChainID,
			RPCUrl:  opts.Endpoint,
		})
		return chain, func() {}, err
	}

	backend := simulated.NewBackend(types.GenesisAlloc{funded: {Balance: simulatedFunding}})
	chain, err := cm.AddClient(c.Context, &chainManager.ChainConfig{}, backend.Client())
	if err != nil {
		backend.Close()
		return nil, nil, err
	}

	// The simulated chain only produces blocks on Commit.
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				backend.Commit()
			case <-done:
				return
			}
		}
	}()
	l.Sugar().Infow("Using simulated chain",
		zap.Uint64("chainId", chain.ChainID.Uint64()),
		zap.String("fundedAccount", funded.Hex()),
	)
	return chain, func() {
		close(done)
		backend.Close()
	}, nil
}

func setupStore(ctx context.Context, opts *config.Options, l *zap.Logger) (record.Store, func(), error) {
	switch opts.Store.Kind {
	case config.StoreBadger:
		store, err := record.NewBadgerStore(opts.Store.Path, l)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				l.Sugar().Warnw("Failed to close badger store", zap.Error(err))
			}
		}, nil
	case config.StorePostgres:
		store, err := record.NewPostgresStore(ctx, opts.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return record.NewMemoryStore(), func() {}, nil
	}
}

func serveMetrics(addr string, m *metrics.Registry, l *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           logger.HttpLoggerMiddleware(mux, l),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Sugar().Errorw("Metrics server stopped", zap.Error(err))
		}
	}()
	l.Sugar().Infow("Serving metrics", zap.String("addr", addr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// submitter holds everything one command needs, and how to tear it down.
type submitter struct {
	logger      *zap.Logger
	signer      txSigner.ITransactionSigner
	store       record.Store
	coordinator *submission.Coordinator
	closers     []func()
}

func (s *submitter) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	_ = s.logger.Sync()
}

func setup(c *cli.Context, withSigner bool) (*submitter, error) {
	opts, err := loadOptions(c)
	if err != nil {
		return nil, err
	}
	l, err := setupLogger(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}
	s := &submitter{logger: l}

	var funded common.Address
	if withSigner {
		s.signer, err = setupTransactionSigner(c, l)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to setup transaction signer: %w", err)
		}
		funded = s.signer.Address()
	}

	cm := chainManager.NewChainManager(l)
	s.closers = append(s.closers, cm.Close)
	chain, closeChain, err := setupChain(c, opts, cm, funded, l)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to setup chain: %w", err)
	}
	s.closers = append(s.closers, closeChain)

	store, closeStore, err := setupStore(c.Context, opts, l)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to setup record store: %w", err)
	}
	s.store = store
	s.closers = append(s.closers, closeStore)

	m := metrics.NewRegistry()
	if addr := c.String("metrics-addr"); addr != "" {
		s.closers = append(s.closers, serveMetrics(addr, m, l))
	}

	minTip, err := opts.MinTipCap()
	if err != nil {
		s.Close()
		return nil, err
	}
	builder := txBuilder.NewBuilder(chain.ChainID, opts.FeeMultiplier, minTip, l)
	gateway := ledger.NewEthGateway(chain.RPCClient, l)
	reporter := report.NewReporter(l, m)
	l.Info("Submitter ready",
		zap.Uint64("chainId", builder.ChainID().Uint64()),
		zap.String("store", string(opts.Store.Kind)),
	)

	s.coordinator = submission.NewCoordinator(
		submission.ConfigFromOptions(opts),
		gateway,
		builder,
		s.signer,
		store,
		reporter,
		m,
		l,
	)
	return s, nil
}

func payAction(c *cli.Context) error {
	amount, err := txBuilder.ParseAmount(c.String("amount"), txBuilder.NativeAsset.Decimals)
	if err != nil {
		return err
	}
	intent := txBuilder.NewPaymentIntent(c.String("to"), amount, txBuilder.NativeAsset, c.String("reference"))
	intent.GasLimit = c.Uint64("gas-limit")
	return submit(c, intent)
}

func callAction(c *cli.Context) error {
	value, err := txBuilder.ParseAmount(c.String("value"), txBuilder.NativeAsset.Decimals)
	if err != nil {
		return err
	}

	var intent txBuilder.TransactionIntent
	switch {
	case c.String("data") != "" && c.String("abi") != "":
		return fmt.Errorf("cannot specify both --data and --abi")
	case c.String("data") != "":
		data, err := hexutil.Decode(c.String("data"))
		if err != nil {
			return fmt.Errorf("invalid --data: %w", err)
		}
		intent = txBuilder.NewContractCallIntent(c.String("to"), data, value, c.String("reference"))
	case c.String("abi") != "":
		if c.String("method") == "" {
			return fmt.Errorf("--method is required with --abi")
		}
		abiJSON, err := os.ReadFile(c.String("abi"))
		if err != nil {
			return fmt.Errorf("failed to read ABI: %w", err)
		}
		args, err := txBuilder.ConvertArgs(string(abiJSON), c.String("method"), c.StringSlice("arg"))
		if err != nil {
			return err
		}
		intent = txBuilder.NewABICallIntent(c.String("to"), string(abiJSON), c.String("method"), args, value, c.String("reference"))
	default:
		return fmt.Errorf("must specify either --data or --abi")
	}
	intent.GasLimit = c.Uint64("gas-limit")
	return submit(c, intent)
}

func submit(c *cli.Context, intent txBuilder.TransactionIntent) error {
	s, err := setup(c, true)
	if err != nil {
		return err
	}
	defer s.Close()

	out, err := s.coordinator.SubmitIntent(c.Context, intent, s.signer.Address())
	if err != nil {
		return err
	}
	if err := printJSON(out); err != nil {
		return err
	}
	if out.Status != report.StatusConfirmed {
		return fmt.Errorf("submission %s: %w", out.Status, out.Err())
	}
	return nil
}

type statusView struct {
	TransactionID common.Hash              `json:"transactionId"`
	Status        string                   `json:"status"`
	Reason        string                   `json:"reason,omitempty"`
	Entry         *ledger.LedgerEntry      `json:"ledgerEntry,omitempty"`
	Record        *record.SubmissionRecord `json:"record,omitempty"`
}

func statusAction(c *cli.Context) error {
	raw, err := hexutil.Decode(c.String("tx-id"))
	if err != nil || len(raw) != common.HashLength {
		return fmt.Errorf("invalid --tx-id %q: expected a 32-byte 0x-prefixed hash", c.String("tx-id"))
	}
	txID := common.BytesToHash(raw)

	s, err := setup(c, false)
	if err != nil {
		return err
	}
	defer s.Close()

	status, err := s.coordinator.Status(c.Context, txID)
	if err != nil {
		return fmt.Errorf("failed to poll %s: %w", txID.Hex(), err)
	}
	view := &statusView{
		TransactionID: txID,
		Status:        status.Kind.String(),
		Reason:        status.Reason,
		Entry:         status.Entry,
	}
	if index, ok := s.store.(record.TransactionIndex); ok {
		rec, err := index.GetByTransactionID(c.Context, txID)
		if err != nil {
			s.logger.Sugar().Warnw("Failed to look up local record", zap.Error(err))
		}
		view.Record = rec
	}
	return printJSON(view)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
