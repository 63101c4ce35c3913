// Package chainManager provides ledger network connection management.
// It dials Ethereum-compatible RPC endpoints with bounded retries, verifies that
// each endpoint is healthy and serves the expected chain, and hands out the
// resulting clients keyed by chain ID.
package chainManager

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

var (
	// ErrChainNotFound is returned when a requested chain ID is not found in the manager
	ErrChainNotFound = errors.New("chain not found")
	// ErrChainIDMismatch is returned when an endpoint serves a different chain than configured
	ErrChainIDMismatch = errors.New("chain id mismatch")
)

const (
	DefaultDialAttempts       = 3
	DefaultDialDelay          = 1 * time.Second
	DefaultHealthCheckTimeout = 5 * time.Second
)

// IChainManager defines the interface for managing ledger connections.
type IChainManager interface {
	// AddChain dials a new ledger endpoint and registers it
	AddChain(ctx context.Context, cfg *ChainConfig) (*Chain, error)
	// GetChainForId retrieves a registered chain by its chain ID
	GetChainForId(chainId uint64) (*Chain, error)
}

// ChainConfig holds the configuration for connecting to a ledger endpoint.
type ChainConfig struct {
	// ChainID is the expected chain ID; zero accepts whatever the endpoint reports
	ChainID uint64
	// RPCUrl is the URL endpoint for connecting to the ledger RPC
	RPCUrl string
	// DialAttempts bounds the number of dial + health check attempts
	DialAttempts uint
	// DialDelay is the initial delay between dial attempts
	DialDelay time.Duration
}

// Chain represents an active connection to a ledger network.
type Chain struct {
	config *ChainConfig
	// ChainID is the chain ID reported by the endpoint
	ChainID *big.Int
	// RPCClient is the active client connection for this chain
	RPCClient EthClientInterface
	closer    func()
}

// Config returns the configuration the chain was added with.
func (c *Chain) Config() *ChainConfig {
	return c.config
}

// ChainManager implements IChainManager.
// This implementation is thread-safe using sync.Map for concurrent access.
type ChainManager struct {
	Chains sync.Map // map[uint64]*Chain
	logger *zap.Logger
}

// NewChainManager creates a new ChainManager with an empty registry.
func NewChainManager(logger *zap.Logger) *ChainManager {
	return &ChainManager{logger: logger}
}

// AddChain dials cfg.RPCUrl, retrying with exponential backoff until the endpoint
// answers a health check, and registers the resulting client under the chain ID
// reported by the endpoint.
func (cm *ChainManager) AddChain(ctx context.Context, cfg *ChainConfig) (*Chain, error) {
	if cfg.RPCUrl == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	attempts := cfg.DialAttempts
	if attempts == 0 {
		attempts = DefaultDialAttempts
	}
	delay := cfg.DialDelay
	if delay == 0 {
		delay = DefaultDialDelay
	}

	var client *ethclient.Client
	var chainID *big.Int
	err := retry.Do(func() error {
		c, err := ethclient.DialContext(ctx, cfg.RPCUrl)
		if err != nil {
			return fmt.Errorf("failed to dial %s: %w", cfg.RPCUrl, err)
		}
		id, err := healthCheck(ctx, c)
		if err != nil {
			c.Close()
			return err
		}
		client, chainID = c, id
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			cm.logger.Sugar().Warnw("Retrying ledger endpoint dial",
				zap.Uint("attempt", n+1),
				zap.String("rpcUrl", cfg.RPCUrl),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC URL %s: %w", cfg.RPCUrl, err)
	}

	chain, err := cm.register(cfg, chainID, client, client.Close)
	if err != nil {
		client.Close()
		return nil, err
	}
	cm.logger.Sugar().Infow("Connected to ledger endpoint",
		zap.Uint64("chainId", chainID.Uint64()),
		zap.String("rpcUrl", cfg.RPCUrl),
	)
	return chain, nil
}

// AddClient registers an already constructed client, such as a simulated backend.
func (cm *ChainManager) AddClient(ctx context.Context, cfg *ChainConfig, client EthClientInterface) (*Chain, error) {
	id, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chain id: %w", err)
	}
	return cm.register(cfg, id, client, nil)
}

func (cm *ChainManager) register(cfg *ChainConfig, chainID *big.Int, client EthClientInterface, closer func()) (*Chain, error) {
	if cfg.ChainID != 0 && cfg.ChainID != chainID.Uint64() {
		return nil, fmt.Errorf("%w: configured %d, endpoint reports %d", ErrChainIDMismatch, cfg.ChainID, chainID.Uint64())
	}
	chain := &Chain{
		config:    cfg,
		ChainID:   chainID,
		RPCClient: client,
		closer:    closer,
	}
	if _, loaded := cm.Chains.LoadOrStore(chainID.Uint64(), chain); loaded {
		return nil, fmt.Errorf("chain with ID %d already exists", chainID.Uint64())
	}
	return chain, nil
}

// GetChainForId retrieves a chain connection by its chain ID.
func (cm *ChainManager) GetChainForId(chainId uint64) (*Chain, error) {
	value, exists := cm.Chains.Load(chainId)
	if !exists {
		return nil, ErrChainNotFound
	}
	chain, ok := value.(*Chain)
	if !ok {
		return nil, fmt.Errorf("invalid chain type stored for ID %d", chainId)
	}
	return chain, nil
}

// Close closes every dialed connection and empties the registry.
func (cm *ChainManager) Close() {
	cm.Chains.Range(func(key, value any) bool {
		if chain, ok := value.(*Chain); ok && chain.closer != nil {
			chain.closer()
		}
		cm.Chains.Delete(key)
		return true
	})
}

func healthCheck(ctx context.Context, client EthClientInterface) (*big.Int, error) {
	hctx, cancel := context.WithTimeout(ctx, DefaultHealthCheckTimeout)
	defer cancel()

	if _, err := client.BlockNumber(hctx); err != nil {
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	id, err := client.ChainID(hctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chain id: %w", err)
	}
	return id, nil
}
