package chainManager

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestChainManager_AddClient(t *testing.T) {
	ctx := context.Background()
	cm := NewChainManager(zap.NewNop())

	client := NewMockEthClientInterface(t)
	client.On("ChainID", mock.Anything).Return(big.NewInt(1337), nil)

	chain, err := cm.AddClient(ctx, &ChainConfig{ChainID: 1337}, client)
	require.NoError(t, err)
	assert.Equal(t, uint64(1337), chain.ChainID.Uint64())
	assert.Equal(t, uint64(1337), chain.Config().ChainID)

	got, err := cm.GetChainForId(1337)
	require.NoError(t, err)
	assert.Same(t, chain, got)

	_, err = cm.AddClient(ctx, &ChainConfig{}, client)
	assert.Error(t, err, "a chain id may only be registered once")

	_, err = cm.GetChainForId(1)
	assert.ErrorIs(t, err, ErrChainNotFound)

	cm.Close()
	_, err = cm.GetChainForId(1337)
	assert.ErrorIs(t, err, ErrChainNotFound)
}

func TestChainManager_ChainIDMismatch(t *testing.T) {
	cm := NewChainManager(zap.NewNop())

	client := NewMockEthClientInterface(t)
	client.On("ChainID", mock.Anything).Return(big.NewInt(5), nil)

	_, err := cm.AddClient(context.Background(), &ChainConfig{ChainID: 1}, client)
	assert.ErrorIs(t, err, ErrChainIDMismatch)
}

func TestChainManager_AddChainUnreachable(t *testing.T) {
	cm := NewChainManager(zap.NewNop())

	_, err := cm.AddChain(context.Background(), &ChainConfig{})
	assert.Error(t, err)

	_, err = cm.AddChain(context.Background(), &ChainConfig{
		RPCUrl:       "http://127.0.0.1:1",
		DialAttempts: 2,
		DialDelay:    time.Millisecond,
	})
	assert.ErrorContains(t, err, "health check failed")
}
