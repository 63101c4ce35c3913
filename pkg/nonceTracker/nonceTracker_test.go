package nonceTracker

import (
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob   = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func TestTracker_ReserveSkipsClaimed(t *testing.T) {
	tr := NewTracker()
	assert.Equal(t, uint64(5), tr.Reserve(alice, 5))
	assert.Equal(t, uint64(6), tr.Reserve(alice, 5))
	assert.Equal(t, uint64(5), tr.Reserve(bob, 5))

	tr.Release(alice, 5)
	assert.Equal(t, uint64(5), tr.Reserve(alice, 5))
	assert.Equal(t, []uint64{5, 6}, tr.Claimed(alice))
}

func TestTracker_ReservePrunesConsumed(t *testing.T) {
	tr := NewTracker()
	tr.Reserve(alice, 5)
	tr.Reserve(alice, 5)
	assert.Equal(t, uint64(7), tr.Reserve(alice, 7))
	assert.Equal(t, []uint64{7}, tr.Claimed(alice))
}

func TestTracker_ClaimAndConfirm(t *testing.T) {
	tr := NewTracker()
	assert.True(t, tr.Claim(alice, 3))
	assert.False(t, tr.Claim(alice, 3))
	assert.Equal(t, uint64(4), tr.Reserve(alice, 3))

	tr.Confirm(alice, 3)
	assert.Equal(t, []uint64{4}, tr.Claimed(alice))
	tr.Confirm(bob, 10)
	assert.Empty(t, tr.Claimed(bob))
}

func TestTracker_ConcurrentReservationsAreUnique(t *testing.T) {
	tr := NewTracker()
	const workers = 64

	var wg sync.WaitGroup
	results := make(chan uint64, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- tr.Reserve(alice, 10)
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uint64]bool)
	for seq := range results {
		require.False(t, seen[seq], "sequence %d reserved twice", seq)
		seen[seq] = true
	}
	assert.Len(t, seen, workers)
	for seq := uint64(10); seq < 10+workers; seq++ {
		assert.True(t, seen[seq])
	}
}
