// Package nonceTracker keeps the set of sequence numbers each account has handed
// to in-flight transactions, so that two concurrent submissions never sign with
// the same sequence unless one of them has been released.
package nonceTracker

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Tracker is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	claimed map[common.Address]map[uint64]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{
		claimed: make(map[common.Address]map[uint64]struct{}),
	}
}

// Reserve claims and returns the lowest unclaimed sequence at or above networkSeq.
// Claims below networkSeq are dropped first, since the network has already
// consumed those sequences.
func (t *Tracker) Reserve(addr common.Address, networkSeq uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := t.set(addr)
	for seq := range set {
		if seq < networkSeq {
			delete(set, seq)
		}
	}
	seq := networkSeq
	for {
		if _, taken := set[seq]; !taken {
			break
		}
		seq++
	}
	set[seq] = struct{}{}
	return seq
}

// Claim marks seq as in use, for example when resuming a stored transaction.
// It returns false when seq was already claimed.
func (t *Tracker) Claim(addr common.Address, seq uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.set(addr)
	if _, taken := set[seq]; taken {
		return false
	}
	set[seq] = struct{}{}
	return true
}

// Release gives seq back, after its transaction was rejected or abandoned before
// reaching the network.
func (t *Tracker) Release(addr common.Address, seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if set, ok := t.claimed[addr]; ok {
		delete(set, seq)
	}
}

// Confirm records that seq was consumed on the network. Every claim at or
// below seq is dropped.
func (t *Tracker) Confirm(addr common.Address, seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.claimed[addr]
	if !ok {
		return
	}
	for s := range set {
		if s <= seq {
			delete(set, s)
		}
	}
}

// Claimed returns the claimed sequences of addr in ascending order.
func (t *Tracker) Claimed(addr common.Address) []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uint64, 0, len(t.claimed[addr]))
	for seq := range t.claimed[addr] {
		out = append(out, seq)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (t *Tracker) set(addr common.Address) map[uint64]struct{} {
	set, ok := t.claimed[addr]
	if !ok {
		set = make(map[uint64]struct{})
		t.claimed[addr] = set
	}
	return set
}
