package nonce

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

type fakeSource struct {
	mu     sync.Mutex
	nonces map[common.Address]uint64
	err    error
	calls  int
}

func newFakeSource(nonces map[common.Address]uint64) *fakeSource {
	return &fakeSource{nonces: nonces}
}

func (f *fakeSource) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.nonces[account], nil
}

func (f *fakeSource) set(account common.Address, nonce uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonces[account] = nonce
}

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

func TestReserveNonce_Sequential(t *testing.T) {
	source := newFakeSource(map[common.Address]uint64{alice: 7})
	m := NewManager(nil, source, nil, nil)
	ctx := context.Background()

	first, err := m.ReserveNonce(ctx, alice, "tx-1", gwei(10), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), first.Nonce)
	assert.Equal(t, alice.Hex(), first.Account)
	assert.Equal(t, 300*time.Second, first.ExpiresAt.Sub(first.ReservedAt))

	second, err := m.ReserveNonce(ctx, alice, "tx-2", gwei(10), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), second.Nonce)

	require.NoError(t, m.ConfirmNonce("tx-1", true))
	current, ok := m.CurrentNonce(alice)
	require.True(t, ok)
	assert.Equal(t, uint64(8), current)

	third, err := m.ReserveNonce(ctx, alice, "tx-3", gwei(10), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), third.Nonce)
	assert.Equal(t, 1, source.calls, "chain read only on first use")
}

func TestReserveNonce_DuplicateTxID(t *testing.T) {
	m := NewManager(nil, newFakeSource(map[common.Address]uint64{}), nil, nil)

	_, err := m.ReserveNonce(context.Background(), alice, "tx-1", gwei(1), 0)
	require.NoError(t, err)

	_, err = m.ReserveNonce(context.Background(), bob, "tx-1", gwei(1), 0)
	assert.ErrorIs(t, err, ErrDuplicateTxID)
}

func TestReserveNonce_SourceError(t *testing.T) {
	source := newFakeSource(map[common.Address]uint64{})
	source.err = errors.New("rpc down")
	m := NewManager(nil, source, nil, nil)

	_, err := m.ReserveNonce(context.Background(), alice, "tx-1", gwei(1), 0)
	assert.Error(t, err)
	assert.Empty(t, m.Accounts())
}

func TestReserveNonce_Concurrent(t *testing.T) {
	m := NewManager(nil, newFakeSource(map[common.Address]uint64{alice: 100, bob: 0}), nil, nil)
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[common.Address]map[uint64]bool{alice: {}, bob: {}}

	for i := 0; i < workers; i++ {
		for _, account := range []common.Address{alice, bob} {
			wg.Add(1)
			go func(i int, account common.Address) {
				defer wg.Done()
				res, err := m.ReserveNonce(ctx, account, fmt.Sprintf("%s-%d", account.Hex(), i), gwei(1), 0)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				assert.False(t, seen[account][res.Nonce], "nonce %d handed out twice", res.Nonce)
				seen[account][res.Nonce] = true
			}(i, account)
		}
	}
	wg.Wait()

	assert.Len(t, seen[alice], workers)
	assert.Len(t, seen[bob], workers)
	for n := uint64(100); n < 100+workers; n++ {
		assert.True(t, seen[alice][n])
	}
	assert.Equal(t, 2*workers, m.Metrics().ActivePending)
}

func TestConfirmNonce_ContiguousAdvance(t *testing.T) {
	m := NewManager(nil, newFakeSource(map[common.Address]uint64{alice: 0}), nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.ReserveNonce(ctx, alice, fmt.Sprintf("tx-%d", i), gwei(1), 0)
		require.NoError(t, err)
	}

	// out of order: 2 then 1 keep current at 0
	require.NoError(t, m.ConfirmNonce("tx-2", true))
	require.NoError(t, m.ConfirmNonce("tx-1", true))
	current, _ := m.CurrentNonce(alice)
	assert.Equal(t, uint64(0), current)

	require.NoError(t, m.ConfirmNonce("tx-0", true))
	current, _ = m.CurrentNonce(alice)
	assert.Equal(t, uint64(3), current)

	snap, ok := m.Snapshot(alice)
	require.True(t, ok)
	assert.Empty(t, snap.Pending)
	assert.Empty(t, snap.Confirmed)

	assert.ErrorIs(t, m.ConfirmNonce("tx-0", true), ErrReservationNotFound)
	assert.ErrorIs(t, m.ConfirmNonce("never", false), ErrReservationNotFound)
}

func TestConfirmNonce_ConfirmedNeverReissued(t *testing.T) {
	m := NewManager(nil, newFakeSource(map[common.Address]uint64{alice: 0}), nil, nil)
	ctx := context.Background()

	_, err := m.ReserveNonce(ctx, alice, "tx-0", gwei(1), 0)
	require.NoError(t, err)
	r1, err := m.ReserveNonce(ctx, alice, "tx-1", gwei(1), 0)
	require.NoError(t, err)

	require.NoError(t, m.ConfirmNonce("tx-1", true))
	require.NoError(t, m.ReleaseNonce("tx-0"))

	next, err := m.ReserveNonce(ctx, alice, "tx-2", gwei(1), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), next.Nonce)

	after, err := m.ReserveNonce(ctx, alice, "tx-3", gwei(1), 0)
	require.NoError(t, err)
	assert.NotEqual(t, r1.Nonce, after.Nonce)
	assert.Equal(t, uint64(2), after.Nonce)
}

func TestConfirmNonce_FailedIsReusable(t *testing.T) {
	m := NewManager(nil, newFakeSource(map[common.Address]uint64{alice: 5}), nil, nil)
	ctx := context.Background()

	_, err := m.ReserveNonce(ctx, alice, "tx-1", gwei(1), 0)
	require.NoError(t, err)
	require.NoError(t, m.ConfirmNonce("tx-1", false))

	snap, _ := m.Snapshot(alice)
	assert.Equal(t, []uint64{5}, snap.Failed)
	assert.Equal(t, uint64(5), snap.Current)

	res, err := m.ReserveNonce(ctx, alice, "tx-2", gwei(1), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), res.Nonce)

	snap, _ = m.Snapshot(alice)
	assert.Empty(t, snap.Failed, "sets stay disjoint")
	assert.Equal(t, []uint64{5}, snap.Pending)
}

func TestGetReplacementNonce(t *testing.T) {
	m := NewManager(nil, newFakeSource(map[common.Address]uint64{alice: 3}), nil, nil)
	ctx := context.Background()

	orig, err := m.ReserveNonce(ctx, alice, "tx-1", gwei(10), 0)
	require.NoError(t, err)

	_, err = m.GetReplacementNonce("tx-1", "tx-1b", gwei(10))
	assert.ErrorIs(t, err, ErrUnderpriced)
	_, ok := m.Reservation("tx-1b")
	assert.False(t, ok)

	replaced, err := m.GetReplacementNonce("tx-1", "tx-1b", gwei(12))
	require.NoError(t, err)
	assert.Equal(t, orig.Nonce, replaced.Nonce)
	assert.Equal(t, "tx-1b", replaced.TxID)
	assert.Equal(t, gwei(12).String(), replaced.GasPrice.String())

	_, ok = m.Reservation("tx-1")
	assert.False(t, ok)
	assert.ErrorIs(t, m.ConfirmNonce("tx-1", true), ErrReservationNotFound)

	_, err = m.GetReplacementNonce("missing", "tx-x", gwei(100))
	assert.ErrorIs(t, err, ErrReservationNotFound)

	require.NoError(t, m.ConfirmNonce("tx-1b", true))
	current, _ := m.CurrentNonce(alice)
	assert.Equal(t, uint64(4), current)
	assert.Equal(t, uint64(1), m.Metrics().Replacements)
}

func TestSyncAccountNonce(t *testing.T) {
	source := newFakeSource(map[common.Address]uint64{alice: 10})
	m := NewManager(nil, source, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.ReserveNonce(ctx, alice, fmt.Sprintf("tx-%d", i), gwei(1), 0)
		require.NoError(t, err)
	}
	require.NoError(t, m.ConfirmNonce("tx-1", true))
	require.NoError(t, m.ConfirmNonce("tx-2", false))

	// chain moved past 10 and 11 through another sender
	source.set(alice, 12)
	require.NoError(t, m.SyncAccountNonce(ctx, alice))

	snap, _ := m.Snapshot(alice)
	assert.Equal(t, uint64(12), snap.Current)
	assert.Empty(t, snap.Confirmed)
	assert.Equal(t, []uint64{12}, snap.Failed)

	// never moves backwards
	source.set(alice, 4)
	require.NoError(t, m.SyncAccountNonce(ctx, alice))
	current, _ := m.CurrentNonce(alice)
	assert.Equal(t, uint64(12), current)

	source.err = errors.New("timeout")
	assert.Error(t, m.SyncAccountNonce(ctx, alice))
	assert.Equal(t, uint64(1), m.Metrics().SyncErrors)
}

func TestDetectNonceGaps(t *testing.T) {
	m := NewManager(&Config{GapWindow: 3}, newFakeSource(map[common.Address]uint64{alice: 0}), nil, nil)
	ctx := context.Background()

	assert.Nil(t, m.DetectNonceGaps(bob))

	for i := 0; i < 6; i++ {
		_, err := m.ReserveNonce(ctx, alice, fmt.Sprintf("tx-%d", i), gwei(1), 0)
		require.NoError(t, err)
	}
	assert.Empty(t, m.DetectNonceGaps(alice))

	require.NoError(t, m.ReleaseNonce("tx-1"))
	require.NoError(t, m.ReleaseNonce("tx-4"))

	// window [0, 3) only sees nonce 1
	assert.Equal(t, []uint64{1}, m.DetectNonceGaps(alice))

	wide := NewManager(&Config{GapWindow: 100}, newFakeSource(map[common.Address]uint64{alice: 0}), nil, nil)
	for i := 0; i < 6; i++ {
		_, err := wide.ReserveNonce(ctx, alice, fmt.Sprintf("tx-%d", i), gwei(1), 0)
		require.NoError(t, err)
	}
	require.NoError(t, wide.ReleaseNonce("tx-1"))
	require.NoError(t, wide.ReleaseNonce("tx-4"))
	assert.Equal(t, []uint64{1, 4}, wide.DetectNonceGaps(alice))
}

func TestReleaseExpired(t *testing.T) {
	m := NewManager(nil, newFakeSource(map[common.Address]uint64{alice: 0}), nil, nil)
	ctx := context.Background()

	short, err := m.ReserveNonce(ctx, alice, "short", gwei(1), time.Second)
	require.NoError(t, err)
	_, err = m.ReserveNonce(ctx, alice, "long", gwei(1), time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 0, m.ReleaseExpired(time.Now()))
	assert.Equal(t, 1, m.ReleaseExpired(short.ExpiresAt))

	_, ok := m.Reservation("short")
	assert.False(t, ok)
	_, ok = m.Reservation("long")
	assert.True(t, ok)

	// the abandoned nonce is handed out again
	res, err := m.ReserveNonce(ctx, alice, "again", gwei(1), 0)
	require.NoError(t, err)
	assert.Equal(t, short.Nonce, res.Nonce)
	assert.Equal(t, uint64(1), m.Metrics().Expired)
}

func TestManager_StartStopBackgroundLoops(t *testing.T) {
	source := newFakeSource(map[common.Address]uint64{alice: 0})
	m := NewManager(&Config{
		ReservationTTL:  20 * time.Millisecond,
		SyncInterval:    10 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
	}, source, nil, nil)
	ctx := context.Background()

	_, err := m.ReserveNonce(ctx, alice, "tx-1", gwei(1), 0)
	require.NoError(t, err)

	require.NoError(t, m.Start(ctx))
	assert.Error(t, m.Start(ctx))

	source.set(alice, 9)
	assert.Eventually(t, func() bool {
		current, _ := m.CurrentNonce(alice)
		_, held := m.Reservation("tx-1")
		return current == 9 && !held
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Stop(ctx))
	assert.NoError(t, m.Stop(ctx))
	assert.Positive(t, m.Metrics().Syncs)
}
