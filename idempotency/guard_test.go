package idempotency

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuard(t *testing.T) *Guard {
	t.Helper()
	store, err := OpenFileStore(filepath.Join(t.TempDir(), "keys.json"))
	require.NoError(t, err)
	return NewGuard(store)
}

func TestKeyIsStable(t *testing.T) {
	k1 := Key("anom-42", "create_ticket")
	k2 := Key("anom-42", "create_ticket")
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 32)

	assert.NotEqual(t, k1, Key("anom-42", "send_email"))
	assert.NotEqual(t, k1, Key("anom-43", "create_ticket"))
	assert.NotEqual(t, k1, Key("anom-42", "create_ticket", "run-7"))
}

func TestFreshThenDuplicate(t *testing.T) {
	g := newTestGuard(t)
	ctx := context.Background()
	key := Key("anom-1", "create_ticket")

	res, stored, err := g.CheckAndReserve(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Fresh, res)
	assert.Nil(t, stored)

	result := json.RawMessage(`{"ticket_id":"TICKET-00001"}`)
	require.NoError(t, g.Commit(ctx, key, result))

	res, stored, err = g.CheckAndReserve(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res)
	assert.JSONEq(t, string(result), string(stored))
}

func TestReleaseAllowsRetry(t *testing.T) {
	g := newTestGuard(t)
	ctx := context.Background()
	key := Key("anom-2", "send_email")

	res, _, err := g.CheckAndReserve(ctx, key)
	require.NoError(t, err)
	require.Equal(t, Fresh, res)

	g.Release(key)

	res, _, err = g.CheckAndReserve(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Fresh, res, "a released key must be reservable again")
}

func TestExactlyOneFreshUnderContention(t *testing.T) {
	g := newTestGuard(t)
	ctx := context.Background()
	key := Key("anom-3", "create_ticket")
	result := json.RawMessage(`{"ticket_id":"TICKET-00002"}`)

	const callers = 8
	var freshCount, duplicateCount sync.Map
	var wg sync.WaitGroup

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, stored, err := g.CheckAndReserve(ctx, key)
			require.NoError(t, err)
			switch res {
			case Fresh:
				freshCount.Store(i, true)
				// Simulate the side effect, then commit.
				time.Sleep(20 * time.Millisecond)
				require.NoError(t, g.Commit(ctx, key, result))
			case Duplicate:
				duplicateCount.Store(i, true)
				assert.JSONEq(t, string(result), string(stored))
			}
		}(i)
	}
	wg.Wait()

	fresh := 0
	freshCount.Range(func(any, any) bool { fresh++; return true })
	duplicates := 0
	duplicateCount.Range(func(any, any) bool { duplicates++; return true })

	assert.Equal(t, 1, fresh, "exactly one caller must win the reservation")
	assert.Equal(t, callers-1, duplicates)
}

func TestWaiterInheritsReleasedReservation(t *testing.T) {
	g := newTestGuard(t)
	ctx := context.Background()
	key := Key("anom-4", "create_ticket")

	res, _, err := g.CheckAndReserve(ctx, key)
	require.NoError(t, err)
	require.Equal(t, Fresh, res)

	got := make(chan Reservation, 1)
	go func() {
		res, _, err := g.CheckAndReserve(ctx, key)
		assert.NoError(t, err)
		got <- res
	}()

	// Give the second caller time to start waiting, then fail the attempt.
	time.Sleep(20 * time.Millisecond)
	g.Release(key)

	select {
	case res := <-got:
		assert.Equal(t, Fresh, res, "waiter should inherit the released key")
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke up after release")
	}
	g.Release(key)
}

func TestCheckAndReserveHonorsContext(t *testing.T) {
	g := newTestGuard(t)
	key := Key("anom-5", "create_ticket")

	res, _, err := g.CheckAndReserve(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, Fresh, res)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, _, err = g.CheckAndReserve(ctx, key)
	assert.Error(t, err, "waiting caller should give up when its context expires")
	g.Release(key)
}

func TestDuplicateSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	ctx := context.Background()
	key := Key("anom-6", "send_email")
	result := json.RawMessage(`{"message_id":"m-1","status":"queued"}`)

	store, err := OpenFileStore(path)
	require.NoError(t, err)
	g := NewGuard(store)

	res, _, err := g.CheckAndReserve(ctx, key)
	require.NoError(t, err)
	require.Equal(t, Fresh, res)
	require.NoError(t, g.Commit(ctx, key, result))

	// A new process opens the same file.
	store2, err := OpenFileStore(path)
	require.NoError(t, err)
	g2 := NewGuard(store2)

	res, stored, err := g2.CheckAndReserve(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res)
	assert.JSONEq(t, string(result), string(stored))
}
