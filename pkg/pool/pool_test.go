package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

func fakeDialer(target string) (*grpc.ClientConn, error) {
	return grpc.NewClient("passthrough:///" + target)
}

func newTestPool(t *testing.T, min, max int) *Pool {
	t.Helper()
	p, err := New(Config{
		Target:         "test-target",
		Min:            min,
		Max:            max,
		AcquireTimeout: 100 * time.Millisecond,
		IdleTimeout:    time.Hour,
		Dialer:         fakeDialer,
	})
	require.NoError(t, err)
	return p
}

func TestNewPreWarmsMinConnections(t *testing.T) {
	p := newTestPool(t, 2, 5)
	stats := p.Stats()
	assert.Equal(t, 2, stats.Idle)
	assert.Equal(t, 0, stats.Busy)
	assert.Equal(t, 2, stats.Total)
}

func TestAcquireReusesIdleConnection(t *testing.T) {
	p := newTestPool(t, 1, 5)
	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, p.Stats().Idle)
	assert.Equal(t, 1, p.Stats().Busy)
	p.Release(conn)
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestAcquireDialsFreshUpToMax(t *testing.T) {
	p := newTestPool(t, 0, 2)
	c1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	c2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	assert.Equal(t, 2, p.Stats().Busy)
}

func TestAcquireExhaustedReturnsErrAfterTimeout(t *testing.T) {
	p := newTestPool(t, 0, 1)
	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestReleaseHandsDirectlyToWaiter(t *testing.T) {
	p := newTestPool(t, 0, 1)
	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)

	result := make(chan *grpc.ClientConn, 1)
	go func() {
		c, err := p.Acquire(context.Background())
		if err == nil {
			result <- c
		}
	}()
	time.Sleep(10 * time.Millisecond)
	p.Release(conn)

	select {
	case got := <-result:
		assert.Same(t, conn, got)
	case <-time.After(time.Second):
		t.Fatal("waiter never received released connection")
	}
}

func TestDrainRejectsNewAcquiresAndClosesAll(t *testing.T) {
	p := newTestPool(t, 1, 3)
	require.NoError(t, p.Drain(context.Background()))

	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrDraining)
	assert.Equal(t, 0, p.Stats().Total)
}

func TestMaxWaitingClientsRejectsBeyondLimit(t *testing.T) {
	p, err := New(Config{
		Target:            "test-target",
		Min:               0,
		Max:               1,
		AcquireTimeout:    time.Second,
		IdleTimeout:       time.Hour,
		MaxWaitingClients: 1,
		Dialer:            fakeDialer,
	})
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	require.NoError(t, err)

	// First waiter fills the one allowed waiting slot.
	go p.Acquire(context.Background())
	time.Sleep(10 * time.Millisecond)

	// Second waiter exceeds MaxWaitingClients and is rejected immediately.
	start := time.Now()
	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}
