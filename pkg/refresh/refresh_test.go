package refresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starfall-game/starcore/pkg/token"
)

func TestRefreshStoresCredential(t *testing.T) {
	tokens := token.NewStore()
	c := NewCoordinator(func(ctx context.Context) (string, error) {
		return "cred-1", nil
	}, tokens)

	cred, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cred-1", cred)
	assert.Equal(t, "cred-1", tokens.Get())
}

func TestConcurrentCallersShareOneExchange(t *testing.T) {
	tokens := token.NewStore()
	var calls atomic.Int32
	release := make(chan struct{})

	c := NewCoordinator(func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "cred-shared", nil
	}, tokens)

	const waiters = 8
	results := make([]string, waiters)
	errs := make([]error, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Refresh(context.Background())
		}(i)
	}

	require.Eventually(t, c.Refreshing, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < waiters; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "cred-shared", results[i])
	}
}

func TestFailureSharedByAllWaiters(t *testing.T) {
	tokens := token.NewStore()
	boom := errors.New("exchange rejected")
	release := make(chan struct{})

	c := NewCoordinator(func(ctx context.Context) (string, error) {
		<-release
		return "", boom
	}, tokens)

	errs := make([]error, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Refresh(context.Background())
		}(i)
	}
	require.Eventually(t, c.Refreshing, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, boom)
	}
	assert.Empty(t, tokens.Get())
}

func TestNextCallAfterCompletionStartsFresh(t *testing.T) {
	tokens := token.NewStore()
	var calls atomic.Int32
	c := NewCoordinator(func(ctx context.Context) (string, error) {
		n := calls.Add(1)
		if n == 1 {
			return "", errors.New("transient")
		}
		return "cred-2", nil
	}, tokens)

	_, err := c.Refresh(context.Background())
	require.Error(t, err)

	cred, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cred-2", cred)
	assert.Equal(t, int32(2), calls.Load())
}

func TestInvalidateDiscardsInFlightResult(t *testing.T) {
	tokens := token.NewStore()
	release := make(chan struct{})
	c := NewCoordinator(func(ctx context.Context) (string, error) {
		<-release
		return "stale-cred", nil
	}, tokens)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Refresh(context.Background())
		errCh <- err
	}()
	require.Eventually(t, c.Refreshing, time.Second, 5*time.Millisecond)

	c.Invalidate()
	close(release)

	err := <-errCh
	assert.ErrorIs(t, err, ErrInvalidated)
	assert.Empty(t, tokens.Get(), "invalidated result must not reach the token store")
}

func TestWaiterRespectsContextCancellation(t *testing.T) {
	tokens := token.NewStore()
	release := make(chan struct{})
	defer close(release)
	c := NewCoordinator(func(ctx context.Context) (string, error) {
		<-release
		return "late", nil
	}, tokens)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Refresh(ctx)
		errCh <- err
	}()
	require.Eventually(t, c.Refreshing, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("waiter did not honor cancellation")
	}
}

func TestRefreshWithoutFuncFails(t *testing.T) {
	c := NewCoordinator(nil, token.NewStore())
	_, err := c.Refresh(context.Background())
	assert.Error(t, err)
}
