package db

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barryq93/db2prom/internal/types"
)

type fakeHandle struct {
	mu     sync.Mutex
	closed bool
}

func (h *fakeHandle) Query(ctx context.Context, sql string) ([][]interface{}, error) {
	return nil, nil
}

func (h *fakeHandle) Ping(ctx context.Context) error { return nil }

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// scriptedConnector fails a fixed number of times before succeeding, and
// counts every dial attempt.
type scriptedConnector struct {
	mu       sync.Mutex
	failures int
	attempts int
	handles  []*fakeHandle
}

func (c *scriptedConnector) dial(ctx context.Context, conn types.Connection) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.attempts <= c.failures {
		return nil, fmt.Errorf("simulated connect failure %d", c.attempts)
	}
	h := &fakeHandle{}
	c.handles = append(c.handles, h)
	return h, nil
}

func (c *scriptedConnector) attemptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// statusRecorder captures reachability transitions in order.
type statusRecorder struct {
	mu     sync.Mutex
	states []bool
}

func (r *statusRecorder) record(up bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, up)
}

func (r *statusRecorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.states...)
}

func testConn() types.Connection {
	return types.Connection{DBHost: "localhost", DBPort: 50000, DBName: "testdb", DBUser: "u", DBType: "DB2"}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestAcquireBeforeConnect(t *testing.T) {
	sup := NewSupervisor(testConn(), (&scriptedConnector{failures: 100}).dial, time.Minute, nil)
	_, err := sup.Acquire()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, Disconnected, sup.State())
}

func TestFailureThenSuccessTransitions(t *testing.T) {
	connector := &scriptedConnector{failures: 1}
	recorder := &statusRecorder{}
	sup := NewSupervisor(testConn(), connector.dial, 10*time.Millisecond, recorder.record)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	waitFor(t, time.Second, func() bool { return sup.State() == Connected })

	states := recorder.snapshot()
	require.GreaterOrEqual(t, len(states), 2)
	assert.False(t, states[0], "first attempt fails, gauge goes to 0")
	assert.True(t, states[len(states)-1], "eventually reachable, gauge goes to 1")
	assert.Equal(t, 0, sup.Failures(), "failure count resets on connect")

	h, err := sup.Acquire()
	require.NoError(t, err)
	assert.NotNil(t, h)
}

func TestConnectingStateVisibleDuringDial(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	dial := func(ctx context.Context, conn types.Connection) (Handle, error) {
		close(entered)
		<-release
		return &fakeHandle{}, nil
	}
	sup := NewSupervisor(testConn(), dial, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	<-entered
	assert.Equal(t, Connecting, sup.State())
	close(release)
	waitFor(t, time.Second, func() bool { return sup.State() == Connected })
}

func TestOneAttemptPerRetryInterval(t *testing.T) {
	connector := &scriptedConnector{failures: 1 << 30}
	retry := 20 * time.Millisecond
	sup := NewSupervisor(testConn(), connector.dial, retry, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go sup.Run(ctx)
	time.Sleep(5 * retry)
	cancel()

	attempts := connector.attemptCount()
	// immediate first attempt plus one per elapsed interval, with tolerance
	assert.GreaterOrEqual(t, attempts, 3)
	assert.LessOrEqual(t, attempts, 8)
	assert.Greater(t, sup.Failures(), 0)
	assert.False(t, sup.LastAttempt().IsZero())
}

func TestInvalidateDropsCurrentHandle(t *testing.T) {
	connector := &scriptedConnector{}
	recorder := &statusRecorder{}
	sup := NewSupervisor(testConn(), connector.dial, 10*time.Millisecond, recorder.record)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	waitFor(t, time.Second, func() bool { return sup.State() == Connected })
	h, err := sup.Acquire()
	require.NoError(t, err)

	sup.Invalidate(h)
	assert.Equal(t, Disconnected, sup.State())
	assert.True(t, h.(*fakeHandle).isClosed())
	_, err = sup.Acquire()
	assert.ErrorIs(t, err, ErrNotConnected)

	// supervisor reconnects on its own within the retry interval
	waitFor(t, time.Second, func() bool { return sup.State() == Connected })
	h2, err := sup.Acquire()
	require.NoError(t, err)
	assert.NotSame(t, h, h2)

	// invalidating the stale handle must not drop the new one
	sup.Invalidate(h)
	assert.Equal(t, Connected, sup.State())
}

func TestTeardownClosesHandle(t *testing.T) {
	connector := &scriptedConnector{}
	sup := NewSupervisor(testConn(), connector.dial, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	waitFor(t, time.Second, func() bool { return sup.State() == Connected })
	cancel()
	<-done

	assert.Equal(t, Disconnected, sup.State())
	require.Len(t, connector.handles, 1)
	assert.True(t, connector.handles[0].isClosed())
}
