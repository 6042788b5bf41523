package db

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/barryq93/db2prom/internal/types"
)

// ErrNotConnected is returned by Acquire when the supervisor holds no live
// handle. Runners skip the cycle rather than wait for reconnection.
var ErrNotConnected = errors.New("database not connected")

// State of a supervised connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Connector opens a verified handle for a connection spec. Injected so the
// state machine is testable without a real database.
type Connector func(ctx context.Context, conn types.Connection) (Handle, error)

// Dial is the production Connector: open the pool and ping it.
func Dial(ctx context.Context, conn types.Connection) (Handle, error) {
	client, err := Open(conn)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// StatusFunc receives reachability transitions, labeled by the connection
// identity the supervisor was built with.
type StatusFunc func(up bool)

// Supervisor owns the lifecycle of one database connection: connect, detect
// failure, retry at a fixed interval, expose reachability. It is the
// exclusive owner of the handle; runners only borrow it through Acquire.
type Supervisor struct {
	conn   types.Connection
	dial   Connector
	retry  time.Duration
	status StatusFunc
	log    *logrus.Entry

	mu          sync.RWMutex
	state       State
	handle      Handle
	failures    int
	lastAttempt time.Time
}

func NewSupervisor(conn types.Connection, dial Connector, retry time.Duration, status StatusFunc) *Supervisor {
	if status == nil {
		status = func(bool) {}
	}
	return &Supervisor{
		conn:   conn,
		dial:   dial,
		retry:  retry,
		status: status,
		log:    logrus.WithField("connection", conn.ID()),
	}
}

// Run drives the reconnect loop until ctx is canceled: at most one connect
// attempt per retry interval, first attempt immediate. The retry interval
// is fixed; there is no exponential growth.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		if s.State() == Disconnected {
			s.attempt(ctx)
		}
		select {
		case <-ctx.Done():
			s.teardown()
			return
		case <-time.After(s.retry):
		}
	}
}

func (s *Supervisor) attempt(ctx context.Context) {
	s.setState(Connecting)
	s.mu.Lock()
	s.lastAttempt = time.Now()
	s.mu.Unlock()

	handle, err := s.dial(ctx, s.conn)
	if err != nil {
		s.mu.Lock()
		s.state = Disconnected
		s.failures++
		failures := s.failures
		s.mu.Unlock()
		s.status(false)
		s.log.Warnf("connect attempt failed (consecutive failures: %d): %v", failures, err)
		return
	}

	s.mu.Lock()
	s.handle = handle
	s.state = Connected
	s.failures = 0
	s.mu.Unlock()
	s.status(true)
	s.log.Info("connected")
}

// Acquire returns the live handle, or ErrNotConnected immediately. Never
// blocks waiting for reconnection.
func (s *Supervisor) Acquire() (Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != Connected || s.handle == nil {
		return nil, ErrNotConnected
	}
	return s.handle, nil
}

// Invalidate reports a failure detected on a borrowed handle. Only the
// current handle triggers a transition; a stale handle from before a
// reconnect is ignored.
func (s *Supervisor) Invalidate(h Handle) {
	s.mu.Lock()
	if s.state != Connected || s.handle != h {
		s.mu.Unlock()
		return
	}
	s.handle = nil
	s.state = Disconnected
	s.mu.Unlock()

	if err := h.Close(); err != nil {
		s.log.Debugf("closing failed handle: %v", err)
	}
	s.status(false)
	s.log.Warn("connection lost, will retry")
}

func (s *Supervisor) teardown() {
	s.mu.Lock()
	handle := s.handle
	s.handle = nil
	s.state = Disconnected
	s.mu.Unlock()

	if handle != nil {
		if err := handle.Close(); err != nil {
			s.log.Errorf("closing connection on shutdown: %v", err)
		}
		s.log.Info("connection closed")
	}
	s.status(false)
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Failures returns the consecutive connect-failure count.
func (s *Supervisor) Failures() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failures
}

// LastAttempt returns when the supervisor last tried to connect.
func (s *Supervisor) LastAttempt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAttempt
}

// Connection returns the immutable spec this supervisor was built from.
func (s *Supervisor) Connection() types.Connection {
	return s.conn
}
