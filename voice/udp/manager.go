package udp

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrManagerClosed is returned when a Manager that is already closed is dialed,
// written to or read from.
var ErrManagerClosed = errors.New("UDP connection manager is closed")

// Manager holds the current Connection across reconnects. Users block while
// the Manager is paused, so a reconnect never hands them a stale socket. A
// Manager is safe for concurrent use.
type Manager struct {
	dialer *net.Dialer

	mu       sync.Mutex
	conn     *Connection
	closed   bool
	stopDial context.CancelFunc

	// connLock is held while the Manager is paused.
	connLock chan struct{}
}

// NewManager creates a new UDP connection manager with the default dialer.
func NewManager() *Manager {
	return &Manager{
		dialer:   &Dialer,
		connLock: make(chan struct{}, 1),
	}
}

// SetDialer sets the manager's dialer. Only call this directly after
// construction.
func (m *Manager) SetDialer(d *net.Dialer) {
	m.mu.Lock()
	m.dialer = d
	m.mu.Unlock()
}

// Pause blocks users of the Manager until Continue is called. It blocks until
// the Manager is paused or the context expires.
func (m *Manager) Pause(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case m.connLock <- struct{}{}:
		return nil
	}
}

// Continue unpauses the Manager. It returns false if the Manager wasn't
// paused.
func (m *Manager) Continue() bool {
	select {
	case <-m.connLock:
		return true
	default:
		return false
	}
}

// Dial replaces the current connection with a new one. The Manager must be
// paused. The previous connection is closed once the new one is up.
func (m *Manager) Dial(ctx context.Context, addr string, ssrc uint32) (*Connection, error) {
	select {
	case m.connLock <- struct{}{}:
		<-m.connLock
		return nil, errors.New("Dial called on unpaused Manager")
	default:
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.stopDial = cancel
	dialer := m.dialer
	m.mu.Unlock()

	conn, err := DialConnectionCustom(ctx, dialer, addr, ssrc)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopDial = nil

	if err != nil {
		return nil, errors.Wrap(err, "failed to dial")
	}

	if m.closed {
		conn.Close()
		return nil, ErrManagerClosed
	}

	logrus.WithFields(logrus.Fields{
		"addr":     addr,
		"external": conn.ExternalIP,
	}).Debug("UDP connection established")

	if m.conn != nil {
		m.conn.Close()
	}
	m.conn = conn

	return conn, nil
}

// Close closes the Manager and its connection. A closed Manager can't be
// reused. Close doesn't wait for a pause; blocked users get ErrManagerClosed
// once they run.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopDial != nil {
		m.stopDial()
		m.stopDial = nil
	}

	if m.closed {
		return ErrManagerClosed
	}
	m.closed = true

	if m.conn != nil {
		return m.conn.Close()
	}

	return nil
}

// IsClosed returns true if the Manager is closed.
func (m *Manager) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closed
}

// Conn returns the current connection without waiting for a pause to end. It
// may be nil.
func (m *Manager) Conn() *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.conn
}

// Write writes b to the current connection. It blocks while the Manager is
// paused.
func (m *Manager) Write(b []byte) (int, error) {
	conn, err := m.acquireConn()
	if err != nil {
		return 0, err
	}

	return conn.Write(b)
}

// Read reads one datagram from the current connection. If the connection is
// replaced by a reconnect while Read is blocked, Read continues on the new one.
func (m *Manager) Read(b []byte) (int, error) {
	for {
		conn, err := m.acquireConn()
		if err != nil {
			return 0, err
		}

		n, err := conn.Read(b)
		if errors.Is(err, ErrNotConnected) && m.replaced(conn) {
			continue
		}

		return n, err
	}
}

func (m *Manager) replaced(conn *Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return !m.closed && m.conn != conn
}

// acquireConn waits out a pause and returns the connection at that point.
func (m *Manager) acquireConn() (*Connection, error) {
	m.connLock <- struct{}{}
	defer func() { <-m.connLock }()

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.closed:
		return nil, ErrManagerClosed
	case m.conn == nil:
		return nil, ErrNotConnected
	default:
		return m.conn, nil
	}
}
