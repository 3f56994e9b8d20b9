package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/velora-app/chatsync/internal/bus"
	"github.com/velora-app/chatsync/internal/status"
	"github.com/velora-app/chatsync/internal/wire"
	"go.uber.org/zap"
)

// ErrConnectionFailed wraps transport dial and write failures. Retryable.
var ErrConnectionFailed = errors.New("connection failed")

// ErrNotConnected is returned by Send while the connection is down.
// Callers own retry semantics; the manager does not queue frames.
var ErrNotConnected = errors.New("not connected")

// Transport is one open connection to the messaging gateway.
type Transport interface {
	ReadFrame(ctx context.Context) (*wire.Frame, error)
	WriteFrame(ctx context.Context, f *wire.Frame) error
	Close() error
}

// Dialer opens a Transport to an endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Transport, error)
}

const writeTimeout = 10 * time.Second

// Options configures a Manager.
type Options struct {
	Endpoint          string
	Dialer            Dialer
	Machine           *status.Machine
	Bus               *bus.Bus
	Logger            *zap.Logger
	AutoReconnect     bool
	ReconnectInterval time.Duration
}

// Manager owns the socket lifecycle: connect, reconnect with backoff,
// disconnect, and inbound frame dispatch onto the bus. Exactly one
// logical connection exists at a time; no other component touches the
// transport directly.
type Manager struct {
	endpoint          string
	dialer            Dialer
	machine           *status.Machine
	bus               *bus.Bus
	logger            *zap.Logger
	autoReconnect     bool
	reconnectInterval time.Duration

	mu         sync.Mutex
	transport  Transport
	reconnect  *time.Timer
	readCancel context.CancelFunc
	explicit   bool
}

// NewManager creates a connection manager. It does not dial until
// Connect is called.
func NewManager(opts Options) *Manager {
	interval := opts.ReconnectInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Manager{
		endpoint:          opts.Endpoint,
		dialer:            opts.Dialer,
		machine:           opts.Machine,
		bus:               opts.Bus,
		logger:            opts.Logger,
		autoReconnect:     opts.AutoReconnect,
		reconnectInterval: interval,
	}
}

// Connect opens the transport. Idempotent: a call while connecting or
// connected is a no-op. A failed dial surfaces ErrConnectionFailed and,
// when auto-reconnect is on, arms exactly one future attempt.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.machine.Current() != status.Disconnected {
		m.mu.Unlock()
		return nil
	}
	_ = m.machine.Transition(status.Connecting)
	m.explicit = false
	m.mu.Unlock()

	t, err := m.dialer.Dial(ctx, m.endpoint)

	m.mu.Lock()
	if m.explicit {
		// Disconnect raced the dial; it already moved the machine back.
		m.mu.Unlock()
		if t != nil {
			_ = t.Close()
		}
		return nil
	}
	if err != nil {
		_ = m.machine.Transition(status.Disconnected)
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		return fmt.Errorf("%w: dial %s: %v", ErrConnectionFailed, m.endpoint, err)
	}

	m.transport = t
	_ = m.machine.Transition(status.Connected)
	if m.readCancel != nil {
		// Release the previous (already finished) read loop's context.
		m.readCancel()
	}
	readCtx, cancel := context.WithCancel(context.Background())
	m.readCancel = cancel
	m.mu.Unlock()

	m.logger.Info("connected", zap.String("endpoint", m.endpoint))
	go m.readLoop(readCtx, t)
	return nil
}

// Disconnect cancels any pending reconnect attempt, closes the
// transport and transitions to disconnected. The manager never
// reconnects on its own after an explicit disconnect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.explicit = true
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	if m.readCancel != nil {
		m.readCancel()
		m.readCancel = nil
	}
	t := m.transport
	m.transport = nil
	if m.machine.Current() != status.Disconnected {
		_ = m.machine.Transition(status.Disconnected)
	}
	m.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
	m.logger.Info("disconnected")
}

// Send writes one frame. It is a warned no-op returning ErrNotConnected
// while the connection is down; frames are never queued.
func (m *Manager) Send(f *wire.Frame) error {
	m.mu.Lock()
	t := m.transport
	connected := m.machine.Current() == status.Connected
	m.mu.Unlock()

	if !connected || t == nil {
		m.logger.Warn("send dropped: not connected", zap.String("frame_type", f.Type))
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := t.WriteFrame(ctx, f); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrConnectionFailed, f.Type, err)
	}
	return nil
}

// State returns the current connection state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

func (m *Manager) readLoop(ctx context.Context, t Transport) {
	for {
		f, err := t.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, wire.ErrMalformedFrame) {
				// Parse failures must not kill the dispatch loop.
				m.logger.Warn("dropping malformed frame", zap.Error(err))
				continue
			}
			if ctx.Err() != nil {
				// Explicit disconnect cancelled the loop.
				return
			}
			m.logger.Warn("connection lost", zap.Error(err))
			m.handleUnexpectedClose(t)
			return
		}
		m.dispatch(f)
	}
}

// dispatch publishes an inbound frame on the bus, namespaced by frame
// type so subscribers can filter. Routing by type (and dropping unknown
// types) happens in the sync engine.
func (m *Manager) dispatch(f *wire.Frame) {
	m.bus.Publish(bus.Event{
		Kind:      "conn.frame." + f.Type,
		Timestamp: time.Now(),
		Payload:   f,
	})
}

func (m *Manager) handleUnexpectedClose(t Transport) {
	_ = t.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transport != t {
		// A newer connection already replaced this one.
		return
	}
	m.transport = nil
	if m.explicit {
		return
	}
	_ = m.machine.Transition(status.Disconnected)
	m.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms a single reconnect attempt. Each failed
// attempt re-arms exactly one future attempt through Connect's failure
// path; overlapping timers are impossible.
func (m *Manager) scheduleReconnectLocked() {
	if !m.autoReconnect || m.explicit {
		return
	}
	if m.reconnect != nil {
		return
	}
	m.logger.Info("reconnect scheduled", zap.Duration("in", m.reconnectInterval))
	m.reconnect = time.AfterFunc(m.reconnectInterval, func() {
		m.mu.Lock()
		m.reconnect = nil
		cancelled := m.explicit
		m.mu.Unlock()
		if cancelled {
			return
		}
		if err := m.Connect(context.Background()); err != nil {
			m.logger.Warn("reconnect attempt failed", zap.Error(err))
		}
	})
}
