// Package netmon tracks device connectivity and fans status transitions out to
// subscribers. It only reports state; it never starts synchronization itself.
package netmon

import (
	"sync"

	"go.uber.org/zap"
)

// Status is the connectivity state of the device.
type Status string

const (
	// StatusOnline means the backend is believed reachable.
	StatusOnline Status = "ONLINE"
	// StatusOffline means the backend is believed unreachable.
	StatusOffline Status = "OFFLINE"
)

// Monitor holds the current status and delivers transitions, in the order
// they were reported, from a single dispatcher goroutine. Consecutive
// identical statuses are suppressed. Report never blocks on subscribers.
type Monitor struct {
	mu          sync.Mutex
	status      Status
	subscribers map[int64]func(Status)
	nextID      int64
	backlog     []Status
	signal      chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
	logger      *zap.Logger
}

// NewMonitor starts a monitor in the given initial status.
func NewMonitor(initial Status, logger *zap.Logger) *Monitor {
	if initial != StatusOnline {
		initial = StatusOffline
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	monitor := &Monitor{
		status:      initial,
		subscribers: make(map[int64]func(Status)),
		signal:      make(chan struct{}, 1),
		done:        make(chan struct{}),
		logger:      logger,
	}
	go monitor.dispatch()
	return monitor
}

// CurrentStatus returns the latest reported status.
func (m *Monitor) CurrentStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe registers callback for future transitions and returns its
// unsubscribe handle. Callbacks run on the dispatcher goroutine.
func (m *Monitor) Subscribe(callback func(Status)) func() {
	if callback == nil {
		return func() {}
	}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subscribers[id] = callback
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, id)
			m.mu.Unlock()
		})
	}
}

// Report feeds an observed status. A report equal to the current status is dropped.
func (m *Monitor) Report(status Status) {
	if status != StatusOnline && status != StatusOffline {
		return
	}
	m.mu.Lock()
	if status == m.status {
		m.mu.Unlock()
		return
	}
	select {
	case <-m.done:
		m.mu.Unlock()
		return
	default:
	}
	m.status = status
	m.backlog = append(m.backlog, status)
	m.mu.Unlock()

	m.logger.Info("connectivity changed", zap.String("status", string(status)))
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Close stops the dispatcher. Transitions still in the backlog are dropped.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
}

func (m *Monitor) dispatch() {
	for {
		select {
		case <-m.done:
			return
		case <-m.signal:
		}
		for {
			m.mu.Lock()
			if len(m.backlog) == 0 {
				m.mu.Unlock()
				break
			}
			status := m.backlog[0]
			m.backlog = m.backlog[1:]
			callbacks := make([]func(Status), 0, len(m.subscribers))
			for _, callback := range m.subscribers {
				callbacks = append(callbacks, callback)
			}
			m.mu.Unlock()

			for _, callback := range callbacks {
				callback(status)
			}
		}
	}
}
