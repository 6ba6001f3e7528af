// Copyright 2025 Fieldworks Contributors
// SPDX-License-Identifier: Apache-2.0

package formqueue

import (
	"sync"
	"sync/atomic"
)

// Monitor tracks the boolean network presence signal. There is no notion of
// partial connectivity; the signal is up or down.
type Monitor struct {
	online int32

	mu       sync.Mutex
	handlers []func(online bool)
}

// NewMonitor creates a monitor with the given initial state.
func NewMonitor(online bool) *Monitor {
	m := &Monitor{}
	if online {
		m.online = 1
	}
	return m
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	return atomic.LoadInt32(&m.online) == 1
}

// SetOnline records a state change and, on an actual transition, invokes the
// registered handlers synchronously in registration order.
func (m *Monitor) SetOnline(online bool) {
	var next int32
	if online {
		next = 1
	}
	prev := atomic.SwapInt32(&m.online, next)
	if prev == next {
		return
	}

	m.mu.Lock()
	handlers := make([]func(online bool), len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, fn := range handlers {
		fn(online)
	}
}

// Notify registers a handler for online/offline transitions.
func (m *Monitor) Notify(fn func(online bool)) {
	m.mu.Lock()
	m.handlers = append(m.handlers, fn)
	m.mu.Unlock()
}
