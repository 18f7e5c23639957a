package gpio

import (
	"fmt"
	"sync"
)

// Backend abstracts GPIO pin operations for testability.
type Backend interface {
	Read(pin int) (int, error)
	Write(pin, value int) error
}

// MockBackend is an in-memory Backend. Pins must be added before use.
type MockBackend struct {
	mu     sync.Mutex
	pins   map[int]int
	writes []PinWrite
	failOn map[int]error
}

// PinWrite records one Write call on a MockBackend.
type PinWrite struct {
	Pin   int
	Value int
}

// NewMockBackend creates a mock backend.
func NewMockBackend() *MockBackend {
	return &MockBackend{pins: make(map[int]int), failOn: make(map[int]error)}
}

// AddPin registers pin with an initial level.
func (m *MockBackend) AddPin(pin, value int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pins[pin] = value
}

// FailWrites makes every Write to pin return err. A nil err clears it.
func (m *MockBackend) FailWrites(pin int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failOn, pin)
		return
	}
	m.failOn[pin] = err
}

func (m *MockBackend) Read(pin int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.pins[pin]
	if !ok {
		return 0, fmt.Errorf("pin %d not found", pin)
	}
	return v, nil
}

func (m *MockBackend) Write(pin, value int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pins[pin]; !ok {
		return fmt.Errorf("pin %d not found", pin)
	}
	if err := m.failOn[pin]; err != nil {
		return err
	}
	m.pins[pin] = value
	m.writes = append(m.writes, PinWrite{Pin: pin, Value: value})
	return nil
}

// Level returns the current level of pin.
func (m *MockBackend) Level(pin int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pins[pin]
}

// Writes returns a copy of the write log.
func (m *MockBackend) Writes() []PinWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PinWrite(nil), m.writes...)
}
