//go:build edge

package gpio

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// PeriphBackend implements Backend using periph.io for real hardware GPIO.
type PeriphBackend struct {
	mu   sync.Mutex
	pins map[int]gpio.PinIO // cached pin handles
	out  map[int]int        // last level written, for pins we drive
}

// NewPeriphBackend initializes periph.io and returns a real GPIO backend.
func NewPeriphBackend() (Backend, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	return &PeriphBackend{
		pins: make(map[int]gpio.PinIO),
		out:  make(map[int]int),
	}, nil
}

func (b *PeriphBackend) resolvePin(pin int) (gpio.PinIO, error) {
	if p, ok := b.pins[pin]; ok {
		return p, nil
	}
	name := fmt.Sprintf("GPIO%d", pin)
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("pin %d (%s) not found in hardware", pin, name)
	}
	b.pins[pin] = p
	return p, nil
}

// Read returns the pin level. Pins this backend drives report the level
// last written instead of being switched back to input.
func (b *PeriphBackend) Read(pin int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.out[pin]; ok {
		return v, nil
	}
	p, err := b.resolvePin(pin)
	if err != nil {
		return 0, err
	}
	if p.Read() == gpio.High {
		return 1, nil
	}
	return 0, nil
}

func (b *PeriphBackend) Write(pin, value int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := b.resolvePin(pin)
	if err != nil {
		return err
	}
	level := gpio.Low
	if value != 0 {
		level = gpio.High
	}
	if err := p.Out(level); err != nil {
		return fmt.Errorf("drive pin %d: %w", pin, err)
	}
	b.out[pin] = value
	return nil
}
