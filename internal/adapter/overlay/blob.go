package overlay

import (
	"fmt"
	"os"
	"sync"
)

// KindDTBO is the fragment kind of compiled device-tree overlays.
const KindDTBO = "dtbo"

// Blob is a compiled device-tree overlay held in memory.
type Blob struct {
	Source string // file it was read from, if any

	mu   sync.RWMutex
	data []byte
}

// NewBlob wraps data as a dtbo fragment. data is not copied.
func NewBlob(data []byte) *Blob {
	return &Blob{data: data}
}

// LoadBlob reads a .dtbo file.
func LoadBlob(path string) (*Blob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read overlay %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("overlay %s is empty", path)
	}
	return &Blob{Source: path, data: data}, nil
}

// Kind implements domain.Fragment.
func (b *Blob) Kind() string { return KindDTBO }

// Data returns the overlay bytes, or nil once released.
func (b *Blob) Data() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.data
}

// Release implements domain.Fragment.
func (b *Blob) Release() error {
	b.mu.Lock()
	b.data = nil
	b.mu.Unlock()
	return nil
}
