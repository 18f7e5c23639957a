// Package gpio applies states expressed as GPIO pin levels. A state's
// fragment is a PinMap; activating it drives every listed pin and
// deactivating it puts each pin back to the level it had before.
package gpio

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// KindPins is the fragment kind of PinMap.
const KindPins = "pins"

// PinMap maps pin numbers to output levels (0 or 1).
type PinMap struct {
	Source string
	Levels map[int]int
}

type pinFile struct {
	Pins map[int]int `yaml:"pins"`
}

// NewPinMap validates levels and returns a PinMap fragment.
func NewPinMap(levels map[int]int) (*PinMap, error) {
	if len(levels) == 0 {
		return nil, fmt.Errorf("pin map is empty")
	}
	for pin, v := range levels {
		if pin < 0 {
			return nil, fmt.Errorf("pin %d: negative pin number", pin)
		}
		if v != 0 && v != 1 {
			return nil, fmt.Errorf("pin %d: level %d, want 0 or 1", pin, v)
		}
	}
	return &PinMap{Levels: levels}, nil
}

// LoadPinMap reads a YAML file of the form:
//
//	pins:
//	  17: 1
//	  27: 0
func LoadPinMap(path string) (*PinMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pin map %s: %w", path, err)
	}
	var f pinFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse pin map %s: %w", path, err)
	}
	pm, err := NewPinMap(f.Pins)
	if err != nil {
		return nil, fmt.Errorf("pin map %s: %w", path, err)
	}
	pm.Source = path
	return pm, nil
}

// Kind implements domain.Fragment.
func (p *PinMap) Kind() string { return KindPins }

// Release implements domain.Fragment. A PinMap holds no resources.
func (p *PinMap) Release() error { return nil }

// Pins returns the pin numbers in ascending order.
func (p *PinMap) Pins() []int {
	pins := make([]int, 0, len(p.Levels))
	for pin := range p.Levels {
		pins = append(pins, pin)
	}
	sort.Ints(pins)
	return pins
}
