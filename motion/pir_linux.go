//go:build linux

package motion

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// GPIOSensor reads a PIR output on a GPIO character device line
type GPIOSensor struct {
	line *gpiocdev.Line
}

// NewGPIOSensor requests the line as a pulled-down input
func NewGPIOSensor(chip string, offset int) (*GPIOSensor, error) {
	line, err := gpiocdev.RequestLine(chip, offset,
		gpiocdev.AsInput,
		gpiocdev.WithPullDown,
		gpiocdev.WithConsumer("pir-motion-cam"))
	if err != nil {
		return nil, fmt.Errorf("failed to request line %s:%d: %w", chip, offset, err)
	}
	return &GPIOSensor{line: line}, nil
}

func (s *GPIOSensor) Read() (bool, error) {
	v, err := s.line.Value()
	if err != nil {
		return false, err
	}
	return v == 1, nil
}

func (s *GPIOSensor) Close() error {
	return s.line.Close()
}
