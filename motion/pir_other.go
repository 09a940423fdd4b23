//go:build !linux

package motion

// GPIOSensor is unavailable off linux
type GPIOSensor struct{}

func NewGPIOSensor(chip string, offset int) (*GPIOSensor, error) {
	return nil, ErrSensorUnsupported
}

func (s *GPIOSensor) Read() (bool, error) {
	return false, ErrSensorUnsupported
}

func (s *GPIOSensor) Close() error {
	return nil
}
