package sensor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// IIO reads a Linux industrial-I/O device (for example a BME280) through
// its sysfs directory, such as /sys/bus/iio/devices/iio:device0.
//
// Each channel is read from <name>_input when present, otherwise from
// <name>_raw multiplied by <name>_scale. Per the IIO ABI, temperature is
// in milli degrees Celsius, relative humidity in milli percent and pressure
// in kilopascals.
type IIO struct {
	dir string
	now func() time.Time
}

// NewIIO returns a sensor reading the device directory dir.
func NewIIO(dir string) *IIO {
	return &IIO{dir: dir, now: time.Now}
}

// channel describes one IIO channel and its conversion to Reading units.
type channel struct {
	name   string
	factor float64
}

var (
	temperatureChannel = channel{name: "in_temp", factor: 0.001}
	humidityChannel    = channel{name: "in_humidityrelative", factor: 0.001}
	pressureChannel    = channel{name: "in_pressure", factor: 1}
)

// Read reads all three channels.
func (s *IIO) Read(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}

	var r Reading
	var err error
	if r.Temperature, err = s.readChannel(temperatureChannel); err != nil {
		return Reading{}, err
	}
	if r.Humidity, err = s.readChannel(humidityChannel); err != nil {
		return Reading{}, err
	}
	if r.Pressure, err = s.readChannel(pressureChannel); err != nil {
		return Reading{}, err
	}
	r.At = s.now()
	return r, nil
}

func (s *IIO) readChannel(ch channel) (float64, error) {
	v, err := s.readFloat(ch.name + "_input")
	if err == nil {
		return v * ch.factor, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return 0, err
	}

	raw, err := s.readFloat(ch.name + "_raw")
	if err != nil {
		return 0, err
	}
	scale, err := s.readFloat(ch.name + "_scale")
	if err != nil {
		return 0, err
	}
	return raw * scale * ch.factor, nil
}

func (s *IIO) readFloat(name string) (float64, error) {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return 0, fmt.Errorf("%w: reading %s: %w", ErrUnavailable, name, err)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrInvalidReading, name, err)
	}
	return v, nil
}
