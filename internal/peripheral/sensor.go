package peripheral

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrorCode classifies a failed sensor reading.
type ErrorCode int

// Sensor error codes.
const (
	NoError ErrorCode = iota
	InitError
	DataError
	TimeoutError
	ChecksumError
)

// String returns the code name.
func (c ErrorCode) String() string {
	switch c {
	case NoError:
		return "no_error"
	case InitError:
		return "init_error"
	case DataError:
		return "data_error"
	case TimeoutError:
		return "timeout_error"
	case ChecksumError:
		return "checksum_error"
	default:
		return "unknown"
	}
}

// Reading is one temperature/humidity sample.
type Reading struct {
	Temperature float64 // Degrees Celsius
	Humidity    float64 // Percent relative humidity
	OK          bool
	Code        ErrorCode
	At          time.Time
}

// DHT22 measurement range.
const (
	minTemperature = -40.0
	maxTemperature = 80.0
	minHumidity    = 0.0
	maxHumidity    = 100.0

	// milliScale converts the IIO driver's milli units.
	milliScale = 1000.0
)

// IIO attribute file names.
const (
	iioTemperatureFile = "in_temp_input"
	iioHumidityFile    = "in_humidityrelative_input"
)

// DefaultIIODevice is the first IIO device on a Raspberry Pi.
const DefaultIIODevice = "/sys/bus/iio/devices/iio:device0"

// IIOSensor reads a DHT sensor through the Linux dht11 IIO driver.
type IIOSensor struct {
	dir string
	now func() time.Time
}

// NewIIOSensor creates a sensor reading from the IIO device directory.
func NewIIOSensor(dir string) *IIOSensor {
	if dir == "" {
		dir = DefaultIIODevice
	}
	return &IIOSensor{dir: dir, now: time.Now}
}

// Read samples temperature then humidity. The driver performs one bus
// transaction per attribute read, so each can fail independently.
func (s *IIOSensor) Read(ctx context.Context) Reading {
	r := Reading{At: s.now()}
	if ctx.Err() != nil {
		r.Code = TimeoutError
		return r
	}

	temp, code := s.readMilli(iioTemperatureFile)
	if code != NoError {
		r.Code = code
		return r
	}
	hum, code := s.readMilli(iioHumidityFile)
	if code != NoError {
		r.Code = code
		return r
	}

	if temp < minTemperature || temp > maxTemperature || hum < minHumidity || hum > maxHumidity {
		r.Code = DataError
		return r
	}

	r.Temperature = temp
	r.Humidity = hum
	r.OK = true
	return r
}

func (s *IIOSensor) readMilli(name string) (float64, ErrorCode) {
	raw, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return 0, codeForError(err)
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, DataError
	}
	return float64(v) / milliScale, NoError
}

func codeForError(err error) ErrorCode {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
		return InitError
	case errors.Is(err, syscall.ETIMEDOUT):
		return TimeoutError
	case errors.Is(err, syscall.EIO):
		return ChecksumError
	default:
		return DataError
	}
}

// String formats a reading for logs.
func (r Reading) String() string {
	if !r.OK {
		return fmt.Sprintf("error=%s", r.Code)
	}
	return fmt.Sprintf("temperature=%.1f humidity=%.1f", r.Temperature, r.Humidity)
}
