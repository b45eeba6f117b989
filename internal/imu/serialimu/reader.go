// Package serialimu reads inertial samples from a serial device. The wire
// format is one CSV line per sample:
//
//	timestamp_s,wx,wy,wz,ax,ay,az
//
// with angular rates in rad/s and accelerations in m/s^2, IMU frame.
package serialimu

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"

	"go.bug.st/serial"

	"github.com/banshee-data/trajectory.report/internal/vio/quatmath"
	"github.com/banshee-data/trajectory.report/internal/vio/state"
)

// Reader streams IMU samples from a serial port (or any line-oriented
// io.Reader in tests).
type Reader struct {
	port    io.ReadCloser
	samples chan state.IMUData
}

// Open opens the serial device at 115200 8N1.
func Open(portName string) (*Reader, error) {
	mode := &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: 1,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("serialimu: opening %s: %w", portName, err)
	}
	return NewReader(port), nil
}

// NewReader wraps an already opened line stream.
func NewReader(port io.ReadCloser) *Reader {
	return &Reader{port: port, samples: make(chan state.IMUData, 256)}
}

// Samples returns the channel of parsed IMU samples.
func (r *Reader) Samples() <-chan state.IMUData {
	return r.samples
}

// Close closes the underlying port.
func (r *Reader) Close() error {
	return r.port.Close()
}

// Monitor reads lines until the context ends or the port closes, parsing
// each into a sample. Malformed and out-of-order lines are logged and
// dropped; timestamps must be monotonically non-decreasing.
func (r *Reader) Monitor(ctx context.Context) error {
	defer close(r.samples)
	scan := bufio.NewScanner(r.port)
	lastTimestamp := -1.0
	for scan.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		data, err := ParseLine(scan.Text())
		if err != nil {
			log.Printf("[SERIAL-IMU]: dropping line: %v", err)
			continue
		}
		if data.Timestamp < lastTimestamp {
			log.Printf("[SERIAL-IMU]: dropping out-of-order sample %.6f < %.6f", data.Timestamp, lastTimestamp)
			continue
		}
		lastTimestamp = data.Timestamp

		select {
		case r.samples <- data:
		case <-ctx.Done():
			return nil
		}
	}
	return scan.Err()
}

// ParseLine parses one CSV sample line.
func ParseLine(line string) (state.IMUData, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != 7 {
		return state.IMUData{}, fmt.Errorf("serialimu: want 7 fields, got %d in %q", len(fields), line)
	}
	var vals [7]float64
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return state.IMUData{}, fmt.Errorf("serialimu: field %d of %q: %w", i, line, err)
		}
		vals[i] = v
	}
	return state.IMUData{
		Timestamp: vals[0],
		Wm:        quatmath.Vec3{vals[1], vals[2], vals[3]},
		Am:        quatmath.Vec3{vals[4], vals[5], vals[6]},
	}, nil
}
