package source

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/vlaube/sessiond/internal/model"
	"github.com/vlaube/sessiond/internal/observe"
)

// serialSource reads a serial port. Write-back honors SendDataDelay by
// pacing individual bytes, which some line-driven devices require.
type serialSource struct {
	port  serial.Port
	buf   []byte
	delay time.Duration

	wmu sync.Mutex
}

// unsupportedSerialOptions names requested settings the driver cannot
// apply on this platform.
func unsupportedSerialOptions(cfg observe.SerialTransport) []string {
	var opts []string
	if cfg.Exclusive {
		opts = append(opts, "exclusive")
	}
	if cfg.FlowControl != 0 {
		opts = append(opts, "flow_control")
	}
	return opts
}

func OpenSerial(cfg observe.SerialTransport) (ByteSource, error) {
	if opts := unsupportedSerialOptions(cfg); len(opts) > 0 {
		slog.Warn("serial options not supported by driver, ignored",
			"path", cfg.Path, "options", strings.Join(opts, ","))
	}
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		Parity:   mapParity(cfg.Parity),
		StopBits: mapStopBits(cfg.StopBits),
	}
	port, err := serial.Open(cfg.Path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", cfg.Path, err)
	}
	return &serialSource{
		port:  port,
		buf:   make([]byte, readChunkSize),
		delay: cfg.SendDataDelay,
	}, nil
}

func mapParity(v int) serial.Parity {
	switch v {
	case 1:
		return serial.OddParity
	case 2:
		return serial.EvenParity
	default:
		return serial.NoParity
	}
}

func mapStopBits(v int) serial.StopBits {
	switch v {
	case 2:
		return serial.TwoStopBits
	default:
		return serial.OneStopBit
	}
}

func (s *serialSource) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := s.port.Read(s.buf)
	if n > 0 {
		chunk := make([]byte, n)
		copy(chunk, s.buf[:n])
		return chunk, nil
	}
	return nil, err
}

func (s *serialSource) Income(ctx context.Context, req model.SdeRequest) (model.SdeResponse, error) {
	payload := req.Payload()
	if len(payload) == 0 {
		return model.SdeResponse{}, nil
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.delay <= 0 {
		n, err := s.port.Write(payload)
		if err != nil {
			return model.SdeResponse{Bytes: n}, fmt.Errorf("serial write: %w", err)
		}
		return model.SdeResponse{Bytes: n}, nil
	}
	written := 0
	for _, b := range payload {
		if err := ctx.Err(); err != nil {
			return model.SdeResponse{Bytes: written}, err
		}
		n, err := s.port.Write([]byte{b})
		written += n
		if err != nil {
			return model.SdeResponse{Bytes: written}, fmt.Errorf("serial write: %w", err)
		}
		time.Sleep(s.delay)
	}
	return model.SdeResponse{Bytes: written}, nil
}

func (s *serialSource) Close() error {
	return s.port.Close()
}

// ListPorts enumerates serial device paths available on the host.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return ports, nil
}
