package ingress

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.bug.st/serial"
)

const (
	minBackoff    = time.Second
	maxBackoff    = 30 * time.Second
	maxLineLength = 64 * 1024
)

// ReadLines parses newline-delimited messages from r and dispatches them to
// gw until r is exhausted or ctx is cancelled. Bad lines and rejected
// messages are logged and skipped.
func ReadLines(ctx context.Context, r io.Reader, gw Gateway, logger *slog.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineLength)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		msg, err := ParseMessage(line)
		if err != nil {
			logger.Warn("skip line", "err", err)
			continue
		}
		if err := Dispatch(ctx, gw, msg); err != nil {
			logger.Warn("message rejected", "err", err)
		}
	}
	return scanner.Err()
}

// SerialReader reads messages from a serial port, reopening it with
// exponential backoff whenever it fails.
type SerialReader struct {
	portName string
	mode     *serial.Mode
	gw       Gateway
	logger   *slog.Logger

	open func(name string, mode *serial.Mode) (io.ReadCloser, error)
}

// NewSerialReader creates a reader for portName at baudRate.
func NewSerialReader(portName string, baudRate int, gw Gateway, logger *slog.Logger) *SerialReader {
	return &SerialReader{
		portName: portName,
		mode: &serial.Mode{
			BaudRate: baudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
		gw:     gw,
		logger: logger,
		open:   openSerial,
	}
}

func openSerial(name string, mode *serial.Mode) (io.ReadCloser, error) {
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	// USB CDC ACM bridges only send once DTR is asserted.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)
	return port, nil
}

// Run reads until ctx is cancelled.
func (s *SerialReader) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		start := time.Now()
		err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(start) > maxBackoff {
			backoff = minBackoff
		}
		s.logger.Warn("serial ingress disconnected", "port", s.portName, "err", err, "retry_in", backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// session opens the port once and reads until it fails.
func (s *SerialReader) session(ctx context.Context) error {
	port, err := s.open(s.portName, s.mode)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.portName, err)
	}
	s.logger.Info("serial ingress connected", "port", s.portName, "baud", s.mode.BaudRate)

	// Closing the port is the only way to unblock a pending read.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			port.Close()
		case <-done:
		}
	}()
	defer port.Close()

	err = ReadLines(ctx, port, s.gw, s.logger)
	if err == nil {
		err = io.EOF
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("read %s: %w", s.portName, err)
}
