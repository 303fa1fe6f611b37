package console

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/jeremyhahn/go-perso/pkg/logging"
	"github.com/jeremyhahn/go-perso/pkg/tlv"
)

// UARTConsole speaks the newline delimited console protocol over any
// byte stream, typically a serial device already configured by the
// test harness. A background scanner feeds received lines into a
// channel so marker waits and payload receives can observe a timeout
// without tearing down the stream. Close releases the scanner; a
// closed console fails every subsequent operation with ErrClosed.
type UARTConsole struct {
	rw        io.ReadWriter
	logger    *logging.Logger
	lines     chan string
	errs      chan error
	done      chan struct{}
	closeOnce sync.Once
}

func NewUARTConsole(logger *logging.Logger, rw io.ReadWriter) *UARTConsole {
	console := &UARTConsole{
		rw:     rw,
		logger: logger,
		lines:  make(chan string, 64),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go console.scan()
	return console
}

func (c *UARTConsole) scan() {
	scanner := bufio.NewScanner(c.rw)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case c.lines <- scanner.Text():
		case <-c.done:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		c.errs <- err
	}
	close(c.lines)
}

// Close releases the background scanner. The underlying stream is
// closed too when it supports closing, which unblocks a scanner
// parked in a read.
func (c *UARTConsole) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	if closer, ok := c.rw.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (c *UARTConsole) WaitForMarker(pattern string, timeout time.Duration) error {
	matcher, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("console: invalid marker pattern %q: %w", pattern, err)
	}
	deadline := time.After(timeout)
	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				return c.readFailure()
			}
			c.logger.Debug("device console", "line", line)
			if matcher.MatchString(line) {
				return nil
			}
		case <-c.done:
			return ErrClosed
		case <-deadline:
			return fmt.Errorf("%w: marker %q after %s",
				ErrTimeout, pattern, timeout)
		}
	}
}

// Send writes the payload and a trailing newline. The write runs
// against the timeout so a wedged device cannot hang the run; the
// caller's slice is never modified.
func (c *UARTConsole) Send(payload []byte, timeout time.Duration) error {
	line := make([]byte, len(payload)+1)
	copy(line, payload)
	line[len(payload)] = '\n'

	result := make(chan error, 1)
	go func() {
		_, err := c.rw.Write(line)
		result <- err
	}()

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("console: send failed: %w", err)
		}
		return nil
	case <-c.done:
		return ErrClosed
	case <-time.After(timeout):
		return fmt.Errorf("%w: send after %s", ErrTimeout, timeout)
	}
}

func (c *UARTConsole) SendBlob(blob *tlv.Blob, timeout time.Duration) error {
	payload, err := EncodeBlob(blob)
	if err != nil {
		return err
	}
	return c.Send(payload, timeout)
}

func (c *UARTConsole) RecvBlob(timeout time.Duration) (*tlv.Blob, error) {
	payload, err := c.recvJSON(timeout)
	if err != nil {
		return nil, err
	}
	return DecodeBlob(payload)
}

func (c *UARTConsole) RecvHash(timeout time.Duration) ([]byte, error) {
	payload, err := c.recvJSON(timeout)
	if err != nil {
		return nil, err
	}
	return DecodeHash(payload)
}

// recvJSON returns the next line that parses as a JSON object,
// skipping interleaved firmware log output.
func (c *UARTConsole) recvJSON(timeout time.Duration) ([]byte, error) {
	deadline := time.After(timeout)
	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				return nil, c.readFailure()
			}
			var fields map[string]json.RawMessage
			if json.Unmarshal([]byte(line), &fields) == nil && len(fields) > 0 {
				return []byte(line), nil
			}
			c.logger.Debug("device console", "line", line)
		case <-c.done:
			return nil, ErrClosed
		case <-deadline:
			return nil, fmt.Errorf("%w: payload after %s", ErrTimeout, timeout)
		}
	}
}

func (c *UARTConsole) readFailure() error {
	select {
	case err := <-c.errs:
		return fmt.Errorf("console: stream error: %w", err)
	default:
		return fmt.Errorf("%w: console stream closed", ErrTimeout)
	}
}
