// Package stdio frames JSON-RPC messages as newline-delimited JSON over an
// io.Reader/io.Writer pair, per spec.md §6: "stdio uses newline-delimited
// JSON with a maximum frame size (default 10 MiB); oversize frames produce
// -32600." Grounded on the teacher's bufio.Scanner-based line reading
// (test/framework/process.go).
package stdio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/swarmd/pkg/rpc"
)

const defaultMaxFrameBytes = 10 * 1024 * 1024

// Conn adapts an io.Reader/io.Writer pair to rpc.FrameConn, one JSON
// message per line.
type Conn struct {
	scanner *bufio.Scanner
	w       io.Writer
	wmu     sync.Mutex
}

// New wraps r/w as a newline-delimited JSON-RPC connection.
func New(r io.Reader, w io.Writer, maxFrameBytes int) *Conn {
	if maxFrameBytes <= 0 {
		maxFrameBytes = defaultMaxFrameBytes
	}
	scanner := bufio.NewScanner(r)
	// The Scanner enforces the larger of max and the initial buffer's
	// capacity, so the initial buffer must not exceed maxFrameBytes.
	initial := 64 * 1024
	if maxFrameBytes < initial {
		initial = maxFrameBytes
	}
	scanner.Buffer(make([]byte, 0, initial), maxFrameBytes)
	return &Conn{scanner: scanner, w: w}
}

// ReadFrame returns the next newline-delimited JSON message.
func (c *Conn) ReadFrame() ([]byte, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				return nil, rpc.ErrFrameTooLarge
			}
			return nil, err
		}
		return nil, io.EOF
	}
	line := c.scanner.Bytes()
	out := make([]byte, len(line))
	copy(out, line)
	return out, nil
}

// WriteFrame writes data followed by a newline.
func (c *Conn) WriteFrame(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("stdio write: %w", err)
	}
	_, err := c.w.Write([]byte("\n"))
	return err
}

// Serve runs ServeConn over r/w until EOF or a transport error.
func Serve(ctx context.Context, d *rpc.Dispatcher, r io.Reader, w io.Writer, maxFrameBytes int) error {
	return rpc.ServeConn(ctx, d, New(r, w, maxFrameBytes))
}

var _ rpc.FrameConn = (*Conn)(nil)
