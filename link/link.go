package link

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// ErrUnavailable is returned by Open when the serial device cannot be opened.
var ErrUnavailable = errors.New("serial link unavailable")

// Link owns a single serial byte stream. Reads are line-oriented with an
// idle timeout; writes go out raw, with no buffering and no response wait.
type Link struct {
	rwc io.ReadWriteCloser

	lines chan string

	wMx sync.Mutex

	closeOnce sync.Once
	closeCh   chan struct{}
	closeErr  error
}

// Open connects to the serial device at address. Grbl talks 8-N-1.
func Open(address string, baud int) (*Link, error) {
	port, err := serial.OpenPort(&serial.Config{Name: address, Baud: baud})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return New(port), nil
}

// New creates a Link over an existing byte stream.
func New(rwc io.ReadWriteCloser) *Link {
	l := &Link{
		rwc:     rwc,
		lines:   make(chan string, 64),
		closeCh: make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *Link) readLoop() {
	defer close(l.lines)
	scan := bufio.NewScanner(l.rwc)
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" {
			continue
		}
		select {
		case l.lines <- line:
		case <-l.closeCh:
			return
		}
	}
}

// WriteRaw transmits p without waiting on any response.
func (l *Link) WriteRaw(p []byte) error {
	select {
	case <-l.closeCh:
		return io.ErrClosedPipe
	default:
	}
	l.wMx.Lock()
	_, err := l.rwc.Write(p)
	l.wMx.Unlock()
	return err
}

// ReadLine returns the next newline-terminated line, waiting up to idle for
// it to arrive. It returns false if the device stays quiet for idle, the
// context is done, or the link is closed. A partial line accumulates
// silently across calls until its terminator arrives.
func (l *Link) ReadLine(ctx context.Context, idle time.Duration) (string, bool) {
	t := time.NewTimer(idle)
	defer t.Stop()
	select {
	case line, ok := <-l.lines:
		return line, ok
	case <-t.C:
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

// Close releases the underlying stream. Safe to call more than once.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		close(l.closeCh)
		l.closeErr = l.rwc.Close()
	})
	return l.closeErr
}
