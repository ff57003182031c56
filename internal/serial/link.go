// Package serial provides the framed line transport to the microcontroller:
// a reader/writer goroutine pair over a 115200 8-N-1 port, with a bounded
// write queue and a reconnect watchdog.
package serial

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"polly/internal/logging"
)

// Port is the subset of the serial port the link and the firmware
// programmer rely on. go.bug.st/serial ports satisfy it directly; tests
// inject in-memory fakes.
type Port interface {
	io.ReadWriteCloser
	SetDTR(level bool) error
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// ErrorKind classifies link failures for the supervisor.
type ErrorKind int

const (
	NotFound ErrorKind = iota
	PermissionDenied
	OpenFailed
	IoError
	RetryExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case PermissionDenied:
		return "permission denied"
	case OpenFailed:
		return "open failed"
	case IoError:
		return "io error"
	case RetryExhausted:
		return "retry exhausted"
	}
	return "unknown"
}

// LinkError is a classified transport failure.
type LinkError struct {
	Kind ErrorKind
	Err  error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("serial link: %s: %v", e.Kind, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

const (
	baudRate      = 115200
	writeQueueCap = 64
	readBufSize   = 256
	readTick      = 200 * time.Millisecond
)

// Reconnect cadence. Vars so link tests can run without real-time waits.
var (
	bootQuiescence = 2500 * time.Millisecond
	reconnectDelay = 2 * time.Second
	retryInterval  = 3 * time.Second
	maxAutoRetries = 3
)

// LineFunc receives each whole received line, CR stripped.
type LineFunc func(line string)

// StateFunc receives connection-state transitions.
type StateFunc func(connected bool, message string)

// Link owns the serial port. Writes are enqueued on a bounded queue; on
// overflow the oldest pending command is dropped, keeping the most recent
// intent (drive commands are idempotent).
type Link struct {
	device   string
	ring     *logging.Ring
	openPort func(device string) (Port, error)

	onLine  LineFunc
	onState StateFunc

	mu        sync.Mutex
	port      Port
	connected bool
	paused    bool
	closed    bool
	retries   int
	lastErr   *LinkError

	writeQ chan string
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewLink creates a link for the named device. Callbacks fire from the
// link's own goroutines.
func NewLink(device string, ring *logging.Ring, onLine LineFunc, onState StateFunc) *Link {
	return &Link{
		device:   device,
		ring:     ring,
		openPort: openRealPort,
		onLine:   onLine,
		onState:  onState,
		writeQ:   make(chan string, writeQueueCap),
	}
}

// NewLinkWithOpener is NewLink with a custom port opener, for alternate
// transports and tests.
func NewLinkWithOpener(device string, ring *logging.Ring, onLine LineFunc, onState StateFunc, open func(string) (Port, error)) *Link {
	l := NewLink(device, ring, onLine, onState)
	l.openPort = open
	return l
}

func openRealPort(device string) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, classifyOpenError(err)
	}
	return port, nil
}

func classifyOpenError(err error) error {
	var pe *serial.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case serial.PortNotFound:
			return &LinkError{Kind: NotFound, Err: err}
		case serial.PermissionDenied:
			return &LinkError{Kind: PermissionDenied, Err: err}
		}
	}
	return &LinkError{Kind: OpenFailed, Err: err}
}

// Open opens the port and starts the reader and writer. The device is given
// a quiescence window after open (it may still be in its bootloader) and any
// buffered input is drained before normal operation begins.
func (l *Link) Open() error {
	port, err := l.openPort(l.device)
	if err != nil {
		l.setState(false, err.Error())
		var le *LinkError
		if errors.As(err, &le) {
			l.mu.Lock()
			l.lastErr = le
			l.mu.Unlock()
		}
		return err
	}

	time.Sleep(bootQuiescence)
	port.SetReadTimeout(readTick)
	port.ResetInputBuffer()

	l.mu.Lock()
	l.port = port
	l.connected = true
	l.paused = false
	l.retries = 0
	l.lastErr = nil
	l.stop = make(chan struct{})
	l.mu.Unlock()

	l.startTasks(port)
	l.setState(true, "serial link open on "+l.device)
	return nil
}

func (l *Link) startTasks(port Port) {
	stop := l.stop
	l.wg.Add(2)
	go l.readerLoop(port, stop)
	go l.writerLoop(port, stop)
}

func (l *Link) readerLoop(port Port, stop chan struct{}) {
	defer l.wg.Done()
	buf := make([]byte, readBufSize)
	var acc []byte
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			l.handleIOError(stop, fmt.Errorf("read: %w", err))
			return
		}
		if n == 0 {
			continue // read timeout tick, used as the stop check point
		}

		acc = append(acc, buf[:n]...)
		for {
			i := indexByte(acc, '\n')
			if i < 0 {
				break
			}
			line := strings.TrimRight(string(acc[:i]), "\r")
			acc = acc[i+1:]
			if line != "" && l.onLine != nil {
				l.onLine(line)
			}
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func (l *Link) writerLoop(port Port, stop chan struct{}) {
	defer l.wg.Done()
	for {
		select {
		case <-stop:
			return
		case cmd := <-l.writeQ:
			if _, err := port.Write([]byte(cmd + "\n")); err != nil {
				l.handleIOError(stop, fmt.Errorf("write: %w", err))
				return
			}
		}
	}
}

// Enqueue queues a command for transmission. The trailing newline is added
// by the writer; any present is stripped first. On a full queue the oldest
// pending command is dropped.
func (l *Link) Enqueue(cmd string) {
	cmd = strings.TrimRight(cmd, "\r\n")
	for {
		select {
		case l.writeQ <- cmd:
			return
		default:
		}
		select {
		case dropped := <-l.writeQ:
			l.ring.Logf("serial: write queue full, dropped %q", dropped)
		default:
		}
	}
}

// handleIOError stops the task pair once and schedules reconnection.
func (l *Link) handleIOError(stop chan struct{}, err error) {
	l.mu.Lock()
	if l.closed || l.paused || l.stop != stop {
		l.mu.Unlock()
		return
	}
	close(l.stop)
	l.stop = nil
	l.connected = false
	l.lastErr = &LinkError{Kind: IoError, Err: err}
	port := l.port
	l.port = nil
	l.mu.Unlock()

	if port != nil {
		port.Close()
	}
	l.setState(false, fmt.Sprintf("serial link lost: %v", err))
	go l.reconnectLoop()
}

// reconnectLoop waits out the detach, then reopens at a fixed cadence until
// the retry budget runs out. After exhaustion the link stays closed until
// Retry is called.
func (l *Link) reconnectLoop() {
	time.Sleep(reconnectDelay)
	for {
		l.mu.Lock()
		if l.closed || l.connected {
			l.mu.Unlock()
			return
		}
		if l.retries >= maxAutoRetries {
			l.lastErr = &LinkError{Kind: RetryExhausted, Err: fmt.Errorf("%d reconnect attempts failed", l.retries)}
			l.mu.Unlock()
			l.setState(false, "serial reconnect budget exhausted, waiting for manual retry")
			return
		}
		l.retries++
		attempt := l.retries
		l.mu.Unlock()

		if err := l.Open(); err == nil {
			return
		}
		l.ring.Logf("serial: reconnect attempt %d/%d failed", attempt, maxAutoRetries)
		time.Sleep(retryInterval)
	}
}

// Retry resets the retry budget and attempts to reopen a closed link.
func (l *Link) Retry() error {
	l.mu.Lock()
	if l.connected || l.closed {
		l.mu.Unlock()
		return nil
	}
	l.retries = 0
	l.mu.Unlock()
	return l.Open()
}

// Pause stops the reader and writer without closing the port and returns
// the port for exclusive use by the caller (firmware programming). The
// queue keeps accepting commands; they transmit after Resume.
func (l *Link) Pause() (Port, error) {
	l.mu.Lock()
	if !l.connected || l.paused {
		l.mu.Unlock()
		return nil, fmt.Errorf("serial link: not connected")
	}
	l.paused = true
	close(l.stop)
	l.stop = nil
	port := l.port
	l.mu.Unlock()

	l.wg.Wait()
	// Give inflight device output a moment to settle before handover.
	time.Sleep(100 * time.Millisecond)
	return port, nil
}

// Resume restarts the reader and writer after a Pause.
func (l *Link) Resume() {
	l.mu.Lock()
	if !l.paused || l.port == nil {
		l.mu.Unlock()
		return
	}
	l.paused = false
	l.stop = make(chan struct{})
	port := l.port
	l.mu.Unlock()

	port.SetReadTimeout(readTick)
	l.startTasks(port)
}

// Connected reports whether the port is open.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// LastError returns the most recent classified failure, if any.
func (l *Link) LastError() *LinkError {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// Close shuts the link down permanently.
func (l *Link) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.connected = false
	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}
	port := l.port
	l.port = nil
	l.mu.Unlock()

	l.wg.Wait()
	if port != nil {
		port.Close()
	}
}

func (l *Link) setState(connected bool, msg string) {
	l.ring.Logf("serial: %s", msg)
	if l.onState != nil {
		l.onState(connected, msg)
	}
}
