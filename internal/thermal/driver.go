package thermal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"

	"polly/internal/logging"
)

// USB endpoints of the imager. The frame endpoint carries the framed
// stream; the two auxiliary endpoints must be drained or the device stalls
// the frame endpoint.
const (
	epFrameIn = 0x85
	epAuxIn1  = 0x81
	epAuxIn2  = 0x83

	readChunk  = 16 * 1024
	auxTimeout = 50 * time.Millisecond
	auxChunk   = 512
)

// Reconnect cadence, mirroring the serial link's budget.
var (
	retryInterval  = 3 * time.Second
	maxAutoRetries = 3
)

// FrameFunc receives each parsed frame.
type FrameFunc func(*Frame)

// StateFunc receives connection-state transitions.
type StateFunc func(connected bool, message string)

// Driver owns the USB device and runs the read and drain tasks.
type Driver struct {
	vid, pid gousb.ID
	ring     *logging.Ring
	onFrame  FrameFunc
	onState  StateFunc

	mu        sync.Mutex
	usbCtx    *gousb.Context
	dev       *gousb.Device
	cfg       *gousb.Config
	intf      *gousb.Interface
	connected bool
	closed    bool
	retries   int
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewDriver creates a driver for the imager at vid:pid.
func NewDriver(vid, pid uint16, ring *logging.Ring, onFrame FrameFunc, onState StateFunc) *Driver {
	return &Driver{
		vid:     gousb.ID(vid),
		pid:     gousb.ID(pid),
		ring:    ring,
		onFrame: onFrame,
		onState: onState,
	}
}

// Open claims the device and starts the frame reader and the auxiliary
// drainer.
func (d *Driver) Open() error {
	usbCtx := gousb.NewContext()

	dev, err := usbCtx.OpenDeviceWithVIDPID(d.vid, d.pid)
	if err != nil {
		usbCtx.Close()
		return d.openFailed(fmt.Errorf("open USB device: %w", err))
	}
	if dev == nil {
		usbCtx.Close()
		return d.openFailed(fmt.Errorf("thermal imager not found (VID:0x%04x PID:0x%04x)", uint16(d.vid), uint16(d.pid)))
	}
	dev.SetAutoDetach(true)

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		usbCtx.Close()
		return d.openFailed(fmt.Errorf("set USB config: %w", err))
	}

	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		usbCtx.Close()
		return d.openFailed(fmt.Errorf("claim USB interface: %w", err))
	}

	frameEp, err := intf.InEndpoint(epFrameIn)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		usbCtx.Close()
		return d.openFailed(fmt.Errorf("open frame endpoint: %w", err))
	}

	aux1, err := intf.InEndpoint(epAuxIn1)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		usbCtx.Close()
		return d.openFailed(fmt.Errorf("open aux endpoint 1: %w", err))
	}
	aux2, err := intf.InEndpoint(epAuxIn2)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		usbCtx.Close()
		return d.openFailed(fmt.Errorf("open aux endpoint 2: %w", err))
	}

	d.mu.Lock()
	d.usbCtx = usbCtx
	d.dev = dev
	d.cfg = cfg
	d.intf = intf
	d.connected = true
	d.retries = 0
	d.stop = make(chan struct{})
	stop := d.stop
	d.mu.Unlock()

	d.wg.Add(2)
	go d.frameLoop(frameEp, stop)
	go d.auxLoop(aux1, aux2, stop)

	d.setState(true, "thermal imager connected")
	return nil
}

func (d *Driver) openFailed(err error) error {
	d.setState(false, err.Error())
	return err
}

func (d *Driver) frameLoop(ep *gousb.InEndpoint, stop chan struct{}) {
	defer d.wg.Done()
	parser := &FrameParser{}
	buf := make([]byte, readChunk)
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := ep.Read(buf)
		if err != nil {
			d.handleIOError(stop, fmt.Errorf("frame endpoint read: %w", err))
			return
		}
		if n == 0 {
			continue
		}
		for _, frame := range parser.Push(buf[:n]) {
			if d.onFrame != nil {
				d.onFrame(frame)
			}
		}
	}
}

// auxLoop keeps the two side endpoints drained. Read errors, timeouts
// included, are ignored; the task runs until stop is closed, and a dead
// device is noticed by the frame loop on its own read.
func (d *Driver) auxLoop(aux1, aux2 *gousb.InEndpoint, stop chan struct{}) {
	defer d.wg.Done()
	buf := make([]byte, auxChunk)
	for {
		select {
		case <-stop:
			return
		default:
		}
		for _, ep := range []*gousb.InEndpoint{aux1, aux2} {
			ctx, cancel := context.WithTimeout(context.Background(), auxTimeout)
			ep.ReadContext(ctx, buf)
			cancel()
		}
	}
}

func (d *Driver) handleIOError(stop chan struct{}, err error) {
	d.mu.Lock()
	if d.closed || d.stop != stop {
		d.mu.Unlock()
		return
	}
	close(d.stop)
	d.stop = nil
	d.connected = false
	d.mu.Unlock()

	d.releaseDevice()
	d.setState(false, fmt.Sprintf("thermal imager lost: %v", err))
	go d.reconnectLoop()
}

func (d *Driver) releaseDevice() {
	d.mu.Lock()
	intf, cfg, dev, usbCtx := d.intf, d.cfg, d.dev, d.usbCtx
	d.intf, d.cfg, d.dev, d.usbCtx = nil, nil, nil, nil
	d.mu.Unlock()

	if intf != nil {
		intf.Close()
	}
	if cfg != nil {
		cfg.Close()
	}
	if dev != nil {
		dev.Close()
	}
	if usbCtx != nil {
		usbCtx.Close()
	}
}

func (d *Driver) reconnectLoop() {
	for {
		d.mu.Lock()
		if d.closed || d.connected {
			d.mu.Unlock()
			return
		}
		if d.retries >= maxAutoRetries {
			d.mu.Unlock()
			d.setState(false, "thermal reconnect budget exhausted, waiting for manual retry")
			return
		}
		d.retries++
		attempt := d.retries
		d.mu.Unlock()

		time.Sleep(retryInterval)
		if err := d.Open(); err == nil {
			return
		}
		d.ring.Logf("thermal: reconnect attempt %d/%d failed", attempt, maxAutoRetries)
	}
}

// Retry resets the retry budget and reopens a closed driver.
func (d *Driver) Retry() error {
	d.mu.Lock()
	if d.connected || d.closed {
		d.mu.Unlock()
		return nil
	}
	d.retries = 0
	d.mu.Unlock()
	return d.Open()
}

// Connected reports whether the imager is attached.
func (d *Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Close releases the device permanently.
func (d *Driver) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.connected = false
	if d.stop != nil {
		close(d.stop)
		d.stop = nil
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.releaseDevice()
}

func (d *Driver) setState(connected bool, msg string) {
	d.ring.Logf("thermal: %s", msg)
	if d.onState != nil {
		d.onState(connected, msg)
	}
}
