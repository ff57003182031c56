package firmware

import (
	"fmt"
	"time"

	"polly/internal/logging"
	"polly/internal/mcu"
	"polly/internal/serial"
)

// STK500v1 opcodes.
const (
	stkGetSync     = 0x30
	stkEnterPgm    = 0x50
	stkLeavePgm    = 0x51
	stkLoadAddress = 0x55
	stkProgPage    = 0x64
	stkReadSign    = 0x75

	stkCRCEOP = 0x20
	stkInSync = 0x14
	stkOK     = 0x10
)

// Target device signature (ATmega328P).
var targetSignature = [3]byte{0x1E, 0x95, 0x0F}

// Protocol timing. Vars so the programmer tests can run fast.
var (
	resetPulse     = 50 * time.Millisecond
	bootloaderWait = 200 * time.Millisecond
	syncAttempts   = 10
	syncReadWait   = 150 * time.Millisecond
	byteReadWait   = 500 * time.Millisecond
	pageGap        = 5 * time.Millisecond
	rebootWait     = 2 * time.Second
	quiesceWait    = 300 * time.Millisecond
)

// Event is one progress report. Per-page events carry phase and percent;
// the final event carries done/success/message.
type Event struct {
	Phase   string `json:"phase,omitempty"`
	Percent int    `json:"percent"`
	Done    bool   `json:"done,omitempty"`
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// ProgressFunc receives progress events during an upload.
type ProgressFunc func(Event)

// ProtocolError is a classified bootloader protocol failure.
type ProtocolError struct {
	Step string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("stk500 %s: %v", e.Step, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Programmer flashes a parsed image through the serial link. While it runs
// it owns the port exclusively; the link's reader and writer are paused,
// not destroyed, and resumed afterward.
type Programmer struct {
	link     *serial.Link
	bridge   *mcu.Bridge
	ring     *logging.Ring
	progress ProgressFunc
}

// NewProgrammer creates a programmer over the link the bridge uses.
func NewProgrammer(link *serial.Link, bridge *mcu.Bridge, ring *logging.Ring, progress ProgressFunc) *Programmer {
	return &Programmer{link: link, bridge: bridge, ring: ring, progress: progress}
}

// Upload parses the HEX payload and programs it. Parse errors are fatal
// before the bridge is disturbed. Any protocol error aborts the upload; the
// bridge is resumed in every case.
func (p *Programmer) Upload(hexText string) error {
	img, err := ParseHex(hexText)
	if err != nil {
		p.finish(false, err.Error())
		return err
	}
	p.ring.Logf("firmware: image parsed, %d pages (%d bytes)", len(img.Pages), img.Size)
	p.emit(Event{Phase: "parsed", Percent: 0})

	// Quiesce the device so nothing competes with the bootloader, then
	// take the port from the link.
	p.bridge.Quiesce()
	time.Sleep(quiesceWait)

	port, err := p.link.Pause()
	if err != nil {
		p.finish(false, err.Error())
		return err
	}
	p.emit(Event{Phase: "acquired", Percent: 0})

	progErr := p.program(port, img)

	// Always hand the port back and restore streaming.
	p.link.Resume()
	p.bridge.OnConnect()

	if progErr != nil {
		p.ring.Logf("firmware: upload failed: %v", progErr)
		p.finish(false, progErr.Error())
		return progErr
	}

	p.ring.Logf("firmware: upload complete, %d pages programmed", len(img.Pages))
	p.finish(true, "upload complete")
	return nil
}

func (p *Programmer) program(port serial.Port, img *Image) error {
	port.SetReadTimeout(50 * time.Millisecond)

	// Pulse DTR to reset the target into its bootloader.
	port.SetDTR(true)
	time.Sleep(resetPulse)
	port.SetDTR(false)
	time.Sleep(resetPulse)
	port.SetDTR(true)
	time.Sleep(resetPulse)
	port.SetDTR(false)
	time.Sleep(bootloaderWait)
	p.emit(Event{Phase: "reset", Percent: 0})

	if err := p.sync(port); err != nil {
		return err
	}
	p.emit(Event{Phase: "synced", Percent: 0})

	if err := p.command(port, "enter programming mode", []byte{stkEnterPgm, stkCRCEOP}); err != nil {
		return err
	}

	if err := p.verifySignature(port); err != nil {
		return err
	}
	p.emit(Event{Phase: "programming", Percent: 0})

	lastPercent := -2
	for i, page := range img.Pages {
		if err := p.programPage(port, page); err != nil {
			return fmt.Errorf("page %d at 0x%04X: %w", i, page.Address, err)
		}
		time.Sleep(pageGap)

		percent := (i + 1) * 100 / len(img.Pages)
		if percent-lastPercent >= 2 || i == len(img.Pages)-1 {
			lastPercent = percent
			p.emit(Event{Phase: "programming", Percent: percent})
		}
	}

	if err := p.command(port, "leave programming mode", []byte{stkLeavePgm, stkCRCEOP}); err != nil {
		return err
	}

	// Let the target reboot into the new firmware.
	time.Sleep(rebootWait)
	return nil
}

// sync knocks on the bootloader until it answers, draining garbage between
// attempts.
func (p *Programmer) sync(port serial.Port) error {
	var lastErr error
	for attempt := 1; attempt <= syncAttempts; attempt++ {
		port.ResetInputBuffer()
		if _, err := port.Write([]byte{stkGetSync, stkCRCEOP}); err != nil {
			return &ProtocolError{Step: "sync", Err: err}
		}
		err := expectAck(port, syncReadWait)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return &ProtocolError{Step: "sync", Err: fmt.Errorf("no response after %d attempts: %v", syncAttempts, lastErr)}
}

func (p *Programmer) verifySignature(port serial.Port) error {
	if _, err := port.Write([]byte{stkReadSign, stkCRCEOP}); err != nil {
		return &ProtocolError{Step: "read signature", Err: err}
	}
	b, err := readByte(port, byteReadWait)
	if err != nil || b != stkInSync {
		return &ProtocolError{Step: "read signature", Err: fmt.Errorf("expected INSYNC, got 0x%02X (%v)", b, err)}
	}
	var sig [3]byte
	for i := range sig {
		sig[i], err = readByte(port, byteReadWait)
		if err != nil {
			return &ProtocolError{Step: "read signature", Err: err}
		}
	}
	b, err = readByte(port, byteReadWait)
	if err != nil || b != stkOK {
		return &ProtocolError{Step: "read signature", Err: fmt.Errorf("expected OK, got 0x%02X (%v)", b, err)}
	}
	if sig != targetSignature {
		return &ProtocolError{Step: "read signature", Err: fmt.Errorf("signature %02X%02X%02X does not match target", sig[0], sig[1], sig[2])}
	}
	return nil
}

func (p *Programmer) programPage(port serial.Port, page Page) error {
	// Word address, little-endian.
	word := page.Address / 2
	load := []byte{stkLoadAddress, byte(word & 0xFF), byte(word >> 8), stkCRCEOP}
	if err := p.command(port, "load address", load); err != nil {
		return err
	}

	prog := make([]byte, 0, 5+len(page.Data))
	prog = append(prog, stkProgPage, byte(len(page.Data)>>8), byte(len(page.Data)&0xFF), 'F')
	prog = append(prog, page.Data...)
	prog = append(prog, stkCRCEOP)
	return p.command(port, "program page", prog)
}

// command writes a framed request and expects INSYNC/OK.
func (p *Programmer) command(port serial.Port, step string, frame []byte) error {
	if _, err := port.Write(frame); err != nil {
		return &ProtocolError{Step: step, Err: err}
	}
	if err := expectAck(port, byteReadWait); err != nil {
		return &ProtocolError{Step: step, Err: err}
	}
	return nil
}

func expectAck(port serial.Port, wait time.Duration) error {
	b, err := readByte(port, wait)
	if err != nil {
		return err
	}
	if b != stkInSync {
		return fmt.Errorf("expected INSYNC 0x14, got 0x%02X", b)
	}
	b, err = readByte(port, wait)
	if err != nil {
		return err
	}
	if b != stkOK {
		return fmt.Errorf("expected OK 0x10, got 0x%02X", b)
	}
	return nil
}

// readByte reads one byte, tolerating the port's short read-timeout ticks
// up to the given deadline.
func readByte(port serial.Port, wait time.Duration) (byte, error) {
	buf := make([]byte, 1)
	deadline := time.Now().Add(wait)
	for {
		n, err := port.Read(buf)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			return buf[0], nil
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("read timeout after %v", wait)
		}
	}
}

func (p *Programmer) emit(ev Event) {
	if p.progress != nil {
		p.progress(ev)
	}
}

func (p *Programmer) finish(success bool, message string) {
	p.emit(Event{Done: true, Success: success, Message: message, Percent: 100})
}
