// Package thermal drives a fixed-format USB thermal imager: raw bulk
// transfers in, parsed frames out. No vendor SDK is involved.
package thermal

import (
	"bytes"
	"encoding/binary"
)

// Sensor geometry. The imager always reports 80x60 pixels in a strided
// buffer of 82 16-bit slots per row: half a row, a 4-byte gap, half a row.
const (
	FrameWidth  = 80
	FrameHeight = 60

	rowStrideBytes  = FrameWidth + 4 + FrameWidth // bytes per strided row of u16 pixels
	thermalDataSkip = 4                           // thermal pixel data starts this far into its region

	magicLen  = 4
	headerLen = magicLen + 24 // magic plus six little-endian u32 fields

	ringCapacity = 1 << 20
)

var frameMagic = []byte{0xEF, 0xBE, 0x00, 0x00}

// minThermalSize is the smallest thermal region that can carry a full
// pixel raster. Declared sizes below it mean a sensor variant this parser
// does not understand; such frames are dropped rather than decoded into
// garbage.
const minThermalSize = thermalDataSkip + FrameHeight*rowStrideBytes

// Frame is one decoded thermal frame.
type Frame struct {
	Width  int
	Height int
	Pixels []uint16
	Min    uint16
	Max    uint16
	Jpeg   []byte // embedded visual JPEG, may be nil
	Status []byte // embedded status JSON, may be nil
}

// FrameParser accumulates the bulk stream and extracts whole frames. It
// also tracks flat-field correction from the status JSON: the frame
// immediately after an FFC completes is suppressed.
type FrameParser struct {
	buf           []byte
	ffcInProgress bool
	dropped       int
}

// ffcMarker appears in the status JSON while the camera runs a flat-field
// correction.
var ffcMarker = []byte("FFC_IN_PROGRESS")

// Push appends raw bytes and returns every complete frame found. The
// internal buffer is bounded to 1 MiB; on overflow the oldest bytes go.
func (p *FrameParser) Push(data []byte) []*Frame {
	p.buf = append(p.buf, data...)
	if len(p.buf) > ringCapacity {
		p.buf = p.buf[len(p.buf)-ringCapacity:]
	}

	var frames []*Frame
	for {
		idx := bytes.Index(p.buf, frameMagic)
		if idx < 0 {
			// No magic anywhere: drop the buffer, keeping a tail that
			// could be a partial magic spanning pushes.
			if len(p.buf) > magicLen-1 {
				p.buf = p.buf[len(p.buf)-(magicLen-1):]
			}
			return frames
		}
		p.buf = p.buf[idx:]

		if len(p.buf) < headerLen {
			return frames
		}

		frameSize := int(binary.LittleEndian.Uint32(p.buf[4:8]))
		total := headerLen + frameSize
		if total > ringCapacity {
			// Bogus header: skip this magic and keep scanning.
			p.buf = p.buf[magicLen:]
			continue
		}
		if len(p.buf) < total {
			return frames
		}

		frame := p.decode(p.buf[:total])
		p.buf = p.buf[total:]
		if frame != nil {
			frames = append(frames, frame)
		}
	}
}

// Dropped returns how many frames were suppressed or rejected.
func (p *FrameParser) Dropped() int { return p.dropped }

func (p *FrameParser) decode(raw []byte) *Frame {
	thermalSize := int(binary.LittleEndian.Uint32(raw[8:12]))
	jpegSize := int(binary.LittleEndian.Uint32(raw[12:16]))
	statusSize := int(binary.LittleEndian.Uint32(raw[16:20]))

	payload := raw[headerLen:]
	if thermalSize+jpegSize+statusSize > len(payload) {
		p.dropped++
		return nil
	}
	if thermalSize < minThermalSize {
		// A sensor variant with a different raster; decoding it against
		// the fixed stride would emit garbage pixels.
		p.dropped++
		return nil
	}

	thermal := payload[:thermalSize]
	jpeg := payload[thermalSize : thermalSize+jpegSize]
	status := payload[thermalSize+jpegSize : thermalSize+jpegSize+statusSize]

	ffcNow := bytes.Contains(status, ffcMarker)
	justFinished := p.ffcInProgress && !ffcNow
	p.ffcInProgress = ffcNow
	if justFinished {
		// First frame after an FFC is unusable.
		p.dropped++
		return nil
	}

	f := &Frame{
		Width:  FrameWidth,
		Height: FrameHeight,
		Pixels: make([]uint16, FrameWidth*FrameHeight),
		Min:    0xFFFF,
	}
	if jpegSize > 0 {
		f.Jpeg = append([]byte(nil), jpeg...)
	}
	if statusSize > 0 {
		f.Status = append([]byte(nil), status...)
	}

	data := thermal[thermalDataSkip:]
	half := FrameWidth / 2
	for row := 0; row < FrameHeight; row++ {
		base := row * rowStrideBytes
		for col := 0; col < FrameWidth; col++ {
			off := base + col*2
			if col >= half {
				off += 4 // mid-row gap
			}
			px := binary.LittleEndian.Uint16(data[off : off+2])
			f.Pixels[row*FrameWidth+col] = px
			if px < f.Min {
				f.Min = px
			}
			if px > f.Max {
				f.Max = px
			}
		}
	}
	return f
}

// EncodeWire packs a frame into the hub's binary layout:
// u16 width | u16 height | u32 min | u32 max | u16[w*h] pixels, all
// little-endian.
func (f *Frame) EncodeWire() []byte {
	out := make([]byte, 12+2*len(f.Pixels))
	binary.LittleEndian.PutUint16(out[0:2], uint16(f.Width))
	binary.LittleEndian.PutUint16(out[2:4], uint16(f.Height))
	binary.LittleEndian.PutUint32(out[4:8], uint32(f.Min))
	binary.LittleEndian.PutUint32(out[8:12], uint32(f.Max))
	for i, px := range f.Pixels {
		binary.LittleEndian.PutUint16(out[12+2*i:14+2*i], px)
	}
	return out
}
